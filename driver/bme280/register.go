package bme280

import (
	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
	"github.com/anibaldeboni/zero-paper/sensorhub/registry"
)

const (
	DriverName          = "bme280"
	SimulatedDriverName = "bme280_simulated"
)

// Register adds the hardware and simulated BME280 drivers.
func Register(r *registry.Registry) error {
	if err := r.Register(driver.Registration{
		Name:            DriverName,
		Description:     "Bosch BME280 temperature, humidity and pressure sensor on I2C",
		Schema:          Schema,
		Quantities:      Quantities,
		DefaultQuantity: driver.Temperature,
		Factory:         factory,
	}); err != nil {
		return err
	}
	return r.Register(driver.Registration{
		Name:            SimulatedDriverName,
		Description:     "BME280 producing random samples inside configured ranges",
		Schema:          SimulatedSchema,
		Quantities:      Quantities,
		DefaultQuantity: driver.Temperature,
		Factory:         simulatedFactory,
	})
}
