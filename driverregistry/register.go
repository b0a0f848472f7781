// Package driverregistry registers every built-in driver with a registry.
package driverregistry

import (
	"errors"
	"fmt"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver/bme280"
	"github.com/anibaldeboni/zero-paper/sensorhub/driver/bme680"
	"github.com/anibaldeboni/zero-paper/sensorhub/driver/dht"
	"github.com/anibaldeboni/zero-paper/sensorhub/driver/gpio"
	"github.com/anibaldeboni/zero-paper/sensorhub/driver/ina219"
	"github.com/anibaldeboni/zero-paper/sensorhub/registry"
)

var builtins = []struct {
	name     string
	register func(*registry.Registry) error
}{
	{"bme280", bme280.Register},
	{"bme680", bme680.Register},
	{"dht", dht.Register},
	{"gpio", gpio.Register},
	{"ina219", ina219.Register},
}

// Register adds the built-in drivers:
//   - bme280 and bme280_simulated (temperature, humidity, pressure)
//   - bme680 (temperature, humidity, pressure, gas, air quality)
//   - dht (DHT11/DHT22 temperature and humidity)
//   - gpio (binary input or output)
//   - ina219 (voltage, current, power)
func Register(r *registry.Registry) error {
	if r == nil {
		return errors.New("registry cannot be nil")
	}
	for _, b := range builtins {
		if err := b.register(r); err != nil {
			return fmt.Errorf("register %s driver: %w", b.name, err)
		}
	}
	return nil
}
