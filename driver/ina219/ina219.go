// Package ina219 reads bus voltage, current and power from a TI INA219 power
// monitor on I2C. UPS HATs for the Raspberry Pi Zero use it at 0x43.
package ina219

import (
	"context"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/ina219"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
	"github.com/anibaldeboni/zero-paper/sensorhub/driver/periphbus"
	"github.com/anibaldeboni/zero-paper/sensorhub/registry"
)

const DriverName = "ina219"

var Quantities = driver.Quantities{driver.Voltage, driver.Current, driver.Power}

var Schema = driver.Schema{
	"i2c_bus_num": {Type: driver.TypeInt, Required: true, Min: driver.Bound(0), Description: "I2C bus number"},
	"chip_addr":   {Type: driver.TypeInt, Default: 0x40, Min: driver.Bound(0x40), Max: driver.Bound(0x4F)},
	"shunt_ohms":  {Type: driver.TypeFloat, Default: 0.1, Min: driver.Bound(0), Description: "shunt resistor value"},
	"max_current": {Type: driver.TypeFloat, Default: 3.2, Min: driver.Bound(0), Description: "expected maximum current in amperes"},
}

// Config holds the wiring of one monitor.
type Config struct {
	BusNum     int
	Address    int
	ShuntOhms  float64
	MaxCurrent float64
}

// ParseConfig reads validated options into a Config.
func ParseConfig(opts driver.Options) (Config, error) {
	var (
		c   Config
		err error
	)
	if c.BusNum, err = opts.Int("i2c_bus_num"); err != nil {
		return Config{}, err
	}
	if c.Address, err = opts.Int("chip_addr"); err != nil {
		return Config{}, err
	}
	if c.ShuntOhms, err = opts.Float("shunt_ohms"); err != nil {
		return Config{}, err
	}
	if c.MaxCurrent, err = opts.Float("max_current"); err != nil {
		return Config{}, err
	}
	if c.ShuntOhms <= 0 || c.MaxCurrent <= 0 {
		return Config{}, fmt.Errorf("shunt_ohms and max_current must be positive")
	}
	return c, nil
}

func (c Config) opts() ina219.Opts {
	o := ina219.DefaultOpts
	o.Address = c.Address
	o.SenseResistor = physic.ElectricResistance(c.ShuntOhms * float64(physic.Ohm))
	o.MaxCurrent = physic.ElectricCurrent(c.MaxCurrent * float64(physic.Ampere))
	return o
}

// Monitor is one INA219 chip.
type Monitor struct {
	config Config

	mu     sync.Mutex
	bus    i2c.BusCloser
	device *ina219.Dev
}

func New(config Config) *Monitor {
	return &Monitor{config: config}
}

func (m *Monitor) Bus() string {
	return periphbus.I2CBusID(m.config.BusNum)
}

func (m *Monitor) Setup(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		return nil
	}
	bus, err := periphbus.OpenI2C(m.config.BusNum)
	if err != nil {
		return err
	}
	opts := m.config.opts()
	dev, err := ina219.New(bus, &opts)
	if err != nil {
		bus.Close()
		return driver.Fatal(
			fmt.Sprintf("initialize INA219 at 0x%02X", m.config.Address),
			fmt.Errorf("%w: %w", driver.ErrDeviceAbsent, err),
		)
	}
	m.bus = bus
	m.device = dev
	return nil
}

func (m *Monitor) Read(_ context.Context, spec driver.MeasurementSpec) (driver.RawValue, error) {
	if err := driver.CheckQuantity(spec, Quantities); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		return nil, driver.Fatal("read", driver.ErrNotSetup)
	}
	p, err := m.device.Sense()
	if err != nil {
		return nil, driver.Transient("sense", err)
	}
	return record(p), nil
}

func record(p ina219.PowerMonitor) driver.Record {
	return driver.Record{
		driver.Voltage: float64(p.Voltage) / float64(physic.Volt),
		driver.Current: float64(p.Current) / float64(physic.Ampere),
		driver.Power:   float64(p.Power) / float64(physic.Watt),
	}
}

func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.device = nil
	if m.bus == nil {
		return nil
	}
	err := m.bus.Close()
	m.bus = nil
	if err != nil {
		return fmt.Errorf("failed to close I2C bus: %w", err)
	}
	return nil
}

// Register adds the INA219 driver.
func Register(r *registry.Registry) error {
	return r.Register(driver.Registration{
		Name:            DriverName,
		Description:     "TI INA219 bus voltage, current and power monitor on I2C",
		Schema:          Schema,
		Quantities:      Quantities,
		DefaultQuantity: driver.Voltage,
		Factory: func(opts driver.Options) (driver.Driver, error) {
			config, err := ParseConfig(opts)
			if err != nil {
				return nil, err
			}
			return New(config), nil
		},
	})
}

var (
	_ driver.Driver  = (*Monitor)(nil)
	_ driver.BusUser = (*Monitor)(nil)
)
