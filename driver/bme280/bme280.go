// Package bme280 drives the Bosch BME280 temperature, humidity and pressure
// chip over I2C, plus a simulated variant for machines without the chip.
package bme280

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
	"github.com/anibaldeboni/zero-paper/sensorhub/driver/periphbus"
)

// Quantities are the values one BME280 sample contains.
var Quantities = driver.Quantities{driver.Temperature, driver.Humidity, driver.Pressure}

var oversampling = map[string]bmxx80.Oversampling{
	"none": bmxx80.Off,
	"1x":   bmxx80.O1x,
	"2x":   bmxx80.O2x,
	"4x":   bmxx80.O4x,
	"8x":   bmxx80.O8x,
	"16x":  bmxx80.O16x,
}

var filters = map[int]bmxx80.Filter{
	0:  bmxx80.NoFilter,
	2:  bmxx80.F2,
	4:  bmxx80.F4,
	8:  bmxx80.F8,
	16: bmxx80.F16,
}

// Schema describes the options of the hardware driver.
var Schema = driver.Schema{
	"i2c_bus_num": {Type: driver.TypeInt, Required: true, Min: driver.Bound(0), Description: "I2C bus number"},
	"chip_addr":   {Type: driver.TypeInt, Required: true, Min: driver.Bound(0x03), Max: driver.Bound(0x77), Description: "I2C address, usually 0x76 or 0x77"},
	"oversampling": {
		Type:        driver.TypeString,
		Default:     "4x",
		Allowed:     []any{"none", "1x", "2x", "4x", "8x", "16x"},
		Description: "oversampling applied to every channel",
	},
	"filter": {
		Type:        driver.TypeInt,
		Default:     0,
		Allowed:     []any{0, 2, 4, 8, 16},
		Description: "IIR filter coefficient",
	},
}

// Config holds the hardware settings of one chip.
type Config struct {
	BusNum  int
	Address uint16
	Options bmxx80.Opts
}

// ParseConfig reads validated options into a Config.
func ParseConfig(opts driver.Options) (Config, error) {
	bus, err := opts.Int("i2c_bus_num")
	if err != nil {
		return Config{}, err
	}
	addr, err := opts.Int("chip_addr")
	if err != nil {
		return Config{}, err
	}
	samplingName, err := opts.String("oversampling")
	if err != nil {
		return Config{}, err
	}
	sampling, ok := oversampling[samplingName]
	if !ok {
		return Config{}, fmt.Errorf("unknown oversampling %q", samplingName)
	}
	f, err := opts.Int("filter")
	if err != nil {
		return Config{}, err
	}
	filter, ok := filters[f]
	if !ok {
		return Config{}, fmt.Errorf("unsupported filter %d", f)
	}

	return Config{
		BusNum:  bus,
		Address: uint16(addr),
		Options: bmxx80.Opts{
			Temperature: sampling,
			Pressure:    sampling,
			Humidity:    sampling,
			Filter:      filter,
		},
	}, nil
}

// Sensor is a BME280 attached to an I2C bus.
type Sensor struct {
	config Config

	mu     sync.Mutex
	bus    i2c.BusCloser
	device *bmxx80.Dev
}

// New builds a sensor without touching the bus.
func New(config Config) *Sensor {
	return &Sensor{config: config}
}

func factory(opts driver.Options) (driver.Driver, error) {
	config, err := ParseConfig(opts)
	if err != nil {
		return nil, err
	}
	return New(config), nil
}

// Bus reports the shared bus the chip sits on.
func (s *Sensor) Bus() string {
	return periphbus.I2CBusID(s.config.BusNum)
}

// Setup opens the bus and initializes the chip.
func (s *Sensor) Setup(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		return nil
	}
	bus, err := periphbus.OpenI2C(s.config.BusNum)
	if err != nil {
		return err
	}

	opts := s.config.Options
	dev, err := bmxx80.NewI2C(bus, s.config.Address, &opts)
	if err != nil {
		bus.Close()
		return driver.Fatal(
			fmt.Sprintf("initialize BME280 at 0x%02X", s.config.Address),
			fmt.Errorf("%w: %w", driver.ErrDeviceAbsent, err),
		)
	}
	s.bus = bus
	s.device = dev
	return nil
}

// Read samples all three channels.
func (s *Sensor) Read(_ context.Context, spec driver.MeasurementSpec) (driver.RawValue, error) {
	if err := driver.CheckQuantity(spec, Quantities); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return nil, driver.Fatal("read", driver.ErrNotSetup)
	}

	var env physic.Env
	if err := s.device.Sense(&env); err != nil {
		return nil, driver.Transient("sense", err)
	}
	return record(env), nil
}

func record(env physic.Env) driver.Record {
	return driver.Record{
		driver.Temperature: env.Temperature.Celsius(),
		driver.Humidity:    float64(env.Humidity) / float64(physic.PercentRH),
		driver.Pressure:    float64(env.Pressure) / float64(100*physic.Pascal),
	}
}

// Close halts the chip and releases the bus.
func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.device != nil {
		if err := s.device.Halt(); err != nil {
			errs = append(errs, fmt.Errorf("failed to halt device: %w", err))
		}
		s.device = nil
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close I2C bus: %w", err))
		}
		s.bus = nil
	}
	return errors.Join(errs...)
}

var (
	_ driver.Driver  = (*Sensor)(nil)
	_ driver.BusUser = (*Sensor)(nil)
)
