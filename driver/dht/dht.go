// Package dht reads DHT11 and DHT22 single-wire humidity sensors through
// github.com/MichaelS11/go-dht.
package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"

	godht "github.com/MichaelS11/go-dht"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
	"github.com/anibaldeboni/zero-paper/sensorhub/driver/periphbus"
	"github.com/anibaldeboni/zero-paper/sensorhub/registry"
)

const DriverName = "dht"

var Quantities = driver.Quantities{driver.Temperature, driver.Humidity}

var Schema = driver.Schema{
	"pin":         {Type: driver.TypeString, Required: true, Description: "GPIO pin name, e.g. GPIO4"},
	"sensor_type": {Type: driver.TypeString, Default: "dht22", Allowed: []any{"dht11", "dht22"}},
}

// sampler is the part of *godht.DHT the driver uses.
type sampler interface {
	Read() (humidity float64, temperature float64, err error)
}

// opener connects to the sensor. Replaced in tests.
var opener = func(pin, sensorType string) (sampler, error) {
	if err := godht.HostInit(); err != nil {
		return nil, driver.Fatal("host init", err)
	}
	d, err := godht.NewDHT(pin, godht.Celsius, sensorType)
	if err != nil {
		return nil, driver.Fatal("open "+pin, fmt.Errorf("%w: %w", driver.ErrDeviceAbsent, err))
	}
	return d, nil
}

// Sensor is a DHT on one GPIO pin.
type Sensor struct {
	pin        string
	sensorType string

	mu  sync.Mutex
	dev sampler
}

func New(pin, sensorType string) *Sensor {
	return &Sensor{pin: pin, sensorType: sensorType}
}

// Bus serializes every instance reading the same pin.
func (s *Sensor) Bus() string {
	return periphbus.GPIOBusID(s.pin)
}

func (s *Sensor) Setup(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev != nil {
		return nil
	}
	dev, err := opener(s.pin, s.sensorType)
	if err != nil {
		return err
	}
	s.dev = dev
	return nil
}

// Read bit-bangs one sample. Checksum and timing failures are common on this
// protocol and reported as transient.
func (s *Sensor) Read(_ context.Context, spec driver.MeasurementSpec) (driver.RawValue, error) {
	if err := driver.CheckQuantity(spec, Quantities); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return nil, driver.Fatal("read", driver.ErrNotSetup)
	}
	humidity, temperature, err := s.dev.Read()
	if err != nil {
		return nil, driver.Transient("read "+s.sensorType, err)
	}
	if humidity < 0 || humidity > 100 {
		return nil, driver.Transient("read "+s.sensorType, fmt.Errorf("humidity %.1f out of range", humidity))
	}
	return driver.Record{
		driver.Temperature: temperature,
		driver.Humidity:    humidity,
	}, nil
}

func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dev = nil
	return nil
}

func factory(opts driver.Options) (driver.Driver, error) {
	pin, err := opts.String("pin")
	if err != nil {
		return nil, err
	}
	if pin == "" {
		return nil, errors.New("pin must not be empty")
	}
	sensorType, err := opts.String("sensor_type")
	if err != nil {
		return nil, err
	}
	return New(pin, sensorType), nil
}

// Register adds the DHT driver.
func Register(r *registry.Registry) error {
	return r.Register(driver.Registration{
		Name:            DriverName,
		Description:     "DHT11/DHT22 temperature and humidity sensor on a GPIO pin",
		Schema:          Schema,
		Quantities:      Quantities,
		DefaultQuantity: driver.Temperature,
		Factory:         factory,
	})
}

var (
	_ driver.Driver  = (*Sensor)(nil)
	_ driver.BusUser = (*Sensor)(nil)
)
