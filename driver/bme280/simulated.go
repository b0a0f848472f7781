package bme280

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
)

// SimulatedSchema describes the options of the simulated driver.
var SimulatedSchema = driver.Schema{
	"min_temp":     {Type: driver.TypeFloat, Default: 15.0},
	"max_temp":     {Type: driver.TypeFloat, Default: 35.0},
	"min_humidity": {Type: driver.TypeFloat, Default: 30.0, Min: driver.Bound(0), Max: driver.Bound(100)},
	"max_humidity": {Type: driver.TypeFloat, Default: 80.0, Min: driver.Bound(0), Max: driver.Bound(100)},
	"min_pressure": {Type: driver.TypeFloat, Default: 980.0, Description: "hPa"},
	"max_pressure": {Type: driver.TypeFloat, Default: 1020.0, Description: "hPa"},
	"seed":         {Type: driver.TypeInt, Default: 0, Description: "0 seeds from the clock"},
}

// SimulatedConfig bounds the random samples.
type SimulatedConfig struct {
	MinTemp     float64
	MaxTemp     float64
	MinHumidity float64
	MaxHumidity float64
	MinPressure float64
	MaxPressure float64
	Seed        int64
}

// DefaultSimulatedConfig returns plausible indoor ranges.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{
		MinTemp:     15.0,
		MaxTemp:     35.0,
		MinHumidity: 30.0,
		MaxHumidity: 80.0,
		MinPressure: 980.0,
		MaxPressure: 1020.0,
	}
}

// ParseSimulatedConfig reads validated options.
func ParseSimulatedConfig(opts driver.Options) (SimulatedConfig, error) {
	var (
		c   SimulatedConfig
		err error
	)
	fields := []struct {
		key string
		dst *float64
	}{
		{"min_temp", &c.MinTemp},
		{"max_temp", &c.MaxTemp},
		{"min_humidity", &c.MinHumidity},
		{"max_humidity", &c.MaxHumidity},
		{"min_pressure", &c.MinPressure},
		{"max_pressure", &c.MaxPressure},
	}
	for _, f := range fields {
		if *f.dst, err = opts.Float(f.key); err != nil {
			return SimulatedConfig{}, err
		}
	}
	seed, err := opts.Int("seed")
	if err != nil {
		return SimulatedConfig{}, err
	}
	c.Seed = int64(seed)

	switch {
	case c.MinTemp > c.MaxTemp:
		return SimulatedConfig{}, fmt.Errorf("min_temp %v above max_temp %v", c.MinTemp, c.MaxTemp)
	case c.MinHumidity > c.MaxHumidity:
		return SimulatedConfig{}, fmt.Errorf("min_humidity %v above max_humidity %v", c.MinHumidity, c.MaxHumidity)
	case c.MinPressure > c.MaxPressure:
		return SimulatedConfig{}, fmt.Errorf("min_pressure %v above max_pressure %v", c.MinPressure, c.MaxPressure)
	}
	return c, nil
}

// SimulatedSensor produces random samples inside the configured ranges.
type SimulatedSensor struct {
	config SimulatedConfig

	mu     sync.Mutex
	rand   *rand.Rand
	closed bool
}

// NewSimulated creates a simulated chip. A zero seed uses the clock.
func NewSimulated(config SimulatedConfig) *SimulatedSensor {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedSensor{
		config: config,
		rand:   rand.New(rand.NewSource(seed)),
	}
}

func simulatedFactory(opts driver.Options) (driver.Driver, error) {
	config, err := ParseSimulatedConfig(opts)
	if err != nil {
		return nil, err
	}
	return NewSimulated(config), nil
}

func (s *SimulatedSensor) Setup(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
	return nil
}

func (s *SimulatedSensor) Read(_ context.Context, spec driver.MeasurementSpec) (driver.RawValue, error) {
	if err := driver.CheckQuantity(spec, Quantities); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, driver.Fatal("read", driver.ErrNotSetup)
	}
	return driver.Record{
		driver.Temperature: s.between(s.config.MinTemp, s.config.MaxTemp),
		driver.Humidity:    s.between(s.config.MinHumidity, s.config.MaxHumidity),
		driver.Pressure:    s.between(s.config.MinPressure, s.config.MaxPressure),
	}, nil
}

func (s *SimulatedSensor) between(lo, hi float64) float64 {
	return lo + s.rand.Float64()*(hi-lo)
}

func (s *SimulatedSensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ driver.Driver = (*SimulatedSensor)(nil)
