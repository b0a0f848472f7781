// Package bme680 drives the Bosch BME680 environmental sensor over I2C. Next
// to temperature, humidity and pressure it heats a metal-oxide plate and
// reports its resistance, from which an air quality score is derived.
package bme680

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
	"github.com/anibaldeboni/zero-paper/sensorhub/driver/periphbus"
	"github.com/anibaldeboni/zero-paper/sensorhub/registry"
)

const DriverName = "bme680"

// Quantities are the values a BME680 instance can report.
var Quantities = driver.Quantities{driver.Temperature, driver.Humidity, driver.Pressure, driver.Gas, driver.AirQuality}

const (
	regStatus    = 0x1D
	regHeatVal   = 0x00
	regHeatRange = 0x02
	regSwErr     = 0x04
	regHeat0     = 0x5A
	regGasWait0  = 0x64
	regCtrlGas0  = 0x70
	regCtrlGas1  = 0x71
	regCtrlHum   = 0x72
	regCtrlMeas  = 0x74
	regConfig    = 0x75
	regCoeff1    = 0x89
	regChipID    = 0xD0
	regReset     = 0xE0
	regCoeff2    = 0xE1

	coeff1Len = 25
	coeff2Len = 16
	fieldLen  = 15

	chipID        = 0x61
	softReset     = 0xB6
	modeForced    = 0x01
	heaterOff     = 0x08
	runGas        = 0x10
	statusNewData = 0x80
	gasValidBit   = 0x20
	heatStableBit = 0x10

	maxHeaterTemp = 400
)

var oversampling = map[string]byte{
	"none": 0,
	"1x":   1,
	"2x":   2,
	"4x":   3,
	"8x":   4,
	"16x":  5,
}

var filters = map[int]byte{0: 0, 1: 1, 3: 2, 7: 3, 15: 4, 31: 5, 63: 6, 127: 7}

// Chip defaults when no oversampling is configured.
var (
	defaultTempOversampling  = oversampling["8x"]
	defaultPressOversampling = oversampling["4x"]
	defaultHumOversampling   = oversampling["2x"]
)

// Schema describes the options of the driver.
var Schema = driver.Schema{
	"i2c_bus_num": {Type: driver.TypeInt, Default: 1, Min: driver.Bound(0), Description: "I2C bus number"},
	"chip_addr":   {Type: driver.TypeInt, Required: true, Min: driver.Bound(0x03), Max: driver.Bound(0x77), Description: "I2C address, usually 0x76 or 0x77"},
	"filter_size": {
		Type:        driver.TypeInt,
		Default:     3,
		Allowed:     []any{0, 1, 3, 7, 15, 31, 63, 127},
		Description: "IIR filter size",
	},
	"oversampling": {
		Type:        driver.TypeString,
		Allowed:     []any{"none", "1x", "2x", "4x", "8x", "16x"},
		Description: "oversampling of the configured quantity's channel; chip defaults when unset",
	},
	"heater_temp": {Type: driver.TypeInt, Default: 320, Min: driver.Bound(200), Max: driver.Bound(maxHeaterTemp), Description: "gas heater target in °C"},
	"heater_ms":   {Type: driver.TypeInt, Default: 150, Min: driver.Bound(1), Max: driver.Bound(4032), Description: "gas heater duration in milliseconds"},
	"burn_in":     {Type: driver.TypeInt, Default: 50, Min: driver.Bound(1), Description: "gas readings averaged into the air quality baseline"},
}

// Config holds the hardware settings of one chip.
type Config struct {
	BusNum       int
	Address      uint16
	Filter       byte
	Oversampling string
	HeaterTemp   int
	HeaterMs     int
	BurnIn       int
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
	addr, err := opts.Int("chip_addr")
	if err != nil {
		return Config{}, err
	}
	c.Address = uint16(addr)

	size, err := opts.Int("filter_size")
	if err != nil {
		return Config{}, err
	}
	filter, ok := filters[size]
	if !ok {
		return Config{}, fmt.Errorf("unsupported filter_size %d", size)
	}
	c.Filter = filter

	if _, set := opts["oversampling"]; set {
		if c.Oversampling, err = opts.String("oversampling"); err != nil {
			return Config{}, err
		}
		if _, ok := oversampling[c.Oversampling]; !ok {
			return Config{}, fmt.Errorf("unknown oversampling %q", c.Oversampling)
		}
	}

	if c.HeaterTemp, err = opts.Int("heater_temp"); err != nil {
		return Config{}, err
	}
	if c.HeaterMs, err = opts.Int("heater_ms"); err != nil {
		return Config{}, err
	}
	if c.BurnIn, err = opts.Int("burn_in"); err != nil {
		return Config{}, err
	}
	return c, nil
}

// settings returns the osrs_t, osrs_p and osrs_h codes for a read of q. The
// configured oversampling applies to q's own channel only.
func (c Config) settings(q driver.Quantity) (t, p, h byte) {
	t, p, h = defaultTempOversampling, defaultPressOversampling, defaultHumOversampling
	code, ok := oversampling[c.Oversampling]
	if !ok {
		return t, p, h
	}
	switch q {
	case driver.Temperature:
		t = code
	case driver.Pressure:
		p = code
	case driver.Humidity:
		h = code
	}
	return t, p, h
}

// Sensor is a BME680 attached to an I2C bus.
type Sensor struct {
	config Config
	open   func(int) (i2c.BusCloser, error)

	mu       sync.Mutex
	bus      i2c.BusCloser
	dev      *i2c.Dev
	calib    calibration
	ambient  float64
	baseline baseline
}

// New builds a sensor without touching the bus.
func New(config Config) *Sensor {
	return &Sensor{
		config:   config,
		open:     periphbus.OpenI2C,
		ambient:  25,
		baseline: baseline{want: config.BurnIn},
	}
}

// Bus reports the shared bus the chip sits on.
func (s *Sensor) Bus() string {
	return periphbus.I2CBusID(s.config.BusNum)
}

// Setup opens the bus, checks the chip id, resets the chip and loads its
// calibration.
func (s *Sensor) Setup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev != nil {
		return nil
	}
	bus, err := s.open(s.config.BusNum)
	if err != nil {
		return err
	}
	dev := &i2c.Dev{Bus: bus, Addr: s.config.Address}

	calib, err := initialize(ctx, dev, s.config.Filter)
	if err != nil {
		bus.Close()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return driver.Fatal(
			fmt.Sprintf("initialize BME680 at 0x%02X", s.config.Address),
			fmt.Errorf("%w: %w", driver.ErrDeviceAbsent, err),
		)
	}
	s.bus = bus
	s.dev = dev
	s.calib = calib
	return nil
}

func initialize(ctx context.Context, dev *i2c.Dev, filter byte) (calibration, error) {
	id, err := readReg(dev, regChipID, 1)
	if err != nil {
		return calibration{}, err
	}
	if id[0] != chipID {
		return calibration{}, fmt.Errorf("unexpected chip id 0x%02X", id[0])
	}
	if err := writeReg(dev, regReset, softReset); err != nil {
		return calibration{}, err
	}
	if err := sleep(ctx, 10*time.Millisecond); err != nil {
		return calibration{}, err
	}

	coeff := make([]byte, 0, coeffLen)
	for _, block := range []struct {
		reg byte
		n   int
	}{{regCoeff1, coeff1Len}, {regCoeff2, coeff2Len}} {
		b, err := readReg(dev, block.reg, block.n)
		if err != nil {
			return calibration{}, fmt.Errorf("read calibration: %w", err)
		}
		coeff = append(coeff, b...)
	}
	var extra [3]byte
	for i, reg := range []byte{regHeatRange, regHeatVal, regSwErr} {
		b, err := readReg(dev, reg, 1)
		if err != nil {
			return calibration{}, fmt.Errorf("read calibration: %w", err)
		}
		extra[i] = b[0]
	}

	if err := writeReg(dev, regConfig, filter<<2); err != nil {
		return calibration{}, err
	}
	return parseCalibration(coeff, extra[0], extra[1], extra[2]), nil
}

// Read triggers one forced measurement. Gas and air quality reads also run
// the heater; the other quantities leave it off.
func (s *Sensor) Read(ctx context.Context, spec driver.MeasurementSpec) (driver.RawValue, error) {
	if err := driver.CheckQuantity(spec, Quantities); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return nil, driver.Fatal("read", driver.ErrNotSetup)
	}

	heat := spec.Quantity == driver.Gas || spec.Quantity == driver.AirQuality
	f, err := s.measure(ctx, spec.Quantity, heat)
	if err != nil {
		return nil, err
	}

	fine, temperature := s.calib.temperature(f.temp)
	humidity := s.calib.humidity(f.hum, fine)
	s.ambient = temperature
	rec := driver.Record{
		driver.Temperature: temperature,
		driver.Humidity:    humidity,
		driver.Pressure:    s.calib.pressure(f.press, fine) / 100,
	}
	if !heat {
		return rec, nil
	}

	if !f.gasValid || !f.heatStable {
		return nil, driver.Transient("gas", errors.New("heater not stable"))
	}
	gas := s.calib.gasResistance(f.gas, f.gasRange)
	rec[driver.Gas] = gas
	if spec.Quantity == driver.AirQuality {
		base, err := s.baseline.add(gas)
		if err != nil {
			return nil, driver.Transient("air quality", err)
		}
		rec[driver.AirQuality] = airQualityScore(gas, base, humidity)
	}
	return rec, nil
}

const pollInterval = 10 * time.Millisecond

func (s *Sensor) measure(ctx context.Context, q driver.Quantity, heat bool) (field, error) {
	t, p, h := s.config.settings(q)

	writes := [][2]byte{{regCtrlHum, h}}
	if heat {
		writes = append(writes,
			[2]byte{regHeat0, s.calib.heaterResistance(float64(s.config.HeaterTemp), s.ambient)},
			[2]byte{regGasWait0, heaterWait(s.config.HeaterMs)},
			[2]byte{regCtrlGas0, 0},
			[2]byte{regCtrlGas1, runGas},
		)
	} else {
		writes = append(writes, [2]byte{regCtrlGas0, heaterOff}, [2]byte{regCtrlGas1, 0})
	}
	writes = append(writes, [2]byte{regCtrlMeas, t<<5 | p<<2 | modeForced})
	for _, w := range writes {
		if err := writeReg(s.dev, w[0], w[1]); err != nil {
			return field{}, driver.Transient("configure", err)
		}
	}

	deadline := time.Duration(s.config.HeaterMs)*time.Millisecond + 200*time.Millisecond
	for waited := time.Duration(0); ; waited += pollInterval {
		b, err := readReg(s.dev, regStatus, fieldLen)
		if err != nil {
			return field{}, driver.Transient("read data", err)
		}
		if f := decodeField(b); f.newData() {
			return f, nil
		}
		if waited >= deadline {
			return field{}, driver.Transient("read data", driver.ErrTimeout)
		}
		if err := sleep(ctx, pollInterval); err != nil {
			return field{}, err
		}
	}
}

// Close releases the bus.
func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dev = nil
	if s.bus == nil {
		return nil
	}
	err := s.bus.Close()
	s.bus = nil
	if err != nil {
		return fmt.Errorf("failed to close I2C bus: %w", err)
	}
	return nil
}

func readReg(dev *i2c.Dev, reg byte, n int) ([]byte, error) {
	b := make([]byte, n)
	if err := dev.Tx([]byte{reg}, b); err != nil {
		return nil, periphbus.Classify(err)
	}
	return b, nil
}

func writeReg(dev *i2c.Dev, reg, value byte) error {
	if err := dev.Tx([]byte{reg, value}, nil); err != nil {
		return periphbus.Classify(err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Register adds the BME680 driver.
func Register(r *registry.Registry) error {
	return r.Register(driver.Registration{
		Name:            DriverName,
		Description:     "Bosch BME680 temperature, humidity, pressure and gas sensor on I2C",
		Schema:          Schema,
		Quantities:      Quantities,
		DefaultQuantity: driver.Temperature,
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
	_ driver.Driver  = (*Sensor)(nil)
	_ driver.BusUser = (*Sensor)(nil)
)
