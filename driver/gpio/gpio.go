// Package gpio exposes a single GPIO pin as a binary input or output.
package gpio

import (
	"context"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
	"github.com/anibaldeboni/zero-paper/sensorhub/driver/periphbus"
	"github.com/anibaldeboni/zero-paper/sensorhub/registry"
)

const DriverName = "gpio"

var Quantities = driver.Quantities{driver.State}

var Schema = driver.Schema{
	"pin":       {Type: driver.TypeString, Required: true, Description: "GPIO pin name, e.g. GPIO17"},
	"direction": {Type: driver.TypeString, Default: "input", Allowed: []any{"input", "output"}},
	"pull":      {Type: driver.TypeString, Default: "none", Allowed: []any{"none", "up", "down", "keep"}},
	"invert":    {Type: driver.TypeBool, Default: false, Description: "report and drive the inverse level"},
	"initial":   {Type: driver.TypeBool, Default: false, Description: "output state applied at setup"},
}

var pulls = map[string]gpio.Pull{
	"none": gpio.Float,
	"up":   gpio.PullUp,
	"down": gpio.PullDown,
	"keep": gpio.PullNoChange,
}

// lookup resolves a pin by name. Replaced in tests.
var lookup = func(name string) (gpio.PinIO, error) {
	if err := periphbus.Init(); err != nil {
		return nil, err
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, driver.Fatal("lookup "+name, driver.ErrDeviceAbsent)
	}
	return p, nil
}

// Config describes one pin.
type Config struct {
	Pin     string
	Output  bool
	Pull    gpio.Pull
	Invert  bool
	Initial bool
}

// ParseConfig reads validated options into a Config.
func ParseConfig(opts driver.Options) (Config, error) {
	var c Config
	var err error
	if c.Pin, err = opts.String("pin"); err != nil {
		return Config{}, err
	}
	direction, err := opts.String("direction")
	if err != nil {
		return Config{}, err
	}
	c.Output = direction == "output"
	pullName, err := opts.String("pull")
	if err != nil {
		return Config{}, err
	}
	var ok bool
	if c.Pull, ok = pulls[pullName]; !ok {
		return Config{}, fmt.Errorf("unknown pull %q", pullName)
	}
	if c.Invert, err = opts.Bool("invert"); err != nil {
		return Config{}, err
	}
	if c.Initial, err = opts.Bool("initial"); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Input is a pin read as a binary sensor.
type Input struct {
	config Config

	mu  sync.Mutex
	pin gpio.PinIO
}

func NewInput(config Config) *Input {
	return &Input{config: config}
}

func (in *Input) Bus() string {
	return periphbus.GPIOBusID(in.config.Pin)
}

func (in *Input) Setup(context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.pin != nil {
		return nil
	}
	p, err := lookup(in.config.Pin)
	if err != nil {
		return err
	}
	if err := p.In(in.config.Pull, gpio.NoEdge); err != nil {
		return driver.Fatal("configure "+in.config.Pin, periphbus.Classify(err))
	}
	in.pin = p
	return nil
}

func (in *Input) Read(_ context.Context, spec driver.MeasurementSpec) (driver.RawValue, error) {
	if err := driver.CheckQuantity(spec, Quantities); err != nil {
		return nil, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.pin == nil {
		return nil, driver.Fatal("read", driver.ErrNotSetup)
	}
	high := in.pin.Read() == gpio.High
	return driver.Binary(high != in.config.Invert), nil
}

func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.pin = nil
	return nil
}

// Output is a pin driven by Write. Read reports the level last driven.
type Output struct {
	config Config

	mu    sync.Mutex
	pin   gpio.PinIO
	state bool
}

func NewOutput(config Config) *Output {
	return &Output{config: config}
}

func (o *Output) Bus() string {
	return periphbus.GPIOBusID(o.config.Pin)
}

func (o *Output) Setup(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pin != nil {
		return nil
	}
	p, err := lookup(o.config.Pin)
	if err != nil {
		return err
	}
	if err := p.Out(o.level(o.config.Initial)); err != nil {
		return driver.Fatal("configure "+o.config.Pin, periphbus.Classify(err))
	}
	o.pin = p
	o.state = o.config.Initial
	return nil
}

func (o *Output) Read(_ context.Context, spec driver.MeasurementSpec) (driver.RawValue, error) {
	if err := driver.CheckQuantity(spec, Quantities); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pin == nil {
		return nil, driver.Fatal("read", driver.ErrNotSetup)
	}
	return driver.Binary(o.state), nil
}

// Write drives the pin. It accepts a Binary, or a Scalar of 0 or 1.
func (o *Output) Write(_ context.Context, value driver.RawValue) error {
	var on bool
	switch v := value.(type) {
	case driver.Binary:
		on = bool(v)
	case driver.Scalar:
		if v != 0 && v != 1 {
			return driver.Fatal("write", fmt.Errorf("state must be 0 or 1, got %v", float64(v)))
		}
		on = v == 1
	default:
		return driver.Fatal("write", fmt.Errorf("unsupported value %T", value))
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pin == nil {
		return driver.Fatal("write", driver.ErrNotSetup)
	}
	if err := o.pin.Out(o.level(on)); err != nil {
		return driver.Transient("write "+o.config.Pin, err)
	}
	o.state = on
	return nil
}

func (o *Output) level(on bool) gpio.Level {
	return gpio.Level(on != o.config.Invert)
}

// Close releases the pin. Outputs keep their level.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pin = nil
	return nil
}

func factory(opts driver.Options) (driver.Driver, error) {
	config, err := ParseConfig(opts)
	if err != nil {
		return nil, err
	}
	if config.Output {
		return NewOutput(config), nil
	}
	return NewInput(config), nil
}

// Register adds the GPIO driver.
func Register(r *registry.Registry) error {
	return r.Register(driver.Registration{
		Name:            DriverName,
		Description:     "single GPIO pin as a binary input or output",
		Schema:          Schema,
		Quantities:      Quantities,
		DefaultQuantity: driver.State,
		Factory:         factory,
	})
}

var (
	_ driver.Driver  = (*Input)(nil)
	_ driver.BusUser = (*Input)(nil)
	_ driver.Driver  = (*Output)(nil)
	_ driver.Writer  = (*Output)(nil)
)
