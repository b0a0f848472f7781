package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
)

// ErrNotWritable is returned by Write on instances whose driver is read only.
var ErrNotWritable = errors.New("instance is not writable")

// closeTimeout bounds how long Close waits for an in-flight call.
const closeTimeout = 2 * time.Second

// InstanceConfig is one configured device.
type InstanceConfig struct {
	Name     string
	Driver   string
	Quantity string
	Interval time.Duration
	Digits   *int
	Options  driver.Options
	// Err is set when the entry could not be decoded; Load rejects it as a
	// SchemaViolation.
	Err error
}

// Instance is a loaded, set up driver bound to its measurement spec. All
// calls into the driver go through the instance lock and, when the driver
// declares one, the bus lock.
type Instance struct {
	Name     string
	Driver   string
	Bus      string
	Spec     driver.MeasurementSpec
	Interval time.Duration

	drv  driver.Driver
	self *semaphore.Weighted
	bus  *semaphore.Weighted
}

func newInstance(cfg InstanceConfig, spec driver.MeasurementSpec, drv driver.Driver, buses *BusLocks) *Instance {
	inst := &Instance{
		Name:     cfg.Name,
		Driver:   cfg.Driver,
		Spec:     spec,
		Interval: cfg.Interval,
		drv:      drv,
		self:     semaphore.NewWeighted(1),
	}
	if bu, ok := drv.(driver.BusUser); ok {
		inst.Bus = bu.Bus()
		inst.bus = buses.Get(inst.Bus)
	}
	return inst
}

// Writable reports whether the driver accepts Write.
func (i *Instance) Writable() bool {
	_, ok := i.drv.(driver.Writer)
	return ok
}

// Setup acquires the device.
func (i *Instance) Setup(ctx context.Context) error {
	return i.exclusive(ctx, func() error {
		return i.drv.Setup(ctx)
	})
}

// Read takes one raw sample for the instance's spec.
func (i *Instance) Read(ctx context.Context) (driver.RawValue, error) {
	var raw driver.RawValue
	err := i.exclusive(ctx, func() error {
		var err error
		raw, err = i.drv.Read(ctx, i.Spec)
		return err
	})
	return raw, err
}

// Write drives the output of a writable instance.
func (i *Instance) Write(ctx context.Context, v driver.RawValue) error {
	w, ok := i.drv.(driver.Writer)
	if !ok {
		return fmt.Errorf("%s: %w", i.Name, ErrNotWritable)
	}
	return i.exclusive(ctx, func() error {
		return w.Write(ctx, v)
	})
}

// Close releases the device once no call is in flight.
func (i *Instance) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := i.self.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("close %s: call still in flight: %w", i.Name, err)
	}
	defer i.self.Release(1)
	return i.drv.Close()
}

func (i *Instance) exclusive(ctx context.Context, fn func() error) error {
	if err := i.self.Acquire(ctx, 1); err != nil {
		return driver.Transient("acquire instance", fmt.Errorf("%w: %w", driver.ErrBusBusy, err))
	}
	defer i.self.Release(1)

	if i.bus != nil {
		if err := i.bus.Acquire(ctx, 1); err != nil {
			return driver.Transient("acquire bus "+i.Bus, fmt.Errorf("%w: %w", driver.ErrBusBusy, err))
		}
		defer i.bus.Release(1)
	}
	return fn()
}
