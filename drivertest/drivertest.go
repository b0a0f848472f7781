// Package drivertest provides scripted drivers for exercising the engine
// without hardware.
package drivertest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
)

// Step is one scripted Read result.
type Step struct {
	Value driver.RawValue
	Err   error
	// Delay is slept before returning, ignoring the context.
	Delay time.Duration
	Panic any
}

// FakeDriver replays Steps in order; the last step repeats forever.
type FakeDriver struct {
	Steps    []Step
	Allowed  driver.Quantities
	SetupErr error
	BusID    string
	Recorder *FakeBus

	mu         sync.Mutex
	next       int
	setupCalls int
	readCalls  int
	closeCalls int
	written    []driver.RawValue
}

// NewFakeDriver returns a driver that always yields value.
func NewFakeDriver(value driver.RawValue) *FakeDriver {
	return &FakeDriver{Steps: []Step{{Value: value}}}
}

func (f *FakeDriver) Setup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setupCalls++
	return f.SetupErr
}

func (f *FakeDriver) Read(_ context.Context, spec driver.MeasurementSpec) (driver.RawValue, error) {
	f.mu.Lock()
	f.readCalls++
	if len(f.Allowed) > 0 {
		if err := driver.CheckQuantity(spec, f.Allowed); err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}
	var step Step
	if len(f.Steps) > 0 {
		step = f.Steps[f.next]
		if f.next < len(f.Steps)-1 {
			f.next++
		}
	}
	f.mu.Unlock()

	if f.Recorder != nil {
		f.Recorder.enter()
		defer f.Recorder.exit()
	}
	if step.Delay > 0 {
		time.Sleep(step.Delay)
	}
	if step.Panic != nil {
		panic(step.Panic)
	}
	return step.Value, step.Err
}

func (f *FakeDriver) Write(_ context.Context, v driver.RawValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, v)
	return nil
}

func (f *FakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

// Bus returns the configured bus identifier; empty means no shared bus.
func (f *FakeDriver) Bus() string {
	return f.BusID
}

func (f *FakeDriver) SetupCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setupCalls
}

func (f *FakeDriver) ReadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCalls
}

func (f *FakeDriver) CloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

// Written returns every value passed to Write.
func (f *FakeDriver) Written() []driver.RawValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.RawValue(nil), f.written...)
}

// FakeBus records how many raw transactions were active at once.
type FakeBus struct {
	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
}

func (b *FakeBus) enter() {
	b.calls.Add(1)
	n := b.active.Add(1)
	for {
		seen := b.maxSeen.Load()
		if n <= seen || b.maxSeen.CompareAndSwap(seen, n) {
			return
		}
	}
}

func (b *FakeBus) exit() {
	b.active.Add(-1)
}

// MaxOverlap is the largest number of simultaneous transactions observed.
func (b *FakeBus) MaxOverlap() int {
	return int(b.maxSeen.Load())
}

// Calls is the total number of transactions.
func (b *FakeBus) Calls() int {
	return int(b.calls.Load())
}

// Registration wraps d in a registration whose factory always returns d.
func Registration(name string, d *FakeDriver, allowed driver.Quantities, schema driver.Schema) driver.Registration {
	def := driver.Quantity("")
	if len(allowed) > 0 {
		def = allowed[0]
	}
	return driver.Registration{
		Name:            name,
		Description:     "scripted test driver",
		Schema:          schema,
		Quantities:      allowed,
		DefaultQuantity: def,
		Factory: func(driver.Options) (driver.Driver, error) {
			return d, nil
		},
	}
}
