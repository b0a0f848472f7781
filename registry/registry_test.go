package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
	"github.com/anibaldeboni/zero-paper/sensorhub/drivertest"
	"github.com/anibaldeboni/zero-paper/sensorhub/fault"
	"github.com/anibaldeboni/zero-paper/sensorhub/registry"
	"github.com/anibaldeboni/zero-paper/sensorhub/retry"
)

var chipQuantities = driver.Quantities{driver.Temperature, driver.Humidity, driver.Pressure}

var chipSchema = driver.Schema{
	"i2c_bus_num":  {Type: driver.TypeInt, Required: true, Min: driver.Bound(0)},
	"chip_addr":    {Type: driver.TypeInt, Required: true},
	"oversampling": {Type: driver.TypeString, Default: "4x", Allowed: []any{"none", "1x", "2x", "4x", "8x", "16x"}},
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	guard := fault.NewGuard(retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, time.Second)
	return registry.New(guard)
}

func TestRegisterDuplicate(t *testing.T) {
	r := newRegistry(t)
	d := drivertest.NewFakeDriver(driver.Scalar(1))

	require.NoError(t, r.Register(drivertest.Registration("chip", d, chipQuantities, chipSchema)))
	err := r.Register(drivertest.Registration("chip", d, chipQuantities, chipSchema))
	assert.True(t, registry.IsKind(err, registry.DuplicateDriver), "got %v", err)
}

func TestRegisterRejectsBadDefaultQuantity(t *testing.T) {
	r := newRegistry(t)
	reg := drivertest.Registration("chip", drivertest.NewFakeDriver(driver.Scalar(1)), chipQuantities, chipSchema)
	reg.DefaultQuantity = driver.Voltage
	assert.True(t, registry.IsKind(r.Register(reg), registry.UnsupportedQuantity))
}

func TestLoadAllOneInstancePerValidEntry(t *testing.T) {
	r := newRegistry(t)
	d := drivertest.NewFakeDriver(driver.Scalar(1))
	require.NoError(t, r.Register(drivertest.Registration("chip", d, chipQuantities, chipSchema)))

	cfgs := []registry.InstanceConfig{
		{Name: "a", Driver: "chip", Options: driver.Options{"i2c_bus_num": 1, "chip_addr": 0x76}},
		{Name: "b", Driver: "chip", Options: driver.Options{"i2c_bus_num": 1}},
		{Name: "c", Driver: "chip", Quantity: "humidity", Options: driver.Options{"i2c_bus_num": 1, "chip_addr": 0x77}},
		{Name: "a", Driver: "chip", Options: driver.Options{"i2c_bus_num": 1, "chip_addr": 0x76}},
		{Name: "d", Driver: "nope"},
	}
	loaded, errs := r.LoadAll(context.Background(), cfgs)

	require.Len(t, loaded, 2)
	assert.Equal(t, "a", loaded[0].Name)
	assert.Equal(t, driver.Temperature, loaded[0].Spec.Quantity)
	assert.Equal(t, registry.DefaultInterval, loaded[0].Interval)
	assert.Equal(t, "c", loaded[1].Name)
	assert.Equal(t, driver.Humidity, loaded[1].Spec.Quantity)

	require.Len(t, errs, 3)
	assert.True(t, registry.IsKind(errs[0], registry.SchemaViolation), "got %v", errs[0])
	assert.Contains(t, errs[0].Error(), "chip_addr")
	assert.True(t, registry.IsKind(errs[1], registry.DuplicateInstance))
	assert.True(t, registry.IsKind(errs[2], registry.UnknownDriver))

	assert.Equal(t, 2, d.SetupCalls())
	assert.Len(t, r.Instances(), 2)
}

func TestLoadSchemaViolations(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Register(drivertest.Registration("chip", drivertest.NewFakeDriver(driver.Scalar(1)), chipQuantities, chipSchema)))

	tests := []struct {
		name string
		opts driver.Options
	}{
		{"wrong type", driver.Options{"i2c_bus_num": "one", "chip_addr": 0x76}},
		{"out of bounds", driver.Options{"i2c_bus_num": -1, "chip_addr": 0x76}},
		{"not in enum", driver.Options{"i2c_bus_num": 1, "chip_addr": 0x76, "oversampling": "3x"}},
		{"unknown option", driver.Options{"i2c_bus_num": 1, "chip_addr": 0x76, "colour": "blue"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Load(context.Background(), registry.InstanceConfig{Name: tt.name, Driver: "chip", Options: tt.opts})
			assert.True(t, registry.IsKind(err, registry.SchemaViolation), "got %v", err)
		})
	}
}

func TestLoadUnsupportedQuantity(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Register(drivertest.Registration("chip", drivertest.NewFakeDriver(driver.Scalar(1)), chipQuantities, chipSchema)))

	_, err := r.Load(context.Background(), registry.InstanceConfig{
		Name:     "outdoor",
		Driver:   "chip",
		Quantity: "dewpoint",
		Options:  driver.Options{"i2c_bus_num": 1, "chip_addr": 0x76},
	})
	require.True(t, registry.IsKind(err, registry.UnsupportedQuantity), "got %v", err)
	assert.ErrorIs(t, err, driver.ErrUnsupportedQuantity)
	assert.Contains(t, err.Error(), "outdoor")
}

func TestLoadRejectsUndecodableEntry(t *testing.T) {
	r := newRegistry(t)
	d := drivertest.NewFakeDriver(driver.Scalar(1))
	require.NoError(t, r.Register(drivertest.Registration("chip", d, chipQuantities, nil)))

	loaded, errs := r.LoadAll(context.Background(), []registry.InstanceConfig{
		{Name: "broken", Driver: "chip", Err: errors.New("interval: time: invalid duration \"soon\"")},
		{Name: "good", Driver: "chip"},
	})

	require.Len(t, loaded, 1)
	assert.Equal(t, "good", loaded[0].Name)
	require.Len(t, errs, 1)
	assert.True(t, registry.IsKind(errs[0], registry.SchemaViolation), "got %v", errs[0])
	assert.Contains(t, errs[0].Error(), "soon")
	assert.Equal(t, 1, d.SetupCalls(), "the rejected entry never reaches Setup")
}

func TestLoadSetupFailed(t *testing.T) {
	r := newRegistry(t)
	d := drivertest.NewFakeDriver(driver.Scalar(1))
	d.SetupErr = driver.Fatal("open", driver.ErrDeviceAbsent)
	require.NoError(t, r.Register(drivertest.Registration("chip", d, chipQuantities, nil)))

	_, err := r.Load(context.Background(), registry.InstanceConfig{Name: "x", Driver: "chip"})
	require.True(t, registry.IsKind(err, registry.SetupFailed), "got %v", err)
	assert.ErrorIs(t, err, driver.ErrDeviceAbsent)
	assert.Equal(t, 1, d.CloseCalls())
	assert.Empty(t, r.Instances())
}

func TestSharedBusNeverOverlaps(t *testing.T) {
	r := newRegistry(t)
	bus := &drivertest.FakeBus{}
	mk := func() *drivertest.FakeDriver {
		return &drivertest.FakeDriver{
			Steps:    []drivertest.Step{{Value: driver.Scalar(1), Delay: 5 * time.Millisecond}},
			BusID:    "i2c:1",
			Recorder: bus,
		}
	}
	require.NoError(t, r.Register(drivertest.Registration("one", mk(), chipQuantities, nil)))
	require.NoError(t, r.Register(drivertest.Registration("two", mk(), chipQuantities, nil)))

	a, err := r.Load(context.Background(), registry.InstanceConfig{Name: "a", Driver: "one"})
	require.NoError(t, err)
	b, err := r.Load(context.Background(), registry.InstanceConfig{Name: "b", Driver: "two"})
	require.NoError(t, err)
	assert.Equal(t, "i2c:1", a.Bus)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		for _, inst := range []*registry.Instance{a, b} {
			wg.Add(1)
			go func(inst *registry.Instance) {
				defer wg.Done()
				_, err := inst.Read(context.Background())
				assert.NoError(t, err)
			}(inst)
		}
	}
	wg.Wait()

	assert.Equal(t, 10, bus.Calls())
	assert.Equal(t, 1, bus.MaxOverlap())
}

func TestInstanceWrite(t *testing.T) {
	r := newRegistry(t)
	d := drivertest.NewFakeDriver(driver.Binary(false))
	require.NoError(t, r.Register(drivertest.Registration("pin", d, driver.Quantities{driver.State}, nil)))

	inst, err := r.Load(context.Background(), registry.InstanceConfig{Name: "relay", Driver: "pin"})
	require.NoError(t, err)
	require.True(t, inst.Writable())
	require.NoError(t, inst.Write(context.Background(), driver.Binary(true)))
	assert.Equal(t, []driver.RawValue{driver.Binary(true)}, d.Written())
}

type readOnly struct{ driver.Driver }

func TestInstanceWriteReadOnly(t *testing.T) {
	r := newRegistry(t)
	d := drivertest.NewFakeDriver(driver.Scalar(1))
	require.NoError(t, r.Register(driver.Registration{
		Name:       "ro",
		Quantities: chipQuantities,
		Factory:    func(driver.Options) (driver.Driver, error) { return readOnly{d}, nil },
	}))

	inst, err := r.Load(context.Background(), registry.InstanceConfig{Name: "ro", Driver: "ro", Quantity: "pressure"})
	require.NoError(t, err)
	assert.False(t, inst.Writable())
	assert.True(t, errors.Is(inst.Write(context.Background(), driver.Scalar(1)), registry.ErrNotWritable))
}

func TestCloseClosesInstances(t *testing.T) {
	r := newRegistry(t)
	d := drivertest.NewFakeDriver(driver.Scalar(1))
	require.NoError(t, r.Register(drivertest.Registration("chip", d, chipQuantities, nil)))
	_, err := r.Load(context.Background(), registry.InstanceConfig{Name: "x", Driver: "chip"})
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.Equal(t, 1, d.CloseCalls())
	assert.Empty(t, r.Instances())
}
