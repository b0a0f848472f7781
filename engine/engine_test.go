package engine_test

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
	"github.com/anibaldeboni/zero-paper/sensorhub/engine"
	"github.com/anibaldeboni/zero-paper/sensorhub/fault"
	"github.com/anibaldeboni/zero-paper/sensorhub/queue"
	"github.com/anibaldeboni/zero-paper/sensorhub/reading"
	"github.com/anibaldeboni/zero-paper/sensorhub/registry"
	"github.com/anibaldeboni/zero-paper/sensorhub/retry"
	"github.com/anibaldeboni/zero-paper/sensorhub/scheduler"
	"github.com/anibaldeboni/zero-paper/sensorhub/sink"
	"github.com/anibaldeboni/zero-paper/sensorhub/sink/sinktest"
)

var chip = driver.Quantities{driver.Temperature, driver.Humidity, driver.Pressure}

type output struct {
	mu       sync.Mutex
	readings []reading.Reading
	statuses []sink.StatusEvent
}

func (o *output) PublishReading(r reading.Reading) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.readings = append(o.readings, r)
}

func (o *output) PublishStatus(ev sink.StatusEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, ev)
}

func (o *output) Readings() []reading.Reading {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]reading.Reading(nil), o.readings...)
}

func (o *output) Statuses(status sink.Status) []sink.StatusEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []sink.StatusEvent
	for _, ev := range o.statuses {
		if ev.Status == status {
			out = append(out, ev)
		}
	}
	return out
}

func testGuard(retries int) fault.Guard {
	return fault.NewGuard(retry.Policy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, 200*time.Millisecond)
}

func newEngine(t *testing.T, out engine.Output, disableAfter int, regs ...driver.Registration) *engine.Engine {
	t.Helper()
	guard := testGuard(3)
	reg := registry.New(guard)
	for _, r := range regs {
		require.NoError(t, reg.Register(r))
	}
	return engine.New(engine.Deps{
		Registry:     reg,
		Scheduler:    scheduler.New(scheduler.Config{GracePeriod: time.Second}),
		Guard:        guard,
		Output:       out,
		DisableAfter: disableAfter,
	})
}

func runEngine(t *testing.T, e *engine.Engine) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, e.Run(ctx))
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestTransientThenSuccessPublishes(t *testing.T) {
	d := &drivertest.FakeDriver{Steps: []drivertest.Step{
		{Err: driver.Transient("read", driver.ErrBusBusy)},
		{Err: driver.Transient("read", driver.ErrBusBusy)},
		{Value: driver.Scalar(21.5)},
	}}
	out := &output{}
	e := newEngine(t, out, 0, drivertest.Registration("chip", d, chip, nil))
	require.Empty(t, e.Load(context.Background(), []registry.InstanceConfig{
		{Name: "kitchen", Driver: "chip", Interval: time.Hour},
	}))

	stop := runEngine(t, e)
	require.Eventually(t, func() bool { return len(out.Readings()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	r := out.Readings()[0]
	assert.Equal(t, "kitchen", r.Instance)
	assert.Equal(t, 21.5, r.Value.Float())
	assert.Equal(t, 3, d.ReadCalls())

	st, ok := e.InstanceStatus("kitchen")
	require.True(t, ok)
	assert.False(t, st.Disabled)
	assert.Zero(t, st.ConsecutiveFailures)
	require.NotNil(t, st.LastReading)
	assert.Len(t, out.Statuses(sink.StatusOnline), 1)
	assert.Len(t, out.Statuses(sink.StatusOffline), 1)
}

func TestFatalReadDisablesInstance(t *testing.T) {
	d := &drivertest.FakeDriver{Steps: []drivertest.Step{{Err: driver.Fatal("read", driver.ErrDeviceAbsent)}}}
	out := &output{}
	e := newEngine(t, out, 0, drivertest.Registration("chip", d, chip, nil))
	require.Empty(t, e.Load(context.Background(), []registry.InstanceConfig{
		{Name: "attic", Driver: "chip", Interval: 5 * time.Millisecond},
	}))

	stop := runEngine(t, e)
	require.Eventually(t, func() bool { return len(out.Statuses(sink.StatusDisabled)) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	stop()

	assert.Equal(t, 1, d.ReadCalls())
	assert.Empty(t, out.Readings())
	assert.Len(t, out.Statuses(sink.StatusDisabled), 1)
	assert.Contains(t, out.Statuses(sink.StatusDisabled)[0].Reason, "device absent")

	st, _ := e.InstanceStatus("attic")
	assert.True(t, st.Disabled)
	require.NotNil(t, st.Schedule)
	assert.True(t, st.Schedule.Disabled)
}

func TestPanickingDriverIsDisabledAndOthersContinue(t *testing.T) {
	bad := &drivertest.FakeDriver{Steps: []drivertest.Step{{Panic: "nil map"}}}
	good := drivertest.NewFakeDriver(driver.Scalar(1))
	out := &output{}
	e := newEngine(t, out, 0,
		drivertest.Registration("bad", bad, chip, nil),
		drivertest.Registration("good", good, chip, nil),
	)
	require.Empty(t, e.Load(context.Background(), []registry.InstanceConfig{
		{Name: "bad", Driver: "bad", Interval: 5 * time.Millisecond},
		{Name: "good", Driver: "good", Interval: 5 * time.Millisecond},
	}))

	stop := runEngine(t, e)
	require.Eventually(t, func() bool { return len(out.Readings()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 1, bad.ReadCalls())
	for _, r := range out.Readings() {
		assert.Equal(t, "good", r.Instance)
	}
}

func TestDisableAfterConsecutiveFailures(t *testing.T) {
	d := &drivertest.FakeDriver{Steps: []drivertest.Step{{Err: driver.Transient("read", driver.ErrTimeout)}}}
	out := &output{}
	e := newEngine(t, out, 2, drivertest.Registration("chip", d, chip, nil))
	require.Empty(t, e.Load(context.Background(), []registry.InstanceConfig{
		{Name: "cellar", Driver: "chip", Interval: 5 * time.Millisecond},
	}))

	stop := runEngine(t, e)
	require.Eventually(t, func() bool { return len(out.Statuses(sink.StatusDisabled)) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	// two ticks, four attempts each
	assert.Equal(t, 8, d.ReadCalls())
}

func TestUnsupportedQuantityAtReadIsFatal(t *testing.T) {
	d := &drivertest.FakeDriver{Steps: []drivertest.Step{{Value: driver.Record{driver.Temperature: 20}}}}
	out := &output{}
	e := newEngine(t, out, 0, drivertest.Registration("chip", d, chip, nil))
	require.Empty(t, e.Load(context.Background(), []registry.InstanceConfig{
		{Name: "hall", Driver: "chip", Quantity: "humidity", Interval: time.Hour},
	}))

	stop := runEngine(t, e)
	require.Eventually(t, func() bool { return len(out.Statuses(sink.StatusDisabled)) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 1, d.ReadCalls())
	assert.Contains(t, out.Statuses(sink.StatusDisabled)[0].Reason, "hall")
}

func TestEndToEndSimulatedChip(t *testing.T) {
	d := drivertest.NewFakeDriver(driver.Record{
		driver.Temperature: 21.0,
		driver.Humidity:    55.2,
		driver.Pressure:    1013.0,
	})

	s := sink.New(sink.Config{Format: sink.FormatPlain, Queue: queue.TestConfig()}, nil)
	rec := sinktest.NewRecorder("rec")
	require.NoError(t, s.Add(rec))

	e := newEngine(t, s, 0, drivertest.Registration("bme280_simulated", d, chip, nil))
	require.Empty(t, e.Load(context.Background(), []registry.InstanceConfig{
		{Name: "living_room", Driver: "bme280_simulated", Quantity: "humidity", Interval: time.Hour},
	}))

	sinkCtx, stopSink := context.WithCancel(context.Background())
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		_ = s.Run(sinkCtx)
	}()

	stop := runEngine(t, e)
	require.Eventually(t, func() bool {
		return len(rec.Topic("sensor/living_room/humidity")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()
	stopSink()
	<-sinkDone

	msgs := rec.Topic("sensor/living_room/humidity")
	require.Len(t, msgs, 1)
	assert.Equal(t, "55.2", msgs[0].Payload)
	assert.Empty(t, rec.Topic("sensor/living_room/temperature"))
	assert.Equal(t, []sinktest.Message{
		{Topic: "status/living_room", Payload: "online"},
		{Topic: "status/living_room", Payload: "offline"},
	}, rec.Topic("status/living_room"))

	require.NoError(t, e.Close())
	assert.Equal(t, 1, d.CloseCalls())
}

func TestWrite(t *testing.T) {
	d := drivertest.NewFakeDriver(driver.Binary(false))
	out := &output{}
	e := newEngine(t, out, 0, drivertest.Registration("pin", d, driver.Quantities{driver.State}, nil))
	require.Empty(t, e.Load(context.Background(), []registry.InstanceConfig{
		{Name: "relay", Driver: "pin", Interval: time.Hour},
	}))

	require.NoError(t, e.Write(context.Background(), "relay", reading.Bool(true)))
	assert.Equal(t, []driver.RawValue{driver.Binary(true)}, d.Written())
	require.Len(t, out.Readings(), 1)
	assert.True(t, out.Readings()[0].Value.Bool())

	err := e.Write(context.Background(), "nope", reading.Bool(true))
	assert.True(t, errors.Is(err, engine.ErrUnknownInstance))
}

func TestLoadReportsRejectedEntries(t *testing.T) {
	out := &output{}
	e := newEngine(t, out, 0, drivertest.Registration("chip", drivertest.NewFakeDriver(driver.Scalar(1)), chip, nil))
	errs := e.Load(context.Background(), []registry.InstanceConfig{
		{Name: "ok", Driver: "chip"},
		{Name: "bad", Driver: "chip", Quantity: "dewpoint"},
	})
	require.Len(t, errs, 1)
	assert.True(t, registry.IsKind(errs[0], registry.UnsupportedQuantity))
	assert.Equal(t, 1, e.Loaded())
	assert.Len(t, e.Status(), 1)
}
