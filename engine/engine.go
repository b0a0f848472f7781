// Package engine ties the pieces together: loaded instances become scheduler
// targets whose polls read through the fault guard, normalize the raw value
// and hand the reading to the sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/anibaldeboni/zero-paper/sensorhub/fault"
	"github.com/anibaldeboni/zero-paper/sensorhub/metrics"
	"github.com/anibaldeboni/zero-paper/sensorhub/reading"
	"github.com/anibaldeboni/zero-paper/sensorhub/registry"
	"github.com/anibaldeboni/zero-paper/sensorhub/scheduler"
	"github.com/anibaldeboni/zero-paper/sensorhub/sink"
)

var (
	ErrUnknownInstance = errors.New("unknown instance")
	ErrDisabled        = errors.New("instance is disabled")
)

// Output receives what the engine produces.
type Output interface {
	PublishReading(r reading.Reading)
	PublishStatus(ev sink.StatusEvent)
}

// Deps are the collaborators of an engine.
type Deps struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Guard     fault.Guard
	Output    Output
	Metrics   *metrics.Metrics
	// DisableAfter escalates that many consecutive failed polls to a fatal
	// failure. Zero keeps retrying forever.
	DisableAfter int
	Now          func() time.Time
}

// InstanceStatus is the externally visible state of one instance.
type InstanceStatus struct {
	Name                string                 `json:"name"`
	Driver              string                 `json:"driver"`
	Quantity            string                 `json:"quantity"`
	Unit                string                 `json:"unit,omitempty"`
	Bus                 string                 `json:"bus,omitempty"`
	Interval            string                 `json:"interval"`
	Writable            bool                   `json:"writable"`
	Disabled            bool                   `json:"disabled"`
	Reason              string                 `json:"reason,omitempty"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	LastReading         *reading.Reading       `json:"last_reading,omitempty"`
	LastError           string                 `json:"last_error,omitempty"`
	Schedule            *scheduler.EntryStatus `json:"schedule,omitempty"`
}

type tracked struct {
	inst     *registry.Instance
	failures atomic.Int32
	disabled atomic.Bool

	mu      sync.Mutex
	reason  string
	last    *reading.Reading
	lastErr string
}

// Engine runs the poll loop for every loaded instance.
type Engine struct {
	deps Deps

	mu        sync.RWMutex
	instances []*tracked
}

// New creates an engine. Registry, Scheduler and Output are required.
func New(deps Deps) *Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{deps: deps}
}

// Load loads cfgs through the registry and schedules every instance that
// loaded. The returned errors describe the rejected entries.
func (e *Engine) Load(ctx context.Context, cfgs []registry.InstanceConfig) []error {
	loaded, errs := e.deps.Registry.LoadAll(ctx, cfgs)

	for _, inst := range loaded {
		t := &tracked{inst: inst}
		if err := e.deps.Scheduler.Add(scheduler.Target{
			Name:     inst.Name,
			Interval: inst.Interval,
			Poll:     func(ctx context.Context) fault.Kind { return e.poll(ctx, t) },
		}); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", inst.Name, err))
			continue
		}

		e.mu.Lock()
		e.instances = append(e.instances, t)
		e.mu.Unlock()

		e.deps.Metrics.SetDisabled(inst.Name, false)
		e.deps.Output.PublishStatus(sink.StatusEvent{Instance: inst.Name, Status: sink.StatusOnline, Timestamp: e.deps.Now()})
	}
	return errs
}

// Loaded reports how many instances are scheduled.
func (e *Engine) Loaded() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.instances)
}

// Run polls until ctx ends and announces every instance offline afterwards.
func (e *Engine) Run(ctx context.Context) error {
	err := e.deps.Scheduler.Run(ctx)

	for _, t := range e.snapshot() {
		e.deps.Output.PublishStatus(sink.StatusEvent{Instance: t.inst.Name, Status: sink.StatusOffline, Timestamp: e.deps.Now()})
	}
	return err
}

// Close releases every device.
func (e *Engine) Close() error {
	return e.deps.Registry.Close()
}

func (e *Engine) poll(ctx context.Context, t *tracked) fault.Kind {
	if t.disabled.Load() {
		return fault.Fatal
	}

	start := time.Now()
	out := fault.Poll(ctx, e.deps.Guard, t.inst.Name, func(ctx context.Context) (reading.Reading, error) {
		raw, err := t.inst.Read(ctx)
		if err != nil {
			return reading.Reading{}, err
		}
		return reading.Normalize(t.inst.Spec, raw, e.deps.Now())
	})
	e.deps.Metrics.ObservePoll(t.inst.Name, out.Kind.String(), time.Since(start), out.Attempts)

	switch out.Kind {
	case fault.Success:
		t.failures.Store(0)
		r := out.Value
		t.mu.Lock()
		t.last = &r
		t.lastErr = ""
		t.mu.Unlock()
		e.deps.Output.PublishReading(r)
		return fault.Success

	case fault.Fatal:
		e.disable(t, out.Err)
		return fault.Fatal

	case fault.Transient:
		n := int(t.failures.Add(1))
		t.mu.Lock()
		t.lastErr = out.Err.Error()
		t.mu.Unlock()

		log.WithFields(log.Fields{
			"instance": t.inst.Name,
			"attempts": out.Attempts,
			"failures": n,
			"error":    out.Err,
		}).Warn("Poll failed, will try again next tick")

		if e.deps.DisableAfter > 0 && n >= e.deps.DisableAfter {
			e.disable(t, fmt.Errorf("%d consecutive failed polls: %w", n, out.Err))
			return fault.Fatal
		}
		return fault.Transient

	default:
		return out.Kind
	}
}

// disable marks t disabled and announces it once.
func (e *Engine) disable(t *tracked, cause error) {
	if !t.disabled.CompareAndSwap(false, true) {
		return
	}
	reason := "disabled"
	if cause != nil {
		reason = cause.Error()
	}
	t.mu.Lock()
	t.reason = reason
	t.lastErr = reason
	t.mu.Unlock()

	log.WithFields(log.Fields{"instance": t.inst.Name, "reason": reason}).Error("Instance disabled")
	e.deps.Metrics.SetDisabled(t.inst.Name, true)
	e.deps.Output.PublishStatus(sink.StatusEvent{
		Instance:  t.inst.Name,
		Status:    sink.StatusDisabled,
		Reason:    reason,
		Timestamp: e.deps.Now(),
	})
}

// Write drives a writable instance and publishes the new state.
func (e *Engine) Write(ctx context.Context, name string, v reading.Value) error {
	t, ok := e.lookup(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownInstance)
	}
	if t.disabled.Load() {
		return fmt.Errorf("%s: %w", name, ErrDisabled)
	}
	if !t.inst.Writable() {
		return fmt.Errorf("%s: %w", name, registry.ErrNotWritable)
	}

	out := fault.Poll(ctx, e.deps.Guard, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.inst.Write(ctx, v.Raw())
	})
	if out.Kind != fault.Success {
		return out.Err
	}

	r := reading.Reading{Instance: name, Quantity: t.inst.Spec.Quantity, Value: v, Timestamp: e.deps.Now()}
	t.mu.Lock()
	t.last = &r
	t.mu.Unlock()
	e.deps.Output.PublishReading(r)
	return nil
}

// Status returns every instance in load order.
func (e *Engine) Status() []InstanceStatus {
	schedule := make(map[string]scheduler.EntryStatus)
	for _, s := range e.deps.Scheduler.Snapshot() {
		schedule[s.Name] = s
	}

	list := e.snapshot()
	out := make([]InstanceStatus, 0, len(list))
	for _, t := range list {
		st := t.status()
		if s, ok := schedule[st.Name]; ok {
			st.Schedule = &s
		}
		out = append(out, st)
	}
	return out
}

// InstanceStatus returns the status of one instance.
func (e *Engine) InstanceStatus(name string) (InstanceStatus, bool) {
	for _, st := range e.Status() {
		if st.Name == name {
			return st, true
		}
	}
	return InstanceStatus{}, false
}

func (t *tracked) status() InstanceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := InstanceStatus{
		Name:                t.inst.Name,
		Driver:              t.inst.Driver,
		Quantity:            string(t.inst.Spec.Quantity),
		Unit:                t.inst.Spec.Quantity.Unit(),
		Bus:                 t.inst.Bus,
		Interval:            t.inst.Interval.String(),
		Writable:            t.inst.Writable(),
		Disabled:            t.disabled.Load(),
		Reason:              t.reason,
		ConsecutiveFailures: int(t.failures.Load()),
		LastError:           t.lastErr,
	}
	if t.last != nil {
		r := *t.last
		st.LastReading = &r
	}
	return st
}

func (e *Engine) snapshot() []*tracked {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*tracked(nil), e.instances...)
}

func (e *Engine) lookup(name string) (*tracked, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, t := range e.instances {
		if t.inst.Name == name {
			return t, true
		}
	}
	return nil, false
}
