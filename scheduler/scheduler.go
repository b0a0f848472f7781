// Package scheduler runs periodic polls from a single control loop. Each
// target keeps its own due time; a target still in flight when it comes due
// again is skipped, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/anibaldeboni/zero-paper/sensorhub/fault"
)

// Skip reasons passed to Config.OnSkip.
const (
	SkipInFlight  = "in_flight"
	SkipSaturated = "saturated"
)

// Target is one periodic job.
type Target struct {
	Name     string
	Interval time.Duration
	// Poll performs one tick. A Fatal result disables the target.
	Poll func(ctx context.Context) fault.Kind
}

// Config tunes the scheduler.
type Config struct {
	// GracePeriod is how long in-flight polls may run after shutdown starts
	// before their context is cancelled.
	GracePeriod time.Duration
	// MaxConcurrent bounds simultaneous polls across all targets. Zero means
	// unbounded. When saturated, due ticks are skipped.
	MaxConcurrent int
	// OnSkip is called for every skipped tick.
	OnSkip func(name, reason string)
}

// EntryStatus is a point-in-time view of one target.
type EntryStatus struct {
	Name        string        `json:"name"`
	Interval    time.Duration `json:"interval"`
	NextDue     time.Time     `json:"next_due"`
	LastRun     time.Time     `json:"last_run,omitempty"`
	LastOutcome string        `json:"last_outcome,omitempty"`
	InFlight    bool          `json:"in_flight"`
	Disabled    bool          `json:"disabled"`
	Polls       uint64        `json:"polls"`
	Skipped     uint64        `json:"skipped"`
}

type entry struct {
	target   Target
	inflight atomic.Bool
	disabled atomic.Bool
	polls    atomic.Uint64
	skipped  atomic.Uint64
	skipLog  rate.Sometimes

	// guarded by Scheduler.mu
	nextDue     time.Time
	lastRun     time.Time
	lastOutcome string
}

// Scheduler dispatches due targets in registration order.
type Scheduler struct {
	cfg   Config
	slots *semaphore.Weighted
	wake  chan struct{}

	mu      sync.Mutex
	entries []*entry
	running bool
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
	if cfg.MaxConcurrent > 0 {
		s.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return s
}

// Add registers a target. Its first poll happens on the next loop pass.
func (s *Scheduler) Add(t Target) error {
	if t.Name == "" || t.Poll == nil {
		return errors.New("scheduler: target needs a name and a poll function")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("scheduler: target %q: interval must be positive", t.Name)
	}

	s.mu.Lock()
	for _, e := range s.entries {
		if e.target.Name == t.Name {
			s.mu.Unlock()
			return fmt.Errorf("scheduler: duplicate target %q", t.Name)
		}
	}
	s.entries = append(s.entries, &entry{
		target:  t,
		skipLog: rate.Sometimes{First: 1, Interval: time.Minute},
	})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the loop until ctx is done, then waits up to GracePeriod for
// in-flight polls before cancelling them.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler: already running")
	}
	s.running = true
	targets := len(s.entries)
	s.mu.Unlock()

	pollCtx, cancelPolls := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPolls()

	var wg sync.WaitGroup
	timer := time.NewTimer(0)
	defer timer.Stop()

	log.WithField("targets", targets).Info("Scheduler started")

	for {
		next, ok := s.dispatchDue(pollCtx, time.Now(), &wg)

		var tick <-chan time.Time
		if ok {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(time.Until(next))
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			s.shutdown(&wg, cancelPolls)
			return nil
		case <-tick:
		case <-s.wake:
		}
	}
}

// dispatchDue starts every due target and returns the earliest upcoming due
// time among enabled targets.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time, wg *sync.WaitGroup) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, e := range s.entries {
		if e.disabled.Load() {
			continue
		}
		if !now.Before(e.nextDue) {
			e.nextDue = advance(e.nextDue, e.target.Interval, now)
			s.dispatch(ctx, e, wg)
		}
		if !found || e.nextDue.Before(earliest) {
			earliest, found = e.nextDue, true
		}
	}
	return earliest, found
}

// advance moves a due time one interval forward. Missed ticks are dropped
// instead of replayed.
func advance(due time.Time, interval time.Duration, now time.Time) time.Time {
	next := due.Add(interval)
	if !next.After(now) {
		next = now.Add(interval)
	}
	return next
}

func (s *Scheduler) dispatch(ctx context.Context, e *entry, wg *sync.WaitGroup) {
	if e.inflight.Load() {
		s.skip(e, SkipInFlight)
		return
	}
	if s.slots != nil && !s.slots.TryAcquire(1) {
		s.skip(e, SkipSaturated)
		return
	}
	e.inflight.Store(true)
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer e.inflight.Store(false)
		if s.slots != nil {
			defer s.slots.Release(1)
		}

		kind := e.target.Poll(ctx)
		e.polls.Add(1)

		s.mu.Lock()
		e.lastRun = time.Now()
		e.lastOutcome = kind.String()
		s.mu.Unlock()

		if kind == fault.Fatal {
			e.disabled.Store(true)
			log.WithField("target", e.target.Name).Warn("Target disabled after fatal failure")
		}
	}()
}

func (s *Scheduler) skip(e *entry, reason string) {
	e.skipped.Add(1)
	if s.cfg.OnSkip != nil {
		s.cfg.OnSkip(e.target.Name, reason)
	}
	e.skipLog.Do(func() {
		log.WithFields(log.Fields{
			"target":  e.target.Name,
			"reason":  reason,
			"skipped": e.skipped.Load(),
		}).Warn("Skipping tick")
	})
}

func (s *Scheduler) shutdown(wg *sync.WaitGroup, cancelPolls context.CancelFunc) {
	log.Println("Scheduler: waiting for in-flight polls")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		log.Println("Scheduler: grace period elapsed, cancelling in-flight polls")
		cancelPolls()
		<-done
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	log.Println("Scheduler stopped")
}

// Disabled reports whether the named target was disabled.
func (s *Scheduler) Disabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.target.Name == name {
			return e.disabled.Load()
		}
	}
	return false
}

// Snapshot returns the state of every target in registration order.
func (s *Scheduler) Snapshot() []EntryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EntryStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, EntryStatus{
			Name:        e.target.Name,
			Interval:    e.target.Interval,
			NextDue:     e.nextDue,
			LastRun:     e.lastRun,
			LastOutcome: e.lastOutcome,
			InFlight:    e.inflight.Load(),
			Disabled:    e.disabled.Load(),
			Polls:       e.polls.Load(),
			Skipped:     e.skipped.Load(),
		})
	}
	return out
}
