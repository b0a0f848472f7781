// Package fault isolates calls into driver code. Every call runs under its
// own deadline, panics are recovered, and transient failures are retried
// with backoff so that one misbehaving device never stalls its neighbours.
package fault

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
	"github.com/anibaldeboni/zero-paper/sensorhub/retry"
)

// ErrCallTimeout is returned when a driver call outlives its deadline.
var ErrCallTimeout = errors.New("driver call timed out")

// Kind is the classified result of a guarded call.
type Kind int

const (
	Success Kind = iota
	Transient
	Fatal
	// Canceled means the caller's context ended; it is not a driver failure.
	Canceled
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is what a guarded call produced after retries.
type Outcome[T any] struct {
	Kind     Kind
	Value    T
	Err      error
	Attempts int
}

// PanicError carries a recovered panic out of a driver call.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("driver panicked: %v", e.Value)
}

// Guard applies the retry policy and the per-call deadline.
type Guard struct {
	Policy retry.Policy
	// CallTimeout bounds a single attempt. Zero disables the deadline.
	CallTimeout time.Duration
}

// NewGuard returns a guard with the given policy and per-call timeout.
func NewGuard(policy retry.Policy, callTimeout time.Duration) Guard {
	return Guard{Policy: policy, CallTimeout: callTimeout}
}

// Poll runs fn until it succeeds, fails fatally, exhausts the retry policy or
// ctx ends.
func Poll[T any](ctx context.Context, g Guard, name string, fn func(ctx context.Context) (T, error)) Outcome[T] {
	var out Outcome[T]
	attempts := g.Policy.Attempts()

	for attempt := 0; attempt < attempts; attempt++ {
		out.Attempts = attempt + 1
		value, err := call(ctx, g.CallTimeout, fn)
		out.Kind = classify(ctx, err)
		out.Value = value
		out.Err = err

		switch out.Kind {
		case Success:
			return out
		case Fatal, Canceled:
			if out.Kind == Fatal {
				logFatal(name, err)
			}
			return out
		}

		if attempt == attempts-1 {
			break
		}
		log.WithFields(log.Fields{
			"instance": name,
			"attempt":  out.Attempts,
			"error":    err,
		}).Debug("transient failure, retrying")

		if werr := g.Policy.Wait(ctx, attempt); werr != nil {
			out.Kind = Canceled
			out.Err = werr
			return out
		}
	}
	return out
}

// Setup runs a driver's setup once under the call deadline and panic
// recovery. Setup is never retried.
func (g Guard) Setup(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	once := g
	once.Policy.MaxRetries = 0
	out := Poll(ctx, once, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return out.Err
}

// call runs fn in its own goroutine so that a driver ignoring its context
// cannot hold the caller past the deadline.
func call[T any](parent context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := parent, context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	}
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				r.err = &PanicError{Value: p, Stack: debug.Stack()}
			}
			done <- r
		}()
		r.value, r.err = fn(ctx)
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		if parent.Err() != nil {
			return zero, parent.Err()
		}
		return zero, fmt.Errorf("%w after %v: %w", ErrCallTimeout, timeout, context.DeadlineExceeded)
	}
}

func classify(ctx context.Context, err error) Kind {
	if err == nil {
		return Success
	}
	if ctx.Err() != nil {
		return Canceled
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return Fatal
	}
	if driver.Classify(err) == driver.KindTransient {
		return Transient
	}
	return Fatal
}

func logFatal(name string, err error) {
	entry := log.WithFields(log.Fields{"instance": name, "error": err})
	var pe *PanicError
	if errors.As(err, &pe) {
		entry = entry.WithField("stack", string(pe.Stack))
	}
	entry.Error("driver failed fatally")
}
