// Package retry holds the exponential backoff policy shared by driver polls
// and publisher deliveries.
package retry

import (
	"context"
	"math"
	"time"
)

// Policy bounds how often and how fast a failed operation is retried.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy returns the policy used when configuration leaves it unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// CalculateDelay returns the wait before retry number attempt (zero based),
// doubling from BaseDelay and capped at MaxDelay.
func (p Policy) CalculateDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := p.BaseDelay
	if d > time.Duration(math.MaxInt64)>>uint(attempt) {
		d = math.MaxInt64
	} else {
		d <<= uint(attempt)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Attempts is the total number of calls the policy allows.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Wait sleeps for the backoff of attempt or until ctx is done.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	delay := p.CalculateDelay(attempt)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
