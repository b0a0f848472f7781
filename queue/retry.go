package queue

import (
	"context"
	"errors"
)

// ShouldRetry decides whether a failed message gets another attempt. While
// the queue is shutting down only one extra attempt is allowed.
func ShouldRetry(ctx context.Context, err error, attempts int) bool {
	if errors.Is(err, ErrCircuitBreakerOpen) {
		return false
	}

	var retryable RetryableError
	isRetryableType := errors.As(err, &retryable)
	if isRetryableType && !retryable.IsRetryable() {
		return false
	}

	if ctx.Err() != nil {
		return attempts < 2
	}
	return true
}
