package queue

import "errors"

var (
	ErrQueueClosed        = errors.New("queue is closed")
	ErrQueueFull          = errors.New("queue is full")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// RetryableError lets a worker tell the queue whether a failure is worth
// another attempt. Errors that do not implement it are retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

// SimpleRetryableError attaches a retry decision to an arbitrary error.
type SimpleRetryableError struct {
	err       error
	retryable bool
}

func (e *SimpleRetryableError) Error() string {
	return e.err.Error()
}

func (e *SimpleRetryableError) Unwrap() error {
	return e.err
}

func (e *SimpleRetryableError) IsRetryable() bool {
	return e.retryable
}

// NewRetryableError wraps err with an explicit retry decision.
func NewRetryableError(err error, retryable bool) *SimpleRetryableError {
	return &SimpleRetryableError{
		err:       err,
		retryable: retryable,
	}
}
