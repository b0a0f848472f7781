package sink

import (
	"errors"
	"fmt"

	"github.com/anibaldeboni/zero-paper/sensorhub/queue"
)

// PublishError is a failed hand-off to a publisher.
type PublishError struct {
	Publisher string
	Err       error
	Retryable bool
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish via %s: %v", e.Publisher, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

func (e *PublishError) IsRetryable() bool {
	return e.Retryable
}

// newPublishError keeps the publisher's own retry decision when it made one.
// Anything else is assumed to be a connectivity problem and retried.
func newPublishError(publisher string, err error) *PublishError {
	retryable := true
	var re queue.RetryableError
	if errors.As(err, &re) {
		retryable = re.IsRetryable()
	}
	return &PublishError{Publisher: publisher, Err: err, Retryable: retryable}
}
