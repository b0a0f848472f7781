package queue

import (
	"time"

	"github.com/anibaldeboni/zero-paper/sensorhub/retry"
)

// Config tunes a queue.
type Config struct {
	Workers        int
	BufferSize     int
	RetryPolicy    retry.Policy
	CircuitBreaker CircuitBreakerConfig
	// ShutdownTimeout bounds how long pending messages are drained after the
	// queue context ends.
	ShutdownTimeout time.Duration
	// ProcessingTimeout bounds a single worker call.
	ProcessingTimeout time.Duration
}

// CircuitBreakerConfig opens the breaker after FailureThreshold consecutive
// failures and lets a trial call through after Timeout.
type CircuitBreakerConfig struct {
	FailureThreshold int
	Timeout          time.Duration
}

// DefaultConfig returns the settings used for publisher queues.
func DefaultConfig() Config {
	return Config{
		Workers:    1,
		BufferSize: 256,
		RetryPolicy: retry.Policy{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
		},
		ShutdownTimeout:   5 * time.Second,
		ProcessingTimeout: 10 * time.Second,
	}
}

// Stats is a snapshot of a queue.
type Stats struct {
	Name                string              `json:"name"`
	QueueSize           int                 `json:"queue_size"`
	RetryQueueSize      int                 `json:"retry_queue_size"`
	CircuitBreakerState CircuitBreakerState `json:"circuit_breaker_state"`
	Workers             int                 `json:"workers"`
	Processed           uint64              `json:"processed"`
	Failed              uint64              `json:"failed"`
	Retried             uint64              `json:"retried"`
	Dropped             uint64              `json:"dropped"`
}
