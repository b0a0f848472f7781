package queue

import (
	"time"

	"github.com/anibaldeboni/zero-paper/sensorhub/retry"
)

// TestConfig returns a small, fast queue config for tests.
func TestConfig() Config {
	return Config{
		Workers:           2,
		BufferSize:        100,
		ShutdownTimeout:   time.Second,
		ProcessingTimeout: time.Second,
		RetryPolicy: retry.Policy{
			MaxRetries: 2,
			BaseDelay:  10 * time.Millisecond,
			MaxDelay:   50 * time.Millisecond,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			Timeout:          time.Second,
		},
	}
}
