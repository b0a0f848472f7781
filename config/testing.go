package config

import (
	"github.com/anibaldeboni/zero-paper/sensorhub/queue"
	"github.com/anibaldeboni/zero-paper/sensorhub/web"
)

// TestConfig returns a configuration for testing purposes
func TestConfig() *AppConfig {
	return defaultConfig()
}

// TestWebConfig returns a web config for testing
func TestWebConfig() *web.Config {
	cfg := TestConfig()
	return cfg.WebConfig()
}

// TestQueueConfig returns a queue config for testing
func TestQueueConfig() queue.Config {
	cfg := TestConfig()
	return cfg.QueueConfig()
}
