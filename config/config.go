// Package config loads the sensorhub YAML configuration, applies defaults and
// converts it into the settings of every other package.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Web     WebConfig     `yaml:"web"`
	Polling PollingConfig `yaml:"polling"`
	Publish PublishConfig `yaml:"publish"`

	// Publishers; a nil section is disabled.
	MQTT    *MQTTConfig    `yaml:"mqtt"`
	NATS    *NATSConfig    `yaml:"nats"`
	Influx  *InfluxConfig  `yaml:"influxdb"`
	Webhook *WebhookConfig `yaml:"webhook"`

	Instances Instances `yaml:"instances"`
}

// LoggingConfig selects the logrus level and formatter
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// WebConfig contains HTTP server configuration
type WebConfig struct {
	Enabled         *bool         `yaml:"enabled"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PollingConfig controls scheduling and fault handling of instances
type PollingConfig struct {
	DefaultInterval time.Duration `yaml:"default_interval"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	DisableAfter    int           `yaml:"disable_after"`
	Retry           RetryConfig   `yaml:"retry"`
}

// RetryConfig contains retry policy configuration
type RetryConfig struct {
	MaxRetries *int          `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// PublishConfig contains payload format and publisher queue configuration
type PublishConfig struct {
	Format string      `yaml:"format"` // "json" or "plain"
	Queue  QueueConfig `yaml:"queue"`
}

// QueueConfig contains queue processing configuration
type QueueConfig struct {
	Workers           int           `yaml:"workers"`
	BufferSize        int           `yaml:"buffer_size"`
	Retry             RetryConfig   `yaml:"retry"`
	Circuit           CircuitConfig `yaml:"circuit_breaker"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
}

// CircuitConfig contains circuit breaker configuration
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MQTTConfig contains MQTT broker configuration
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         *int   `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// NATSConfig contains NATS server configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Token         string `yaml:"token"`
}

// InfluxConfig contains InfluxDB 2.x configuration
type InfluxConfig struct {
	URL         string        `yaml:"url"`
	Token       string        `yaml:"token"`
	Org         string        `yaml:"org"`
	Bucket      string        `yaml:"bucket"`
	Measurement string        `yaml:"measurement"`
	Timeout     time.Duration `yaml:"timeout"`
}

// WebhookConfig contains HTTP webhook configuration
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// ConfigLoader handles loading and caching of configuration
type ConfigLoader struct {
	config *AppConfig
	mu     sync.RWMutex
	loaded bool
}

var globalLoader = &ConfigLoader{}

//go:embed example.yaml
var exampleConfig string

// searchPaths are tried in order after the explicit path.
var searchPaths = []string{
	"sensorhub.yaml",
	"sensorhub.yml",
	"config/sensorhub.yaml",
	"config/sensorhub.yml",
	"/etc/sensorhub/sensorhub.yaml",
}

// ErrNotFound is returned when no configuration file exists.
var ErrNotFound = errors.New("configuration file not found in any of the expected locations")

// Load loads configuration once and caches it. configPath is tried before the
// search paths; defaults are used when no file exists.
func Load(configPath string) (*AppConfig, error) {
	globalLoader.mu.Lock()
	defer globalLoader.mu.Unlock()

	if globalLoader.loaded {
		return globalLoader.config, nil
	}

	loadDotEnv()

	config, err := loadConfigFromFile(configPath)
	switch {
	case errors.Is(err, ErrNotFound):
		log.Warn("No configuration file found, using defaults")
		config = defaultConfig()
	case err != nil:
		return nil, err
	}

	globalLoader.config = config
	globalLoader.loaded = true

	return config, nil
}

// Get returns the cached configuration (must call Load first)
func Get() *AppConfig {
	globalLoader.mu.RLock()
	defer globalLoader.mu.RUnlock()

	if !globalLoader.loaded {
		panic("Configuration not loaded. Call config.Load() first.")
	}

	return globalLoader.config
}

// loadDotEnv reads .env into the environment without overriding variables
// that are already set.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("Failed to read .env file")
	}
}

func findConfigFile(configPath string) (string, error) {
	paths := searchPaths
	if configPath != "" {
		paths = append([]string{configPath}, searchPaths...)
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", ErrNotFound
}

func loadConfigFromFile(configPath string) (*AppConfig, error) {
	configFile, err := findConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", configFile, err)
	}
	log.WithField("file", configFile).Info("Configuration loaded")
	return config, nil
}

// Parse decodes YAML, applies defaults and validates the result. ${VAR}
// references inside scalar values are replaced from the environment; any
// other '$' is kept as written.
func Parse(data []byte) (*AppConfig, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse: %w", err)
	}

	var config AppConfig
	if !root.IsZero() {
		expandEnv(&root)
		if err := root.Decode(&config); err != nil {
			return nil, fmt.Errorf("failed to parse: %w", err)
		}
	}

	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} in every scalar below n. Plain scalars that
// changed are re-resolved, so "port: ${PORT}" still decodes as a number.
func expandEnv(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode {
		expanded := envRef.ReplaceAllStringFunc(n.Value, func(ref string) string {
			return os.Getenv(ref[2 : len(ref)-1])
		})
		if expanded != n.Value {
			n.Value = expanded
			if n.Style == 0 {
				n.Tag = ""
			}
		}
		return
	}
	for _, child := range n.Content {
		expandEnv(child)
	}
}

// defaultConfig returns a configuration with sensible defaults
func defaultConfig() *AppConfig {
	config := &AppConfig{}
	applyDefaults(config)
	return config
}

func intPtr(v int) *int {
	return &v
}

// applyDefaults fills in missing configuration values with sensible defaults
func applyDefaults(config *AppConfig) {
	// Logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}

	// Web defaults
	if config.Web.Enabled == nil {
		enabled := true
		config.Web.Enabled = &enabled
	}
	if config.Web.Port == 0 {
		config.Web.Port = 8080
	}
	if config.Web.ReadTimeout == 0 {
		config.Web.ReadTimeout = 10 * time.Second
	}
	if config.Web.WriteTimeout == 0 {
		config.Web.WriteTimeout = 10 * time.Second
	}
	if config.Web.IdleTimeout == 0 {
		config.Web.IdleTimeout = 120 * time.Second
	}
	if config.Web.ShutdownTimeout == 0 {
		config.Web.ShutdownTimeout = 5 * time.Second
	}

	// Polling defaults
	if config.Polling.DefaultInterval == 0 {
		config.Polling.DefaultInterval = 10 * time.Second
	}
	if config.Polling.CallTimeout == 0 {
		config.Polling.CallTimeout = 5 * time.Second
	}
	if config.Polling.GracePeriod == 0 {
		config.Polling.GracePeriod = 5 * time.Second
	}
	if config.Polling.Retry.MaxRetries == nil {
		config.Polling.Retry.MaxRetries = intPtr(3)
	}
	if config.Polling.Retry.BaseDelay == 0 {
		config.Polling.Retry.BaseDelay = 200 * time.Millisecond
	}
	if config.Polling.Retry.MaxDelay == 0 {
		config.Polling.Retry.MaxDelay = 5 * time.Second
	}

	// Publish defaults
	if config.Publish.Format == "" {
		config.Publish.Format = "json"
	}
	q := &config.Publish.Queue
	if q.Workers == 0 {
		q.Workers = 1
	}
	if q.BufferSize == 0 {
		q.BufferSize = 256
	}
	if q.Retry.MaxRetries == nil {
		q.Retry.MaxRetries = intPtr(3)
	}
	if q.Retry.BaseDelay == 0 {
		q.Retry.BaseDelay = time.Second
	}
	if q.Retry.MaxDelay == 0 {
		q.Retry.MaxDelay = 30 * time.Second
	}
	if q.Circuit.FailureThreshold == 0 {
		q.Circuit.FailureThreshold = 5
	}
	if q.Circuit.Timeout == 0 {
		q.Circuit.Timeout = 30 * time.Second
	}
	if q.ShutdownTimeout == 0 {
		q.ShutdownTimeout = 5 * time.Second
	}
	if q.ProcessingTimeout == 0 {
		q.ProcessingTimeout = 10 * time.Second
	}

	// Publisher defaults
	if m := config.MQTT; m != nil {
		if m.Broker == "" {
			m.Broker = "tcp://localhost:1883"
		}
		if m.ClientID == "" {
			m.ClientID = "sensorhub"
		}
		if m.TopicPrefix == "" {
			m.TopicPrefix = "sensorhub"
		}
		if m.QoS == nil {
			m.QoS = intPtr(1)
		}
	}
	if n := config.NATS; n != nil {
		if n.URL == "" {
			n.URL = "nats://127.0.0.1:4222"
		}
		if n.SubjectPrefix == "" {
			n.SubjectPrefix = "sensorhub"
		}
	}
	if i := config.Influx; i != nil {
		if i.URL == "" {
			i.URL = "http://localhost:8086"
		}
		if i.Measurement == "" {
			i.Measurement = "sensorhub"
		}
		if i.Timeout == 0 {
			i.Timeout = 10 * time.Second
		}
	}
	if w := config.Webhook; w != nil && w.Timeout == 0 {
		w.Timeout = 30 * time.Second
	}
}

// Validate reports every invalid setting at once.
func (c *AppConfig) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if f := strings.ToLower(c.Logging.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("logging.format: %q is not text or json", c.Logging.Format))
	}
	if f := strings.ToLower(c.Publish.Format); f != "json" && f != "plain" {
		errs = append(errs, fmt.Errorf("publish.format: %q is not json or plain", c.Publish.Format))
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port: %d out of range", c.Web.Port))
	}
	if c.Polling.MaxConcurrent < 0 {
		errs = append(errs, errors.New("polling.max_concurrent: must not be negative"))
	}
	if c.Polling.DisableAfter < 0 {
		errs = append(errs, errors.New("polling.disable_after: must not be negative"))
	}
	if c.MQTT != nil && (*c.MQTT.QoS < 0 || *c.MQTT.QoS > 2) {
		errs = append(errs, fmt.Errorf("mqtt.qos: %d is not 0, 1 or 2", *c.MQTT.QoS))
	}
	if c.Influx != nil && c.Influx.Bucket == "" {
		errs = append(errs, errors.New("influxdb.bucket: is required"))
	}
	if c.Webhook != nil && c.Webhook.URL == "" {
		errs = append(errs, errors.New("webhook.url: is required"))
	}
	// Instance entries are checked by the registry, one at a time.
	return errors.Join(errs...)
}

// GenerateExampleConfig writes a commented example configuration file
func GenerateExampleConfig(outputPath string) error {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(outputPath, []byte(exampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", outputPath, err)
	}

	return nil
}
