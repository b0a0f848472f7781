package config

import (
	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
	"github.com/anibaldeboni/zero-paper/sensorhub/fault"
	"github.com/anibaldeboni/zero-paper/sensorhub/publisher/influx"
	"github.com/anibaldeboni/zero-paper/sensorhub/publisher/mqtt"
	"github.com/anibaldeboni/zero-paper/sensorhub/publisher/nats"
	"github.com/anibaldeboni/zero-paper/sensorhub/publisher/webhook"
	"github.com/anibaldeboni/zero-paper/sensorhub/queue"
	"github.com/anibaldeboni/zero-paper/sensorhub/registry"
	"github.com/anibaldeboni/zero-paper/sensorhub/retry"
	"github.com/anibaldeboni/zero-paper/sensorhub/scheduler"
	"github.com/anibaldeboni/zero-paper/sensorhub/sink"
	"github.com/anibaldeboni/zero-paper/sensorhub/web"
)

// WebEnabled reports whether the status server should start
func (c *AppConfig) WebEnabled() bool {
	return c.Web.Enabled == nil || *c.Web.Enabled
}

// WebConfig converts config to web.Config
func (c *AppConfig) WebConfig() *web.Config {
	return &web.Config{
		Port:            c.Web.Port,
		ReadTimeout:     c.Web.ReadTimeout,
		WriteTimeout:    c.Web.WriteTimeout,
		IdleTimeout:     c.Web.IdleTimeout,
		ShutdownTimeout: c.Web.ShutdownTimeout,
	}
}

func (r RetryConfig) policy() retry.Policy {
	p := retry.Policy{BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
	if r.MaxRetries != nil {
		p.MaxRetries = *r.MaxRetries
	}
	return p
}

// RetryPolicy converts the polling retry settings to retry.Policy
func (c *AppConfig) RetryPolicy() retry.Policy {
	return c.Polling.Retry.policy()
}

// Guard builds the fault guard wrapping every setup and read
func (c *AppConfig) Guard() fault.Guard {
	return fault.NewGuard(c.RetryPolicy(), c.Polling.CallTimeout)
}

// SchedulerConfig converts config to scheduler.Config. OnSkip is left to the
// caller.
func (c *AppConfig) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		GracePeriod:   c.Polling.GracePeriod,
		MaxConcurrent: c.Polling.MaxConcurrent,
	}
}

// QueueConfig converts config to queue.Config
func (c *AppConfig) QueueConfig() queue.Config {
	q := c.Publish.Queue
	return queue.Config{
		Workers:           q.Workers,
		BufferSize:        q.BufferSize,
		ShutdownTimeout:   q.ShutdownTimeout,
		ProcessingTimeout: q.ProcessingTimeout,
		RetryPolicy:       q.Retry.policy(),
		CircuitBreaker: queue.CircuitBreakerConfig{
			FailureThreshold: q.Circuit.FailureThreshold,
			Timeout:          q.Circuit.Timeout,
		},
	}
}

// SinkConfig converts config to sink.Config
func (c *AppConfig) SinkConfig() (sink.Config, error) {
	format, err := sink.ParseFormat(c.Publish.Format)
	if err != nil {
		return sink.Config{}, err
	}
	return sink.Config{Format: format, Queue: c.QueueConfig()}, nil
}

// InstanceConfigs converts the instances section, in file order, applying
// the default interval.
func (c *AppConfig) InstanceConfigs() []registry.InstanceConfig {
	out := make([]registry.InstanceConfig, 0, len(c.Instances))
	for _, inst := range c.Instances {
		interval := inst.Interval
		if interval == 0 {
			interval = c.Polling.DefaultInterval
		}
		opts := driver.Options(inst.Options)
		if opts == nil {
			opts = driver.Options{}
		}
		out = append(out, registry.InstanceConfig{
			Name:     inst.Name,
			Driver:   inst.Driver,
			Quantity: inst.Quantity,
			Interval: interval,
			Digits:   inst.Digits,
			Options:  opts,
			Err:      inst.Err,
		})
	}
	return out
}

// MQTTConfig converts config to mqtt.Config; ok is false when the section is
// absent.
func (c *AppConfig) MQTTConfig() (cfg mqtt.Config, ok bool) {
	if c.MQTT == nil {
		return cfg, false
	}
	cfg = mqtt.DefaultConfig()
	cfg.Broker = c.MQTT.Broker
	cfg.ClientID = c.MQTT.ClientID
	cfg.Username = c.MQTT.Username
	cfg.Password = c.MQTT.Password
	cfg.TopicPrefix = c.MQTT.TopicPrefix
	cfg.Retain = c.MQTT.Retain
	if c.MQTT.QoS != nil {
		cfg.QoS = byte(*c.MQTT.QoS)
	}
	return cfg, true
}

// NATSConfig converts config to nats.Config; ok is false when the section is
// absent.
func (c *AppConfig) NATSConfig() (cfg nats.Config, ok bool) {
	if c.NATS == nil {
		return cfg, false
	}
	cfg = nats.DefaultConfig()
	cfg.URL = c.NATS.URL
	cfg.SubjectPrefix = c.NATS.SubjectPrefix
	cfg.Username = c.NATS.Username
	cfg.Password = c.NATS.Password
	cfg.Token = c.NATS.Token
	return cfg, true
}

// InfluxConfig converts config to influx.Config; ok is false when the section
// is absent.
func (c *AppConfig) InfluxConfig() (cfg influx.Config, ok bool) {
	if c.Influx == nil {
		return cfg, false
	}
	return influx.Config{
		URL:         c.Influx.URL,
		Token:       c.Influx.Token,
		Org:         c.Influx.Org,
		Bucket:      c.Influx.Bucket,
		Measurement: c.Influx.Measurement,
		Timeout:     c.Influx.Timeout,
	}, true
}

// WebhookPublisher builds the webhook publisher; it returns nil when the
// section is absent.
func (c *AppConfig) WebhookPublisher() (*webhook.Publisher, error) {
	if c.Webhook == nil {
		return nil, nil
	}
	opts := []webhook.Option{webhook.WithTimeout(c.Webhook.Timeout)}
	for k, v := range c.Webhook.Headers {
		opts = append(opts, webhook.WithHeader(k, v))
	}
	return webhook.New(c.Webhook.URL, opts...)
}
