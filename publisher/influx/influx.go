// Package influx writes readings to InfluxDB 2.x as points.
package influx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	log "github.com/sirupsen/logrus"

	"github.com/anibaldeboni/zero-paper/sensorhub/queue"
	"github.com/anibaldeboni/zero-paper/sensorhub/reading"
)

// Config configures the InfluxDB target.
type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	Timeout     time.Duration
}

// DefaultConfig returns settings for a local server.
func DefaultConfig() Config {
	return Config{
		URL:         "http://localhost:8086",
		Measurement: "sensorhub",
		Timeout:     10 * time.Second,
	}
}

// Publisher stores every reading as one point: tag instance, field named
// after the quantity. Status events are not stored.
type Publisher struct {
	cfg    Config
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

func New(cfg Config) *Publisher {
	if cfg.Measurement == "" {
		cfg.Measurement = "sensorhub"
	}
	opts := influxdb2.DefaultOptions()
	if cfg.Timeout > 0 {
		opts.SetHTTPRequestTimeout(uint(cfg.Timeout / time.Second))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	return &Publisher{
		cfg:    cfg,
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

func (p *Publisher) Name() string {
	return "influx"
}

// Connect checks the server is reachable. Failure is only logged by the sink;
// writes are retried.
func (p *Publisher) Connect(ctx context.Context) error {
	ok, err := p.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping %s: %w", p.cfg.URL, err)
	}
	if !ok {
		return fmt.Errorf("ping %s: server not ready", p.cfg.URL)
	}
	log.WithField("url", p.cfg.URL).Info("InfluxDB reachable")
	return nil
}

// Publish ignores encoded payloads. Readings arrive through PublishReading.
func (p *Publisher) Publish(context.Context, string, []byte) error {
	return nil
}

func (p *Publisher) PublishReading(ctx context.Context, r reading.Reading) error {
	if err := p.write.WritePoint(ctx, p.Point(r)); err != nil {
		return classify(err)
	}
	return nil
}

// Point converts a reading to a line protocol point.
func (p *Publisher) Point(r reading.Reading) *write.Point {
	var field any = r.Value.Float()
	if r.Value.IsBool() {
		field = r.Value.Bool()
	}
	tags := map[string]string{"instance": r.Instance}
	if unit := r.Quantity.Unit(); unit != "" {
		tags["unit"] = unit
	}
	return influxdb2.NewPoint(p.cfg.Measurement, tags, map[string]any{string(r.Quantity): field}, r.Timestamp)
}

func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}

// classify retries network failures, throttling and server errors.
func classify(err error) error {
	var he *influxhttp.Error
	if !errors.As(err, &he) {
		return queue.NewRetryableError(err, true)
	}
	retryable := he.StatusCode == 0 ||
		he.StatusCode == http.StatusTooManyRequests ||
		he.StatusCode >= http.StatusInternalServerError
	return queue.NewRetryableError(err, retryable)
}
