// Package nats publishes readings and availability as NATS core messages.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/anibaldeboni/zero-paper/sensorhub/queue"
)

var ErrNotConnected = errors.New("nats: not connected")

// Config configures the connection.
type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	Username      string
	Password      string
	Token         string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultConfig returns settings for a local server.
func DefaultConfig() Config {
	return Config{
		URL:           natsgo.DefaultURL,
		Name:          "sensorhub",
		SubjectPrefix: "sensorhub",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	IsConnected() bool
	Drain() error
}

// dial opens the connection. Replaced in tests.
var dial = func(cfg Config) (conn, error) {
	opts := []natsgo.Option{
		natsgo.Name(cfg.Name),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.Timeout(cfg.Timeout),
		natsgo.RetryOnFailedConnect(true),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, natsgo.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsgo.Token(cfg.Token))
	}
	return natsgo.Connect(cfg.URL, opts...)
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// Publisher is a sink.Publisher that maps topics onto subjects.
type Publisher struct {
	cfg Config

	mu sync.RWMutex
	nc conn
}

func New(cfg Config) *Publisher {
	return &Publisher{cfg: cfg}
}

func (p *Publisher) Name() string {
	return "nats"
}

// Subject turns a slash separated topic into a dotted subject under the
// prefix. Dots inside a segment would create extra tokens and become '_'.
func (p *Publisher) Subject(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	for i, part := range parts {
		parts[i] = tokenReplacer.Replace(part)
	}
	subject := strings.Join(parts, ".")
	if prefix := strings.Trim(p.cfg.SubjectPrefix, "."); prefix != "" {
		subject = prefix + "." + subject
	}
	return subject
}

func (p *Publisher) Connect(context.Context) error {
	nc, err := dial(p.cfg)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", p.cfg.URL, err)
	}
	p.mu.Lock()
	p.nc = nc
	p.mu.Unlock()
	log.WithField("url", p.cfg.URL).Info("NATS connection established")
	return nil
}

// Publish sends one message and flushes so broker errors surface here.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	nc := p.nc
	p.mu.RUnlock()

	if nc == nil || !nc.IsConnected() {
		return queue.NewRetryableError(ErrNotConnected, true)
	}
	if err := nc.Publish(p.Subject(topic), payload); err != nil {
		return err
	}
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	return nc.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc = nil
	return err
}
