// Package mqtt publishes readings and availability to an MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/anibaldeboni/zero-paper/sensorhub/queue"
)

var ErrNotConnected = errors.New("mqtt: not connected")

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Config configures the broker connection.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	Retain         bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// DefaultConfig returns settings for a local broker.
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "sensorhub",
		TopicPrefix:    "sensorhub",
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// Publisher is a sink.Publisher backed by a paho client. The bridge's own
// availability lives on <prefix>/status: online after every connect and
// offline through the last will or on Close.
type Publisher struct {
	cfg    Config
	client paho.Client
}

// New builds the client. Nothing is dialed until Connect.
func New(cfg Config) *Publisher {
	p := &Publisher{cfg: cfg}
	p.client = paho.NewClient(p.clientOptions())
	return p
}

func (p *Publisher) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetKeepAlive(p.cfg.KeepAlive).
		SetConnectTimeout(p.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetWill(p.availabilityTopic(), payloadOffline, p.cfg.QoS, true)

	opts.SetOnConnectHandler(func(c paho.Client) {
		log.WithField("broker", p.cfg.Broker).Info("MQTT connected")
		t := c.Publish(p.availabilityTopic(), p.cfg.QoS, true, payloadOnline)
		go func() {
			if t.WaitTimeout(p.cfg.PublishTimeout) && t.Error() != nil {
				log.WithError(t.Error()).Warn("Failed to publish MQTT availability")
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.WithFields(log.Fields{"broker": p.cfg.Broker, "error": err}).Warn("MQTT connection lost")
	})
	return opts
}

func (p *Publisher) Name() string {
	return "mqtt"
}

// Topic prefixes topic with the configured prefix.
func (p *Publisher) Topic(topic string) string {
	prefix := strings.Trim(p.cfg.TopicPrefix, "/")
	if prefix == "" {
		return topic
	}
	return prefix + "/" + topic
}

func (p *Publisher) availabilityTopic() string {
	return p.Topic("status")
}

// Connect dials the broker. With connect retry enabled paho keeps trying in
// the background once the first attempt times out.
func (p *Publisher) Connect(ctx context.Context) error {
	if err := wait(ctx, p.client.Connect(), p.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("connect to %s: %w", p.cfg.Broker, err)
	}
	return nil
}

func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return queue.NewRetryableError(ErrNotConnected, true)
	}
	return wait(ctx, p.client.Publish(p.Topic(topic), p.cfg.QoS, p.cfg.Retain, payload), p.cfg.PublishTimeout)
}

// Close announces offline and disconnects.
func (p *Publisher) Close() error {
	if p.client.IsConnectionOpen() {
		t := p.client.Publish(p.availabilityTopic(), p.cfg.QoS, true, payloadOffline)
		t.WaitTimeout(p.cfg.PublishTimeout)
	}
	p.client.Disconnect(250)
	return nil
}

func wait(ctx context.Context, t paho.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.Done():
		return t.Error()
	case <-timer.C:
		return queue.NewRetryableError(fmt.Errorf("mqtt: no acknowledgement after %v", timeout), true)
	case <-ctx.Done():
		return ctx.Err()
	}
}
