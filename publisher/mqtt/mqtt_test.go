package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibaldeboni/zero-paper/sensorhub/queue"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completed(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pending() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  any
}

type fakeClient struct {
	paho.Client

	mu           sync.Mutex
	open         bool
	token        paho.Token
	messages     []published
	disconnected bool
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = true
	return completed(nil)
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic, qos, retained, payload})
	if c.token != nil {
		return c.token
	}
	return completed(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.disconnected = true
}

func newTestPublisher(cfg Config) (*Publisher, *fakeClient) {
	fc := &fakeClient{}
	return &Publisher{cfg: cfg, client: fc}, fc
}

func TestClientOptionsLastWill(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopicPrefix = "home/pi"
	opts := (&Publisher{cfg: cfg}).clientOptions()

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://localhost:1883", opts.Servers[0].String())
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "home/pi/status", opts.WillTopic)
	assert.Equal(t, []byte("offline"), opts.WillPayload)
	assert.True(t, opts.WillRetained)
	assert.Equal(t, "sensorhub", opts.ClientID)
}

func TestTopicPrefix(t *testing.T) {
	p, _ := newTestPublisher(Config{TopicPrefix: "/home/"})
	assert.Equal(t, "home/sensor/attic/temperature", p.Topic("sensor/attic/temperature"))

	p, _ = newTestPublisher(Config{})
	assert.Equal(t, "status/attic", p.Topic("status/attic"))
}

func TestPublish(t *testing.T) {
	p, fc := newTestPublisher(Config{TopicPrefix: "hub", QoS: 1, Retain: true, PublishTimeout: time.Second})
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.Publish(context.Background(), "sensor/attic/humidity", []byte("55.2")))
	require.Len(t, fc.messages, 1)
	assert.Equal(t, published{"hub/sensor/attic/humidity", 1, true, []byte("55.2")}, fc.messages[0])
}

func TestPublishWhileDisconnectedIsRetryable(t *testing.T) {
	p, _ := newTestPublisher(Config{PublishTimeout: time.Second})

	err := p.Publish(context.Background(), "sensor/a/b", []byte("1"))
	require.ErrorIs(t, err, ErrNotConnected)
	var re queue.RetryableError
	require.True(t, errors.As(err, &re))
	assert.True(t, re.IsRetryable())
}

func TestPublishBrokerError(t *testing.T) {
	p, fc := newTestPublisher(Config{PublishTimeout: time.Second})
	require.NoError(t, p.Connect(context.Background()))
	fc.token = completed(errors.New("not authorized"))

	assert.EqualError(t, p.Publish(context.Background(), "sensor/a/b", []byte("1")), "not authorized")
}

func TestPublishTimeout(t *testing.T) {
	p, fc := newTestPublisher(Config{PublishTimeout: 20 * time.Millisecond})
	require.NoError(t, p.Connect(context.Background()))
	fc.token = pending()

	err := p.Publish(context.Background(), "sensor/a/b", []byte("1"))
	var re queue.RetryableError
	require.True(t, errors.As(err, &re))
	assert.True(t, re.IsRetryable())
}

func TestCloseAnnouncesOffline(t *testing.T) {
	p, fc := newTestPublisher(Config{TopicPrefix: "hub", QoS: 1, PublishTimeout: time.Second})
	require.NoError(t, p.Connect(context.Background()))
	require.NoError(t, p.Close())

	require.Len(t, fc.messages, 1)
	assert.Equal(t, published{"hub/status", 1, true, "offline"}, fc.messages[0])
	assert.True(t, fc.disconnected)
}
