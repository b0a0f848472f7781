package influx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
	"github.com/anibaldeboni/zero-paper/sensorhub/queue"
	"github.com/anibaldeboni/zero-paper/sensorhub/reading"
)

type fakeServer struct {
	mu     sync.Mutex
	status int
	bodies []string
	query  string
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.URL.Path != "/api/v2/write" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, _ := io.ReadAll(r.Body)
	s.bodies = append(s.bodies, string(body))
	s.query = r.URL.RawQuery
	if s.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(`{"code":"invalid","message":"rejected"}`))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newPublisher(t *testing.T, srv *fakeServer) *Publisher {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	cfg := DefaultConfig()
	cfg.URL = ts.URL
	cfg.Org = "home"
	cfg.Bucket = "sensors"
	p := New(cfg)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

var sample = reading.Reading{
	Instance:  "attic",
	Quantity:  driver.Humidity,
	Value:     reading.Number(55.2),
	Timestamp: time.Unix(1700000000, 0),
}

func TestPublishReadingWritesLineProtocol(t *testing.T) {
	srv := &fakeServer{}
	p := newPublisher(t, srv)

	require.NoError(t, p.PublishReading(context.Background(), sample))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.bodies, 1)
	line := strings.TrimSpace(srv.bodies[0])
	assert.True(t, strings.HasPrefix(line, "sensorhub,instance=attic,unit=% humidity=55.2 "), line)
	assert.Contains(t, srv.query, "bucket=sensors")
	assert.Contains(t, srv.query, "org=home")
}

func TestPointForBinaryValue(t *testing.T) {
	p := New(DefaultConfig())
	defer p.Close()

	pt := p.Point(reading.Reading{Instance: "door", Quantity: driver.State, Value: reading.Bool(true), Timestamp: time.Now()})
	require.Len(t, pt.FieldList(), 1)
	assert.Equal(t, "state", pt.FieldList()[0].Key)
	assert.Equal(t, true, pt.FieldList()[0].Value)
	require.Len(t, pt.TagList(), 1)
	assert.Equal(t, "instance", pt.TagList()[0].Key)
}

func TestPublishReadingClientErrorIsNotRetryable(t *testing.T) {
	p := newPublisher(t, &fakeServer{status: http.StatusBadRequest})

	err := p.PublishReading(context.Background(), sample)
	require.Error(t, err)
	var re queue.RetryableError
	require.True(t, errors.As(err, &re))
	assert.False(t, re.IsRetryable())
}

func TestPublishReadingServerErrorIsRetryable(t *testing.T) {
	p := newPublisher(t, &fakeServer{status: http.StatusServiceUnavailable})

	err := p.PublishReading(context.Background(), sample)
	require.Error(t, err)
	var re queue.RetryableError
	require.True(t, errors.As(err, &re))
	assert.True(t, re.IsRetryable())
}

func TestPublishPayloadIsIgnored(t *testing.T) {
	srv := &fakeServer{}
	p := newPublisher(t, srv)
	require.NoError(t, p.Publish(context.Background(), "status/attic", []byte("online")))
	assert.Empty(t, srv.bodies)
}
