package sink_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
	"github.com/anibaldeboni/zero-paper/sensorhub/metrics"
	"github.com/anibaldeboni/zero-paper/sensorhub/queue"
	"github.com/anibaldeboni/zero-paper/sensorhub/reading"
	"github.com/anibaldeboni/zero-paper/sensorhub/sink"
	"github.com/anibaldeboni/zero-paper/sensorhub/sink/sinktest"
)

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func runSink(t *testing.T, s *sink.Sink) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Run(ctx))
	}()
	return func() {
		cancel()
		<-done
	}
}

var sample = reading.Reading{
	Instance:  "garden",
	Quantity:  driver.Temperature,
	Value:     reading.Number(18.25),
	Timestamp: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
}

func TestParseFormat(t *testing.T) {
	f, err := sink.ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, sink.FormatJSON, f)
	f, err = sink.ParseFormat("PLAIN")
	require.NoError(t, err)
	assert.Equal(t, sink.FormatPlain, f)
	_, err = sink.ParseFormat("xml")
	assert.Error(t, err)
}

func TestPublishReadingJSON(t *testing.T) {
	s := sink.New(sink.Config{Queue: queue.TestConfig()}, nil)
	rec := sinktest.NewRecorder("rec")
	require.NoError(t, s.Add(rec))
	stop := runSink(t, s)
	defer stop()

	s.PublishReading(sample)

	eventually(t, func() bool { return len(rec.Messages()) == 1 })
	msg := rec.Messages()[0]
	assert.Equal(t, "sensor/garden/temperature", msg.Topic)
	assert.JSONEq(t, `{"instance":"garden","quantity":"temperature","value":18.25,"unit":"°C","timestamp":"2024-06-01T08:00:00Z"}`, msg.Payload)
}

func TestPublishPlainAndStatus(t *testing.T) {
	s := sink.New(sink.Config{Format: sink.FormatPlain, Queue: queue.TestConfig()}, nil)
	rec := sinktest.NewRecorder("rec")
	require.NoError(t, s.Add(rec))
	stop := runSink(t, s)
	defer stop()

	s.PublishReading(sample)
	s.PublishStatus(sink.StatusEvent{Instance: "garden", Status: sink.StatusDisabled, Reason: "device absent"})

	eventually(t, func() bool { return len(rec.Messages()) == 2 })
	assert.Equal(t, []sinktest.Message{{Topic: "sensor/garden/temperature", Payload: "18.25"}}, rec.Topic("sensor/garden/temperature"))
	assert.Equal(t, []sinktest.Message{{Topic: "status/garden", Payload: "disabled"}}, rec.Topic("status/garden"))
}

func TestFanOutIsolatesPublishers(t *testing.T) {
	m := metrics.New()
	cfg := sink.Config{Queue: queue.TestConfig()}
	cfg.Queue.RetryPolicy.MaxRetries = 0
	s := sink.New(cfg, m)

	good := sinktest.NewRecorder("good")
	bad := sinktest.NewRecorder("bad")
	bad.Fail = func(string) error { return queue.NewRetryableError(errors.New("rejected"), false) }
	require.NoError(t, s.Add(good))
	require.NoError(t, s.Add(bad))
	assert.Equal(t, []string{"good", "bad"}, s.Publishers())

	stop := runSink(t, s)
	s.PublishReading(sample)

	eventually(t, func() bool { return len(good.Messages()) == 1 && bad.Attempts() == 1 })
	eventually(t, func() bool {
		for _, st := range s.Stats() {
			if st.Name == "bad" && st.Dropped == 1 {
				return true
			}
		}
		return false
	})
	stop()

	assert.True(t, good.Closed())
	assert.True(t, bad.Closed())
}

func TestRetryableFailureIsRetried(t *testing.T) {
	s := sink.New(sink.Config{Queue: queue.TestConfig()}, nil)
	var (
		mu    sync.Mutex
		calls int
	)
	rec := sinktest.NewRecorder("flaky")
	rec.Fail = func(string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	require.NoError(t, s.Add(rec))
	stop := runSink(t, s)
	defer stop()

	s.PublishReading(sample)
	eventually(t, func() bool { return len(rec.Messages()) == 1 })
	assert.Equal(t, 2, rec.Attempts())
}

type structured struct {
	*sinktest.Recorder
	mu       sync.Mutex
	readings []reading.Reading
}

func (p *structured) PublishReading(_ context.Context, r reading.Reading) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readings = append(p.readings, r)
	return nil
}

func (p *structured) Readings() []reading.Reading {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]reading.Reading(nil), p.readings...)
}

func TestReadingPublisherGetsStructuredReadings(t *testing.T) {
	s := sink.New(sink.Config{Queue: queue.TestConfig()}, nil)
	p := &structured{Recorder: sinktest.NewRecorder("influx")}
	require.NoError(t, s.Add(p))
	stop := runSink(t, s)
	defer stop()

	s.PublishReading(sample)
	s.PublishStatus(sink.StatusEvent{Instance: "garden", Status: sink.StatusOnline})

	eventually(t, func() bool { return len(p.Readings()) == 1 && len(p.Messages()) == 1 })
	assert.Equal(t, sample, p.Readings()[0])
	assert.Equal(t, "status/garden", p.Messages()[0].Topic)
}

func TestAddRejectsDuplicates(t *testing.T) {
	s := sink.New(sink.Config{Queue: queue.TestConfig()}, nil)
	require.NoError(t, s.Add(sinktest.NewRecorder("a")))
	assert.Error(t, s.Add(sinktest.NewRecorder("a")))
}

func TestPublishErrorKeepsDecision(t *testing.T) {
	err := &sink.PublishError{Publisher: "mqtt", Err: errors.New("x"), Retryable: false}
	assert.False(t, err.IsRetryable())
	assert.Equal(t, "publish via mqtt: x", err.Error())
}
