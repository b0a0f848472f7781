// Package sink fans readings and status events out to publishers. Each
// publisher gets its own delivery queue so a slow or failing broker never
// blocks polling or the other publishers.
package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/anibaldeboni/zero-paper/sensorhub/metrics"
	"github.com/anibaldeboni/zero-paper/sensorhub/queue"
	"github.com/anibaldeboni/zero-paper/sensorhub/reading"
)

// Publisher is an external destination for payloads.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// ReadingPublisher receives readings as structured values instead of
// encoded payloads.
type ReadingPublisher interface {
	PublishReading(ctx context.Context, r reading.Reading) error
}

// Connector is implemented by publishers that hold a connection open.
type Connector interface {
	Connect(ctx context.Context) error
}

// Config tunes the sink.
type Config struct {
	Format Format
	Queue  queue.Config
}

type outlet struct {
	pub Publisher
	q   *queue.Queue[Envelope]
}

// Sink owns one queue per publisher.
type Sink struct {
	cfg     Config
	metrics *metrics.Metrics

	mu      sync.RWMutex
	outlets []*outlet
	running bool
}

// New creates a sink with no publishers.
func New(cfg Config, m *metrics.Metrics) *Sink {
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	return &Sink{cfg: cfg, metrics: m}
}

// Add attaches a publisher. It must be called before Run.
func (s *Sink) Add(p Publisher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sink: cannot add publisher %q while running", p.Name())
	}
	for _, o := range s.outlets {
		if o.pub.Name() == p.Name() {
			return fmt.Errorf("sink: duplicate publisher %q", p.Name())
		}
	}

	name := p.Name()
	worker := queue.WorkerFunc[Envelope](func(ctx context.Context, msg queue.Message[Envelope]) error {
		return deliver(ctx, p, msg.Data)
	})
	q := queue.NewQueue(context.Background(), queue.Worker[Envelope](worker), s.cfg.Queue,
		queue.WithName[Envelope](name),
		queue.WithDropHandler(func(queue.Message[Envelope], string) {
			s.metrics.Drop(name)
		}),
		queue.WithResultHandler(func(_ queue.Message[Envelope], err error) {
			if err != nil {
				s.metrics.Publish(name, "error")
				return
			}
			s.metrics.Publish(name, "ok")
		}),
	)
	s.outlets = append(s.outlets, &outlet{pub: p, q: q})
	return nil
}

func deliver(ctx context.Context, p Publisher, env Envelope) error {
	var err error
	if rp, ok := p.(ReadingPublisher); ok && env.Reading != nil {
		err = rp.PublishReading(ctx, *env.Reading)
	} else {
		err = p.Publish(ctx, env.Topic, env.Payload)
	}
	if err != nil {
		return newPublishError(p.Name(), err)
	}
	return nil
}

// Run connects publishers and delivers until ctx ends, then drains the
// queues and closes every publisher.
func (s *Sink) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	outlets := append([]*outlet(nil), s.outlets...)
	s.mu.Unlock()

	for _, o := range outlets {
		if c, ok := o.pub.(Connector); ok {
			if err := c.Connect(ctx); err != nil {
				log.WithFields(log.Fields{"publisher": o.pub.Name(), "error": err}).Error("Publisher connect failed, deliveries will be retried")
			}
		}
	}

	var wg sync.WaitGroup
	for _, o := range outlets {
		wg.Add(1)
		go func(o *outlet) {
			defer wg.Done()
			_ = o.q.Start()
		}(o)
	}

	depthTicker := time.NewTicker(5 * time.Second)
	defer depthTicker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-depthTicker.C:
			s.reportDepth()
		}
	}

	for _, o := range outlets {
		o.q.Stop()
	}
	wg.Wait()

	for _, o := range outlets {
		if err := o.pub.Close(); err != nil {
			log.WithFields(log.Fields{"publisher": o.pub.Name(), "error": err}).Warn("Publisher close failed")
		}
	}
	log.Info("Sink stopped")
	return nil
}

func (s *Sink) reportDepth() {
	for _, st := range s.Stats() {
		s.metrics.SetQueueDepth(st.Name, st.QueueSize+st.RetryQueueSize)
	}
}

// PublishReading encodes r and hands it to every publisher without blocking.
func (s *Sink) PublishReading(r reading.Reading) {
	payload, err := encodeReading(r, s.cfg.Format)
	if err != nil {
		log.WithFields(log.Fields{"instance": r.Instance, "error": err}).Error("Cannot encode reading")
		return
	}
	s.enqueue(Envelope{Topic: ReadingTopic(r), Payload: payload, Reading: &r})
}

// PublishStatus encodes ev and hands it to every publisher without blocking.
func (s *Sink) PublishStatus(ev StatusEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	payload, err := encodeStatus(ev, s.cfg.Format)
	if err != nil {
		log.WithFields(log.Fields{"instance": ev.Instance, "error": err}).Error("Cannot encode status")
		return
	}
	s.enqueue(Envelope{Topic: StatusTopic(ev.Instance), Payload: payload, Status: &ev})
}

func (s *Sink) enqueue(env Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.outlets {
		if err := o.q.Enqueue(env); err != nil {
			log.WithFields(log.Fields{
				"publisher": o.pub.Name(),
				"topic":     env.Topic,
				"error":     err,
			}).Debug("Envelope not queued")
		}
	}
}

// Publishers returns the attached publisher names in order.
func (s *Sink) Publishers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.outlets))
	for i, o := range s.outlets {
		out[i] = o.pub.Name()
	}
	return out
}

// Stats returns one queue snapshot per publisher.
func (s *Sink) Stats() []queue.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]queue.Stats, len(s.outlets))
	for i, o := range s.outlets {
		out[i] = o.q.Stats()
	}
	return out
}
