// Package metrics exposes poll and publish counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensorhub"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Polls        *prometheus.CounterVec
	PollDuration *prometheus.HistogramVec
	Retries      *prometheus.CounterVec
	SkippedTicks *prometheus.CounterVec
	Disabled     *prometheus.GaugeVec
	Published    *prometheus.CounterVec
	Dropped      *prometheus.CounterVec
	QueueDepth   *prometheus.GaugeVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		Polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "total",
				Help:      "Polls by instance and outcome (success, transient, fatal, canceled)",
			},
			[]string{"instance", "outcome"},
		),

		PollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "duration_seconds",
				Help:      "Wall time of one poll including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"instance"},
		),

		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "retries_total",
				Help:      "Driver calls beyond the first attempt",
			},
			[]string{"instance"},
		),

		SkippedTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "skipped_ticks_total",
				Help:      "Ticks skipped because the previous poll was running or the scheduler was saturated",
			},
			[]string{"instance", "reason"},
		),

		Disabled: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "instance",
				Name:      "disabled",
				Help:      "Instance disabled after a fatal failure (0=active, 1=disabled)",
			},
			[]string{"instance"},
		),

		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "publish",
				Name:      "total",
				Help:      "Publish attempts by publisher and result",
			},
			[]string{"publisher", "result"},
		),

		Dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "publish",
				Name:      "dropped_total",
				Help:      "Envelopes given up on",
			},
			[]string{"publisher"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "publish",
				Name:      "queue_depth",
				Help:      "Envelopes waiting per publisher",
			},
			[]string{"publisher"},
		),
	}

	m.Registry.MustRegister(
		m.Polls, m.PollDuration, m.Retries, m.SkippedTicks, m.Disabled,
		m.Published, m.Dropped, m.QueueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObservePoll records one finished poll.
func (m *Metrics) ObservePoll(instance, outcome string, took time.Duration, attempts int) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(instance, outcome).Inc()
	m.PollDuration.WithLabelValues(instance).Observe(took.Seconds())
	if attempts > 1 {
		m.Retries.WithLabelValues(instance).Add(float64(attempts - 1))
	}
}

// SkipTick records a skipped tick.
func (m *Metrics) SkipTick(instance, reason string) {
	if m == nil {
		return
	}
	m.SkippedTicks.WithLabelValues(instance, reason).Inc()
}

// SetDisabled flags an instance as disabled or active.
func (m *Metrics) SetDisabled(instance string, disabled bool) {
	if m == nil {
		return
	}
	v := 0.0
	if disabled {
		v = 1
	}
	m.Disabled.WithLabelValues(instance).Set(v)
}

// Publish records a publish attempt result ("ok" or "error").
func (m *Metrics) Publish(publisher, result string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(publisher, result).Inc()
}

// Drop records an envelope given up on.
func (m *Metrics) Drop(publisher string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(publisher).Inc()
}

// SetQueueDepth reports the backlog of a publisher queue.
func (m *Metrics) SetQueueDepth(publisher string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(publisher).Set(float64(depth))
}
