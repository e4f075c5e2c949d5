// Package metrics holds the Prometheus collectors for both admission layers.
// Every Record method is safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gate"

const (
	dispatcherSubsystem = "dispatcher"
	admissionSubsystem  = "admission"
)

type Metrics struct {
	requests       *prometheus.CounterVec
	retries        *prometheus.CounterVec
	terminalErrors *prometheus.CounterVec
	cacheHits      prometheus.Counter
	latency        prometheus.Histogram
	queueDepth     *prometheus.GaugeVec
	inFlight       prometheus.Gauge
	backoff        prometheus.Gauge

	ticks      *prometheus.CounterVec
	admissions prometheus.Counter
	completes  prometheus.Counter
	aborts     *prometheus.CounterVec
	pending    prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: dispatcherSubsystem,
				Name:      "requests_total",
				Help:      "Completion requests submitted, by priority and outcome.",
			},
			[]string{"priority", "outcome"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: dispatcherSubsystem,
				Name:      "retries_total",
				Help:      "Upstream retries, by signal.",
			},
			[]string{"kind"},
		),
		terminalErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: dispatcherSubsystem,
				Name:      "terminal_errors_total",
				Help:      "Requests that ended in failure, by reason.",
			},
			[]string{"reason"},
		),
		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: dispatcherSubsystem,
				Name:      "cache_hits_total",
				Help:      "Successful completions whose prompt prefix was read from cache.",
			},
		),
		latency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: dispatcherSubsystem,
				Name:      "upstream_latency_seconds",
				Help:      "Latency of successful upstream attempts.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: dispatcherSubsystem,
				Name:      "queue_depth",
				Help:      "Requests waiting for dispatch, by priority.",
			},
			[]string{"priority"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: dispatcherSubsystem,
				Name:      "in_flight",
				Help:      "Requests holding a concurrency slot.",
			},
		),
		backoff: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: dispatcherSubsystem,
				Name:      "backoff_remaining_seconds",
				Help:      "Time left in the shared backoff window.",
			},
		),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: admissionSubsystem,
				Name:      "ticks_total",
				Help:      "Controller ticks, by verdict and reason.",
			},
			[]string{"verdict", "reason"},
		),
		admissions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: admissionSubsystem,
				Name:      "admitted_total",
				Help:      "Subjects admitted for a worker.",
			},
		),
		completes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: admissionSubsystem,
				Name:      "completed_total",
				Help:      "Subjects reported complete.",
			},
		),
		aborts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: admissionSubsystem,
				Name:      "aborted_total",
				Help:      "Subjects reported aborted, by whether the abort tripped the breaker.",
			},
			[]string{"tripped"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: admissionSubsystem,
				Name:      "pending",
				Help:      "Subjects in the pending set at the last tick.",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requests, m.retries, m.terminalErrors, m.cacheHits, m.latency,
		m.queueDepth, m.inFlight, m.backoff,
		m.ticks, m.admissions, m.completes, m.aborts, m.pending,
	}
}

// MustRegister registers every collector with reg.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.collectors()...)
}

func (m *Metrics) RecordRequest(priority, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(priority, outcome).Inc()
}

func (m *Metrics) RecordRetry(kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordTerminalError(reason string) {
	if m == nil {
		return
	}
	m.terminalErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSuccess(latency time.Duration, cacheHit bool) {
	if m == nil {
		return
	}
	m.latency.Observe(latency.Seconds())
	if cacheHit {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) SetQueueDepth(priority string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

func (m *Metrics) SetInFlight(n int64) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func (m *Metrics) SetBackoffRemaining(d time.Duration) {
	if m == nil {
		return
	}
	m.backoff.Set(d.Seconds())
}

func (m *Metrics) RecordTick(verdict, reason string, admitted int) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(verdict, reason).Inc()
	m.admissions.Add(float64(admitted))
}

func (m *Metrics) RecordComplete(n int) {
	if m == nil {
		return
	}
	m.completes.Add(float64(n))
}

func (m *Metrics) RecordAbort(n int, tripped bool) {
	if m == nil {
		return
	}
	label := "false"
	if tripped {
		label = "true"
	}
	m.aborts.WithLabelValues(label).Add(float64(n))
}

func (m *Metrics) SetPending(n int64) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
