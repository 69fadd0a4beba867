package metrics

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourusername/bucketfence/core"
	"github.com/yourusername/bucketfence/store"
)

// Metrics records limiter telemetry to Prometheus and keeps running
// totals for the JSON stats endpoint. It implements bucketfence.Recorder.
type Metrics struct {
	Decisions     *prometheus.CounterVec
	BatchDuration prometheus.Histogram
	BatchKeys     prometheus.Histogram
	StoreErrors   *prometheus.CounterVec
	DenyCacheHits prometheus.Counter

	batches   atomic.Int64
	allowed   atomic.Int64
	denied    atomic.Int64
	failures  atomic.Int64
	cacheHits atomic.Int64
	startTime time.Time
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bucketfence_decisions_total",
				Help: "Rate limit decisions by outcome",
			},
			[]string{"outcome"},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bucketfence_batch_duration_seconds",
				Help:    "Store round trip duration per batch",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		BatchKeys: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bucketfence_batch_keys",
				Help:    "Number of keys per batch",
				Buckets: prometheus.ExponentialBuckets(1, 2, 8),
			},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bucketfence_store_errors_total",
				Help: "Batches that failed without a decision, by kind",
			},
			[]string{"kind"},
		),
		DenyCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bucketfence_deny_cache_hits_total",
				Help: "Denials answered from the local deny cache",
			},
		),
		startTime: time.Now(),
	}

	reg.MustRegister(m.Decisions, m.BatchDuration, m.BatchKeys, m.StoreErrors, m.DenyCacheHits)
	return m
}

// ObserveBatch records one store round trip
func (m *Metrics) ObserveBatch(keys int, took time.Duration, err error) {
	m.batches.Add(1)
	m.BatchDuration.Observe(took.Seconds())
	m.BatchKeys.Observe(float64(keys))

	if err != nil {
		m.failures.Add(1)
		m.StoreErrors.WithLabelValues(ErrorKind(err)).Inc()
	}
}

// RecordDecision records one decided key
func (m *Metrics) RecordDecision(allowed bool) {
	if allowed {
		m.allowed.Add(1)
		m.Decisions.WithLabelValues("allowed").Inc()
		return
	}
	m.denied.Add(1)
	m.Decisions.WithLabelValues("denied").Inc()
}

// RecordDenyCacheHit records a denial served without a store call.
// It also counts as a denied decision.
func (m *Metrics) RecordDenyCacheHit() {
	m.cacheHits.Add(1)
	m.DenyCacheHits.Inc()
	m.RecordDecision(false)
}

// ErrorKind labels a store error for metrics
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, store.ErrStoreTimeout):
		return "timeout"
	case errors.Is(err, store.ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, store.ErrMalformedReply):
		return "malformed"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, core.ErrInvalidParameters), errors.Is(err, core.ErrInvalidKey):
		return "invalid"
	default:
		return "other"
	}
}

// GetSnapshot returns a snapshot of current totals
func (m *Metrics) GetSnapshot() *Snapshot {
	return &Snapshot{
		Batches:       m.batches.Load(),
		Allowed:       m.allowed.Load(),
		Denied:        m.denied.Load(),
		StoreErrors:   m.failures.Load(),
		DenyCacheHits: m.cacheHits.Load(),
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		StartTime:     m.startTime,
	}
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	Batches       int64     `json:"batches"`
	Allowed       int64     `json:"allowed"`
	Denied        int64     `json:"denied"`
	StoreErrors   int64     `json:"store_errors"`
	DenyCacheHits int64     `json:"deny_cache_hits"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
}
