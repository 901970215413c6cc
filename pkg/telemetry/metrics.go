package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter, gauge, and histogram this core exposes,
// registered exactly once at process start (NewMetrics) and then handed
// into the components that update them — never a package-level global,
// which would collide under re-import or parallel test runs.
type Metrics struct {
	Registry *prometheus.Registry

	PublishAttempted   *prometheus.CounterVec
	PublishOK          prometheus.Counter
	PublishRetry       prometheus.Counter
	PublishInvalid     prometheus.Counter
	PublishUnauthorized prometheus.Counter

	WALBacklogBytes prometheus.Gauge
	WALOverflowDrop prometheus.Counter

	BrokerInflight   prometheus.Gauge
	BrokerDedupHits  prometheus.Counter
	BrokerPersisted  prometheus.Counter

	PublishLatency prometheus.Histogram
}

// NewMetrics constructs and registers all handles against a fresh registry
// scoped to one process (broker or agent). service is used as a constant
// label so broker and agent metrics can share a scrape endpoint in tests.
func NewMetrics(service string) *Metrics {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	attempted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "publish_attempted_total",
		Help:        "Total Publish attempts, by publisher mode or \"broker\" for requests admitted by the EventBus.",
		ConstLabels: constLabels,
	}, []string{"mode"})

	m := &Metrics{
		Registry:         reg,
		PublishAttempted: attempted,
		PublishOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publish_ok_total", Help: "Total OK acknowledgements.", ConstLabels: constLabels,
		}),
		PublishRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publish_retry_total", Help: "Total RETRY acknowledgements.", ConstLabels: constLabels,
		}),
		PublishInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publish_invalid_total", Help: "Total INVALID acknowledgements.", ConstLabels: constLabels,
		}),
		PublishUnauthorized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publish_unauthorized_total", Help: "Total UNAUTHORIZED acknowledgements.", ConstLabels: constLabels,
		}),
		WALBacklogBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wal_backlog_bytes", Help: "Current approximate on-disk size of the WAL.", ConstLabels: constLabels,
		}),
		WALOverflowDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wal_overflow_drop_total", Help: "Total rows dropped from the WAL due to max_backlog_bytes.", ConstLabels: constLabels,
		}),
		BrokerInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_inflight", Help: "Current in-flight Publish RPCs.", ConstLabels: constLabels,
		}),
		BrokerDedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_dedup_hits_total", Help: "Total dedup cache hits.", ConstLabels: constLabels,
		}),
		BrokerPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_persisted_total", Help: "Total envelopes durably persisted.", ConstLabels: constLabels,
		}),
		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "publish_latency_seconds", Help: "Publish RPC latency.", ConstLabels: constLabels,
			Buckets: DefaultHistogramBuckets(),
		}),
	}

	reg.MustRegister(
		m.PublishAttempted, m.PublishOK, m.PublishRetry, m.PublishInvalid, m.PublishUnauthorized,
		m.WALBacklogBytes, m.WALOverflowDrop,
		m.BrokerInflight, m.BrokerDedupHits, m.BrokerPersisted,
		m.PublishLatency,
	)
	return m
}

// DefaultHistogramBuckets returns latency buckets in seconds, 5ms..10s.
func DefaultHistogramBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}
}
