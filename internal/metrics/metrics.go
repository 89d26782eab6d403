// Package metrics exposes prometheus collectors for the transport core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the transport observability metrics.
type Collector struct {
	ConnectsTotal   prometheus.Counter
	ReconnectsTotal prometheus.Counter
	CommandsTotal   prometheus.Counter
	CommandsFailed  prometheus.Counter
	RetriesTotal    prometheus.Counter
	BytesSentTotal  prometheus.Counter

	WriteDuration prometheus.Histogram

	QueueDepth          prometheus.Gauge
	ChunkSize           prometheus.Gauge
	TransmissionQuality prometheus.Gauge
	PoolHitRate         prometheus.Gauge
}

// NewCollector registers the collectors under the given namespace on
// the default registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "bleprint"
	}
	return &Collector{
		ConnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total successful connection establishments",
		}),
		ReconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total automatic reconnection attempts",
		}),
		CommandsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total command delivery attempts",
		}),
		CommandsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_failed_total",
			Help:      "Command delivery attempts that failed",
		}),
		RetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_retries_total",
			Help:      "Total chunk write retries",
		}),
		BytesSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes written to the peripheral",
		}),
		WriteDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_duration_seconds",
			Help:      "Latency of payload writes to the peripheral",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Commands currently pending in the queue",
		}),
		ChunkSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chunk_size_bytes",
			Help:      "Current adaptive chunk size",
		}),
		TransmissionQuality: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transmission_quality",
			Help:      "Success ratio of the current transmission cycle",
		}),
		PoolHitRate: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_pool_hit_rate",
			Help:      "Fraction of buffer acquires served from the pool",
		}),
	}
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
