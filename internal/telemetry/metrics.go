// Package telemetry registers the pipeline's Prometheus metrics. Everything
// is registered on the default registry and served by the receiver's
// /metrics endpoint.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ingest pipeline.
type Metrics struct {
	// Receiver tier
	RequestsTotal    *prometheus.CounterVec // kind: logs|metrics, status
	RecordsEnqueued  *prometheus.CounterVec // stream
	Throttled        *prometheus.CounterVec // kind
	SyslogDatagrams  *prometheus.CounterVec // source, result: ok|parse_error|denied|throttled|enqueue_error
	EnqueueShed      prometheus.Counter

	// Worker tier
	RecordsAcked        *prometheus.CounterVec // stream
	RecordsDeadLettered *prometheus.CounterVec // stream
	RecordsReclaimed    *prometheus.CounterVec // stream
	TrimmedUnacked      prometheus.Counter
	FlushDuration       *prometheus.HistogramVec // stream
	QueueDepth          *prometheus.GaugeVec     // stream

	// Adaptive sender
	SenderFallbacks  prometheus.Counter
	SenderPromotions prometheus.Counter
	SenderDropped    prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_requests_total",
				Help: "Ingest API requests by kind and response status",
			},
			[]string{"kind", "status"},
		),
		RecordsEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_enqueued_total",
				Help: "Records durably appended to the stream queue",
			},
			[]string{"stream"},
		),
		Throttled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_throttled_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"kind"},
		),
		SyslogDatagrams: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_syslog_datagrams_total",
				Help: "UDP syslog datagrams by source and outcome",
			},
			[]string{"source", "result"},
		),
		EnqueueShed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_enqueue_shed_total",
				Help: "Requests shed with 503 because the enqueue gate was full",
			},
		),
		RecordsAcked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_acked_total",
				Help: "Records acknowledged after a successful sink write",
			},
			[]string{"stream"},
		),
		RecordsDeadLettered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_dead_lettered_total",
				Help: "Poison records copied to the dead-letter stream",
			},
			[]string{"stream"},
		),
		RecordsReclaimed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_reclaimed_total",
				Help: "Pending records claimed from idle consumers",
			},
			[]string{"stream"},
		),
		TrimmedUnacked: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_records_trimmed_unacked_total",
				Help: "Unacked records lost to MAXLEN trimming; alert on non-zero",
			},
		),
		FlushDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_flush_duration_seconds",
				Help:    "Worker batch flush duration including sink retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stream"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_queue_depth",
				Help: "Current stream length as seen by the workers",
			},
			[]string{"stream"},
		),
		SenderFallbacks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_sender_fallbacks_total",
				Help: "HTTP/3 to HTTP/1.1 fallbacks in the adaptive sender",
			},
		),
		SenderPromotions: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_sender_promotions_total",
				Help: "HTTP/1.1 to HTTP/3 promotion attempts after cooldown",
			},
		),
		SenderDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_sender_dropped_total",
				Help: "Batches dropped because the send buffer was full",
			},
		),
	}
}
