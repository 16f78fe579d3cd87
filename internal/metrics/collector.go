// Package metrics wraps the DataFlow engine's Prometheus collectors: records
// processed/sent/errors/dropped, per-channel health, queue depth, and
// delivery latency. No HTTP exporter is registered here — promhttp and
// admin endpoints are explicitly out of scope (SPEC_FULL §1 Non-goals); the
// Monitor reads these collectors in-process instead.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the DataFlow engine updates.
// Adapted from the teacher's MetricsRegistry (internal/interfaces/http/metrics.go):
// same CounterVec/GaugeVec/HistogramVec shape, re-scoped to DataFlow
// concerns rather than scan/regime/cache concerns.
type Collector struct {
	RecordsProcessed *prometheus.CounterVec
	RecordsDropped   prometheus.Counter
	RecordErrors     *prometheus.CounterVec

	ChannelDeliveries *prometheus.CounterVec
	ChannelErrors     *prometheus.CounterVec
	ChannelHealth     *prometheus.GaugeVec

	QueueLength        prometheus.Gauge
	BackpressureActive prometheus.Gauge

	ProcessingLatency *prometheus.HistogramVec

	ProxyConnections prometheus.Gauge
	ProxyDropped     prometheus.Counter
}

// NewCollector constructs a Collector with every metric created, but not
// yet attached to any registry — callers register against their own
// *prometheus.Registry so multiple Collector instances (e.g. in tests) never
// collide on the default global registry.
func NewCollector() *Collector {
	return &Collector{
		RecordsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataflow_records_processed_total",
				Help: "Total number of records pulled off the ingress queue by outcome",
			},
			[]string{"outcome"}, // sent | error | dropped
		),
		RecordsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dataflow_records_dropped_total",
				Help: "Total number of records evicted from the ingress queue under backpressure",
			},
		),
		RecordErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataflow_record_errors_total",
				Help: "Total number of record processing errors by kind",
			},
			[]string{"kind"}, // validation | conversion | transform | routing | timeout
		),
		ChannelDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataflow_channel_deliveries_total",
				Help: "Total number of successful channel deliveries",
			},
			[]string{"channel"},
		),
		ChannelErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataflow_channel_errors_total",
				Help: "Total number of failed channel deliveries",
			},
			[]string{"channel"},
		),
		ChannelHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dataflow_channel_health",
				Help: "Channel health as 0=unhealthy, 1=degraded, 2=healthy",
			},
			[]string{"channel"},
		),
		QueueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dataflow_queue_length",
				Help: "Current ingress queue depth",
			},
		),
		BackpressureActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dataflow_backpressure_active",
				Help: "1 if the backpressure state machine is currently active",
			},
		),
		ProcessingLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dataflow_processing_latency_ms",
				Help:    "Per-record processing latency in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"stage"},
		),
		ProxyConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dataflow_proxy_connections",
				Help: "Current number of accepted WebSocket proxy connections",
			},
		),
		ProxyDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dataflow_proxy_dropped_messages_total",
				Help: "Total number of WebSocket messages dropped due to sendBuffer overflow",
			},
		),
	}
}

// Register attaches every collector to reg. A collector already registered
// with reg (prometheus.AlreadyRegisteredError) is skipped, so registering
// the same Collector twice returns nil; any other registration error is
// returned.
func (c *Collector) Register(reg *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		c.RecordsProcessed, c.RecordsDropped, c.RecordErrors,
		c.ChannelDeliveries, c.ChannelErrors, c.ChannelHealth,
		c.QueueLength, c.BackpressureActive, c.ProcessingLatency,
		c.ProxyConnections, c.ProxyDropped,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// HealthValue maps a breaker.Health-shaped string to the gauge's numeric
// encoding (healthy=2, degraded=1, unhealthy=0).
func HealthValue(health string) float64 {
	switch health {
	case "healthy":
		return 2
	case "degraded":
		return 1
	default:
		return 0
	}
}
