// Package monitor implements the Monitor (SPEC_FULL §4.6): it consumes
// manager and channel events, maintains rolling throughput/latency/health
// aggregates, raises typed alerts on threshold breaches, and computes a
// composite 0-100 performance score. Backed by internal/metrics' Prometheus
// collectors for the counters it samples.
package monitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/cryptorun/internal/breaker"
	"github.com/sawpanic/cryptorun/internal/channel"
	"github.com/sawpanic/cryptorun/internal/config"
	"github.com/sawpanic/cryptorun/internal/events"
	"github.com/sawpanic/cryptorun/internal/manager"
	"github.com/sawpanic/cryptorun/internal/metrics"
	"github.com/sawpanic/cryptorun/internal/router"
)

// Severity is an alert's urgency classification (SPEC_FULL §4.6).
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a typed monitor observation persisting until its triggering
// condition clears (SPEC_FULL §4.6, GLOSSARY).
type Alert struct {
	ID        string
	Severity  Severity
	Component string
	Message   string
	Details   map[string]any
	CreatedAt time.Time
	Resolved  bool
	ResolvedAt time.Time

	lastTriggered time.Time
}

// throughputSample is the delivered-message count since the previous Sample
// call, used to compute a rolling messages/sec rate over the last 30s.
type throughputSample struct {
	at    time.Time
	count int64
}

// Monitor aggregates engine health and raises/resolves alerts.
type Monitor struct {
	cfg        config.Monitoring
	bus        *events.Bus
	collectors *metrics.Collector

	mu          sync.Mutex
	throughput  []throughputSample
	lastSent    int64
	alerts      map[string]*Alert
	channelErrs map[string]int64
}

// New constructs a Monitor subscribed to bus for channelError and
// backpressure events.
func New(cfg config.Monitoring, bus *events.Bus, collectors *metrics.Collector) *Monitor {
	m := &Monitor{
		cfg:         cfg,
		bus:         bus,
		collectors:  collectors,
		alerts:      make(map[string]*Alert),
		channelErrs: make(map[string]int64),
	}
	bus.Subscribe(events.TopicChannelError, 64, m.onChannelError)
	bus.Subscribe(events.TopicBackpressureActivated, 16, m.onBackpressureActivated)
	bus.Subscribe(events.TopicBackpressureDeactivated, 16, m.onBackpressureDeactivated)
	bus.Subscribe(events.TopicRecordError, 64, m.onRecordError)
	return m
}

func (m *Monitor) onChannelError(ev events.Event) {
	ce, ok := ev.Data.(router.ChannelErrorEvent)
	if !ok {
		return
	}
	m.mu.Lock()
	m.channelErrs[ce.ChannelID]++
	m.mu.Unlock()
	if m.collectors != nil {
		m.collectors.ChannelErrors.WithLabelValues(ce.ChannelID).Inc()
	}
}

func (m *Monitor) onBackpressureActivated(ev events.Event) {
	qlen, _ := ev.Data.(int)
	m.raiseAlert("backpressure", SeverityWarning, "manager",
		"ingress queue backpressure active", map[string]any{"queueLength": qlen})
}

func (m *Monitor) onBackpressureDeactivated(events.Event) {
	m.resolveAlert("backpressure")
}

func (m *Monitor) onRecordError(ev events.Event) {
	if m.collectors == nil {
		return
	}
	switch v := ev.Data.(type) {
	case []error:
		m.collectors.RecordErrors.WithLabelValues("validation").Add(float64(len(v)))
	case error:
		m.collectors.RecordErrors.WithLabelValues("timeout").Inc()
	}
}

// Sample is the periodic tick the caller drives every cfg.MetricsInterval,
// polling the manager's stats and every registered channel's status.
func (m *Monitor) Sample(stats manager.Stats, channelStatuses map[string]channel.Status) {
	now := time.Now()

	m.mu.Lock()
	delta := stats.TotalSent - m.lastSent
	if delta < 0 {
		delta = 0
	}
	m.lastSent = stats.TotalSent
	m.throughput = append(m.throughput, throughputSample{at: now, count: delta})
	cutoff := now.Add(-30 * time.Second)
	filtered := m.throughput[:0]
	for _, s := range m.throughput {
		if s.at.After(cutoff) {
			filtered = append(filtered, s)
		}
	}
	m.throughput = filtered
	m.mu.Unlock()

	if m.collectors != nil {
		m.collectors.QueueLength.Set(float64(stats.QueueLength))
		if stats.BackpressureOn {
			m.collectors.BackpressureActive.Set(1)
		} else {
			m.collectors.BackpressureActive.Set(0)
		}
		m.collectors.ProcessingLatency.WithLabelValues("p95").Observe(float64(stats.P95Latency.Milliseconds()))
		m.collectors.ProcessingLatency.WithLabelValues("p99").Observe(float64(stats.P99Latency.Milliseconds()))
		for id, status := range channelStatuses {
			m.collectors.ChannelHealth.WithLabelValues(id).Set(metrics.HealthValue(string(status.Health)))
		}
	}

	m.checkThresholds(stats, channelStatuses)
}

// Throughput returns the rolling messages/sec rate over the last 30s window.
func (m *Monitor) Throughput() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.throughput) == 0 {
		return 0
	}
	var total int64
	span := time.Since(m.throughput[0].at).Seconds()
	for _, s := range m.throughput {
		total += s.count
	}
	if span < 1 {
		span = 1
	}
	return float64(total) / span
}

func (m *Monitor) checkThresholds(stats manager.Stats, channelStatuses map[string]channel.Status) {
	var errorRate float64
	if stats.TotalProcessed > 0 {
		errorRate = float64(stats.TotalErrors) / float64(stats.TotalProcessed)
	}
	if errorRate > m.cfg.AlertThresholds.ErrorRate {
		m.raiseAlert("error-rate", SeverityCritical, "manager",
			"record error rate exceeds threshold", map[string]any{"errorRate": errorRate})
	} else {
		m.resolveAlert("error-rate")
	}

	if stats.QueueLength >= m.cfg.AlertThresholds.QueueSize {
		m.raiseAlert("queue-size", SeverityWarning, "manager",
			"ingress queue length exceeds threshold", map[string]any{"queueLength": stats.QueueLength})
	} else {
		m.resolveAlert("queue-size")
	}

	if !stats.BackpressureOn {
		m.resolveAlert("backpressure")
	}

	if stats.P95Latency.Milliseconds() > m.cfg.AlertThresholds.LatencyMillis {
		m.raiseAlert("latency", SeverityWarning, "manager",
			"p95 processing latency exceeds threshold", map[string]any{"p95Ms": stats.P95Latency.Milliseconds()})
	} else {
		m.resolveAlert("latency")
	}

	for id, status := range channelStatuses {
		if status.Errors >= m.cfg.AlertThresholds.ChannelErrors {
			m.raiseAlert("channel-errors:"+id, SeverityCritical, id,
				"channel error count exceeds threshold", map[string]any{"errors": status.Errors})
		} else {
			m.resolveAlert("channel-errors:" + id)
		}
		if status.Health == breaker.HealthUnhealthy {
			m.raiseAlert("channel-unhealthy:"+id, SeverityCritical, id, "channel is unhealthy", nil)
		} else {
			m.resolveAlert("channel-unhealthy:" + id)
		}
	}
}

func (m *Monitor) raiseAlert(id string, sev Severity, component, message string, details map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	a, exists := m.alerts[id]
	if !exists || a.Resolved {
		a = &Alert{ID: id, Severity: sev, Component: component, Message: message, Details: details, CreatedAt: now}
		m.alerts[id] = a
		m.bus.Publish(events.Event{Topic: events.TopicAlertRaised, Data: *a})
		log.Warn().Str("alert", id).Str("severity", string(sev)).Msg(message)
	}
	a.lastTriggered = now
}

// alertCooldown is how long a condition must remain clear before its alert
// auto-resolves (SPEC_FULL §4.6).
const alertCooldown = 60 * time.Second

func (m *Monitor) resolveAlert(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.Resolved {
		return
	}
	if time.Since(a.lastTriggered) < alertCooldown {
		return
	}
	a.Resolved = true
	a.ResolvedAt = time.Now()
	m.bus.Publish(events.Event{Topic: events.TopicAlertResolved, Data: *a})
}

// Alerts returns a snapshot of every alert the monitor currently tracks.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	return out
}

// Score computes the composite 0-100 performance score as a weighted blend
// of throughput, p95 latency, queue utilization, and success rate
// (SPEC_FULL §4.6). Each component is normalized to [0,1] before blending.
func (m *Monitor) Score(stats manager.Stats, maxQueueSize int) float64 {
	successRate := 1.0
	if stats.TotalProcessed > 0 {
		successRate = float64(stats.TotalProcessed-stats.TotalErrors) / float64(stats.TotalProcessed)
	}

	queueUtil := 0.0
	if maxQueueSize > 0 {
		queueUtil = float64(stats.QueueLength) / float64(maxQueueSize)
	}
	queueScore := clamp01(1 - queueUtil)

	latencyScore := clamp01(1 - float64(stats.P95Latency.Milliseconds())/float64(m.cfg.AlertThresholds.LatencyMillis))

	throughputScore := clamp01(m.Throughput() / 1000) // normalized against a nominal 1000 msg/s target

	const (
		wThroughput = 0.25
		wLatency    = 0.25
		wQueue      = 0.2
		wSuccess    = 0.3
	)
	blend := wThroughput*throughputScore + wLatency*latencyScore + wQueue*queueScore + wSuccess*successRate
	return clamp01(blend) * 100
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
