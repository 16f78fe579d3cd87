// Package config is the plain struct tree the DataFlow engine is constructed
// from. Loading it from a file, environment, or flags is explicitly out of
// scope (SPEC_FULL §1 Non-goals) — callers build a Config literal or start
// from Default() and override fields.
package config

import "time"

// Ingress configures the Manager's bounded ingress queue and per-item
// processing timeout (SPEC_FULL §6).
type Ingress struct {
	MaxQueueSize          int
	BackpressureThreshold int
	ProcessingTimeout     time.Duration
}

// Batching configures the Manager's per-cycle batch pull size and the
// Batching wrapper channel's flush cadence (SPEC_FULL §6).
type Batching struct {
	Enabled      bool
	BatchSize    int
	FlushTimeout time.Duration
}

// AlertThresholds configures the Monitor's alert-raising conditions
// (SPEC_FULL §4.6, §6).
type AlertThresholds struct {
	ErrorRate     float64
	QueueSize     int
	LatencyMillis int64
	ChannelErrors int64
}

// Monitoring configures the Monitor's sampling cadence and alert thresholds
// (SPEC_FULL §6).
type Monitoring struct {
	MetricsInterval       time.Duration
	EnableLatencyTracking bool
	AlertThresholds       AlertThresholds
}

// Proxy configures the WebSocket proxy's lifecycle timers and capacity
// (SPEC_FULL §6).
type Proxy struct {
	HeartbeatInterval  time.Duration
	ConnectionTimeout  time.Duration
	MaxConnections     int
	SendBufferSize     int
}

// Config is the top-level recognized option surface the core consumes
// (SPEC_FULL §6).
type Config struct {
	Ingress    Ingress
	Batching   Batching
	Monitoring Monitoring
	Proxy      Proxy
}

// Default returns the documented defaults from SPEC_FULL §6.
func Default() Config {
	return Config{
		Ingress: Ingress{
			MaxQueueSize:          10000,
			BackpressureThreshold: 8000,
			ProcessingTimeout:     5000 * time.Millisecond,
		},
		Batching: Batching{
			Enabled:      true,
			BatchSize:    20,
			FlushTimeout: 1000 * time.Millisecond,
		},
		Monitoring: Monitoring{
			MetricsInterval:       30000 * time.Millisecond,
			EnableLatencyTracking: true,
			AlertThresholds: AlertThresholds{
				ErrorRate:     0.05,
				QueueSize:     8000,
				LatencyMillis: 1000,
				ChannelErrors: 10,
			},
		},
		Proxy: Proxy{
			HeartbeatInterval: 30000 * time.Millisecond,
			ConnectionTimeout: 60000 * time.Millisecond,
			MaxConnections:    1000,
			SendBufferSize:    256,
		},
	}
}
