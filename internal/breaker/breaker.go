// Package breaker implements the per-channel circuit breaker SPEC_FULL §7
// requires: consecutive ChannelDeliveryErrors beyond circuitBreakerThreshold
// mark a channel unhealthy and short-circuit further deliveries for a
// cooldown. Wraps github.com/sony/gobreaker, the breaker library the
// teacher's provider layer already anchors on
// (internal/infrastructure/providers/circuitbreakers.go), generalized from
// "provider call" to "channel delivery".
package breaker

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// Health mirrors the channel Status.health enum from SPEC_FULL §3.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Config configures one channel's breaker.
type Config struct {
	// ConsecutiveFailureThreshold: more consecutive failures than this trip
	// the breaker to unhealthy.
	ConsecutiveFailureThreshold uint32
	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration
}

// DefaultConfig matches SPEC_FULL §6's circuitBreakerThreshold default of 10.
func DefaultConfig() Config {
	return Config{ConsecutiveFailureThreshold: 10, Cooldown: 30 * time.Second}
}

// Breaker tracks consecutive channel-delivery failures via a gobreaker
// circuit and layers a "degraded" bit on top of its closed/open/half-open
// states, since gobreaker itself has no notion between healthy and tripped.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	degraded atomic.Bool
}

// New constructs a Breaker with cfg.
func New(cfg Config) *Breaker {
	if cfg.ConsecutiveFailureThreshold == 0 {
		cfg = DefaultConfig()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}

	b := &Breaker{}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "channel",
		Timeout: cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > cfg.ConsecutiveFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateClosed {
				b.degraded.Store(false)
			}
		},
	})
	return b
}

// Execute runs fn if the breaker's current state allows it. allowed is false
// when the circuit rejected the call outright (open, or half-open probe
// slots exhausted) — fn was never invoked in that case.
func (b *Breaker) Execute(fn func() (int, error)) (n int, allowed bool, err error) {
	res, execErr := b.cb.Execute(func() (interface{}, error) {
		delivered, ferr := fn()
		if ferr != nil {
			b.degraded.Store(true)
		}
		return delivered, ferr
	})
	if execErr != nil {
		if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
			return 0, false, execErr
		}
		return 0, true, execErr
	}
	delivered, _ := res.(int)
	return delivered, true, nil
}

// Health reports the channel's current health classification.
func (b *Breaker) Health() Health {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return HealthUnhealthy
	case gobreaker.StateHalfOpen:
		return HealthDegraded
	default:
		if b.degraded.Load() {
			return HealthDegraded
		}
		return HealthHealthy
	}
}
