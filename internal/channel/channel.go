// Package channel implements the uniform output-channel capability set from
// SPEC_FULL §4.4: deliver, close, report-status. Every implementation wraps
// its delivery attempt in a per-channel circuit breaker (internal/breaker)
// per the §7 error taxonomy.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sawpanic/cryptorun/internal/breaker"
	"github.com/sawpanic/cryptorun/internal/marketdata"
)

// Type enumerates the channel kinds from SPEC_FULL §3.
type Type string

const (
	TypePubSub    Type = "pubsub"
	TypeWebSocket Type = "websocket"
	TypeCache     Type = "cache"
	TypeBatch     Type = "batch"
	TypeCustom    Type = "custom"
)

// DeliverMeta carries per-delivery bookkeeping the router attaches (SPEC_FULL
// §2's "Channel.deliver(record, meta)").
type DeliverMeta struct {
	RuleName string
	Source   string
}

// Result reports the outcome of a single Deliver call.
type Result struct {
	Delivered int // count actually fanned out (meaningful for websocket)
}

// Status is the uniform capability's status report (SPEC_FULL §3).
type Status struct {
	Connected     bool
	MessagesSent  int64
	Errors        int64
	LastActivity  time.Time
	Health        breaker.Health
}

// Channel is the uniform output-channel capability set.
type Channel interface {
	ID() string
	Name() string
	Type() Type
	Enabled() bool
	Deliver(ctx context.Context, rec *marketdata.MarketData, meta DeliverMeta) (Result, error)
	Close(ctx context.Context) error
	Status() Status
}

// DeliveryError categorizes a channel delivery failure as transient or
// permanent (SPEC_FULL §7). Timeout is always transient.
type DeliveryError struct {
	ChannelID string
	Transient bool
	Cause     error
}

func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("channel %q delivery error (%s): %v", e.ChannelID, kind, e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

// ErrClosed is returned by Deliver once Close has completed.
var ErrClosed = fmt.Errorf("channel: closed")

// base provides the shared bookkeeping (counters, breaker, closed flag) every
// concrete channel embeds, mirroring how the teacher's circuit.Breaker
// centralizes state transitions behind one small type.
type base struct {
	id      string
	name    string
	typ     Type
	enabled atomic.Bool

	messagesSent atomic.Int64
	errorCount   atomic.Int64
	lastActivity atomic.Int64 // unix millis

	br     *breaker.Breaker
	mu     sync.Mutex
	closed bool
}

func newBase(id, name string, typ Type, cfg breaker.Config) *base {
	b := &base{id: id, name: name, typ: typ, br: breaker.New(cfg)}
	b.enabled.Store(true)
	return b
}

func (b *base) ID() string   { return b.id }
func (b *base) Name() string { return b.name }
func (b *base) Type() Type   { return b.typ }
func (b *base) Enabled() bool {
	return b.enabled.Load()
}

func (b *base) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *base) markClosed() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *base) recordSuccess(n int) {
	b.messagesSent.Add(int64(n))
	b.lastActivity.Store(time.Now().UnixMilli())
}

func (b *base) recordFailure(transient bool) {
	b.errorCount.Add(1)
	b.lastActivity.Store(time.Now().UnixMilli())
}

func (b *base) status() Status {
	return Status{
		Connected:    !b.isClosed(),
		MessagesSent: b.messagesSent.Load(),
		Errors:       b.errorCount.Load(),
		LastActivity: time.UnixMilli(b.lastActivity.Load()),
		Health:       b.br.Health(),
	}
}

// guard runs fn through the channel's breaker if the channel isn't closed,
// turning a rejected or failed attempt into a categorized DeliveryError.
func (b *base) guard(ctx context.Context, fn func(context.Context) (int, error)) (Result, error) {
	if b.isClosed() {
		return Result{}, ErrClosed
	}

	n, allowed, err := b.br.Execute(func() (int, error) { return fn(ctx) })
	if !allowed {
		return Result{}, &DeliveryError{ChannelID: b.id, Transient: true, Cause: fmt.Errorf("circuit open")}
	}
	if err != nil {
		transient := isTransient(err)
		b.recordFailure(transient)
		return Result{}, &DeliveryError{ChannelID: b.id, Transient: transient, Cause: err}
	}
	b.recordSuccess(n)
	return Result{Delivered: n}, nil
}

func isTransient(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return true // Timeout and anything else unclassified default to transient (SPEC_FULL §7)
}

// PermanentError wraps a cause to force DeliveryError.Transient == false.
type PermanentError struct{ Cause error }

func (e *PermanentError) Error() string { return e.Cause.Error() }
func (e *PermanentError) Unwrap() error { return e.Cause }
