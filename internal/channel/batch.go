package channel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/cryptorun/internal/breaker"
	"github.com/sawpanic/cryptorun/internal/marketdata"
)

type pendingItem struct {
	rec  *marketdata.MarketData
	meta DeliverMeta
}

// BatchChannel accumulates records for a wrapped channel and flushes on size
// or timeout, delivering the accumulated burst concurrently (SPEC_FULL §4.4).
type BatchChannel struct {
	*base
	wrapped        Channel
	batchSize      int
	flushTimeout   time.Duration
	deliverTimeout time.Duration

	mu      sync.Mutex
	pending []pendingItem
	timer   *time.Timer
}

// NewBatchChannel wraps inner, flushing at batchSize records or flushTimeout
// since the first item in the current batch, whichever comes first.
// deliverTimeout bounds each wrapped delivery within a flush (SPEC_FULL §5).
func NewBatchChannel(id, name string, inner Channel, batchSize int, flushTimeout, deliverTimeout time.Duration) *BatchChannel {
	if batchSize <= 0 {
		batchSize = 20
	}
	if flushTimeout <= 0 {
		flushTimeout = time.Second
	}
	return &BatchChannel{
		base:           newBase(id, name, TypeBatch, breaker.DefaultConfig()),
		wrapped:        inner,
		batchSize:      batchSize,
		flushTimeout:   flushTimeout,
		deliverTimeout: deliverTimeout,
	}
}

// Deliver enqueues rec into the current batch, flushing synchronously if
// this enqueue reaches batchSize.
func (b *BatchChannel) Deliver(ctx context.Context, rec *marketdata.MarketData, meta DeliverMeta) (Result, error) {
	if b.isClosed() {
		return Result{}, ErrClosed
	}

	b.mu.Lock()
	b.pending = append(b.pending, pendingItem{rec: rec, meta: meta})
	full := len(b.pending) >= b.batchSize
	if len(b.pending) == 1 && !full {
		b.timer = time.AfterFunc(b.flushTimeout, func() { b.flush(context.Background()) })
	}
	var batch []pendingItem
	if full {
		batch = b.takeLocked()
	}
	b.mu.Unlock()

	if batch != nil {
		return b.deliverBatch(ctx, batch), nil
	}
	return Result{Delivered: 0}, nil
}

// takeLocked drains pending and stops the flush timer. Caller must hold mu.
func (b *BatchChannel) takeLocked() []pendingItem {
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *BatchChannel) flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	b.deliverBatch(ctx, batch)
}

// deliverBatch fans the batch out to the wrapped channel concurrently,
// counting partial failures individually (SPEC_FULL §4.4).
func (b *BatchChannel) deliverBatch(ctx context.Context, batch []pendingItem) Result {
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0

	for _, item := range batch {
		wg.Add(1)
		go func(item pendingItem) {
			defer wg.Done()
			deliverCtx := ctx
			var cancel context.CancelFunc
			if b.deliverTimeout > 0 {
				deliverCtx, cancel = context.WithTimeout(ctx, b.deliverTimeout)
				defer cancel()
			}
			res, err := b.guard(deliverCtx, func(ctx context.Context) (int, error) {
				r, err := b.wrapped.Deliver(ctx, item.rec, item.meta)
				return r.Delivered, err
			})
			if err != nil {
				log.Debug().Str("channel", b.ID()).Err(err).Msg("batch item delivery failed")
				return
			}
			mu.Lock()
			total += res.Delivered
			mu.Unlock()
		}(item)
	}
	wg.Wait()
	return Result{Delivered: total}
}

// Close flushes any remaining items synchronously before delegating to the
// wrapped channel's Close (SPEC_FULL §4.4, §5).
func (b *BatchChannel) Close(ctx context.Context) error {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.deliverBatch(ctx, batch)
	}
	b.markClosed()
	return b.wrapped.Close(ctx)
}

func (b *BatchChannel) Status() Status { return b.status() }
