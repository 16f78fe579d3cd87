package channel

import (
	"context"

	"github.com/sawpanic/cryptorun/internal/breaker"
	"github.com/sawpanic/cryptorun/internal/marketdata"
	"github.com/sawpanic/cryptorun/internal/ringcache"
)

// CacheChannel writes records to a last-writer-wins cache, key
// {exchange}:{symbol}:{type} (SPEC_FULL §4.4).
type CacheChannel struct {
	*base
	store *ringcache.Cache
}

// NewCacheChannel constructs a cache output channel backed by store.
func NewCacheChannel(id, name string, store *ringcache.Cache) *CacheChannel {
	return &CacheChannel{base: newBase(id, name, TypeCache, breaker.DefaultConfig()), store: store}
}

func (c *CacheChannel) Deliver(ctx context.Context, rec *marketdata.MarketData, _ DeliverMeta) (Result, error) {
	return c.guard(ctx, func(context.Context) (int, error) {
		c.store.Set(rec.CacheKey(), rec)
		return 1, nil
	})
}

func (c *CacheChannel) Close(ctx context.Context) error {
	c.markClosed()
	return nil
}

func (c *CacheChannel) Status() Status { return c.status() }
