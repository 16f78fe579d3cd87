package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/cryptorun/internal/channel"
	"github.com/sawpanic/cryptorun/internal/config"
	"github.com/sawpanic/cryptorun/internal/events"
	"github.com/sawpanic/cryptorun/internal/marketdata"
	"github.com/sawpanic/cryptorun/internal/router"
)

type countingChannel struct {
	id       string
	typ      channel.Type
	delay    time.Duration
	delivers atomic.Int64
}

func (c *countingChannel) ID() string         { return c.id }
func (c *countingChannel) Name() string       { return c.id }
func (c *countingChannel) Type() channel.Type { return c.typ }
func (c *countingChannel) Enabled() bool      { return true }
func (c *countingChannel) Close(context.Context) error { return nil }
func (c *countingChannel) Status() channel.Status      { return channel.Status{} }

func (c *countingChannel) Deliver(ctx context.Context, rec *marketdata.MarketData, meta channel.DeliverMeta) (channel.Result, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.delivers.Add(1)
	return channel.Result{Delivered: 1}, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Ingress.MaxQueueSize = 1000
	cfg.Ingress.BackpressureThreshold = 800
	cfg.Batching.BatchSize = 10
	cfg.Batching.FlushTimeout = 50 * time.Millisecond
	return cfg
}

func tradeRec(symbol string) *marketdata.MarketData {
	return &marketdata.MarketData{
		Exchange: "binance", Symbol: symbol, Type: marketdata.KindTrade,
		Timestamp: marketdata.NowMillis(), ReceivedAt: marketdata.NowMillis(),
		Metadata: map[string]marketdata.MetaValue{},
		Trade:    &marketdata.TradeData{},
	}
}

func tickerRec(symbol string) *marketdata.MarketData {
	rec := tradeRec(symbol)
	rec.Type = marketdata.KindTicker
	rec.Trade = nil
	rec.Ticker = &marketdata.TickerData{}
	return rec
}

// TestManager_FanOut mirrors scenario S1.
func TestManager_FanOut(t *testing.T) {
	m := New(testConfig(), events.NewBus())
	p := &countingChannel{id: "P", typ: channel.TypePubSub}
	c := &countingChannel{id: "C", typ: channel.TypeCache}
	m.RegisterChannel(p)
	m.RegisterChannel(c)
	m.AddRoutingRule(router.Rule{
		Name: "catch-all", Priority: 1, Enabled: true,
		Condition:      func(*marketdata.MarketData) bool { return true },
		TargetChannels: []string{"P", "C"},
	})

	ctx := context.Background()
	m.Start(ctx)
	m.Submit(tradeRec("BTCUSDT"), "test")

	require.Eventually(t, func() bool { return m.Stats().TotalProcessed == 1 }, time.Second, time.Millisecond)
	m.Stop(ctx)

	assert.EqualValues(t, 1, p.delivers.Load())
	assert.EqualValues(t, 1, c.delivers.Load())
	stats := m.Stats()
	assert.EqualValues(t, 2, stats.TotalSent)
	assert.EqualValues(t, 1, stats.TotalProcessed)
}

// TestManager_RoutingByType mirrors scenario S2.
func TestManager_RoutingByType(t *testing.T) {
	m := New(testConfig(), events.NewBus())
	p := &countingChannel{id: "P", typ: channel.TypePubSub}
	c := &countingChannel{id: "C", typ: channel.TypeCache}
	m.RegisterChannel(p)
	m.RegisterChannel(c)
	m.AddRoutingRule(router.Rule{
		Name: "trades", Priority: 5, Enabled: true,
		Condition:      func(rec *marketdata.MarketData) bool { return rec.Type == marketdata.KindTrade },
		TargetChannels: []string{"P"},
	})
	m.AddRoutingRule(router.Rule{
		Name: "tickers", Priority: 5, Enabled: true,
		Condition:      func(rec *marketdata.MarketData) bool { return rec.Type == marketdata.KindTicker },
		TargetChannels: []string{"C"},
	})

	ctx := context.Background()
	m.Start(ctx)
	for i := 0; i < 20; i++ {
		m.Submit(tradeRec("BTCUSDT"), "test")
		m.Submit(tickerRec("ETHUSDT"), "test")
	}

	require.Eventually(t, func() bool { return m.Stats().TotalProcessed == 40 }, 2*time.Second, 2*time.Millisecond)
	m.Stop(ctx)

	assert.EqualValues(t, 20, p.delivers.Load())
	assert.EqualValues(t, 20, c.delivers.Load())
}

// TestManager_Backpressure mirrors scenario S3 at reduced scale so the test
// runs quickly: a slow sole channel and a burst of submits should trigger
// backpressureActivated and leave totalSent+totalDropped == submitted.
func TestManager_Backpressure(t *testing.T) {
	cfg := config.Default()
	cfg.Ingress.MaxQueueSize = 20
	cfg.Ingress.BackpressureThreshold = 16
	cfg.Batching.BatchSize = 5

	bus := events.NewBus()
	var activated atomic.Bool
	bus.Subscribe(events.TopicBackpressureActivated, 4, func(events.Event) { activated.Store(true) })

	m := New(cfg, bus)
	slow := &countingChannel{id: "slow", typ: channel.TypeCustom, delay: 10 * time.Millisecond}
	m.RegisterChannel(slow)
	m.AddRoutingRule(router.Rule{
		Name: "all", Priority: 1, Enabled: true,
		Condition:      func(*marketdata.MarketData) bool { return true },
		TargetChannels: []string{"slow"},
	})

	ctx := context.Background()
	m.Start(ctx)

	const total = 100
	for i := 0; i < total; i++ {
		m.Submit(tradeRec("BTCUSDT"), "test")
	}

	require.Eventually(t, func() bool {
		stats := m.Stats()
		return stats.TotalSent+stats.TotalDropped == total
	}, 5*time.Second, 5*time.Millisecond)
	m.Stop(ctx)

	assert.True(t, activated.Load(), "expected backpressureActivated to fire under sustained overload")
	stats := m.Stats()
	assert.EqualValues(t, total, stats.TotalSent+stats.TotalDropped)
}

// TestManager_InvalidRecordDropped mirrors scenario S5: an invalid record is
// counted as an error and never reaches a channel.
func TestManager_InvalidRecordDropped(t *testing.T) {
	bus := events.NewBus()
	var gotErr atomic.Bool
	bus.Subscribe(events.TopicRecordError, 4, func(events.Event) { gotErr.Store(true) })

	m := New(testConfig(), bus)
	p := &countingChannel{id: "P", typ: channel.TypePubSub}
	m.RegisterChannel(p)
	m.AddRoutingRule(router.Rule{
		Name: "all", Priority: 1, Enabled: true,
		Condition:      func(*marketdata.MarketData) bool { return true },
		TargetChannels: []string{"P"},
	})

	rec := tradeRec("BTCUSDT")
	rec.Timestamp = -1

	ctx := context.Background()
	m.Start(ctx)
	m.Submit(rec, "test")

	require.Eventually(t, func() bool { return m.Stats().TotalProcessed == 1 }, time.Second, time.Millisecond)
	m.Stop(ctx)

	assert.EqualValues(t, 0, p.delivers.Load())
	assert.EqualValues(t, 1, m.Stats().TotalErrors)
	assert.True(t, gotErr.Load())
}

func TestManager_StartStopIdempotent(t *testing.T) {
	m := New(testConfig(), events.NewBus())
	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.Stop(ctx) }()
	go func() { defer wg.Done(); m.Stop(ctx) }()
	wg.Wait()
}
