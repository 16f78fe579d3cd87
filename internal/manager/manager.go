// Package manager implements the DataFlow Manager (SPEC_FULL §4.5): the
// engine's entry point, owning the ingress queue, the backpressure policy,
// and the processing loop that dispatches each record through the
// transformer chain and the router.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/cryptorun/internal/channel"
	"github.com/sawpanic/cryptorun/internal/config"
	"github.com/sawpanic/cryptorun/internal/events"
	"github.com/sawpanic/cryptorun/internal/marketdata"
	"github.com/sawpanic/cryptorun/internal/normalize"
	"github.com/sawpanic/cryptorun/internal/router"
	"github.com/sawpanic/cryptorun/internal/transform"
)

// BackpressureFunc is an optional callback adapters register to observe
// backpressure transitions and throttle upstream subscriptions (SPEC_FULL §6).
type BackpressureFunc func(active bool, queueLen int)

// Stats is a point-in-time snapshot of manager counters (SPEC_FULL §4.5).
type Stats struct {
	TotalProcessed int64
	TotalSent      int64
	TotalErrors    int64
	TotalDropped   int64
	QueueLength    int
	BackpressureOn bool
	AvgLatency     time.Duration
	P95Latency     time.Duration
	P99Latency     time.Duration
}

// Manager is the DataFlow engine entry point.
type Manager struct {
	cfg   config.Config
	bus   *events.Bus
	chain *transform.Chain
	route *router.Router

	queue   *ingressQueue
	latency *latencyWindow

	channelsMu sync.Mutex
	channels   map[string]channel.Channel

	backpressureActive atomic.Bool
	onBackpressure     BackpressureFunc

	totalProcessed atomic.Int64
	totalSent      atomic.Int64
	totalErrors    atomic.Int64
	totalDropped   atomic.Int64

	started atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	loopDone chan struct{}
}

// New constructs a Manager wired to bus for lifecycle events. Use
// RegisterChannel/AddRoutingRule/RegisterTransformer before Start.
func New(cfg config.Config, bus *events.Bus) *Manager {
	if bus == nil {
		bus = events.NewBus()
	}
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		chain:    transform.NewChain(transform.EnrichTransformer{}, transform.NewCompressTransformer()),
		route:    router.New(bus),
		queue:    newIngressQueue(cfg.Ingress.MaxQueueSize),
		latency:  newLatencyWindow(),
		channels: make(map[string]channel.Channel),
		loopDone: make(chan struct{}),
	}
}

// SetBackpressureCallback registers the optional adapter-facing callback
// (SPEC_FULL §6).
func (m *Manager) SetBackpressureCallback(fn BackpressureFunc) { m.onBackpressure = fn }

// RegisterChannel adds ch to both the manager's owned registry (for
// lifecycle Close on Stop) and the router's delivery registry.
func (m *Manager) RegisterChannel(ch channel.Channel) {
	m.channelsMu.Lock()
	m.channels[ch.ID()] = ch
	m.channelsMu.Unlock()
	m.route.RegisterChannel(ch)
}

// UnregisterChannel removes a channel from both registries.
func (m *Manager) UnregisterChannel(id string) {
	m.channelsMu.Lock()
	delete(m.channels, id)
	m.channelsMu.Unlock()
	m.route.UnregisterChannel(id)
}

// AddRoutingRule installs rule into the router's priority table.
func (m *Manager) AddRoutingRule(rule router.Rule) { m.route.AddRule(rule) }

// RemoveRoutingRule deletes the named rule from the router.
func (m *Manager) RemoveRoutingRule(name string) { m.route.RemoveRule(name) }

// RegisterTransformer appends t to the transformer chain.
func (m *Manager) RegisterTransformer(t transform.Transformer) { m.chain.Register(t) }

// Submit is a non-blocking enqueue onto the bounded ingress queue. Once the
// queue is at capacity, the oldest queued item is evicted and counted as
// dropped (SPEC_FULL §4.5).
func (m *Manager) Submit(rec *marketdata.MarketData, source string) {
	if m.stopping.Load() {
		return
	}
	dropped, evicted := m.queue.push(queueItem{rec: rec, source: source, enqueuedAt: time.Now()})
	if evicted {
		m.totalDropped.Add(1)
		m.bus.Publish(events.Event{Topic: events.TopicBackpressureDrop, Data: dropped.rec})
	}

	qlen := m.queue.len()
	if qlen >= m.cfg.Ingress.BackpressureThreshold && m.backpressureActive.CompareAndSwap(false, true) {
		m.bus.Publish(events.Event{Topic: events.TopicBackpressureActivated, Data: qlen})
		if m.onBackpressure != nil {
			m.onBackpressure(true, qlen)
		}
	}
}

// Start launches the processing loop. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.loop(ctx)
}

// Stop signals the processing loop to drain the queue and halt, then closes
// every registered channel. Idempotent; blocks until the loop has exited.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		m.stopping.Store(true)
		if m.started.Load() {
			<-m.loopDone
		}
		m.channelsMu.Lock()
		chans := make([]channel.Channel, 0, len(m.channels))
		for _, ch := range m.channels {
			chans = append(chans, ch)
		}
		m.channelsMu.Unlock()
		for _, ch := range chans {
			if err := ch.Close(ctx); err != nil {
				log.Debug().Str("channel", ch.ID()).Err(err).Msg("channel close failed during shutdown")
			}
		}
	})
}

// ChannelStatuses returns a point-in-time Status for every registered
// channel, keyed by channel ID, for the Monitor's periodic Sample call.
func (m *Manager) ChannelStatuses() map[string]channel.Status {
	m.channelsMu.Lock()
	defer m.channelsMu.Unlock()
	out := make(map[string]channel.Status, len(m.channels))
	for id, ch := range m.channels {
		out[id] = ch.Status()
	}
	return out
}

// Stats returns a snapshot of manager counters and latency statistics.
func (m *Manager) Stats() Stats {
	avg, p95, p99 := m.latency.snapshot()
	return Stats{
		TotalProcessed: m.totalProcessed.Load(),
		TotalSent:      m.totalSent.Load(),
		TotalErrors:    m.totalErrors.Load(),
		TotalDropped:   m.totalDropped.Load(),
		QueueLength:    m.queue.len(),
		BackpressureOn: m.backpressureActive.Load(),
		AvgLatency:     avg,
		P95Latency:     p95,
		P99Latency:     p99,
	}
}

// drainDeadline bounds how long Stop waits for the queue to empty before
// counting remaining items as dropped (SPEC_FULL §5).
const drainDeadline = 5 * time.Second

func (m *Manager) loop(ctx context.Context) {
	defer close(m.loopDone)

	batchSize := 1
	if m.cfg.Batching.Enabled && m.cfg.Batching.BatchSize > 0 {
		batchSize = m.cfg.Batching.BatchSize
	}

	var drainStarted time.Time
	for {
		if m.stopping.Load() {
			if drainStarted.IsZero() {
				drainStarted = time.Now()
			}
			if m.queue.len() == 0 {
				return
			}
			if time.Since(drainStarted) > drainDeadline {
				remaining := m.queue.popUpTo(1 << 30)
				m.totalDropped.Add(int64(len(remaining)))
				return
			}
		}

		// Hysteresis deactivation check happens at the start of each cycle.
		qlen := m.queue.len()
		if m.backpressureActive.Load() {
			if float64(qlen) <= 0.8*float64(m.cfg.Ingress.BackpressureThreshold) {
				if m.backpressureActive.CompareAndSwap(true, false) {
					m.bus.Publish(events.Event{Topic: events.TopicBackpressureDeactivated, Data: qlen})
					if m.onBackpressure != nil {
						m.onBackpressure(false, qlen)
					}
				}
			}
		}

		batch := m.queue.popUpTo(batchSize)
		if len(batch) == 0 {
			if m.stopping.Load() {
				continue
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}

		var wg sync.WaitGroup
		for _, item := range batch {
			wg.Add(1)
			go func(item queueItem) {
				defer wg.Done()
				m.process(ctx, item)
			}(item)
		}
		wg.Wait()
	}
}

func (m *Manager) process(ctx context.Context, item queueItem) {
	start := time.Now()
	defer func() {
		m.totalProcessed.Add(1)
		m.latency.add(time.Since(start))
	}()

	if res := normalize.Validate(item.rec); !res.OK {
		m.totalErrors.Add(1)
		m.bus.Publish(events.Event{Topic: events.TopicRecordError, Data: res.Errors})
		return
	}

	timeout := m.cfg.Ingress.ProcessingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tctx := transform.Context{
		ProcessingVersion: transform.DefaultProcessingVersion,
		Source:            item.source,
	}
	rec, transformErrs := m.chain.Run(dctx, item.rec, tctx)
	for range transformErrs {
		// Transformer errors are counted but never abort the chain
		// (SPEC_FULL §4.2); the last good record still routes.
		m.totalErrors.Add(1)
	}

	if dctx.Err() != nil {
		m.totalErrors.Add(1)
		m.bus.Publish(events.Event{Topic: events.TopicRecordError, Data: dctx.Err()})
		return
	}

	result := m.route.Route(dctx, rec)
	for _, outcome := range result.Outcomes {
		if outcome.Err == nil {
			m.totalSent.Add(1)
		}
	}
	if result.AllFailed && len(result.Outcomes) > 0 {
		m.totalErrors.Add(1)
	}
}
