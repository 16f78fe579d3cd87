// Package router implements the priority-ordered routing rule table
// (SPEC_FULL §4.3): evaluate conditions, dedup targets by channel keeping the
// highest-priority rule's transform, deliver concurrently with all-settled
// semantics.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/cryptorun/internal/channel"
	"github.com/sawpanic/cryptorun/internal/events"
	"github.com/sawpanic/cryptorun/internal/marketdata"
)

// Condition evaluates whether a rule applies to rec. A panic inside a
// condition is recovered by Route and counted as a RoutingError.
type Condition func(rec *marketdata.MarketData) bool

// Transform optionally rewrites a record before delivery to a rule's targets.
type Transform func(rec *marketdata.MarketData) *marketdata.MarketData

// Rule is a priority-ordered predicate mapping records to channels, with an
// optional transform (SPEC_FULL §3).
type Rule struct {
	Name           string
	Priority       int
	Enabled        bool
	Condition      Condition
	TargetChannels []string
	Transform      Transform

	seq int // insertion order, used for tie-break at equal priority
}

// RoutingError reports a condition evaluator failure; that rule is skipped
// for the current record (SPEC_FULL §7).
type RoutingError struct {
	Rule  string
	Cause error
}

func (e *RoutingError) Error() string { return fmt.Sprintf("routing rule %q: %v", e.Rule, e.Cause) }
func (e *RoutingError) Unwrap() error { return e.Cause }

// ChannelErrorEvent is published on events.TopicChannelError.
type ChannelErrorEvent struct {
	ChannelID string
	Err       error
}

// DeliveryOutcome reports one channel's delivery result for a routed record.
type DeliveryOutcome struct {
	ChannelID string
	Result    channel.Result
	Err       error
}

// RouteResult is the outcome of a single Route call.
type RouteResult struct {
	MatchedRules int
	Outcomes     []DeliveryOutcome
	RuleErrors   []error
	// AllFailed is true iff every targeted channel delivery failed — the
	// only case Route propagates an error for (SPEC_FULL §4.3 item 4).
	AllFailed bool
}

// Router holds rules and the channel registry they target.
type Router struct {
	mu    sync.RWMutex
	rules []*Rule
	seq   int

	channels map[string]channel.Channel
	bus      *events.Bus

	routerErrors  int64
	channelErrors map[string]int64
	errMu         sync.Mutex
}

// New constructs an empty Router publishing lifecycle events on bus (nil is
// allowed; events are then simply not published).
func New(bus *events.Bus) *Router {
	return &Router{
		channels:      make(map[string]channel.Channel),
		channelErrors: make(map[string]int64),
		bus:           bus,
	}
}

// AddRule inserts rule, keeping the rule table priority-descending with
// insertion-order tie-break (SPEC_FULL §4.3).
func (r *Router) AddRule(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule.seq = r.seq
	r.seq++
	rules := append(r.rules, &rule)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].seq < rules[j].seq
	})
	r.rules = rules
}

// RemoveRule deletes the rule with the given name, if present.
func (r *Router) RemoveRule(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.rules[:0]
	for _, rule := range r.rules {
		if rule.Name != name {
			out = append(out, rule)
		}
	}
	r.rules = out
}

// RegisterChannel adds or replaces a channel in the registry.
func (r *Router) RegisterChannel(ch channel.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ID()] = ch
}

// UnregisterChannel removes a channel from the registry by id.
func (r *Router) UnregisterChannel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, id)
}

// snapshot is the read-locked view Route operates on, giving mutation calls
// a brief exclusive window (SPEC_FULL §5's reader-preferring lock).
type snapshot struct {
	rules    []*Rule
	channels map[string]channel.Channel
}

func (r *Router) snapshot() snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules := append([]*Rule(nil), r.rules...)
	chans := make(map[string]channel.Channel, len(r.channels))
	for k, v := range r.channels {
		chans[k] = v
	}
	return snapshot{rules: rules, channels: chans}
}

type target struct {
	channelID string
	record    *marketdata.MarketData
	rulePrio  int
	ruleSeq   int
	ruleName  string
}

// Route evaluates every enabled rule in priority order, builds the
// deduplicated (channel, effective record) set, and delivers concurrently
// with all-settled semantics.
func (r *Router) Route(ctx context.Context, rec *marketdata.MarketData) RouteResult {
	snap := r.snapshot()

	targets := make(map[string]target)
	matched := 0

	for _, rule := range snap.rules {
		if !rule.Enabled {
			continue
		}
		matches, err := evalCondition(rule, rec)
		if err != nil {
			r.countRouterError()
			log.Debug().Str("rule", rule.Name).Err(err).Msg("routing condition panicked, skipping rule")
			continue
		}
		if !matches {
			continue
		}
		matched++

		effective := rec
		if rule.Transform != nil {
			effective = rule.Transform(rec.Clone())
		}

		for _, chID := range rule.TargetChannels {
			existing, ok := targets[chID]
			// Dedup on channelId, keeping the first (highest-priority) rule's
			// transform — rules are already priority/insertion ordered, so the
			// first writer here wins (SPEC_FULL §4.3 item 2, §9 Open Question 2).
			if ok && (existing.rulePrio > rule.Priority ||
				(existing.rulePrio == rule.Priority && existing.ruleSeq < rule.seq)) {
				continue
			}
			targets[chID] = target{
				channelID: chID, record: effective,
				rulePrio: rule.Priority, ruleSeq: rule.seq, ruleName: rule.Name,
			}
		}
	}

	if matched == 0 || len(targets) == 0 {
		log.Debug().Str("exchange", rec.Exchange).Str("symbol", rec.Symbol).Msg("route: empty match set, no-op")
		return RouteResult{MatchedRules: matched}
	}

	outcomes := r.deliverAll(ctx, snap.channels, targets)

	allFailed := true
	for _, o := range outcomes {
		if o.Err == nil {
			allFailed = false
			break
		}
	}

	return RouteResult{MatchedRules: matched, Outcomes: outcomes, AllFailed: allFailed}
}

func evalCondition(rule *Rule, rec *marketdata.MarketData) (matched bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &RoutingError{Rule: rule.Name, Cause: fmt.Errorf("panic: %v", p)}
		}
	}()
	if rule.Condition == nil {
		return false, nil
	}
	return rule.Condition(rec), nil
}

func (r *Router) deliverAll(ctx context.Context, channels map[string]channel.Channel, targets map[string]target) []DeliveryOutcome {
	type job struct {
		ch     channel.Channel
		target target
	}
	var jobs []job
	for chID, t := range targets {
		ch, ok := channels[chID]
		if !ok {
			continue
		}
		jobs = append(jobs, job{ch: ch, target: t})
	}

	outcomes := make([]DeliveryOutcome, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			res, err := j.ch.Deliver(ctx, j.target.record, channel.DeliverMeta{RuleName: j.target.ruleName})
			outcomes[i] = DeliveryOutcome{ChannelID: j.ch.ID(), Result: res, Err: err}
			if err != nil {
				r.countChannelError(j.ch.ID())
				if r.bus != nil {
					r.bus.Publish(events.Event{Topic: events.TopicChannelError, Data: ChannelErrorEvent{ChannelID: j.ch.ID(), Err: err}})
				}
			}
		}(i, j)
	}
	wg.Wait()
	return outcomes
}

func (r *Router) countRouterError() {
	r.errMu.Lock()
	r.routerErrors++
	r.errMu.Unlock()
}

func (r *Router) countChannelError(id string) {
	r.errMu.Lock()
	r.channelErrors[id]++
	r.errMu.Unlock()
}

// Stats is a snapshot of router-level error counters.
type Stats struct {
	RouterErrors  int64
	ChannelErrors map[string]int64
}

// Stats returns a snapshot of router error counters.
func (r *Router) Stats() Stats {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	ce := make(map[string]int64, len(r.channelErrors))
	for k, v := range r.channelErrors {
		ce[k] = v
	}
	return Stats{RouterErrors: r.routerErrors, ChannelErrors: ce}
}
