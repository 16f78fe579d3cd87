// Package marketdata defines the universal record that flows through the
// DataFlow engine: MarketData, its payload kinds, and the metadata tagged
// union carried alongside it.
package marketdata

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Kind enumerates the supported MarketData types. kline_* is represented by
// KindKline plus an Interval field rather than a string suffix, so switches
// stay exhaustive.
type Kind string

const (
	KindTrade    Kind = "trade"
	KindTicker   Kind = "ticker"
	KindDepth    Kind = "depth"
	KindKline    Kind = "kline"
	KindAggTrade Kind = "aggTrade"
)

// Interval is the closed set of supported kline intervals.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// SupportedIntervals is the explicit map the normalizer consults when
// deriving Kind/Interval from an exchange stream name like "kline_1m".
var SupportedIntervals = map[string]Interval{
	"1m": Interval1m, "3m": Interval3m, "5m": Interval5m,
	"15m": Interval15m, "1h": Interval1h, "4h": Interval4h, "1d": Interval1d,
}

// MetaValue is a tagged union for the open metadata map: string | number |
// bool | nested map. Only one field is ever populated; Tag says which.
type MetaValue struct {
	Tag  MetaTag
	Str  string
	Num  float64
	Bool bool
	Map  map[string]MetaValue
}

type MetaTag int

const (
	MetaString MetaTag = iota
	MetaNumber
	MetaBool
	MetaMap
)

func MetaStr(s string) MetaValue                  { return MetaValue{Tag: MetaString, Str: s} }
func MetaNum(n float64) MetaValue                 { return MetaValue{Tag: MetaNumber, Num: n} }
func MetaBoolVal(b bool) MetaValue                { return MetaValue{Tag: MetaBool, Bool: b} }
func MetaNested(m map[string]MetaValue) MetaValue { return MetaValue{Tag: MetaMap, Map: m} }

// Coerce returns the value as an any suitable for JSON or pub/sub attribute
// serialization, per SPEC_FULL §3's "coerce non-string scalars predictably".
func (v MetaValue) Coerce() any {
	switch v.Tag {
	case MetaString:
		return v.Str
	case MetaNumber:
		return v.Num
	case MetaBool:
		return v.Bool
	case MetaMap:
		out := make(map[string]any, len(v.Map))
		for k, nested := range v.Map {
			out[k] = nested.Coerce()
		}
		return out
	default:
		return nil
	}
}

// AsAttribute renders the value as a string, the shape pub/sub message
// attributes require (see SPEC_FULL §6, "all string-typed").
func (v MetaValue) AsAttribute() string {
	switch v.Tag {
	case MetaString:
		return v.Str
	case MetaNumber:
		return fmt.Sprintf("%v", v.Num)
	case MetaBool:
		return fmt.Sprintf("%t", v.Bool)
	default:
		return fmt.Sprintf("%v", v.Coerce())
	}
}

// DepthLevel is one price/quantity rung of an order book side.
type DepthLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// TradeData is the payload for Kind == KindTrade or KindAggTrade.
type TradeData struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Side     string // "buy" | "sell"
	TradeID  string
}

// TickerData is the payload for Kind == KindTicker.
type TickerData struct {
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
	Volume decimal.Decimal
}

// DepthData is the payload for Kind == KindDepth.
type DepthData struct {
	Bids []DepthLevel // sorted desc by price after normalization
	Asks []DepthLevel // sorted asc by price after normalization
}

// KlineData is the payload for Kind == KindKline.
type KlineData struct {
	Open, High, Low, Close, Volume decimal.Decimal
}

// MarketData is the normalized per-event record traversing the pipeline.
type MarketData struct {
	Exchange   string
	Symbol     string
	Type       Kind
	Interval   Interval // non-empty only when Type == KindKline
	Timestamp  int64    // event time, ms since epoch
	ReceivedAt int64    // ingress time, ms since epoch
	Metadata   map[string]MetaValue

	Trade  *TradeData
	Ticker *TickerData
	Depth  *DepthData
	Kline  *KlineData
}

// Clone returns a deep-enough copy so transformers and rule transforms can
// mutate their own view without racing concurrent channel deliveries.
func (m *MarketData) Clone() *MarketData {
	if m == nil {
		return nil
	}
	out := *m
	out.Metadata = make(map[string]MetaValue, len(m.Metadata))
	for k, v := range m.Metadata {
		out.Metadata[k] = v
	}
	if m.Trade != nil {
		t := *m.Trade
		out.Trade = &t
	}
	if m.Ticker != nil {
		t := *m.Ticker
		out.Ticker = &t
	}
	if m.Depth != nil {
		d := &DepthData{
			Bids: append([]DepthLevel(nil), m.Depth.Bids...),
			Asks: append([]DepthLevel(nil), m.Depth.Asks...),
		}
		out.Depth = d
	}
	if m.Kline != nil {
		k := *m.Kline
		out.Kline = &k
	}
	return &out
}

// SetMeta assigns a metadata key, allocating the map on first use.
func (m *MarketData) SetMeta(key string, v MetaValue) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]MetaValue)
	}
	m.Metadata[key] = v
}

// NormalizedType returns the lowercase, pub/sub-topic-safe type segment,
// e.g. "trade" or "kline_1m" (SPEC_FULL §6 pub/sub naming).
func (m *MarketData) NormalizedType() string {
	if m.Type == KindKline && m.Interval != "" {
		return fmt.Sprintf("kline_%s", m.Interval)
	}
	return string(m.Type)
}

// CacheKey returns the {exchange}:{symbol}:{type} cache layout (SPEC_FULL §6).
func (m *MarketData) CacheKey() string {
	return fmt.Sprintf("%s:%s:%s", m.Exchange, m.Symbol, string(m.Type))
}

// SortDepth arranges bids descending and asks ascending by price, the
// invariant required after normalization (SPEC_FULL §3).
func (d *DepthData) SortDepth() {
	sort.SliceStable(d.Bids, func(i, j int) bool { return d.Bids[i].Price.GreaterThan(d.Bids[j].Price) })
	sort.SliceStable(d.Asks, func(i, j int) bool { return d.Asks[i].Price.LessThan(d.Asks[j].Price) })
}

// NowMillis returns the current time in epoch milliseconds, the unit Timestamp and
// ReceivedAt are carried in throughout the pipeline.
func NowMillis() int64 { return time.Now().UnixMilli() }
