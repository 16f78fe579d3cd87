// Package normalize validates and canonicalizes raw exchange messages into
// marketdata.MarketData records, per SPEC_FULL §4.1. It is stateless and
// safe for parallel invocation.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/cryptorun/internal/marketdata"
)

// ClockSkew bounds how far ReceivedAt may precede Timestamp (SPEC_FULL §3).
const ClockSkew = 2 * time.Second

// PlausibilityPast is how far in the past a timestamp may be (now - 24h).
const PlausibilityPast = 24 * time.Hour

// PlausibilityFuture is how far in the future a timestamp may be (now + 60s).
const PlausibilityFuture = 60 * time.Second

// RawMessage is the exchange-agnostic shape an adapter hands to Normalize.
// Numeric fields travel as decimal strings so precision is never lost before
// it reaches the decimal parser.
type RawMessage struct {
	Exchange   string
	Symbol     string
	StreamType string // e.g. "trade", "ticker", "depth", "kline_1m", "aggTrade"
	Timestamp  int64
	ReceivedAt int64

	Price    string
	Quantity string
	Side     string
	TradeID  string

	Bid  string
	Ask  string
	Last string

	Bids [][2]string // [price, quantity]
	Asks [][2]string

	Open, High, Low, Close, Volume string

	Source string
}

// Normalize projects a RawMessage into a canonical MarketData record.
func Normalize(raw RawMessage) (*marketdata.MarketData, error) {
	kind, interval, err := deriveKind(raw.StreamType)
	if err != nil {
		return nil, err
	}

	if raw.Exchange == "" {
		return nil, &marketdata.ValidationError{Field: "exchange", Expected: "non-empty", Actual: "empty"}
	}
	if raw.Symbol == "" {
		return nil, &marketdata.ValidationError{Field: "symbol", Expected: "non-empty", Actual: "empty"}
	}

	rec := &marketdata.MarketData{
		Exchange:   raw.Exchange,
		Symbol:     strings.ToUpper(raw.Symbol),
		Type:       kind,
		Interval:   interval,
		Timestamp:  raw.Timestamp,
		ReceivedAt: raw.ReceivedAt,
		Metadata:   map[string]marketdata.MetaValue{},
	}
	if raw.Source != "" {
		rec.SetMeta("source", marketdata.MetaStr(raw.Source))
	}

	if err := validateTimes(rec); err != nil {
		return nil, err
	}

	switch kind {
	case marketdata.KindTrade, marketdata.KindAggTrade:
		if err := fillTrade(rec, raw); err != nil {
			return nil, err
		}
	case marketdata.KindTicker:
		if err := fillTicker(rec, raw); err != nil {
			return nil, err
		}
	case marketdata.KindDepth:
		if err := fillDepth(rec, raw); err != nil {
			return nil, err
		}
	case marketdata.KindKline:
		if err := fillKline(rec, raw); err != nil {
			return nil, err
		}
	}

	return rec, nil
}

func deriveKind(streamType string) (marketdata.Kind, marketdata.Interval, error) {
	switch {
	case streamType == string(marketdata.KindTrade):
		return marketdata.KindTrade, "", nil
	case streamType == string(marketdata.KindTicker):
		return marketdata.KindTicker, "", nil
	case streamType == string(marketdata.KindDepth):
		return marketdata.KindDepth, "", nil
	case streamType == string(marketdata.KindAggTrade):
		return marketdata.KindAggTrade, "", nil
	case strings.HasPrefix(streamType, "kline_"):
		suffix := strings.TrimPrefix(streamType, "kline_")
		interval, ok := marketdata.SupportedIntervals[suffix]
		if !ok {
			return "", "", &marketdata.ValidationError{
				Field: "type", Expected: "supported kline interval", Actual: streamType,
			}
		}
		return marketdata.KindKline, interval, nil
	default:
		return "", "", &marketdata.ValidationError{Field: "type", Expected: "known stream type", Actual: streamType}
	}
}

func validateTimes(rec *marketdata.MarketData) error {
	if rec.Timestamp <= 0 {
		return &marketdata.ValidationError{Field: "timestamp", Expected: "> 0", Actual: fmt.Sprintf("%d", rec.Timestamp)}
	}
	skewFloor := rec.Timestamp - ClockSkew.Milliseconds()
	if rec.ReceivedAt < skewFloor {
		return &marketdata.ValidationError{
			Field: "receivedAt", Expected: fmt.Sprintf(">= %d", skewFloor), Actual: fmt.Sprintf("%d", rec.ReceivedAt),
		}
	}

	now := marketdata.NowMillis()
	past := now - PlausibilityPast.Milliseconds()
	future := now + PlausibilityFuture.Milliseconds()
	if rec.Timestamp < past || rec.Timestamp > future {
		return &marketdata.ValidationError{
			Field: "timestamp", Expected: fmt.Sprintf("within [%d, %d]", past, future), Actual: fmt.Sprintf("%d", rec.Timestamp),
		}
	}
	return nil
}

func fillTrade(rec *marketdata.MarketData, raw RawMessage) error {
	price, err := marketdata.ParseDecimalField("price", raw.Price, false)
	if err != nil {
		return err
	}
	qty, err := marketdata.ParseDecimalField("quantity", raw.Quantity, false)
	if err != nil {
		return err
	}
	rec.Trade = &marketdata.TradeData{Price: price, Quantity: qty, Side: raw.Side, TradeID: raw.TradeID}
	return nil
}

func fillTicker(rec *marketdata.MarketData, raw RawMessage) error {
	bid, err := marketdata.ParseDecimalField("bid", raw.Bid, false)
	if err != nil {
		return err
	}
	ask, err := marketdata.ParseDecimalField("ask", raw.Ask, false)
	if err != nil {
		return err
	}
	var last, volume decimal.Decimal
	if raw.Last != "" {
		last, err = marketdata.ParseDecimalField("last", raw.Last, false)
		if err != nil {
			return err
		}
	}
	if raw.Volume != "" {
		volume, err = marketdata.ParseDecimalField("volume", raw.Volume, false)
		if err != nil {
			return err
		}
	}
	if !bid.LessThan(ask) {
		return &marketdata.ValidationError{Field: "bid/ask", Expected: "bid < ask", Actual: fmt.Sprintf("%s >= %s", bid, ask)}
	}
	rec.Ticker = &marketdata.TickerData{Bid: bid, Ask: ask, Last: last, Volume: volume}
	return nil
}

func fillDepth(rec *marketdata.MarketData, raw RawMessage) error {
	bids, err := parseLevels("bids", raw.Bids)
	if err != nil {
		return err
	}
	asks, err := parseLevels("asks", raw.Asks)
	if err != nil {
		return err
	}
	depth := &marketdata.DepthData{Bids: bids, Asks: asks}
	depth.SortDepth()
	rec.Depth = depth
	return nil
}

func parseLevels(field string, raw [][2]string) ([]marketdata.DepthLevel, error) {
	levels := make([]marketdata.DepthLevel, 0, len(raw))
	for i, lvl := range raw {
		price, err := marketdata.ParseDecimalField(fmt.Sprintf("%s[%d].price", field, i), lvl[0], false)
		if err != nil {
			return nil, err
		}
		qty, err := marketdata.ParseDecimalField(fmt.Sprintf("%s[%d].quantity", field, i), lvl[1], false)
		if err != nil {
			return nil, err
		}
		levels = append(levels, marketdata.DepthLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func fillKline(rec *marketdata.MarketData, raw RawMessage) error {
	open, err := marketdata.ParseDecimalField("open", raw.Open, false)
	if err != nil {
		return err
	}
	high, err := marketdata.ParseDecimalField("high", raw.High, false)
	if err != nil {
		return err
	}
	low, err := marketdata.ParseDecimalField("low", raw.Low, false)
	if err != nil {
		return err
	}
	cls, err := marketdata.ParseDecimalField("close", raw.Close, false)
	if err != nil {
		return err
	}
	volume, err := marketdata.ParseDecimalField("volume", raw.Volume, false)
	if err != nil {
		return err
	}

	minOC := decimal.Min(open, cls)
	maxOC := decimal.Max(open, cls)
	if !(low.LessThanOrEqual(minOC) && minOC.LessThanOrEqual(maxOC) && maxOC.LessThanOrEqual(high)) {
		return &marketdata.ValidationError{
			Field:    "kline",
			Expected: "low <= min(open,close) <= max(open,close) <= high",
			Actual:   fmt.Sprintf("low=%s open=%s close=%s high=%s", low, open, cls, high),
		}
	}

	rec.Kline = &marketdata.KlineData{Open: open, High: high, Low: low, Close: cls, Volume: volume}
	return nil
}

// ValidationResult is the return shape of Validate.
type ValidationResult struct {
	OK     bool
	Errors []error
}

// Validate re-checks an already-built record's invariants, independent of
// Normalize, so callers can validate records built elsewhere (idempotence
// property S5 relies on this agreeing with Normalize's own checks).
func Validate(rec *marketdata.MarketData) ValidationResult {
	var errs []error
	if rec.Exchange == "" {
		errs = append(errs, &marketdata.ValidationError{Field: "exchange", Expected: "non-empty", Actual: "empty"})
	}
	if rec.Symbol == "" {
		errs = append(errs, &marketdata.ValidationError{Field: "symbol", Expected: "non-empty", Actual: "empty"})
	}
	if rec.Type == "" {
		errs = append(errs, &marketdata.ValidationError{Field: "type", Expected: "non-empty", Actual: "empty"})
	}
	if err := validateTimes(rec); err != nil {
		errs = append(errs, err)
	}
	switch rec.Type {
	case marketdata.KindTrade, marketdata.KindAggTrade:
		if rec.Trade == nil {
			errs = append(errs, &marketdata.ValidationError{Field: "trade", Expected: "present", Actual: "nil"})
		} else if rec.Trade.Price.IsNegative() {
			errs = append(errs, &marketdata.ValidationError{Field: "price", Expected: "non-negative", Actual: rec.Trade.Price.String()})
		}
	case marketdata.KindTicker:
		if rec.Ticker == nil {
			errs = append(errs, &marketdata.ValidationError{Field: "ticker", Expected: "present", Actual: "nil"})
		} else if !rec.Ticker.Bid.LessThan(rec.Ticker.Ask) {
			errs = append(errs, &marketdata.ValidationError{Field: "bid/ask", Expected: "bid < ask", Actual: "bid >= ask"})
		}
	case marketdata.KindDepth:
		if rec.Depth == nil {
			errs = append(errs, &marketdata.ValidationError{Field: "depth", Expected: "present", Actual: "nil"})
		}
	case marketdata.KindKline:
		if rec.Kline == nil {
			errs = append(errs, &marketdata.ValidationError{Field: "kline", Expected: "present", Actual: "nil"})
		}
	}
	return ValidationResult{OK: len(errs) == 0, Errors: errs}
}
