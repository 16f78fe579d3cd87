package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sawpanic/cryptorun/internal/breaker"
	"github.com/sawpanic/cryptorun/internal/marketdata"
	"github.com/sawpanic/cryptorun/internal/pubsubclient"
)

// DataMessage is the JSON shape published for a record (SPEC_FULL §6).
type DataMessage struct {
	Type      string         `json:"type"`
	Exchange  string         `json:"exchange"`
	Symbol    string         `json:"symbol"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata"`
}

// PubSubChannel publishes records to a deterministically-named topic via a
// pubsubclient.Publisher.
type PubSubChannel struct {
	*base
	prefix            string
	publisher         pubsubclient.Publisher
	processingVersion string
}

// NewPubSubChannel constructs a pub/sub output channel.
func NewPubSubChannel(id, name, prefix string, publisher pubsubclient.Publisher, processingVersion string) *PubSubChannel {
	return &PubSubChannel{
		base:              newBase(id, name, TypePubSub, breaker.DefaultConfig()),
		prefix:            prefix,
		publisher:         publisher,
		processingVersion: processingVersion,
	}
}

// TopicFor computes {prefix}.{exchange}.{normalized-type}, lowercased
// segments, per SPEC_FULL §6.
func (c *PubSubChannel) TopicFor(rec *marketdata.MarketData) string {
	return fmt.Sprintf("%s.%s.%s",
		strings.ToLower(c.prefix),
		strings.ToLower(rec.Exchange),
		strings.ToLower(rec.NormalizedType()))
}

func (c *PubSubChannel) Deliver(ctx context.Context, rec *marketdata.MarketData, meta DeliverMeta) (Result, error) {
	return c.guard(ctx, func(ctx context.Context) (int, error) {
		payload, err := json.Marshal(toDataMessage(rec))
		if err != nil {
			return 0, &PermanentError{Cause: fmt.Errorf("marshal record: %w", err)}
		}

		attrs := map[string]string{
			"exchange":          rec.Exchange,
			"symbol":            rec.Symbol,
			"type":              rec.NormalizedType(),
			"timestamp":         fmt.Sprintf("%d", rec.Timestamp),
			"source":            meta.Source,
			"channelId":         c.ID(),
			"processingVersion": c.processingVersion,
		}

		if err := c.publisher.Publish(ctx, c.TopicFor(rec), payload, attrs); err != nil {
			return 0, err
		}
		return 1, nil
	})
}

func (c *PubSubChannel) Close(ctx context.Context) error {
	c.markClosed()
	return c.publisher.Close()
}

func (c *PubSubChannel) Status() Status { return c.status() }

func toDataMessage(rec *marketdata.MarketData) DataMessage {
	data := map[string]any{}
	switch rec.Type {
	case marketdata.KindTrade, marketdata.KindAggTrade:
		if rec.Trade != nil {
			data["price"] = rec.Trade.Price.String()
			data["quantity"] = rec.Trade.Quantity.String()
			data["side"] = rec.Trade.Side
		}
	case marketdata.KindTicker:
		if rec.Ticker != nil {
			data["bid"] = rec.Ticker.Bid.String()
			data["ask"] = rec.Ticker.Ask.String()
			data["last"] = rec.Ticker.Last.String()
		}
	case marketdata.KindDepth:
		if rec.Depth != nil {
			data["bids"] = levelsToAny(rec.Depth.Bids)
			data["asks"] = levelsToAny(rec.Depth.Asks)
		}
	case marketdata.KindKline:
		if rec.Kline != nil {
			data["open"] = rec.Kline.Open.String()
			data["high"] = rec.Kline.High.String()
			data["low"] = rec.Kline.Low.String()
			data["close"] = rec.Kline.Close.String()
			data["volume"] = rec.Kline.Volume.String()
		}
	}

	meta := make(map[string]any, len(rec.Metadata))
	for k, v := range rec.Metadata {
		meta[k] = v.Coerce()
	}

	return DataMessage{
		Type:      rec.NormalizedType(),
		Exchange:  rec.Exchange,
		Symbol:    rec.Symbol,
		Timestamp: rec.Timestamp,
		Data:      data,
		Metadata:  meta,
	}
}

func levelsToAny(levels []marketdata.DepthLevel) []map[string]string {
	out := make([]map[string]string, len(levels))
	for i, l := range levels {
		out[i] = map[string]string{"price": l.Price.String(), "quantity": l.Quantity.String()}
	}
	return out
}
