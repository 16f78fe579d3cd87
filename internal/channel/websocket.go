package channel

import (
	"context"

	"github.com/sawpanic/cryptorun/internal/breaker"
	"github.com/sawpanic/cryptorun/internal/marketdata"
)

// Forwarder is the subset of wsproxy.Proxy this channel needs. Kept as a
// narrow interface here (rather than importing internal/wsproxy directly)
// so channel has no import-cycle dependency on the proxy package.
//
// SPEC_FULL §9 Open Question 1: source shows both WebSocketOutputChannel and
// ProxyWebSocketOutputChannel; this type is the single collapsed channel,
// delegating everything to the proxy it wraps.
type Forwarder interface {
	Forward(ctx context.Context, rec *marketdata.MarketData) (int, error)
}

// WebSocketChannel adapts a Forwarder (the WebSocket proxy) into the uniform
// Channel capability set. MessagesSent increments by the count actually
// fanned out to connected subscribers, not by 1 per call.
type WebSocketChannel struct {
	*base
	proxy Forwarder
}

// NewWebSocketChannel constructs a websocket output channel delegating to proxy.
func NewWebSocketChannel(id, name string, proxy Forwarder) *WebSocketChannel {
	return &WebSocketChannel{base: newBase(id, name, TypeWebSocket, breaker.DefaultConfig()), proxy: proxy}
}

func (c *WebSocketChannel) Deliver(ctx context.Context, rec *marketdata.MarketData, _ DeliverMeta) (Result, error) {
	return c.guard(ctx, func(ctx context.Context) (int, error) {
		return c.proxy.Forward(ctx, rec)
	})
}

func (c *WebSocketChannel) Close(ctx context.Context) error {
	c.markClosed()
	return nil
}

func (c *WebSocketChannel) Status() Status { return c.status() }
