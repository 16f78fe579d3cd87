// Package wsproxy implements the WebSocket subscription proxy (SPEC_FULL
// §4.7): it accepts long-lived subscriber connections, tracks per-connection
// subscription filters, and forwards each routed record only to the
// connections whose filter matches. Styled after the teacher's
// internal/providers/kraken WebSocketClient (gorilla/websocket conn
// handling, a per-connection mutex, JSON control frames) adapted from a
// dial-out client to an accept-side server.
package wsproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/cryptorun/internal/config"
	"github.com/sawpanic/cryptorun/internal/marketdata"
)

// Close codes a connection may be terminated with (SPEC_FULL §6).
const (
	CloseNormal         = 1000
	CloseTimeout        = 4000
	CloseOverCapacity   = 4001
	CloseProtocolError  = 4002
)

// Filter is a connection's subscription filter. An empty/nil set within a
// category means "any" (SPEC_FULL §3).
type Filter struct {
	Exchanges map[string]struct{}
	Symbols   map[string]struct{}
	Types     map[string]struct{}
}

// Matches reports whether rec satisfies every populated category of f.
func (f Filter) Matches(rec *marketdata.MarketData) bool {
	if len(f.Exchanges) > 0 {
		if _, ok := f.Exchanges[rec.Exchange]; !ok {
			return false
		}
	}
	if len(f.Symbols) > 0 {
		if _, ok := f.Symbols[rec.Symbol]; !ok {
			return false
		}
	}
	if len(f.Types) > 0 {
		if _, ok := f.Types[rec.NormalizedType()]; !ok {
			return false
		}
	}
	return true
}

func setFrom(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

// controlMessage is the client->server wire shape (SPEC_FULL §6).
type controlMessage struct {
	Op     string `json:"op"`
	Filter struct {
		Exchanges []string `json:"exchanges"`
		Symbols   []string `json:"symbols"`
		Types     []string `json:"types"`
	} `json:"filter"`
}

// dataMessage is the server->client data frame shape (SPEC_FULL §6).
type dataMessage struct {
	Type      string         `json:"type"`
	Exchange  string         `json:"exchange"`
	Symbol    string         `json:"symbol"`
	Timestamp int64          `json:"timestamp"`
	Data      any            `json:"data"`
	Metadata  map[string]any `json:"metadata"`
}

// ackMessage acknowledges a subscribe/unsubscribe control message.
type ackMessage struct {
	Ack    string      `json:"ack"`
	Filter interface{} `json:"filter,omitempty"`
}

type opMessage struct {
	Op string `json:"op"`
}

// connection is one accepted WebSocket subscriber (SPEC_FULL §4.7).
type connection struct {
	id           string
	conn         *websocket.Conn
	acceptedAt   time.Time
	mu           sync.Mutex
	lastActivity time.Time
	filter       Filter

	sendBuffer chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *connection) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

func (c *connection) setFilter(f Filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

func (c *connection) getFilter() Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// enqueue performs a non-blocking send, dropping the oldest buffered message
// on overflow (SPEC_FULL §4.7 step 2). Reports whether a drop occurred.
func (c *connection) enqueue(payload []byte) (dropped bool) {
	select {
	case c.sendBuffer <- payload:
		return false
	default:
	}
	select {
	case <-c.sendBuffer:
		dropped = true
	default:
	}
	select {
	case c.sendBuffer <- payload:
	default:
	}
	return dropped
}

func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	})
}

// Proxy manages accepted connections and fans routed records out to
// matching subscribers.
type Proxy struct {
	cfg      config.Proxy
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*connection

	nextID atomic.Uint64

	droppedMu sync.Mutex
	dropped   map[string]int64
}

// New constructs a Proxy with cfg's capacity and timers.
func New(cfg config.Proxy) *Proxy {
	return &Proxy{
		cfg:         cfg,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		connections: make(map[string]*connection),
		dropped:     make(map[string]int64),
	}
}

// ConnectionCount returns the number of currently accepted connections.
func (p *Proxy) ConnectionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

// ServeHTTP upgrades the request to a WebSocket connection and registers it,
// rejecting the upgrade once at capacity (SPEC_FULL §4.7).
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.ConnectionCount() >= p.cfg.MaxConnections {
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	p.accept(conn)
}

func (p *Proxy) accept(conn *websocket.Conn) {
	id := fmt.Sprintf("conn-%d", p.nextID.Add(1))
	bufSize := p.cfg.SendBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	c := &connection{
		id: id, conn: conn, acceptedAt: time.Now(), lastActivity: time.Now(),
		sendBuffer: make(chan []byte, bufSize),
		closed:     make(chan struct{}),
	}

	p.mu.Lock()
	if len(p.connections) >= p.cfg.MaxConnections {
		p.mu.Unlock()
		c.close(CloseOverCapacity, "at capacity")
		return
	}
	p.connections[id] = c
	p.mu.Unlock()

	go p.writer(c)
	go p.reader(c)
	go p.heartbeat(c)
}

// writer sequentially drains sendBuffer, preserving per-subscriber order
// (SPEC_FULL §4.7).
func (p *Proxy) writer(c *connection) {
	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.sendBuffer:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				p.remove(c, CloseProtocolError, "write failed")
				return
			}
		}
	}
}

// reader processes client control frames until the connection closes or
// idles past connectionTimeout.
func (p *Proxy) reader(c *connection) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			p.remove(c, CloseNormal, "read closed")
			return
		}
		c.touch()

		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.remove(c, CloseProtocolError, "malformed control message")
			return
		}

		switch msg.Op {
		case "subscribe":
			f := Filter{
				Exchanges: setFrom(msg.Filter.Exchanges),
				Symbols:   setFrom(msg.Filter.Symbols),
				Types:     setFrom(msg.Filter.Types),
			}
			c.setFilter(f)
			p.send(c, ackMessage{Ack: "subscribed", Filter: msg.Filter})
		case "unsubscribe":
			c.setFilter(Filter{})
			p.send(c, ackMessage{Ack: "unsubscribed", Filter: msg.Filter})
		case "ping":
			p.send(c, opMessage{Op: "pong"})
		default:
			log.Debug().Str("op", msg.Op).Str("connection", c.id).Msg("unrecognized control op")
		}
	}
}

func (p *Proxy) send(c *connection, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if dropped := c.enqueue(payload); dropped {
		p.countDrop(c.id)
	}
}

// heartbeat pings c every heartbeatInterval and closes it once idle past
// connectionTimeout (SPEC_FULL §4.7).
func (p *Proxy) heartbeat(c *connection) {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			timeout := p.cfg.ConnectionTimeout
			if timeout > 0 && c.idleSince() > timeout {
				p.remove(c, CloseTimeout, "idle timeout")
				return
			}
			p.send(c, opMessage{Op: "ping"})
		}
	}
}

func (p *Proxy) remove(c *connection, code int, reason string) {
	p.mu.Lock()
	delete(p.connections, c.id)
	p.mu.Unlock()
	c.close(code, reason)
}

func (p *Proxy) countDrop(id string) {
	p.droppedMu.Lock()
	p.dropped[id]++
	p.droppedMu.Unlock()
}

// DroppedCount returns how many messages were dropped for connection id due
// to sendBuffer overflow.
func (p *Proxy) DroppedCount(id string) int64 {
	p.droppedMu.Lock()
	defer p.droppedMu.Unlock()
	return p.dropped[id]
}

func toWireData(rec *marketdata.MarketData) any {
	switch rec.Type {
	case marketdata.KindTrade, marketdata.KindAggTrade:
		if rec.Trade == nil {
			return nil
		}
		return map[string]any{
			"price": rec.Trade.Price.String(), "quantity": rec.Trade.Quantity.String(),
			"side": rec.Trade.Side, "tradeId": rec.Trade.TradeID,
		}
	case marketdata.KindTicker:
		if rec.Ticker == nil {
			return nil
		}
		return map[string]any{
			"bid": rec.Ticker.Bid.String(), "ask": rec.Ticker.Ask.String(),
			"last": rec.Ticker.Last.String(), "volume": rec.Ticker.Volume.String(),
		}
	case marketdata.KindDepth:
		if rec.Depth == nil {
			return nil
		}
		return map[string]any{"bids": levelsToAny(rec.Depth.Bids), "asks": levelsToAny(rec.Depth.Asks)}
	case marketdata.KindKline:
		if rec.Kline == nil {
			return nil
		}
		return map[string]any{
			"open": rec.Kline.Open.String(), "high": rec.Kline.High.String(),
			"low": rec.Kline.Low.String(), "close": rec.Kline.Close.String(), "volume": rec.Kline.Volume.String(),
		}
	default:
		return nil
	}
}

func levelsToAny(levels []marketdata.DepthLevel) []map[string]string {
	out := make([]map[string]string, len(levels))
	for i, l := range levels {
		out[i] = map[string]string{"price": l.Price.String(), "quantity": l.Quantity.String()}
	}
	return out
}

func metaToAny(meta map[string]marketdata.MetaValue) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v.Coerce()
	}
	return out
}

// Forward implements channel.Forwarder: it enumerates connections, computes
// filter matches, and non-blockingly enqueues the wire message onto each
// matching connection's sendBuffer. Returns the count enqueued (SPEC_FULL
// §4.4, §4.7).
func (p *Proxy) Forward(ctx context.Context, rec *marketdata.MarketData) (int, error) {
	msg := dataMessage{
		Type: rec.NormalizedType(), Exchange: rec.Exchange, Symbol: rec.Symbol,
		Timestamp: rec.Timestamp, Data: toWireData(rec), Metadata: metaToAny(rec.Metadata),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("wsproxy: marshal data message: %w", err)
	}

	p.mu.RLock()
	conns := make([]*connection, 0, len(p.connections))
	for _, c := range p.connections {
		conns = append(conns, c)
	}
	p.mu.RUnlock()

	count := 0
	for _, c := range conns {
		if !c.getFilter().Matches(rec) {
			continue
		}
		if dropped := c.enqueue(payload); dropped {
			p.countDrop(c.id)
		}
		count++
	}
	return count, nil
}
