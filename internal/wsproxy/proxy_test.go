package wsproxy

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/cryptorun/internal/config"
	"github.com/sawpanic/cryptorun/internal/marketdata"
)

func TestFilter_EmptyCategoryMeansAny(t *testing.T) {
	f := Filter{Symbols: setFrom([]string{"BTCUSDT"})}
	trade := &marketdata.MarketData{Exchange: "binance", Symbol: "BTCUSDT", Type: marketdata.KindTrade}
	other := &marketdata.MarketData{Exchange: "kraken", Symbol: "ETHUSDT", Type: marketdata.KindTicker}

	assert.True(t, f.Matches(trade))
	assert.False(t, f.Matches(other))
}

func dialTo(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, filter map[string]any) {
	t.Helper()
	msg := map[string]any{"op": "subscribe", "filter": filter}
	require.NoError(t, conn.WriteJSON(msg))

	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "subscribed", ack["ack"])
}

// TestProxy_Filtering mirrors scenario S6: two subscribers with disjoint
// filters each receive only the message matching their filter.
func TestProxy_Filtering(t *testing.T) {
	cfg := config.Default().Proxy
	proxy := New(cfg)
	srv := httptest.NewServer(proxy)
	defer srv.Close()

	connA := dialTo(t, srv)
	defer connA.Close()
	subscribe(t, connA, map[string]any{"symbols": []string{"BTCUSDT"}})

	connB := dialTo(t, srv)
	defer connB.Close()
	subscribe(t, connB, map[string]any{"types": []string{"ticker"}})

	require.Eventually(t, func() bool { return proxy.ConnectionCount() == 2 }, time.Second, 5*time.Millisecond)

	trade := &marketdata.MarketData{
		Exchange: "binance", Symbol: "BTCUSDT", Type: marketdata.KindTrade,
		Timestamp: marketdata.NowMillis(), Metadata: map[string]marketdata.MetaValue{},
		Trade: &marketdata.TradeData{},
	}
	ticker := &marketdata.MarketData{
		Exchange: "binance", Symbol: "ETHUSDT", Type: marketdata.KindTicker,
		Timestamp: marketdata.NowMillis(), Metadata: map[string]marketdata.MetaValue{},
		Ticker: &marketdata.TickerData{},
	}

	n, err := proxy.Forward(context.Background(), trade)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = proxy.Forward(context.Background(), ticker)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	connA.SetReadDeadline(time.Now().Add(time.Second))
	var gotA map[string]any
	require.NoError(t, connA.ReadJSON(&gotA))
	assert.Equal(t, "BTCUSDT", gotA["symbol"])

	connB.SetReadDeadline(time.Now().Add(time.Second))
	var gotB map[string]any
	require.NoError(t, connB.ReadJSON(&gotB))
	assert.Equal(t, "ticker", gotB["type"])
}

func TestProxy_RejectsOverCapacity(t *testing.T) {
	cfg := config.Default().Proxy
	cfg.MaxConnections = 1
	proxy := New(cfg)
	srv := httptest.NewServer(proxy)
	defer srv.Close()

	conn1 := dialTo(t, srv)
	defer conn1.Close()
	require.Eventually(t, func() bool { return proxy.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 503, resp.StatusCode)
	}
}

func TestConnection_EnqueueDropsOldestOnOverflow(t *testing.T) {
	c := &connection{sendBuffer: make(chan []byte, 2), closed: make(chan struct{})}

	assert.False(t, c.enqueue([]byte("a")))
	assert.False(t, c.enqueue([]byte("b")))
	assert.True(t, c.enqueue([]byte("c")), "third enqueue should drop the oldest")

	first := <-c.sendBuffer
	second := <-c.sendBuffer
	assert.Equal(t, "b", string(first))
	assert.Equal(t, "c", string(second))
}

func TestProxy_PingControlMessageRepliesWithPong(t *testing.T) {
	cfg := config.Default().Proxy
	proxy := New(cfg)
	srv := httptest.NewServer(proxy)
	defer srv.Close()

	conn := dialTo(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "ping"}))
	var reply map[string]any
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "pong", reply["op"])
}

func TestDataMessage_MarshalsExpectedShape(t *testing.T) {
	rec := &marketdata.MarketData{
		Exchange: "binance", Symbol: "BTCUSDT", Type: marketdata.KindTrade,
		Timestamp: 123, Metadata: map[string]marketdata.MetaValue{"source": marketdata.MetaStr("test")},
		Trade: &marketdata.TradeData{},
	}
	msg := dataMessage{
		Type: rec.NormalizedType(), Exchange: rec.Exchange, Symbol: rec.Symbol,
		Timestamp: rec.Timestamp, Data: toWireData(rec), Metadata: metaToAny(rec.Metadata),
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"symbol":"BTCUSDT"`)
	assert.Contains(t, string(raw), `"type":"trade"`)
}
