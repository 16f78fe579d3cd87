package normalize

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/cryptorun/internal/marketdata"
)

func baseRaw() RawMessage {
	now := marketdata.NowMillis()
	return RawMessage{
		Exchange:   "binance",
		Symbol:     "btcusdt",
		StreamType: "trade",
		Timestamp:  now,
		ReceivedAt: now,
		Price:      "50000.5",
		Quantity:   "0.001",
		Side:       "buy",
	}
}

func TestNormalize_TradeHappyPath(t *testing.T) {
	raw := baseRaw()
	rec, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, marketdata.KindTrade, rec.Type)
	require.NotNil(t, rec.Trade)
	assert.True(t, rec.Trade.Price.Equal(mustDecimal(t, "50000.5")))
}

func TestNormalize_RejectsNonPositiveTimestamp(t *testing.T) {
	raw := baseRaw()
	raw.Timestamp = -1
	_, err := Normalize(raw)
	require.Error(t, err)
	var verr *marketdata.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "timestamp", verr.Field)
}

func TestNormalize_RejectsReceivedBeforeSkewFloor(t *testing.T) {
	raw := baseRaw()
	raw.ReceivedAt = raw.Timestamp - ClockSkew.Milliseconds() - 1000
	_, err := Normalize(raw)
	require.Error(t, err)
}

func TestNormalize_RejectsOutsidePlausibilityWindow(t *testing.T) {
	raw := baseRaw()
	raw.Timestamp = 10 // way in the past relative to "now"
	raw.ReceivedAt = 10
	_, err := Normalize(raw)
	require.Error(t, err)
}

func TestNormalize_KlineIntervalFromStreamType(t *testing.T) {
	raw := baseRaw()
	raw.StreamType = "kline_1m"
	raw.Open, raw.High, raw.Low, raw.Close, raw.Volume = "100", "110", "90", "105", "10"
	rec, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, marketdata.KindKline, rec.Type)
	assert.Equal(t, marketdata.Interval1m, rec.Interval)
	assert.Equal(t, "kline_1m", rec.NormalizedType())
}

func TestNormalize_UnsupportedKlineIntervalRejected(t *testing.T) {
	raw := baseRaw()
	raw.StreamType = "kline_7m"
	_, err := Normalize(raw)
	require.Error(t, err)
}

func TestNormalize_KlinePriceConsistency(t *testing.T) {
	raw := baseRaw()
	raw.StreamType = "kline_1m"
	raw.Open, raw.High, raw.Low, raw.Close, raw.Volume = "100", "90", "95", "105", "10" // high < open, violates invariant
	_, err := Normalize(raw)
	require.Error(t, err)
}

func TestNormalize_TickerRequiresBidLessThanAsk(t *testing.T) {
	raw := baseRaw()
	raw.StreamType = "ticker"
	raw.Bid, raw.Ask = "100", "99"
	_, err := Normalize(raw)
	require.Error(t, err)
}

func TestNormalize_DepthSortedAfterNormalization(t *testing.T) {
	raw := baseRaw()
	raw.StreamType = "depth"
	raw.Bids = [][2]string{{"99", "1"}, {"101", "1"}, {"100", "1"}}
	raw.Asks = [][2]string{{"103", "1"}, {"101.5", "1"}, {"102", "1"}}
	rec, err := Normalize(raw)
	require.NoError(t, err)
	require.Len(t, rec.Depth.Bids, 3)
	assert.True(t, rec.Depth.Bids[0].Price.GreaterThanOrEqual(rec.Depth.Bids[1].Price))
	assert.True(t, rec.Depth.Asks[0].Price.LessThanOrEqual(rec.Depth.Asks[1].Price))
}

func TestNormalize_Idempotence(t *testing.T) {
	raw := baseRaw()
	first, err := Normalize(raw)
	require.NoError(t, err)

	result := Validate(first)
	assert.True(t, result.OK, "normalized record must validate cleanly: %v", result.Errors)
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := marketdata.ParseDecimalField("test", s, true)
	require.NoError(t, err)
	return d
}
