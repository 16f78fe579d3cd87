package transform

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/cryptorun/internal/marketdata"
)

type failingTransformer struct{ err error }

func (failingTransformer) Name() string { return "failing" }
func (f failingTransformer) Transform(_ context.Context, rec *marketdata.MarketData, _ Context) (*marketdata.MarketData, error) {
	return nil, f.err
}

func tradeRecord() *marketdata.MarketData {
	return &marketdata.MarketData{
		Exchange: "binance", Symbol: "BTCUSDT", Type: marketdata.KindTrade,
		Timestamp: marketdata.NowMillis(), ReceivedAt: marketdata.NowMillis(),
		Metadata: map[string]marketdata.MetaValue{},
	}
}

func TestChain_EnrichAddsMetadata(t *testing.T) {
	chain := NewChain(EnrichTransformer{})
	rec, errs := chain.Run(context.Background(), tradeRecord(), Context{ProcessingVersion: "v1", Source: "binance-ws"})
	assert.Empty(t, errs)
	_, ok := rec.Metadata["processedAt"]
	assert.True(t, ok)
	assert.Equal(t, "v1", rec.Metadata["processingVersion"].Str)
}

func TestChain_FailingTransformerForwardsLastGoodRecord(t *testing.T) {
	chain := NewChain(EnrichTransformer{}, failingTransformer{err: errors.New("boom")}, EnrichTransformer{})
	orig := tradeRecord()
	rec, errs := chain.Run(context.Background(), orig, Context{})
	require.Len(t, errs, 1)
	var terr *TransformError
	require.ErrorAs(t, errs[0], &terr)
	assert.Equal(t, "failing", terr.Transformer)
	// the failure did not abort the chain: a record is still returned
	assert.NotNil(t, rec)
}

func TestCompressTransformer_BelowThresholdUntouched(t *testing.T) {
	rec := tradeRecord()
	rec.Type = marketdata.KindDepth
	rec.Depth = &marketdata.DepthData{
		Bids: make([]marketdata.DepthLevel, 10),
		Asks: make([]marketdata.DepthLevel, 10),
	}
	out, err := NewCompressTransformer().Transform(context.Background(), rec, Context{})
	require.NoError(t, err)
	assert.Len(t, out.Depth.Bids, 10)
	_, compressed := out.Metadata["compressed"]
	assert.False(t, compressed)
}

func TestCompressTransformer_TruncatesOversizedDepth(t *testing.T) {
	rec := tradeRecord()
	rec.Type = marketdata.KindDepth
	rec.Depth = &marketdata.DepthData{
		Bids: make([]marketdata.DepthLevel, 300),
		Asks: make([]marketdata.DepthLevel, 300),
	}
	out, err := NewCompressTransformer().Transform(context.Background(), rec, Context{})
	require.NoError(t, err)
	assert.Len(t, out.Depth.Bids, 50)
	assert.Len(t, out.Depth.Asks, 50)
	assert.True(t, out.Metadata["compressed"].Bool)
	orig := out.Metadata["originalSize"].Map
	assert.Equal(t, float64(300), orig["bids"].Num)
	assert.Equal(t, float64(300), orig["asks"].Num)
}
