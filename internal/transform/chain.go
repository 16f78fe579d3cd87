// Package transform applies an ordered, stateless chain of mutations to a
// MarketData record (SPEC_FULL §4.2). A failing transformer never aborts
// the chain — the last good record is forwarded and the error is counted.
package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/cryptorun/internal/marketdata"
)

// Context carries per-call enrichment inputs a Transformer may consult.
type Context struct {
	ProcessingVersion string
	Source            string
	QualityScore      float64
}

// Transformer mutates a record. Implementations must be pure with respect to
// external state — no shared mutable data across calls.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, rec *marketdata.MarketData, tctx Context) (*marketdata.MarketData, error)
}

// TransformError reports a transformer failure (SPEC_FULL §7); the chain
// continues with the last good record when this occurs.
type TransformError struct {
	Transformer string
	Cause       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %q: %v", e.Transformer, e.Cause)
}

func (e *TransformError) Unwrap() error { return e.Cause }

// Chain is an ordered, named list of Transformers.
type Chain struct {
	transformers []Transformer
}

// NewChain builds a chain from the given transformers, in order.
func NewChain(transformers ...Transformer) *Chain {
	return &Chain{transformers: append([]Transformer(nil), transformers...)}
}

// Register appends a transformer to the end of the chain.
func (c *Chain) Register(t Transformer) {
	c.transformers = append(c.transformers, t)
}

// Run applies every transformer in order. On a transformer error, the last
// good record is carried forward and the error is accumulated rather than
// aborting the chain.
func (c *Chain) Run(ctx context.Context, rec *marketdata.MarketData, tctx Context) (*marketdata.MarketData, []error) {
	current := rec
	var errs []error
	for _, t := range c.transformers {
		next, err := t.Transform(ctx, current, tctx)
		if err != nil {
			errs = append(errs, &TransformError{Transformer: t.Name(), Cause: err})
			log.Debug().Str("transformer", t.Name()).Err(err).Msg("transformer failed, forwarding last good record")
			continue
		}
		current = next
	}
	return current, errs
}

// EnrichTransformer adds processedAt and latency metadata to every record,
// plus qualityScore, processingVersion and source when the Context supplies
// a non-zero/non-empty value for them (SPEC_FULL §4.2).
type EnrichTransformer struct{}

func (EnrichTransformer) Name() string { return "enrich" }

func (EnrichTransformer) Transform(_ context.Context, rec *marketdata.MarketData, tctx Context) (*marketdata.MarketData, error) {
	out := rec.Clone()
	now := marketdata.NowMillis()
	out.SetMeta("processedAt", marketdata.MetaNum(float64(now)))
	out.SetMeta("latency", marketdata.MetaNum(float64(now-out.ReceivedAt)))
	if tctx.QualityScore != 0 {
		out.SetMeta("qualityScore", marketdata.MetaNum(tctx.QualityScore))
	}
	if tctx.ProcessingVersion != "" {
		out.SetMeta("processingVersion", marketdata.MetaStr(tctx.ProcessingVersion))
	}
	if tctx.Source != "" {
		out.SetMeta("source", marketdata.MetaStr(tctx.Source))
	}
	return out, nil
}

// CompressionThreshold is the combined bids+asks length above which depth
// records are compressed (SPEC_FULL §4.2).
const CompressionThreshold = 200

// CompressionTopN is how many levels per side survive compression.
const CompressionTopN = 50

// CompressTransformer truncates oversized depth records to their top-N
// levels per side, recording the compression ratio and original size.
type CompressTransformer struct {
	Threshold int
	TopN      int
}

// NewCompressTransformer returns a CompressTransformer with spec defaults.
func NewCompressTransformer() *CompressTransformer {
	return &CompressTransformer{Threshold: CompressionThreshold, TopN: CompressionTopN}
}

func (CompressTransformer) Name() string { return "compress" }

func (t *CompressTransformer) Transform(_ context.Context, rec *marketdata.MarketData, _ Context) (*marketdata.MarketData, error) {
	if rec.Type != marketdata.KindDepth || rec.Depth == nil {
		return rec, nil
	}
	total := len(rec.Depth.Bids) + len(rec.Depth.Asks)
	if total <= t.Threshold {
		return rec, nil
	}

	out := rec.Clone()
	origBids, origAsks := len(rec.Depth.Bids), len(rec.Depth.Asks)

	if len(out.Depth.Bids) > t.TopN {
		out.Depth.Bids = out.Depth.Bids[:t.TopN]
	}
	if len(out.Depth.Asks) > t.TopN {
		out.Depth.Asks = out.Depth.Asks[:t.TopN]
	}

	compressedTotal := len(out.Depth.Bids) + len(out.Depth.Asks)
	ratio := float64(compressedTotal) / float64(total)

	out.SetMeta("compressed", marketdata.MetaBoolVal(true))
	out.SetMeta("compressionRatio", marketdata.MetaNum(ratio))
	out.SetMeta("originalSize", marketdata.MetaNested(map[string]marketdata.MetaValue{
		"bids": marketdata.MetaNum(float64(origBids)),
		"asks": marketdata.MetaNum(float64(origAsks)),
	}))
	return out, nil
}

// DefaultProcessingVersion is stamped onto records when the caller does not
// supply one explicitly.
var DefaultProcessingVersion = fmt.Sprintf("dataflow-%d", time.Now().Year())
