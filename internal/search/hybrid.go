package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dominicdesy/intelia-expert-sub006/internal/embed"
	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
	"github.com/dominicdesy/intelia-expert-sub006/internal/store"
	"github.com/dominicdesy/intelia-expert-sub006/internal/telemetry"
)

var tracer = otel.Tracer("github.com/dominicdesy/intelia-expert-sub006/internal/search")

// Hybrid search defaults.
const (
	DefaultVectorWeight  = 0.7
	DefaultLexicalWeight = 0.3
	DefaultVariantWeight = 0.6
	DefaultMinScore      = 0.001
	DefaultSearchTimeout = 2 * time.Second
)

// HybridSearcher runs one dense-vector and one sparse-lexical sub-search per
// query variant in parallel and fuses every returned list with weighted RRF.
//
// Failures degrade instead of erroring: a failing lexical side leaves a
// vector-only fusion, a failing embedder or vector store leaves a
// lexical-only fusion, and when everything fails the result is empty.
type HybridSearcher struct {
	vector   store.VectorSearcher
	lexical  store.LexicalSearcher
	embedder embed.Embedder
	fusion   *RRFFusion
	metrics  *telemetry.Metrics

	vectorWeight  float64
	lexicalWeight float64
	variantWeight float64
	maxVariants   int
	minScore      float64
	timeout       time.Duration
	relax         bool
}

// HybridOption configures a HybridSearcher.
type HybridOption func(*HybridSearcher)

// WithChannelWeights sets the vector and lexical list weights.
func WithChannelWeights(vector, lexical float64) HybridOption {
	return func(h *HybridSearcher) {
		h.vectorWeight = vector
		h.lexicalWeight = lexical
	}
}

// WithVariantWeight sets the weight multiplier of non-original variants.
func WithVariantWeight(w float64) HybridOption {
	return func(h *HybridSearcher) {
		h.variantWeight = w
	}
}

// WithRRFConstant sets the RRF smoothing constant.
func WithRRFConstant(k int) HybridOption {
	return func(h *HybridSearcher) {
		h.fusion = NewRRFFusionWithK(k)
	}
}

// WithSearchVariants caps how many variants are searched.
func WithSearchVariants(n int) HybridOption {
	return func(h *HybridSearcher) {
		h.maxVariants = n
	}
}

// WithMinScore sets the minimum raw fused score a candidate needs.
func WithMinScore(s float64) HybridOption {
	return func(h *HybridSearcher) {
		h.minScore = s
	}
}

// WithSearchTimeout bounds the fan-out of one call.
func WithSearchTimeout(d time.Duration) HybridOption {
	return func(h *HybridSearcher) {
		h.timeout = d
	}
}

// WithFilterRelaxation enables the single relaxed-filter retry.
func WithFilterRelaxation(enabled bool) HybridOption {
	return func(h *HybridSearcher) {
		h.relax = enabled
	}
}

// WithSearchMetrics sets an optional metrics collector.
func WithSearchMetrics(m *telemetry.Metrics) HybridOption {
	return func(h *HybridSearcher) {
		h.metrics = m
	}
}

// NewHybridSearcher creates a searcher. The vector side needs both vector
// and embedder; lexical may be nil for vector-only search. At least one
// side must be usable.
func NewHybridSearcher(vector store.VectorSearcher, lexical store.LexicalSearcher, embedder embed.Embedder, opts ...HybridOption) (*HybridSearcher, error) {
	h := &HybridSearcher{
		vector:        vector,
		lexical:       lexical,
		embedder:      embedder,
		fusion:        NewRRFFusion(),
		vectorWeight:  DefaultVectorWeight,
		lexicalWeight: DefaultLexicalWeight,
		variantWeight: DefaultVariantWeight,
		maxVariants:   DefaultMaxVariants,
		minScore:      DefaultMinScore,
		timeout:       DefaultSearchTimeout,
		relax:         true,
	}
	for _, opt := range opts {
		opt(h)
	}

	if !h.vectorEnabled() && h.lexical == nil {
		return nil, ierrors.ConfigError("hybrid search needs a vector store with an embedder or a lexical store", nil)
	}
	if h.vectorWeight < 0 || h.lexicalWeight < 0 || h.variantWeight < 0 {
		return nil, ierrors.ConfigError(
			fmt.Sprintf("fusion weights must be non-negative (vector=%.2f lexical=%.2f variant=%.2f)",
				h.vectorWeight, h.lexicalWeight, h.variantWeight), nil)
	}
	if h.maxVariants < 1 {
		h.maxVariants = 1
	}
	if h.timeout <= 0 {
		h.timeout = DefaultSearchTimeout
	}
	return h, nil
}

func (h *HybridSearcher) vectorEnabled() bool {
	return h.vector != nil && h.embedder != nil
}

// Search returns at most limit fused candidates, best first. Only an
// invalid filter, an empty query or caller cancellation produce an error.
func (h *HybridSearcher) Search(ctx context.Context, q *ExpandedQuery, limit int, filter *store.Filter) ([]*Candidate, error) {
	if q == nil || len(q.Variants) == 0 {
		return nil, ierrors.New(ierrors.ErrCodeQueryEmpty, "expanded query has no variants", nil)
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []*Candidate{}, nil
	}

	variants := q.Variants
	if len(variants) > h.maxVariants {
		variants = variants[:h.maxVariants]
	}

	ctx, span := tracer.Start(ctx, "HybridSearcher.Search",
		trace.WithAttributes(
			attribute.Int("variants", len(variants)),
			attribute.Int("limit", limit),
			attribute.String("filter", filter.String()),
		))
	defer span.End()

	start := time.Now()
	defer func() { h.metrics.ObserveSearch(time.Since(start)) }()

	candidates, err := h.searchOnce(ctx, variants, limit, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if len(candidates) == 0 && h.relax && !filter.IsEmpty() {
		relaxed := filter.Relax()
		slog.Warn("no results with filter, retrying with relaxed filter",
			slog.String("filter", filter.String()),
			slog.String("relaxed", relaxed.String()))
		h.metrics.FilterRelaxed()
		span.AddEvent("filter_relaxed", trace.WithAttributes(attribute.String("relaxed", relaxed.String())))

		candidates, err = h.searchOnce(ctx, variants, limit, relaxed)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		for _, c := range candidates {
			markRelaxed(c)
		}
	}

	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	return candidates, nil
}

// subSearch is the slot one fan-out task writes its outcome into.
type subSearch struct {
	modality string
	variant  int
	weight   float64
	hits     []*store.Hit
	err      error
	done     bool
}

// searchOnce fans out every (variant × modality) task, waits for all of
// them or the timeout, and fuses whatever finished.
func (h *HybridSearcher) searchOnce(ctx context.Context, variants []string, limit int, filter *store.Filter) ([]*Candidate, error) {
	tctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var slots []*subSearch
	for i := range variants {
		vw := 1.0
		if i > 0 {
			vw = h.variantWeight
		}
		if h.vectorEnabled() {
			slots = append(slots, &subSearch{modality: telemetry.ModalityVector, variant: i, weight: h.vectorWeight * vw})
		}
		if h.lexical != nil {
			slots = append(slots, &subSearch{modality: telemetry.ModalityLexical, variant: i, weight: h.lexicalWeight * vw})
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(tctx)
	for _, slot := range slots {
		g.Go(func() error {
			hits, err := h.runSubSearch(gctx, slot.modality, variants[slot.variant], limit, filter)
			mu.Lock()
			slot.hits, slot.err, slot.done = hits, err, true
			mu.Unlock()
			// Sub-search failures never cancel siblings.
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	timedOut := false
	select {
	case <-done:
	case <-tctx.Done():
		timedOut = true
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Snapshot under the lock: late tasks may still write after a timeout.
	mu.Lock()
	lists := make([]RankedList, 0, len(slots))
	failed := map[string]int{}
	total := map[string]int{}
	for _, s := range slots {
		total[s.modality]++
		switch {
		case !s.done:
			failed[s.modality]++
		case s.err != nil:
			failed[s.modality]++
			slog.LogAttrs(ctx, slog.LevelWarn, "sub-search failed",
				append([]slog.Attr{
					slog.String("modality", s.modality),
					slog.Int("variant", s.variant),
				}, ierrors.LogAttrs(s.err)...)...)
		default:
			lists = append(lists, RankedList{
				Name:   fmt.Sprintf("%s/%d", s.modality, s.variant),
				Weight: s.weight,
				Hits:   s.hits,
			})
		}
	}
	mu.Unlock()

	for modality, n := range failed {
		for i := 0; i < n; i++ {
			h.metrics.SubSearchFailed(modality)
		}
	}
	if timedOut {
		slog.Warn("hybrid search timed out, fusing available lists",
			slog.Duration("timeout", h.timeout),
			slog.Int("available", len(lists)),
			slog.Int("dispatched", len(slots)))
	}
	h.logDegradation(failed, total)

	if len(lists) == 0 {
		slog.Error("all sub-searches failed, returning no results",
			slog.Int("dispatched", len(slots)))
		return []*Candidate{}, nil
	}

	fused := h.fusion.Fuse(lists)
	return h.toCandidates(fused, limit), nil
}

func (h *HybridSearcher) runSubSearch(ctx context.Context, modality, variant string, limit int, filter *store.Filter) ([]*store.Hit, error) {
	if modality == telemetry.ModalityLexical {
		return h.lexical.Search(ctx, variant, limit, filter)
	}
	vec, err := h.embedder.Embed(ctx, variant)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return h.vector.Search(ctx, vec, limit, filter)
}

func (h *HybridSearcher) logDegradation(failed, total map[string]int) {
	vecDown := total[telemetry.ModalityVector] > 0 && failed[telemetry.ModalityVector] == total[telemetry.ModalityVector]
	lexDown := total[telemetry.ModalityLexical] > 0 && failed[telemetry.ModalityLexical] == total[telemetry.ModalityLexical]
	switch {
	case vecDown && lexDown:
	case vecDown:
		slog.Warn("vector search unavailable, using lexical-only fusion")
	case lexDown:
		slog.Warn("lexical search unavailable, using vector-only fusion")
	case total[telemetry.ModalityLexical] == 0:
		slog.Debug("no lexical store configured, using vector-only fusion")
	}
}

// toCandidates applies the minimum score, truncates to limit and
// normalizes fused scores by the top score.
func (h *HybridSearcher) toCandidates(fused []*FusedResult, limit int) []*Candidate {
	out := make([]*Candidate, 0, min(limit, len(fused)))
	for _, r := range fused {
		if len(out) == limit {
			break
		}
		if r.Score < h.minScore {
			// Sorted descending: nothing further can pass.
			break
		}
		out = append(out, &Candidate{
			Doc:        r.Doc,
			Key:        r.Key,
			FusedScore: r.Score,
			Lists:      r.Lists,
			BestRank:   r.BestRank,
		})
	}
	if len(out) > 0 && out[0].FusedScore > 0 {
		top := out[0].FusedScore
		for _, c := range out {
			c.BaseScore = c.FusedScore / top
		}
	}
	return out
}

// markRelaxed flags a candidate on a metadata copy so the store's document
// is never mutated.
func markRelaxed(c *Candidate) {
	doc := *c.Doc
	doc.Metadata = c.Doc.Metadata.Clone()
	if !doc.Metadata.HasFlag(store.FlagFilterRelaxed) {
		doc.Metadata.Flags = append(doc.Metadata.Flags, store.FlagFilterRelaxed)
	}
	c.Doc = &doc
	c.FilterRelaxed = true
}
