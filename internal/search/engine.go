package search

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dominicdesy/intelia-expert-sub006/internal/config"
	"github.com/dominicdesy/intelia-expert-sub006/internal/embed"
	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
	"github.com/dominicdesy/intelia-expert-sub006/internal/lexicon"
	"github.com/dominicdesy/intelia-expert-sub006/internal/store"
	"github.com/dominicdesy/intelia-expert-sub006/internal/telemetry"
)

// Engine defaults.
const (
	DefaultK             = 5
	MaxK                 = 100
	DefaultCandidatePool = 3
)

// Engine runs the internal retrieval pipeline:
// extract context → expand → hybrid search → contextual rerank.
type Engine struct {
	extractor *ContextExtractor
	expander  *QueryExpander
	searcher  *HybridSearcher
	reranker  *ContextualReranker
	metrics   *telemetry.Metrics

	candidatePool int
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithCandidatePool sets how many fused candidates per requested result
// reach the reranker (pool = K × n).
func WithCandidatePool(n int) EngineOption {
	return func(e *Engine) {
		e.candidatePool = n
	}
}

// WithEngineMetrics sets an optional metrics collector.
func WithEngineMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine assembles an engine. The searcher is required; nil extractor,
// expander or reranker get defaults over the embedded lexicon pack.
func NewEngine(extractor *ContextExtractor, expander *QueryExpander, searcher *HybridSearcher, reranker *ContextualReranker, opts ...EngineOption) (*Engine, error) {
	if searcher == nil {
		return nil, ierrors.ConfigError("engine needs a hybrid searcher", nil)
	}
	if extractor == nil {
		extractor = NewContextExtractor(nil)
	}
	if expander == nil {
		expander = NewQueryExpander(nil)
	}
	if reranker == nil {
		reranker = NewContextualReranker(nil)
	}

	e := &Engine{
		extractor:     extractor,
		expander:      expander,
		searcher:      searcher,
		reranker:      reranker,
		candidatePool: DefaultCandidatePool,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.candidatePool < 1 {
		e.candidatePool = 1
	}
	return e, nil
}

// NewEngineFromConfig wires every component from cfg. lexical may be nil.
func NewEngineFromConfig(cfg *config.Config, src lexicon.Source, vector store.VectorSearcher, lexical store.LexicalSearcher, embedder embed.Embedder, metrics *telemetry.Metrics) (*Engine, error) {
	s := cfg.Search
	searcher, err := NewHybridSearcher(vector, lexical, embedder,
		WithChannelWeights(s.VectorWeight, s.LexicalWeight),
		WithVariantWeight(s.VariantWeight),
		WithRRFConstant(s.RRFConstant),
		WithSearchVariants(s.MaxVariants),
		WithMinScore(s.MinScore),
		WithSearchTimeout(cfg.SearchTimeout()),
		WithFilterRelaxation(s.RelaxFilters),
		WithSearchMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	r := cfg.Rerank
	reranker := NewContextualReranker(src,
		WithRerankWeights(RerankWeights{
			Entity:   r.EntityWeight,
			Category: r.CategoryWeight,
			Phase:    r.PhaseWeight,
			Urgency:  r.UrgencyWeight,
			Recency:  r.RecencyWeight,
		}),
		WithDiversity(r.SourcePenalty, r.OverlapPenalty, r.OverlapThreshold, r.DiversityFloor),
	)

	return NewEngine(
		NewContextExtractor(src),
		NewQueryExpander(src, WithMaxVariants(s.MaxVariants)),
		searcher,
		reranker,
		WithCandidatePool(s.CandidatePool),
		WithEngineMetrics(metrics),
	)
}

// Context extracts the query context without searching.
func (e *Engine) Context(query string) (*QueryContext, *ExpandedQuery) {
	qc := e.extractor.Extract(query)
	return qc, e.expander.Expand(query, qc)
}

// Retrieve runs the full pipeline. Upstream failures degrade to fewer or no
// results; only an empty query, an invalid filter or cancellation error.
func (e *Engine) Retrieve(ctx context.Context, query string, opts RetrieveOptions) (*Response, error) {
	start := time.Now()
	if strings.TrimSpace(query) == "" {
		return nil, ierrors.New(ierrors.ErrCodeQueryEmpty, "query is empty", nil).
			WithSuggestion("Provide a question, e.g. \"ross 308 weight at 21 days\"")
	}
	opts = e.applyDefaults(opts)

	ctx, span := tracer.Start(ctx, "Engine.Retrieve",
		trace.WithAttributes(attribute.Int("k", opts.K)))
	defer span.End()

	qc, expanded := e.Context(query)
	span.SetAttributes(
		attribute.String("entity", qc.Entity),
		attribute.String("category", qc.Category),
		attribute.String("language", qc.Language),
		attribute.Int("variants", len(expanded.Variants)),
	)

	pool := opts.K * e.candidatePool
	candidates, err := e.searcher.Search(ctx, expanded, pool, opts.Filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results := e.reranker.Rerank(candidates, qc, opts.K)

	resp := &Response{
		Context:  qc,
		Expanded: expanded,
		Results:  results,
		Duration: time.Since(start),
	}
	if opts.Explain {
		resp.Explanation = Explain(results)
	}

	e.metrics.ObserveRetrieve(query, resp.Duration, len(results))
	span.SetAttributes(attribute.Int("results", len(results)))
	slog.Debug("retrieve complete",
		slog.String("query", truncateQuery(query, 50)),
		slog.Int("variants", len(expanded.Variants)),
		slog.Int("candidates", len(candidates)),
		slog.Int("results", len(results)),
		slog.Duration("duration", resp.Duration))
	return resp, nil
}

// applyDefaults fills in default values for unset options.
func (e *Engine) applyDefaults(opts RetrieveOptions) RetrieveOptions {
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	if opts.K > MaxK {
		opts.K = MaxK
	}
	return opts
}

// truncateQuery shortens a query for logging.
func truncateQuery(q string, maxLen int) string {
	r := []rune(q)
	if len(r) <= maxLen {
		return q
	}
	return string(r[:maxLen]) + "..."
}
