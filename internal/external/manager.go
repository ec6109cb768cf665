package external

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
	"github.com/dominicdesy/intelia-expert-sub006/internal/telemetry"
)

var tracer = otel.Tracer("github.com/dominicdesy/intelia-expert-sub006/internal/external")

// Manager defaults.
const (
	DefaultMinComposite = 0.3
	DefaultTopDocuments = 5
	DefaultFetchTimeout = 15 * time.Second
)

// Call states, logged at Debug.
const (
	stateInit       = "INIT"
	stateFannedOut  = "FANNED_OUT"
	stateCollecting = "COLLECTING"
	stateAggregated = "AGGREGATED"
	stateDone       = "DONE"
)

// Manager fans a query out to every Fetcher and aggregates what comes back.
// It keeps no state between calls.
type Manager struct {
	fetchers     []Fetcher
	scorer       RelevanceScorer
	metrics      *telemetry.Metrics
	minComposite float64
	top          int
	timeout      time.Duration
	now          func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRelevanceScorer replaces the default OverlapScorer.
func WithRelevanceScorer(s RelevanceScorer) ManagerOption {
	return func(m *Manager) {
		m.scorer = s
	}
}

// WithMinComposite sets the composite floor a best document must clear.
func WithMinComposite(v float64) ManagerOption {
	return func(m *Manager) {
		m.minComposite = v
	}
}

// WithFetchTimeout bounds the whole fan-out.
func WithFetchTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithManagerMetrics sets an optional metrics collector.
func WithManagerMetrics(metrics *telemetry.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithManagerClock sets the time source used for recency.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager over fetchers, searched in the given order.
func NewManager(fetchers []Fetcher, opts ...ManagerOption) *Manager {
	m := &Manager{
		fetchers:     fetchers,
		scorer:       NewOverlapScorer(),
		minComposite: DefaultMinComposite,
		top:          DefaultTopDocuments,
		timeout:      DefaultFetchTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.timeout <= 0 {
		m.timeout = DefaultFetchTimeout
	}
	return m
}

// Sources returns the names of the configured fetchers.
func (m *Manager) Sources() []string {
	names := make([]string, len(m.fetchers))
	for i, f := range m.fetchers {
		names[i] = f.Name()
	}
	return names
}

// fetchOutcome is the slot one fan-out task writes into.
type fetchOutcome struct {
	docs []*Document
	err  error
}

// Search queries every fetcher concurrently and returns the ranked,
// deduplicated result. It never returns an error: failures are reported in
// the result.
func (m *Manager) Search(ctx context.Context, q Query) *SearchResult {
	start := time.Now()
	res := &SearchResult{
		Documents:       []*Document{},
		SourcesSearched: len(m.fetchers),
	}
	defer func() {
		res.Duration = time.Since(start)
		res.DurationMS = res.Duration.Milliseconds()
	}()

	m.logState(stateInit, slog.Int("sources", len(m.fetchers)))
	if strings.TrimSpace(q.Text) == "" {
		res.Error = "query is empty"
		return res
	}
	if len(m.fetchers) == 0 {
		res.Error = "no external sources configured"
		return res
	}

	ctx, span := tracer.Start(ctx, "Manager.Search",
		trace.WithAttributes(
			attribute.Int("sources", len(m.fetchers)),
			attribute.Int("min_year", q.MinYear),
		))
	defer span.End()

	outcomes := m.fanOut(ctx, q)

	m.logState(stateCollecting)
	var collected []*Document
	for i, o := range outcomes {
		name := m.fetchers[i].Name()
		if o.err != nil {
			if res.Failures == nil {
				res.Failures = make(map[string]string)
			}
			res.Failures[name] = o.err.Error()
			slog.LogAttrs(ctx, slog.LevelWarn, "external source failed",
				append([]slog.Attr{slog.String("source", name)}, ierrors.LogAttrs(o.err)...)...)
			continue
		}
		res.SourcesSucceeded++
		for _, d := range o.docs {
			if !d.Valid() {
				slog.Debug("dropping incomplete record", slog.String("source", name))
				continue
			}
			if q.MinYear > 0 && d.Year < q.MinYear {
				continue
			}
			collected = append(collected, d)
		}
	}
	res.TotalResults = len(collected)

	unique := Deduplicate(collected)
	res.UniqueResults = len(unique)

	year := m.now().Year()
	for _, d := range unique {
		d.RelevanceScore = clamp01(m.scorer.Score(q.Text, d))
		d.CompositeScore = CompositeScore(d, year)
	}
	rank(unique)
	if len(unique) > m.top {
		unique = unique[:m.top]
	}
	res.Documents = unique
	m.logState(stateAggregated,
		slog.Int("total", res.TotalResults),
		slog.Int("unique", res.UniqueResults))

	if len(unique) > 0 && unique[0].CompositeScore >= m.minComposite {
		res.Found = true
		res.Best = unique[0]
	}
	if res.SourcesSucceeded == 0 {
		res.Error = fmt.Sprintf("all %d external sources failed", res.SourcesSearched)
		span.SetStatus(codes.Error, res.Error)
	}

	m.metrics.ExternalSearch(res.Found)
	span.SetAttributes(
		attribute.Int("succeeded", res.SourcesSucceeded),
		attribute.Int("unique", res.UniqueResults),
		attribute.Bool("found", res.Found),
	)
	m.logState(stateDone,
		slog.Bool("found", res.Found),
		slog.Int("succeeded", res.SourcesSucceeded),
		slog.Duration("duration", time.Since(start)))
	return res
}

// fanOut runs one task per fetcher. A failing fetcher never cancels its
// siblings; cancelling ctx cancels all of them.
func (m *Manager) fanOut(ctx context.Context, q Query) []fetchOutcome {
	fctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	outcomes := make([]fetchOutcome, len(m.fetchers))
	var g errgroup.Group
	for i, f := range m.fetchers {
		g.Go(func() error {
			outcomes[i] = m.fetch(fctx, f, q)
			return nil
		})
	}
	m.logState(stateFannedOut, slog.Int("tasks", len(m.fetchers)))
	_ = g.Wait()
	return outcomes
}

func (m *Manager) fetch(ctx context.Context, f Fetcher, q Query) (out fetchOutcome) {
	name := f.Name()
	ctx, span := tracer.Start(ctx, "Fetcher.Search", trace.WithAttributes(attribute.String("source", name)))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = fetchOutcome{err: fmt.Errorf("%s panicked: %v", name, r)}
		}
		m.metrics.ObserveFetch(name, time.Since(start), len(out.docs), out.err)
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
		}
		slog.Debug("external fetch finished",
			slog.String("source", name),
			slog.Int("documents", len(out.docs)),
			slog.Duration("duration", time.Since(start)))
	}()

	docs, err := f.Search(ctx, q)
	return fetchOutcome{docs: docs, err: err}
}

func (m *Manager) logState(state string, attrs ...any) {
	slog.Debug("external search", append([]any{slog.String("state", state)}, attrs...)...)
}
