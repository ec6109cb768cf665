package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominicdesy/intelia-expert-sub006/internal/config"
	"github.com/dominicdesy/intelia-expert-sub006/internal/embed"
	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
	"github.com/dominicdesy/intelia-expert-sub006/internal/store"
	"github.com/dominicdesy/intelia-expert-sub006/internal/telemetry"
)

func newTestEngine(t *testing.T, vector store.VectorSearcher, lexical store.LexicalSearcher, opts ...EngineOption) *Engine {
	t.Helper()
	h, err := NewHybridSearcher(vector, lexical, &fakeEmbedder{})
	require.NoError(t, err)
	e, err := NewEngine(nil, nil, h, nil, opts...)
	require.NoError(t, err)
	return e
}

// =============================================================================
// Pipeline
// =============================================================================

func TestEngine_Retrieve_EmptyQuery(t *testing.T) {
	e := newTestEngine(t, newFakeVector(), nil)

	_, err := e.Retrieve(context.Background(), "  ", RetrieveOptions{})

	require.Error(t, err)
	assert.Equal(t, ierrors.ErrCodeQueryEmpty, ierrors.GetCode(err))
}

func TestEngine_Retrieve_DefaultsAndContext(t *testing.T) {
	// Given: more documents than the default K
	var docs []*store.Document
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		docs = append(docs, doc(id, "passage "+id, store.Metadata{Source: id}))
	}
	e := newTestEngine(t, newFakeVector(docs...), newFakeLexical(docs...))

	// When: retrieving with zero options
	resp, err := e.Retrieve(context.Background(), "ross 308 weight at 21 days", RetrieveOptions{})
	require.NoError(t, err)

	// Then: K defaults to five and the context is reported
	assert.Len(t, resp.Results, DefaultK)
	assert.Equal(t, "ross 308", resp.Context.Entity)
	assert.Equal(t, "ross 308 weight at 21 days", resp.Expanded.Variants[0])
	assert.Nil(t, resp.Explanation)
	assert.Positive(t, resp.Duration)
}

func TestEngine_Retrieve_Explain(t *testing.T) {
	a, b, c := hybridDocs()
	e := newTestEngine(t, newFakeVector(a, b, c), nil)

	resp, err := e.Retrieve(context.Background(), "broiler weight", RetrieveOptions{K: 2, Explain: true})
	require.NoError(t, err)

	require.NotNil(t, resp.Explanation)
	assert.Len(t, resp.Explanation.Top, 2)
	assert.Equal(t, 2, resp.Explanation.Averaged)
}

func TestEngine_Retrieve_KClamped(t *testing.T) {
	e := newTestEngine(t, newFakeVector(), nil)

	assert.Equal(t, MaxK, e.applyDefaults(RetrieveOptions{K: 1000}).K)
	assert.Equal(t, DefaultK, e.applyDefaults(RetrieveOptions{K: -1}).K)
}

func TestEngine_Retrieve_DegradedToEmpty(t *testing.T) {
	// Given: both stores down and a metrics collector
	m := telemetry.NewMetrics(nil)
	e := newTestEngine(t,
		&fakeVector{fakeStore{err: errStoreDown}},
		&fakeLexical{fakeStore{err: errStoreDown}},
		WithEngineMetrics(m))

	// When: retrieving
	resp, err := e.Retrieve(context.Background(), "water intake", RetrieveOptions{K: 3})

	// Then: the answer is empty, not an error, and the miss is tracked
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, []string{"water intake"}, m.RecentZeroResults())
}

func TestEngine_Retrieve_InvalidFilter(t *testing.T) {
	e := newTestEngine(t, newFakeVector(), nil)

	_, err := e.Retrieve(context.Background(), "fcr", RetrieveOptions{
		Filter: store.NewFilter(store.Clause{Field: store.FieldYear, Op: store.OpGte, Values: []string{"soon"}}),
	})

	assert.Equal(t, ierrors.ErrCodeInvalidFilter, ierrors.GetCode(err))
}

func TestEngine_Retrieve_CandidatePool(t *testing.T) {
	var docs []*store.Document
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		docs = append(docs, doc(id, "text "+id, store.Metadata{}))
	}
	vec := newFakeVector(docs...)
	e := newTestEngine(t, vec, nil, WithCandidatePool(2))

	resp, err := e.Retrieve(context.Background(), "text", RetrieveOptions{K: 3})
	require.NoError(t, err)

	assert.Len(t, resp.Results, 3)
}

func TestNewEngine_RequiresSearcher(t *testing.T) {
	_, err := NewEngine(nil, nil, nil, nil)

	assert.Equal(t, ierrors.ErrCodeConfigInvalid, ierrors.GetCode(err))
}

// =============================================================================
// End to end over real stores
// =============================================================================

func TestEngine_Retrieve_AgeBandMatchWins(t *testing.T) {
	// Given: a grower guide passage and a finisher passage, indexed in
	// bleve and HNSW with static embeddings
	ctx := context.Background()
	docs := []*store.Document{
		doc("finisher", "Ross 308 finisher weight after 21 days and carcass yield", store.Metadata{
			Entity: "ross 308", Category: "performance", Phases: []string{"finisher"},
			AgeRange: &store.AgeRange{MinDays: 29, MaxDays: 42}, Source: "bulletin",
		}),
		doc("grower", "Ross 308 grower weight targets at 21 days of age", store.Metadata{
			Entity: "ross 308", Category: "performance", Phases: []string{"grower"},
			AgeRange: &store.AgeRange{MinDays: 15, MaxDays: 28}, Source: "guide",
		}),
	}

	emb := embed.NewStaticEmbedder(64)
	vectors, err := emb.EmbedBatch(ctx, []string{docs[0].Content, docs[1].Content})
	require.NoError(t, err)
	vec, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(64))
	require.NoError(t, err)
	defer vec.Close()
	require.NoError(t, vec.Add(ctx, docs, vectors))

	lex, err := store.NewBleveIndex("", store.DefaultLexicalConfig())
	require.NoError(t, err)
	defer lex.Close()
	require.NoError(t, lex.Index(ctx, docs))

	cfg := config.NewConfig()
	e, err := NewEngineFromConfig(cfg, nil, vec, lex, emb, telemetry.NewMetrics(nil))
	require.NoError(t, err)

	// When: retrieving
	resp, err := e.Retrieve(ctx, "Ross 308 weight at 21 days", RetrieveOptions{K: 2, Explain: true})
	require.NoError(t, err)

	// Then: the age-band match leads regardless of fused order
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "grower", resp.Results[0].Doc.ID)
	assert.Equal(t, 1.3, resp.Results[0].Factors[FactorPhase])
	assert.Equal(t, "grower", resp.Explanation.Top[0].DocumentID)
}

func TestEngine_Retrieve_RelaxedFilterEndToEnd(t *testing.T) {
	// Given: a filter on an entity no document has
	a, b, c := hybridDocs()
	e := newTestEngine(t, newFakeVector(a, b, c), newFakeLexical(a, b, c))

	// When: retrieving
	resp, err := e.Retrieve(context.Background(), "broiler weight", RetrieveOptions{
		K:      3,
		Filter: store.NewFilter(store.Eq(store.FieldEntity, "hubbard")),
	})
	require.NoError(t, err)

	// Then: results come back flagged
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.True(t, r.FilterRelaxed)
		assert.True(t, r.Doc.Metadata.HasFlag(store.FlagFilterRelaxed))
	}
}
