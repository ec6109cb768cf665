package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

// lexicalBackends runs every test against both lexical implementations.
var lexicalBackends = []string{"bleve", "sqlite"}

func newTestLexical(t *testing.T, backend string) LexicalIndex {
	t.Helper()
	idx, err := NewLexicalIndex(backend, "", DefaultLexicalConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	require.NoError(t, idx.Index(context.Background(), sampleDocs()))
	return idx
}

// =============================================================================
// Search
// =============================================================================

func TestLexicalIndex_Search_RanksMatchingDocuments(t *testing.T) {
	for _, backend := range lexicalBackends {
		t.Run(backend, func(t *testing.T) {
			// Given: the sample corpus
			idx := newTestLexical(t, backend)

			// When: searching for body weight
			hits, err := idx.Search(context.Background(), "body weight", 10, nil)
			require.NoError(t, err)

			// Then: both weight documents are found with positive scores
			assert.ElementsMatch(t, []string{"ross-weight", "cobb-fcr"}, hitIDs(hits))
			for _, h := range hits {
				assert.Greater(t, h.Score, 0.0)
			}

			// And: metadata survives the round trip
			for _, h := range hits {
				if h.Doc.ID == "ross-weight" {
					assert.Equal(t, "ross 308", h.Doc.Metadata.Entity)
					assert.Equal(t, 2022, h.Doc.Metadata.Year())
				}
			}
		})
	}
}

func TestLexicalIndex_Search_AccentedTerms(t *testing.T) {
	for _, backend := range lexicalBackends {
		t.Run(backend, func(t *testing.T) {
			idx := newTestLexical(t, backend)

			hits, err := idx.Search(context.Background(), "mortalité poulets", 10, nil)
			require.NoError(t, err)
			assert.Equal(t, []string{"mortalite"}, hitIDs(hits))
		})
	}
}

func TestLexicalIndex_Search_RespectsLimit(t *testing.T) {
	for _, backend := range lexicalBackends {
		t.Run(backend, func(t *testing.T) {
			idx := newTestLexical(t, backend)

			hits, err := idx.Search(context.Background(), "broiler weight ventilation", 1, nil)
			require.NoError(t, err)
			assert.Len(t, hits, 1)
		})
	}
}

func TestLexicalIndex_Search_EmptyQuery(t *testing.T) {
	for _, backend := range lexicalBackends {
		t.Run(backend, func(t *testing.T) {
			idx := newTestLexical(t, backend)

			hits, err := idx.Search(context.Background(), "   ", 10, nil)
			require.NoError(t, err)
			assert.Empty(t, hits)
		})
	}
}

// =============================================================================
// Filters
// =============================================================================

func TestLexicalIndex_Search_AppliesFilter(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		filter *Filter
		want   []string
	}{
		{"entity eq", "broiler weight", NewFilter(Eq(FieldEntity, "Broiler")), []string{"heat-stress"}},
		{"phase any", "body weight", NewFilter(Eq(FieldPhase, "finisher")), []string{"cobb-fcr"}},
		{"year lower bound", "body weight", NewFilter(YearAtLeast(2020)), []string{"ross-weight"}},
		{"year upper bound excludes undated", "broiler", NewFilter(YearAtMost(2030)), []string{"ross-weight", "heat-stress"}},
		{"category in", "weight water", NewFilter(In(FieldCategory, "nutrition", "environment")), []string{"cobb-fcr", "heat-stress"}},
		{"year eq", "weight", NewFilter(Eq(FieldYear, "2019")), []string{"cobb-fcr"}},
		{"no survivors", "body weight", NewFilter(Eq(FieldLanguage, "es")), []string{}},
	}

	for _, backend := range lexicalBackends {
		for _, tt := range tests {
			t.Run(backend+"/"+tt.name, func(t *testing.T) {
				idx := newTestLexical(t, backend)

				hits, err := idx.Search(context.Background(), tt.query, 10, tt.filter)
				require.NoError(t, err)
				assert.ElementsMatch(t, tt.want, hitIDs(hits))
			})
		}
	}
}

func TestLexicalIndex_Search_InvalidFilter(t *testing.T) {
	for _, backend := range lexicalBackends {
		t.Run(backend, func(t *testing.T) {
			idx := newTestLexical(t, backend)

			_, err := idx.Search(context.Background(), "weight", 10, NewFilter(Eq(Field("breed"), "x")))
			require.Error(t, err)
			assert.Equal(t, ierrors.ErrCodeInvalidFilter, ierrors.GetCode(err))
		})
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestLexicalIndex_Index_ReplacesExistingDocument(t *testing.T) {
	for _, backend := range lexicalBackends {
		t.Run(backend, func(t *testing.T) {
			// Given: the sample corpus
			idx := newTestLexical(t, backend)

			// When: a document is re-indexed with new content
			err := idx.Index(context.Background(), []*Document{{ID: "ross-weight", Content: "litter moisture and ammonia"}})
			require.NoError(t, err)

			// Then: the old content no longer matches and the new one does
			hits, err := idx.Search(context.Background(), "ross", 10, nil)
			require.NoError(t, err)
			assert.Empty(t, hits)

			hits, err = idx.Search(context.Background(), "ammonia", 10, nil)
			require.NoError(t, err)
			assert.Equal(t, []string{"ross-weight"}, hitIDs(hits))
		})
	}
}

func TestLexicalIndex_ClosedIndex(t *testing.T) {
	for _, backend := range lexicalBackends {
		t.Run(backend, func(t *testing.T) {
			idx, err := NewLexicalIndex(backend, "", DefaultLexicalConfig())
			require.NoError(t, err)
			require.NoError(t, idx.Close())
			require.NoError(t, idx.Close())

			_, err = idx.Search(context.Background(), "weight", 10, nil)
			assert.Equal(t, ierrors.ErrCodeStoreClosed, ierrors.GetCode(err))
		})
	}
}

func TestLexicalIndex_PersistsAcrossReopen(t *testing.T) {
	for _, backend := range lexicalBackends {
		t.Run(backend, func(t *testing.T) {
			// Given: an on-disk index with documents
			path := filepath.Join(t.TempDir(), "lexical."+backend)
			idx, err := NewLexicalIndex(backend, path, DefaultLexicalConfig())
			require.NoError(t, err)
			require.NoError(t, idx.Index(context.Background(), sampleDocs()))
			require.NoError(t, idx.Close())

			// When: reopened
			reopened, err := NewLexicalIndex(backend, path, DefaultLexicalConfig())
			require.NoError(t, err)
			defer func() { _ = reopened.Close() }()

			// Then: documents are still searchable
			hits, err := reopened.Search(context.Background(), "ventilation", 10, nil)
			require.NoError(t, err)
			assert.Equal(t, []string{"heat-stress"}, hitIDs(hits))
		})
	}
}

func TestNewLexicalIndex_UnknownBackend(t *testing.T) {
	_, err := NewLexicalIndex("elastic", "", DefaultLexicalConfig())
	require.Error(t, err)
	assert.Equal(t, ierrors.ErrCodeConfigInvalid, ierrors.GetCode(err))
}

// =============================================================================
// SQL helpers
// =============================================================================

func TestFTSMatchQuery_QuotesTokens(t *testing.T) {
	stop := BuildStopWordMap(DefaultStopWords)

	assert.Equal(t, `"body" OR "weight"`, ftsMatchQuery("the body-weight?", stop))
	assert.Equal(t, "", ftsMatchQuery("the of", stop))
}

func TestSQLiteWhere(t *testing.T) {
	where, args := sqliteWhere(NewFilter(Eq(FieldEntity, "Broiler"), In(FieldPhase, "starter", "grower"), YearAtLeast(2020)))

	assert.Equal(t,
		" AND documents.entity IN (?)"+
			" AND (documents.phases LIKE ? OR documents.phases LIKE ?)"+
			" AND documents.year > 0 AND documents.year >= ?", where)
	assert.Equal(t, []any{"broiler", "%|starter|%", "%|grower|%", 2020}, args)
}
