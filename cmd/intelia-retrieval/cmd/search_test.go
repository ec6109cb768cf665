package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominicdesy/intelia-expert-sub006/internal/config"
	"github.com/dominicdesy/intelia-expert-sub006/internal/embed"
	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

const growerCorpus = `# ross 308 weight passages
{"id":"finisher","content":"Ross 308 finisher weight after 21 days and carcass yield","metadata":{"entity":"ross 308","category":"performance","phases":["finisher"],"source":"bulletin","age_range":{"min_days":29,"max_days":42}}}

{"id":"grower","content":"Ross 308 grower weight targets at 21 days of age","metadata":{"entity":"ross 308","category":"performance","phases":["grower"],"source":"guide","age_range":{"min_days":15,"max_days":28}}}
`

func corpusDir(t *testing.T) (dir, corpus string) {
	t.Helper()
	dir = t.TempDir()
	return dir, writeFile(t, dir, "corpus.jsonl", growerCorpus)
}

// =============================================================================
// Search
// =============================================================================

func TestSearchCmd_AgeBandMatchRanksFirst(t *testing.T) {
	// Given: a grower and a finisher passage for the same breed
	dir, corpus := corpusDir(t)

	// When: asking for the weight at 21 days
	out, err := execute(t, dir, "search", "--corpus", corpus, "--k", "2", "Ross 308 weight at 21 days")

	// Then: the grower passage leads
	require.NoError(t, err)
	assert.Contains(t, out, "2 results")
	grower := strings.Index(out, "1. grower")
	finisher := strings.Index(out, "2. finisher")
	assert.GreaterOrEqual(t, grower, 0)
	assert.Greater(t, finisher, grower)
}

func TestSearchCmd_Explain(t *testing.T) {
	dir, corpus := corpusDir(t)

	out, err := execute(t, dir, "search", "--corpus", corpus, "--explain", "Ross 308 weight at 21 days")

	require.NoError(t, err)
	assert.Contains(t, out, "Ranking factors")
	assert.Contains(t, out, "#1 grower")
}

func TestSearchCmd_JSON(t *testing.T) {
	dir, corpus := corpusDir(t)

	out, err := execute(t, dir, "search", "--corpus", corpus, "--json", "--k", "1", "Ross 308 weight at 21 days")

	require.NoError(t, err)
	var resp struct {
		Results []struct {
			Doc struct {
				ID string `json:"id"`
			} `json:"document"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "grower", resp.Results[0].Doc.ID)
}

func TestSearchCmd_FilterOnSource(t *testing.T) {
	// Given: a filter that only the finisher bulletin matches
	dir, corpus := corpusDir(t)

	// When: searching with the filter
	out, err := execute(t, dir, "search", "--corpus", corpus, "--filter", "source=bulletin", "--json", "Ross 308 weight at 21 days")

	// Then: only the bulletin comes back
	require.NoError(t, err)
	var resp struct {
		Results []struct {
			Doc struct {
				ID string `json:"id"`
			} `json:"document"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "finisher", resp.Results[0].Doc.ID)
}

func TestSearchCmd_InvalidFilter(t *testing.T) {
	dir, corpus := corpusDir(t)

	_, err := execute(t, dir, "search", "--corpus", corpus, "--filter", "phase>=grower", "ross 308")

	require.Error(t, err)
	assert.Equal(t, ierrors.ErrCodeInvalidFilter, ierrors.GetCode(err))
}

func TestSearchCmd_RequiresCorpus(t *testing.T) {
	_, err := execute(t, t.TempDir(), "search", "ross 308")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "corpus")
}

func TestSearchCmd_MissingCorpusFile(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, dir, "search", "--corpus", dir+"/absent.jsonl", "ross 308")

	require.Error(t, err)
}

func TestSearchCmd_MetricsAfterSearch(t *testing.T) {
	dir, corpus := corpusDir(t)

	out, err := execute(t, dir, "--metrics", "search", "--corpus", corpus, "Ross 308 weight at 21 days")

	require.NoError(t, err)
	assert.Contains(t, out, "intelia_retrieval_retrieve_duration_seconds count=1")
}

// =============================================================================
// Index Cache
// =============================================================================

func TestSearchCmd_IndexCacheIsWrittenThenReused(t *testing.T) {
	// Given: a corpus and an empty cache location
	dir, corpus := corpusDir(t)
	cache := filepath.Join(dir, "cache", "vectors.hnsw")

	// When: searching twice with the cache
	first, err := execute(t, dir, "search", "--corpus", corpus, "--index-cache", cache, "Ross 308 weight at 21 days")
	require.NoError(t, err)
	second, err := execute(t, dir, "search", "--corpus", corpus, "--index-cache", cache, "Ross 308 weight at 21 days")
	require.NoError(t, err)

	// Then: the snapshot exists and the ranking is unchanged
	assert.FileExists(t, cache)
	assert.FileExists(t, cache+".meta")
	assert.Contains(t, first, "1. grower")
	assert.Contains(t, second, "1. grower")

	cached, err := loadIndexCache(cache, corpus, embed.StaticDimensions)
	require.NoError(t, err)
	require.NotNil(t, cached)
	defer func() { _ = cached.Close() }()
	assert.Equal(t, 2, cached.Count())
}

func TestLoadIndexCache_Invalidation(t *testing.T) {
	dir, corpus := corpusDir(t)
	cache := filepath.Join(dir, "vectors.hnsw")
	_, err := execute(t, dir, "search", "--corpus", corpus, "--index-cache", cache, "ross 308")
	require.NoError(t, err)

	t.Run("dimension change", func(t *testing.T) {
		got, err := loadIndexCache(cache, corpus, 32)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("corpus newer than cache", func(t *testing.T) {
		later := time.Now().Add(time.Hour)
		require.NoError(t, os.Chtimes(corpus, later, later))

		got, err := loadIndexCache(cache, corpus, embed.StaticDimensions)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("no snapshot", func(t *testing.T) {
		got, err := loadIndexCache(filepath.Join(dir, "absent.hnsw"), corpus, embed.StaticDimensions)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestSearchCmd_CorruptIndexCacheIsRebuilt(t *testing.T) {
	// Given: a snapshot whose graph file is garbage
	dir, corpus := corpusDir(t)
	cache := filepath.Join(dir, "vectors.hnsw")
	_, err := execute(t, dir, "search", "--corpus", corpus, "--index-cache", cache, "ross 308")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cache, []byte("not a graph"), 0o644))

	// When: searching again
	out, err := execute(t, dir, "search", "--corpus", corpus, "--index-cache", cache, "Ross 308 weight at 21 days")

	// Then: the index is rebuilt and the search succeeds
	require.NoError(t, err)
	assert.Contains(t, out, "1. grower")
}

func TestSearchCmd_IndexCacheNeedsHNSW(t *testing.T) {
	dir, corpus := corpusDir(t)
	writeFile(t, dir, ".intelia.yaml", "stores:\n  vector: qdrant\n")

	_, err := execute(t, dir, "search", "--corpus", corpus, "--index-cache", filepath.Join(dir, "v.hnsw"), "ross 308")

	require.Error(t, err)
	assert.Equal(t, ierrors.ErrCodeConfigInvalid, ierrors.GetCode(err))
}

func TestSearchCmd_UnavailableEmbedderFailsFast(t *testing.T) {
	// Given: an Ollama host that is down
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	dir, corpus := corpusDir(t)
	writeFile(t, dir, ".intelia.yaml", "embeddings:\n  provider: ollama\n  ollama_host: "+srv.URL+"\n")

	// When: searching
	_, err := execute(t, dir, "search", "--corpus", corpus, "ross 308")

	// Then: the corpus is never embedded
	require.Error(t, err)
	assert.Equal(t, ierrors.ErrCodeEmbeddingFailed, ierrors.GetCode(err))
	assert.Contains(t, err.Error(), "not available")
}

// =============================================================================
// Vector Store Selection
// =============================================================================

func TestOpenVectorIndex_HNSW(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Stores.Vector = "hnsw"

	idx, err := openVectorIndex(context.Background(), cfg, 16)

	require.NoError(t, err)
	assert.NoError(t, idx.Close())
}

func TestOpenVectorIndex_Unknown(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Stores.Vector = "faiss"

	_, err := openVectorIndex(context.Background(), cfg, 16)

	require.Error(t, err)
	assert.Equal(t, ierrors.ErrCodeConfigInvalid, ierrors.GetCode(err))
}
