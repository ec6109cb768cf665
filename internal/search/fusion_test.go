package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominicdesy/intelia-expert-sub006/internal/store"
)

// =============================================================================
// Weighted RRF
// =============================================================================

func TestRRFFusion_Formula(t *testing.T) {
	// Given: vector [A, B] and lexical [B, C] with default channel weights
	a, b, c := doc("A", "a", store.Metadata{}), doc("B", "b", store.Metadata{}), doc("C", "c", store.Metadata{})
	lists := []RankedList{
		list("vector/0", 0.7, a, b),
		list("lexical/0", 0.3, b, c),
	}

	// When: fusing
	results := NewRRFFusion().Fuse(lists)

	// Then: every score is the weighted sum of reciprocal ranks
	require.Len(t, results, 3)
	scores := map[string]float64{}
	for _, r := range results {
		scores[r.Key] = r.Score
	}
	assert.InDelta(t, 0.7/61, scores["A"], 1e-12)
	assert.InDelta(t, 0.7/62+0.3/61, scores["B"], 1e-12)
	assert.InDelta(t, 0.3/62, scores["C"], 1e-12)
	assert.Equal(t, []string{"B", "A", "C"}, fusedKeys(results))
}

func TestRRFFusion_TopInBothListsBeatsTopInOne(t *testing.T) {
	a := doc("A", "a", store.Metadata{})
	b := doc("B", "b", store.Metadata{})
	c := doc("C", "c", store.Metadata{})
	fusion := NewRRFFusion()

	// A is first in both lists
	both := fusion.Fuse([]RankedList{list("v", 0.7, a), list("l", 0.3, a)})
	// B is first only in vector, C first only in lexical
	single := fusion.Fuse([]RankedList{list("v", 0.7, b), list("l", 0.3, c)})

	require.Len(t, both, 1)
	require.Len(t, single, 2)
	for _, r := range single {
		assert.GreaterOrEqual(t, both[0].Score, r.Score)
	}
}

func TestRRFFusion_TracksCoverageAndBestRank(t *testing.T) {
	a, b := doc("A", "a", store.Metadata{}), doc("B", "b", store.Metadata{})

	results := NewRRFFusion().Fuse([]RankedList{
		list("v", 1, b, a),
		list("l", 1, a),
	})

	byKey := map[string]*FusedResult{}
	for _, r := range results {
		byKey[r.Key] = r
	}
	assert.Equal(t, 2, byKey["A"].Lists)
	assert.Equal(t, 1, byKey["A"].BestRank)
	assert.Equal(t, 1, byKey["B"].Lists)
	assert.Equal(t, 1, byKey["B"].BestRank)
}

func TestRRFFusion_CustomK(t *testing.T) {
	a := doc("A", "a", store.Metadata{})

	results := NewRRFFusionWithK(10).Fuse([]RankedList{list("v", 1, a)})

	assert.InDelta(t, 1.0/11, results[0].Score, 1e-12)
	assert.Equal(t, DefaultRRFConstant, NewRRFFusionWithK(0).K)
}

// =============================================================================
// Tie-breaking
// =============================================================================

func TestRRFFusion_TieBreak_Coverage(t *testing.T) {
	// Given: equal scores, one document from two half-weight lists
	single := doc("a-single", "x", store.Metadata{})
	double := doc("b-double", "y", store.Metadata{})

	results := NewRRFFusion().Fuse([]RankedList{
		list("one", 1.0, single),
		list("half-1", 0.5, double),
		list("half-2", 0.5, double),
	})

	// Then: more list coverage wins over key order
	require.Len(t, results, 2)
	assert.Equal(t, results[0].Score, results[1].Score)
	assert.Equal(t, []string{"b-double", "a-single"}, fusedKeys(results))
}

func TestRRFFusion_TieBreak_BestRank(t *testing.T) {
	// Given: 61/(60+1) == 62/(60+2), both from one list
	first := doc("z-rank1", "x", store.Metadata{})
	second := doc("a-rank2", "y", store.Metadata{})
	filler := doc("filler", "z", store.Metadata{})

	results := NewRRFFusion().Fuse([]RankedList{
		list("l1", 61, first),
		list("l2", 62, filler, second),
	})

	// Then: the better rank wins over key order
	require.Len(t, results, 3)
	assert.Equal(t, []string{"filler", "z-rank1", "a-rank2"}, fusedKeys(results))
}

func TestRRFFusion_TieBreak_Key(t *testing.T) {
	a, b := doc("A", "a", store.Metadata{}), doc("B", "b", store.Metadata{})

	results := NewRRFFusion().Fuse([]RankedList{
		list("v", 1, b, a),
		list("l", 1, a, b),
	})

	assert.Equal(t, []string{"A", "B"}, fusedKeys(results))
}

// =============================================================================
// Edge Cases
// =============================================================================

func TestRRFFusion_EmptyInput(t *testing.T) {
	results := NewRRFFusion().Fuse(nil)

	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestRRFFusion_SkipsZeroWeightAndNilHits(t *testing.T) {
	a, b := doc("A", "a", store.Metadata{}), doc("B", "b", store.Metadata{})
	l := list("v", 1, a)
	l.Hits = append(l.Hits, nil, &store.Hit{})

	results := NewRRFFusion().Fuse([]RankedList{l, list("muted", 0, b)})

	assert.Equal(t, []string{"A"}, fusedKeys(results))
}

func TestRRFFusion_DuplicateInListCountsOnce(t *testing.T) {
	a := doc("A", "a", store.Metadata{})

	results := NewRRFFusion().Fuse([]RankedList{list("v", 1, a, a)})

	require.Len(t, results, 1)
	assert.InDelta(t, 1.0/61, results[0].Score, 1e-12)
	assert.Equal(t, 1, results[0].Lists)
}

func TestRRFFusion_ContentHashIdentity(t *testing.T) {
	// Given: two id-less copies of the same passage in different lists
	v := &store.Document{Content: "Water intake rises with temperature"}
	l := &store.Document{Content: "Water intake rises with temperature"}

	results := NewRRFFusion().Fuse([]RankedList{list("v", 0.7, v), list("l", 0.3, l)})

	// Then: they fuse into one result keyed by the content hash
	require.Len(t, results, 1)
	assert.Equal(t, store.ContentHash(v.Content), results[0].Key)
	assert.Equal(t, 2, results[0].Lists)
}
