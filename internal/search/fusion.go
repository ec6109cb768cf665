package search

import (
	"sort"

	"github.com/dominicdesy/intelia-expert-sub006/internal/store"
)

// DefaultRRFConstant is the standard RRF smoothing constant k=60.
// This value is used by Azure AI Search, OpenSearch, and other
// production hybrid search systems.
const DefaultRRFConstant = 60

// RankedList is one ranked store response entering fusion.
type RankedList struct {
	// Name identifies the list in logs (e.g. "vector/0").
	Name string

	// Weight scales every contribution of the list.
	Weight float64

	// Hits are ordered best first.
	Hits []*store.Hit
}

// FusedResult is a document after fusion.
type FusedResult struct {
	Key      string
	Doc      *store.Document
	Score    float64 // raw weighted RRF score
	Lists    int     // number of lists containing the document
	BestRank int     // best 1-indexed rank across lists
}

// RRFFusion combines any number of weighted ranked lists using Reciprocal
// Rank Fusion.
//
// Formula:
//
//	RRF_score(d) = Σ weight(l) / (k + rank(d, l))
//
// Where:
//   - k = smoothing constant (default: 60)
//   - rank(d, l) = 1-indexed position of d in list l
//   - lists that do not contain d contribute nothing
//
// Rank-based fusion needs no normalization of raw store scores, which are
// not comparable between vector and lexical stores.
type RRFFusion struct {
	K int
}

// NewRRFFusion creates a new RRF fusion with the default k=60.
func NewRRFFusion() *RRFFusion {
	return &RRFFusion{K: DefaultRRFConstant}
}

// NewRRFFusionWithK creates a new RRF fusion with a custom k value.
// Non-positive values fall back to the default.
func NewRRFFusionWithK(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse combines lists into one ranking sorted by compare. A document
// repeated inside one list only counts at its best position.
func (f *RRFFusion) Fuse(lists []RankedList) []*FusedResult {
	if len(lists) == 0 {
		return []*FusedResult{}
	}

	fused := make(map[string]*FusedResult)
	for _, l := range lists {
		if l.Weight <= 0 {
			continue
		}
		inList := make(map[string]struct{}, len(l.Hits))
		for i, hit := range l.Hits {
			if hit == nil || hit.Doc == nil {
				continue
			}
			key := hit.Doc.Key()
			if _, dup := inList[key]; dup {
				continue
			}
			inList[key] = struct{}{}

			rank := i + 1
			r := f.getOrCreate(fused, key, hit.Doc)
			r.Score += l.Weight / float64(f.K+rank)
			r.Lists++
			if r.BestRank == 0 || rank < r.BestRank {
				r.BestRank = rank
			}
		}
	}

	return f.toSortedSlice(fused)
}

// getOrCreate gets an existing result or creates a new one.
func (f *RRFFusion) getOrCreate(m map[string]*FusedResult, key string, doc *store.Document) *FusedResult {
	if r, ok := m[key]; ok {
		return r
	}
	r := &FusedResult{Key: key, Doc: doc}
	m[key] = r
	return r
}

// toSortedSlice converts the map to a sorted slice.
func (f *RRFFusion) toSortedSlice(m map[string]*FusedResult) []*FusedResult {
	results := make([]*FusedResult, 0, len(m))
	for _, r := range m {
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		return f.compare(results[i], results[j])
	})

	return results
}

// compare implements deterministic comparison for sorting.
// Returns true if a should rank before b.
//
// Priority:
//  1. Higher RRF score
//  2. Present in more lists
//  3. Better best rank
//  4. Lexicographically smaller key
func (f *RRFFusion) compare(a, b *FusedResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Lists != b.Lists {
		return a.Lists > b.Lists
	}
	if a.BestRank != b.BestRank {
		return a.BestRank < b.BestRank
	}
	return a.Key < b.Key
}
