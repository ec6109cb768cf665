package external

import (
	"math"
	"sort"
	"strings"

	"github.com/hbollon/go-edlib"

	"github.com/dominicdesy/intelia-expert-sub006/internal/lexicon"
)

// Composite score weights and scales.
const (
	RelevanceWeight = 0.5
	CitationWeight  = 0.3
	RecencyWeight   = 0.2

	// CitationCap is the citation count that earns the full citation term.
	CitationCap = 1000

	// RecencyHorizonYears is how long the recency term takes to decay to 0.
	RecencyHorizonYears = 15
)

// CompositeScore combines relevance, log-scaled citations and linear
// recency decay, clamped to [0,1].
func CompositeScore(d *Document, currentYear int) float64 {
	citations := 0.0
	if d.CitationCount > 0 {
		citations = math.Min(1, math.Log1p(float64(d.CitationCount))/math.Log1p(CitationCap))
	}

	recency := 0.0
	if d.Year > 0 {
		age := float64(currentYear - d.Year)
		recency = clamp01(1 - age/RecencyHorizonYears)
	}

	return clamp01(RelevanceWeight*clamp01(d.RelevanceScore) +
		CitationWeight*citations +
		RecencyWeight*recency)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// rank sorts docs by composite score descending, ties by identity key.
func rank(docs []*Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].CompositeScore != docs[j].CompositeScore {
			return docs[i].CompositeScore > docs[j].CompositeScore
		}
		return Key(docs[i]) < Key(docs[j])
	})
}

// RelevanceScorer rates how well a document answers a query, in [0,1].
type RelevanceScorer interface {
	Score(query string, d *Document) float64
}

// OverlapScorer blends query term coverage over title and abstract, title
// similarity and the provider's own position relevance.
type OverlapScorer struct {
	Coverage float64
	Title    float64
	Provider float64
}

// NewOverlapScorer returns the default .5 coverage, .3 title, .2 provider blend.
func NewOverlapScorer() *OverlapScorer {
	return &OverlapScorer{Coverage: 0.5, Title: 0.3, Provider: 0.2}
}

// Score implements RelevanceScorer.
func (s *OverlapScorer) Score(query string, d *Document) float64 {
	terms := contentTerms(query)
	if len(terms) == 0 {
		return clamp01(d.ProviderRelevance)
	}

	docWords := make(map[string]struct{})
	for _, w := range lexicon.Words(d.Title + " " + d.Abstract) {
		docWords[w] = struct{}{}
	}
	hit := 0
	for _, t := range terms {
		if _, ok := docWords[t]; ok {
			hit++
		}
	}
	coverage := float64(hit) / float64(len(terms))

	title := 0.0
	if ts := contentTerms(d.Title); len(ts) > 0 {
		title = float64(edlib.JaccardSimilarity(strings.Join(terms, " "), strings.Join(ts, " "), 0))
	}

	return clamp01(s.Coverage*coverage + s.Title*title + s.Provider*clamp01(d.ProviderRelevance))
}

// contentTerms returns the distinct words of text longer than two runes,
// sorted.
func contentTerms(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range lexicon.Words(text) {
		if len([]rune(w)) <= 2 {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
