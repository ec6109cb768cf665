package search

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hbollon/go-edlib"

	"github.com/dominicdesy/intelia-expert-sub006/internal/lexicon"
	"github.com/dominicdesy/intelia-expert-sub006/internal/store"
)

// RerankWeights weights the five contextual factors. Defaults sum to 1.
type RerankWeights struct {
	Entity   float64
	Category float64
	Phase    float64
	Urgency  float64
	Recency  float64
}

// DefaultRerankWeights returns entity .30, category .25, phase .20,
// urgency .15 and recency .10.
func DefaultRerankWeights() RerankWeights {
	return RerankWeights{
		Entity:   0.30,
		Category: 0.25,
		Phase:    0.20,
		Urgency:  0.15,
		Recency:  0.10,
	}
}

// Factor values. 1.0 is neutral.
const (
	entityExactBoost   = 1.3
	entityPartialBoost = 1.15
	entityMismatch     = 0.8

	categoryExactBoost   = 1.25
	categoryRelatedBoost = 1.1
	categoryMismatch     = 0.9

	phaseBoost    = 1.2
	ageBandBoost  = 1.3
	phaseMismatch = 0.9

	recencyWeekBoost = 1.2
	recencyMonth     = 1.1
	recencyQuarter   = 1.0
	recencyStale     = 0.9

	neutralFactor = 1.0
)

// urgencyAmplification scales the recency deviation from neutral.
var urgencyAmplification = map[string]float64{
	UrgencyHigh:   1.5,
	UrgencyMedium: 1.0,
	UrgencyLow:    0.5,
}

// Diversity defaults.
const (
	DefaultSourcePenalty    = 0.8
	DefaultOverlapPenalty   = 0.6
	DefaultOverlapThreshold = 0.7
	DefaultDiversityFloor   = 0.3
)

// ContextualReranker re-scores fused candidates on how well their metadata
// matches the query context, then selects the top k greedily with a
// diversity penalty against already selected results.
type ContextualReranker struct {
	lexicon lexicon.Source
	weights RerankWeights
	now     func() time.Time

	sourcePenalty    float64
	overlapPenalty   float64
	overlapThreshold float64
	floor            float64
}

// RerankerOption configures a ContextualReranker.
type RerankerOption func(*ContextualReranker)

// WithRerankWeights overrides the factor weights.
func WithRerankWeights(w RerankWeights) RerankerOption {
	return func(r *ContextualReranker) {
		r.weights = w
	}
}

// WithDiversity overrides the same-source penalty, the word-overlap
// penalty and threshold, and the diversity floor.
func WithDiversity(sourcePenalty, overlapPenalty, overlapThreshold, floor float64) RerankerOption {
	return func(r *ContextualReranker) {
		r.sourcePenalty = sourcePenalty
		r.overlapPenalty = overlapPenalty
		r.overlapThreshold = overlapThreshold
		r.floor = floor
	}
}

// WithClock sets the time source used for recency.
func WithClock(now func() time.Time) RerankerOption {
	return func(r *ContextualReranker) {
		r.now = now
	}
}

// NewContextualReranker creates a reranker. A nil src uses the embedded
// pack for related categories.
func NewContextualReranker(src lexicon.Source, opts ...RerankerOption) *ContextualReranker {
	if src == nil {
		src = lexicon.NewStatic(lexicon.Default())
	}
	r := &ContextualReranker{
		lexicon:          src,
		weights:          DefaultRerankWeights(),
		now:              time.Now,
		sourcePenalty:    DefaultSourcePenalty,
		overlapPenalty:   DefaultOverlapPenalty,
		overlapThreshold: DefaultOverlapThreshold,
		floor:            DefaultDiversityFloor,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// scored is a candidate with its contextual factors computed.
type scored struct {
	cand       *Candidate
	order      int
	factors    map[string]float64
	contextual float64
	words      string
}

// Rerank returns the top k results, final score descending.
//
// Selection is greedy: each step appends the remaining candidate with the
// highest base × contextual × diversity, where diversity is measured
// against the results selected so far. Penalties only accumulate, so every
// later pick scores at most the previous one and selection order is the
// final order.
func (r *ContextualReranker) Rerank(cands []*Candidate, qc *QueryContext, k int) []*RankedResult {
	if k <= 0 || len(cands) == 0 {
		return []*RankedResult{}
	}
	if qc == nil {
		qc = &QueryContext{Urgency: UrgencyMedium}
	}
	p := r.lexicon.Pack()
	now := r.now()

	remaining := make([]*scored, 0, len(cands))
	for i, c := range cands {
		if c == nil || c.Doc == nil {
			continue
		}
		factors := r.factors(c, qc, p, now)
		remaining = append(remaining, &scored{
			cand:       c,
			order:      i,
			factors:    factors,
			contextual: r.contextual(factors),
			words:      wordSet(c.Doc.Content),
		})
	}

	results := make([]*RankedResult, 0, min(k, len(remaining)))
	var selected []*scored
	for len(results) < k && len(remaining) > 0 {
		bestIdx, bestScore, bestDiv := -1, 0.0, 0.0
		for i, s := range remaining {
			div := r.diversity(s, selected)
			score := s.cand.BaseScore * s.contextual * div
			if bestIdx < 0 || score > bestScore || (score == bestScore && s.order < remaining[bestIdx].order) {
				bestIdx, bestScore, bestDiv = i, score, div
			}
		}

		s := remaining[bestIdx]
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
		selected = append(selected, s)

		factors := s.factors
		factors[FactorContextual] = s.contextual
		factors[FactorDiversity] = bestDiv
		results = append(results, &RankedResult{
			Doc:             s.cand.Doc,
			BaseScore:       s.cand.BaseScore,
			ContextualScore: s.contextual,
			DiversityScore:  bestDiv,
			FinalScore:      bestScore,
			Factors:         factors,
			FilterRelaxed:   s.cand.FilterRelaxed,
		})
	}

	return results
}

func (r *ContextualReranker) contextual(f map[string]float64) float64 {
	w := r.weights
	return w.Entity*f[FactorEntity] +
		w.Category*f[FactorCategory] +
		w.Phase*f[FactorPhase] +
		w.Urgency*f[FactorUrgency] +
		w.Recency*f[FactorRecency]
}

func (r *ContextualReranker) factors(c *Candidate, qc *QueryContext, p *lexicon.Pack, now time.Time) map[string]float64 {
	md := &c.Doc.Metadata
	recency := recencyFactor(md.PublishedAt, now)
	return map[string]float64{
		FactorBase:     c.BaseScore,
		FactorEntity:   entityFactor(qc.Entity, md.Entity),
		FactorCategory: categoryFactor(qc.Category, md.Category, p),
		FactorPhase:    phaseFactor(qc, md),
		FactorUrgency:  urgencyFactor(qc.Urgency, recency),
		FactorRecency:  recency,
	}
}

func entityFactor(query, doc string) float64 {
	if query == "" || doc == "" {
		return neutralFactor
	}
	q, d := strings.ToLower(query), strings.ToLower(doc)
	switch {
	case q == d:
		return entityExactBoost
	case strings.Contains(d, q) || strings.Contains(q, d):
		return entityPartialBoost
	default:
		return entityMismatch
	}
}

func categoryFactor(query, doc string, p *lexicon.Pack) float64 {
	if query == "" || doc == "" {
		return neutralFactor
	}
	q, d := strings.ToLower(query), strings.ToLower(doc)
	switch {
	case q == d:
		return categoryExactBoost
	case p.Related(q, d):
		return categoryRelatedBoost
	default:
		return categoryMismatch
	}
}

// phaseFactor prefers an exact age band hit over a phase-name hit.
func phaseFactor(qc *QueryContext, md *store.Metadata) float64 {
	if qc.HasAge && md.AgeRange.Contains(qc.AgeDays) {
		return ageBandBoost
	}
	if qc.Phase == "" || len(md.Phases) == 0 {
		return neutralFactor
	}
	for _, ph := range md.Phases {
		if strings.EqualFold(ph, qc.Phase) {
			return phaseBoost
		}
	}
	return phaseMismatch
}

// recencyFactor steps down with document age. Unknown dates are neutral.
func recencyFactor(published, now time.Time) float64 {
	if published.IsZero() {
		return neutralFactor
	}
	age := now.Sub(published)
	switch {
	case age <= 7*24*time.Hour:
		return recencyWeekBoost
	case age <= 30*24*time.Hour:
		return recencyMonth
	case age <= 90*24*time.Hour:
		return recencyQuarter
	default:
		return recencyStale
	}
}

// urgencyFactor amplifies the recency deviation from neutral by urgency.
func urgencyFactor(urgency string, recency float64) float64 {
	amp, ok := urgencyAmplification[urgency]
	if !ok {
		amp = urgencyAmplification[UrgencyMedium]
	}
	return neutralFactor + (recency-neutralFactor)*amp
}

// diversity multiplies one penalty per selected result sharing the source
// and one per selected result with high word overlap, floored.
func (r *ContextualReranker) diversity(s *scored, selected []*scored) float64 {
	div := 1.0
	src := s.cand.Doc.Metadata.Source
	for _, o := range selected {
		if src != "" && strings.EqualFold(src, o.cand.Doc.Metadata.Source) {
			div *= r.sourcePenalty
		}
		if wordOverlap(s.words, o.words) >= r.overlapThreshold {
			div *= r.overlapPenalty
		}
	}
	if div < r.floor {
		div = r.floor
	}
	return div
}

// wordSet returns the distinct lowercased words of text, sorted and space
// joined, so Jaccard over the split words is a set Jaccard.
func wordSet(text string) string {
	words := lexicon.Words(text)
	sort.Strings(words)
	out := words[:0]
	for i, w := range words {
		if i == 0 || w != words[i-1] {
			out = append(out, w)
		}
	}
	return strings.Join(out, " ")
}

// wordOverlap is the Jaccard similarity of two word sets. edlib computes
// in float32, so the value is rounded to 6 decimals before it meets a
// float64 threshold: 7/10 must compare equal to 0.7.
func wordOverlap(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return math.Round(float64(edlib.JaccardSimilarity(a, b, 0))*1e6) / 1e6
}
