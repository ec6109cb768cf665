// Package search implements the internal retrieval pipeline: query context
// extraction, query expansion, hybrid vector + lexical search fused with
// weighted Reciprocal Rank Fusion, and contextual reranking with diversity.
package search

import (
	"time"

	"github.com/dominicdesy/intelia-expert-sub006/internal/store"
)

// Urgency levels detected from query wording.
const (
	UrgencyHigh   = "high"
	UrgencyMedium = "medium"
	UrgencyLow    = "low"
)

// QueryContext holds the structured hints extracted from a raw query.
// It is built once per query and treated as read-only afterwards.
type QueryContext struct {
	// Original is the raw query text.
	Original string `json:"original"`

	// Entity is the domain entity (breed, bird type), empty when unknown.
	Entity string `json:"entity,omitempty"`

	// Phase is the growth or life phase, empty when unknown.
	Phase string `json:"phase,omitempty"`

	// Category is the requested information category, empty when unknown.
	Category string `json:"category,omitempty"`

	// Urgency is high, medium or low (default: medium).
	Urgency string `json:"urgency"`

	// Language is the detected language code. Heuristic, not authoritative.
	Language string `json:"language"`

	// Metrics is the sorted set of metrics the query mentions.
	Metrics []string `json:"metrics,omitempty"`

	// EnvironmentalFactors is the sorted set of environmental factors mentioned.
	EnvironmentalFactors []string `json:"environmental_factors,omitempty"`

	// AgeDays is the bird age in days, valid when HasAge is set.
	AgeDays int  `json:"age_days,omitempty"`
	HasAge  bool `json:"has_age,omitempty"`
}

// ExpandedQuery is the deduplicated variant list for multi-query search.
// Variants[0] is always the original query.
type ExpandedQuery struct {
	Original string   `json:"original"`
	Variants []string `json:"variants"`
}

// Candidate is a fused internal search result before reranking.
type Candidate struct {
	// Doc is the matched document. Relaxed results carry a metadata copy.
	Doc *store.Document

	// Key is the fusion identity: store id, else content hash.
	Key string

	// FusedScore is the raw weighted RRF score.
	FusedScore float64

	// BaseScore is FusedScore normalized by the top score of the call (0-1].
	BaseScore float64

	// Lists is the number of ranked lists the document appeared in.
	Lists int

	// BestRank is the best 1-indexed rank across lists.
	BestRank int

	// FilterRelaxed is set when the candidate came from a relaxed retry.
	FilterRelaxed bool
}

// Ranking factor names. Factors always carries FactorBase.
const (
	FactorBase       = "base_score"
	FactorEntity     = "entity"
	FactorCategory   = "category"
	FactorPhase      = "phase"
	FactorUrgency    = "urgency"
	FactorRecency    = "recency"
	FactorContextual = "contextual"
	FactorDiversity  = "diversity"
)

// RankedResult is one reranked internal result.
// FinalScore = BaseScore × ContextualScore × DiversityScore.
type RankedResult struct {
	Doc             *store.Document    `json:"document"`
	BaseScore       float64            `json:"base_score"`
	ContextualScore float64            `json:"contextual_score"`
	DiversityScore  float64            `json:"diversity_score"`
	FinalScore      float64            `json:"final_score"`
	Factors         map[string]float64 `json:"ranking_factors"`
	FilterRelaxed   bool               `json:"filter_relaxed,omitempty"`
}

// RetrieveOptions configures one Engine.Retrieve call.
type RetrieveOptions struct {
	// K is the number of results to return (default: 5).
	K int

	// Filter restricts candidates by metadata. Nil means no filter.
	Filter *store.Filter

	// Explain attaches a factor breakdown to the response.
	Explain bool
}

// Response is the outcome of Engine.Retrieve.
type Response struct {
	Context     *QueryContext   `json:"context"`
	Expanded    *ExpandedQuery  `json:"expanded"`
	Results     []*RankedResult `json:"results"`
	Explanation *Explanation    `json:"explanation,omitempty"`
	Duration    time.Duration   `json:"duration"`
}
