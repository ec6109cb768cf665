// Package external searches bibliographic providers for documents the
// internal corpus does not cover.
//
// A Manager fans one query out to every configured Fetcher concurrently,
// tolerates any subset failing, deduplicates the collected documents by
// canonical identity and ranks them by a composite of relevance, citation
// count and recency.
package external

import (
	"context"
	"strings"
	"time"
)

// DefaultMaxResults is how many records a Fetcher requests when the query
// does not say.
const DefaultMaxResults = 10

// Query is one external search request.
type Query struct {
	// Text is the user question.
	Text string

	// MaxResults caps the records requested from each provider.
	MaxResults int

	// MinYear drops documents published before this year (0 = no bound).
	MinYear int
}

// Limit returns MaxResults or the default.
func (q Query) Limit() int {
	if q.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return q.MaxResults
}

// Document is one bibliographic record returned by a provider.
type Document struct {
	Title    string   `json:"title"`
	Abstract string   `json:"abstract"`
	Authors  []string `json:"authors,omitempty"`
	Year     int      `json:"year"`
	Source   string   `json:"source"`
	URL      string   `json:"url,omitempty"`
	DOI      string   `json:"doi,omitempty"`
	PMID     string   `json:"pmid,omitempty"`
	PMCID    string   `json:"pmcid,omitempty"`
	Journal  string   `json:"journal,omitempty"`
	Language string   `json:"language,omitempty"`

	CitationCount int `json:"citation_count"`

	// ProviderRelevance is the position-based relevance assigned by the
	// fetcher from the provider's own ordering.
	ProviderRelevance float64 `json:"provider_relevance"`

	// RelevanceScore is the query similarity computed by the Manager.
	RelevanceScore float64 `json:"relevance_score"`

	// CompositeScore is in [0,1] and recomputed after every merge.
	CompositeScore float64 `json:"composite_score"`

	FetchedAt time.Time `json:"fetched_at,omitzero"`
}

// Valid reports whether the mandatory title, abstract and year are present.
func (d *Document) Valid() bool {
	return d != nil &&
		strings.TrimSpace(d.Title) != "" &&
		strings.TrimSpace(d.Abstract) != "" &&
		d.Year > 0
}

// SearchResult is the aggregated outcome of one Manager.Search call.
// Found implies Best is Documents[0].
type SearchResult struct {
	Found     bool        `json:"found"`
	Best      *Document   `json:"best_document,omitempty"`
	Documents []*Document `json:"all_documents"`

	SourcesSearched  int `json:"sources_searched"`
	SourcesSucceeded int `json:"sources_succeeded"`
	TotalResults     int `json:"total_results"`
	UniqueResults    int `json:"unique_results"`

	// Failures maps a failed source to its error message.
	Failures map[string]string `json:"failures,omitempty"`

	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	Error      string        `json:"error,omitempty"`
}

// Fetcher searches one provider. Implementations own their endpoint,
// authentication and rate limit.
type Fetcher interface {
	Name() string
	Search(ctx context.Context, q Query) ([]*Document, error)
}
