// Package store provides the document schema, the filter predicate and the
// vector and lexical stores that hybrid search queries.
//
// Lexical backends: bleve (default) and SQLite FTS5.
// Vector backends: coder/hnsw (in-process), qdrant and Postgres/pgvector.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SchemaVersion is the current document metadata schema version.
const SchemaVersion = 1

// FlagFilterRelaxed marks results returned by a relaxed-filter retry.
const FlagFilterRelaxed = "filter-relaxed"

// AgeRange is the inclusive bird age span a document applies to, in days.
type AgeRange struct {
	MinDays int `json:"min_days"`
	MaxDays int `json:"max_days"`
}

// Contains reports whether days falls inside the range.
func (r *AgeRange) Contains(days int) bool {
	return r != nil && days >= r.MinDays && days <= r.MaxDays
}

// Metadata is the versioned document metadata schema. Provider-specific
// fields that have no named slot go into Extra.
type Metadata struct {
	SchemaVersion int               `json:"schema_version"`
	Entity        string            `json:"entity,omitempty"`
	Category      string            `json:"category,omitempty"`
	Phases        []string          `json:"phases,omitempty"`
	Source        string            `json:"source,omitempty"`
	Language      string            `json:"language,omitempty"`
	PublishedAt   time.Time         `json:"published_at,omitzero"`
	AgeRange      *AgeRange         `json:"age_range,omitempty"`
	Flags         []string          `json:"flags,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	out := m
	out.Phases = append([]string(nil), m.Phases...)
	out.Flags = append([]string(nil), m.Flags...)
	if m.AgeRange != nil {
		r := *m.AgeRange
		out.AgeRange = &r
	}
	if m.Extra != nil {
		out.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// HasFlag reports whether flag is set.
func (m Metadata) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Year returns the publication year, or 0 when unknown.
func (m Metadata) Year() int {
	if m.PublishedAt.IsZero() {
		return 0
	}
	return m.PublishedAt.Year()
}

// Document is a retrievable passage from the internal knowledge store.
type Document struct {
	ID       string   `json:"id,omitempty"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// Key returns the identity used for fusion: the store id, else a content hash.
func (d *Document) Key() string {
	if d.ID != "" {
		return d.ID
	}
	return ContentHash(d.Content)
}

// ContentHash returns the hex SHA-256 of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Hit is one entry of a ranked store response. Higher scores are better.
type Hit struct {
	Doc   *Document
	Score float64
}

// VectorSearcher queries a dense vector index.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, k int, filter *Filter) ([]*Hit, error)
}

// LexicalSearcher queries a sparse lexical index.
type LexicalSearcher interface {
	Search(ctx context.Context, query string, k int, filter *Filter) ([]*Hit, error)
}

// VectorIndex is a VectorSearcher that can also be written to.
// The write side belongs to ingestion and test fixtures.
type VectorIndex interface {
	VectorSearcher
	Add(ctx context.Context, docs []*Document, vectors [][]float32) error
	Close() error
}

// LexicalIndex is a LexicalSearcher that can also be written to.
type LexicalIndex interface {
	LexicalSearcher
	Index(ctx context.Context, docs []*Document) error
	Close() error
}

// LexicalConfig configures the lexical analyzers.
type LexicalConfig struct {
	// StopWords are dropped during tokenization.
	StopWords []string
}

// DefaultLexicalConfig returns the default stop word list.
func DefaultLexicalConfig() LexicalConfig {
	return LexicalConfig{StopWords: DefaultStopWords}
}

// DefaultStopWords covers English, French and Spanish function words.
var DefaultStopWords = []string{
	// en
	"a", "an", "and", "are", "at", "be", "by", "for", "from", "how", "in", "is", "it",
	"of", "on", "or", "the", "to", "what", "which", "with",
	// fr
	"au", "aux", "avec", "ce", "dans", "de", "des", "du", "en", "est", "et", "la", "le",
	"les", "pour", "quel", "quelle", "sur", "un", "une",
	// es
	"con", "del", "el", "las", "los", "para", "por", "que", "qué", "se", "su", "y",
}

// VectorStoreConfig configures the in-process HNSW store.
type VectorStoreConfig struct {
	// Dimensions is the vector dimension.
	Dimensions int

	// Metric is the distance metric: "cos" (cosine), "l2" (euclidean) (default: "cos")
	Metric string

	// M is HNSW max connections per layer (default: 16)
	M int

	// EfSearch is HNSW query-time search width (default: 20)
	EfSearch int
}

// DefaultVectorStoreConfig returns sensible defaults for the vector store.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          16,
		EfSearch:   64,
	}
}
