package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search/query"

	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

const (
	// TokenizerName is the name of the word tokenizer registered with bleve.
	TokenizerName = "intelia_tokenizer"

	// StopFilterName is the name of the multilingual stop word filter.
	StopFilterName = "intelia_stop"

	// AnalyzerName is the name of the content analyzer.
	AnalyzerName = "intelia_analyzer"

	fieldContent = "content"
	fieldDoc     = "doc"
)

func init() {
	_ = registry.RegisterTokenizer(TokenizerName, tokenizerConstructor)
	_ = registry.RegisterTokenFilter(StopFilterName, stopFilterConstructor)
}

// BleveIndex is a LexicalIndex backed by bleve v2 (BM25-style scoring).
// Metadata fields are indexed as keywords so filter clauses are evaluated
// inside the index rather than after it.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

var _ LexicalIndex = (*BleveIndex)(nil)

// NewBleveIndex creates or opens a bleve index.
// If path is empty, creates an in-memory index.
func NewBleveIndex(path string, cfg LexicalConfig) (*BleveIndex, error) {
	indexMapping, err := createIndexMapping(cfg)
	if err != nil {
		return nil, ierrors.InternalError("failed to create index mapping", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, ierrors.StoreError(fmt.Sprintf("failed to create directory for %s", path), err)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err == bleve.ErrorIndexMetaCorrupt {
			slog.Warn("lexical index corrupted, recreating", slog.String("path", path))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, ierrors.New(ierrors.ErrCodeCorruptIndex, "lexical index corrupted and cannot be removed", removeErr)
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, ierrors.StoreError("failed to create/open lexical index", err).WithDetail("path", path)
	}

	return &BleveIndex{index: idx, path: path}, nil
}

// createIndexMapping maps content through the custom analyzer, metadata
// through the keyword analyzer, year as a number and the full document as
// a stored, unindexed field.
func createIndexMapping(cfg LexicalConfig) (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	stopWords := make([]interface{}, len(cfg.StopWords))
	for i, w := range cfg.StopWords {
		stopWords[i] = w
	}
	if err := indexMapping.AddCustomTokenFilter(StopFilterName+"_cfg", map[string]interface{}{
		"type":       StopFilterName,
		"stop_words": stopWords,
	}); err != nil {
		return nil, fmt.Errorf("failed to add stop filter: %w", err)
	}

	err := indexMapping.AddCustomAnalyzer(AnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": TokenizerName,
		"token_filters": []string{
			lowercase.Name,
			StopFilterName + "_cfg",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}

	docMapping := bleve.NewDocumentStaticMapping()

	content := bleve.NewTextFieldMapping()
	content.Analyzer = AnalyzerName
	docMapping.AddFieldMappingsAt(fieldContent, content)

	for _, f := range []Field{FieldEntity, FieldCategory, FieldPhase, FieldSource, FieldLanguage} {
		docMapping.AddFieldMappingsAt(string(f), bleve.NewKeywordFieldMapping())
	}
	docMapping.AddFieldMappingsAt(string(FieldYear), bleve.NewNumericFieldMapping())

	raw := bleve.NewTextFieldMapping()
	raw.Index = false
	raw.Store = true
	raw.IncludeInAll = false
	raw.IncludeTermVectors = false
	docMapping.AddFieldMappingsAt(fieldDoc, raw)

	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = AnalyzerName

	return indexMapping, nil
}

// bleveFields flattens a document into the indexed field layout.
func bleveFields(doc *Document) (map[string]interface{}, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	m := doc.Metadata
	fields := map[string]interface{}{
		fieldContent:          doc.Content,
		fieldDoc:              string(raw),
		string(FieldEntity):   strings.ToLower(m.Entity),
		string(FieldCategory): strings.ToLower(m.Category),
		string(FieldSource):   strings.ToLower(m.Source),
		string(FieldLanguage): strings.ToLower(m.Language),
		string(FieldPhase):    lowerAll(m.Phases),
	}
	if y := m.Year(); y > 0 {
		fields[string(FieldYear)] = float64(y)
	}
	return fields, nil
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}

// Index adds or replaces documents.
func (b *BleveIndex) Index(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ierrors.New(ierrors.ErrCodeStoreClosed, "index is closed", nil)
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		fields, err := bleveFields(doc)
		if err != nil {
			return ierrors.InternalError(fmt.Sprintf("failed to encode document %s", doc.Key()), err)
		}
		if err := batch.Index(doc.Key(), fields); err != nil {
			return ierrors.StoreError(fmt.Sprintf("failed to index document %s", doc.Key()), err)
		}
	}

	if err := b.index.Batch(batch); err != nil {
		return ierrors.StoreError("failed to execute batch", err)
	}
	return nil
}

// Search returns documents matching text that satisfy filter, best first.
func (b *BleveIndex) Search(ctx context.Context, text string, k int, filter *Filter) ([]*Hit, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ierrors.New(ierrors.ErrCodeStoreClosed, "index is closed", nil)
	}
	if strings.TrimSpace(text) == "" || k <= 0 {
		return []*Hit{}, nil
	}

	match := bleve.NewMatchQuery(text)
	match.SetField(fieldContent)

	var q query.Query = match
	if !filter.IsEmpty() {
		conjuncts := []query.Query{match}
		for _, c := range filter.Clauses {
			conjuncts = append(conjuncts, clauseQuery(c))
		}
		q = bleve.NewConjunctionQuery(conjuncts...)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = k
	req.Fields = []string{fieldDoc}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, ierrors.New(ierrors.ErrCodeSearchFailed, "lexical search failed", err)
	}

	hits := make([]*Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		raw, _ := h.Fields[fieldDoc].(string)
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			slog.Warn("skipping undecodable lexical hit", slog.String("id", h.ID), slog.String("error", err.Error()))
			continue
		}
		hits = append(hits, &Hit{Doc: &doc, Score: h.Score})
	}
	return hits, nil
}

// clauseQuery translates one filter clause into a bleve query.
func clauseQuery(c Clause) query.Query {
	if c.Field == FieldYear {
		if c.isRange() {
			bound, _ := strconv.ParseFloat(c.Values[0], 64)
			inclusive := true
			var rq *query.NumericRangeQuery
			if c.Op == OpGte {
				rq = bleve.NewNumericRangeInclusiveQuery(&bound, nil, &inclusive, nil)
			} else {
				rq = bleve.NewNumericRangeInclusiveQuery(nil, &bound, nil, &inclusive)
			}
			rq.SetField(string(FieldYear))
			return rq
		}
		disjuncts := make([]query.Query, 0, len(c.Values))
		for _, v := range c.Values {
			year, _ := strconv.ParseFloat(v, 64)
			inclusive := true
			rq := bleve.NewNumericRangeInclusiveQuery(&year, &year, &inclusive, &inclusive)
			rq.SetField(string(FieldYear))
			disjuncts = append(disjuncts, rq)
		}
		return bleve.NewDisjunctionQuery(disjuncts...)
	}

	disjuncts := make([]query.Query, 0, len(c.Values))
	for _, v := range c.Values {
		tq := bleve.NewTermQuery(strings.ToLower(v))
		tq.SetField(string(c.Field))
		disjuncts = append(disjuncts, tq)
	}
	if len(disjuncts) == 1 {
		return disjuncts[0]
	}
	return bleve.NewDisjunctionQuery(disjuncts...)
}

// Count returns the number of indexed documents.
func (b *BleveIndex) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	n, _ := b.index.DocCount()
	return int(n)
}

// Close closes the index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

// tokenizerConstructor creates the word tokenizer for bleve.
func tokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &bleveTokenizer{}, nil
}

// bleveTokenizer implements analysis.Tokenizer on top of tokenSpans.
type bleveTokenizer struct{}

// Tokenize implements analysis.Tokenizer.
func (t *bleveTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	spans := tokenSpans(text)

	result := make(analysis.TokenStream, 0, len(spans))
	pos := 1
	for _, s := range spans {
		term := text[s.start:s.end]
		if !keepToken(strings.ToLower(term)) {
			continue
		}
		typ := analysis.AlphaNumeric
		if _, err := strconv.Atoi(term); err == nil {
			typ = analysis.Numeric
		}
		result = append(result, &analysis.Token{
			Term:     []byte(term),
			Start:    s.start,
			End:      s.end,
			Position: pos,
			Type:     typ,
		})
		pos++
	}
	return result
}

// stopFilterConstructor builds the stop word filter from its "stop_words" config.
func stopFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	var words []string
	if raw, ok := config["stop_words"].([]interface{}); ok {
		for _, w := range raw {
			if s, ok := w.(string); ok {
				words = append(words, s)
			}
		}
	}
	return &bleveStopFilter{stopWords: BuildStopWordMap(words)}, nil
}

// bleveStopFilter implements analysis.TokenFilter for stop words.
type bleveStopFilter struct {
	stopWords map[string]struct{}
}

// Filter implements analysis.TokenFilter.
func (f *bleveStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		if _, isStop := f.stopWords[strings.ToLower(string(token.Term))]; !isStop {
			result = append(result, token)
		}
	}
	return result
}
