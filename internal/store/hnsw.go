package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

// filterOverfetch is how many candidates per requested result a filtered
// search pulls from the graph before applying the predicate.
const filterOverfetch = 4

// HNSWStore is an in-process VectorIndex built on coder/hnsw.
// Documents are kept alongside the graph so hits carry their metadata.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig

	idMap   map[string]uint64
	keyMap  map[uint64]string
	docs    map[string]*Document
	nextKey uint64

	closed bool
}

var _ VectorIndex = (*HNSWStore)(nil)

// hnswMetadata is persisted next to the exported graph.
type hnswMetadata struct {
	IDMap   map[string]uint64
	Docs    map[string]*Document
	NextKey uint64
	Config  VectorStoreConfig
}

// NewHNSWStore creates an empty store.
func NewHNSWStore(cfg VectorStoreConfig) (*HNSWStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, ierrors.ConfigError(fmt.Sprintf("vector dimensions must be positive, got %d", cfg.Dimensions), nil)
	}
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	return &HNSWStore{
		graph:  newGraph(cfg),
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		docs:   make(map[string]*Document),
	}, nil
}

func newGraph(cfg VectorStoreConfig) *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25
	return graph
}

// Add inserts documents with their vectors. An existing key is replaced.
func (s *HNSWStore) Add(ctx context.Context, docs []*Document, vectors [][]float32) error {
	if len(docs) == 0 {
		return nil
	}
	if len(docs) != len(vectors) {
		return ierrors.ValidationError(fmt.Sprintf("docs and vectors length mismatch: %d vs %d", len(docs), len(vectors)), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ierrors.New(ierrors.ErrCodeStoreClosed, "store is closed", nil)
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return dimensionMismatch(s.config.Dimensions, len(v))
		}
	}

	for i, doc := range docs {
		id := doc.Key()
		// Lazy deletion: coder/hnsw misbehaves when the last node is deleted,
		// so replaced nodes are orphaned instead.
		if existingKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, id)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		if s.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}
		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[id] = key
		s.keyMap[key] = id
		s.docs[id] = doc
	}
	return nil
}

// Search returns the k nearest documents satisfying filter.
func (s *HNSWStore) Search(ctx context.Context, query []float32, k int, filter *Filter) ([]*Hit, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ierrors.New(ierrors.ErrCodeStoreClosed, "store is closed", nil)
	}
	if len(query) != s.config.Dimensions {
		return nil, dimensionMismatch(s.config.Dimensions, len(query))
	}
	total := s.graph.Len()
	if total == 0 || k <= 0 {
		return []*Hit{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	if s.config.Metric == "cos" {
		normalizeVectorInPlace(normalized)
	}

	fetch := k
	if !filter.IsEmpty() {
		fetch = k * filterOverfetch
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fetch > total {
			fetch = total
		}
		hits := s.collect(normalized, fetch, k, filter)
		if len(hits) >= k || fetch >= total {
			return hits, nil
		}
		fetch *= 2
	}
}

func (s *HNSWStore) collect(query []float32, fetch, k int, filter *Filter) []*Hit {
	nodes := s.graph.Search(query, fetch)
	hits := make([]*Hit, 0, k)
	for _, node := range nodes {
		id, ok := s.keyMap[node.Key]
		if !ok {
			continue
		}
		doc := s.docs[id]
		if doc == nil || !filter.Match(&doc.Metadata) {
			continue
		}
		distance := s.graph.Distance(query, node.Value)
		hits = append(hits, &Hit{Doc: doc, Score: float64(distanceToScore(distance, s.config.Metric))})
		if len(hits) == k {
			break
		}
	}
	return hits
}

// Count returns the number of live documents.
func (s *HNSWStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idMap)
}

// Save persists the graph to path and the documents to path+".meta".
// Both files are written to a temp file and renamed.
func (s *HNSWStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ierrors.New(ierrors.ErrCodeStoreClosed, "store is closed", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ierrors.StoreError("failed to create directory", err)
	}

	tmpIndexPath := path + ".tmp"
	file, err := os.Create(tmpIndexPath)
	if err != nil {
		return ierrors.StoreError("failed to create index file", err)
	}
	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpIndexPath)
		return ierrors.StoreError("failed to export graph", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpIndexPath)
		return ierrors.StoreError("failed to close index file", err)
	}
	if err := os.Rename(tmpIndexPath, path); err != nil {
		os.Remove(tmpIndexPath)
		return ierrors.StoreError("failed to rename index file", err)
	}

	if err := s.saveMetadata(path + ".meta"); err != nil {
		return ierrors.StoreError("failed to save metadata", err)
	}
	return nil
}

func (s *HNSWStore) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := hnswMetadata{
		IDMap:   s.idMap,
		Docs:    s.docs,
		NextKey: s.nextKey,
		Config:  s.config,
	}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load replaces the store contents with a snapshot written by Save.
func (s *HNSWStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ierrors.New(ierrors.ErrCodeStoreClosed, "store is closed", nil)
	}

	meta, err := readHNSWMetadata(path + ".meta")
	if err != nil {
		return ierrors.New(ierrors.ErrCodeCorruptIndex, "failed to load vector metadata", err).WithDetail("path", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return ierrors.StoreError("failed to open index file", err).WithDetail("path", path)
	}
	defer file.Close()

	graph := newGraph(meta.Config)
	// coder/hnsw Import requires an io.ByteReader.
	if err := graph.Import(bufio.NewReader(file)); err != nil {
		return ierrors.New(ierrors.ErrCodeCorruptIndex, "failed to import graph", err).WithDetail("path", path)
	}

	s.graph = graph
	s.config = meta.Config
	s.idMap = meta.IDMap
	s.docs = meta.Docs
	s.nextKey = meta.NextKey
	s.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	if s.docs == nil {
		s.docs = make(map[string]*Document)
	}
	return nil
}

func readHNSWMetadata(path string) (*hnswMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode hnsw metadata: %w", err)
	}
	return &meta, nil
}

// ReadHNSWStoreDimensions reads the dimensions of a saved store.
// Returns 0 when no snapshot exists.
func ReadHNSWStoreDimensions(vectorPath string) (int, error) {
	meta, err := readHNSWMetadata(vectorPath + ".meta")
	if err != nil {
		if _, statErr := os.Stat(vectorPath + ".meta"); os.IsNotExist(statErr) {
			return 0, nil
		}
		return 0, err
	}
	return meta.Config.Dimensions, nil
}

// Close releases the graph.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

func dimensionMismatch(expected, got int) error {
	return ierrors.New(ierrors.ErrCodeDimensionMismatch,
		fmt.Sprintf("vector dimension mismatch: expected %d, got %d", expected, got), nil).
		WithSuggestion("Use the same embedding model for ingestion and queries")
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// distanceToScore maps a distance to a similarity in [0, 1].
// Cosine distance ranges 0..2; L2 is unbounded.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		return 1.0 - distance/2.0
	}
}
