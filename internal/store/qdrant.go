package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	qd "github.com/qdrant/go-client/qdrant"

	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

// Payload keys written to every qdrant point.
const (
	payloadDocID    = "doc_id"
	payloadContent  = "content"
	payloadMetadata = "metadata"
)

// QdrantConfig configures a QdrantStore.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimensions int
}

// QdrantStore is a VectorIndex backed by a qdrant collection.
// Filter clauses become qdrant payload conditions.
type QdrantStore struct {
	client      *qd.Client
	collections collectionAdmin
	collection  string
	dimensions  int

	ensureMu sync.Mutex
	ensured  bool
}

// collectionAdmin is the part of *qd.Client that creates the collection.
type collectionAdmin interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qd.CreateCollection) error
}

var _ VectorIndex = (*QdrantStore)(nil)

// NewQdrantStore connects to qdrant over gRPC.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		return nil, ierrors.ConfigError("qdrant host is required", nil)
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "intelia_documents"
	}

	client, err := qd.NewClient(&qd.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, ierrors.New(ierrors.ErrCodeStoreUnavailable, "failed to create qdrant client", err).
			WithDetail("host", cfg.Host)
	}

	return &QdrantStore{
		client:      client,
		collections: client,
		collection:  cfg.Collection,
		dimensions:  cfg.Dimensions,
	}, nil
}

// Search runs a nearest-neighbour query restricted by filter.
func (q *QdrantStore) Search(ctx context.Context, vector []float32, k int, filter *Filter) ([]*Hit, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if q.dimensions > 0 && len(vector) != q.dimensions {
		return nil, dimensionMismatch(q.dimensions, len(vector))
	}
	if k <= 0 {
		return []*Hit{}, nil
	}

	limit := uint64(k)
	points, err := q.client.Query(ctx, &qd.QueryPoints{
		CollectionName: q.collection,
		Query:          qd.NewQuery(vector...),
		Filter:         qdrantFilter(filter),
		WithPayload:    qd.NewWithPayload(true),
		Limit:          &limit,
	})
	if err != nil {
		return nil, ierrors.New(ierrors.ErrCodeStoreUnavailable, "qdrant query failed", err).
			WithDetail("collection", q.collection)
	}

	hits := make([]*Hit, 0, len(points))
	for _, p := range points {
		doc, err := documentFromPayload(p.GetPayload())
		if err != nil {
			continue
		}
		hits = append(hits, &Hit{Doc: doc, Score: float64(p.GetScore())})
	}
	return hits, nil
}

// Add upserts documents. The collection is created on first write.
func (q *QdrantStore) Add(ctx context.Context, docs []*Document, vectors [][]float32) error {
	if len(docs) == 0 {
		return nil
	}
	if len(docs) != len(vectors) {
		return ierrors.ValidationError(fmt.Sprintf("docs and vectors length mismatch: %d vs %d", len(docs), len(vectors)), nil)
	}
	if err := q.ensureCollection(ctx, len(vectors[0])); err != nil {
		return err
	}

	points := make([]*qd.PointStruct, 0, len(docs))
	for i, doc := range docs {
		payload, err := qdrantPayload(doc)
		if err != nil {
			return ierrors.InternalError(fmt.Sprintf("failed to encode document %s", doc.Key()), err)
		}
		points = append(points, &qd.PointStruct{
			Id: &qd.PointId{PointIdOptions: &qd.PointId_Uuid{Uuid: pointID(doc.Key())}},
			Vectors: &qd.Vectors{
				VectorsOptions: &qd.Vectors_Vector{Vector: &qd.Vector{Data: vectors[i]}},
			},
			Payload: payload,
		})
	}

	wait := true
	if _, err := q.client.Upsert(ctx, &qd.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
		Wait:           &wait,
	}); err != nil {
		return ierrors.New(ierrors.ErrCodeStoreUnavailable, "qdrant upsert failed", err).
			WithDetail("collection", q.collection)
	}
	return nil
}

// ensureCollection creates the collection on first use. A failed attempt
// is not remembered, so the next Add tries again.
func (q *QdrantStore) ensureCollection(ctx context.Context, dims int) error {
	q.ensureMu.Lock()
	defer q.ensureMu.Unlock()
	if q.ensured {
		return nil
	}

	exists, err := q.collections.CollectionExists(ctx, q.collection)
	if err != nil {
		return ierrors.New(ierrors.ErrCodeStoreUnavailable, "qdrant collection check failed", err).
			WithDetail("collection", q.collection)
	}
	if !exists {
		if err := q.collections.CreateCollection(ctx, &qd.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qd.NewVectorsConfig(&qd.VectorParams{
				Size:     uint64(dims),
				Distance: qd.Distance_Cosine,
			}),
		}); err != nil {
			return ierrors.New(ierrors.ErrCodeStoreUnavailable, "qdrant collection create failed", err).
				WithDetail("collection", q.collection)
		}
	}
	q.ensured = true
	return nil
}

// Close closes the gRPC connection.
func (q *QdrantStore) Close() error {
	return q.client.Close()
}

// pointID derives a stable UUID from a document key; qdrant ids must be
// integers or UUIDs.
func pointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// qdrantPayload flattens a document into filterable payload fields plus the
// full metadata as JSON.
func qdrantPayload(doc *Document) (map[string]*qd.Value, error) {
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return nil, err
	}
	m := doc.Metadata

	phases := make([]*qd.Value, len(m.Phases))
	for i, p := range m.Phases {
		phases[i] = qd.NewValueString(strings.ToLower(p))
	}

	payload := map[string]*qd.Value{
		payloadDocID:          qd.NewValueString(doc.Key()),
		payloadContent:        qd.NewValueString(doc.Content),
		payloadMetadata:       qd.NewValueString(string(meta)),
		string(FieldEntity):   qd.NewValueString(strings.ToLower(m.Entity)),
		string(FieldCategory): qd.NewValueString(strings.ToLower(m.Category)),
		string(FieldSource):   qd.NewValueString(strings.ToLower(m.Source)),
		string(FieldLanguage): qd.NewValueString(strings.ToLower(m.Language)),
		string(FieldPhase):    {Kind: &qd.Value_ListValue{ListValue: &qd.ListValue{Values: phases}}},
	}
	if y := m.Year(); y > 0 {
		payload[string(FieldYear)] = qd.NewValueInt(int64(y))
	}
	return payload, nil
}

// documentFromPayload rebuilds a document written by qdrantPayload.
func documentFromPayload(payload map[string]*qd.Value) (*Document, error) {
	content := payload[payloadContent].GetStringValue()
	if content == "" {
		return nil, fmt.Errorf("point has no content")
	}
	doc := &Document{
		ID:      payload[payloadDocID].GetStringValue(),
		Content: content,
	}
	if raw := payload[payloadMetadata].GetStringValue(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return doc, nil
}

// qdrantFilter translates filter into a qdrant filter. Returns nil when empty.
func qdrantFilter(filter *Filter) *qd.Filter {
	if filter.IsEmpty() {
		return nil
	}

	must := make([]*qd.Condition, 0, len(filter.Clauses))
	for _, c := range filter.Clauses {
		if c.Field == FieldYear {
			must = append(must, yearCondition(c))
			continue
		}
		values := lowerAll(c.Values)
		if len(values) == 1 {
			must = append(must, qd.NewMatch(string(c.Field), values[0]))
		} else {
			must = append(must, qd.NewMatchKeywords(string(c.Field), values...))
		}
	}
	return &qd.Filter{Must: must}
}

func yearCondition(c Clause) *qd.Condition {
	field := string(FieldYear)
	switch c.Op {
	case OpGte:
		bound, _ := strconv.ParseFloat(c.Values[0], 64)
		return qd.NewRange(field, &qd.Range{Gte: &bound})
	case OpLte:
		bound, _ := strconv.ParseFloat(c.Values[0], 64)
		// Undated points have no year payload and fail any range.
		return qd.NewRange(field, &qd.Range{Lte: &bound})
	}

	should := make([]*qd.Condition, 0, len(c.Values))
	for _, v := range c.Values {
		year, _ := strconv.ParseFloat(v, 64)
		should = append(should, qd.NewRange(field, &qd.Range{Gte: &year, Lte: &year}))
	}
	if len(should) == 1 {
		return should[0]
	}
	return &qd.Condition{ConditionOneOf: &qd.Condition_Filter{Filter: &qd.Filter{Should: should}}}
}
