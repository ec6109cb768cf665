package search

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dominicdesy/intelia-expert-sub006/internal/store"
)

var errStoreDown = errors.New("store down")

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func doc(id, content string, md store.Metadata) *store.Document {
	md.SchemaVersion = store.SchemaVersion
	return &store.Document{ID: id, Content: content, Metadata: md}
}

// fakeStore returns its documents in a fixed order, filtered by the
// predicate, scored 1/rank.
type fakeStore struct {
	docs  []*store.Document
	err   error
	block bool
	calls atomic.Int32
}

func (f *fakeStore) hits(ctx context.Context, k int, filter *store.Filter) ([]*store.Hit, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	out := []*store.Hit{}
	for i, d := range f.docs {
		if len(out) == k {
			break
		}
		if filter.Match(&d.Metadata) {
			out = append(out, &store.Hit{Doc: d, Score: 1 / float64(i+1)})
		}
	}
	return out, nil
}

type fakeVector struct{ fakeStore }

func (f *fakeVector) Search(ctx context.Context, _ []float32, k int, filter *store.Filter) ([]*store.Hit, error) {
	return f.hits(ctx, k, filter)
}

type fakeLexical struct{ fakeStore }

func (f *fakeLexical) Search(ctx context.Context, _ string, k int, filter *store.Filter) ([]*store.Hit, error) {
	return f.hits(ctx, k, filter)
}

func newFakeVector(docs ...*store.Document) *fakeVector {
	return &fakeVector{fakeStore{docs: docs}}
}

func newFakeLexical(docs ...*store.Document) *fakeLexical {
	return &fakeLexical{fakeStore{docs: docs}}
}

// fakeEmbedder returns a constant vector or a fixed error.
type fakeEmbedder struct {
	err   error
	calls atomic.Int32
}

func (e *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0, 0, 0}, nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *fakeEmbedder) Dimensions() int   { return 4 }
func (e *fakeEmbedder) ModelName() string { return "fake" }
func (e *fakeEmbedder) Close() error      { return nil }

func candidateKeys(cands []*Candidate) []string {
	keys := make([]string, len(cands))
	for i, c := range cands {
		keys[i] = c.Key
	}
	return keys
}

func resultIDs(results []*RankedResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Doc.Key()
	}
	return ids
}

func fusedKeys(results []*FusedResult) []string {
	keys := make([]string, len(results))
	for i, r := range results {
		keys[i] = r.Key
	}
	return keys
}

// list builds a ranked list from documents in order.
func list(name string, weight float64, docs ...*store.Document) RankedList {
	hits := make([]*store.Hit, len(docs))
	for i, d := range docs {
		hits[i] = &store.Hit{Doc: d, Score: 1 / float64(i+1)}
	}
	return RankedList{Name: name, Weight: weight, Hits: hits}
}
