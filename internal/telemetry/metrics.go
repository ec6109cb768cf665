// Package telemetry records retrieval metrics with Prometheus collectors.
//
// Every recording method is safe on a nil *Metrics, so components can take
// an optional collector without guarding each call.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "intelia_retrieval"

// Sub-search modalities used as label values.
const (
	ModalityVector  = "vector"
	ModalityLexical = "lexical"
)

// Fetch outcomes used as label values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeEmpty   = "empty"
)

// DefaultRecentZeroResults is how many zero-result queries are kept.
const DefaultRecentZeroResults = 50

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20}

// Metrics holds the collectors for internal and external retrieval.
type Metrics struct {
	registry *prometheus.Registry

	retrieveDuration  prometheus.Histogram
	retrieveResults   prometheus.Histogram
	zeroResults       prometheus.Counter
	searchDuration    prometheus.Histogram
	subSearchFailures *prometheus.CounterVec
	filterRelaxations prometheus.Counter
	fetchDuration     *prometheus.HistogramVec
	fetchOutcomes     *prometheus.CounterVec
	externalSearches  *prometheus.CounterVec

	recentZero *CircularBuffer[string]
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// gets a private registry, available from Registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		retrieveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieve_duration_seconds",
			Help:      "End-to-end internal retrieval latency.",
			Buckets:   durationBuckets,
		}),
		retrieveResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieve_results",
			Help:      "Number of ranked results returned per retrieval.",
			Buckets:   prometheus.LinearBuckets(0, 5, 6),
		}),
		zeroResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieve_zero_results_total",
			Help:      "Retrievals that returned no result.",
		}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hybrid_search_duration_seconds",
			Help:      "Hybrid search fan-out and fusion latency.",
			Buckets:   durationBuckets,
		}),
		subSearchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sub_search_failures_total",
			Help:      "Failed or timed out sub-searches by modality.",
		}, []string{"modality"}),
		filterRelaxations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_relaxations_total",
			Help:      "Hybrid searches retried with a relaxed filter.",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "External provider fetch latency.",
			Buckets:   durationBuckets,
		}, []string{"source"}),
		fetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "External provider fetches by outcome.",
		}, []string{"source", "outcome"}),
		externalSearches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_searches_total",
			Help:      "External searches by found status.",
		}, []string{"found"}),
		recentZero: NewCircularBuffer[string](DefaultRecentZeroResults),
	}

	if reg == nil {
		m.registry = prometheus.NewRegistry()
		reg = m.registry
	} else if r, ok := reg.(*prometheus.Registry); ok {
		m.registry = r
	}

	reg.MustRegister(
		m.retrieveDuration,
		m.retrieveResults,
		m.zeroResults,
		m.searchDuration,
		m.subSearchFailures,
		m.filterRelaxations,
		m.fetchDuration,
		m.fetchOutcomes,
		m.externalSearches,
	)
	return m
}

// Registry returns the registry the collectors were registered on, or nil
// when a non-Registry Registerer was supplied.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRetrieve records one end-to-end retrieval.
func (m *Metrics) ObserveRetrieve(query string, d time.Duration, results int) {
	if m == nil {
		return
	}
	m.retrieveDuration.Observe(d.Seconds())
	m.retrieveResults.Observe(float64(results))
	if results == 0 {
		m.zeroResults.Inc()
		m.recentZero.Add(query)
	}
}

// ObserveSearch records one hybrid search fan-out.
func (m *Metrics) ObserveSearch(d time.Duration) {
	if m == nil {
		return
	}
	m.searchDuration.Observe(d.Seconds())
}

// SubSearchFailed counts a failed or missing sub-search list.
func (m *Metrics) SubSearchFailed(modality string) {
	if m == nil {
		return
	}
	m.subSearchFailures.WithLabelValues(modality).Inc()
}

// FilterRelaxed counts a relaxed-filter retry.
func (m *Metrics) FilterRelaxed() {
	if m == nil {
		return
	}
	m.filterRelaxations.Inc()
}

// ObserveFetch records one provider fetch.
func (m *Metrics) ObserveFetch(source string, d time.Duration, docs int, err error) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(source).Observe(d.Seconds())
	outcome := OutcomeSuccess
	switch {
	case err != nil:
		outcome = OutcomeError
	case docs == 0:
		outcome = OutcomeEmpty
	}
	m.fetchOutcomes.WithLabelValues(source, outcome).Inc()
}

// ExternalSearch counts one external search.
func (m *Metrics) ExternalSearch(found bool) {
	if m == nil {
		return
	}
	label := "false"
	if found {
		label = "true"
	}
	m.externalSearches.WithLabelValues(label).Inc()
}

// RecentZeroResults returns the most recent queries that returned nothing,
// oldest first.
func (m *Metrics) RecentZeroResults() []string {
	if m == nil {
		return nil
	}
	return m.recentZero.Items()
}

// =============================================================================
// Circular Buffer
// =============================================================================

// CircularBuffer is a fixed-capacity FIFO buffer. Adding to a full buffer
// evicts the oldest item. Safe for concurrent use.
type CircularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int
	size     int
	capacity int
}

// NewCircularBuffer creates a buffer holding at most capacity items.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends item, evicting the oldest one when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[(b.head+b.size)%b.capacity] = item
	if b.size < b.capacity {
		b.size++
	} else {
		b.head = (b.head + 1) % b.capacity
	}
}

// Items returns the buffered items, oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%b.capacity]
	}
	return out
}

// Size returns the number of buffered items.
func (b *CircularBuffer[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
