package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Metrics
// =============================================================================

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveRetrieve("q", time.Second, 0)
		m.ObserveSearch(time.Second)
		m.SubSearchFailed(ModalityVector)
		m.FilterRelaxed()
		m.ObserveFetch("pubmed", time.Second, 1, nil)
		m.ExternalSearch(true)
	})
	assert.Nil(t, m.Registry())
	assert.Nil(t, m.RecentZeroResults())
}

func TestMetrics_PrivateRegistry(t *testing.T) {
	m := NewMetrics(nil)
	require.NotNil(t, m.Registry())

	m.FilterRelaxed()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_SuppliedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	assert.Same(t, reg, m.Registry())
}

func TestMetrics_ObserveRetrieve_TracksZeroResults(t *testing.T) {
	// Given: fresh metrics
	m := NewMetrics(nil)

	// When: one retrieval finds results and two find nothing
	m.ObserveRetrieve("ross 308 weight", 10*time.Millisecond, 3)
	m.ObserveRetrieve("unknown breed", 10*time.Millisecond, 0)
	m.ObserveRetrieve("empty again", 10*time.Millisecond, 0)

	// Then: zero results are counted and remembered in order
	assert.Equal(t, 2.0, testutil.ToFloat64(m.zeroResults))
	assert.Equal(t, []string{"unknown breed", "empty again"}, m.RecentZeroResults())
	assert.Equal(t, 3, testutil.CollectAndCount(m.retrieveDuration))
}

func TestMetrics_SubSearchFailed_ByModality(t *testing.T) {
	m := NewMetrics(nil)

	m.SubSearchFailed(ModalityVector)
	m.SubSearchFailed(ModalityVector)
	m.SubSearchFailed(ModalityLexical)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.subSearchFailures.WithLabelValues(ModalityVector)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subSearchFailures.WithLabelValues(ModalityLexical)))
}

func TestMetrics_ObserveFetch_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		docs    int
		err     error
		outcome string
	}{
		{"success", 3, nil, OutcomeSuccess},
		{"empty", 0, nil, OutcomeEmpty},
		{"error", 0, errors.New("boom"), OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics(nil)

			m.ObserveFetch("crossref", 50*time.Millisecond, tt.docs, tt.err)

			assert.Equal(t, 1.0, testutil.ToFloat64(m.fetchOutcomes.WithLabelValues("crossref", tt.outcome)))
		})
	}
}

func TestMetrics_ExternalSearch(t *testing.T) {
	m := NewMetrics(nil)

	m.ExternalSearch(true)
	m.ExternalSearch(false)
	m.ExternalSearch(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.externalSearches.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.externalSearches.WithLabelValues("false")))
}

// =============================================================================
// CircularBuffer
// =============================================================================

func TestCircularBuffer_MaintainsCapacity(t *testing.T) {
	buf := NewCircularBuffer[string](3)

	buf.Add("query1")
	buf.Add("query2")
	buf.Add("query3")
	buf.Add("query4") // evicts query1
	buf.Add("query5") // evicts query2

	assert.Equal(t, []string{"query3", "query4", "query5"}, buf.Items())
	assert.Equal(t, 3, buf.Size())
}

func TestCircularBuffer_Empty(t *testing.T) {
	buf := NewCircularBuffer[int](4)

	assert.Empty(t, buf.Items())
	assert.Equal(t, 0, buf.Size())
}

func TestCircularBuffer_NonPositiveCapacity(t *testing.T) {
	buf := NewCircularBuffer[int](0)

	buf.Add(1)
	buf.Add(2)

	assert.Equal(t, []int{2}, buf.Items())
}

func TestCircularBuffer_ConcurrentAdd(t *testing.T) {
	buf := NewCircularBuffer[int](100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				buf.Add(base*100 + j)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, buf.Size())
}
