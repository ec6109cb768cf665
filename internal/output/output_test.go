package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominicdesy/intelia-expert-sub006/internal/external"
	"github.com/dominicdesy/intelia-expert-sub006/internal/search"
	"github.com/dominicdesy/intelia-expert-sub006/internal/store"
)

// =============================================================================
// Status Lines
// =============================================================================

func TestWriter_StatusLines(t *testing.T) {
	tests := []struct {
		name  string
		write func(w *Writer)
		want  string
	}{
		{"success", func(w *Writer) { w.Success("Corpus loaded") }, "✓ Corpus loaded\n"},
		{"warning", func(w *Writer) { w.Warningf("%d docs skipped", 2) }, "! 2 docs skipped\n"},
		{"error", func(w *Writer) { w.Error("Index failed") }, "✗ Index failed\n"},
		{"no icon", func(w *Writer) { w.Status("", "indented") }, "   indented\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.write(New(buf))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestNew_BufferIsPlain(t *testing.T) {
	// Given: a non-terminal writer
	buf := &bytes.Buffer{}

	// When: rendering styled text
	New(buf).header("Results")

	// Then: no escape sequences are emitted
	assert.Equal(t, "Results\n", buf.String())
	assert.False(t, IsTTY(buf))
}

func TestDetectNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.True(t, DetectNoColor())
}

func TestWriter_JSON(t *testing.T) {
	buf := &bytes.Buffer{}

	require.NoError(t, New(buf).JSON(map[string]int{"k": 5}))

	var got map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 5, got["k"])
	assert.Contains(t, buf.String(), "\n  \"k\"")
}

// =============================================================================
// Internal Retrieval
// =============================================================================

func TestWriter_Context(t *testing.T) {
	// Given: an extracted context with age and metrics
	qc := &search.QueryContext{
		Original: "ross 308 weight at 21 days",
		Entity:   "ross_308",
		Category: "performance",
		Phase:    "grower",
		Urgency:  search.UrgencyMedium,
		Language: "en",
		Metrics:  []string{"weight"},
		AgeDays:  21,
		HasAge:   true,
	}
	expanded := &search.ExpandedQuery{
		Original: qc.Original,
		Variants: []string{qc.Original, "ross 308 body weight at 21 days"},
	}
	buf := &bytes.Buffer{}

	// When: printing
	New(buf).Context(qc, expanded)

	// Then: every set field and every variant is shown
	out := buf.String()
	for _, want := range []string{"ross_308", "performance", "grower", "21 days", "medium", "weight", "2. ross 308 body weight"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "environment")
}

func TestWriter_Results(t *testing.T) {
	doc := &store.Document{
		ID:      "guide-1",
		Content: "Ross 308   target weight\nat 21 days is 1.0 kg.",
		Metadata: store.Metadata{
			Entity:   "ross_308",
			Category: "performance",
			Phases:   []string{"grower"},
			Source:   "guide",
		},
	}
	r := &search.RankedResult{
		Doc:             doc,
		BaseScore:       1,
		ContextualScore: 1.2,
		DiversityScore:  1,
		FinalScore:      1.2,
		Factors:         map[string]float64{search.FactorBase: 1, search.FactorEntity: 1},
		FilterRelaxed:   true,
	}
	resp := &search.Response{
		Results:     []*search.RankedResult{r},
		Explanation: search.Explain([]*search.RankedResult{r}),
		Duration:    12 * time.Millisecond,
	}
	buf := &bytes.Buffer{}

	New(buf).Results(resp)

	out := buf.String()
	assert.Contains(t, out, "1 results (12ms)")
	assert.Contains(t, out, "1. guide-1  1.2000")
	assert.Contains(t, out, "ross_308 · performance · grower · guide · filter relaxed")
	assert.Contains(t, out, "Ross 308 target weight at 21 days is 1.0 kg.")
	assert.Contains(t, out, "Ranking factors")
	assert.Contains(t, out, "#1 guide-1")
}

func TestWriter_Results_Empty(t *testing.T) {
	buf := &bytes.Buffer{}

	New(buf).Results(&search.Response{})

	assert.Equal(t, "! No results\n", buf.String())
}

// =============================================================================
// External Search
// =============================================================================

func TestWriter_External(t *testing.T) {
	// Given: a partial-failure result
	d := &external.Document{
		Title:          "Coccidiosis vaccine efficacy",
		Abstract:       "Field trial.",
		Year:           2022,
		Source:         "pubmed",
		Journal:        "Avian Pathology",
		PMID:           "42",
		CitationCount:  7,
		CompositeScore: 0.71,
		URL:            "https://pubmed.ncbi.nlm.nih.gov/42/",
	}
	res := &external.SearchResult{
		Found:            true,
		Best:             d,
		Documents:        []*external.Document{d},
		SourcesSearched:  []string{"pubmed", "crossref"},
		SourcesSucceeded: []string{"pubmed"},
		TotalResults:     3,
		UniqueResults:    2,
		Failures:         map[string]string{"crossref": "crossref returned HTTP 503"},
		DurationMS:       140,
	}
	buf := &bytes.Buffer{}

	// When: printing
	New(buf).External(res)

	// Then: the summary, the failure and the document are shown
	out := buf.String()
	assert.Contains(t, out, "2 unique of 3 results, 1/2 sources (140ms)")
	assert.Contains(t, out, "! crossref: crossref returned HTTP 503")
	assert.Contains(t, out, "1. Coccidiosis vaccine efficacy  0.710")
	assert.Contains(t, out, "2022 · pubmed · Avian Pathology · 7 citations")
	assert.Contains(t, out, "pmid:42")
	assert.NotContains(t, out, "relevance floor")
}

func TestWriter_External_NotFound(t *testing.T) {
	buf := &bytes.Buffer{}

	New(buf).External(&external.SearchResult{Error: "all 2 external sources failed"})

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "✗ all 2 external sources failed\n"))
	assert.Contains(t, out, "No document above the relevance floor")
}

// =============================================================================
// Metrics
// =============================================================================

func TestWriter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fetch_total", Help: "h"}, []string{"source"})
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "latency_seconds", Help: "h"})
	reg.MustRegister(c, h)
	c.WithLabelValues("pubmed").Add(3)
	h.Observe(0.5)

	families, err := reg.Gather()
	require.NoError(t, err)
	buf := &bytes.Buffer{}

	New(buf).Metrics(families)

	out := buf.String()
	assert.Contains(t, out, `fetch_total{source="pubmed"} 3`)
	assert.Contains(t, out, "latency_seconds count=1 sum=0.500")
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b", snippet(" a\n b "))

	long := strings.Repeat("é", snippetLen+10)
	got := snippet(long)
	assert.Equal(t, snippetLen+1, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}
