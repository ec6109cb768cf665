// Package output renders retrieval results for the command line.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/dominicdesy/intelia-expert-sub006/internal/external"
	"github.com/dominicdesy/intelia-expert-sub006/internal/search"
)

// snippetLen bounds content and abstract previews.
const snippetLen = 160

// Writer provides formatted output for the CLI.
type Writer struct {
	out    io.Writer
	styles Styles
}

// New creates a Writer, colored only when out is a terminal and NO_COLOR
// is unset.
func New(out io.Writer) *Writer {
	styles := PlainStyles()
	if IsTTY(out) && !DetectNoColor() {
		styles = DefaultStyles()
	}
	return &Writer{out: out, styles: styles}
}

// NewWithStyles creates a Writer with explicit styles.
func NewWithStyles(out io.Writer, styles Styles) *Writer {
	return &Writer{out: out, styles: styles}
}

// Status prints a status message with an icon.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Success prints a success message.
func (w *Writer) Success(msg string) {
	w.Status(w.styles.Success.Render("✓"), msg)
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status(w.styles.Warning.Render("!"), msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status(w.styles.Error.Render("✗"), msg)
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// JSON writes v as indented JSON.
func (w *Writer) JSON(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (w *Writer) header(s string) {
	_, _ = fmt.Fprintln(w.out, w.styles.Header.Render(s))
}

func (w *Writer) field(label, value string) {
	if value == "" {
		return
	}
	_, _ = fmt.Fprintf(w.out, "  %s %s\n",
		w.styles.Label.Render(fmt.Sprintf("%-12s", label+":")),
		w.styles.Value.Render(value))
}

// =============================================================================
// Internal Retrieval
// =============================================================================

// Context prints the extracted query context and expansion variants.
func (w *Writer) Context(qc *search.QueryContext, expanded *search.ExpandedQuery) {
	w.header("Query context")
	w.field("query", qc.Original)
	w.field("entity", qc.Entity)
	w.field("category", qc.Category)
	w.field("phase", qc.Phase)
	if qc.HasAge {
		w.field("age", fmt.Sprintf("%d days", qc.AgeDays))
	}
	w.field("urgency", qc.Urgency)
	w.field("language", qc.Language)
	w.field("metrics", strings.Join(qc.Metrics, ", "))
	w.field("environment", strings.Join(qc.EnvironmentalFactors, ", "))

	if expanded == nil {
		return
	}
	w.Newline()
	w.header("Variants")
	for i, v := range expanded.Variants {
		_, _ = fmt.Fprintf(w.out, "  %s %s\n", w.styles.Dim.Render(fmt.Sprintf("%d.", i+1)), v)
	}
}

// Results prints a Retrieve response.
func (w *Writer) Results(resp *search.Response) {
	if len(resp.Results) == 0 {
		w.Warning("No results")
		return
	}
	w.header(fmt.Sprintf("%d results (%s)", len(resp.Results), resp.Duration.Round(time.Millisecond)))
	for i, r := range resp.Results {
		m := r.Doc.Metadata
		title := fmt.Sprintf("%d. %s", i+1, r.Doc.Key())
		_, _ = fmt.Fprintf(w.out, "%s  %s\n",
			w.styles.Title.Render(title),
			w.styles.Score.Render(fmt.Sprintf("%.4f", r.FinalScore)))

		var tags []string
		for _, t := range []string{m.Entity, m.Category, strings.Join(m.Phases, "/"), m.Source} {
			if t != "" {
				tags = append(tags, t)
			}
		}
		if r.FilterRelaxed {
			tags = append(tags, "filter relaxed")
		}
		if len(tags) > 0 {
			_, _ = fmt.Fprintf(w.out, "   %s\n", w.styles.Label.Render(strings.Join(tags, " · ")))
		}
		_, _ = fmt.Fprintf(w.out, "   base %.3f  context %.3f  diversity %.3f\n",
			r.BaseScore, r.ContextualScore, r.DiversityScore)
		_, _ = fmt.Fprintf(w.out, "   %s\n", w.styles.Dim.Render(snippet(r.Doc.Content)))
	}

	if resp.Explanation != nil {
		w.Newline()
		w.header("Ranking factors")
		_, _ = fmt.Fprint(w.out, w.styles.Panel.Render(strings.TrimRight(resp.Explanation.String(), "\n")))
		w.Newline()
	}
}

// =============================================================================
// External Search
// =============================================================================

// External prints a Manager search result.
func (w *Writer) External(res *external.SearchResult) {
	if res.Error != "" {
		w.Error(res.Error)
	}
	sources := fmt.Sprintf("%d/%d sources", res.SourcesSucceeded, res.SourcesSearched)
	w.header(fmt.Sprintf("%d unique of %d results, %s (%dms)",
		res.UniqueResults, res.TotalResults, sources, res.DurationMS))

	names := make([]string, 0, len(res.Failures))
	for name := range res.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w.Warningf("%s: %s", name, res.Failures[name])
	}

	if !res.Found {
		w.Warning("No document above the relevance floor")
	}
	for i, d := range res.Documents {
		_, _ = fmt.Fprintf(w.out, "%s  %s\n",
			w.styles.Title.Render(fmt.Sprintf("%d. %s", i+1, d.Title)),
			w.styles.Score.Render(fmt.Sprintf("%.3f", d.CompositeScore)))

		meta := []string{fmt.Sprintf("%d", d.Year), d.Source}
		if d.Journal != "" {
			meta = append(meta, d.Journal)
		}
		meta = append(meta, fmt.Sprintf("%d citations", d.CitationCount))
		_, _ = fmt.Fprintf(w.out, "   %s\n", w.styles.Label.Render(strings.Join(meta, " · ")))
		if key := external.Key(d); key != "" {
			_, _ = fmt.Fprintf(w.out, "   %s\n", w.styles.Dim.Render(key))
		}
		if d.URL != "" {
			_, _ = fmt.Fprintf(w.out, "   %s\n", d.URL)
		}
		_, _ = fmt.Fprintf(w.out, "   %s\n", w.styles.Dim.Render(snippet(d.Abstract)))
	}
}

// =============================================================================
// Metrics
// =============================================================================

// Metrics prints counter, gauge and histogram sample counts, one line per
// labelled series.
func (w *Writer) Metrics(families []*dto.MetricFamily) {
	if len(families) == 0 {
		return
	}
	w.header("Metrics")
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var value string
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				value = fmt.Sprintf("%g", m.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				value = fmt.Sprintf("%g", m.GetGauge().GetValue())
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				value = fmt.Sprintf("count=%d sum=%.3f", h.GetSampleCount(), h.GetSampleSum())
			default:
				continue
			}
			_, _ = fmt.Fprintf(w.out, "  %s%s %s\n", mf.GetName(), labels(m), value)
		}
	}
}

func labels(m *dto.Metric) string {
	pairs := m.GetLabel()
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, fmt.Sprintf("%s=%q", p.GetName(), p.GetValue()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// snippet collapses whitespace and truncates s on a rune boundary.
func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= snippetLen {
		return s
	}
	return string(r[:snippetLen]) + "…"
}
