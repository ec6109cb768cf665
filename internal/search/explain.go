package search

import (
	"fmt"
	"sort"
	"strings"
)

const (
	explainTop     = 3
	explainAverage = 5
)

// FactorBreakdown is the factor detail of one ranked result.
type FactorBreakdown struct {
	Rank       int                `json:"rank"`
	DocumentID string             `json:"document_id"`
	FinalScore float64            `json:"final_score"`
	Factors    map[string]float64 `json:"factors"`
}

// Explanation summarizes why results ranked as they did. It is meant for
// offline evaluation.
type Explanation struct {
	// Top holds the breakdowns of the first three results.
	Top []FactorBreakdown `json:"top"`

	// Averages are mean factor values across the first five results.
	Averages map[string]float64 `json:"averages"`

	// Averaged is how many results the averages cover.
	Averaged int `json:"averaged"`
}

// Explain builds the breakdown of results, which must be in final order.
func Explain(results []*RankedResult) *Explanation {
	ex := &Explanation{
		Top:      make([]FactorBreakdown, 0, min(explainTop, len(results))),
		Averages: map[string]float64{},
	}

	for i, r := range results {
		if i >= explainTop {
			break
		}
		factors := make(map[string]float64, len(r.Factors))
		for k, v := range r.Factors {
			factors[k] = v
		}
		ex.Top = append(ex.Top, FactorBreakdown{
			Rank:       i + 1,
			DocumentID: r.Doc.Key(),
			FinalScore: r.FinalScore,
			Factors:    factors,
		})
	}

	n := min(explainAverage, len(results))
	if n == 0 {
		return ex
	}
	for _, r := range results[:n] {
		for k, v := range r.Factors {
			ex.Averages[k] += v
		}
	}
	for k := range ex.Averages {
		ex.Averages[k] /= float64(n)
	}
	ex.Averaged = n
	return ex
}

// String renders the explanation as indented text.
func (e *Explanation) String() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	for _, t := range e.Top {
		fmt.Fprintf(&b, "#%d %s final=%.4f\n", t.Rank, t.DocumentID, t.FinalScore)
		for _, k := range sortedKeys(t.Factors) {
			fmt.Fprintf(&b, "    %-12s %.4f\n", k, t.Factors[k])
		}
	}
	if e.Averaged > 0 {
		fmt.Fprintf(&b, "average over top %d\n", e.Averaged)
		for _, k := range sortedKeys(e.Averages) {
			fmt.Fprintf(&b, "    %-12s %.4f\n", k, e.Averages[k])
		}
	}
	return b.String()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
