package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominicdesy/intelia-expert-sub006/internal/store"
)

func rankedWith(id string, final float64, factors map[string]float64) *RankedResult {
	return &RankedResult{Doc: doc(id, id, store.Metadata{}), FinalScore: final, Factors: factors}
}

func TestExplain_TopThreeAndAverages(t *testing.T) {
	// Given: six results
	var results []*RankedResult
	for i, id := range []string{"a", "b", "c", "d", "e", "f"} {
		results = append(results, rankedWith(id, 1-float64(i)/10, map[string]float64{
			FactorEntity:    1 + float64(i)/10,
			FactorDiversity: 1,
		}))
	}

	// When: explaining
	ex := Explain(results)

	// Then: the first three are broken down and five are averaged
	require.Len(t, ex.Top, 3)
	assert.Equal(t, 1, ex.Top[0].Rank)
	assert.Equal(t, "c", ex.Top[2].DocumentID)
	assert.Equal(t, 5, ex.Averaged)
	assert.InDelta(t, 1.2, ex.Averages[FactorEntity], 1e-12)
	assert.InDelta(t, 1.0, ex.Averages[FactorDiversity], 1e-12)
}

func TestExplain_CopiesFactors(t *testing.T) {
	r := rankedWith("a", 1, map[string]float64{FactorEntity: 1.3})

	ex := Explain([]*RankedResult{r})
	ex.Top[0].Factors[FactorEntity] = 0

	assert.Equal(t, 1.3, r.Factors[FactorEntity])
}

func TestExplain_Empty(t *testing.T) {
	ex := Explain(nil)

	assert.Empty(t, ex.Top)
	assert.Zero(t, ex.Averaged)
	assert.Empty(t, ex.Averages)
}

func TestExplanation_String(t *testing.T) {
	ex := Explain([]*RankedResult{rankedWith("a", 0.9, map[string]float64{FactorPhase: 1.3, FactorEntity: 1.0})})

	out := ex.String()

	assert.Contains(t, out, "#1 a final=0.9000")
	assert.Contains(t, out, "average over top 1")
	// factors are listed alphabetically
	assert.Less(t, strings.Index(out, FactorEntity), strings.Index(out, FactorPhase))
	assert.Empty(t, (*Explanation)(nil).String())
}
