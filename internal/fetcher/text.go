package fetcher

import (
	"html"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dominicdesy/intelia-expert-sub006/internal/external"
)

var (
	tagPattern  = regexp.MustCompile(`<[^>]*>`)
	yearPattern = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)
)

// stripMarkup removes XML/HTML tags (JATS, inline PubMed markup), unescapes
// entities and collapses whitespace.
func stripMarkup(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

// parseYear extracts the first plausible year from s.
func parseYear(s string) int {
	m := yearPattern.FindString(s)
	if m == "" {
		return 0
	}
	y, _ := strconv.Atoi(m)
	return y
}

// finalize drops records missing a mandatory field, then stamps source,
// fetch time and position relevance 1 - i/(n-1)*0.9 over the kept records.
func finalize(source string, docs []*external.Document, now time.Time) []*external.Document {
	kept := make([]*external.Document, 0, len(docs))
	for _, d := range docs {
		if d == nil {
			continue
		}
		if !d.Valid() {
			slog.Debug("discarding incomplete record",
				slog.String("source", source),
				slog.String("title", d.Title),
				slog.Int("year", d.Year))
			continue
		}
		kept = append(kept, d)
	}

	n := len(kept)
	for i, d := range kept {
		d.Source = source
		d.FetchedAt = now
		d.ProviderRelevance = positionRelevance(i, n)
		if d.CitationCount < 0 {
			d.CitationCount = 0
		}
	}
	return kept
}

func positionRelevance(i, n int) float64 {
	if n <= 1 {
		return 1
	}
	return 1 - float64(i)/float64(n-1)*0.9
}
