package external

import (
	"strconv"
	"strings"
	"unicode"
)

// Identity key prefixes, in precedence order.
const (
	keyDOI   = "doi:"
	keyPMID  = "pmid:"
	keyPMCID = "pmcid:"
	keyTitle = "title:"
)

// NormalizeDOI lowercases a DOI and strips resolver and scheme prefixes.
func NormalizeDOI(doi string) string {
	d := strings.ToLower(strings.TrimSpace(doi))
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/", "doi:"} {
		d = strings.TrimPrefix(d, prefix)
	}
	return strings.TrimSpace(d)
}

// NormalizePMCID upper-cases a PMC id and ensures the "PMC" prefix.
func NormalizePMCID(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "PMC") {
		id = "PMC" + id
	}
	return id
}

// NormalizeTitle lowercases a title, drops punctuation and collapses spaces.
func NormalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Key returns the canonical identity of d: doi, else pmid, else pmcid,
// else normalized title plus year.
func Key(d *Document) string {
	if doi := NormalizeDOI(d.DOI); doi != "" {
		return keyDOI + doi
	}
	if pmid := strings.TrimSpace(d.PMID); pmid != "" {
		return keyPMID + pmid
	}
	if pmcid := NormalizePMCID(d.PMCID); pmcid != "" {
		return keyPMCID + pmcid
	}
	return titleKey(d)
}

func titleKey(d *Document) string {
	return keyTitle + NormalizeTitle(d.Title) + ":" + strconv.Itoa(d.Year)
}

// identifierKeys returns every identifier key d carries, in precedence order.
func identifierKeys(d *Document) []string {
	var keys []string
	if doi := NormalizeDOI(d.DOI); doi != "" {
		keys = append(keys, keyDOI+doi)
	}
	if pmid := strings.TrimSpace(d.PMID); pmid != "" {
		keys = append(keys, keyPMID+pmid)
	}
	if pmcid := NormalizePMCID(d.PMCID); pmcid != "" {
		keys = append(keys, keyPMCID+pmcid)
	}
	return keys
}

// Deduplicate collapses documents describing the same work. Two documents
// match when they share any identifier; a document without identifiers
// matches on normalized title plus year. The first document seen wins,
// takes the highest citation count of its duplicates and back-fills fields
// it lacks. Input documents are not modified.
func Deduplicate(docs []*Document) []*Document {
	seen := make(map[string]int)
	out := make([]*Document, 0, len(docs))

	for _, d := range docs {
		if d == nil {
			continue
		}
		keys := identifierKeys(d)
		lookup := keys
		if len(lookup) == 0 {
			lookup = []string{titleKey(d)}
		}

		idx := -1
		for _, k := range lookup {
			if i, ok := seen[k]; ok {
				idx = i
				break
			}
		}

		if idx < 0 {
			c := *d
			c.Authors = append([]string(nil), d.Authors...)
			idx = len(out)
			out = append(out, &c)
		} else {
			merge(out[idx], d)
		}

		// Register every key of the merged entry so later duplicates find it
		// through any identifier.
		for _, k := range identifierKeys(out[idx]) {
			if _, ok := seen[k]; !ok {
				seen[k] = idx
			}
		}
		if _, ok := seen[titleKey(out[idx])]; !ok {
			seen[titleKey(out[idx])] = idx
		}
	}
	return out
}

// merge folds src into dst, keeping dst's values where set.
func merge(dst, src *Document) {
	if src.CitationCount > dst.CitationCount {
		dst.CitationCount = src.CitationCount
	}
	if src.ProviderRelevance > dst.ProviderRelevance {
		dst.ProviderRelevance = src.ProviderRelevance
	}
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&dst.DOI, src.DOI)
	fill(&dst.PMID, src.PMID)
	fill(&dst.PMCID, src.PMCID)
	fill(&dst.URL, src.URL)
	fill(&dst.Journal, src.Journal)
	fill(&dst.Language, src.Language)
	if len(dst.Authors) == 0 && len(src.Authors) > 0 {
		dst.Authors = append([]string(nil), src.Authors...)
	}
}
