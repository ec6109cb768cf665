package search

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dominicdesy/intelia-expert-sub006/internal/lexicon"
)

// DefaultMaxVariants is the default cap on expanded query variants,
// original included.
const DefaultMaxVariants = 5

// QueryExpander generates query variants from the synonym groups, phase
// synonyms, category labels and keyword clusters of a lexicon pack.
//
// Rules run in a fixed order and their outputs are unioned:
//  1. entity synonym substitution
//  2. metric synonym substitution
//  3. environmental term substitution
//  4. action verb substitution
//  5. context augmentation (entity prefix, phase synonym, category label)
//  6. technical cluster augmentation
//
// Example:
//
//	Input:  "ross 308 weight at 21 days"
//	Output: "ross 308 weight at 21 days", "ross weight at 21 days",
//	        "ross 308 body weight at 21 days", ...
type QueryExpander struct {
	lexicon     lexicon.Source
	maxVariants int
}

// QueryExpanderOption configures the query expander.
type QueryExpanderOption func(*QueryExpander)

// WithMaxVariants caps the number of variants, original included.
func WithMaxVariants(n int) QueryExpanderOption {
	return func(e *QueryExpander) {
		e.maxVariants = n
	}
}

// NewQueryExpander creates an expander. A nil src uses the embedded pack.
func NewQueryExpander(src lexicon.Source, opts ...QueryExpanderOption) *QueryExpander {
	if src == nil {
		src = lexicon.NewStatic(lexicon.Default())
	}
	e := &QueryExpander{
		lexicon:     src,
		maxVariants: DefaultMaxVariants,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxVariants < 1 {
		e.maxVariants = 1
	}
	return e
}

// Expand returns the original query followed by up to maxVariants-1
// distinct variants. qc is optional; without it the context rule is skipped.
func (e *QueryExpander) Expand(query string, qc *QueryContext) *ExpandedQuery {
	out := &ExpandedQuery{Original: query, Variants: []string{query}}

	text := normalizeSpace(query)
	if text == "" {
		return out
	}
	p := e.lexicon.Pack()

	seen := map[string]struct{}{strings.ToLower(text): {}}
	add := func(v string) bool {
		if len(out.Variants) >= e.maxVariants {
			return false
		}
		v = normalizeSpace(v)
		key := strings.ToLower(v)
		if v == "" {
			return true
		}
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		out.Variants = append(out.Variants, v)
		return true
	}

	lower := strings.ToLower(text)
	rules := []func(string) []string{
		func(q string) []string { return substituteSynonyms(q, p.Synonyms.Entity) },
		func(q string) []string { return substituteSynonyms(q, p.Synonyms.Metric) },
		func(q string) []string { return substituteSynonyms(q, p.Synonyms.Environmental) },
		func(q string) []string { return substituteSynonyms(q, p.Synonyms.Action) },
		func(q string) []string { return augmentWithContext(q, qc, p) },
		func(q string) []string { return augmentWithClusters(q, p.Clusters) },
	}
	for _, rule := range rules {
		for _, v := range rule(lower) {
			if !add(v) {
				return out
			}
		}
	}
	return out
}

// substituteSynonyms emits one variant per matched group, replacing the
// longest matched term with the first other member of the group.
func substituteSynonyms(q string, groups [][]string) []string {
	var variants []string
	for _, group := range groups {
		match := longestPresent(q, group)
		if match == "" {
			continue
		}
		for _, alt := range group {
			alt = strings.ToLower(alt)
			if alt == match {
				continue
			}
			variants = append(variants, replaceTerm(q, match, alt))
			break
		}
	}
	return variants
}

// augmentWithContext prefixes the entity, appends a phase synonym and
// prepends the category label, each only when the query lacks it.
func augmentWithContext(q string, qc *QueryContext, p *lexicon.Pack) []string {
	if qc == nil {
		return nil
	}
	var variants []string
	if qc.Entity != "" && !containsTerm(q, qc.Entity) {
		variants = append(variants, qc.Entity+" "+q)
	}
	if qc.Phase != "" {
		for _, syn := range p.PhaseSynonyms[qc.Phase] {
			if !containsTerm(q, syn) {
				variants = append(variants, q+" "+strings.ToLower(syn))
				break
			}
		}
	}
	if qc.Category != "" {
		label := strings.ToLower(p.CategoryLabel(qc.Category))
		if !containsTerm(q, label) {
			variants = append(variants, label+" "+q)
		}
	}
	return variants
}

// augmentWithClusters appends, for every cluster the query touches, the
// first cluster keyword it does not already contain.
func augmentWithClusters(q string, clusters []lexicon.Cluster) []string {
	var variants []string
	for _, c := range clusters {
		if longestPresent(q, c.Keywords) == "" {
			continue
		}
		for _, kw := range c.Keywords {
			if !containsTerm(q, kw) {
				variants = append(variants, q+" "+strings.ToLower(kw))
				break
			}
		}
	}
	return variants
}

// longestPresent returns the longest term of group found in q, lowercased.
func longestPresent(q string, group []string) string {
	best := ""
	for _, term := range group {
		term = strings.ToLower(term)
		if len(term) > len(best) && containsTerm(q, term) {
			best = term
		}
	}
	return best
}

// containsTerm reports whether term occurs in q on word boundaries,
// ignoring case.
func containsTerm(q, term string) bool {
	return findTerm(strings.ToLower(q), strings.ToLower(term), 0) >= 0
}

// findTerm returns the byte offset of the first occurrence of term in q at
// or after from that is not glued to a letter or digit. Both arguments
// must already be lowercased.
func findTerm(q, term string, from int) int {
	if term == "" {
		return -1
	}
	for from <= len(q)-len(term) {
		i := strings.Index(q[from:], term)
		if i < 0 {
			return -1
		}
		start := from + i
		end := start + len(term)
		if isBoundary(q, start, end) {
			return start
		}
		_, size := utf8.DecodeRuneInString(q[start:])
		from = start + size
	}
	return -1
}

func isBoundary(q string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(q[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(q) {
		r, _ := utf8.DecodeRuneInString(q[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// replaceTerm replaces every word-bounded occurrence of from in q.
func replaceTerm(q, from, to string) string {
	var b strings.Builder
	pos := 0
	for {
		i := findTerm(q, from, pos)
		if i < 0 {
			break
		}
		b.WriteString(q[pos:i])
		b.WriteString(to)
		pos = i + len(from)
	}
	b.WriteString(q[pos:])
	return b.String()
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
