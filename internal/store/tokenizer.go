package store

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// span is a token's byte range in the source text.
type span struct {
	start, end int
}

// tokenSpans splits text into runs of letters and digits.
// Numbers are kept: "ross 308" and "21 days" depend on them.
func tokenSpans(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		word := unicode.IsLetter(r) || unicode.IsDigit(r)
		switch {
		case word && start < 0:
			start = i
		case !word && start >= 0:
			spans = append(spans, span{start, i})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, span{start, len(text)})
	}
	return spans
}

// Tokenize lowercases text and splits it into word tokens.
// Single-letter tokens are dropped; single digits are kept.
func Tokenize(text string) []string {
	spans := tokenSpans(text)
	tokens := make([]string, 0, len(spans))
	for _, s := range spans {
		tok := strings.ToLower(text[s.start:s.end])
		if keepToken(tok) {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

func keepToken(tok string) bool {
	if utf8.RuneCountInString(tok) >= 2 {
		return true
	}
	r, _ := utf8.DecodeRuneInString(tok)
	return unicode.IsDigit(r)
}

// FilterStopWords removes stop words from a token list.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		lower := strings.ToLower(token)
		if _, isStop := stopWords[lower]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// BuildStopWordMap converts a slice of stop words to a map for efficient lookup.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}
