package search

import (
	"strings"

	"github.com/dominicdesy/intelia-expert-sub006/internal/lexicon"
)

// ContextExtractor derives a QueryContext from raw query text using the
// ordered pattern tables of a lexicon pack. It never fails: fields with no
// match stay empty.
type ContextExtractor struct {
	lexicon lexicon.Source
}

// NewContextExtractor creates an extractor reading the current pack from
// src on every call, so a hot-reloaded pack is picked up without restart.
// A nil src uses the embedded default pack.
func NewContextExtractor(src lexicon.Source) *ContextExtractor {
	if src == nil {
		src = lexicon.NewStatic(lexicon.Default())
	}
	return &ContextExtractor{lexicon: src}
}

// Extract parses query. First match wins per field.
func (x *ContextExtractor) Extract(query string) *QueryContext {
	p := x.lexicon.Pack()
	text := strings.TrimSpace(query)

	qc := &QueryContext{
		Original:             query,
		Entity:               lexicon.FirstMatch(p.Entities, text),
		Phase:                lexicon.FirstMatch(p.Phases, text),
		Category:             lexicon.FirstMatch(p.Categories, text),
		Urgency:              lexicon.FirstMatch(p.Urgency, text),
		Language:             p.DetectLanguage(text),
		Metrics:              lexicon.AllMatches(p.Metrics, text),
		EnvironmentalFactors: lexicon.AllMatches(p.Environmental, text),
	}
	if qc.Urgency == "" {
		qc.Urgency = UrgencyMedium
	}

	if days, ok := p.AgeDays(text); ok {
		qc.AgeDays, qc.HasAge = days, true
		if qc.Phase == "" {
			qc.Phase = p.PhaseForAge(days)
		}
	}
	return qc
}
