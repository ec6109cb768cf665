// Package lexicon loads the domain and language packs that drive query
// understanding: ordered pattern tables, synonym groups, age bands and
// technical keyword clusters.
//
// Packs are YAML documents. A default pack is embedded in the binary; a
// deployment can point at its own file and hot-reload it with a Watcher.
package lexicon

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"

	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

//go:embed packs/default.yaml
var defaultPackYAML []byte

// Rule maps a set of patterns to a canonical value.
type Rule struct {
	Value    string   `yaml:"value"`
	Patterns []string `yaml:"patterns"`

	compiled []*regexp.Regexp
}

// Matches reports whether any pattern matches text.
func (r *Rule) Matches(text string) bool {
	for _, re := range r.compiled {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// AgePattern extracts an age from text. The first capture group holds the
// number, which is multiplied into days (7 for weeks).
type AgePattern struct {
	Pattern    string `yaml:"pattern"`
	Multiplier int    `yaml:"multiplier"`

	compiled *regexp.Regexp
}

// AgeBand maps an inclusive day range to a growth phase.
type AgeBand struct {
	Phase   string `yaml:"phase"`
	MinDays int    `yaml:"min_days"`
	MaxDays int    `yaml:"max_days"`
}

// Contains reports whether days falls inside the band.
func (b AgeBand) Contains(days int) bool {
	return days >= b.MinDays && days <= b.MaxDays
}

// SynonymGroups holds equivalence groups used for query expansion.
// Every term in a group can stand in for any other.
type SynonymGroups struct {
	Entity        [][]string `yaml:"entity"`
	Metric        [][]string `yaml:"metric"`
	Environmental [][]string `yaml:"environmental"`
	Action        [][]string `yaml:"action"`
}

// Cluster is a named set of technical keywords that tend to co-occur.
type Cluster struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// Pack is a compiled lexicon pack. It is read-only once loaded and safe
// for concurrent use.
type Pack struct {
	Version           int                 `yaml:"version"`
	DefaultLanguage   string              `yaml:"default_language"`
	Entities          []Rule              `yaml:"entities"`
	Phases            []Rule              `yaml:"phases"`
	Categories        []Rule              `yaml:"categories"`
	Urgency           []Rule              `yaml:"urgency"`
	Metrics           []Rule              `yaml:"metrics"`
	Environmental     []Rule              `yaml:"environmental"`
	AgePatterns       []AgePattern        `yaml:"age_patterns"`
	AgeBands          []AgeBand           `yaml:"age_bands"`
	Languages         map[string][]string `yaml:"languages"`
	Synonyms          SynonymGroups       `yaml:"synonyms"`
	PhaseSynonyms     map[string][]string `yaml:"phase_synonyms"`
	CategoryLabels    map[string]string   `yaml:"category_labels"`
	Clusters          []Cluster           `yaml:"clusters"`
	RelatedCategories map[string][]string `yaml:"related_categories"`

	languageOrder []string
	languageWords map[string]map[string]struct{}
}

var (
	defaultOnce sync.Once
	defaultPack *Pack
)

// Default returns the embedded pack. It panics if the embedded pack is
// invalid, which the package tests rule out.
func Default() *Pack {
	defaultOnce.Do(func() {
		p, err := LoadBytes(defaultPackYAML)
		if err != nil {
			panic(fmt.Sprintf("lexicon: embedded default pack is invalid: %v", err))
		}
		defaultPack = p
	})
	return defaultPack
}

// Load reads and compiles a pack from path.
func Load(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ierrors.New(ierrors.ErrCodeConfigNotFound, "failed to read lexicon pack", err).
			WithDetail("path", path)
	}
	p, err := LoadBytes(data)
	if err != nil {
		if ee, ok := ierrors.As(err); ok {
			ee.WithDetail("path", path)
		}
		return nil, err
	}
	return p, nil
}

// LoadBytes parses and compiles a pack from YAML.
func LoadBytes(data []byte) (*Pack, error) {
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, ierrors.New(ierrors.ErrCodeLexiconInvalid, "failed to parse lexicon pack", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Pack) compile() error {
	if len(p.Entities)+len(p.Phases)+len(p.Categories) == 0 {
		return ierrors.New(ierrors.ErrCodeLexiconInvalid, "lexicon pack has no entity, phase or category rules", nil)
	}
	if p.DefaultLanguage == "" {
		p.DefaultLanguage = "en"
	}

	tables := map[string][]Rule{
		"entities":      p.Entities,
		"phases":        p.Phases,
		"categories":    p.Categories,
		"urgency":       p.Urgency,
		"metrics":       p.Metrics,
		"environmental": p.Environmental,
	}
	for table, rules := range tables {
		for i := range rules {
			r := &rules[i]
			if r.Value == "" {
				return invalidPack("%s[%d]: rule has no value", table, i)
			}
			r.compiled = make([]*regexp.Regexp, 0, len(r.Patterns))
			for _, pat := range r.Patterns {
				re, err := regexp.Compile("(?i)" + pat)
				if err != nil {
					return ierrors.New(ierrors.ErrCodeLexiconInvalid,
						fmt.Sprintf("%s[%d] (%s): invalid pattern %q", table, i, r.Value, pat), err)
				}
				r.compiled = append(r.compiled, re)
			}
		}
	}

	for i := range p.AgePatterns {
		ap := &p.AgePatterns[i]
		re, err := regexp.Compile("(?i)" + ap.Pattern)
		if err != nil {
			return ierrors.New(ierrors.ErrCodeLexiconInvalid,
				fmt.Sprintf("age_patterns[%d]: invalid pattern %q", i, ap.Pattern), err)
		}
		if re.NumSubexp() < 1 {
			return invalidPack("age_patterns[%d]: pattern needs a capture group for the number", i)
		}
		if ap.Multiplier <= 0 {
			ap.Multiplier = 1
		}
		ap.compiled = re
	}

	for i, b := range p.AgeBands {
		if b.Phase == "" || b.MinDays < 0 || b.MaxDays < b.MinDays {
			return invalidPack("age_bands[%d]: invalid band %s %d-%d", i, b.Phase, b.MinDays, b.MaxDays)
		}
	}

	p.languageWords = make(map[string]map[string]struct{}, len(p.Languages))
	for lang, words := range p.Languages {
		set := make(map[string]struct{}, len(words))
		for _, w := range words {
			set[strings.ToLower(w)] = struct{}{}
		}
		p.languageWords[lang] = set
		p.languageOrder = append(p.languageOrder, lang)
	}
	sort.Strings(p.languageOrder)

	return nil
}

func invalidPack(format string, args ...any) error {
	return ierrors.New(ierrors.ErrCodeLexiconInvalid, fmt.Sprintf(format, args...), nil)
}

// FirstMatch returns the value of the first rule matching text, or "".
func FirstMatch(rules []Rule, text string) string {
	for i := range rules {
		if rules[i].Matches(text) {
			return rules[i].Value
		}
	}
	return ""
}

// AllMatches returns the sorted, distinct values of every rule matching text.
func AllMatches(rules []Rule, text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for i := range rules {
		v := rules[i].Value
		if _, ok := seen[v]; ok {
			continue
		}
		if rules[i].Matches(text) {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// AgeDays extracts the first age expression from text, in days.
func (p *Pack) AgeDays(text string) (int, bool) {
	for _, ap := range p.AgePatterns {
		m := ap.compiled.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return n * ap.Multiplier, true
	}
	return 0, false
}

// PhaseForAge returns the phase whose age band contains days.
func (p *Pack) PhaseForAge(days int) string {
	for _, b := range p.AgeBands {
		if b.Contains(days) {
			return b.Phase
		}
	}
	return ""
}

// DetectLanguage counts keyword hits per language and returns the language
// with the most hits. Ties and zero hits fall back to the default language.
func (p *Pack) DetectLanguage(text string) string {
	words := Words(text)
	best, bestHits, tie := "", 0, false
	for _, lang := range p.languageOrder {
		set := p.languageWords[lang]
		hits := 0
		for _, w := range words {
			if _, ok := set[w]; ok {
				hits++
			}
		}
		switch {
		case hits > bestHits:
			best, bestHits, tie = lang, hits, false
		case hits == bestHits && hits > 0:
			tie = true
		}
	}
	if bestHits == 0 || tie {
		return p.DefaultLanguage
	}
	return best
}

// Related reports whether category b is listed as related to a.
func (p *Pack) Related(a, b string) bool {
	for _, r := range p.RelatedCategories[a] {
		if r == b {
			return true
		}
	}
	return false
}

// CategoryLabel returns the display label for a category, or the category itself.
func (p *Pack) CategoryLabel(category string) string {
	if label, ok := p.CategoryLabels[category]; ok && label != "" {
		return label
	}
	return category
}

// Words lowercases text and splits it on anything that is not a letter or digit.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
