package store

import (
	"fmt"
	"strconv"
	"strings"

	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

// Field is a filterable metadata field.
type Field string

const (
	FieldEntity   Field = "entity"
	FieldCategory Field = "category"
	FieldPhase    Field = "phase"
	FieldSource   Field = "source"
	FieldLanguage Field = "language"
	FieldYear     Field = "year"
)

// Op is a clause operator.
type Op string

const (
	OpEq  Op = "eq"
	OpIn  Op = "in"
	OpGte Op = "gte"
	OpLte Op = "lte"
)

// Clause is one predicate over a metadata field.
type Clause struct {
	Field  Field    `json:"field"`
	Op     Op       `json:"op"`
	Values []string `json:"values"`
}

// Eq matches documents whose field equals value.
func Eq(field Field, value string) Clause {
	return Clause{Field: field, Op: OpEq, Values: []string{value}}
}

// In matches documents whose field equals any of values.
func In(field Field, values ...string) Clause {
	return Clause{Field: field, Op: OpIn, Values: values}
}

// YearAtLeast matches documents published in or after year.
func YearAtLeast(year int) Clause {
	return Clause{Field: FieldYear, Op: OpGte, Values: []string{strconv.Itoa(year)}}
}

// YearAtMost matches documents published in or before year.
func YearAtMost(year int) Clause {
	return Clause{Field: FieldYear, Op: OpLte, Values: []string{strconv.Itoa(year)}}
}

// String renders the clause as it is written on the command line.
func (c Clause) String() string {
	switch c.Op {
	case OpGte:
		return fmt.Sprintf("%s>=%s", c.Field, strings.Join(c.Values, ""))
	case OpLte:
		return fmt.Sprintf("%s<=%s", c.Field, strings.Join(c.Values, ""))
	default:
		return fmt.Sprintf("%s=%s", c.Field, strings.Join(c.Values, "|"))
	}
}

// isRange reports whether the clause is a year bound.
func (c Clause) isRange() bool {
	return c.Op == OpGte || c.Op == OpLte
}

// Filter is a conjunction of clauses over document metadata.
// A nil or empty Filter matches everything.
type Filter struct {
	Clauses []Clause `json:"clauses"`
}

// NewFilter builds a filter from clauses.
func NewFilter(clauses ...Clause) *Filter {
	return &Filter{Clauses: clauses}
}

// IsEmpty reports whether the filter has no clauses.
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.Clauses) == 0
}

// String renders the filter as a comma-separated clause list.
func (f *Filter) String() string {
	if f.IsEmpty() {
		return ""
	}
	parts := make([]string, len(f.Clauses))
	for i, c := range f.Clauses {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// Validate rejects unsupported filter shapes. The error is a validation
// error and must not be retried.
func (f *Filter) Validate() error {
	if f.IsEmpty() {
		return nil
	}
	for i, c := range f.Clauses {
		if err := c.validate(); err != nil {
			return ierrors.New(ierrors.ErrCodeInvalidFilter,
				fmt.Sprintf("clause %d (%s): %s", i, c.Field, err.Error()), nil).
				WithSuggestion("Filters support entity, category, phase, source, language and year; year alone supports >= and <=")
		}
	}
	return nil
}

func (c Clause) validate() error {
	switch c.Field {
	case FieldEntity, FieldCategory, FieldPhase, FieldSource, FieldLanguage, FieldYear:
	default:
		return fmt.Errorf("unknown field %q", c.Field)
	}

	switch c.Op {
	case OpEq:
		if len(c.Values) != 1 {
			return fmt.Errorf("eq needs exactly one value, got %d", len(c.Values))
		}
	case OpIn:
		if len(c.Values) == 0 {
			return fmt.Errorf("in needs at least one value")
		}
	case OpGte, OpLte:
		if c.Field != FieldYear {
			return fmt.Errorf("%s is only supported on year", c.Op)
		}
		if len(c.Values) != 1 {
			return fmt.Errorf("%s needs exactly one value, got %d", c.Op, len(c.Values))
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Op)
	}

	for _, v := range c.Values {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("empty value")
		}
		if c.Field == FieldYear {
			if _, err := strconv.Atoi(v); err != nil {
				return fmt.Errorf("year value %q is not an integer", v)
			}
		}
	}
	return nil
}

// Match reports whether metadata satisfies every clause.
// Callers validate the filter first; malformed year values never match.
func (f *Filter) Match(m *Metadata) bool {
	if f.IsEmpty() {
		return true
	}
	for _, c := range f.Clauses {
		if !c.match(m) {
			return false
		}
	}
	return true
}

func (c Clause) match(m *Metadata) bool {
	switch c.Field {
	case FieldEntity:
		return anyEqualFold(c.Values, m.Entity)
	case FieldCategory:
		return anyEqualFold(c.Values, m.Category)
	case FieldSource:
		return anyEqualFold(c.Values, m.Source)
	case FieldLanguage:
		return anyEqualFold(c.Values, m.Language)
	case FieldPhase:
		for _, p := range m.Phases {
			if anyEqualFold(c.Values, p) {
				return true
			}
		}
		return false
	case FieldYear:
		year := m.Year()
		if year == 0 {
			return false
		}
		switch c.Op {
		case OpGte:
			bound, err := strconv.Atoi(c.Values[0])
			return err == nil && year >= bound
		case OpLte:
			bound, err := strconv.Atoi(c.Values[0])
			return err == nil && year <= bound
		default:
			return anyEqualFold(c.Values, strconv.Itoa(year))
		}
	}
	return false
}

func anyEqualFold(values []string, v string) bool {
	if v == "" {
		return false
	}
	for _, want := range values {
		if strings.EqualFold(want, v) {
			return true
		}
	}
	return false
}

// Relax returns a copy of the filter with its narrowest clause dropped.
// Equality clauses are narrower than set membership (fewer values is
// narrower); both are narrower than year bounds. Ties drop the later clause.
// Returns nil for an empty filter.
func (f *Filter) Relax() *Filter {
	if f.IsEmpty() {
		return nil
	}
	drop := f.NarrowestClause()
	out := &Filter{Clauses: make([]Clause, 0, len(f.Clauses)-1)}
	for i, c := range f.Clauses {
		if i != drop {
			out.Clauses = append(out.Clauses, c)
		}
	}
	return out
}

// NarrowestClause returns the index of the clause Relax drops, or -1.
func (f *Filter) NarrowestClause() int {
	if f.IsEmpty() {
		return -1
	}
	best := -1
	var bestClass, bestCount int
	for i, c := range f.Clauses {
		class, count := 0, len(c.Values)
		if c.isRange() {
			class, count = 1, 0
		}
		if best == -1 || class < bestClass || (class == bestClass && count <= bestCount) {
			best, bestClass, bestCount = i, class, count
		}
	}
	return best
}

// ParseClause parses "field=value", "field=a|b", "year>=2020" or "year<=2023".
func ParseClause(expr string) (Clause, error) {
	expr = strings.TrimSpace(expr)
	for _, sep := range []struct {
		token string
		op    Op
	}{{">=", OpGte}, {"<=", OpLte}} {
		if field, value, ok := strings.Cut(expr, sep.token); ok {
			c := Clause{Field: Field(strings.ToLower(strings.TrimSpace(field))), Op: sep.op, Values: []string{strings.TrimSpace(value)}}
			return c, NewFilter(c).Validate()
		}
	}

	field, value, ok := strings.Cut(expr, "=")
	if !ok {
		return Clause{}, ierrors.New(ierrors.ErrCodeInvalidFilter, fmt.Sprintf("cannot parse filter %q", expr), nil).
			WithSuggestion("Use field=value, field=a|b, year>=2020 or year<=2023")
	}
	var values []string
	for _, v := range strings.Split(value, "|") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	c := Clause{Field: Field(strings.ToLower(strings.TrimSpace(field))), Op: OpIn, Values: values}
	if len(values) == 1 {
		c.Op = OpEq
	}
	return c, NewFilter(c).Validate()
}
