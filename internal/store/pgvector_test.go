package store

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

func TestPgWhere(t *testing.T) {
	tests := []struct {
		name     string
		filter   *Filter
		wantSQL  string
		wantArgs []any
	}{
		{
			name:   "empty",
			filter: nil,
		},
		{
			name:     "keyword eq",
			filter:   NewFilter(Eq(FieldCategory, "Health")),
			wantSQL:  "category = ANY($2)",
			wantArgs: []any{[]string{"health"}},
		},
		{
			name:     "phase overlap and year bound",
			filter:   NewFilter(In(FieldPhase, "starter", "grower"), YearAtMost(2023)),
			wantSQL:  "phases && $2 AND year > 0 AND year <= $3",
			wantArgs: []any{[]string{"starter", "grower"}, 2023},
		},
		{
			name:     "year set",
			filter:   NewFilter(In(FieldYear, "2020", "2021")),
			wantSQL:  "year = ANY($2)",
			wantArgs: []any{[]int{2020, 2021}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := pgWhere(tt.filter, 2)
			if tt.wantSQL == "" {
				assert.Empty(t, where)
				assert.Empty(t, args)
				return
			}
			assert.Equal(t, tt.wantSQL, strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(where), "WHERE")))
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestPgSearchQuery_LimitIsLastPlaceholder(t *testing.T) {
	// Given: a filter with two clauses
	f := NewFilter(Eq(FieldEntity, "broiler"), YearAtLeast(2020))

	// When: the query is built
	sql, args := pgSearchQuery("documents", []float32{1, 0}, 7, f)

	// Then: vector is $1, filter values follow and the limit is $4
	assert.Contains(t, sql, "FROM documents")
	assert.Contains(t, sql, "LIMIT $4")
	require.Len(t, args, 4)
	assert.Equal(t, 7, args[3])
}

func TestNewPgVectorStore_Validation(t *testing.T) {
	_, err := NewPgVectorStore(context.Background(), PgVectorConfig{})
	assert.Equal(t, ierrors.ErrCodeConfigInvalid, ierrors.GetCode(err))

	_, err = NewPgVectorStore(context.Background(), PgVectorConfig{DSN: "postgres://localhost/db", Table: "docs; drop"})
	assert.Equal(t, ierrors.ErrCodeConfigInvalid, ierrors.GetCode(err))
}
