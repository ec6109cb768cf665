package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PgVectorConfig configures a PgVectorStore.
type PgVectorConfig struct {
	DSN        string
	Table      string
	Dimensions int
}

// PgVectorStore is a VectorIndex backed by Postgres with the pgvector
// extension. Filter clauses are pushed into the WHERE clause.
type PgVectorStore struct {
	pool       *pgxpool.Pool
	table      string
	dimensions int

	mu            sync.Mutex
	schemaEnsured bool
}

var _ VectorIndex = (*PgVectorStore)(nil)

// NewPgVectorStore creates a connection pool. Connections are opened lazily.
func NewPgVectorStore(ctx context.Context, cfg PgVectorConfig) (*PgVectorStore, error) {
	if cfg.DSN == "" {
		return nil, ierrors.ConfigError("pgvector DSN is required", nil).
			WithSuggestion("Set stores.pgvector.dsn or INTELIA_PGVECTOR_DSN")
	}
	if cfg.Table == "" {
		cfg.Table = "documents"
	}
	if !tableNamePattern.MatchString(cfg.Table) {
		return nil, ierrors.ConfigError(fmt.Sprintf("invalid pgvector table name %q", cfg.Table), nil)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, ierrors.ConfigError("failed to parse pgvector DSN", err)
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, ierrors.New(ierrors.ErrCodeStoreUnavailable, "failed to create connection pool", err)
	}

	return &PgVectorStore{pool: pool, table: cfg.Table, dimensions: cfg.Dimensions}, nil
}

// Search returns the k most similar documents satisfying filter.
func (p *PgVectorStore) Search(ctx context.Context, vector []float32, k int, filter *Filter) ([]*Hit, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if p.dimensions > 0 && len(vector) != p.dimensions {
		return nil, dimensionMismatch(p.dimensions, len(vector))
	}
	if k <= 0 {
		return []*Hit{}, nil
	}

	sql, args := pgSearchQuery(p.table, vector, k, filter)
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, ierrors.New(ierrors.ErrCodeStoreUnavailable, "pgvector search failed", err).
			WithDetail("table", p.table)
	}
	defer rows.Close()

	hits := []*Hit{}
	for rows.Next() {
		var doc Document
		var metadataJSON []byte
		var similarity float64
		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON, &similarity); err != nil {
			return nil, ierrors.StoreError("failed to scan row", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
				return nil, ierrors.New(ierrors.ErrCodeParseFailed, "failed to parse metadata", err).
					WithDetail("id", doc.ID)
			}
		}
		hits = append(hits, &Hit{Doc: &doc, Score: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, ierrors.StoreError("error iterating rows", err)
	}
	return hits, nil
}

// pgSearchQuery builds the similarity query. $1 is the query vector and the
// last placeholder is the limit.
func pgSearchQuery(table string, vector []float32, k int, filter *Filter) (string, []any) {
	args := []any{pgvector.NewVector(vector)}
	where, whereArgs := pgWhere(filter, len(args)+1)
	args = append(args, whereArgs...)
	args = append(args, k)

	sql := fmt.Sprintf(`
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS similarity
		FROM %s%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, table, where, len(args))
	return sql, args
}

// pgWhere renders filter as a WHERE clause whose placeholders start at $next.
func pgWhere(filter *Filter, next int) (string, []any) {
	if filter.IsEmpty() {
		return "", nil
	}

	conds := make([]string, 0, len(filter.Clauses))
	var args []any
	placeholder := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(next+len(args)-1)
	}

	for _, c := range filter.Clauses {
		switch c.Field {
		case FieldPhase:
			conds = append(conds, "phases && "+placeholder(lowerAll(c.Values)))
		case FieldYear:
			switch c.Op {
			case OpGte:
				conds = append(conds, "year > 0 AND year >= "+placeholder(atoiOrZero(c.Values[0])))
			case OpLte:
				conds = append(conds, "year > 0 AND year <= "+placeholder(atoiOrZero(c.Values[0])))
			default:
				years := make([]int, len(c.Values))
				for i, v := range c.Values {
					years[i] = atoiOrZero(v)
				}
				conds = append(conds, "year = ANY("+placeholder(years)+")")
			}
		default:
			conds = append(conds, string(c.Field)+" = ANY("+placeholder(lowerAll(c.Values))+")")
		}
	}
	return "\n\t\tWHERE " + strings.Join(conds, " AND "), args
}

// Add upserts documents, creating the table on first use.
func (p *PgVectorStore) Add(ctx context.Context, docs []*Document, vectors [][]float32) error {
	if len(docs) == 0 {
		return nil
	}
	if len(docs) != len(vectors) {
		return ierrors.ValidationError(fmt.Sprintf("docs and vectors length mismatch: %d vs %d", len(docs), len(vectors)), nil)
	}
	if err := p.ensureTable(ctx, len(vectors[0])); err != nil {
		return err
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (id, content, metadata, entity, category, source, language, phases, year, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			entity = EXCLUDED.entity,
			category = EXCLUDED.category,
			source = EXCLUDED.source,
			language = EXCLUDED.language,
			phases = EXCLUDED.phases,
			year = EXCLUDED.year,
			embedding = EXCLUDED.embedding`, p.table)

	batch := &pgx.Batch{}
	for i, doc := range docs {
		metadataJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return ierrors.InternalError(fmt.Sprintf("failed to encode metadata for %s", doc.Key()), err)
		}
		m := doc.Metadata
		batch.Queue(upsert,
			doc.Key(), doc.Content, metadataJSON,
			strings.ToLower(m.Entity), strings.ToLower(m.Category),
			strings.ToLower(m.Source), strings.ToLower(m.Language),
			lowerAll(m.Phases), m.Year(),
			pgvector.NewVector(vectors[i]),
		)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return ierrors.StoreError(fmt.Sprintf("failed to store document %d", i), err)
		}
	}
	return nil
}

func (p *PgVectorStore) ensureTable(ctx context.Context, dims int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.schemaEnsured {
		return nil
	}

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata JSONB,
			entity TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT '',
			phases TEXT[] NOT NULL DEFAULT '{}',
			year INTEGER NOT NULL DEFAULT 0,
			embedding vector(%d)
		)`, p.table, dims),
		fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s USING hnsw (embedding vector_cosine_ops)`, p.table, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return ierrors.StoreError("failed to prepare pgvector schema", err).WithDetail("table", p.table)
		}
	}
	p.schemaEnsured = true
	return nil
}

// Close closes the pool.
func (p *PgVectorStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}
