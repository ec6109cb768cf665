package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

// SQLiteIndex is a LexicalIndex backed by SQLite FTS5.
// Metadata lives in a side table so filters are applied in the same query.
type SQLiteIndex struct {
	mu        sync.RWMutex
	db        *sql.DB
	path      string
	closed    bool
	stopWords map[string]struct{}
}

var _ LexicalIndex = (*SQLiteIndex)(nil)

// validateSQLiteIntegrity checks an existing database before opening it.
// Returns nil when the file is missing or healthy.
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
                       WHERE type='table' AND name IN ('fts_content', 'documents')`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count != 2 {
		return fmt.Errorf("lexical tables missing")
	}
	return nil
}

// NewSQLiteIndex opens or creates an FTS5 index at path.
// If path is empty, creates an in-memory index.
func NewSQLiteIndex(path string, cfg LexicalConfig) (*SQLiteIndex, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, ierrors.StoreError(fmt.Sprintf("failed to create directory for %s", path), err)
		}

		if validErr := validateSQLiteIntegrity(path); validErr != nil {
			slog.Warn("lexical index corrupted, clearing",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, ierrors.New(ierrors.ErrCodeCorruptIndex, "lexical index corrupted and cannot be removed", removeErr).
					WithDetail("path", path)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ierrors.StoreError("failed to open database", err)
	}

	// Single writer; an in-memory database also lives on one connection only.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, ierrors.StoreError("failed to set pragma", err)
		}
	}

	idx := &SQLiteIndex{
		db:        db,
		path:      path,
		stopWords: BuildStopWordMap(cfg.StopWords),
	}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, ierrors.StoreError("failed to initialize schema", err)
	}
	return idx, nil
}

func (s *SQLiteIndex) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS fts_content USING fts5(
		doc_id UNINDEXED,
		content,
		tokenize='unicode61'
	);

	-- phases is stored as |a|b| so a LIKE on |x| matches whole values
	CREATE TABLE IF NOT EXISTS documents (
		doc_id   TEXT PRIMARY KEY,
		entity   TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		source   TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		phases   TEXT NOT NULL DEFAULT '',
		year     INTEGER NOT NULL DEFAULT 0,
		body     TEXT NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Index adds or replaces documents.
func (s *SQLiteIndex) Index(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ierrors.New(ierrors.ErrCodeStoreClosed, "index is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ierrors.StoreError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	// FTS5 virtual tables don't support REPLACE, so we delete first.
	deleteStmt, err := tx.PrepareContext(ctx, `DELETE FROM fts_content WHERE doc_id = ?`)
	if err != nil {
		return ierrors.StoreError("failed to prepare delete statement", err)
	}
	defer deleteStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx, `INSERT INTO fts_content(doc_id, content) VALUES (?, ?)`)
	if err != nil {
		return ierrors.StoreError("failed to prepare FTS statement", err)
	}
	defer insertStmt.Close()

	docStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO documents(doc_id, entity, category, source, language, phases, year, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return ierrors.StoreError("failed to prepare document statement", err)
	}
	defer docStmt.Close()

	for _, doc := range docs {
		key := doc.Key()
		body, err := json.Marshal(doc)
		if err != nil {
			return ierrors.InternalError(fmt.Sprintf("failed to encode document %s", key), err)
		}
		processed := strings.Join(FilterStopWords(Tokenize(doc.Content), s.stopWords), " ")
		m := doc.Metadata

		if _, err := deleteStmt.ExecContext(ctx, key); err != nil {
			return ierrors.StoreError(fmt.Sprintf("failed to delete existing document %s", key), err)
		}
		if _, err := insertStmt.ExecContext(ctx, key, processed); err != nil {
			return ierrors.StoreError(fmt.Sprintf("failed to index document %s", key), err)
		}
		if _, err := docStmt.ExecContext(ctx, key,
			strings.ToLower(m.Entity), strings.ToLower(m.Category),
			strings.ToLower(m.Source), strings.ToLower(m.Language),
			encodePhases(m.Phases), m.Year(), string(body)); err != nil {
			return ierrors.StoreError(fmt.Sprintf("failed to store document %s", key), err)
		}
	}

	return tx.Commit()
}

func encodePhases(phases []string) string {
	if len(phases) == 0 {
		return ""
	}
	return "|" + strings.Join(lowerAll(phases), "|") + "|"
}

// Search returns documents matching text that satisfy filter, best first.
func (s *SQLiteIndex) Search(ctx context.Context, text string, k int, filter *Filter) ([]*Hit, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ierrors.New(ierrors.ErrCodeStoreClosed, "index is closed", nil)
	}

	match := ftsMatchQuery(text, s.stopWords)
	if match == "" || k <= 0 {
		return []*Hit{}, nil
	}

	where, args := sqliteWhere(filter)
	q := `
		SELECT documents.body, bm25(fts_content) AS score
		FROM fts_content
		JOIN documents ON documents.doc_id = fts_content.doc_id
		WHERE fts_content MATCH ?` + where + `
		ORDER BY score
		LIMIT ?`

	queryArgs := append([]any{match}, args...)
	queryArgs = append(queryArgs, k)

	rows, err := s.db.QueryContext(ctx, q, queryArgs...)
	if err != nil {
		return nil, ierrors.New(ierrors.ErrCodeSearchFailed, "lexical search failed", err)
	}
	defer rows.Close()

	hits := []*Hit{}
	for rows.Next() {
		var body string
		var score float64
		if err := rows.Scan(&body, &score); err != nil {
			return nil, ierrors.StoreError("failed to scan result", err)
		}
		var doc Document
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			slog.Warn("skipping undecodable lexical hit", slog.String("error", err.Error()))
			continue
		}
		// bm25() is negative, lower is better.
		hits = append(hits, &Hit{Doc: &doc, Score: -score})
	}
	return hits, rows.Err()
}

// ftsMatchQuery quotes each query token and ORs them together, so punctuation
// in user text can never reach the FTS5 query parser.
func ftsMatchQuery(text string, stopWords map[string]struct{}) string {
	tokens := FilterStopWords(Tokenize(text), stopWords)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// sqliteWhere renders filter as " AND ..." conditions over the documents table.
func sqliteWhere(filter *Filter) (string, []any) {
	if filter.IsEmpty() {
		return "", nil
	}

	var b strings.Builder
	var args []any
	for _, c := range filter.Clauses {
		switch c.Field {
		case FieldPhase:
			parts := make([]string, len(c.Values))
			for i, v := range c.Values {
				parts[i] = "documents.phases LIKE ?"
				args = append(args, "%|"+strings.ToLower(v)+"|%")
			}
			b.WriteString(" AND (" + strings.Join(parts, " OR ") + ")")
		case FieldYear:
			switch c.Op {
			case OpGte:
				b.WriteString(" AND documents.year > 0 AND documents.year >= ?")
				args = append(args, atoiOrZero(c.Values[0]))
			case OpLte:
				b.WriteString(" AND documents.year > 0 AND documents.year <= ?")
				args = append(args, atoiOrZero(c.Values[0]))
			default:
				b.WriteString(" AND documents.year > 0 AND documents.year IN (" + placeholders(len(c.Values)) + ")")
				for _, v := range c.Values {
					args = append(args, atoiOrZero(v))
				}
			}
		default:
			b.WriteString(fmt.Sprintf(" AND documents.%s IN (%s)", c.Field, placeholders(len(c.Values))))
			for _, v := range c.Values {
				args = append(args, strings.ToLower(v))
			}
		}
	}
	return b.String(), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func atoiOrZero(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Count returns the number of indexed documents.
func (s *SQLiteIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// NewLexicalIndex opens the lexical backend named by backend ("bleve" or
// "sqlite"). An empty path gives an in-memory index.
func NewLexicalIndex(backend, path string, cfg LexicalConfig) (LexicalIndex, error) {
	switch strings.ToLower(backend) {
	case "", "bleve":
		return NewBleveIndex(path, cfg)
	case "sqlite":
		return NewSQLiteIndex(path, cfg)
	default:
		return nil, ierrors.ConfigError(fmt.Sprintf("unknown lexical backend %q", backend), nil).
			WithSuggestion("Use 'bleve' or 'sqlite'")
	}
}
