package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dominicdesy/intelia-expert-sub006/internal/config"
	"github.com/dominicdesy/intelia-expert-sub006/internal/embed"
	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
	"github.com/dominicdesy/intelia-expert-sub006/internal/output"
	"github.com/dominicdesy/intelia-expert-sub006/internal/search"
	"github.com/dominicdesy/intelia-expert-sub006/internal/store"
)

// newSearchCmd creates the search command.
func newSearchCmd(a *app) *cobra.Command {
	var (
		corpus     string
		indexCache string
		k          int
		filters    []string
		explain    bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run hybrid retrieval over a JSONL corpus",
		Long: `Load a JSONL corpus into the configured lexical and vector stores, then
run the full internal pipeline: context extraction, expansion, hybrid
search with weighted RRF fusion and contextual reranking.

Filters use field=value, field=a|b, year>=2020 or year<=2023 and may be
repeated. Fields: entity, category, phase, source, language, year.`,
		Example: `  intelia-retrieval search --corpus docs.jsonl "ross 308 weight at 21 days"
  intelia-retrieval search --corpus docs.jsonl --filter entity=ross_308 --filter year>=2020 --explain "feed conversion"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFilters(filters)
			if err != nil {
				return err
			}
			resp, err := a.runSearch(cmd.Context(), corpus, indexCache, strings.Join(args, " "), search.RetrieveOptions{
				K:       k,
				Filter:  f,
				Explain: explain,
			})
			if err != nil {
				return err
			}

			w := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return w.JSON(resp)
			}
			w.Results(resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&corpus, "corpus", "", "JSONL corpus file (one document per line)")
	cmd.Flags().StringVar(&indexCache, "index-cache", "", "HNSW snapshot path reused while newer than the corpus")
	cmd.Flags().IntVar(&k, "k", search.DefaultK, "Number of results")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "Metadata filter clause (repeatable)")
	cmd.Flags().BoolVar(&explain, "explain", false, "Show ranking factor breakdown")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("corpus")

	return cmd
}

// parseFilters turns repeated --filter values into one conjunctive filter.
func parseFilters(exprs []string) (*store.Filter, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	clauses := make([]store.Clause, 0, len(exprs))
	for _, e := range exprs {
		c, err := store.ParseClause(e)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, c)
	}
	return store.NewFilter(clauses...), nil
}

// runSearch loads the corpus into fresh stores and runs one retrieval.
func (a *app) runSearch(ctx context.Context, corpus, indexCache, query string, opts search.RetrieveOptions) (*search.Response, error) {
	src, err := a.lexiconSource(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	docs, err := store.LoadCorpus(corpus)
	if err != nil {
		return nil, err
	}

	embedder, err := embed.NewFromConfig(a.cfg.Embeddings)
	if err != nil {
		return nil, err
	}
	defer func() { _ = embedder.Close() }()
	if !embedder.Available(ctx) {
		return nil, ierrors.New(ierrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("embedder %s is not available", embedder.ModelName()), nil).
			WithSuggestion("Start Ollama and pull the model, or set embeddings.provider to static")
	}

	vec, err := a.vectorIndex(ctx, corpus, indexCache, docs, embedder)
	if err != nil {
		return nil, err
	}
	defer func() { _ = vec.Close() }()

	lex, err := store.NewLexicalIndex(a.cfg.Search.LexicalBackend, "", store.DefaultLexicalConfig())
	if err != nil {
		return nil, err
	}
	defer func() { _ = lex.Close() }()
	if err := lex.Index(ctx, docs); err != nil {
		return nil, err
	}
	slog.Info("corpus loaded",
		slog.String("corpus", corpus),
		slog.Int("documents", len(docs)),
		slog.String("vector_store", a.cfg.Stores.Vector),
		slog.String("lexical_backend", a.cfg.Search.LexicalBackend),
		slog.Duration("duration", time.Since(start)))

	engine, err := search.NewEngineFromConfig(a.cfg, src, vec, lex, embedder, a.metrics)
	if err != nil {
		return nil, err
	}
	return engine.Retrieve(ctx, query, opts)
}

// vectorIndex embeds docs into the configured vector store. With an index
// cache the HNSW snapshot is reused when still valid and rewritten otherwise.
func (a *app) vectorIndex(ctx context.Context, corpus, cachePath string, docs []*store.Document, embedder embed.Embedder) (store.VectorIndex, error) {
	if cachePath != "" && a.cfg.Stores.Vector != "" && a.cfg.Stores.Vector != "hnsw" {
		return nil, ierrors.ConfigError("--index-cache needs stores.vector 'hnsw'", nil)
	}
	if cachePath != "" {
		cached, err := loadIndexCache(cachePath, corpus, embedder.Dimensions())
		if err != nil {
			return nil, err
		}
		if cached != nil {
			slog.Info("vector index loaded from cache", slog.String("path", cachePath), slog.Int("documents", cached.Count()))
			return cached, nil
		}
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, ierrors.New(ierrors.ErrCodeEmbeddingFailed, "failed to embed corpus", err)
	}

	vec, err := openVectorIndex(ctx, a.cfg, embedder.Dimensions())
	if err != nil {
		return nil, err
	}
	if err := vec.Add(ctx, docs, vectors); err != nil {
		_ = vec.Close()
		return nil, err
	}

	if h, ok := vec.(*store.HNSWStore); ok && cachePath != "" {
		if err := h.Save(cachePath); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "failed to save index cache",
				append([]slog.Attr{slog.String("path", cachePath)}, ierrors.LogAttrs(err)...)...)
		}
	}
	return vec, nil
}

// loadIndexCache returns the snapshot at path when it was written after the
// corpus with the same dimensions. A nil store means rebuild.
func loadIndexCache(path, corpus string, dims int) (*store.HNSWStore, error) {
	saved, err := store.ReadHNSWStoreDimensions(path)
	if err != nil || saved != dims {
		return nil, nil
	}
	cacheInfo, err := os.Stat(path + ".meta")
	if err != nil {
		return nil, nil
	}
	corpusInfo, err := os.Stat(corpus)
	if err != nil || corpusInfo.ModTime().After(cacheInfo.ModTime()) {
		return nil, nil
	}

	h, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		return nil, err
	}
	if err := h.Load(path); err != nil {
		_ = h.Close()
		if ierrors.IsFatal(err) {
			slog.LogAttrs(context.Background(), slog.LevelWarn, "index cache unreadable, rebuilding",
				append([]slog.Attr{slog.String("path", path)}, ierrors.LogAttrs(err)...)...)
			return nil, nil
		}
		return nil, err
	}
	return h, nil
}

// openVectorIndex opens the vector backend named by stores.vector.
func openVectorIndex(ctx context.Context, cfg *config.Config, dims int) (store.VectorIndex, error) {
	switch cfg.Stores.Vector {
	case "", "hnsw":
		return store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	case "qdrant":
		q := cfg.Stores.Qdrant
		return store.NewQdrantStore(store.QdrantConfig{
			Host:       q.Host,
			Port:       q.Port,
			APIKey:     q.APIKey,
			UseTLS:     q.UseTLS,
			Collection: q.Collection,
			Dimensions: dims,
		})
	case "pgvector":
		p := cfg.Stores.PgVector
		return store.NewPgVectorStore(ctx, store.PgVectorConfig{
			DSN:        p.DSN,
			Table:      p.Table,
			Dimensions: dims,
		})
	default:
		return nil, ierrors.ConfigError(fmt.Sprintf("unknown vector store %q", cfg.Stores.Vector), nil)
	}
}
