package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

// Provider names accepted in external.sources.
const (
	SourcePubMed          = "pubmed"
	SourceEuropePMC       = "europepmc"
	SourceCrossref        = "crossref"
	SourceSemanticScholar = "semanticscholar"
	SourceOpenAlex        = "openalex"
)

// KnownSources lists every supported external provider in registration order.
var KnownSources = []string{
	SourcePubMed,
	SourceEuropePMC,
	SourceCrossref,
	SourceSemanticScholar,
	SourceOpenAlex,
}

// Config represents the complete retrieval configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Rerank     RerankConfig     `yaml:"rerank" json:"rerank"`
	External   ExternalConfig   `yaml:"external" json:"external"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Stores     StoresConfig     `yaml:"stores" json:"stores"`
	Lexicon    LexiconConfig    `yaml:"lexicon" json:"lexicon"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// SearchConfig configures hybrid internal search.
// Weights and RRF constant are configurable via:
//  1. User config (~/.config/intelia/config.yaml) - personal defaults
//  2. Project config (.intelia.yaml) - per-deployment tuning
//  3. Env vars (INTELIA_VECTOR_WEIGHT, INTELIA_LEXICAL_WEIGHT, INTELIA_RRF_CONSTANT) - highest priority
type SearchConfig struct {
	RRFConstant    int     `yaml:"rrf_constant" json:"rrf_constant"`
	VectorWeight   float64 `yaml:"vector_weight" json:"vector_weight"`
	LexicalWeight  float64 `yaml:"lexical_weight" json:"lexical_weight"`
	VariantWeight  float64 `yaml:"variant_weight" json:"variant_weight"`
	MaxVariants    int     `yaml:"max_variants" json:"max_variants"`
	CandidatePool  int     `yaml:"candidate_pool" json:"candidate_pool"`
	MinScore       float64 `yaml:"min_score" json:"min_score"`
	Timeout        string  `yaml:"timeout" json:"timeout"`
	RelaxFilters   bool    `yaml:"relax_filters" json:"relax_filters"`
	LexicalBackend string  `yaml:"lexical_backend" json:"lexical_backend"` // bleve or sqlite
	IndexPath      string  `yaml:"index_path,omitempty" json:"index_path,omitempty"`
}

// RerankConfig configures the contextual reranker.
type RerankConfig struct {
	EntityWeight     float64 `yaml:"entity_weight" json:"entity_weight"`
	CategoryWeight   float64 `yaml:"category_weight" json:"category_weight"`
	PhaseWeight      float64 `yaml:"phase_weight" json:"phase_weight"`
	UrgencyWeight    float64 `yaml:"urgency_weight" json:"urgency_weight"`
	RecencyWeight    float64 `yaml:"recency_weight" json:"recency_weight"`
	SourcePenalty    float64 `yaml:"source_penalty" json:"source_penalty"`
	OverlapPenalty   float64 `yaml:"overlap_penalty" json:"overlap_penalty"`
	OverlapThreshold float64 `yaml:"overlap_threshold" json:"overlap_threshold"`
	DiversityFloor   float64 `yaml:"diversity_floor" json:"diversity_floor"`
}

// ExternalConfig configures the external source manager and its fetchers.
type ExternalConfig struct {
	Sources      []string                  `yaml:"sources" json:"sources"`
	MaxResults   int                       `yaml:"max_results" json:"max_results"`
	MinYear      int                       `yaml:"min_year,omitempty" json:"min_year,omitempty"`
	MinComposite float64                   `yaml:"min_composite" json:"min_composite"`
	Timeout      string                    `yaml:"timeout" json:"timeout"`
	Email        string                    `yaml:"email,omitempty" json:"email,omitempty"`
	Providers    map[string]ProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty"`
}

// ProviderConfig holds per-provider transport settings.
// Zero values mean "use the fetcher default".
type ProviderConfig struct {
	Rate    float64 `yaml:"rate,omitempty" json:"rate,omitempty"` // requests per second
	Burst   int     `yaml:"burst,omitempty" json:"burst,omitempty"`
	Retries int     `yaml:"retries,omitempty" json:"retries,omitempty"`
	APIKey  string  `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	BaseURL string  `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// EmbeddingsConfig configures the query embedder.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider" json:"provider"` // static or ollama
	Model      string `yaml:"model" json:"model"`
	OllamaHost string `yaml:"ollama_host,omitempty" json:"ollama_host,omitempty"`
	CacheSize  int    `yaml:"cache_size" json:"cache_size"`
	Dimensions int    `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
}

// StoresConfig selects the vector backend.
type StoresConfig struct {
	Vector   string         `yaml:"vector" json:"vector"` // hnsw, qdrant or pgvector
	Qdrant   QdrantConfig   `yaml:"qdrant" json:"qdrant"`
	PgVector PgVectorConfig `yaml:"pgvector" json:"pgvector"`
}

// QdrantConfig configures the qdrant vector store.
type QdrantConfig struct {
	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port" json:"port"`
	APIKey     string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	UseTLS     bool   `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`
	Collection string `yaml:"collection" json:"collection"`
}

// PgVectorConfig configures the Postgres/pgvector store.
type PgVectorConfig struct {
	DSN   string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	Table string `yaml:"table" json:"table"`
}

// LexiconConfig points at an optional lexicon pack override.
type LexiconConfig struct {
	Path  string `yaml:"path,omitempty" json:"path,omitempty"`
	Watch bool   `yaml:"watch,omitempty" json:"watch,omitempty"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file,omitempty" json:"file,omitempty"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Search: SearchConfig{
			RRFConstant:    60, // Industry standard k=60
			VectorWeight:   0.7,
			LexicalWeight:  0.3,
			VariantWeight:  0.6,
			MaxVariants:    5,
			CandidatePool:  3,
			MinScore:       0.001,
			Timeout:        "2s",
			RelaxFilters:   true,
			LexicalBackend: "bleve",
		},
		Rerank: RerankConfig{
			EntityWeight:     0.30,
			CategoryWeight:   0.25,
			PhaseWeight:      0.20,
			UrgencyWeight:    0.15,
			RecencyWeight:    0.10,
			SourcePenalty:    0.8,
			OverlapPenalty:   0.6,
			OverlapThreshold: 0.7,
			DiversityFloor:   0.3,
		},
		External: ExternalConfig{
			Sources:      append([]string(nil), KnownSources...),
			MaxResults:   10,
			MinComposite: 0.3,
			Timeout:      "15s",
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "static",
			Model:     "nomic-embed-text",
			CacheSize: 1000,
		},
		Stores: StoresConfig{
			Vector: "hnsw",
			Qdrant: QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				Collection: "intelia_documents",
			},
			PgVector: PgVectorConfig{
				Table: "documents",
			},
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// SearchTimeout returns the parsed per-call hybrid search timeout.
func (c *Config) SearchTimeout() time.Duration {
	return parseDurationOr(c.Search.Timeout, 2*time.Second)
}

// ExternalTimeout returns the parsed external fan-out timeout.
func (c *Config) ExternalTimeout() time.Duration {
	return parseDurationOr(c.External.Timeout, 15*time.Second)
}

// Provider returns the settings for the named provider (zero value if absent).
func (c *Config) Provider(name string) ProviderConfig {
	if c.External.Providers == nil {
		return ProviderConfig{}
	}
	return c.External.Providers[name]
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows the XDG Base Directory layout:
//   - $XDG_CONFIG_HOME/intelia/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/intelia/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "intelia", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "intelia", "config.yaml")
	}
	return filepath.Join(home, ".config", "intelia", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// Load loads configuration from the specified directory.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/intelia/config.yaml)
//  3. Project config (.intelia.yaml in dir)
//  4. Environment variables (INTELIA_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if path := GetUserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile attempts to load configuration from .intelia.yaml or .intelia.yml.
func (c *Config) loadFromFile(dir string) error {
	if dir == "" {
		return nil
	}

	// .yaml takes precedence
	yamlPath := filepath.Join(dir, ".intelia.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, ".intelia.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}

	return nil
}

// loadYAML decodes a YAML file on top of the current values.
// Keys absent from the file keep their current value, so explicit zeros
// (relax_filters: false, lexical_weight: 0) are honored.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ierrors.New(ierrors.ErrCodeConfigNotFound, fmt.Sprintf("failed to read config file %s", path), err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return ierrors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err).
			WithSuggestion("Check the YAML syntax and field types")
	}
	return nil
}

// applyEnvOverrides applies INTELIA_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("INTELIA_VECTOR_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 && w <= 1 {
			c.Search.VectorWeight = w
		}
	}
	if v := os.Getenv("INTELIA_LEXICAL_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 && w <= 1 {
			c.Search.LexicalWeight = w
		}
	}
	if v := os.Getenv("INTELIA_RRF_CONSTANT"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Search.RRFConstant = k
		}
	}
	if v := os.Getenv("INTELIA_SEARCH_TIMEOUT"); v != "" {
		c.Search.Timeout = v
	}
	if v := os.Getenv("INTELIA_LEXICAL_BACKEND"); v != "" {
		c.Search.LexicalBackend = v
	}

	if v := os.Getenv("INTELIA_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("INTELIA_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("INTELIA_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}

	if v := os.Getenv("INTELIA_VECTOR_STORE"); v != "" {
		c.Stores.Vector = v
	}
	if v := os.Getenv("INTELIA_QDRANT_HOST"); v != "" {
		c.Stores.Qdrant.Host = v
	}
	if v := os.Getenv("INTELIA_QDRANT_API_KEY"); v != "" {
		c.Stores.Qdrant.APIKey = v
	}
	if v := os.Getenv("INTELIA_PGVECTOR_DSN"); v != "" {
		c.Stores.PgVector.DSN = v
	}

	if v := os.Getenv("INTELIA_EXTERNAL_SOURCES"); v != "" {
		var sources []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(strings.ToLower(s)); s != "" {
				sources = append(sources, s)
			}
		}
		c.External.Sources = sources
	}
	if v := os.Getenv("INTELIA_EXTERNAL_EMAIL"); v != "" {
		c.External.Email = v
	}
	if v := os.Getenv("INTELIA_SEMANTIC_SCHOLAR_API_KEY"); v != "" {
		c.setProviderAPIKey(SourceSemanticScholar, v)
	}
	if v := os.Getenv("INTELIA_PUBMED_API_KEY"); v != "" {
		c.setProviderAPIKey(SourcePubMed, v)
	}

	if v := os.Getenv("INTELIA_LEXICON_PATH"); v != "" {
		c.Lexicon.Path = v
	}
	if v := os.Getenv("INTELIA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) setProviderAPIKey(name, key string) {
	if c.External.Providers == nil {
		c.External.Providers = make(map[string]ProviderConfig)
	}
	p := c.External.Providers[name]
	p.APIKey = key
	c.External.Providers[name] = p
}

// parseFloat64 parses a string to float64, used for config parsing.
func parseFloat64(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	s := c.Search
	if s.VectorWeight < 0 || s.VectorWeight > 1 {
		return invalid("search.vector_weight must be between 0 and 1, got %f", s.VectorWeight)
	}
	if s.LexicalWeight < 0 || s.LexicalWeight > 1 {
		return invalid("search.lexical_weight must be between 0 and 1, got %f", s.LexicalWeight)
	}
	if sum := s.VectorWeight + s.LexicalWeight; math.Abs(sum-1.0) > 0.01 {
		return invalid("search.vector_weight + search.lexical_weight must equal 1.0, got %.2f", sum)
	}
	if s.VariantWeight <= 0 || s.VariantWeight > 1 {
		return invalid("search.variant_weight must be in (0, 1], got %f", s.VariantWeight)
	}
	if s.RRFConstant <= 0 {
		return invalid("search.rrf_constant must be positive, got %d", s.RRFConstant)
	}
	if s.MaxVariants < 1 {
		return invalid("search.max_variants must be at least 1, got %d", s.MaxVariants)
	}
	if s.CandidatePool < 1 {
		return invalid("search.candidate_pool must be at least 1, got %d", s.CandidatePool)
	}
	if s.MinScore < 0 {
		return invalid("search.min_score must be non-negative, got %f", s.MinScore)
	}
	if _, err := time.ParseDuration(s.Timeout); err != nil {
		return invalid("search.timeout is not a duration: %q", s.Timeout)
	}
	if !oneOf(s.LexicalBackend, "bleve", "sqlite") {
		return invalid("search.lexical_backend must be 'bleve' or 'sqlite', got %s", s.LexicalBackend)
	}

	r := c.Rerank
	weights := []float64{r.EntityWeight, r.CategoryWeight, r.PhaseWeight, r.UrgencyWeight, r.RecencyWeight}
	var sum float64
	for _, w := range weights {
		if w < 0 || w > 1 {
			return invalid("rerank factor weights must be between 0 and 1, got %f", w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 0.01 {
		return invalid("rerank factor weights must sum to 1.0, got %.2f", sum)
	}
	for name, p := range map[string]float64{
		"source_penalty":  r.SourcePenalty,
		"overlap_penalty": r.OverlapPenalty,
	} {
		if p <= 0 || p > 1 {
			return invalid("rerank.%s must be in (0, 1], got %f", name, p)
		}
	}
	if r.OverlapThreshold <= 0 || r.OverlapThreshold > 1 {
		return invalid("rerank.overlap_threshold must be in (0, 1], got %f", r.OverlapThreshold)
	}
	if r.DiversityFloor < 0 || r.DiversityFloor > 1 {
		return invalid("rerank.diversity_floor must be between 0 and 1, got %f", r.DiversityFloor)
	}

	e := c.External
	for _, src := range e.Sources {
		if !oneOf(src, KnownSources...) {
			return invalid("external.sources: unknown provider %q", src)
		}
	}
	if e.MaxResults < 1 {
		return invalid("external.max_results must be at least 1, got %d", e.MaxResults)
	}
	if e.MinComposite < 0 || e.MinComposite > 1 {
		return invalid("external.min_composite must be between 0 and 1, got %f", e.MinComposite)
	}
	if _, err := time.ParseDuration(e.Timeout); err != nil {
		return invalid("external.timeout is not a duration: %q", e.Timeout)
	}
	for name, p := range e.Providers {
		if p.Rate < 0 || p.Burst < 0 || p.Retries < 0 {
			return invalid("external.providers.%s: rate, burst and retries must be non-negative", name)
		}
	}

	if !oneOf(c.Embeddings.Provider, "static", "ollama") {
		return invalid("embeddings.provider must be 'static' or 'ollama', got %s", c.Embeddings.Provider)
	}
	if c.Embeddings.CacheSize < 0 {
		return invalid("embeddings.cache_size must be non-negative, got %d", c.Embeddings.CacheSize)
	}

	if !oneOf(c.Stores.Vector, "hnsw", "qdrant", "pgvector") {
		return invalid("stores.vector must be 'hnsw', 'qdrant' or 'pgvector', got %s", c.Stores.Vector)
	}
	if c.Stores.Vector == "pgvector" && c.Stores.PgVector.DSN == "" {
		return invalid("stores.pgvector.dsn is required when stores.vector is 'pgvector'")
	}

	if !oneOf(c.Logging.Level, "debug", "info", "warn", "error") {
		return invalid("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	return nil
}

func invalid(format string, args ...any) error {
	return ierrors.ConfigError(fmt.Sprintf(format, args...), nil)
}

func oneOf(v string, options ...string) bool {
	v = strings.ToLower(v)
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// FindProjectRoot finds the directory holding the project configuration.
// It looks for a .git directory or .intelia.yaml/.yml file by walking up the directory tree.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	currentDir := absDir
	for {
		if dirExists(filepath.Join(currentDir, ".git")) {
			return currentDir, nil
		}

		if fileExists(filepath.Join(currentDir, ".intelia.yaml")) ||
			fileExists(filepath.Join(currentDir, ".intelia.yml")) {
			return currentDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			// Reached root, return original directory
			return absDir, nil
		}
		currentDir = parentDir
	}
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// dirExists checks if a directory exists.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
