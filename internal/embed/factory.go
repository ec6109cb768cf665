package embed

import (
	"fmt"
	"strings"

	"github.com/dominicdesy/intelia-expert-sub006/internal/config"
	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

// NewFromConfig builds the configured embedder wrapped in an LRU cache.
func NewFromConfig(cfg config.EmbeddingsConfig) (*CachedEmbedder, error) {
	var inner Embedder
	switch strings.ToLower(cfg.Provider) {
	case "", "static":
		inner = NewStaticEmbedder(cfg.Dimensions)
	case "ollama":
		inner = NewOllamaEmbedder(OllamaConfig{
			Host:       cfg.OllamaHost,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	default:
		return nil, ierrors.ConfigError(fmt.Sprintf("unknown embeddings provider %q", cfg.Provider), nil).
			WithSuggestion("Use 'static' or 'ollama'")
	}
	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}
