package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

const (
	// DefaultOllamaHost is the default Ollama API endpoint.
	DefaultOllamaHost = "http://localhost:11434"

	// DefaultOllamaModel is a multilingual general-purpose text embedding model.
	DefaultOllamaModel = "nomic-embed-text"

	// maxOllamaResponse caps the decoded response body.
	maxOllamaResponse = 32 << 20
)

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	// Host is the Ollama API endpoint (default: http://localhost:11434).
	Host string

	// Model is the embedding model (default: nomic-embed-text).
	Model string

	// Dimensions overrides auto-detection (0 = detect on first call).
	Dimensions int

	// Timeout bounds each request attempt (default: 30s).
	Timeout time.Duration

	// MaxRetries for transient failures (default: 2).
	MaxRetries int

	// HTTPClient replaces the default client; tests point it at httptest.
	HTTPClient *http.Client
}

// ollamaEmbedRequest is the Ollama /api/embed request.
type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

// ollamaEmbedResponse is the Ollama /api/embed response.
type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// ollamaModelList is the Ollama /api/tags response.
type ollamaModelList struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// OllamaEmbedder generates embeddings through Ollama's HTTP API.
type OllamaEmbedder struct {
	client *http.Client
	config OllamaConfig
	retry  ierrors.RetryConfig

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an embedder. No request is made until the first
// Embed call.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	client := cfg.HTTPClient
	if client == nil {
		// No client-level timeout: each attempt gets its own context deadline.
		client = &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     10 * time.Second,
		}}
	}

	retry := ierrors.TransientRetryConfig()
	retry.MaxRetries = cfg.MaxRetries
	retry.InitialDelay = 100 * time.Millisecond

	return &OllamaEmbedder{
		client: client,
		config: cfg,
		retry:  retry,
		dims:   cfg.Dimensions,
	}
}

// Embed generates the embedding of a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for texts in a single request.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ierrors.New(ierrors.ErrCodeEmbeddingFailed, "embedder is closed", nil)
	}

	attempt := 0
	vecs, err := ierrors.RetryWithResult(ctx, e.retry, func() ([][]float32, error) {
		attempt++
		slog.Debug("embedding attempt",
			slog.Int("attempt", attempt),
			slog.Int("texts", len(texts)),
			slog.String("model", e.config.Model))
		return e.doEmbed(ctx, texts)
	})
	if err != nil {
		return nil, ierrors.New(ierrors.ErrCodeEmbeddingFailed, "ollama embedding failed", err).
			WithDetail("model", e.config.Model)
	}
	if len(vecs) != len(texts) {
		return nil, ierrors.New(ierrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("ollama returned %d embeddings for %d texts", len(vecs), len(texts)), nil)
	}

	e.mu.Lock()
	if e.dims == 0 {
		e.dims = len(vecs[0])
	}
	dims := e.dims
	e.mu.Unlock()
	for _, v := range vecs {
		if len(v) != dims {
			return nil, ierrors.New(ierrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("ollama returned %d dimensions, expected %d", len(v), dims), nil)
		}
	}
	return vecs, nil
}

func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	var input any = texts
	if len(texts) == 1 {
		input = texts[0]
	}
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.config.Model, Input: input})
	if err != nil {
		return nil, ierrors.InternalError("failed to marshal request", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, e.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, ierrors.InternalError("failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, ierrors.FromTransport(ctx, err, "ollama")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, ierrors.FromHTTPStatus(resp.StatusCode, "ollama")
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxOllamaResponse)).Decode(&result); err != nil {
		return nil, ierrors.New(ierrors.ErrCodeParseFailed, "failed to decode ollama response", err)
	}

	embeddings := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vec := make([]float32, len(emb))
		for j, v := range emb {
			vec[j] = float32(v)
		}
		embeddings[i] = normalizeVector(vec)
	}
	return embeddings, nil
}

// Available reports whether Ollama is reachable and has the model pulled.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var list ollamaModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return false
	}
	want := strings.ToLower(e.config.Model)
	for _, m := range list.Models {
		name := strings.ToLower(m.Name)
		if name == want || strings.HasPrefix(name, want+":") {
			return true
		}
	}
	return false
}

// Dimensions returns the configured or detected dimension (0 before the
// first call when auto-detecting).
func (e *OllamaEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *OllamaEmbedder) ModelName() string {
	return e.config.Model
}

// Close releases idle connections.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.client.CloseIdleConnections()
	return nil
}
