package fetcher

import (
	"fmt"
	"strings"

	"github.com/dominicdesy/intelia-expert-sub006/internal/config"
	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
	"github.com/dominicdesy/intelia-expert-sub006/internal/external"
)

// New creates the fetcher registered under name.
func New(name string, opts ...Option) (external.Fetcher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case config.SourcePubMed:
		return NewPubMed(opts...), nil
	case config.SourceEuropePMC:
		return NewEuropePMC(opts...), nil
	case config.SourceCrossref:
		return NewCrossref(opts...), nil
	case config.SourceSemanticScholar:
		return NewSemanticScholar(opts...), nil
	case config.SourceOpenAlex:
		return NewOpenAlex(opts...), nil
	default:
		return nil, ierrors.ConfigError(fmt.Sprintf("unknown external source %q", name), nil).
			WithSuggestion("Use one of: " + strings.Join(config.KnownSources, ", "))
	}
}

// FromConfig builds one fetcher per enabled source, in configuration order.
func FromConfig(cfg *config.Config) ([]external.Fetcher, error) {
	fetchers := make([]external.Fetcher, 0, len(cfg.External.Sources))
	for _, name := range cfg.External.Sources {
		f, err := New(name, providerOptions(cfg, name)...)
		if err != nil {
			return nil, err
		}
		fetchers = append(fetchers, f)
	}
	return fetchers, nil
}

func providerOptions(cfg *config.Config, name string) []Option {
	p := cfg.Provider(name)
	var opts []Option
	if p.BaseURL != "" {
		opts = append(opts, WithBaseURL(p.BaseURL))
	}
	if p.Rate > 0 || p.Burst > 0 {
		opts = append(opts, WithRateLimit(p.Rate, p.Burst))
	}
	if p.Retries > 0 {
		opts = append(opts, WithRetries(p.Retries))
	}
	if p.APIKey != "" {
		opts = append(opts, WithAPIKey(p.APIKey))
	}
	if cfg.External.Email != "" {
		opts = append(opts, WithEmail(cfg.External.Email))
	}
	return opts
}
