// Package fetcher implements one external.Fetcher per bibliographic
// provider on top of a shared, instance-owned HTTP client.
package fetcher

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
	"github.com/dominicdesy/intelia-expert-sub006/pkg/version"
)

const (
	// DefaultTimeout bounds one request attempt.
	DefaultTimeout = 10 * time.Second

	// DefaultRetries is the number of retries after the first attempt.
	DefaultRetries = 2

	// maxResponseBytes caps a provider response body.
	maxResponseBytes = 8 << 20
)

// settings collects the options shared by every provider.
type settings struct {
	baseURL    string
	httpClient *http.Client
	limit      rate.Limit
	burst      int
	retry      ierrors.RetryConfig
	apiKey     string
	email      string
	userAgent  string
	timeout    time.Duration
	breaker    []ierrors.CircuitBreakerOption
}

// Option configures a provider fetcher.
type Option func(*settings)

// WithBaseURL points the fetcher at another endpoint (tests use httptest).
func WithBaseURL(u string) Option {
	return func(s *settings) {
		s.baseURL = u
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) {
		s.httpClient = c
	}
}

// WithRateLimit sets requests per second and burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *settings) {
		if perSecond > 0 {
			s.limit = rate.Limit(perSecond)
		}
		if burst > 0 {
			s.burst = burst
		}
	}
}

// WithRetries sets how many times a transient failure is retried.
func WithRetries(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.retry.MaxRetries = n
		}
	}
}

// WithRetryConfig replaces the whole retry policy. The transient-only
// predicate is kept when cfg has none.
func WithRetryConfig(cfg ierrors.RetryConfig) Option {
	return func(s *settings) {
		if cfg.ShouldRetry == nil {
			cfg.ShouldRetry = ierrors.IsRetryable
		}
		s.retry = cfg
	}
}

// WithAPIKey sets the provider API key, where the provider takes one.
func WithAPIKey(key string) Option {
	return func(s *settings) {
		s.apiKey = key
	}
}

// WithEmail sets the contact address polite pools ask for.
func WithEmail(email string) Option {
	return func(s *settings) {
		s.email = email
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(s *settings) {
		s.userAgent = ua
	}
}

// WithTimeout bounds each request attempt.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithBreakerOptions tunes the per-fetcher circuit breaker.
func WithBreakerOptions(opts ...ierrors.CircuitBreakerOption) Option {
	return func(s *settings) {
		s.breaker = append(s.breaker, opts...)
	}
}

func newSettings(baseURL string, perSecond float64, burst int, opts []Option) settings {
	retry := ierrors.TransientRetryConfig()
	retry.MaxRetries = DefaultRetries
	retry.InitialDelay = 200 * time.Millisecond

	s := settings{
		baseURL:   baseURL,
		limit:     rate.Limit(perSecond),
		burst:     burst,
		retry:     retry,
		userAgent: version.UserAgent(),
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     30 * time.Second,
		}}
	}
	return s
}

// Client performs rate-limited, retried, circuit-broken GET requests for
// one provider. Its limiter and breaker belong to this instance only.
type Client struct {
	name      string
	http      *http.Client
	limiter   *rate.Limiter
	breaker   *ierrors.CircuitBreaker
	retry     ierrors.RetryConfig
	userAgent string
	timeout   time.Duration
}

func newClient(name string, s settings) *Client {
	return &Client{
		name:      name,
		http:      s.httpClient,
		limiter:   rate.NewLimiter(s.limit, s.burst),
		breaker:   ierrors.NewCircuitBreaker(name, s.breaker...),
		retry:     s.retry,
		userAgent: s.userAgent,
		timeout:   s.timeout,
	}
}

// Get fetches url and returns the body. Network errors, 429 and 5XX are
// retried; any other 4XX fails immediately.
func (c *Client) Get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	attempt := 0
	return ierrors.RetryWithResult(ctx, c.retry, func() ([]byte, error) {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		slog.Debug("provider request",
			slog.String("source", c.name),
			slog.Int("attempt", attempt))
		return ierrors.CircuitExecute(c.breaker, func() ([]byte, error) {
			return c.do(ctx, url, header)
		})
	})
}

func (c *Client) do(ctx context.Context, url string, header http.Header) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, ierrors.InternalError("failed to create request", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ierrors.FromTransport(ctx, err, c.name)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, ierrors.FromHTTPStatus(resp.StatusCode, c.name)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, ierrors.FromTransport(ctx, err, c.name)
	}
	if len(body) > maxResponseBytes {
		return nil, ierrors.New(ierrors.ErrCodeParseFailed,
			fmt.Sprintf("%s response exceeds %d bytes", c.name, maxResponseBytes), nil)
	}
	return body, nil
}

// GetJSON fetches url and decodes a JSON body into v.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, v any) error {
	body, err := c.Get(ctx, url, header)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return ierrors.New(ierrors.ErrCodeParseFailed, fmt.Sprintf("%s returned invalid JSON", c.name), err)
	}
	return nil
}

// GetXML fetches url and decodes an XML body into v.
func (c *Client) GetXML(ctx context.Context, url string, header http.Header, v any) error {
	body, err := c.Get(ctx, url, header)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(body, v); err != nil {
		return ierrors.New(ierrors.ErrCodeParseFailed, fmt.Sprintf("%s returned invalid XML", c.name), err)
	}
	return nil
}

// Breaker exposes the circuit breaker state for diagnostics.
func (c *Client) Breaker() *ierrors.CircuitBreaker {
	return c.breaker
}
