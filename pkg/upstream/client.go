// Package upstream talks to the player-statistics API. It owns per-call
// timeouts, the single transient retry, circuit breaker state and the shared
// rate-limit cooldown; callers above it never build HTTP requests themselves.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/statrelay/statrelay/pkg/stats"
)

var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statrelay_upstream_requests_total",
		Help: "Upstream API requests by resulting status",
	}, []string{"status"})

	upstreamRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "statrelay_upstream_request_duration_seconds",
		Help:    "Upstream API request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statrelay_upstream_errors_total",
		Help: "Upstream API errors by kind",
	}, []string{"kind"})
)

// Conditional carries cache validators for a revalidation request.
type Conditional struct {
	ETag         string
	LastModified time.Time
}

// FetchResult is the outcome of one upstream player fetch.
type FetchResult struct {
	// Payload is nil when NotModified is true.
	Payload      *stats.PlayerResponse
	ETag         string
	LastModified time.Time
	NotModified  bool
}

// Config holds the upstream client settings.
type Config struct {
	BaseURL        string
	APIKey         string
	UserAgent      string
	Timeout        time.Duration
	RetryBaseDelay time.Duration
}

// Client fetches player documents from the upstream API through the circuit
// breaker and quota gate.
type Client struct {
	httpClient *http.Client
	cfg        Config
	breaker    *Breaker
	quota      *QuotaGate
	logger     zerolog.Logger
}

// New creates an upstream client. The breaker is injected so one process-wide
// instance can be shared with anything that wants to fail fast on its state.
func New(cfg Config, breaker *Breaker, quota *QuotaGate, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	if breaker == nil {
		return nil, fmt.Errorf("breaker is required")
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		breaker:    breaker,
		quota:      quota,
		logger:     logger,
	}, nil
}

// Breaker exposes the injected breaker for observability surfaces.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// FetchPlayer fetches the player document for an opaque ID, optionally as a
// conditional request. A 304 from upstream is success-without-payload.
func (c *Client) FetchPlayer(ctx context.Context, id string, cond *Conditional) (*FetchResult, error) {
	if c.quota != nil {
		if remaining := c.quota.CooldownRemaining(ctx); remaining > 0 {
			upstreamErrorsTotal.WithLabelValues(string(KindRateLimited)).Inc()
			return nil, &Error{
				Kind:       KindRateLimited,
				StatusCode: http.StatusTooManyRequests,
				Message:    "shared quota cooldown active",
				RetryAfter: remaining,
			}
		}
	}

	var result *FetchResult
	err := retryOnceTransient(ctx, c.cfg.RetryBaseDelay, c.logger, func() error {
		var attemptErr error
		result, attemptErr = c.fetchOnce(ctx, id, cond)
		return attemptErr
	})
	if err != nil {
		if kind := KindOf(err); kind != "" {
			upstreamErrorsTotal.WithLabelValues(string(kind)).Inc()
		}
		return nil, err
	}
	return result, nil
}

// fetchOnce performs a single breaker-gated request attempt.
func (c *Client) fetchOnce(ctx context.Context, id string, cond *Conditional) (*FetchResult, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v2/player", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	q := req.URL.Query()
	q.Set("uuid", id)
	req.URL.RawQuery = q.Encode()

	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("API-Key", c.cfg.APIKey)
	}
	if cond != nil {
		if cond.ETag != "" {
			req.Header.Set("If-None-Match", cond.ETag)
		} else if !cond.LastModified.IsZero() {
			req.Header.Set("If-Modified-Since", cond.LastModified.UTC().Format(http.TimeFormat))
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	upstreamRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.breaker.OnFailure()
		upstreamRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, &Error{
			Kind:    KindTransient,
			Message: "request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	upstreamRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		c.breaker.OnSuccess()
		return c.notModifiedResult(resp, cond), nil

	case resp.StatusCode == http.StatusForbidden:
		// Deterministic rejection, not an outage: no breaker failure.
		return nil, &Error{
			Kind:       KindAuth,
			StatusCode: resp.StatusCode,
			Message:    "upstream rejected the API key",
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header)
		if c.quota != nil {
			c.quota.RecordRateLimited(ctx, retryAfter)
		}
		return nil, &Error{
			Kind:       KindRateLimited,
			StatusCode: resp.StatusCode,
			Message:    "upstream quota exhausted",
			RetryAfter: retryAfter,
		}

	case resp.StatusCode >= 500:
		c.breaker.OnFailure()
		return nil, &Error{
			Kind:       KindTransient,
			StatusCode: resp.StatusCode,
			Message:    resp.Status,
		}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Deterministic rejection like 403/429: no breaker failure, and a
		// retry would burn quota for the same answer.
		return nil, &Error{
			Kind:       KindRejected,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("upstream rejected the request: %s", resp.Status),
		}

	case resp.StatusCode != http.StatusOK:
		return nil, &Error{
			Kind:       KindTransient,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected status %s", resp.Status),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.OnFailure()
		return nil, &Error{
			Kind:    KindTransient,
			Message: "read response body",
			Err:     err,
		}
	}

	var payload stats.PlayerResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		c.breaker.OnFailure()
		return nil, &Error{
			Kind:    KindTransient,
			Message: "decode response body",
			Err:     err,
		}
	}

	c.breaker.OnSuccess()

	if !payload.Success || payload.Player == nil {
		cause := payload.Cause
		if cause == "" {
			cause = "no player data in response"
		}
		return nil, &Error{
			Kind:       KindEmptyPayload,
			StatusCode: resp.StatusCode,
			Message:    cause,
		}
	}

	return &FetchResult{
		Payload:      &payload,
		ETag:         resp.Header.Get("ETag"),
		LastModified: parseHTTPTime(resp.Header.Get("Last-Modified")),
	}, nil
}

// notModifiedResult builds a 304 result, preferring fresh validators from the
// response and falling back to the ones the caller sent.
func (c *Client) notModifiedResult(resp *http.Response, cond *Conditional) *FetchResult {
	result := &FetchResult{
		NotModified:  true,
		ETag:         resp.Header.Get("ETag"),
		LastModified: parseHTTPTime(resp.Header.Get("Last-Modified")),
	}
	if cond != nil {
		if result.ETag == "" {
			result.ETag = cond.ETag
		}
		if result.LastModified.IsZero() {
			result.LastModified = cond.LastModified
		}
	}
	return result
}

// parseRetryAfter reads the Retry-After header as either delta-seconds or an
// HTTP date. Returns zero when absent or unparseable.
func parseRetryAfter(headers http.Header) time.Duration {
	value := headers.Get("Retry-After")
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func parseHTTPTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}
	}
	return t
}
