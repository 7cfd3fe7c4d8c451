package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var profileRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "statrelay_profile_requests_total",
	Help: "Profile API name lookups by status",
}, []string{"status"})

// ErrUnknownName reports that the profile API has no player for a name. The
// caller caches this as an unresolvable mapping rather than retrying.
var ErrUnknownName = errors.New("no player for name")

// ProfileConfig holds the profile API settings.
type ProfileConfig struct {
	BaseURL        string
	UserAgent      string
	Timeout        time.Duration
	RetryBaseDelay time.Duration
}

// ProfileClient resolves player names to opaque IDs through the profile API.
// Unlike the stats endpoint this API has no shared quota, so no breaker or
// quota gate sits in front of it.
type ProfileClient struct {
	httpClient *http.Client
	cfg        ProfileConfig
	logger     zerolog.Logger
}

// NewProfileClient creates a profile lookup client.
func NewProfileClient(cfg ProfileConfig, logger zerolog.Logger) (*ProfileClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("profile base URL is required")
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

	return &ProfileClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// SetHTTPClient replaces the HTTP client. Intended for tests.
func (c *ProfileClient) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// LookupID resolves a name to its opaque ID. Returns ErrUnknownName when the
// profile API confirms the name does not exist.
func (c *ProfileClient) LookupID(ctx context.Context, name string) (string, error) {
	var id string
	err := retryOnceTransient(ctx, c.cfg.RetryBaseDelay, c.logger, func() error {
		var err error
		id, err = c.lookupOnce(ctx, name)
		return err
	})
	return id, err
}

func (c *ProfileClient) lookupOnce(ctx context.Context, name string) (string, error) {
	reqURL := fmt.Sprintf("%s/%s", c.cfg.BaseURL, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		profileRequestsTotal.WithLabelValues("network_error").Inc()
		return "", &Error{Kind: KindTransient, Message: "profile request failed", Err: err}
	}
	defer resp.Body.Close()
	profileRequestsTotal.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", &Error{Kind: KindTransient, StatusCode: resp.StatusCode, Message: "decode profile response", Err: err}
		}
		if body.ID == "" {
			return "", ErrUnknownName
		}
		return body.ID, nil
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotFound:
		return "", ErrUnknownName
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &Error{
			Kind:       KindRateLimited,
			StatusCode: resp.StatusCode,
			Message:    "profile API rate limited",
			RetryAfter: parseRetryAfter(resp.Header),
		}
	case resp.StatusCode >= 500:
		return "", &Error{Kind: KindTransient, StatusCode: resp.StatusCode, Message: "profile API server error"}
	default:
		return "", &Error{Kind: KindAuth, StatusCode: resp.StatusCode, Message: "profile API rejected request"}
	}
}
