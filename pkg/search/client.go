// Package search implements the rate-limited web-search provider client.
//
// The provider is an authenticated GET taking a q parameter and returning
// {web: {results: [{title, description, url}]}}. A single-flight interval
// limiter paces requests; 429 responses back off exponentially before the
// call is reported as exhausted.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/httpclient"
	"github.com/fathomlabs/fathom/pkg/ratelimit"
)

const (
	searchPath = "/res/v1/web/search"

	minQueryLen = 3
	maxQueryLen = 1000
)

// Hit is one web search result. Provider-opaque after construction.
type Hit struct {
	Title        string `json:"title"`
	Snippet      string `json:"snippet"`
	URL          string `json:"url"`
	ProviderType string `json:"providerType"`
}

type wireResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			URL         string `json:"url"`
		} `json:"results"`
	} `json:"web"`
}

// WaitHook observes rate-limit backoff sleeps.
type WaitHook func(delay time.Duration, attempt int)

// Client executes web searches with pacing and typed retries.
type Client struct {
	cfg     config.SearchConfig
	http    *http.Client
	limiter *ratelimit.Interval
	policy  httpclient.RetryPolicy
	onWait  WaitHook
}

// Option configures a Client.
type Option func(*Client)

// WithWaitHook installs an observer for backoff sleeps. The orchestrator
// uses it to emit "waiting" telemetry.
func WithWaitHook(hook WaitHook) Option {
	return func(c *Client) { c.onWait = hook }
}

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetryPolicy replaces the backoff schedule (tests).
func WithRetryPolicy(p httpclient.RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// NewClient builds a search client from config.
func NewClient(cfg config.SearchConfig, opts ...Option) (*Client, error) {
	limiter, err := ratelimit.NewInterval(cfg.Interval)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		policy: httpclient.RetryPolicy{
			MaxAttempts: 3,
			BaseBackoff: 5 * time.Second,
			MaxBackoff:  60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Search runs one query. Queries shorter than three characters return an
// empty result without a network call; longer than a thousand characters
// are truncated. Callers block on the provider's single-flight slot.
func (c *Client) Search(ctx context.Context, query string) ([]Hit, error) {
	if c.cfg.APIKey == "" {
		return nil, newError(KindCredentialMissing, "SEARCH_API_KEY is not set", nil)
	}

	if len(query) < minQueryLen {
		return []Hit{}, nil
	}
	if len(query) > maxQueryLen {
		query = query[:maxQueryLen]
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxAttempts; attempt++ {
		hits, retryable, err := c.attempt(ctx, query)
		if err == nil {
			return hits, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err

		// Rate limits get the full backoff schedule; other transient
		// faults retry once.
		if KindOf(err) != KindRateLimited && attempt >= 1 {
			break
		}
		if attempt == c.policy.MaxAttempts {
			break
		}

		delay := c.policy.Backoff(attempt)
		if c.onWait != nil {
			c.onWait(delay, attempt)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if KindOf(lastErr) == KindRateLimited {
		return nil, newError(KindRateLimitExhausted, fmt.Sprintf("gave up after %d attempts", c.policy.MaxAttempts+1), lastErr)
	}
	return nil, lastErr
}

// attempt performs one provider request. The bool reports retryability.
func (c *Client) attempt(ctx context.Context, query string) ([]Hit, bool, error) {
	endpoint := c.cfg.Host + searchPath + "?q=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, newError(KindProviderError, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		// Transport errors get a single retry like other 5xx-class faults.
		return nil, true, newError(KindProviderError, "request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, true, newError(KindRateLimited, "HTTP 429", nil)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, false, newError(KindAuthError, "provider rejected credentials", nil)
	case http.StatusUnprocessableEntity:
		return nil, false, newError(KindQueryInvalid, "provider rejected query", nil)
	default:
		return nil, true, newError(KindProviderError, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, newError(KindProviderError, "read response", err)
	}

	var out wireResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, newError(KindProviderError, "decode response", err)
	}

	hits := make([]Hit, 0, len(out.Web.Results))
	for _, r := range out.Web.Results {
		if r.URL == "" {
			continue
		}
		hits = append(hits, Hit{
			Title:        r.Title,
			Snippet:      r.Description,
			URL:          r.URL,
			ProviderType: "web",
		})
	}
	return hits, false, nil
}
