// Package httpclient provides a retrying HTTP client shared by the
// provider clients. Retries follow a single RetryPolicy value so search
// and LLM calls behave consistently.
package httpclient

import (
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryPolicy describes the retry behavior for transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Jitter      float64
}

// DefaultRetryPolicy is shared by both provider clients.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseBackoff: 2 * time.Second,
	MaxBackoff:  60 * time.Second,
	Jitter:      0.1,
}

// Backoff returns the delay before the given zero-based attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * p.BaseBackoff
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	return delay
}

// RetryClass tells the client how to treat a response status.
type RetryClass int

const (
	NoRetry RetryClass = iota
	QuickRetry
	BackoffRetry
)

// ClassifyStatus maps an HTTP status code to a retry class.
func ClassifyStatus(statusCode int) RetryClass {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return BackoffRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return QuickRetry
	default:
		return NoRetry
	}
}

// RateLimitInfo carries provider rate-limit hints parsed from headers.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64
	RequestsRemaining int
}

// HeaderParser extracts rate-limit hints from response headers.
type HeaderParser func(http.Header) RateLimitInfo

// Client wraps http.Client with policy-driven retries.
type Client struct {
	client       *http.Client
	policy       RetryPolicy
	headerParser HeaderParser

	// onWait is invoked before each backoff sleep; the orchestrator uses
	// it to surface "waiting" telemetry.
	onWait func(delay time.Duration, attempt int)
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) { c.policy = policy }
}

func WithHeaderParser(parser HeaderParser) Option {
	return func(c *Client) { c.headerParser = parser }
}

func WithWaitHook(hook func(delay time.Duration, attempt int)) Option {
	return func(c *Client) { c.onWait = hook }
}

// New returns a Client with the default policy and a 60s timeout.
func New(opts ...Option) *Client {
	c := &Client{
		client: &http.Client{Timeout: 60 * time.Second},
		policy: DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request, retrying per the policy. The request body must
// have GetBody set for retries to replay it. Returns RetryExhaustedError
// when all attempts fail on a retryable status.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		class := ClassifyStatus(resp.StatusCode)
		if class == NoRetry {
			return resp, nil
		}

		var hints RateLimitInfo
		if c.headerParser != nil {
			hints = c.headerParser(resp.Header)
		}

		if attempt >= c.policy.MaxAttempts {
			delay := c.delayFor(class, attempt, hints)
			drainBody(resp)
			return nil, &RetryExhaustedError{
				StatusCode: resp.StatusCode,
				Attempts:   attempt + 1,
				RetryAfter: delay,
			}
		}

		delay := c.delayFor(class, attempt, hints)
		drainBody(resp)

		if c.onWait != nil {
			c.onWait(delay, attempt)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) delayFor(class RetryClass, attempt int, hints RateLimitInfo) time.Duration {
	switch class {
	case BackoffRetry:
		if hints.RetryAfter > 0 {
			return hints.RetryAfter
		}
		if hints.ResetTime > 0 {
			if delay := time.Until(time.Unix(hints.ResetTime, 0)); delay > 0 {
				return delay
			}
		}
		return c.policy.Backoff(attempt)
	case QuickRetry:
		return time.Duration(2+attempt) * time.Second
	default:
		return 0
	}
}

func drainBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}
