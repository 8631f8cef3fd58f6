// Package llms implements the completion provider client: chat-style
// completions with optional persona and structured JSON output parsing.
//
// The provider expects an authenticated POST with
// {messages, model, temperature, maxTokens, character?} and replies with
// {content}. Structured requests extract and validate the first top-level
// JSON object from the model output, retrying once with a stricter
// system suffix before giving up with a parse error.
package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/httpclient"
	"github.com/fathomlabs/fathom/pkg/persona"
)

const completionPath = "/api/v1/chat"

const strictJSONSuffix = "\n\nRespond with JSON only. No prose, no code fences, no commentary."

// Request describes one completion call.
type Request struct {
	System      string
	User        string
	Temperature *float64
	MaxTokens   int

	// Character selects a persona slug from the catalog; empty means none.
	Character string

	// Structured names a schema tag; when set, the response must contain
	// a JSON object matching it.
	Structured string
}

// Response carries the raw completion text and, for structured requests,
// the validated JSON object.
type Response struct {
	Content string
	Parsed  json.RawMessage
	Tokens  int
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Messages    []wireMessage `json:"messages"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"maxTokens"`
	Character   string        `json:"character,omitempty"`
}

type wireResponse struct {
	Content string `json:"content"`
	Usage   struct {
		TotalTokens int `json:"totalTokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client issues completion requests against the configured provider.
type Client struct {
	cfg  config.LLMConfig
	http *httpclient.Client
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	waitHook func(delay time.Duration, attempt int)
}

// WithWaitHook observes retry backoff sleeps on the underlying HTTP
// client, so callers can surface waiting telemetry.
func WithWaitHook(hook func(delay time.Duration, attempt int)) Option {
	return func(o *clientOptions) { o.waitHook = hook }
}

// NewClient builds a client from config. The credential may still be
// absent; Complete reports CredentialMissing at call time so the caller
// can surface an actionable message.
func NewClient(cfg config.LLMConfig, opts ...Option) *Client {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	hopts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		httpclient.WithRetryPolicy(httpclient.DefaultRetryPolicy),
		httpclient.WithHeaderParser(httpclient.ParseRetryAfterHeaders),
	}
	if o.waitHook != nil {
		hopts = append(hopts, httpclient.WithWaitHook(o.waitHook))
	}
	return &Client{cfg: cfg, http: httpclient.New(hopts...)}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Complete performs a completion. For structured requests the parse is
// retried once with a strict "JSON only" suffix before failing.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.cfg.APIKey == "" {
		return nil, newError(KindCredentialMissing, "LLM_API_KEY is not set", nil)
	}

	system := req.System
	if req.Character != "" {
		p, err := persona.Get(req.Character)
		if err != nil {
			return nil, newError(KindPersonaUnknown, req.Character, err)
		}
		if system == "" {
			system = p.SystemPrompt
		} else {
			system = p.SystemPrompt + "\n\n" + system
		}
	}

	resp, err := c.call(ctx, system, req)
	if err != nil {
		return nil, err
	}

	if req.Structured == "" {
		return resp, nil
	}

	if parsed, perr := c.parseStructured(req.Structured, resp.Content); perr == nil {
		resp.Parsed = parsed
		return resp, nil
	}

	// Strict retry: same request with a JSON-only system suffix.
	strict := req
	retryResp, err := c.call(ctx, system+strictJSONSuffix, strict)
	if err != nil {
		return nil, err
	}
	parsed, perr := c.parseStructured(req.Structured, retryResp.Content)
	if perr != nil {
		return nil, newError(KindParseError, fmt.Sprintf("schema %s", req.Structured), perr)
	}
	retryResp.Parsed = parsed
	return retryResp, nil
}

func (c *Client) parseStructured(schemaTag, content string) (json.RawMessage, error) {
	obj := ExtractFirstJSONObject(content)
	if obj == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}
	raw := json.RawMessage(obj)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("malformed JSON object")
	}
	if err := validateSchema(schemaTag, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) call(ctx context.Context, system string, req Request) (*Response, error) {
	messages := make([]wireMessage, 0, 2)
	if system != "" {
		messages = append(messages, wireMessage{Role: "system", Content: system})
	}
	messages = append(messages, wireMessage{Role: "user", Content: req.User})

	temperature := c.cfg.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}

	body := wireRequest{
		Messages:    messages,
		Model:       c.cfg.Model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Character:   req.Character,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, newError(KindProviderError, "encode request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.Host+completionPath, bytes.NewReader(payload))
	if err != nil {
		return nil, newError(KindProviderError, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		var exhausted *httpclient.RetryExhaustedError
		switch {
		case errors.As(err, &exhausted):
			return nil, newError(KindRateLimited, fmt.Sprintf("provider busy, retry after %v", exhausted.RetryAfter), err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, newError(KindTimeout, fmt.Sprintf("no response within %v", c.cfg.Timeout), err)
		case errors.Is(err, context.Canceled):
			return nil, err
		default:
			return nil, newError(KindProviderError, "request failed", err)
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, newError(KindProviderError, "read response", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, newError(KindAuthError, "provider rejected credentials", nil)
	default:
		return nil, newError(KindProviderError, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}

	var out wireResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, newError(KindProviderError, "decode response", err)
	}
	if out.Error.Message != "" {
		return nil, newError(KindProviderError, out.Error.Message, nil)
	}

	return &Response{Content: out.Content, Tokens: out.Usage.TotalTokens}, nil
}
