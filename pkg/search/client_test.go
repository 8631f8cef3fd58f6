package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/httpclient"
)

func fastPolicy() Option {
	return WithRetryPolicy(httpclient.RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  50 * time.Millisecond,
	})
}

func testClient(t *testing.T, host string, opts ...Option) *Client {
	t.Helper()
	cfg := config.SearchConfig{
		APIKey:   "test-key",
		Host:     host,
		Interval: time.Millisecond,
		Timeout:  5 * time.Second,
	}
	c, err := NewClient(cfg, append(opts, fastPolicy())...)
	require.NoError(t, err)
	return c
}

func resultsBody(urls ...string) map[string]any {
	results := make([]map[string]string, 0, len(urls))
	for _, u := range urls {
		results = append(results, map[string]string{
			"title":       "Title of " + u,
			"description": "Snippet for " + u,
			"url":         u,
		})
	}
	return map[string]any{"web": map[string]any{"results": results}}
}

func TestSearchCredentialMissing(t *testing.T) {
	c, err := NewClient(config.SearchConfig{Host: "http://unused", Interval: time.Millisecond, Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.Search(context.Background(), "anything")
	require.Error(t, err)
	assert.Equal(t, KindCredentialMissing, KindOf(err))
}

func TestSearchShortQueryNoNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	hits, err := c.Search(context.Background(), "ab")
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.EqualValues(t, 0, calls.Load(), "short queries must not hit the provider")
}

func TestSearchTruncatesLongQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		json.NewEncoder(w).Encode(resultsBody("https://example.com/a"))
	}))
	defer srv.Close()

	long := make([]byte, 1500)
	for i := range long {
		long[i] = 'q'
	}

	c := testClient(t, srv.URL)
	_, err := c.Search(context.Background(), string(long))
	require.NoError(t, err)
	assert.Len(t, gotQuery, 1000)
}

func TestSearchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, searchPath, r.URL.Path)
		json.NewEncoder(w).Encode(resultsBody("https://example.com/a", "https://example.com/b"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	hits, err := c.Search(context.Background(), "parquet encodings")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "https://example.com/a", hits[0].URL)
	assert.Equal(t, "web", hits[0].ProviderType)
}

func TestSearchRateLimitRecovery(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(resultsBody("https://example.com/a"))
	}))
	defer srv.Close()

	var waits []time.Duration
	c := testClient(t, srv.URL, WithWaitHook(func(d time.Duration, attempt int) {
		waits = append(waits, d)
	}))

	hits, err := c.Search(context.Background(), "rate limited topic")
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	require.Len(t, waits, 2)
	assert.Greater(t, waits[1], waits[0], "backoff must grow between attempts")
}

func TestSearchRateLimitExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Search(context.Background(), "always limited")
	require.Error(t, err)
	assert.Equal(t, KindRateLimitExhausted, KindOf(err))
}

func TestSearchAuthErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Search(context.Background(), "bad credentials")
	require.Error(t, err)
	assert.Equal(t, KindAuthError, KindOf(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestSearchQueryInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Search(context.Background(), "rejected query")
	require.Error(t, err)
	assert.Equal(t, KindQueryInvalid, KindOf(err))
}

func TestSearchServerErrorRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(resultsBody("https://example.com/a"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	hits, err := c.Search(context.Background(), "flaky provider")
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.EqualValues(t, 2, calls.Load())
}

func TestSearchServerErrorGivesUpAfterOneRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Search(context.Background(), "dead provider")
	require.Error(t, err)
	assert.Equal(t, KindProviderError, KindOf(err))
	assert.EqualValues(t, 2, calls.Load())
}
