package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/config"
)

func testConfig(host string) config.LLMConfig {
	return config.LLMConfig{
		APIKey:      "test-key",
		Host:        host,
		Model:       "test-model",
		MaxTokens:   512,
		Temperature: 0.5,
		Timeout:     5 * time.Second,
	}
}

func completionServer(t *testing.T, handler func(w http.ResponseWriter, req wireRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, completionPath, r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req)
	}))
}

func respond(w http.ResponseWriter, content string) {
	json.NewEncoder(w).Encode(map[string]any{"content": content, "usage": map[string]int{"totalTokens": 7}})
}

func TestCompleteCredentialMissing(t *testing.T) {
	c := NewClient(config.LLMConfig{Host: "http://unused", Timeout: time.Second})
	_, err := c.Complete(context.Background(), Request{User: "hi"})
	require.Error(t, err)
	assert.Equal(t, KindCredentialMissing, KindOf(err))
}

func TestCompletePersonaPrepended(t *testing.T) {
	var gotSystem string
	srv := completionServer(t, func(w http.ResponseWriter, req wireRequest) {
		gotSystem = req.Messages[0].Content
		respond(w, "hello")
	})
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	resp, err := c.Complete(context.Background(), Request{
		System:    "extra instructions",
		User:      "hi",
		Character: "scholar",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Contains(t, gotSystem, "research assistant")
	assert.Contains(t, gotSystem, "extra instructions")
	assert.Equal(t, 7, resp.Tokens)
}

func TestCompleteUnknownPersona(t *testing.T) {
	c := NewClient(testConfig("http://unused"))
	_, err := c.Complete(context.Background(), Request{User: "hi", Character: "nonesuch"})
	require.Error(t, err)
	assert.Equal(t, KindPersonaUnknown, KindOf(err))
}

func TestCompleteStructured(t *testing.T) {
	srv := completionServer(t, func(w http.ResponseWriter, req wireRequest) {
		respond(w, `Here is the result: {"queries":["one","two"]} hope it helps`)
	})
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	resp, err := c.Complete(context.Background(), Request{User: "go", Structured: SchemaSearchQueries})
	require.NoError(t, err)

	var doc struct {
		Queries []string `json:"queries"`
	}
	require.NoError(t, json.Unmarshal(resp.Parsed, &doc))
	assert.Equal(t, []string{"one", "two"}, doc.Queries)
}

func TestCompleteStructuredStrictRetry(t *testing.T) {
	var calls atomic.Int32
	srv := completionServer(t, func(w http.ResponseWriter, req wireRequest) {
		if calls.Add(1) == 1 {
			respond(w, "no json at all")
			return
		}
		// The retry must carry the strict suffix.
		if strings.Contains(req.Messages[0].Content, "JSON only") {
			respond(w, `{"queries":["recovered"]}`)
			return
		}
		respond(w, "still no json")
	})
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	resp, err := c.Complete(context.Background(), Request{
		System:     "be helpful",
		User:       "go",
		Structured: SchemaSearchQueries,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.Contains(t, string(resp.Parsed), "recovered")
}

func TestCompleteStructuredParseErrorAfterRetry(t *testing.T) {
	srv := completionServer(t, func(w http.ResponseWriter, req wireRequest) {
		respond(w, "never json")
	})
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Complete(context.Background(), Request{User: "go", Structured: SchemaSearchQueries})
	require.Error(t, err)
	assert.Equal(t, KindParseError, KindOf(err))
}

func TestCompleteAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Complete(context.Background(), Request{User: "hi"})
	require.Error(t, err)
	assert.Equal(t, KindAuthError, KindOf(err))
}

func TestCompleteProviderErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "model overloaded"}})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Complete(context.Background(), Request{User: "hi"})
	require.Error(t, err)
	assert.Equal(t, KindProviderError, KindOf(err))
	assert.Contains(t, err.Error(), "model overloaded")
}
