package llms

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFirstJSONObject(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "bare object",
			input: `{"a":1}`,
			want:  `{"a":1}`,
		},
		{
			name:  "json inside prose",
			input: "Sure, here you go:\n{\"queries\": [\"x\"]}\nHope that helps!",
			want:  `{"queries": ["x"]}`,
		},
		{
			name:  "multiple blocks takes first",
			input: `{"first":true} and also {"second":true}`,
			want:  `{"first":true}`,
		},
		{
			name:  "nested objects",
			input: `prefix {"outer":{"inner":{"deep":1}}} suffix`,
			want:  `{"outer":{"inner":{"deep":1}}}`,
		},
		{
			name:  "braces inside strings",
			input: `{"text":"a { b } c","n":2}`,
			want:  `{"text":"a { b } c","n":2}`,
		},
		{
			name:  "escaped quotes inside strings",
			input: `{"text":"say \"hi\" {ok}"}`,
			want:  `{"text":"say \"hi\" {ok}"}`,
		},
		{
			name:  "unterminated object",
			input: `{"a": {"b": 1}`,
			want:  "",
		},
		{
			name:  "no object",
			input: "just prose, no JSON here",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractFirstJSONObject(tt.input))
		})
	}
}

func TestValidateSearchQueries(t *testing.T) {
	require.NoError(t, validateSearchQueries(json.RawMessage(`{"queries":["a","b"]}`)))
	require.Error(t, validateSearchQueries(json.RawMessage(`{"queries":[]}`)))
	require.Error(t, validateSearchQueries(json.RawMessage(`{}`)))
}

func TestValidateLearnings(t *testing.T) {
	good := `{"learnings":[{"text":"fact","followUps":["q"],"sourceUrls":["https://a"]}]}`
	require.NoError(t, validateLearnings(json.RawMessage(good)))

	require.NoError(t, validateLearnings(json.RawMessage(`{"learnings":[]}`)))
	require.Error(t, validateLearnings(json.RawMessage(`{}`)))
	require.Error(t, validateLearnings(json.RawMessage(`{"learnings":[{"text":""}]}`)))
}

func TestRegisterSchema(t *testing.T) {
	RegisterSchema("custom", func(raw json.RawMessage) error { return nil })
	require.NoError(t, validateSchema("custom", json.RawMessage(`{}`)))
	require.Error(t, validateSchema("nope", json.RawMessage(`{}`)))
}
