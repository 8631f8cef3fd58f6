package llms

import (
	"encoding/json"
	"fmt"
)

// Schema tags understood by the structured completion path. Each tag
// names the JSON shape a caller expects; validation is shape-level, not
// full JSON Schema.
const (
	SchemaSearchQueries    = "search-queries"
	SchemaLearnings        = "learnings"
	SchemaMemoryEnrichment = "memory-enrichment"
)

// SchemaValidator checks a parsed JSON object against a named schema.
type SchemaValidator func(raw json.RawMessage) error

var schemaRegistry = map[string]SchemaValidator{
	SchemaSearchQueries:    validateSearchQueries,
	SchemaLearnings:        validateLearnings,
	SchemaMemoryEnrichment: validateMemoryEnrichment,
}

// RegisterSchema adds or replaces a named schema validator. Intended for
// tests and future callers; the built-in tags cover the core.
func RegisterSchema(tag string, validator SchemaValidator) {
	schemaRegistry[tag] = validator
}

func validateSchema(tag string, raw json.RawMessage) error {
	validator, ok := schemaRegistry[tag]
	if !ok {
		return fmt.Errorf("unknown schema tag %q", tag)
	}
	return validator(raw)
}

func validateSearchQueries(raw json.RawMessage) error {
	var doc struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if len(doc.Queries) == 0 {
		return fmt.Errorf("queries must be non-empty")
	}
	return nil
}

func validateLearnings(raw json.RawMessage) error {
	var doc struct {
		Learnings []struct {
			Text       string   `json:"text"`
			FollowUps  []string `json:"followUps"`
			SourceURLs []string `json:"sourceUrls"`
		} `json:"learnings"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc.Learnings == nil {
		return fmt.Errorf("learnings field missing")
	}
	for i, l := range doc.Learnings {
		if l.Text == "" {
			return fmt.Errorf("learnings[%d].text is empty", i)
		}
	}
	return nil
}

func validateMemoryEnrichment(raw json.RawMessage) error {
	var doc struct {
		Tags     []string          `json:"tags"`
		Metadata map[string]string `json:"metadata"`
	}
	return json.Unmarshal(raw, &doc)
}

// ExtractFirstJSONObject returns the first balanced top-level {...}
// substring of s, tolerating prose around it and strings containing
// braces inside the object. Returns "" when no complete object exists.
func ExtractFirstJSONObject(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			if start >= 0 {
				inString = true
			}
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start >= 0 {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
