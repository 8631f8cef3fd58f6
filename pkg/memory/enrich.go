package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fathomlabs/fathom/pkg/llms"
)

// Enricher asks the LLM for tags and metadata describing new content.
// Any failure degrades to an empty enrichment; a store never fails
// because enrichment did.
type Enricher struct {
	llm    *llms.Client
	logger *slog.Logger
}

// NewEnricher builds an enricher. llm may be nil, in which case Enrich
// is a no-op.
func NewEnricher(llm *llms.Client, logger *slog.Logger) *Enricher {
	return &Enricher{llm: llm, logger: logger}
}

type enrichment struct {
	Tags     []string          `json:"tags"`
	Metadata map[string]string `json:"metadata"`
	Source   string            `json:"source,omitempty"`
}

const enrichSystem = "You label text for a memory store. Given content, return a JSON object " +
	`{"tags": [..], "metadata": {..}, "source": ".."} with at most five short lowercase tags, ` +
	"string-valued metadata, and an optional source hint. Return JSON only."

// Enrich merges LLM-proposed tags and metadata into the record.
func (e *Enricher) Enrich(ctx context.Context, rec *Record) {
	if e.llm == nil {
		return
	}

	resp, err := e.llm.Complete(ctx, llms.Request{
		System:     enrichSystem,
		User:       rec.Content,
		MaxTokens:  512,
		Structured: llms.SchemaMemoryEnrichment,
	})
	if err != nil {
		e.logger.Debug("memory enrichment skipped", "error", err)
		return
	}

	var enr enrichment
	if err := json.Unmarshal(resp.Parsed, &enr); err != nil {
		e.logger.Debug("memory enrichment unparseable", "error", err)
		return
	}

	rec.Tags = mergeTags(rec.Tags, enr.Tags)
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string)
	}
	for k, v := range enr.Metadata {
		if _, exists := rec.Metadata[k]; !exists {
			rec.Metadata[k] = v
		}
	}
	if rec.Source == "" && enr.Source != "" {
		rec.Source = enr.Source
	}
}

// Validate asks the LLM to confirm or extend a record's tags. Returns
// the proposed tags, or an error when the model is unavailable.
func (e *Enricher) Validate(ctx context.Context, rec Record) ([]string, error) {
	if e.llm == nil {
		return nil, fmt.Errorf("no LLM client configured")
	}

	resp, err := e.llm.Complete(ctx, llms.Request{
		System: "You verify memory labels. Given content and its tags, return a JSON object " +
			`{"tags": [..]} holding the corrected tag set. Return JSON only.`,
		User:       fmt.Sprintf("Content: %s\nTags: %v", rec.Content, rec.Tags),
		MaxTokens:  256,
		Structured: llms.SchemaMemoryEnrichment,
	})
	if err != nil {
		return nil, err
	}

	var enr enrichment
	if err := json.Unmarshal(resp.Parsed, &enr); err != nil {
		return nil, err
	}
	return enr.Tags, nil
}
