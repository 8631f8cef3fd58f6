package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fathomlabs/fathom/pkg/llms"
)

const summarySystem = "You write research reports in Markdown. Use only the " +
	"learnings provided; cite only URLs that appear in their sourceUrls. " +
	"Never fabricate citations or invent sources. Structure the report with " +
	"a short introduction, thematic sections, and a closing note on open questions."

// synthesize produces the final Markdown summary. LLM failures degrade to
// a locally assembled report so partial results survive provider outages.
func (e *Engine) synthesize(ctx context.Context, topic string, learnings []Learning, sources []string) (string, error) {
	if len(learnings) == 0 {
		return fmt.Sprintf("# %s\n\nNo learnings were extracted for this topic.\n", topic), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\nLearnings:\n", topic)
	for i, l := range learnings {
		fmt.Fprintf(&b, "%d. %s\n", i+1, l.Text)
		if len(l.SourceURLs) > 0 {
			fmt.Fprintf(&b, "   sourceUrls: %s\n", strings.Join(l.SourceURLs, ", "))
		}
	}

	resp, err := e.llm.Complete(ctx, llms.Request{
		System:    summarySystem,
		User:      b.String(),
		MaxTokens: 4096,
	})
	if err != nil {
		return fallbackSummary(topic, learnings, sources), err
	}
	return strings.TrimSpace(resp.Content), nil
}

// fallbackSummary renders learnings directly when the LLM is unavailable.
func fallbackSummary(topic string, learnings []Learning, sources []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n## Learnings\n\n", topic)
	for _, l := range learnings {
		fmt.Fprintf(&b, "- %s\n", l.Text)
	}
	if len(sources) > 0 {
		b.WriteString("\n## Sources\n\n")
		for _, s := range sources {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return b.String()
}

// SuggestFilename slugifies the topic and appends an ISO date, producing
// names like parquet-column-encodings-2026-08-25.md.
func SuggestFilename(topic string, now time.Time) string {
	slug := Slugify(topic)
	if slug == "" {
		slug = "research"
	}
	return fmt.Sprintf("%s-%s.md", slug, now.UTC().Format("2006-01-02"))
}

const maxSlugLen = 60

// Slugify lowercases the text and replaces non-alphanumeric runs with
// single hyphens, trimming to a bounded length on a word boundary.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
		if idx := strings.LastIndexByte(slug, '-'); idx > 0 {
			slug = slug[:idx]
		}
	}
	return slug
}
