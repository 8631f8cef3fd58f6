package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fathomlabs/fathom/pkg/llms"
	"github.com/fathomlabs/fathom/pkg/telemetry"
)

const queryGenSystem = "You plan web research. Given a topic, produce diverse, " +
	"specific search queries that advance it. Respond with a JSON object " +
	`{"queries": ["..."]}. No commentary.`

// initialQueries builds the depth-1 frontier. Override queries
// short-circuit generation; otherwise the LLM produces up to
// max(3, breadth) variations of the topic. Generation failures degrade
// to the raw topic as a single query.
func (e *Engine) initialQueries(ctx context.Context, topic string, req Request, tel telemetry.Telemetry) []Query {
	var queries []Query

	if len(req.OverrideQueries) > 0 {
		for _, q := range req.OverrideQueries {
			q = strings.TrimSpace(q)
			if q == "" {
				continue
			}
			queries = append(queries, newQuery(q, topic))
		}
	} else {
		k := req.Breadth
		if k < 3 {
			k = 3
		}
		generated, err := e.generateQueries(ctx, topic, k)
		if err != nil {
			e.logger.Warn("query generation failed, falling back to topic", "error", err)
			tel.EmitThought(telemetry.Thought{
				Text:  "Query generation failed; searching the topic directly.",
				Stage: telemetry.StageWarning,
			})
			generated = nil
		}
		queries = generated
		if len(queries) == 0 {
			queries = []Query{newQuery(topic, "")}
		}
	}

	tel.EmitThought(telemetry.Thought{
		Text:  planningNote(queries),
		Stage: telemetry.StagePlanning,
	})
	return queries
}

func (e *Engine) generateQueries(ctx context.Context, topic string, k int) ([]Query, error) {
	resp, err := e.llm.Complete(ctx, llms.Request{
		System:     queryGenSystem,
		User:       fmt.Sprintf("Topic: %s\n\nProduce %d diverse, specific search queries that advance the topic.", topic, k),
		MaxTokens:  1024,
		Structured: llms.SchemaSearchQueries,
	})
	if err != nil {
		return nil, err
	}

	var doc struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal(resp.Parsed, &doc); err != nil {
		return nil, fmt.Errorf("decode queries: %w", err)
	}

	seen := make(map[string]struct{}, k)
	out := make([]Query, 0, k)
	for _, q := range doc.Queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, newQuery(q, topic))
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// newQuery wraps a query string. When the topic adds context beyond the
// query itself, a topic-augmented variation gives the search step a
// second attempt on zero hits.
func newQuery(q, topic string) Query {
	variations := []string{q}
	if topic != "" && !strings.Contains(strings.ToLower(q), strings.ToLower(topic)) {
		variations = append(variations, q+" "+topic)
	}
	return Query{Original: q, Variations: variations}
}

func planningNote(queries []Query) string {
	if len(queries) == 0 {
		return "No queries planned."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Primary query: %s", queries[0].Original)
	for _, q := range queries[1:] {
		fmt.Fprintf(&b, "\nThen: %s", q.Original)
	}
	return b.String()
}
