package research

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/llms"
	"github.com/fathomlabs/fathom/pkg/search"
	"github.com/fathomlabs/fathom/pkg/telemetry"
)

type searchFunc func(ctx context.Context, query string) ([]search.Hit, error)

func (f searchFunc) Search(ctx context.Context, query string) ([]search.Hit, error) {
	return f(ctx, query)
}

type llmFunc func(ctx context.Context, req llms.Request) (*llms.Response, error)

func (f llmFunc) Complete(ctx context.Context, req llms.Request) (*llms.Response, error) {
	return f(ctx, req)
}

// recorder is a thread-safe telemetry sink for assertions.
type recorder struct {
	mu        sync.Mutex
	statuses  []telemetry.Status
	progress  []telemetry.Progress
	thoughts  []telemetry.Thought
	completes []telemetry.Complete
}

func (r *recorder) EmitStatus(s telemetry.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) EmitProgress(p telemetry.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) EmitThought(t telemetry.Thought) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thoughts = append(r.thoughts, t)
}

func (r *recorder) EmitComplete(c telemetry.Complete) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, c)
}

func (r *recorder) stageCount(stage string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.statuses {
		if s.Stage == stage {
			n++
		}
	}
	return n
}

func (r *recorder) hasThought(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.thoughts {
		if strings.Contains(t.Text, substr) {
			return true
		}
	}
	return false
}

func hitFor(url string) []search.Hit {
	return []search.Hit{{Title: "Title", Snippet: "Snippet", URL: url}}
}

func learningsDoc(text, followUp, url string) *llms.Response {
	doc := fmt.Sprintf(`{"learnings":[{"text":%q,"followUps":[%q],"sourceUrls":[%q]}]}`, text, followUp, url)
	return &llms.Response{Parsed: json.RawMessage(doc)}
}

func testEngine(t *testing.T, sp SearchProvider, llm Completer, cfg config.ResearchConfig, opts ...EngineOption) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	creds := config.StaticCredentials{Search: "sk", LLM: "lk"}
	e := NewEngine(sp, llm, creds, cfg, logger, opts...)
	e.backoffBase = time.Millisecond
	return e
}

func defaultCfg() config.ResearchConfig {
	return config.ResearchConfig{DefaultDepth: 2, DefaultBreadth: 3, QuerySeconds: 90, TokenBudget: 24000}
}

func TestRunHappyPath(t *testing.T) {
	sp := searchFunc(func(ctx context.Context, query string) ([]search.Hit, error) {
		switch query {
		case "alpha query":
			return hitFor("https://one.example/a"), nil
		case "beta query":
			return hitFor("https://two.example/b"), nil
		case "gamma question":
			return hitFor("https://three.example/c"), nil
		default:
			return nil, nil
		}
	})

	llm := llmFunc(func(ctx context.Context, req llms.Request) (*llms.Response, error) {
		switch req.Structured {
		case llms.SchemaSearchQueries:
			return &llms.Response{Parsed: json.RawMessage(`{"queries":["alpha query","beta query"]}`)}, nil
		case llms.SchemaLearnings:
			switch {
			case strings.Contains(req.User, "one.example"):
				return learningsDoc("Alpha finding.", "gamma question", "https://one.example/a"), nil
			case strings.Contains(req.User, "two.example"):
				return learningsDoc("Beta finding.", "delta question", "https://two.example/b"), nil
			default:
				return learningsDoc("Gamma finding.", "epsilon question", "https://three.example/c"), nil
			}
		default:
			return &llms.Response{Content: "# Report\n\nSynthesized."}, nil
		}
	})

	rec := &recorder{}
	reg := NewRegistry()
	e := testEngine(t, sp, llm, defaultCfg(), WithRegistry(reg))

	result, err := e.Run(context.Background(), Request{
		Topic:     "solar panels",
		Depth:     2,
		Breadth:   2,
		Telemetry: rec,
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, 3, result.LearningCount)
	assert.Equal(t, 3, result.SourceCount)
	assert.Equal(t, []string{
		"https://one.example/a",
		"https://two.example/b",
		"https://three.example/c",
	}, result.Sources, "sources keep first-appearance order")
	assert.Contains(t, result.Summary, "# Report")
	assert.Regexp(t, `^solar-panels-\d{4}-\d{2}-\d{2}\.md$`, result.SuggestedFilename)

	// One queued and one running transition, then completion.
	assert.Equal(t, 1, rec.stageCount(telemetry.StageQueued))
	assert.Equal(t, 1, rec.stageCount(telemetry.StageRunning))
	assert.Equal(t, 1, rec.stageCount(telemetry.StageCompleted))

	// The dead-end query still counts toward completion.
	assert.True(t, rec.hasThought(`"delta question" yielded nothing`))
	last := rec.progress[len(rec.progress)-1]
	assert.Equal(t, 4, last.TotalQueries)
	assert.Equal(t, 4, last.CompletedQueries)
	assert.Equal(t, 100, last.Percent)

	require.Len(t, rec.completes, 1)
	snap, ok := reg.Get(rec.completes[0].RunID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 3, snap.LearningCount)
	assert.Empty(t, snap.Topic, "private run topics are redacted")

	// Wire consumers see milliseconds, never nanoseconds.
	assert.Equal(t, result.Duration.Milliseconds(), result.DurationMs)
	assert.Equal(t, result.DurationMs, rec.completes[0].DurationMs)
	data, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Contains(t, string(data), fmt.Sprintf(`"durationMs":%d`, result.DurationMs))
}

func TestRunTopicRequired(t *testing.T) {
	e := testEngine(t, searchFunc(nil), llmFunc(nil), defaultCfg())
	_, err := e.Run(context.Background(), Request{Topic: "   "})
	assert.ErrorIs(t, err, ErrTopicRequired)
}

func TestRunCredentialMissingBeforeTelemetry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := &recorder{}

	e := NewEngine(searchFunc(nil), llmFunc(nil), config.StaticCredentials{LLM: "lk"}, defaultCfg(), logger)
	_, err := e.Run(context.Background(), Request{Topic: "anything", Telemetry: rec})

	var missing *CredentialMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "search", missing.Provider)
	assert.Contains(t, err.Error(), "search credential missing")

	assert.Empty(t, rec.statuses, "credential failures emit no telemetry")
	assert.Empty(t, rec.progress)
}

func TestRunRateLimitBackoffRecovery(t *testing.T) {
	var calls int
	sp := searchFunc(func(ctx context.Context, query string) ([]search.Hit, error) {
		calls++
		if calls <= 2 {
			return nil, &search.Error{Kind: search.KindRateLimitExhausted}
		}
		return hitFor("https://one.example/a"), nil
	})

	llm := llmFunc(func(ctx context.Context, req llms.Request) (*llms.Response, error) {
		if req.Structured == llms.SchemaLearnings {
			return learningsDoc("Finding.", "", "https://one.example/a"), nil
		}
		return &llms.Response{Content: "report"}, nil
	})

	rec := &recorder{}
	e := testEngine(t, sp, llm, defaultCfg())

	result, err := e.Run(context.Background(), Request{
		Topic:           "rates",
		Depth:           1,
		Breadth:         1,
		OverrideQueries: []string{"only query"},
		Telemetry:       rec,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.LearningCount)
	assert.Equal(t, 2, rec.stageCount(telemetry.StageWaiting), "each exhausted attempt surfaces a waiting status")
}

func TestRunCancellation(t *testing.T) {
	sp := searchFunc(func(ctx context.Context, query string) ([]search.Hit, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	rec := &recorder{}
	e := testEngine(t, sp, llmFunc(nil), defaultCfg())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	result, err := e.Run(ctx, Request{
		Topic:           "doomed",
		Depth:           1,
		Breadth:         1,
		OverrideQueries: []string{"doomed query"},
		Telemetry:       rec,
	})
	require.NoError(t, err, "cancellation yields a partial result, not an error")
	assert.False(t, result.Success)
	assert.Equal(t, "cancelled", result.Error)
	assert.Equal(t, 1, rec.stageCount(telemetry.StageCancelled))
	require.Len(t, rec.completes, 1)
	assert.False(t, rec.completes[0].Success)
}

func TestRunBudgetExceededByCeiling(t *testing.T) {
	sp := searchFunc(func(ctx context.Context, query string) ([]search.Hit, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	cfg := defaultCfg()
	cfg.QuerySeconds = 1 // depth 1 x breadth 1 x 1s ceiling

	rec := &recorder{}
	e := testEngine(t, sp, llmFunc(nil), cfg)

	result, err := e.Run(context.Background(), Request{
		Topic:           "slow",
		Depth:           1,
		Breadth:         1,
		OverrideQueries: []string{"slow query"},
		Telemetry:       rec,
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "budget-exceeded", result.Error)
	assert.Equal(t, 1, rec.stageCount(telemetry.StageFailed))
}

func TestRunTokenBudgetStopsExpansion(t *testing.T) {
	sp := searchFunc(func(ctx context.Context, query string) ([]search.Hit, error) {
		return hitFor("https://one.example/" + Slugify(query)), nil
	})

	llm := llmFunc(func(ctx context.Context, req llms.Request) (*llms.Response, error) {
		if req.Structured == llms.SchemaLearnings {
			// Cite the URL of whichever hit the (possibly truncated) prompt
			// was built from; the search stub derives it from the query.
			return learningsDoc("Finding.", "next question", "https://one.example/first-query"), nil
		}
		return &llms.Response{Content: "report"}, nil
	})

	cfg := defaultCfg()
	cfg.TokenBudget = 1

	rec := &recorder{}
	e := testEngine(t, sp, llm, cfg)

	result, err := e.Run(context.Background(), Request{
		Topic:           "budgeted",
		Depth:           3,
		Breadth:         1,
		OverrideQueries: []string{"first query"},
		Telemetry:       rec,
	})
	require.NoError(t, err)
	assert.True(t, result.Success, "partial results survive budget exhaustion")
	assert.Equal(t, 1, result.LearningCount, "expansion stops after the first depth")
	assert.True(t, rec.hasThought("Token budget reached"))
}

func TestRunQueryGenerationFallback(t *testing.T) {
	sp := searchFunc(func(ctx context.Context, query string) ([]search.Hit, error) {
		if query == "bare topic" {
			return hitFor("https://one.example/a"), nil
		}
		return nil, nil
	})

	llm := llmFunc(func(ctx context.Context, req llms.Request) (*llms.Response, error) {
		switch req.Structured {
		case llms.SchemaSearchQueries:
			return nil, &llms.Error{Kind: llms.KindParseError}
		case llms.SchemaLearnings:
			return learningsDoc("Finding.", "", "https://one.example/a"), nil
		default:
			return &llms.Response{Content: "report"}, nil
		}
	})

	rec := &recorder{}
	e := testEngine(t, sp, llm, defaultCfg())

	result, err := e.Run(context.Background(), Request{
		Topic:     "bare topic",
		Depth:     1,
		Breadth:   1,
		Telemetry: rec,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.LearningCount)
	assert.True(t, rec.hasThought("Query generation failed"))
}

func TestRunSynthesisFailureDegrades(t *testing.T) {
	sp := searchFunc(func(ctx context.Context, query string) ([]search.Hit, error) {
		return hitFor("https://one.example/a"), nil
	})

	llm := llmFunc(func(ctx context.Context, req llms.Request) (*llms.Response, error) {
		if req.Structured == llms.SchemaLearnings {
			return learningsDoc("Key finding.", "", "https://one.example/a"), nil
		}
		return nil, &llms.Error{Kind: llms.KindProviderError}
	})

	rec := &recorder{}
	e := testEngine(t, sp, llm, defaultCfg())

	result, err := e.Run(context.Background(), Request{
		Topic:           "degraded",
		Depth:           1,
		Breadth:         1,
		OverrideQueries: []string{"some query"},
		Telemetry:       rec,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Summary, "Key finding.", "fallback report lists the learnings")
	assert.True(t, rec.hasThought("Report synthesis failed"))
}

func TestRunRejectsFabricatedCitations(t *testing.T) {
	sp := searchFunc(func(ctx context.Context, query string) ([]search.Hit, error) {
		return hitFor("https://one.example/a"), nil
	})

	llm := llmFunc(func(ctx context.Context, req llms.Request) (*llms.Response, error) {
		if req.Structured == llms.SchemaLearnings {
			return learningsDoc("Fabricated.", "", "https://elsewhere.example/z"), nil
		}
		return &llms.Response{Content: "report"}, nil
	})

	e := testEngine(t, sp, llm, defaultCfg())

	result, err := e.Run(context.Background(), Request{
		Topic:           "citations",
		Depth:           1,
		Breadth:         1,
		OverrideQueries: []string{"cited query"},
		Telemetry:       &recorder{},
	})
	require.NoError(t, err)
	assert.Zero(t, result.LearningCount, "learnings citing unknown URLs are dropped")
	assert.Zero(t, result.SourceCount)
}
