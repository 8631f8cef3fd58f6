package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/llms"
	"github.com/fathomlabs/fathom/pkg/search"
	"github.com/fathomlabs/fathom/pkg/telemetry"
)

// SearchProvider executes one web search.
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]search.Hit, error)
}

// Completer issues one LLM completion.
type Completer interface {
	Complete(ctx context.Context, req llms.Request) (*llms.Response, error)
}

const (
	maxVariationAttempts = 3
	maxFreshHitsPerQuery = 10
)

const extractSystem = "You extract factual learnings from web search results. " +
	"Respond with a JSON object " +
	`{"learnings": [{"text": "...", "followUps": ["..."], "sourceUrls": ["..."]}]}. ` +
	"Every sourceUrl must be one of the result URLs provided. Each learning is a " +
	"single dense factual statement, not a heading. No commentary."

// Engine runs bounded depth/breadth research expansions.
type Engine struct {
	search   SearchProvider
	llm      Completer
	creds    config.CredentialProvider
	cfg      config.ResearchConfig
	logger   *slog.Logger
	registry *Registry

	// backoffBase seeds the engine-level rate-limit backoff schedule.
	backoffBase time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRegistry records run snapshots for the public /runs surface.
func WithRegistry(reg *Registry) EngineOption {
	return func(e *Engine) { e.registry = reg }
}

// NewEngine builds an orchestrator over the given providers.
func NewEngine(sp SearchProvider, llm Completer, creds config.CredentialProvider, cfg config.ResearchConfig, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		search:      sp,
		llm:         llm,
		creds:       creds,
		cfg:         cfg,
		logger:      logger,
		backoffBase: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runState is the per-run mutable aggregate. Workers share it under mu;
// telemetry emission happens while holding it so wire order matches
// emission order within the run.
type runState struct {
	mu sync.Mutex

	tel       telemetry.Telemetry
	sources   *sourceSet
	learnings *learningSet

	depth            int
	totalDepth       int
	breadth          int
	totalQueries     int
	completedQueries int

	tokenBudget    int
	budgetExceeded bool

	// backoffStep grows the engine-level rate-limit backoff: 2,4,8,...s
	// capped at 60s across the whole run.
	backoffStep int
	backoffBase time.Duration
}

func (st *runState) progressLocked() telemetry.Progress {
	percent := 0
	if st.totalQueries > 0 {
		percent = int(math.Round(float64(st.completedQueries) / float64(st.totalQueries) * 100))
	}
	return telemetry.Progress{
		CurrentDepth:     st.depth,
		TotalDepth:       st.totalDepth,
		CurrentBreadth:   st.breadth,
		TotalBreadth:     st.breadth,
		TotalQueries:     st.totalQueries,
		CompletedQueries: st.completedQueries,
		Percent:          percent,
	}
}

// queryDone increments completedQueries, emits progress, and emits a
// warning thought for failed queries. Failed queries still count.
func (st *runState) queryDone(q Query, failReason string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.completedQueries++
	if failReason != "" {
		st.tel.EmitThought(telemetry.Thought{
			Text:  fmt.Sprintf("Query %q yielded nothing: %s", q.Original, failReason),
			Stage: telemetry.StageWarning,
		})
	}
	st.tel.EmitProgress(st.progressLocked())
}

// consumeTokens charges the run budget; returns the remaining budget
// before the charge so callers can truncate their prompt to fit.
func (st *runState) consumeTokens(n int) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	remaining := st.tokenBudget
	st.tokenBudget -= n
	if st.tokenBudget <= 0 {
		st.budgetExceeded = true
	}
	return remaining
}

func (st *runState) nextBackoff() time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()

	d := time.Duration(1<<st.backoffStep) * st.backoffBase
	if d >= 60*time.Second {
		d = 60 * time.Second
	} else {
		st.backoffStep++
	}
	return d
}

// Run executes one research run to completion, cancellation, or budget
// exhaustion. Credential and input errors return before any telemetry is
// emitted; all later failures produce a partial Result instead.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	tel := req.Telemetry
	if tel == nil {
		tel = telemetry.Nop{}
	}

	topic := strings.TrimSpace(req.Topic)
	if topic == "" && len(req.OverrideQueries) == 0 {
		return nil, ErrTopicRequired
	}
	if topic == "" {
		topic = strings.TrimSpace(req.OverrideQueries[0])
	}
	if e.creds.SearchKey() == "" {
		return nil, &CredentialMissingError{Provider: "search"}
	}
	if e.creds.LLMKey() == "" {
		return nil, &CredentialMissingError{Provider: "LLM"}
	}

	depth := clamp(req.Depth, e.cfg.DefaultDepth, MinDepth, MaxDepth)
	breadth := clamp(req.Breadth, e.cfg.DefaultBreadth, MinBreadth, MaxBreadth)

	runID := uuid.NewString()
	start := time.Now()
	logger := e.logger.With("run_id", runID, "topic", topic)
	logger.Info("research run starting", "depth", depth, "breadth", breadth)

	if e.registry != nil {
		e.registry.begin(runID, topic, req.Visibility, depth, breadth)
	}

	querySeconds := e.cfg.QuerySeconds
	if querySeconds <= 0 {
		querySeconds = 90
	}
	ceiling := time.Duration(depth*breadth*querySeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	tel.EmitStatus(telemetry.Status{
		Stage:   telemetry.StageQueued,
		Message: "research queued",
		Meta:    map[string]any{"runId": runID, "topic": topic},
	})
	tel.EmitStatus(telemetry.Status{
		Stage:   telemetry.StageRunning,
		Message: fmt.Sprintf("researching %q (depth %d, breadth %d)", topic, depth, breadth),
	})

	budget := e.cfg.TokenBudget
	if budget <= 0 {
		budget = 24000
	}
	st := &runState{
		tel:         tel,
		sources:     newSourceSet(),
		learnings:   newLearningSet(),
		totalDepth:  depth,
		breadth:     breadth,
		tokenBudget: budget,
		backoffBase: e.backoffBase,
	}

	frontier := e.initialQueries(runCtx, topic, req, tel)
	if err := runCtx.Err(); err != nil {
		return e.finishAborted(ctx, req, st, tel, runID, topic, start), nil
	}

	for d := 1; d <= depth && len(frontier) > 0; d++ {
		if len(frontier) > breadth {
			frontier = frontier[:breadth]
		}

		st.mu.Lock()
		st.depth = d
		st.totalQueries += len(frontier)
		tel.EmitProgress(st.progressLocked())
		st.mu.Unlock()

		outcomes := make([]queryOutcome, len(frontier))
		g := new(errgroup.Group)
		g.SetLimit(breadth)
		for i, q := range frontier {
			g.Go(func() error {
				outcomes[i] = e.processQuery(runCtx, st, q)
				st.queryDone(q, outcomes[i].failReason)
				return nil
			})
		}
		g.Wait()

		if runCtx.Err() != nil {
			return e.finishAborted(ctx, req, st, tel, runID, topic, start), nil
		}

		// Merge in frontier order so source and learning ordering is
		// deterministic regardless of worker completion order.
		var candidates []followUpCandidate
		for _, o := range outcomes {
			for _, l := range o.learnings {
				if !st.learnings.Add(l) {
					continue
				}
				for _, u := range l.SourceURLs {
					st.sources.Add(u)
				}
				for _, f := range l.FollowUps {
					candidates = append(candidates, followUpCandidate{
						text:    f,
						sources: len(l.SourceURLs),
					})
				}
			}
		}

		if st.budgetExceeded {
			tel.EmitThought(telemetry.Thought{
				Text:  "Token budget reached; stopping expansion early.",
				Stage: telemetry.StageWarning,
			})
			break
		}
		frontier = rankFollowUps(candidates, breadth)
	}

	tel.EmitStatus(telemetry.Status{Stage: telemetry.StageSummary, Message: "synthesizing report"})

	learnings := st.learnings.All()
	sources := st.sources.URLs()
	summary, err := e.synthesize(runCtx, topic, learnings, sources)
	if err != nil {
		if runCtx.Err() != nil {
			return e.finishAborted(ctx, req, st, tel, runID, topic, start), nil
		}
		logger.Warn("summary synthesis degraded to local report", "error", err)
		tel.EmitThought(telemetry.Thought{
			Text:  "Report synthesis failed; assembled learnings directly.",
			Stage: telemetry.StageWarning,
		})
	}

	elapsed := time.Since(start)
	result := &Result{
		Learnings:         learnings,
		Sources:           sources,
		Summary:           summary,
		SuggestedFilename: SuggestFilename(topic, time.Now()),
		Duration:          elapsed,
		DurationMs:        elapsed.Milliseconds(),
		LearningCount:     len(learnings),
		SourceCount:       len(sources),
		Success:           true,
	}

	tel.EmitStatus(telemetry.Status{
		Stage:   telemetry.StageCompleted,
		Message: fmt.Sprintf("research complete: %d learnings from %d sources", result.LearningCount, result.SourceCount),
	})
	tel.EmitComplete(telemetry.Complete{
		RunID:         runID,
		Success:       true,
		LearningCount: result.LearningCount,
		SourceCount:   result.SourceCount,
		Duration:      result.Duration,
		DurationMs:    result.DurationMs,
	})
	if e.registry != nil {
		e.registry.finish(runID, result)
	}
	logger.Info("research run completed", "learnings", result.LearningCount, "sources", result.SourceCount, "duration", result.Duration)
	return result, nil
}

// finishAborted builds the partial Result for a cancelled or over-budget
// run. The parent context distinguishes the two.
func (e *Engine) finishAborted(parent context.Context, req Request, st *runState, tel telemetry.Telemetry, runID, topic string, start time.Time) *Result {
	reason := errBudgetExceeded
	stage := telemetry.StageFailed
	if parent.Err() != nil {
		reason = errCancelled
		stage = telemetry.StageCancelled
	}

	learnings := st.learnings.All()
	sources := st.sources.URLs()
	elapsed := time.Since(start)
	result := &Result{
		Learnings:         learnings,
		Sources:           sources,
		SuggestedFilename: SuggestFilename(topic, time.Now()),
		Duration:          elapsed,
		DurationMs:        elapsed.Milliseconds(),
		LearningCount:     len(learnings),
		SourceCount:       len(sources),
		Success:           false,
		Error:             reason,
	}

	tel.EmitStatus(telemetry.Status{Stage: stage, Message: "research " + reason})
	tel.EmitComplete(telemetry.Complete{
		RunID:         runID,
		Success:       false,
		Error:         reason,
		LearningCount: result.LearningCount,
		SourceCount:   result.SourceCount,
		Duration:      result.Duration,
		DurationMs:    result.DurationMs,
	})
	if e.registry != nil {
		e.registry.finish(runID, result)
	}
	e.logger.Warn("research run aborted", "run_id", runID, "reason", reason)
	return result
}

type queryOutcome struct {
	learnings  []Learning
	failReason string
}

// processQuery runs search and extraction for one frontier query. All
// failure modes collapse into a failReason; the run continues.
func (e *Engine) processQuery(ctx context.Context, st *runState, q Query) queryOutcome {
	st.mu.Lock()
	st.tel.EmitStatus(telemetry.Status{
		Stage:   telemetry.StageSearching,
		Message: q.Original,
	})
	st.mu.Unlock()

	hits, err := e.searchWithVariations(ctx, st, q)
	if err != nil {
		if ctx.Err() != nil {
			return queryOutcome{failReason: "cancelled"}
		}
		return queryOutcome{failReason: err.Error()}
	}

	fresh := e.freshHits(st, hits)
	if len(fresh) == 0 {
		return queryOutcome{failReason: "no new sources"}
	}

	st.mu.Lock()
	st.tel.EmitStatus(telemetry.Status{
		Stage:   telemetry.StageExtract,
		Message: fmt.Sprintf("extracting from %d results", len(fresh)),
		Detail:  q.Original,
	})
	st.mu.Unlock()

	learnings, err := e.extract(ctx, st, q, fresh)
	if err != nil {
		if ctx.Err() != nil {
			return queryOutcome{failReason: "cancelled"}
		}
		return queryOutcome{failReason: err.Error()}
	}
	return queryOutcome{learnings: learnings}
}

// searchWithVariations tries each variation until one returns hits, up to
// three attempts. Rate-limit exhaustion backs off at the engine level and
// retries the same variation; the run deadline bounds the total wait.
func (e *Engine) searchWithVariations(ctx context.Context, st *runState, q Query) ([]search.Hit, error) {
	variations := q.Variations
	if len(variations) == 0 {
		variations = []string{q.Original}
	}
	if len(variations) > maxVariationAttempts {
		variations = variations[:maxVariationAttempts]
	}

	var lastErr error
	for _, v := range variations {
		hits, err := e.searchOnce(ctx, st, v)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}
		if len(hits) > 0 {
			return hits, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("all variations returned no hits")
}

func (e *Engine) searchOnce(ctx context.Context, st *runState, query string) ([]search.Hit, error) {
	for {
		hits, err := e.search.Search(ctx, query)
		if err == nil {
			return hits, nil
		}
		if search.KindOf(err) != search.KindRateLimitExhausted {
			return nil, err
		}

		delay := st.nextBackoff()
		st.mu.Lock()
		st.tel.EmitStatus(telemetry.Status{
			Stage:   telemetry.StageWaiting,
			Message: fmt.Sprintf("search provider rate limited, backing off %s", delay),
		})
		st.mu.Unlock()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// freshHits filters out URLs already collected this run and caps the
// batch at ten. The set is only read here; insertion happens at merge.
func (e *Engine) freshHits(st *runState, hits []search.Hit) []search.Hit {
	st.mu.Lock()
	defer st.mu.Unlock()

	seen := make(map[string]struct{}, len(hits))
	fresh := make([]search.Hit, 0, maxFreshHitsPerQuery)
	for _, h := range hits {
		key := NormalizeURL(h.URL)
		if _, dup := seen[key]; dup {
			continue
		}
		if st.sources.Has(h.URL) {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, h)
		if len(fresh) == maxFreshHitsPerQuery {
			break
		}
	}
	return fresh
}

// extract asks the LLM for learnings grounded in the fresh hits. Entries
// citing URLs outside the supplied batch are rejected.
func (e *Engine) extract(ctx context.Context, st *runState, q Query, hits []search.Hit) ([]Learning, error) {
	type promptHit struct {
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
		URL     string `json:"url"`
	}
	batch := make([]promptHit, len(hits))
	for i, h := range hits {
		batch[i] = promptHit{Title: h.Title, Snippet: h.Snippet, URL: h.URL}
	}
	encoded, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode hits: %w", err)
	}

	prompt := fmt.Sprintf("Query: %s\n\nResults:\n%s", q.Original, encoded)
	remaining := st.consumeTokens(countTokens(prompt))
	if remaining <= 0 {
		return nil, fmt.Errorf("token budget exhausted")
	}
	prompt = truncateToTokens(prompt, remaining)

	resp, err := e.llm.Complete(ctx, llms.Request{
		System:     extractSystem,
		User:       prompt,
		MaxTokens:  2048,
		Structured: llms.SchemaLearnings,
	})
	if err != nil {
		return nil, err
	}

	var doc struct {
		Learnings []Learning `json:"learnings"`
	}
	if err := json.Unmarshal(resp.Parsed, &doc); err != nil {
		return nil, fmt.Errorf("decode learnings: %w", err)
	}

	allowed := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		allowed[NormalizeURL(h.URL)] = struct{}{}
	}

	out := make([]Learning, 0, len(doc.Learnings))
	for _, l := range doc.Learnings {
		if strings.TrimSpace(l.Text) == "" {
			continue
		}
		cited := true
		for _, u := range l.SourceURLs {
			if _, ok := allowed[NormalizeURL(u)]; !ok {
				cited = false
				break
			}
		}
		if !cited {
			e.logger.Debug("dropping learning citing unknown source", "query", q.Original)
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

type followUpCandidate struct {
	text    string
	sources int
}

// rankFollowUps picks up to breadth follow-up questions, preferring those
// whose parent learning cited the most distinct sources. The sort is
// stable so ties keep insertion order.
func rankFollowUps(candidates []followUpCandidate, breadth int) []Query {
	seen := make(map[string]struct{}, len(candidates))
	unique := candidates[:0]
	for _, c := range candidates {
		text := strings.TrimSpace(c.text)
		if text == "" {
			continue
		}
		key := strings.ToLower(text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		c.text = text
		unique = append(unique, c)
	}

	// Insertion-order-stable selection sort by source count; frontiers
	// are tiny so quadratic cost is irrelevant.
	out := make([]Query, 0, breadth)
	used := make([]bool, len(unique))
	for len(out) < breadth {
		best := -1
		for i, c := range unique {
			if used[i] {
				continue
			}
			if best < 0 || c.sources > unique[best].sources {
				best = i
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		out = append(out, Query{Original: unique[best].text, Variations: []string{unique[best].text}})
	}
	return out
}

func clamp(v, def, min, max int) int {
	if v == 0 {
		v = def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
