package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fathomlabs/fathom/pkg/llms"
)

// Service is the entry point to the memory subsystem. It caches
// per-(user, layer, remote) manager singletons for the process lifetime
// and routes operations to them.
type Service struct {
	llm      *llms.Client // nil disables enrichment and summarization
	remote   RemoteSync   // nil disables remote sync entirely
	enrich   bool
	logger   *slog.Logger
	managers sync.Map // managerKey -> *Manager
}

type managerKey struct {
	user   string
	layer  Layer
	remote bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLLM enables enrichment and summarization through the given client.
func WithLLM(llm *llms.Client) ServiceOption {
	return func(s *Service) { s.llm = llm }
}

// WithRemoteSync installs the remote augmentation backend.
func WithRemoteSync(remote RemoteSync) ServiceOption {
	return func(s *Service) { s.remote = remote }
}

// WithEnrichment toggles LLM enrichment of stored records.
func WithEnrichment(enabled bool) ServiceOption {
	return func(s *Service) { s.enrich = enabled }
}

// NewService creates the memory service.
func NewService(logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{logger: logger, enrich: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// manager returns the cached manager for the key, creating it on first
// use. SyncRemote only takes effect when a remote backend is installed.
func (s *Service) manager(mctx Context, layer Layer) *Manager {
	useRemote := mctx.SyncRemote && s.remote != nil
	key := managerKey{user: mctx.User, layer: layer, remote: useRemote}

	if m, ok := s.managers.Load(key); ok {
		return m.(*Manager)
	}

	var remote RemoteSync
	if useRemote {
		remote = s.remote
	}
	created := newManager(mctx.User, layer, remote)
	actual, _ := s.managers.LoadOrStore(key, created)
	return actual.(*Manager)
}

// ClearCache drops all cached managers. Intended for test isolation.
func (s *Service) ClearCache() {
	s.managers.Range(func(key, _ any) bool {
		s.managers.Delete(key)
		return true
	})
}

// Store validates, optionally enriches, and appends a record to the
// requested layer. Enrichment failures never fail the store.
func (s *Service) Store(ctx context.Context, req StoreRequest, mctx Context) (Record, error) {
	if mctx.User == "" {
		return Record{}, ErrUserRequired
	}
	if strings.TrimSpace(req.Content) == "" {
		return Record{}, &ValidationError{Field: "content", Reason: "must not be empty"}
	}

	layer := req.Layer
	if layer == "" {
		layer = LayerWorking
	}
	if !ValidLayer(layer) {
		return Record{}, &ValidationError{Field: "layer", Reason: fmt.Sprintf("unknown layer %q", layer)}
	}

	rec := newRecord(layer, req)

	if s.enrich && s.llm != nil {
		enricher := NewEnricher(s.llm, s.logger)
		enricher.Enrich(ctx, &rec)
	}

	stored, _ := s.manager(mctx, layer).add(ctx, rec)
	return copyRecord(stored), nil
}

// Recall searches one or all layers and returns scored records, highest
// score first, at most limit per layer. Records never cross users.
func (s *Service) Recall(ctx context.Context, req RecallRequest, mctx Context) ([]Record, error) {
	if mctx.User == "" {
		return nil, ErrUserRequired
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	layers := s.layersFor(req)
	var out []Record
	for _, layer := range layers {
		records := s.manager(mctx, layer).recall(req.Query, limit)
		if !req.IncludeMeta {
			for i := range records {
				records[i].Metadata = nil
			}
		}
		out = append(out, records...)
	}
	return out, nil
}

func (s *Service) layersFor(req RecallRequest) []Layer {
	if req.Layer != "" {
		return []Layer{req.Layer}
	}
	layers := []Layer{LayerEpisodic}
	if req.IncludeShort {
		layers = append([]Layer{LayerWorking}, layers...)
	}
	if req.IncludeLong {
		layers = append(layers, LayerSemantic)
	}
	return layers
}

// Stats returns per-layer counters plus aggregate totals.
func (s *Service) Stats(ctx context.Context, layer Layer, mctx Context) (Stats, error) {
	if mctx.User == "" {
		return Stats{}, ErrUserRequired
	}

	layers := []Layer{LayerWorking, LayerEpisodic, LayerSemantic}
	if layer != "" {
		if !ValidLayer(layer) {
			return Stats{}, &ValidationError{Field: "layer", Reason: fmt.Sprintf("unknown layer %q", layer)}
		}
		layers = []Layer{layer}
	}

	stats := Stats{Layers: make(map[Layer]LayerStats, len(layers)), Mode: "local"}
	if mctx.SyncRemote && s.remote != nil {
		stats.Mode = "remote"
	}

	fellBack := false
	for _, l := range layers {
		snap, fb := s.manager(mctx, l).snapshot()
		stats.Layers[l] = snap
		fellBack = fellBack || fb

		stats.Totals.Stored += snap.Stored
		stats.Totals.Retrieved += snap.Retrieved
		stats.Totals.Validated += snap.Validated
		stats.Totals.Summarized += snap.Summarized
		stats.Totals.EphemeralCount += snap.EphemeralCount
		stats.Totals.ValidatedCount += snap.ValidatedCount
	}

	if fellBack {
		stats.Mode = "local-fallback"
	}
	return stats, nil
}

const summarizeSystem = "You condense conversations for long-term memory. Produce a short " +
	"paragraph capturing decisions, facts learned, and open questions. No preamble."

// Summarize condenses a conversation into one new record at the
// requested layer (default episodic). LLM failures degrade to
// Success=false rather than an error.
func (s *Service) Summarize(ctx context.Context, req SummarizeRequest, mctx Context) (SummarizeResult, error) {
	if mctx.User == "" {
		return SummarizeResult{}, ErrUserRequired
	}
	if strings.TrimSpace(req.ConversationText) == "" {
		return SummarizeResult{}, &ValidationError{Field: "conversationText", Reason: "must not be empty"}
	}

	layer := req.Layer
	if layer == "" {
		layer = LayerEpisodic
	}
	if !ValidLayer(layer) {
		return SummarizeResult{}, &ValidationError{Field: "layer", Reason: fmt.Sprintf("unknown layer %q", layer)}
	}

	if s.llm == nil {
		return SummarizeResult{Success: false, Reason: "no LLM client configured"}, nil
	}

	resp, err := s.llm.Complete(ctx, llms.Request{
		System:    summarizeSystem,
		User:      req.ConversationText,
		MaxTokens: 1024,
	})
	if err != nil {
		s.logger.Warn("conversation summarization failed", "error", err)
		return SummarizeResult{Success: false, Reason: err.Error()}, nil
	}

	rec := newRecord(layer, StoreRequest{
		Content: strings.TrimSpace(resp.Content),
		Role:    RoleSystem,
		Source:  "summarize",
		Tags:    []string{"summary"},
	})

	manager := s.manager(mctx, layer)
	stored, commitRef := manager.add(ctx, rec)
	manager.markSummarized()

	out := copyRecord(stored)
	return SummarizeResult{Success: true, Record: &out, CommitRef: commitRef}, nil
}

// Validate runs an explicit validation pass over a stored record,
// merging LLM-confirmed tags and bumping validated counters.
func (s *Service) Validate(ctx context.Context, layer Layer, recordID string, mctx Context) error {
	if mctx.User == "" {
		return ErrUserRequired
	}
	if !ValidLayer(layer) {
		return &ValidationError{Field: "layer", Reason: fmt.Sprintf("unknown layer %q", layer)}
	}

	manager := s.manager(mctx, layer)

	target, ok := manager.get(recordID)
	if !ok {
		return &ValidationError{Field: "recordID", Reason: "no such record"}
	}

	enricher := NewEnricher(s.llm, s.logger)
	tags, err := enricher.Validate(ctx, target)
	if err != nil {
		return fmt.Errorf("validate record: %w", err)
	}

	manager.applyValidation(recordID, tags)
	return nil
}
