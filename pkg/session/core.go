package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fathomlabs/fathom/pkg/chat"
	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/history"
	"github.com/fathomlabs/fathom/pkg/llms"
	"github.com/fathomlabs/fathom/pkg/memory"
	"github.com/fathomlabs/fathom/pkg/persona"
	"github.com/fathomlabs/fathom/pkg/prefs"
	"github.com/fathomlabs/fathom/pkg/research"
	"github.com/fathomlabs/fathom/pkg/search"
	"github.com/fathomlabs/fathom/pkg/telemetry"
)

// SearchFactory builds a search provider for the given configuration.
// Sessions rebuild providers per run so /login credentials take effect
// and per-run options such as wait hooks attach.
type SearchFactory func(cfg config.SearchConfig, opts ...search.Option) (research.SearchProvider, error)

// LLMFactory builds a completion provider for the given configuration.
type LLMFactory func(cfg config.LLMConfig, opts ...llms.Option) research.Completer

// Core bundles the services shared by every session. Provider factories
// are swappable for tests.
type Core struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Memory   *memory.Service
	Personas *persona.Store
	Prefs    *prefs.Store
	History  *history.Store
	Registry *research.Registry
	Chat     *chat.Loop

	// Events receives a copy of every run's telemetry for dashboard
	// consumers subscribed through the server's /events endpoint.
	Events *telemetry.Bus

	NewSearch SearchFactory
	NewLLM    LLMFactory
}

// chatLoopFor builds a chat loop honoring the session's credentials.
func (s *Session) chatLoopFor(creds config.StaticCredentials) *chat.Loop {
	llmCfg := s.core.Cfg.LLM
	llmCfg.APIKey = creds.LLM
	return chat.NewLoop(s.core.NewLLM(llmCfg), s.core.Memory, s.core.History, s.logger)
}

// NewCore wires the default service graph from configuration.
func NewCore(cfg *config.Config, logger *slog.Logger) *Core {
	llmClient := llms.NewClient(cfg.LLM)

	memOpts := []memory.ServiceOption{
		memory.WithLLM(llmClient),
		memory.WithEnrichment(cfg.Memory.EnrichmentOn),
	}
	mem := memory.NewService(logger, memOpts...)

	hist := history.NewStore(cfg.StorageDir)

	return &Core{
		Cfg:      cfg,
		Logger:   logger,
		Memory:   mem,
		Personas: persona.NewStore(cfg.StorageDir, logger),
		Prefs:    prefs.NewStore(cfg.StorageDir, logger),
		History:  hist,
		Registry: research.NewRegistry(),
		Chat:     chat.NewLoop(llmClient, mem, hist, logger),
		Events:   telemetry.NewBus(cfg.Server.OutboundQueueSize),
		NewSearch: func(sc config.SearchConfig, opts ...search.Option) (research.SearchProvider, error) {
			return search.NewClient(sc, opts...)
		},
		NewLLM: func(lc config.LLMConfig, opts ...llms.Option) research.Completer {
			return llms.NewClient(lc, opts...)
		},
	}
}

// engineFor builds a research engine with the session's credentials.
// Provider backoff sleeps surface as "waiting" statuses on the run's
// telemetry.
func (s *Session) engineFor(creds config.StaticCredentials, tel telemetry.Telemetry) (*research.Engine, error) {
	cfg := s.core.Cfg

	searchCfg := cfg.Search
	searchCfg.APIKey = creds.Search
	sp, err := s.core.NewSearch(searchCfg, search.WithWaitHook(waitStatus(tel, "search")))
	if err != nil {
		return nil, err
	}

	llmCfg := cfg.LLM
	llmCfg.APIKey = creds.LLM
	llm := s.core.NewLLM(llmCfg, llms.WithWaitHook(waitStatus(tel, "llm")))

	return research.NewEngine(sp, llm, creds, cfg.Research, s.logger,
		research.WithRegistry(s.core.Registry)), nil
}

// waitStatus adapts a provider backoff sleep to a waiting status event.
func waitStatus(tel telemetry.Telemetry, provider string) func(delay time.Duration, attempt int) {
	return func(delay time.Duration, attempt int) {
		tel.EmitStatus(telemetry.Status{
			Stage:   telemetry.StageWaiting,
			Message: fmt.Sprintf("%s provider rate limited, retrying in %s", provider, delay.Round(time.Millisecond)),
			Meta:    map[string]any{"attempt": attempt + 1, "delayMs": delay.Milliseconds()},
		})
	}
}
