// Package server exposes the session endpoint over websocket plus the
// health, metrics, and public run listing surfaces.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/session"
)

// Server hosts the websocket session endpoint and HTTP surfaces.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	core   *session.Core

	httpServer *http.Server
	metrics    *metrics

	mu       sync.Mutex
	sessions map[string]*session.Session

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New builds a server over the given core.
func New(cfg *config.Config, core *session.Core, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		core:      core,
		metrics:   newMetrics(),
		sessions:  make(map[string]*session.Session),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Get("/events", s.handleEvents)
	r.Get("/healthz", s.handleHealth)
	r.Get("/runs", s.handleRuns)
	r.Get("/runs/{id}", s.handleRun)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	go s.sweepIdleSessions()

	s.logger.Info("server listening", "addr", s.cfg.Server.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes all sessions and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.sweepStop)

	s.mu.Lock()
	open := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.Close("server shutdown")
	}

	err := s.httpServer.Shutdown(ctx)
	select {
	case <-s.sweepDone:
	case <-ctx.Done():
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	open := len(s.sessions)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": open,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Registry.List())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, ok := s.core.Registry.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such run"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) addSession(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.metrics.sessionsOpened.Inc()
}

func (s *Server) removeSession(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
}

// sweepIdleSessions downgrades sessions idle past the configured timeout.
func (s *Server) sweepIdleSessions() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.mu.Lock()
			open := make([]*session.Session, 0, len(s.sessions))
			for _, sess := range s.sessions {
				open = append(open, sess)
			}
			s.mu.Unlock()

			for _, sess := range open {
				if sess.ExpireIfIdle(s.cfg.Server.SessionIdleTimeout) {
					s.metrics.sessionsExpired.Inc()
				}
			}
		}
	}
}
