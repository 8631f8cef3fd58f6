// Package session implements the server side of the wire protocol: one
// Session per connected client, with serialized command handling, the
// prompt state machine, chat mode, and bounded outbound queueing.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/history"
	"github.com/fathomlabs/fathom/pkg/protocol"
	"github.com/fathomlabs/fathom/pkg/research"
	"github.com/fathomlabs/fathom/pkg/telemetry"
)

// Mode is the session interaction mode.
type Mode string

const (
	ModeCommand Mode = "command"
	ModeChat    Mode = "chat"
)

// Prompt state machine outcomes.
var (
	ErrPromptTimeout     = errors.New("prompt timed out")
	ErrPromptAborted     = errors.New("prompt aborted")
	ErrProtocolViolation = errors.New("protocol violation")
)

const (
	promptTimeout = 120 * time.Second

	// workQueueSize bounds commands accepted while one is running.
	workQueueSize = 16

	// CloseReasonViolation closes a session that prompted while a prompt
	// was already pending.
	CloseReasonViolation = "protocol_violation"
)

type pendingPrompt struct {
	reply chan string
}

// Session is one connected client. All command and chat handling is
// serialized through the work loop; input and disconnect are handled
// directly so a suspended handler's prompt can resolve.
type Session struct {
	ID     string
	core   *Core
	logger *slog.Logger

	out  chan protocol.Message
	work chan protocol.Message
	done chan struct{}

	ctx       context.Context
	cancelCtx context.CancelFunc
	closeOnce sync.Once

	outMu      sync.Mutex
	outDropped bool

	mu            sync.Mutex
	mode          Mode
	user          string
	authenticated bool
	lastActivity  time.Time
	prompt        *pendingPrompt
	conv          *history.Conversation
	lastResult    *research.Result
	creds         config.StaticCredentials
}

// New creates a session bound to the core. Run must be called to start
// the work loop; Outbound feeds the transport writer.
func New(core *Core) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Session{
		ID:           id,
		core:         core,
		logger:       core.Logger.With("session_id", id[:8]),
		out:          make(chan protocol.Message, core.Cfg.Server.OutboundQueueSize),
		work:         make(chan protocol.Message, workQueueSize),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancelCtx:    cancel,
		mode:         ModeCommand,
		user:         "operator",
		lastActivity: time.Now(),
	}
}

// Outbound is the frame queue consumed by the transport writer. It is
// never closed; writers select against Done.
func (s *Session) Outbound() <-chan protocol.Message { return s.out }

// Done closes when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// User returns the session's user identity.
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Mode returns the current interaction mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) setMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

// Run processes queued work until the session closes. Call it once, from
// its own goroutine.
func (s *Session) Run() {
	s.send(protocol.Connection(true, ""))
	for {
		select {
		case <-s.done:
			return
		case m := <-s.work:
			s.dispatch(m)
		}
	}
}

// Close ends the session: cancels in-flight work, rejects any pending
// prompt, summarizes an open chat conversation, and stops outbound flow.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.logger.Info("session closing", "reason", reason)

		s.mu.Lock()
		conv := s.conv
		s.conv = nil
		s.mu.Unlock()

		if conv != nil && len(conv.Messages) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), s.core.Cfg.LLM.Timeout)
			s.core.Chat.End(ctx, conv, s.core.Cfg.Memory.RemoteSync)
			cancel()
		}

		s.send(protocol.Connection(false, reason))
		s.cancelCtx()
		close(s.done)
	})
}

// HandleFrame processes one client frame. Called from the transport read
// loop; only input resolves inline, everything else is queued or refused.
func (s *Session) HandleFrame(m protocol.Message) {
	s.touch()

	switch m.Type {
	case protocol.TypeInput:
		if !s.resolveInput(m.Value) {
			s.send(protocol.ErrorFrame("no prompt pending"))
		}
	case protocol.TypeCommand, protocol.TypeChatMessage:
		if s.promptPending() {
			s.send(protocol.ErrorFrame("prompt pending"))
			return
		}
		select {
		case s.work <- m:
		default:
			s.send(protocol.ErrorFrame("too many pending commands"))
		}
	default:
		s.send(protocol.ErrorFrame("unknown message type"))
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ExpireIfIdle downgrades the session to unauthenticated after the idle
// timeout. Returns true when a downgrade happened.
func (s *Session) ExpireIfIdle(timeout time.Duration) bool {
	s.mu.Lock()
	idle := time.Since(s.lastActivity) > timeout
	downgrade := idle && s.authenticated
	if downgrade {
		s.authenticated = false
		s.creds = config.StaticCredentials{}
	}
	s.mu.Unlock()

	if downgrade {
		s.send(protocol.SessionExpired())
	}
	return downgrade
}

// send enqueues a frame without blocking. A full queue evicts its oldest
// entries to make room: once for a one-time drop marker, and always for
// the new frame, so the newest frames survive sustained overflow. No
// frames flow after close.
func (s *Session) send(m protocol.Message) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.out <- m:
		return
	default:
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()

	first := !s.outDropped
	s.outDropped = true

	evictions := 1
	if first {
		evictions = 2
	}
	for i := 0; i < evictions; i++ {
		select {
		case <-s.out:
		default:
		}
	}
	if first {
		select {
		case s.out <- protocol.StatusFrame(telemetry.Status{
			Stage:   telemetry.StageDropped,
			Message: "outbound queue overflow, oldest frames dropped",
		}):
		default:
		}
	}
	select {
	case s.out <- m:
	default:
	}
}

// sendOutput chunks large payloads across multiple output frames.
func (s *Session) sendOutput(data string) {
	for _, frame := range protocol.ChunkOutput(data, s.core.Cfg.Server.MaxFrameBytes) {
		s.send(frame)
	}
}

func (s *Session) promptPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt != nil
}

// RequestPrompt suspends the caller on one line of operator input. A
// second concurrent prompt is a fatal protocol error and closes the
// session. Masked prompts disable the client input line until resolved.
func (s *Session) RequestPrompt(ctx context.Context, text string, masked bool, promptCtx map[string]any) (string, error) {
	s.mu.Lock()
	if s.prompt != nil {
		s.mu.Unlock()
		s.Close(CloseReasonViolation)
		return "", ErrProtocolViolation
	}
	p := &pendingPrompt{reply: make(chan string, 1)}
	s.prompt = p
	s.mu.Unlock()

	s.send(protocol.PromptFrame(text, masked, promptCtx))
	if masked {
		s.send(protocol.DisableInput())
	}

	timer := time.NewTimer(promptTimeout)
	defer timer.Stop()

	select {
	case v := <-p.reply:
		s.clearPrompt()
		s.send(protocol.EnableInput())
		return v, nil
	case <-timer.C:
		s.clearPrompt()
		s.send(protocol.EnableInput())
		return "", ErrPromptTimeout
	case <-ctx.Done():
		s.clearPrompt()
		return "", ErrPromptAborted
	case <-s.done:
		return "", ErrPromptAborted
	}
}

func (s *Session) clearPrompt() {
	s.mu.Lock()
	s.prompt = nil
	s.mu.Unlock()
}

func (s *Session) resolveInput(value string) bool {
	s.mu.Lock()
	p := s.prompt
	s.mu.Unlock()
	if p == nil {
		return false
	}
	select {
	case p.reply <- value:
	default:
	}
	return true
}

// credentials merges session-scoped credentials over the configured ones.
func (s *Session) credentials() config.StaticCredentials {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds := config.StaticCredentials{
		Search: s.core.Cfg.Search.APIKey,
		LLM:    s.core.Cfg.LLM.APIKey,
	}
	if s.creds.Search != "" {
		creds.Search = s.creds.Search
	}
	if s.creds.LLM != "" {
		creds.LLM = s.creds.LLM
	}
	return creds
}
