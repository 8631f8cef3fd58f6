// Package chat drives conversational exchanges over the LLM and memory
// subsystems: each turn recalls relevant memories, completes against the
// active persona, and stores both sides of the exchange.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fathomlabs/fathom/pkg/history"
	"github.com/fathomlabs/fathom/pkg/llms"
	"github.com/fathomlabs/fathom/pkg/memory"
	"github.com/fathomlabs/fathom/pkg/persona"
	"github.com/fathomlabs/fathom/pkg/telemetry"
)

const (
	// recallLimit is the top-K memories prepended as context each turn.
	recallLimit = 5

	// historyWindow bounds the messages sent to the LLM per turn, not
	// counting the leading persona system prompt.
	historyWindow = 10
)

// Completer issues one LLM completion.
type Completer interface {
	Complete(ctx context.Context, req llms.Request) (*llms.Response, error)
}

// Loop runs chat turns for one or more conversations.
type Loop struct {
	llm     Completer
	memory  *memory.Service
	history *history.Store
	logger  *slog.Logger
}

// NewLoop wires the chat loop over its collaborators.
func NewLoop(llm Completer, mem *memory.Service, hist *history.Store, logger *slog.Logger) *Loop {
	return &Loop{llm: llm, memory: mem, history: hist, logger: logger}
}

// Start creates a new conversation bound to a persona. The caller
// resolves empty slugs to the stored default first.
func (l *Loop) Start(user, personaSlug string) (*history.Conversation, persona.Persona, error) {
	p, err := persona.Get(persona.Normalize(personaSlug))
	if err != nil {
		return nil, persona.Persona{}, err
	}
	return history.NewConversation(user, p.Slug), p, nil
}

// Turn processes one user message: store it, recall context, complete,
// parse out any <thinking> preamble, store and return the reply.
func (l *Loop) Turn(ctx context.Context, conv *history.Conversation, userMsg string, tel telemetry.Telemetry) (string, error) {
	if tel == nil {
		tel = telemetry.Nop{}
	}
	userMsg = strings.TrimSpace(userMsg)
	if userMsg == "" {
		return "", fmt.Errorf("empty message")
	}

	mctx := memory.Context{User: conv.User}
	if err := l.history.Append(conv, string(memory.RoleUser), userMsg); err != nil {
		return "", fmt.Errorf("persist user message: %w", err)
	}
	if _, err := l.memory.Store(ctx, memory.StoreRequest{
		Content: userMsg,
		Role:    memory.RoleUser,
		Layer:   memory.LayerWorking,
		Source:  "chat",
	}, mctx); err != nil {
		l.logger.Warn("chat memory store failed", "error", err)
	}

	resp, err := l.llm.Complete(ctx, llms.Request{
		System:    l.recallBlock(ctx, userMsg, mctx),
		User:      l.buildPrompt(conv, userMsg),
		Character: conv.Persona,
	})
	if err != nil {
		return "", err
	}

	thinking, reply := SplitThinking(resp.Content)
	if thinking != "" {
		tel.EmitThought(telemetry.Thought{Text: thinking, Stage: telemetry.StagePlanning})
	}

	if err := l.history.Append(conv, string(memory.RoleAssistant), reply); err != nil {
		return "", fmt.Errorf("persist assistant message: %w", err)
	}
	if _, err := l.memory.Store(ctx, memory.StoreRequest{
		Content: reply,
		Role:    memory.RoleAssistant,
		Layer:   memory.LayerWorking,
		Source:  "chat",
	}, mctx); err != nil {
		l.logger.Warn("chat memory store failed", "error", err)
	}
	return reply, nil
}

// recallBlock renders recalled memories as a synthetic system message
// that precedes the conversation. Recall failures degrade to no block.
func (l *Loop) recallBlock(ctx context.Context, userMsg string, mctx memory.Context) string {
	records, err := l.memory.Recall(ctx, memory.RecallRequest{
		Query:        userMsg,
		Limit:        recallLimit,
		IncludeShort: true,
	}, mctx)
	if err != nil {
		l.logger.Warn("chat memory recall failed", "error", err)
	}
	if len(records) > recallLimit {
		records = records[:recallLimit]
	}
	if len(records) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant memories:\n")
	for _, r := range records {
		fmt.Fprintf(&b, "- %s\n", r.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// buildPrompt assembles the trailing history window plus the current
// message. The persona system prompt is injected by the LLM client
// through the Character field.
func (l *Loop) buildPrompt(conv *history.Conversation, userMsg string) string {
	var b strings.Builder

	msgs := conv.Messages
	if len(msgs) > historyWindow {
		msgs = msgs[len(msgs)-historyWindow:]
	}
	if len(msgs) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range msgs {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString(userMsg)
	return b.String()
}

// End summarizes the conversation into episodic memory. Called on /exit
// and on disconnect; failures degrade to an unsuccessful result.
func (l *Loop) End(ctx context.Context, conv *history.Conversation, syncRemote bool) memory.SummarizeResult {
	if len(conv.Messages) == 0 {
		return memory.SummarizeResult{Success: false, Reason: "empty conversation"}
	}

	var b strings.Builder
	for _, m := range conv.Messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	result, err := l.memory.Summarize(ctx, memory.SummarizeRequest{
		ConversationText: b.String(),
	}, memory.Context{User: conv.User, SyncRemote: syncRemote})
	if err != nil {
		l.logger.Warn("conversation summarize failed", "error", err)
		return memory.SummarizeResult{Success: false, Reason: err.Error()}
	}
	return result
}

// RecentMessages returns up to n trailing message texts, oldest first.
// The research handoff feeds these to query generation.
func RecentMessages(conv *history.Conversation, n int) []string {
	msgs := conv.Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

// SplitThinking separates a leading <thinking>…</thinking> preamble from
// the visible reply. Absent or unterminated tags leave the text intact.
func SplitThinking(content string) (thinking, reply string) {
	trimmed := strings.TrimSpace(content)
	const open, close = "<thinking>", "</thinking>"
	if !strings.HasPrefix(trimmed, open) {
		return "", trimmed
	}
	end := strings.Index(trimmed, close)
	if end < 0 {
		return "", trimmed
	}
	thinking = strings.TrimSpace(trimmed[len(open):end])
	reply = strings.TrimSpace(trimmed[end+len(close):])
	return thinking, reply
}
