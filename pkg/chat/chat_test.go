package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/history"
	"github.com/fathomlabs/fathom/pkg/llms"
	"github.com/fathomlabs/fathom/pkg/memory"
	"github.com/fathomlabs/fathom/pkg/persona"
	"github.com/fathomlabs/fathom/pkg/telemetry"
)

type completerFunc func(ctx context.Context, req llms.Request) (*llms.Response, error)

func (f completerFunc) Complete(ctx context.Context, req llms.Request) (*llms.Response, error) {
	return f(ctx, req)
}

type thoughtSink struct {
	telemetry.Nop
	mu       sync.Mutex
	thoughts []telemetry.Thought
}

func (s *thoughtSink) EmitThought(t telemetry.Thought) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thoughts = append(s.thoughts, t)
}

func testLoop(t *testing.T, llm Completer) (*Loop, *memory.Service) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := memory.NewService(logger, memory.WithEnrichment(false))
	hist := history.NewStore(t.TempDir())
	return NewLoop(llm, mem, hist, logger), mem
}

func TestSplitThinking(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantThinking string
		wantReply    string
	}{
		{
			name:         "leading thinking block",
			input:        "<thinking>weighing options</thinking>Here is the answer.",
			wantThinking: "weighing options",
			wantReply:    "Here is the answer.",
		},
		{
			name:      "no thinking block",
			input:     "Plain reply.",
			wantReply: "Plain reply.",
		},
		{
			name:      "unterminated tag left intact",
			input:     "<thinking>never closed and then text",
			wantReply: "<thinking>never closed and then text",
		},
		{
			name:      "tag not at start left intact",
			input:     "Answer first <thinking>then thoughts</thinking>",
			wantReply: "Answer first <thinking>then thoughts</thinking>",
		},
		{
			name:         "surrounding whitespace trimmed",
			input:        "  <thinking> hm </thinking>  ok  ",
			wantThinking: "hm",
			wantReply:    "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			thinking, reply := SplitThinking(tt.input)
			assert.Equal(t, tt.wantThinking, thinking)
			assert.Equal(t, tt.wantReply, reply)
		})
	}
}

func TestStartResolvesPersona(t *testing.T) {
	loop, _ := testLoop(t, nil)

	conv, p, err := loop.Start("alice", "Analyst")
	require.NoError(t, err)
	assert.Equal(t, "analyst", conv.Persona)
	assert.Equal(t, "analyst", p.Slug)
	assert.Equal(t, "alice", conv.User)

	_, _, err = loop.Start("alice", "oracle")
	var unknown *persona.ErrUnknownPersona
	assert.ErrorAs(t, err, &unknown)
}

func TestTurnStoresBothSides(t *testing.T) {
	llm := completerFunc(func(ctx context.Context, req llms.Request) (*llms.Response, error) {
		assert.Equal(t, "scholar", req.Character)
		return &llms.Response{Content: "<thinking>recalling</thinking>Parquet is columnar."}, nil
	})

	loop, mem := testLoop(t, llm)
	conv, _, err := loop.Start("alice", "scholar")
	require.NoError(t, err)

	sink := &thoughtSink{}
	reply, err := loop.Turn(context.Background(), conv, "what is parquet?", sink)
	require.NoError(t, err)
	assert.Equal(t, "Parquet is columnar.", reply)

	require.Len(t, sink.thoughts, 1)
	assert.Equal(t, "recalling", sink.thoughts[0].Text)
	assert.Equal(t, telemetry.StagePlanning, sink.thoughts[0].Stage)

	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "user", conv.Messages[0].Role)
	assert.Equal(t, "assistant", conv.Messages[1].Role)

	// Both sides land in working memory.
	records, err := mem.Recall(context.Background(), memory.RecallRequest{
		Query:        "parquet columnar",
		IncludeShort: true,
	}, memory.Context{User: "alice"})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestTurnRejectsEmptyMessage(t *testing.T) {
	loop, _ := testLoop(t, nil)
	conv, _, err := loop.Start("alice", "scholar")
	require.NoError(t, err)

	_, err = loop.Turn(context.Background(), conv, "   ", nil)
	require.Error(t, err)
}

func TestTurnPromptCarriesMemoriesAndWindow(t *testing.T) {
	var gotSystem, gotPrompt string
	llm := completerFunc(func(ctx context.Context, req llms.Request) (*llms.Response, error) {
		gotSystem = req.System
		gotPrompt = req.User
		return &llms.Response{Content: "ok"}, nil
	})

	loop, mem := testLoop(t, llm)
	conv, _, err := loop.Start("alice", "scholar")
	require.NoError(t, err)

	_, err = mem.Store(context.Background(), memory.StoreRequest{
		Content: "alice prefers terse answers",
		Layer:   memory.LayerEpisodic,
		Tags:    []string{"terse", "answers"},
	}, memory.Context{User: "alice"})
	require.NoError(t, err)

	// Memories travel as a synthetic system message, not user text.
	_, err = loop.Turn(context.Background(), conv, "terse answers please", nil)
	require.NoError(t, err)
	assert.Contains(t, gotSystem, "Relevant memories:")
	assert.Contains(t, gotSystem, "alice prefers terse answers")
	assert.NotContains(t, gotPrompt, "Relevant memories:")

	// Fill past the history window so only the trailing messages survive.
	for i := 0; i < historyWindow+4; i++ {
		_, err = loop.Turn(context.Background(), conv, fmt.Sprintf("filler message %d", i), nil)
		require.NoError(t, err)
	}

	assert.Contains(t, gotPrompt, "Conversation so far:")
	assert.Contains(t, gotPrompt, fmt.Sprintf("user: filler message %d\n", historyWindow+3))
	assert.NotContains(t, gotPrompt, "filler message 0\n", "messages beyond the window are dropped")
	assert.True(t, strings.HasSuffix(gotPrompt, fmt.Sprintf("filler message %d", historyWindow+3)))
}

func TestEndWithoutLLMDegrades(t *testing.T) {
	loop, _ := testLoop(t, completerFunc(func(ctx context.Context, req llms.Request) (*llms.Response, error) {
		return &llms.Response{Content: "reply"}, nil
	}))
	conv, _, err := loop.Start("alice", "scholar")
	require.NoError(t, err)

	res := loop.End(context.Background(), conv, false)
	assert.False(t, res.Success)
	assert.Equal(t, "empty conversation", res.Reason)

	_, err = loop.Turn(context.Background(), conv, "hello", nil)
	require.NoError(t, err)

	res = loop.End(context.Background(), conv, false)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "no LLM client")
}

func TestRecentMessages(t *testing.T) {
	conv := history.NewConversation("alice", "scholar")
	for i := 0; i < 5; i++ {
		conv.Messages = append(conv.Messages, history.Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}

	assert.Equal(t, []string{"m2", "m3", "m4"}, RecentMessages(conv, 3))
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, RecentMessages(conv, 10))
}
