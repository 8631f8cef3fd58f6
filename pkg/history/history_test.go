package history

import (
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	conv := NewConversation("alice", "scholar")

	require.NoError(t, s.Append(conv, "user", "hello"))
	require.NoError(t, s.Append(conv, "assistant", "hi there"))

	loaded, err := s.Load(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.User)
	assert.Equal(t, "scholar", loaded.Persona)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "user", loaded.Messages[0].Role)
	assert.Equal(t, "hi there", loaded.Messages[1].Content)
}

func TestLoadMissingConversation(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Load("does-not-exist")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestLoadRejectsPathTraversal(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Load("../../etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid conversation id")

	err = s.Clear(`..\windows`)
	require.Error(t, err)
}

func TestListNewestFirst(t *testing.T) {
	s := NewStore(t.TempDir())

	older := NewConversation("alice", "scholar")
	require.NoError(t, s.Append(older, "user", "first"))

	time.Sleep(5 * time.Millisecond)

	newer := NewConversation("alice", "analyst")
	require.NoError(t, s.Append(newer, "user", "second"))

	summaries, err := s.List()
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, newer.ID, summaries[0].ID)
	assert.Equal(t, older.ID, summaries[1].ID)
	assert.Equal(t, 1, summaries[0].MessageCount)
}

func TestListEmptyDir(t *testing.T) {
	s := NewStore(t.TempDir())
	summaries, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestExport(t *testing.T) {
	s := NewStore(t.TempDir())
	conv := NewConversation("alice", "scholar")
	require.NoError(t, s.Append(conv, "user", "what is parquet"))
	require.NoError(t, s.Append(conv, "assistant", "a columnar format"))

	md, err := s.Export(conv.ID)
	require.NoError(t, err)
	assert.Contains(t, md, "# Conversation "+conv.ID)
	assert.Contains(t, md, "Persona: scholar")
	assert.Contains(t, md, "**user**")
	assert.Contains(t, md, "a columnar format")
}

func TestClearOneAndAll(t *testing.T) {
	s := NewStore(t.TempDir())

	a := NewConversation("alice", "scholar")
	require.NoError(t, s.Append(a, "user", "x"))
	b := NewConversation("alice", "scholar")
	require.NoError(t, s.Append(b, "user", "y"))

	require.NoError(t, s.Clear(a.ID))
	summaries, err := s.List()
	require.NoError(t, err)
	assert.Len(t, summaries, 1)

	// Clearing an already-removed conversation is not an error.
	require.NoError(t, s.Clear(a.ID))

	require.NoError(t, s.Clear(""))
	summaries, err = s.List()
	require.NoError(t, err)
	assert.Empty(t, summaries)
}
