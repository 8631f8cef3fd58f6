// Package history persists chat conversations as ordered message lists,
// one JSON document per conversation under chat-history/ in the storage
// directory.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fathomlabs/fathom/pkg/storage"
)

// Message is one chat turn. Role is "user", "assistant", or "system".
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the persisted document for one chat session.
type Conversation struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Persona   string    `json:"persona"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary is a listing entry: the document minus its messages.
type Summary struct {
	ID           string    `json:"id"`
	User         string    `json:"user"`
	Persona      string    `json:"persona"`
	MessageCount int       `json:"messageCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store reads and writes conversation documents.
type Store struct {
	dir string
}

// NewStore roots the store at <storageDir>/chat-history.
func NewStore(storageDir string) *Store {
	return &Store{dir: filepath.Join(storageDir, "chat-history")}
}

// NewConversation creates an empty conversation document in memory. It is
// not persisted until the first Append.
func NewConversation(user, personaSlug string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.NewString(),
		User:      user,
		Persona:   personaSlug,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Append adds a message and persists the document.
func (s *Store) Append(conv *Conversation, role, content string) error {
	conv.Messages = append(conv.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	conv.UpdatedAt = time.Now().UTC()
	return storage.WriteJSON(s.path(conv.ID), conv)
}

// Load reads one conversation by ID.
func (s *Store) Load(id string) (*Conversation, error) {
	if strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("invalid conversation id %q", id)
	}
	var conv Conversation
	if err := storage.ReadJSON(s.path(id), &conv); err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return &conv, nil
}

// List returns summaries for all stored conversations, newest first.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		var conv Conversation
		if err := storage.ReadJSON(filepath.Join(s.dir, name), &conv); err != nil {
			// Skip unreadable documents rather than failing the listing.
			continue
		}
		out = append(out, Summary{
			ID:           conv.ID,
			User:         conv.User,
			Persona:      conv.Persona,
			MessageCount: len(conv.Messages),
			UpdatedAt:    conv.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Export renders a conversation as a Markdown transcript.
func (s *Store) Export(id string) (string, error) {
	conv, err := s.Load(id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation %s\n\n", conv.ID)
	fmt.Fprintf(&b, "Persona: %s\n\n", conv.Persona)
	for _, m := range conv.Messages {
		fmt.Fprintf(&b, "**%s** (%s):\n\n%s\n\n", m.Role, m.Timestamp.Format(time.RFC3339), m.Content)
	}
	return b.String(), nil
}

// Clear removes one conversation, or all of them when id is empty.
func (s *Store) Clear(id string) error {
	if id != "" {
		if strings.ContainsAny(id, `/\`) {
			return fmt.Errorf("invalid conversation id %q", id)
		}
		if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear conversation %s: %w", id, err)
		}
		return nil
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("clear conversations: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("clear conversations: %w", err)
		}
	}
	return nil
}
