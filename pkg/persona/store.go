package persona

import (
	"errors"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/fathomlabs/fathom/pkg/storage"
)

const fileName = "persona.json"

// persisted is the on-disk shape of persona.json.
type persisted struct {
	DefaultSlug string    `json:"defaultSlug"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store reads and writes the persisted default persona selection.
// Reads are cached; SetDefault invalidates the cache.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	cached *persisted
}

// NewStore creates a persona store rooted at the given storage directory.
func NewStore(storageDir string, logger *slog.Logger) *Store {
	return &Store{path: storageDir + "/" + fileName, logger: logger}
}

// GetDefault returns the active default persona. A missing or corrupted
// persona.json yields the catalog default; the file is repaired on the
// next successful SetDefault.
func (s *Store) GetDefault() Persona {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached == nil {
		var doc persisted
		err := storage.ReadJSON(s.path, &doc)
		switch {
		case err == nil && Exists(doc.DefaultSlug):
			s.cached = &doc
		case err == nil:
			s.logger.Warn("persona.json names unknown slug, using catalog default", "slug", doc.DefaultSlug)
			s.cached = &persisted{DefaultSlug: DefaultSlug}
		case errors.Is(err, fs.ErrNotExist):
			s.cached = &persisted{DefaultSlug: DefaultSlug}
		default:
			s.logger.Warn("persona.json unreadable, using catalog default", "error", err)
			s.cached = &persisted{DefaultSlug: DefaultSlug}
		}
	}

	p, err := Get(s.cached.DefaultSlug)
	if err != nil {
		p, _ = Get(DefaultSlug)
	}
	return p
}

// SetDefault validates the slug against the catalog and persists it.
func (s *Store) SetDefault(slug string) (Persona, error) {
	p, err := Get(slug)
	if err != nil {
		return Persona{}, err
	}

	doc := persisted{DefaultSlug: p.Slug, UpdatedAt: time.Now().UTC()}
	if err := storage.WriteJSON(s.path, &doc); err != nil {
		return Persona{}, err
	}

	s.mu.Lock()
	s.cached = &doc
	s.mu.Unlock()
	return p, nil
}

// Reset restores the catalog default selection.
func (s *Store) Reset() (Persona, error) {
	return s.SetDefault(DefaultSlug)
}
