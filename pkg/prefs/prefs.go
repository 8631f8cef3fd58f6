// Package prefs persists the operator's terminal preferences: a fixed
// set of boolean widget and terminal toggles stored in preferences.json.
//
// Unknown keys in a write are dropped; missing keys on read fill from the
// built-in defaults. A corrupted file yields defaults in memory and is
// replaced by the next successful write.
package prefs

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fathomlabs/fathom/pkg/storage"
)

const fileName = "preferences.json"

// Known widget toggles.
var widgetKeys = []string{"progress", "sources", "thoughts", "memory", "cost"}

// Known terminal toggles.
var terminalKeys = []string{"color", "timestamps", "compact", "bell"}

var widgetDefaults = map[string]bool{
	"progress": true,
	"sources":  true,
	"thoughts": true,
	"memory":   false,
	"cost":     false,
}

var terminalDefaults = map[string]bool{
	"color":      true,
	"timestamps": false,
	"compact":    false,
	"bell":       false,
}

// Preferences is the full preference document.
type Preferences struct {
	Widgets   map[string]bool `json:"widgets"`
	Terminal  map[string]bool `json:"terminal"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
}

// Defaults returns a fresh copy of the built-in preference set.
func Defaults() Preferences {
	return Preferences{
		Widgets:  copyMap(widgetDefaults),
		Terminal: copyMap(terminalDefaults),
	}
}

func copyMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func knownWidget(key string) bool {
	_, ok := widgetDefaults[key]
	return ok
}

func knownTerminal(key string) bool {
	_, ok := terminalDefaults[key]
	return ok
}

// Keys lists the known keys per section, sorted, for help output.
func Keys() (widgets, terminal []string) {
	widgets = append([]string(nil), widgetKeys...)
	terminal = append([]string(nil), terminalKeys...)
	sort.Strings(widgets)
	sort.Strings(terminal)
	return widgets, terminal
}

// Store reads and writes preferences.json.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	cached *Preferences
}

// NewStore creates a preferences store rooted at the storage directory.
func NewStore(storageDir string, logger *slog.Logger) *Store {
	return &Store{path: storageDir + "/" + fileName, logger: logger}
}

// Read returns the current preferences with missing keys filled from
// defaults. Parse failures degrade to in-memory defaults.
func (s *Store) Read() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() Preferences {
	if s.cached != nil {
		return clone(*s.cached)
	}

	var doc Preferences
	err := storage.ReadJSON(s.path, &doc)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		doc = Preferences{}
	default:
		s.logger.Warn("preferences.json unreadable, using defaults", "error", err)
		doc = Preferences{}
	}

	merged := Defaults()
	for k, v := range doc.Widgets {
		if knownWidget(k) {
			merged.Widgets[k] = v
		}
	}
	for k, v := range doc.Terminal {
		if knownTerminal(k) {
			merged.Terminal[k] = v
		}
	}
	merged.UpdatedAt = doc.UpdatedAt

	s.cached = &merged
	return clone(merged)
}

// Update applies a patch of known keys and persists the result. Unknown
// keys are dropped with a warning. The patch maps use the section-
// qualified form "widgets.NAME" / "terminal.NAME", or a bare widget name.
func (s *Store) Update(patch map[string]bool) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.readLocked()

	for key, val := range patch {
		section, name := splitKey(key)
		switch {
		case section == "widgets" && knownWidget(name):
			current.Widgets[name] = val
		case section == "terminal" && knownTerminal(name):
			current.Terminal[name] = val
		case section == "" && knownWidget(name):
			current.Widgets[name] = val
		case section == "" && knownTerminal(name):
			current.Terminal[name] = val
		default:
			s.logger.Warn("dropping unknown preference key", "key", key)
		}
	}

	now := time.Now().UTC()
	current.UpdatedAt = &now

	if err := storage.WriteJSON(s.path, &current); err != nil {
		return Preferences{}, fmt.Errorf("persist preferences: %w", err)
	}

	s.cached = &current
	return clone(current), nil
}

func splitKey(key string) (section, name string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}

func clone(p Preferences) Preferences {
	out := Preferences{
		Widgets:  copyMap(p.Widgets),
		Terminal: copyMap(p.Terminal),
	}
	if p.UpdatedAt != nil {
		t := *p.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}
