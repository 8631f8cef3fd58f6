// Package persona holds the closed catalog of LLM personas and the
// persisted default selection.
//
// The catalog is a built-in immutable table keyed by slug; only the
// default selection is written to disk (persona.json in the storage dir).
package persona

import (
	"fmt"
	"sort"
	"strings"
)

// Persona is a named role/style applied to LLM completions.
type Persona struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// SystemPrompt is the persona preamble prepended to chat completions.
	SystemPrompt string `json:"-"`
}

// ErrUnknownPersona is returned for slugs outside the catalog.
type ErrUnknownPersona struct {
	Slug string
}

func (e *ErrUnknownPersona) Error() string {
	return fmt.Sprintf("unknown persona %q", e.Slug)
}

const DefaultSlug = "scholar"

var catalog = map[string]Persona{
	"scholar": {
		Slug:         "scholar",
		Name:         "Scholar",
		Description:  "Measured, citation-minded research assistant",
		SystemPrompt: "You are a meticulous research assistant. Ground every claim in the provided sources and say so plainly when evidence is thin.",
	},
	"analyst": {
		Slug:         "analyst",
		Name:         "Analyst",
		Description:  "Terse, numbers-first technical analyst",
		SystemPrompt: "You are a technical analyst. Prefer concrete figures, comparisons, and short declarative sentences.",
	},
	"explainer": {
		Slug:         "explainer",
		Name:         "Explainer",
		Description:  "Patient teacher for unfamiliar topics",
		SystemPrompt: "You explain complex topics to a newcomer. Define terms on first use and build up from fundamentals.",
	},
	"skeptic": {
		Slug:         "skeptic",
		Name:         "Skeptic",
		Description:  "Challenges claims and looks for counter-evidence",
		SystemPrompt: "You are a critical reviewer. Probe weak claims, name missing evidence, and propose disconfirming checks.",
	},
}

// Normalize lowercases and trims a slug candidate.
func Normalize(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

// Get returns the persona for a slug, or ErrUnknownPersona.
func Get(slug string) (Persona, error) {
	p, ok := catalog[Normalize(slug)]
	if !ok {
		return Persona{}, &ErrUnknownPersona{Slug: slug}
	}
	return p, nil
}

// Exists reports whether the slug normalizes to a catalog entry.
func Exists(slug string) bool {
	_, ok := catalog[Normalize(slug)]
	return ok
}

// All returns the catalog sorted by slug.
func All() []Persona {
	out := make([]Persona, 0, len(catalog))
	for _, p := range catalog {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}
