package research

import (
	"sync"
	"time"
)

// RunSnapshot is a read-only view of a run for the public listing.
// Private runs expose only their existence and status.
type RunSnapshot struct {
	ID          string     `json:"id"`
	Topic       string     `json:"topic,omitempty"`
	Visibility  Visibility `json:"visibility"`
	Status      Status     `json:"status"`
	Depth       int        `json:"depth"`
	Breadth     int        `json:"breadth"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt time.Time  `json:"completedAt,omitzero"`

	LearningCount int    `json:"learningCount"`
	SourceCount   int    `json:"sourceCount"`
	Error         string `json:"error,omitempty"`
}

// Registry tracks run lifecycles for the process. Entries are retained
// until Prune trims them; the dashboard surface reads snapshots only.
type Registry struct {
	mu    sync.RWMutex
	runs  map[string]*RunSnapshot
	order []string
}

// NewRegistry creates an empty run registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*RunSnapshot)}
}

func (r *Registry) begin(id, topic string, vis Visibility, depth, breadth int) {
	if vis == "" {
		vis = VisibilityPrivate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[id] = &RunSnapshot{
		ID:         id,
		Topic:      topic,
		Visibility: vis,
		Status:     StatusRunning,
		Depth:      depth,
		Breadth:    breadth,
		StartedAt:  time.Now().UTC(),
	}
	r.order = append(r.order, id)
}

func (r *Registry) finish(id string, result *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return
	}
	run.CompletedAt = time.Now().UTC()
	run.LearningCount = result.LearningCount
	run.SourceCount = result.SourceCount
	if result.Success {
		run.Status = StatusCompleted
	} else {
		run.Status = StatusFailed
		run.Error = result.Error
	}
}

// Get returns the snapshot for a run ID.
func (r *Registry) Get(id string) (RunSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return RunSnapshot{}, false
	}
	return redact(*run), true
}

// List returns snapshots in start order, oldest first. Private run topics
// are redacted.
func (r *Registry) List() []RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RunSnapshot, 0, len(r.order))
	for _, id := range r.order {
		if run, ok := r.runs[id]; ok {
			out = append(out, redact(*run))
		}
	}
	return out
}

// Prune drops completed runs older than the cutoff.
func (r *Registry) Prune(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	dropped := 0
	for _, id := range r.order {
		run, ok := r.runs[id]
		if !ok {
			continue
		}
		if run.Status != StatusRunning && !run.CompletedAt.IsZero() && run.CompletedAt.Before(cutoff) {
			delete(r.runs, id)
			dropped++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return dropped
}

func redact(run RunSnapshot) RunSnapshot {
	if run.Visibility != VisibilityPublic {
		run.Topic = ""
	}
	return run
}
