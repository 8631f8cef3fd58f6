package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns one layer of one user's memory. All operations acquire
// the manager-local lock; callers receive value copies, never references
// into the store.
type Manager struct {
	user   string
	layer  Layer
	remote RemoteSync // nil when sync is disabled

	mu      sync.Mutex
	records []Record
	stats   LayerStats

	// fellBack is set after a remote sync attempt failed; stats then
	// report local-fallback mode.
	fellBack bool
}

func newManager(user string, layer Layer, remote RemoteSync) *Manager {
	return &Manager{
		user:   user,
		layer:  layer,
		remote: remote,
	}
}

// add appends a record and updates counters. The record must already be
// validated and enriched.
func (m *Manager) add(ctx context.Context, rec Record) (Record, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, rec)
	m.stats.Stored++
	if m.layer == LayerWorking {
		m.stats.EphemeralCount++
	}

	var commitRef string
	if m.remote != nil && !m.fellBack {
		ref, err := m.remote.Push(ctx, m.user, rec)
		if err != nil {
			m.fellBack = true
		} else {
			commitRef = ref
		}
	}
	return rec, commitRef
}

// recall returns up to limit records scored against the query.
// Score = 0.6*tag_overlap + 0.4*substring_match; ties break by recency.
func (m *Manager) recall(query string, limit int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	queryTags := tokenize(query)
	queryLower := strings.ToLower(query)

	scored := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		score := scoreRecord(rec, queryTags, queryLower)
		if score <= 0 {
			continue
		}
		out := copyRecord(rec)
		out.Score = score
		scored = append(scored, out)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if DepthOf(m.layer) == DepthLong {
			// Long layers favor tag relevance; equal scores keep stored
			// order so older consolidated knowledge surfaces first.
			return scored[i].Timestamp.Before(scored[j].Timestamp)
		}
		return scored[i].Timestamp.After(scored[j].Timestamp)
	})

	if limit <= 0 {
		limit = 10
	}
	if len(scored) > limit {
		scored = scored[:limit]
	}

	m.stats.Retrieved += len(scored)
	return scored
}

// snapshot returns the layer stats by value.
func (m *Manager) snapshot() (LayerStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats, m.fellBack
}

// markSummarized bumps the summarized counter.
func (m *Manager) markSummarized() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Summarized++
}

// applyValidation merges validated tags into a record by ID and bumps
// counters. Content is never touched.
func (m *Manager) applyValidation(id string, tags []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.records {
		if m.records[i].ID != id {
			continue
		}
		m.records[i].Tags = mergeTags(m.records[i].Tags, tags)
		m.stats.Validated++
		m.stats.ValidatedCount++
		return true
	}
	return false
}

// get returns a copy of the record with the given ID.
func (m *Manager) get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == id {
			return copyRecord(m.records[i]), true
		}
	}
	return Record{}, false
}

// size returns the number of records held.
func (m *Manager) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func scoreRecord(rec Record, queryTags map[string]struct{}, queryLower string) float64 {
	tagOverlap := 0.0
	if len(rec.Tags) > 0 && len(queryTags) > 0 {
		matches := 0
		for _, tag := range rec.Tags {
			if _, ok := queryTags[strings.ToLower(tag)]; ok {
				matches++
			}
		}
		tagOverlap = float64(matches) / float64(len(queryTags))
		if tagOverlap > 1 {
			tagOverlap = 1
		}
	}

	substring := 0.0
	contentLower := strings.ToLower(rec.Content)
	if queryLower != "" && (strings.Contains(contentLower, queryLower) || strings.Contains(queryLower, contentLower)) {
		substring = 1.0
	} else {
		// Partial credit for shared words.
		shared := 0
		for tag := range queryTags {
			if strings.Contains(contentLower, tag) {
				shared++
			}
		}
		if len(queryTags) > 0 {
			substring = float64(shared) / float64(len(queryTags))
		}
	}

	return 0.6*tagOverlap + 0.4*substring
}

// tokenize lowercases and splits text into a word set, dropping short
// stop-ish tokens.
func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	}) {
		if len(word) < 3 {
			continue
		}
		out[word] = struct{}{}
	}
	return out
}

func mergeTags(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, t := range existing {
		lt := strings.ToLower(strings.TrimSpace(t))
		if lt == "" {
			continue
		}
		if _, ok := seen[lt]; !ok {
			seen[lt] = struct{}{}
			out = append(out, lt)
		}
	}
	for _, t := range incoming {
		lt := strings.ToLower(strings.TrimSpace(t))
		if lt == "" {
			continue
		}
		if _, ok := seen[lt]; !ok {
			seen[lt] = struct{}{}
			out = append(out, lt)
		}
	}
	return out
}

func copyRecord(rec Record) Record {
	out := rec
	out.Tags = append([]string(nil), rec.Tags...)
	if rec.Metadata != nil {
		out.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func newRecord(layer Layer, req StoreRequest) Record {
	role := req.Role
	if role == "" {
		role = RoleUser
	}
	return Record{
		ID:        uuid.NewString(),
		Layer:     layer,
		Role:      role,
		Content:   req.Content,
		Tags:      mergeTags(nil, req.Tags),
		Metadata:  copyMetadata(req.Metadata),
		Source:    req.Source,
		Timestamp: time.Now().UTC(),
	}
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
