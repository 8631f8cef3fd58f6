// Package ratelimit provides the per-provider request pacing used by the
// search and LLM clients. Limiters are per-process: one instance guards
// one upstream provider.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Interval is a single-flight limiter: at most one request per interval.
// Callers block in Wait until the next slot opens or their context ends.
type Interval struct {
	mu            sync.Mutex
	interval      time.Duration
	lastRequestAt time.Time
}

// NewInterval creates an interval limiter. interval must be positive.
func NewInterval(interval time.Duration) (*Interval, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", interval)
	}
	return &Interval{interval: interval}, nil
}

// Wait blocks until a request slot is available, then claims it.
// Returns the context error if the wait is cancelled; a cancelled wait
// does not consume the slot.
func (l *Interval) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		next := l.lastRequestAt.Add(l.interval)
		if !now.Before(next) {
			l.lastRequestAt = now
			l.mu.Unlock()
			return nil
		}
		wait := next.Sub(now)
		l.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reserve reports how long a caller arriving now would wait. It does not
// claim a slot; use Wait for that.
func (l *Interval) Reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	wait := time.Until(l.lastRequestAt.Add(l.interval))
	if wait < 0 {
		return 0
	}
	return wait
}

// Reset clears the limiter state. Intended for tests.
func (l *Interval) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastRequestAt = time.Time{}
}
