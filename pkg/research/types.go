// Package research implements the deep-research orchestrator: a bounded
// depth/breadth tree of search, extraction, and recursion steps that
// aggregates unique learnings and sources into a final report.
package research

import (
	"time"

	"github.com/fathomlabs/fathom/pkg/telemetry"
)

// Depth and breadth bounds; requests outside are clamped.
const (
	MinDepth   = 1
	MaxDepth   = 6
	MinBreadth = 1
	MaxBreadth = 6
)

// Visibility of a run's result snapshot.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Query is one unit of search work. Variations is a non-empty ordered
// list of reformulations used to diversify search. Immutable once built.
type Query struct {
	Original   string
	Variations []string
	Metadata   map[string]any
}

// Learning is a distilled factual statement with follow-up questions and
// source citations. Immutable.
type Learning struct {
	Text       string   `json:"text"`
	FollowUps  []string `json:"followUps"`
	SourceURLs []string `json:"sourceUrls"`
}

// Result is the final output of a run. Learnings are unique by
// case-folded trimmed text; Sources hold deduplicated URLs in first-
// appearance order.
type Result struct {
	Learnings         []Learning `json:"learnings"`
	Sources           []string   `json:"sources"`
	Summary           string     `json:"summary"`
	SuggestedFilename string     `json:"suggestedFilename"`
	LearningCount     int        `json:"learningCount"`
	SourceCount       int        `json:"sourceCount"`
	Success           bool       `json:"success"`
	Error             string     `json:"error,omitempty"`

	// Duration is the wall-clock run time; DurationMs mirrors it in
	// milliseconds for wire consumers.
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"durationMs"`
}

// Request describes one research run.
type Request struct {
	Topic      string
	Depth      int
	Breadth    int
	Visibility Visibility

	// OverrideQueries short-circuits initial query generation. When
	// supplied it must be non-empty.
	OverrideQueries []string

	Telemetry telemetry.Telemetry
	User      string
}

// Status of a run in the registry.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

