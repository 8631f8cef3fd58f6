// Package telemetry defines the outbound event stream emitted by the
// research orchestrator and consumed by sessions and dashboards.
//
// The orchestrator never holds a session reference; it borrows a
// Telemetry for the lifetime of a run and emits through it. Ordering is
// total per run: events arrive on the wire in emission order.
package telemetry

import "time"

// Stage values used in status events.
const (
	StageQueued    = "queued"
	StageRunning   = "running"
	StageWaiting   = "waiting"
	StagePlanning  = "planning"
	StageSearching = "searching"
	StageExtract   = "extracting"
	StageSummary   = "summarizing"
	StageWarning   = "warning"
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageCancelled = "cancelled"
	StageDropped   = "telemetry-dropped"
)

// Progress is an immutable snapshot of run progress. Percent is
// round(completed/total*100) when total > 0, else 0.
type Progress struct {
	CurrentDepth     int `json:"currentDepth"`
	TotalDepth       int `json:"totalDepth"`
	CurrentBreadth   int `json:"currentBreadth"`
	TotalBreadth     int `json:"totalBreadth"`
	TotalQueries     int `json:"totalQueries"`
	CompletedQueries int `json:"completedQueries"`
	Percent          int `json:"percent"`
}

// Status describes a coarse run state transition.
type Status struct {
	Stage   string         `json:"stage"`
	Message string         `json:"message"`
	Detail  string         `json:"detail,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Thought is a free-form reasoning trace line tagged with a stage.
type Thought struct {
	Text  string `json:"text"`
	Stage string `json:"stage"`
}

// Telemetry receives run events. Implementations must be safe for
// concurrent use; the orchestrator may emit from parallel workers.
type Telemetry interface {
	EmitStatus(status Status)
	EmitProgress(progress Progress)
	EmitThought(thought Thought)
	EmitComplete(summary Complete)
}

// Complete is the terminal event of a run.
type Complete struct {
	RunID         string `json:"runId"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	LearningCount int    `json:"learningCount"`
	SourceCount   int    `json:"sourceCount"`

	// Duration is the wall-clock run time; DurationMs mirrors it in
	// milliseconds for wire consumers.
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"durationMs"`
}

// Multi fans emissions out to several sinks in order.
func Multi(sinks ...Telemetry) Telemetry { return multi(sinks) }

type multi []Telemetry

func (m multi) EmitStatus(s Status) {
	for _, t := range m {
		t.EmitStatus(s)
	}
}

func (m multi) EmitProgress(p Progress) {
	for _, t := range m {
		t.EmitProgress(p)
	}
}

func (m multi) EmitThought(th Thought) {
	for _, t := range m {
		t.EmitThought(th)
	}
}

func (m multi) EmitComplete(c Complete) {
	for _, t := range m {
		t.EmitComplete(c)
	}
}

// Nop discards all events.
type Nop struct{}

func (Nop) EmitStatus(Status)     {}
func (Nop) EmitProgress(Progress) {}
func (Nop) EmitThought(Thought)   {}
func (Nop) EmitComplete(Complete) {}

var _ Telemetry = Nop{}
