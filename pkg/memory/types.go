// Package memory implements the layered per-user memory store used by
// chat and research: working (short), episodic (medium), and semantic
// (long) layers with enrichment, scored recall, and summarization.
package memory

import (
	"errors"
	"fmt"
	"time"
)

// Layer identifies a memory layer.
type Layer string

const (
	LayerWorking  Layer = "working"
	LayerEpisodic Layer = "episodic"
	LayerSemantic Layer = "semantic"
)

// Depth maps a layer to its retrieval horizon: short layers prefer
// recency, long layers prefer tag match.
type Depth string

const (
	DepthShort  Depth = "short"
	DepthMedium Depth = "medium"
	DepthLong   Depth = "long"
)

// DepthOf returns the retrieval depth for a layer.
func DepthOf(layer Layer) Depth {
	switch layer {
	case LayerWorking:
		return DepthShort
	case LayerEpisodic:
		return DepthMedium
	case LayerSemantic:
		return DepthLong
	default:
		return DepthShort
	}
}

// ValidLayer reports whether the layer is one of the three known layers.
func ValidLayer(layer Layer) bool {
	switch layer {
	case LayerWorking, LayerEpisodic, LayerSemantic:
		return true
	}
	return false
}

// Role identifies the author of a memory record.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Record is one stored memory. Content is immutable after store; tags
// and metadata may grow through enrichment and validation passes.
type Record struct {
	ID        string            `json:"id"`
	Layer     Layer             `json:"layer"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Tags      []string          `json:"tags"`
	Metadata  map[string]string `json:"metadata"`
	Source    string            `json:"source,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Score     float64           `json:"score,omitempty"`
}

// LayerStats are per-layer counters.
type LayerStats struct {
	Stored         int `json:"stored"`
	Retrieved      int `json:"retrieved"`
	Validated      int `json:"validated"`
	Summarized     int `json:"summarized"`
	EphemeralCount int `json:"ephemeralCount"`
	ValidatedCount int `json:"validatedCount"`
}

// Stats aggregates layer counters plus subsystem mode.
type Stats struct {
	Layers map[Layer]LayerStats `json:"layers"`
	Totals LayerStats           `json:"totals"`

	// Mode is "local", "remote", or "local-fallback" when remote sync is
	// configured but unreachable.
	Mode string `json:"mode"`
}

// ErrUserRequired is returned when the calling context has no user.
var ErrUserRequired = errors.New("memory: user context required")

// ValidationError reports an invalid store or recall argument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("memory: invalid %s: %s", e.Field, e.Reason)
}

// Context carries per-call user identity and sync preference.
type Context struct {
	User       string
	SyncRemote bool
}

// StoreRequest are the arguments to Store.
type StoreRequest struct {
	Content  string
	Role     Role
	Layer    Layer
	Source   string
	Tags     []string
	Metadata map[string]string
}

// RecallRequest are the arguments to Recall.
type RecallRequest struct {
	Query        string
	Layer        Layer // empty means all layers
	Limit        int   // per layer; defaults to 10
	IncludeShort bool
	IncludeLong  bool
	IncludeMeta  bool
}

// SummarizeRequest are the arguments to Summarize.
type SummarizeRequest struct {
	ConversationText string
	Layer            Layer // defaults to episodic
}

// SummarizeResult reports the outcome of a summarize call. LLM failures
// degrade to Success=false rather than an error.
type SummarizeResult struct {
	Success bool    `json:"success"`
	Record  *Record `json:"record,omitempty"`
	Reason  string  `json:"reason,omitempty"`

	// CommitRef is set when remote sync acknowledged the summary.
	CommitRef string `json:"commitRef,omitempty"`
}
