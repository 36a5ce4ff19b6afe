package model

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a job ID. IDs from one process sort by creation time.
func NewID() string {
	return ulid.Make().String()
}

// Job status constants.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStalled   = "stalled"
)

// Terminal event names fired when a job's active period ends.
const (
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventStalled   = "stalled"
	EventRemoved   = "removed"
)

// Handler kinds.
const (
	HandlerInline = "inline"
	HandlerFile   = "file"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusWaiting: {
		StatusActive: true,
	},
	StatusActive: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusStalled:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final job status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusStalled
}

// Job is a unit of work processed by a named handler.
type Job struct {
	ID         string          `json:"id"`
	Handler    string          `json:"handler"`
	Data       json.RawMessage `json:"data,omitempty"`
	Status     string          `json:"status"`
	Progress   json.RawMessage `json:"progress,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Attempt    int             `json:"attempt"`
	Discarded  bool            `json:"discarded,omitempty"`
	DurationMS *int            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// ProgressEntry is one persisted progress value reported during an attempt.
type ProgressEntry struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"`
	Attempt   int             `json:"attempt"`
	Seq       int             `json:"seq"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
}

// HandlerInfo describes a registered handler.
type HandlerInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
}
