package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/seantiz/kiln/internal/model"
)

var (
	// ErrInvalidTransition is returned when a job status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNoJob is returned by ClaimNextJob when no waiting job matches.
	ErrNoJob = errors.New("no waiting job")
)

// JobFilter narrows ListJobs. Empty fields match everything.
type JobFilter struct {
	Status  string
	Handler string
	Limit   int
	Offset  int
}

// JobStats holds aggregate job statistics.
type JobStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByHandler map[string]int `json:"count_by_handler"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for jobs.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, int, error)
	// ClaimNextJob atomically moves the oldest waiting job for one of the
	// given handlers to active and increments its attempt counter.
	ClaimNextJob(ctx context.Context, handlers []string) (*model.Job, error)
	UpdateJobProgress(ctx context.Context, id string, value json.RawMessage) error
	// FinishJob records the terminal status, result and error of an active job.
	FinishJob(ctx context.Context, j *model.Job) error
	// MarkStalled moves every active job to stalled and returns their IDs.
	MarkStalled(ctx context.Context) ([]string, error)
	DeleteJob(ctx context.Context, id string) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	InsertProgress(ctx context.Context, jobID string, attempt, seq int, value json.RawMessage) error
	GetProgress(ctx context.Context, jobID string) ([]model.ProgressEntry, error)
	Ping(ctx context.Context) error
	Close() error
}
