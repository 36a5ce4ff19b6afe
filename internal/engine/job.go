package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

var (
	// ErrJobFailed is returned by Finished when the job ended in failure.
	ErrJobFailed = errors.New("job failed")
	// ErrJobStalled is returned by Finished when the job was left active by a previous process.
	ErrJobStalled = errors.New("job stalled")
	// ErrJobRemoved is returned by Finished when the job no longer exists.
	ErrJobRemoved = errors.New("job removed")
)

// Job is the engine's view of one queued job.
type Job interface {
	ID() string
	// IsActive reports whether the job currently has an execution.
	IsActive(ctx context.Context) (bool, error)
	// Progress records a progress value for the current attempt.
	Progress(ctx context.Context, value any) error
	// Discard marks the current attempt so its result is not kept.
	Discard()
	// Finished blocks until the job reaches a terminal status. It returns nil
	// for completed jobs and an error describing any other outcome.
	Finished(ctx context.Context) error
	// Remove deletes the job and everything recorded for it.
	Remove(ctx context.Context) error
}

type baseJob struct {
	e  *Engine
	id string
}

var _ Job = (*baseJob)(nil)

func (j *baseJob) ID() string { return j.id }

func (j *baseJob) IsActive(ctx context.Context) (bool, error) {
	if _, ok := j.e.active.Get(j.id); ok {
		return true, nil
	}
	job, err := j.e.store.GetJob(ctx, j.id)
	if err != nil {
		return false, err
	}
	return job.Status == model.StatusActive, nil
}

func (j *baseJob) Progress(ctx context.Context, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if r := j.e.lookupRun(j.id); r != nil {
		return j.e.recordProgress(ctx, r, data)
	}
	if err := j.e.store.UpdateJobProgress(ctx, j.id, data); err != nil {
		return err
	}
	j.e.broker.Publish(j.id, data)
	return nil
}

func (j *baseJob) Discard() {
	if r := j.e.lookupRun(j.id); r != nil {
		r.discarded.Store(true)
	}
}

func (j *baseJob) Finished(ctx context.Context) error {
	return j.e.waitFinished(ctx, j.id)
}

// Remove deletes the job without stopping an execution that may still be
// running for it. Use CancellableJob.Remove to stop it first. A running
// attempt stays registered and fires the removed event itself once it ends.
func (j *baseJob) Remove(ctx context.Context) error {
	var err error
	j.e.active.Claiming(func() {
		err = j.e.store.DeleteJob(ctx, j.id)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("remove job %s: %w", j.id, err)
	}
	j.e.logger.Info("job removed", "job_id", j.id)

	if j.e.lookupRun(j.id) != nil {
		return nil
	}
	j.e.terminate(j.id, model.EventRemoved)
	return nil
}

// CancellableJob decorates a Job so an in-flight execution can be stopped,
// and so removal always stops it first.
type CancellableJob struct {
	Job
	registry *Registry
}

// NewCancellableJob wraps job, looking up its execution in registry.
func NewCancellableJob(job Job, registry *Registry) *CancellableJob {
	return &CancellableJob{Job: job, registry: registry}
}

// Cancel stops the job's execution and waits until the job has reached a
// terminal status. It is a no-op for a job that is not active. The outcome
// of the stopped job is not reported; only a done ctx produces an error.
func (j *CancellableJob) Cancel(ctx context.Context) error {
	h, ok := j.registry.Lookup(j.ID())
	if !ok {
		return nil
	}
	h.Cancel()

	if err := j.Finished(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Remove cancels the job, then deletes it. A job claimed after the first
// cancel is still running once the row is gone, so it is cancelled again.
func (j *CancellableJob) Remove(ctx context.Context) error {
	if err := j.Cancel(ctx); err != nil {
		return err
	}
	if err := j.Job.Remove(ctx); err != nil {
		return err
	}
	return j.Cancel(ctx)
}
