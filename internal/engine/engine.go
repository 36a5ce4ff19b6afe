package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/sandbox"
	"github.com/seantiz/kiln/internal/store"
)

// Defaults applied to zero Options fields.
const (
	DefaultConcurrency  = 4
	DefaultPollInterval = time.Second
)

// Error kinds recorded on failed jobs in addition to handler-reported kinds.
const (
	KindCancelled      = "cancelled"
	KindUnexpectedExit = "unexpected_exit"
	KindSpawn          = "spawn"
	KindTimeout        = "timeout"
	KindError          = "error"
)

// Options tunes the dispatch loop.
type Options struct {
	// Concurrency is the maximum number of jobs executing at once.
	Concurrency int
	// PollInterval is how often the store is checked for waiting jobs when
	// nothing else wakes the dispatcher.
	PollInterval time.Duration
	// JobTimeout cancels an execution that runs longer. Zero disables it.
	JobTimeout time.Duration
}

// Engine claims waiting jobs and runs them through their handlers.
type Engine struct {
	store    store.Store
	pool     *sandbox.Pool
	handlers *Handlers
	active   *Registry
	broker   *ProgressBroker
	logger   *slog.Logger
	opts     Options

	wg    sync.WaitGroup
	slots chan struct{}
	wake  chan struct{}

	// execCtx parents every execution; stopExec cancels them all on shutdown.
	execCtx  context.Context
	stopExec context.CancelFunc
	closing  atomic.Bool

	mu      sync.Mutex
	runs    map[string]*run
	waiters map[string][]chan struct{}
}

// run is the engine's bookkeeping for one attempt of one job.
type run struct {
	job       *model.Job
	handle    Handle
	start     time.Time
	seq       atomic.Int32
	discarded atomic.Bool
	timedOut  atomic.Bool
}

// NewEngine creates an engine. The pool is owned by the engine from here on
// and is closed by Shutdown.
func NewEngine(s store.Store, pool *sandbox.Pool, handlers *Handlers, logger *slog.Logger, opts Options) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	execCtx, stopExec := context.WithCancel(context.Background())
	return &Engine{
		store:    s,
		pool:     pool,
		handlers: handlers,
		active:   NewRegistry(),
		broker:   NewProgressBroker(),
		logger:   logger,
		opts:     opts,
		slots:    make(chan struct{}, opts.Concurrency),
		wake:     make(chan struct{}, 1),
		execCtx:  execCtx,
		stopExec: stopExec,
		runs:     make(map[string]*run),
		waiters:  make(map[string][]chan struct{}),
	}
}

// Broker returns the engine's progress broker for SSE subscription.
func (e *Engine) Broker() *ProgressBroker { return e.broker }

// Handlers returns the registered handlers.
func (e *Engine) Handlers() *Handlers { return e.handlers }

// Pool returns the worker pool.
func (e *Engine) Pool() *sandbox.Pool { return e.pool }

// Active returns the registry of in-flight executions.
func (e *Engine) Active() *Registry { return e.active }

// Enqueue adds a waiting job for the named handler.
func (e *Engine) Enqueue(ctx context.Context, handler string, data json.RawMessage) (*model.Job, error) {
	if _, ok := e.handlers.Get(handler); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, handler)
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	j := &model.Job{
		ID:        model.NewID(),
		Handler:   handler,
		Data:      data,
		Status:    model.StatusWaiting,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	jobsEnqueued.WithLabelValues(handler).Inc()
	e.logger.Info("job enqueued", "job_id", j.ID, "handler", handler)
	e.nudge()
	return j, nil
}

// Job returns the cancellable job with the given id, or store.ErrNotFound.
func (e *Engine) Job(ctx context.Context, id string) (*CancellableJob, error) {
	if _, err := e.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return NewCancellableJob(&baseJob{e: e, id: id}, e.active), nil
}

// Run recovers jobs stalled by a previous process, then dispatches waiting
// jobs until ctx is done. Executions already started keep running; use
// Shutdown to stop them.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.recoverStalled(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	e.logger.Info("engine started", "concurrency", e.opts.Concurrency, "handlers", e.handlers.Names())
	for {
		e.dispatch(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// Shutdown stops claiming jobs, cancels in-flight executions, waits for their
// outcomes to be recorded and closes the worker pool.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closing.Store(true)
	e.stopExec()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for executions: %w", ctx.Err())
	}

	if err := e.pool.Close(ctx); err != nil {
		return fmt.Errorf("close pool: %w", err)
	}
	e.broker.CloseAll()
	return nil
}

func (e *Engine) nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// recoverStalled fails over jobs a previous process left active.
func (e *Engine) recoverStalled(ctx context.Context) error {
	ids, err := e.store.MarkStalled(ctx)
	if err != nil {
		return fmt.Errorf("mark stalled jobs: %w", err)
	}
	for _, id := range ids {
		e.logger.Warn("job stalled", "job_id", id)
		jobsFinished.WithLabelValues(model.EventStalled).Inc()
		e.terminate(id, model.EventStalled)
	}
	return nil
}

// dispatch claims and activates waiting jobs while execution slots are free.
func (e *Engine) dispatch(ctx context.Context) {
	names := e.handlers.Names()
	for !e.closing.Load() {
		select {
		case e.slots <- struct{}{}:
		default:
			return
		}

		var err error
		e.active.Claiming(func() {
			var j *model.Job
			if j, err = e.store.ClaimNextJob(ctx, names); err == nil {
				e.activate(j)
			}
		})
		if err != nil {
			<-e.slots
			if !errors.Is(err, store.ErrNoJob) && ctx.Err() == nil {
				e.logger.Error("claim job", "error", err)
			}
			return
		}
	}
}

// activate starts the execution for a claimed job and registers its handle.
// The slot taken by dispatch is released when the outcome is recorded.
func (e *Engine) activate(j *model.Job) {
	r := &run{job: j, start: time.Now()}
	logger := e.logger.With("job_id", j.ID, "handler", j.Handler, "attempt", j.Attempt)

	h, ok := e.handlers.Get(j.Handler)
	if !ok {
		r.handle = failedHandle(fmt.Errorf("%w: %s", ErrUnknownHandler, j.Handler))
	} else if h.Func != nil {
		r.handle = startInline(e.execCtx, h.Func, &attemptJob{e: e, r: r}, e.logger)
	} else {
		r.handle = sandbox.Execute(e.execCtx, e.pool, h.Path, &attemptJob{e: e, r: r}, e.logger)
	}

	e.mu.Lock()
	e.runs[j.ID] = r
	e.mu.Unlock()

	if err := e.active.Add(j.ID, r.handle); err != nil {
		logger.Error("register execution", "error", err)
	}
	activeJobs.Set(float64(e.active.Len()))
	logger.Info("job active")

	e.wg.Go(func() {
		defer func() {
			<-e.slots
			e.nudge()
		}()
		e.await(r)
	})
}

func (e *Engine) await(r *run) {
	if e.opts.JobTimeout > 0 {
		timer := time.AfterFunc(e.opts.JobTimeout, func() {
			r.timedOut.Store(true)
			r.handle.Cancel()
		})
		defer timer.Stop()
	}

	<-r.handle.Done()
	value, err := r.handle.Wait(context.Background())
	e.finish(r, value, err)
}

// finish records the outcome of an attempt and fires its terminal event.
func (e *Engine) finish(r *run, value json.RawMessage, execErr error) {
	id := r.job.ID
	logger := e.logger.With("job_id", id, "handler", r.job.Handler)

	now := time.Now().UTC()
	dur := int(now.Sub(r.start).Milliseconds())
	out := &model.Job{
		ID:         id,
		Status:     model.StatusCompleted,
		Result:     value,
		Discarded:  r.discarded.Load(),
		DurationMS: &dur,
		FinishedAt: &now,
	}
	event := model.EventCompleted

	if execErr != nil {
		out.Status = model.StatusFailed
		out.Result = nil
		out.Error, out.ErrorKind = e.describe(r, execErr)
		event = model.EventFailed
	}

	err := e.store.FinishJob(context.Background(), out)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Info("job removed while running")
		event = model.EventRemoved
	case err != nil:
		logger.Error("record job outcome", "error", err)
	case execErr != nil:
		logger.Info("job failed", "error", out.Error, "error_kind", out.ErrorKind, "duration_ms", dur)
	default:
		logger.Info("job completed", "duration_ms", dur)
	}

	jobDuration.WithLabelValues(r.job.Handler).Observe(time.Since(r.start).Seconds())
	e.terminate(id, event)
}

// describe returns the message and kind recorded for a failed attempt.
func (e *Engine) describe(r *run, err error) (string, string) {
	var (
		herr    *sandbox.HandlerError
		exitErr *sandbox.UnexpectedExitError
	)
	switch {
	case errors.Is(err, sandbox.ErrCancelled) && r.timedOut.Load():
		return fmt.Sprintf("job timed out after %s", e.opts.JobTimeout), KindTimeout
	case errors.Is(err, sandbox.ErrCancelled):
		return err.Error(), KindCancelled
	case errors.As(err, &exitErr):
		return err.Error(), KindUnexpectedExit
	case errors.As(err, &herr):
		return herr.Message, herr.Kind
	case errors.Is(err, sandbox.ErrSpawn):
		return err.Error(), KindSpawn
	default:
		return err.Error(), KindError
	}
}

// terminate ends the active period of a job. It runs for each of the terminal
// events and is a no-op for parts already torn down, so it is safe to call
// more than once for the same job.
func (e *Engine) terminate(id, event string) {
	// The registry entry goes in the same critical section as the run, so
	// waitFinished never sees the run gone while the entry remains.
	e.mu.Lock()
	delete(e.runs, id)
	deleted := e.active.Delete(id)
	waiters := e.waiters[id]
	delete(e.waiters, id)
	e.mu.Unlock()

	if deleted {
		jobsFinished.WithLabelValues(event).Inc()
		activeJobs.Set(float64(e.active.Len()))
	}
	for _, ch := range waiters {
		close(ch)
	}

	if event == model.EventRemoved {
		e.broker.Forget(id)
		return
	}
	e.broker.Close(id)
}

func (e *Engine) lookupRun(id string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

// waitFinished blocks until the job reaches a terminal status.
func (e *Engine) waitFinished(ctx context.Context, id string) error {
	for {
		e.mu.Lock()
		var ch chan struct{}
		if _, ok := e.runs[id]; ok {
			ch = make(chan struct{})
			e.waiters[id] = append(e.waiters[id], ch)
		}
		e.mu.Unlock()

		if ch != nil {
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		j, err := e.store.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobRemoved, id)
		}
		if err != nil {
			return err
		}
		switch j.Status {
		case model.StatusCompleted:
			return nil
		case model.StatusFailed:
			return fmt.Errorf("%w: %s", ErrJobFailed, j.Error)
		case model.StatusStalled:
			return fmt.Errorf("%w: %s", ErrJobStalled, id)
		}

		// Waiting, or claimed but not yet activated.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.opts.PollInterval):
		}
	}
}

func (e *Engine) recordProgress(ctx context.Context, r *run, value json.RawMessage) error {
	id := r.job.ID
	seq := int(r.seq.Add(1) - 1)
	if err := e.store.UpdateJobProgress(ctx, id, value); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if err := e.store.InsertProgress(ctx, id, r.job.Attempt, seq, value); err != nil {
		e.logger.Error("failed to persist progress", "job_id", id, "seq", seq, "error", err)
	}
	e.broker.Publish(id, value)
	return nil
}

// attemptJob is the view of a running attempt handed to an execution.
type attemptJob struct {
	e *Engine
	r *run
}

var _ sandbox.Job = (*attemptJob)(nil)

func (a *attemptJob) Payload() sandbox.JobPayload {
	return sandbox.JobPayload{
		ID:      a.r.job.ID,
		Name:    a.r.job.Handler,
		Data:    a.r.job.Data,
		Attempt: a.r.job.Attempt,
	}
}

func (a *attemptJob) Progress(ctx context.Context, value json.RawMessage) error {
	return a.e.recordProgress(ctx, a.r, value)
}

func (a *attemptJob) Discard() { a.r.discarded.Store(true) }

// settledHandle is an execution that failed before it could start.
type settledHandle struct {
	done chan struct{}
	err  error
}

func failedHandle(err error) *settledHandle {
	h := &settledHandle{done: make(chan struct{}), err: err}
	close(h.done)
	return h
}

func (h *settledHandle) Cancel() {}

func (h *settledHandle) Done() <-chan struct{} { return h.done }

func (h *settledHandle) Wait(context.Context) (json.RawMessage, error) { return nil, h.err }
