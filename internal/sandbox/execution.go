package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// exitGracePeriod is how long a worker that refused its start frame is given
// to finish exiting.
const exitGracePeriod = 200 * time.Millisecond

// Phase is the lifecycle phase of an Execution.
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseCancelling
	PhaseSettled
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseCancelling:
		return "cancelling"
	case PhaseSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Job is the view of a queued job an Execution needs.
type Job interface {
	Payload() JobPayload
	// Progress records a progress value reported by the handler.
	Progress(ctx context.Context, value json.RawMessage) error
	// Discard marks the current attempt so its outcome is not persisted as a result.
	Discard()
}

// Execution runs one job on one retained worker. It is created by Execute and
// driven by its own goroutine, which is the only writer of its phase.
type Execution struct {
	id     string
	path   string
	job    Job
	pool   *Pool
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu     sync.Mutex
	phase  Phase
	worker *Worker

	result json.RawMessage
	err    error
}

// Execute starts running job on a worker for the handler program at path and
// returns immediately. Cancelling ctx has the same effect as Cancel.
func Execute(ctx context.Context, pool *Pool, path string, job Job, logger *slog.Logger) *Execution {
	id := uuid.NewString()
	ctx, cancel := context.WithCancelCause(ctx)
	e := &Execution{
		id:     id,
		path:   path,
		job:    job,
		pool:   pool,
		logger: logger.With("job_id", job.Payload().ID, "exec_id", id),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// ID returns the execution token sent to the worker.
func (e *Execution) ID() string { return e.id }

// Done is closed once the execution has settled.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Phase returns the current phase.
func (e *Execution) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Worker returns the worker assigned to the execution, or nil before one is retained.
func (e *Execution) Worker() *Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.worker
}

// Wait blocks until the execution settles or ctx ends and returns the
// handler's result or the terminal error.
func (e *Execution) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation. It does not wait for settlement and is a
// no-op once the execution has settled or was already cancelled.
func (e *Execution) Cancel() {
	e.cancel(ErrCancelled)
}

func (e *Execution) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (e *Execution) run() {
	start := time.Now()
	defer close(e.done)
	defer e.cancel(nil)

	w, err := e.pool.Retain(e.ctx, e.path)
	if err != nil {
		if e.ctx.Err() != nil {
			e.job.Discard()
			e.settle(start, nil, ErrCancelled, outcomeCancelled)
			return
		}
		e.settle(start, nil, err, outcomeFailed)
		return
	}

	e.mu.Lock()
	e.worker = w
	e.phase = PhaseRunning
	e.mu.Unlock()
	e.logger.Debug("execution started", "worker_id", w.ID, "pid", w.PID())

	payload := e.job.Payload()
	if err := w.proc.Send(Message{Cmd: CmdStart, ExecID: e.id, Job: &payload}); err != nil {
		err = e.startFailed(w, err)
		e.pool.Remove(w)
		outcome := outcomeFailed
		if errors.Is(err, ErrUnexpectedExit) {
			outcome = outcomeUnexpectedExit
		}
		e.settle(start, nil, err, outcome)
		return
	}

	r := e.exchange(w)

	switch {
	case r.cancelled:
		e.setPhase(PhaseCancelling)
		e.job.Discard()
		e.pool.Remove(w)
		e.settle(start, nil, ErrCancelled, outcomeCancelled)
	case errors.Is(r.err, ErrUnexpectedExit):
		e.pool.Remove(w)
		e.settle(start, nil, r.err, outcomeUnexpectedExit)
	case r.err != nil:
		e.releaseOrRemove(w)
		e.settle(start, nil, r.err, outcomeFailed)
	default:
		e.releaseOrRemove(w)
		e.settle(start, r.value, nil, outcomeCompleted)
	}
}

// startFailed explains a start frame the worker could not take. A reused
// worker may have been exiting when it was retained; its exit is reported
// as such once the process is gone.
func (e *Execution) startFailed(w *Worker, sendErr error) error {
	timer := time.NewTimer(exitGracePeriod)
	defer timer.Stop()
	select {
	case <-w.proc.Exited():
		return &UnexpectedExitError{ExitCode: w.proc.ExitCode()}
	case <-timer.C:
		return fmt.Errorf("send start to worker %s: %w", w.ID, sendErr)
	}
}

// reply is the conclusion of an exchange with a worker.
type reply struct {
	value     json.RawMessage
	err       error
	cancelled bool
}

// exchange processes the worker's replies until a terminal message, the
// worker's exit, or cancellation. Returning stops listening.
func (e *Execution) exchange(w *Worker) reply {
	msgs := w.proc.Messages()
	for {
		select {
		case <-e.ctx.Done():
			return reply{cancelled: true}

		case m, ok := <-msgs:
			if !ok {
				// Output ended; the exit notification follows.
				msgs = nil
				continue
			}
			if r, terminal := e.handle(m); terminal {
				return r
			}

		case <-w.proc.Exited():
			if msgs != nil {
				for m := range msgs {
					if r, terminal := e.handle(m); terminal {
						return r
					}
				}
			}
			return reply{err: &UnexpectedExitError{ExitCode: w.proc.ExitCode()}}
		}
	}
}

// handle applies one worker message and reports whether it was terminal.
func (e *Execution) handle(m Message) (reply, bool) {
	if m.ExecID != e.id {
		e.logger.Debug("ignoring stale worker message", "cmd", m.Cmd, "msg_exec_id", m.ExecID)
		return reply{}, false
	}

	switch m.Cmd {
	case CmdProgress:
		if err := e.job.Progress(context.WithoutCancel(e.ctx), m.Value); err != nil {
			e.logger.Warn("record progress", "error", err)
		}
		return reply{}, false
	case CmdCompleted:
		return reply{value: m.Value}, true
	case CmdFailed, CmdError:
		return reply{err: newHandlerError(m.Error)}, true
	default:
		e.logger.Warn("unknown worker message", "cmd", m.Cmd)
		return reply{}, false
	}
}

// releaseOrRemove returns a worker that finished normally to the pool unless
// its process has died in the meantime.
func (e *Execution) releaseOrRemove(w *Worker) {
	if w.Alive() {
		e.pool.Release(w)
		return
	}
	e.pool.Remove(w)
}

func (e *Execution) settle(start time.Time, value json.RawMessage, err error, outcome string) {
	e.result = value
	e.err = err
	e.setPhase(PhaseSettled)

	executionsTotal.WithLabelValues(outcome).Inc()
	executionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.logger.Info("execution settled", "outcome", outcome, "error", err)
		return
	}
	e.logger.Info("execution settled", "outcome", outcome)
}
