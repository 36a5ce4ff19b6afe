package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/seantiz/kiln/internal/sandbox"
)

// inlineExecution runs an InlineFunc in the coordinator process. Cancelling
// it stops waiting for the function and discards the attempt; the function
// itself only stops if it honors its context.
type inlineExecution struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	result json.RawMessage
	err    error
}

type inlineResult struct {
	value any
	err   error
}

func startInline(ctx context.Context, fn InlineFunc, job sandbox.Job, logger *slog.Logger) *inlineExecution {
	ctx, cancel := context.WithCancelCause(ctx)
	x := &inlineExecution{ctx: ctx, cancel: cancel, done: make(chan struct{})}

	p := job.Payload()
	jc := &JobContext{
		ID:       p.ID,
		Handler:  p.Name,
		Data:     p.Data,
		Attempt:  p.Attempt,
		progress: job.Progress,
	}
	go x.run(fn, jc, job, logger.With("job_id", p.ID, "handler", p.Name))
	return x
}

func (x *inlineExecution) run(fn InlineFunc, jc *JobContext, job sandbox.Job, logger *slog.Logger) {
	defer close(x.done)
	defer x.cancel(nil)

	results := make(chan inlineResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- inlineResult{err: &sandbox.HandlerError{
					Kind:    "panic",
					Message: fmt.Sprint(r),
					Stack:   string(debug.Stack()),
				}}
			}
		}()
		v, err := fn(x.ctx, jc)
		results <- inlineResult{value: v, err: err}
	}()

	select {
	case res := <-results:
		if x.ctx.Err() != nil {
			x.cancelled(job, logger)
			return
		}
		if res.err != nil {
			x.err = inlineError(res.err)
			return
		}
		data, err := json.Marshal(res.value)
		if err != nil {
			x.err = fmt.Errorf("marshal inline result: %w", err)
			return
		}
		x.result = data
	case <-x.ctx.Done():
		x.cancelled(job, logger)
	}
}

func (x *inlineExecution) cancelled(job sandbox.Job, logger *slog.Logger) {
	job.Discard()
	x.err = sandbox.ErrCancelled
	logger.Info("inline execution cancelled")
}

// inlineError gives a plain error returned by an inline handler the same
// shape as one reported by a handler program.
func inlineError(err error) error {
	var herr *sandbox.HandlerError
	if errors.As(err, &herr) {
		return herr
	}
	return &sandbox.HandlerError{Kind: "Error", Message: err.Error()}
}

func (x *inlineExecution) Cancel() { x.cancel(sandbox.ErrCancelled) }

func (x *inlineExecution) Done() <-chan struct{} { return x.done }

func (x *inlineExecution) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-x.done:
		return x.result, x.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
