package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/sandbox"
	"github.com/seantiz/kiln/internal/sandbox/sandboxtest"
	"github.com/seantiz/kiln/internal/store"
)

const waitTimeout = 5 * time.Second

type testEngine struct {
	*engine.Engine
	store    *store.SQLiteStore
	launcher *sandboxtest.Launcher
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// newTestEngine builds an engine with an "add" program handler backed by
// fake worker processes. The engine is not running until start is called.
func newTestEngine(t *testing.T, opts engine.Options, onStart sandboxtest.StartFunc) *testEngine {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	h := engine.NewHandlers(handlerFS(t, "/handlers/add.exe"))
	require.NoError(t, h.SetFile("add", "/handlers/add"))

	l := &sandboxtest.Launcher{OnStart: onStart}
	pool := sandbox.NewPool(l, 0, discardLogger())
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	e := engine.NewEngine(s, pool, h, discardLogger(), opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		assert.NoError(t, e.Shutdown(ctx))
		s.Close()
	})
	return &testEngine{Engine: e, store: s, launcher: l}
}

func (te *testEngine) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- te.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func (te *testEngine) enqueue(t *testing.T, handler string) *engine.CancellableJob {
	t.Helper()
	ctx := context.Background()
	j, err := te.Enqueue(ctx, handler, json.RawMessage(`{"a":2,"b":3}`))
	require.NoError(t, err)
	job, err := te.Job(ctx, j.ID)
	require.NoError(t, err)
	return job
}

func (te *testEngine) waitActive(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := te.Active().Get(id)
		return ok
	}, waitTimeout, 5*time.Millisecond, "job %s never became active", id)
}

// waitStarted waits until the job is active and its worker, the first one
// launched, has received the start frame.
func (te *testEngine) waitStarted(t *testing.T, id string) {
	t.Helper()
	te.waitActive(t, id)
	require.Eventually(t, func() bool {
		procs := te.launcher.Processes()
		return len(procs) > 0 && len(procs[0].Sent()) > 0
	}, waitTimeout, 5*time.Millisecond, "job %s never reached its worker", id)
}

func (te *testEngine) get(t *testing.T, id string) *model.Job {
	t.Helper()
	j, err := te.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func finished(t *testing.T, job engine.Job) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := job.Finished(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "job %s never finished", job.ID())
	return err
}

func addHandler(p *sandboxtest.Process, m sandbox.Message) {
	var in struct{ A, B int }
	_ = json.Unmarshal(m.Job.Data, &in)
	p.Progress(m.ExecID, 50)
	p.Complete(m.ExecID, in.A+in.B)
}

func TestEngineCompletesJob(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, addHandler)
	te.start(t)

	job := te.enqueue(t, "add")
	require.NoError(t, finished(t, job))

	got := te.get(t, job.ID())
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.JSONEq(t, `5`, string(got.Result))
	assert.JSONEq(t, `50`, string(got.Progress))
	assert.Equal(t, 1, got.Attempt)
	assert.False(t, got.Discarded)
	require.NotNil(t, got.DurationMS)

	history, err := te.store.GetProgress(context.Background(), job.ID())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.JSONEq(t, `50`, string(history[0].Value))

	_, ok := te.Active().Get(job.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, te.Pool().Stats().Idle)
}

func TestEngineSequentialJobsReuseWorker(t *testing.T) {
	te := newTestEngine(t, engine.Options{Concurrency: 1}, addHandler)
	te.start(t)

	j4 := te.enqueue(t, "add")
	require.NoError(t, finished(t, j4))
	j5 := te.enqueue(t, "add")
	require.NoError(t, finished(t, j5))

	assert.Equal(t, 1, te.launcher.Launched())
}

func TestEngineCancelActiveJob(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, nil)
	te.start(t)

	job := te.enqueue(t, "add")
	te.waitStarted(t, job.ID())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, job.Cancel(ctx))

	_, ok := te.Active().Get(job.ID())
	assert.False(t, ok)
	assert.True(t, te.launcher.Processes()[0].Killed())
	assert.Equal(t, sandbox.PoolStats{}, te.Pool().Stats())

	got := te.get(t, job.ID())
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, engine.KindCancelled, got.ErrorKind)
	assert.True(t, got.Discarded)
	assert.Empty(t, got.Result)

	// A second cancel finds nothing to do.
	require.NoError(t, job.Cancel(ctx))
	assert.Equal(t, 1, te.launcher.Launched())
}

func TestEngineCancelInactiveJobIsNoop(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, nil)

	job := te.enqueue(t, "add")
	require.NoError(t, job.Cancel(context.Background()))

	assert.Zero(t, te.Active().Len())
	assert.Equal(t, model.StatusWaiting, te.get(t, job.ID()).Status)
	assert.Zero(t, te.launcher.Launched())
}

func TestEngineRemoveActiveJob(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, nil)
	te.start(t)

	job := te.enqueue(t, "add")
	te.waitStarted(t, job.ID())

	require.NoError(t, job.Remove(context.Background()))

	_, err := te.store.GetJob(context.Background(), job.ID())
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, te.launcher.Processes()[0].Killed())
	assert.Zero(t, te.Active().Len())

	err = finished(t, job)
	require.ErrorIs(t, err, engine.ErrJobRemoved)
}

// claimOnRemoveJob runs beforeRemove ahead of the wrapped base removal.
type claimOnRemoveJob struct {
	engine.Job
	beforeRemove func()
}

func (j *claimOnRemoveJob) Remove(ctx context.Context) error {
	j.beforeRemove()
	return j.Job.Remove(ctx)
}

func TestEngineRemoveJobClaimedDuringRemove(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, nil)

	enqueued := te.enqueue(t, "add")
	id := enqueued.ID()

	// The job is still waiting when Remove's cancel looks it up, and is
	// claimed and started before the row is deleted.
	job := engine.NewCancellableJob(&claimOnRemoveJob{
		Job: enqueued.Job,
		beforeRemove: func() {
			te.start(t)
			te.waitStarted(t, id)
		},
	}, te.Active())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, job.Remove(ctx))

	_, err := te.store.GetJob(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, ok := te.Active().Get(id)
	assert.False(t, ok)
	require.Len(t, te.launcher.Processes(), 1)
	assert.True(t, te.launcher.Processes()[0].Killed())
	assert.Equal(t, sandbox.PoolStats{}, te.Pool().Stats())
}

func TestEngineBaseRemoveKeepsRunningJobRegistered(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, nil)
	te.start(t)

	job := te.enqueue(t, "add")
	te.waitStarted(t, job.ID())

	require.NoError(t, job.Job.Remove(context.Background()))

	// The execution is still running, so it must stay cancellable.
	_, ok := te.Active().Get(job.ID())
	require.True(t, ok)
	assert.False(t, te.launcher.Processes()[0].Killed())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, job.Cancel(ctx))
	assert.Zero(t, te.Active().Len())
	assert.True(t, te.launcher.Processes()[0].Killed())
}

func TestEngineCancelRacingCompletionClearsRegistry(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, func(p *sandboxtest.Process, m sandbox.Message) {
		p.Complete(m.ExecID, 1)
	})
	te.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for range 50 {
		job := te.enqueue(t, "add")
		require.Eventually(t, func() bool {
			if _, ok := te.Active().Get(job.ID()); ok {
				return true
			}
			return model.IsTerminal(te.get(t, job.ID()).Status)
		}, waitTimeout, time.Millisecond)

		require.NoError(t, job.Cancel(ctx))
		_, ok := te.Active().Get(job.ID())
		require.False(t, ok, "job %s still registered after cancel", job.ID())
	}
}

func TestEngineWorkerCrash(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, func(p *sandboxtest.Process, _ sandbox.Message) {
		p.Exit(1)
	})
	te.start(t)

	job := te.enqueue(t, "add")
	err := finished(t, job)
	require.ErrorIs(t, err, engine.ErrJobFailed)

	got := te.get(t, job.ID())
	assert.Equal(t, engine.KindUnexpectedExit, got.ErrorKind)
	assert.Equal(t, "unexpected exit code: 1", got.Error)
	assert.Empty(t, te.Pool().Snapshot())
	assert.Zero(t, te.Active().Len())
}

func TestEngineHandlerError(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, func(p *sandboxtest.Process, m sandbox.Message) {
		p.Fail(m.ExecID, "ValidationError", "b must be positive")
	})
	te.start(t)

	job := te.enqueue(t, "add")
	require.ErrorIs(t, finished(t, job), engine.ErrJobFailed)

	got := te.get(t, job.ID())
	assert.Equal(t, "ValidationError", got.ErrorKind)
	assert.Equal(t, "b must be positive", got.Error)
	assert.False(t, got.Discarded)
}

func TestEngineJobTimeout(t *testing.T) {
	te := newTestEngine(t, engine.Options{JobTimeout: 50 * time.Millisecond}, nil)
	te.start(t)

	job := te.enqueue(t, "add")
	require.ErrorIs(t, finished(t, job), engine.ErrJobFailed)

	got := te.get(t, job.ID())
	assert.Equal(t, engine.KindTimeout, got.ErrorKind)
	assert.True(t, te.launcher.Processes()[0].Killed())
}

func TestEngineRecoversStalledJobs(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, addHandler)
	ctx := context.Background()

	j, err := te.Enqueue(ctx, "add", nil)
	require.NoError(t, err)
	// Simulate a previous process that claimed the job and died.
	_, err = te.store.ClaimNextJob(ctx, []string{"add"})
	require.NoError(t, err)

	te.start(t)
	require.Eventually(t, func() bool {
		return te.get(t, j.ID).Status == model.StatusStalled
	}, waitTimeout, 5*time.Millisecond)

	job, err := te.Job(ctx, j.ID)
	require.NoError(t, err)
	require.ErrorIs(t, finished(t, job), engine.ErrJobStalled)
	assert.Zero(t, te.launcher.Launched())
}

func TestEngineRespectsConcurrency(t *testing.T) {
	te := newTestEngine(t, engine.Options{Concurrency: 2}, nil)
	te.start(t)

	jobs := []*engine.CancellableJob{te.enqueue(t, "add"), te.enqueue(t, "add"), te.enqueue(t, "add")}
	te.waitActive(t, jobs[0].ID())
	te.waitActive(t, jobs[1].ID())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, te.Active().Len())
	assert.Equal(t, model.StatusWaiting, te.get(t, jobs[2].ID()).Status)

	// Freeing a slot lets the third job run.
	require.NoError(t, jobs[0].Cancel(context.Background()))
	te.waitActive(t, jobs[2].ID())
}

func TestEngineInlineHandler(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, nil)
	require.NoError(t, te.Handlers().SetInline("sum", func(ctx context.Context, job *engine.JobContext) (any, error) {
		var in struct{ A, B int }
		if err := job.Decode(&in); err != nil {
			return nil, err
		}
		if err := job.Progress(ctx, map[string]int{"pct": 100}); err != nil {
			return nil, err
		}
		return in.A + in.B, nil
	}))
	te.start(t)

	job := te.enqueue(t, "sum")
	require.NoError(t, finished(t, job))

	got := te.get(t, job.ID())
	assert.JSONEq(t, `5`, string(got.Result))
	assert.JSONEq(t, `{"pct":100}`, string(got.Progress))
	assert.Zero(t, te.launcher.Launched())
}

func TestEngineInlineHandlerError(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, nil)
	require.NoError(t, te.Handlers().SetInline("boom", func(context.Context, *engine.JobContext) (any, error) {
		return nil, errors.New("bad input")
	}))
	require.NoError(t, te.Handlers().SetInline("panic", func(context.Context, *engine.JobContext) (any, error) {
		panic("kaboom")
	}))
	te.start(t)

	boom := te.enqueue(t, "boom")
	require.ErrorIs(t, finished(t, boom), engine.ErrJobFailed)
	got := te.get(t, boom.ID())
	assert.Equal(t, "Error", got.ErrorKind)
	assert.Equal(t, "bad input", got.Error)

	p := te.enqueue(t, "panic")
	require.ErrorIs(t, finished(t, p), engine.ErrJobFailed)
	got = te.get(t, p.ID())
	assert.Equal(t, "panic", got.ErrorKind)
	assert.Equal(t, "kaboom", got.Error)
}

func TestEngineCancelInlineJob(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, nil)
	require.NoError(t, te.Handlers().SetInline("wait", func(ctx context.Context, _ *engine.JobContext) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	te.start(t)

	job := te.enqueue(t, "wait")
	te.waitActive(t, job.ID())
	require.NoError(t, job.Cancel(context.Background()))

	got := te.get(t, job.ID())
	assert.Equal(t, engine.KindCancelled, got.ErrorKind)
	assert.True(t, got.Discarded)
}

func TestEngineEnqueueUnknownHandler(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, nil)

	_, err := te.Enqueue(context.Background(), "missing", nil)
	require.ErrorIs(t, err, engine.ErrUnknownHandler)
}

func TestEngineJobNotFound(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, nil)

	_, err := te.Job(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngineProgressIsPublished(t *testing.T) {
	release := make(chan struct{})
	te := newTestEngine(t, engine.Options{}, func(p *sandboxtest.Process, m sandbox.Message) {
		go func() {
			<-release
			p.Progress(m.ExecID, 10)
			p.Progress(m.ExecID, 90)
			p.Complete(m.ExecID, "ok")
		}()
	})
	te.start(t)

	job := te.enqueue(t, "add")
	te.waitActive(t, job.ID())
	ch, unsub := te.Broker().Subscribe(job.ID())
	defer unsub()
	close(release)

	var got []string
	for v := range ch {
		got = append(got, string(v))
	}
	assert.Equal(t, []string{"10", "90"}, got)
	require.NoError(t, finished(t, job))
}

func TestEngineShutdownCancelsExecutions(t *testing.T) {
	te := newTestEngine(t, engine.Options{}, nil)
	te.start(t)

	job := te.enqueue(t, "add")
	te.waitStarted(t, job.ID())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, te.Shutdown(ctx))

	got := te.get(t, job.ID())
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, engine.KindCancelled, got.ErrorKind)
	assert.True(t, te.launcher.Processes()[0].Killed())
}
