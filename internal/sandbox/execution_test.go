package sandbox_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/seantiz/kiln/internal/sandbox"
	"github.com/seantiz/kiln/internal/sandbox/sandboxtest"
)

// fakeJob records what an execution reports back to its job.
type fakeJob struct {
	payload sandbox.JobPayload

	mu        sync.Mutex
	progress  []string
	discarded bool
}

func newFakeJob(id, name string) *fakeJob {
	return &fakeJob{payload: sandbox.JobPayload{ID: id, Name: name, Data: json.RawMessage(`{"a":2,"b":3}`), Attempt: 1}}
}

func (j *fakeJob) Payload() sandbox.JobPayload { return j.payload }

func (j *fakeJob) Progress(_ context.Context, value json.RawMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress = append(j.progress, string(value))
	return nil
}

func (j *fakeJob) Discard() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.discarded = true
}

func (j *fakeJob) Progressed() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.progress...)
}

func (j *fakeJob) Discarded() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.discarded
}

func waitResult(t *testing.T, e *sandbox.Execution) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := e.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "execution did not settle")
	return v, err
}

func waitPhase(t *testing.T, e *sandbox.Execution, want sandbox.Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Phase() == want },
		2*time.Second, 5*time.Millisecond, "execution never reached %s", want)
}

func TestExecutionCompletes(t *testing.T) {
	l := &sandboxtest.Launcher{OnStart: func(p *sandboxtest.Process, m sandbox.Message) {
		p.Progress(m.ExecID, 50)
		p.Complete(m.ExecID, 5)
	}}
	pool := newTestPool(t, l, 0)
	job := newFakeJob("J1", "add")

	e := sandbox.Execute(context.Background(), pool, addPath, job, discardLogger())
	v, err := waitResult(t, e)

	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(v))
	assert.Equal(t, []string{"50"}, job.Progressed())
	assert.Equal(t, sandbox.PhaseSettled, e.Phase())
	assert.False(t, job.Discarded())

	sent := l.Processes()[0].Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sandbox.CmdStart, sent[0].Cmd)
	assert.Equal(t, e.ID(), sent[0].ExecID)
	assert.Equal(t, "J1", sent[0].Job.ID)

	assert.Equal(t, sandbox.PoolStats{Idle: 1}, pool.Stats())
}

func TestExecutionCancelKillsWorker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := &sandboxtest.Launcher{}
	pool := sandbox.NewPool(l, 0, discardLogger())
	job := newFakeJob("J2", "add")

	e := sandbox.Execute(context.Background(), pool, addPath, job, discardLogger())
	waitPhase(t, e, sandbox.PhaseRunning)

	e.Cancel()
	_, err := waitResult(t, e)

	require.ErrorIs(t, err, sandbox.ErrCancelled)
	assert.True(t, job.Discarded())
	assert.True(t, l.Processes()[0].Killed())
	assert.Empty(t, pool.Snapshot())
	assert.Equal(t, sandbox.PoolStats{}, pool.Stats())

	require.NoError(t, pool.Close(context.Background()))
}

func TestExecutionCancelIsIdempotent(t *testing.T) {
	l := &sandboxtest.Launcher{}
	pool := newTestPool(t, l, 0)

	e := sandbox.Execute(context.Background(), pool, addPath, newFakeJob("J2", "add"), discardLogger())
	waitPhase(t, e, sandbox.PhaseRunning)

	e.Cancel()
	e.Cancel()
	_, err := waitResult(t, e)
	require.ErrorIs(t, err, sandbox.ErrCancelled)

	e.Cancel()
	_, err = waitResult(t, e)
	require.ErrorIs(t, err, sandbox.ErrCancelled)
	assert.Equal(t, 1, l.Launched())
}

func TestExecutionCancelAfterSettleIsNoop(t *testing.T) {
	l := &sandboxtest.Launcher{OnStart: func(p *sandboxtest.Process, m sandbox.Message) {
		p.Complete(m.ExecID, "done")
	}}
	pool := newTestPool(t, l, 0)
	job := newFakeJob("J1", "add")

	e := sandbox.Execute(context.Background(), pool, addPath, job, discardLogger())
	_, err := waitResult(t, e)
	require.NoError(t, err)

	e.Cancel()
	v, err := waitResult(t, e)
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(v))
	assert.False(t, job.Discarded())
	assert.False(t, l.Processes()[0].Killed())
	assert.Equal(t, 1, pool.Stats().Idle)
}

func TestExecutionCancelWhileWaitingForWorker(t *testing.T) {
	l := &sandboxtest.Launcher{}
	pool := newTestPool(t, l, 1)

	_, err := pool.Retain(context.Background(), resizePath)
	require.NoError(t, err)

	job := newFakeJob("J6", "add")
	e := sandbox.Execute(context.Background(), pool, addPath, job, discardLogger())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sandbox.PhaseStarting, e.Phase())

	e.Cancel()
	_, err = waitResult(t, e)
	require.ErrorIs(t, err, sandbox.ErrCancelled)
	assert.Nil(t, e.Worker())
	assert.True(t, job.Discarded())
	assert.Equal(t, 1, l.Launched())
}

func TestExecutionParentContextCancels(t *testing.T) {
	l := &sandboxtest.Launcher{}
	pool := newTestPool(t, l, 0)

	ctx, cancel := context.WithCancel(context.Background())
	e := sandbox.Execute(ctx, pool, addPath, newFakeJob("J7", "add"), discardLogger())
	waitPhase(t, e, sandbox.PhaseRunning)

	cancel()
	_, err := waitResult(t, e)
	require.ErrorIs(t, err, sandbox.ErrCancelled)
	assert.True(t, l.Processes()[0].Killed())
}

func TestExecutionUnexpectedExit(t *testing.T) {
	l := &sandboxtest.Launcher{OnStart: func(p *sandboxtest.Process, _ sandbox.Message) {
		p.Exit(1)
	}}
	pool := newTestPool(t, l, 0)

	e := sandbox.Execute(context.Background(), pool, addPath, newFakeJob("J3", "add"), discardLogger())
	_, err := waitResult(t, e)

	require.ErrorIs(t, err, sandbox.ErrUnexpectedExit)
	var exitErr *sandbox.UnexpectedExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode)
	assert.Equal(t, "unexpected exit code: 1", err.Error())
	assert.Empty(t, pool.Snapshot())

	// The crashed worker is never reused.
	l.OnStart = nil
	w, err := pool.Retain(context.Background(), addPath)
	require.NoError(t, err)
	assert.NotEqual(t, l.Processes()[0].PID(), w.PID())
	assert.Equal(t, 2, l.Launched())
}

func TestExecutionHandlerError(t *testing.T) {
	l := &sandboxtest.Launcher{OnStart: func(p *sandboxtest.Process, m sandbox.Message) {
		p.Fail(m.ExecID, "ValidationError", "b must be positive")
	}}
	pool := newTestPool(t, l, 0)

	e := sandbox.Execute(context.Background(), pool, addPath, newFakeJob("J8", "add"), discardLogger())
	_, err := waitResult(t, e)

	require.ErrorIs(t, err, sandbox.ErrHandlerRuntime)
	var herr *sandbox.HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "ValidationError", herr.Kind)
	assert.Equal(t, "b must be positive", herr.Message)

	// A reported failure leaves the worker healthy.
	assert.Equal(t, 1, pool.Stats().Idle)
}

func TestExecutionSequentialJobsReuseWorker(t *testing.T) {
	l := &sandboxtest.Launcher{OnStart: func(p *sandboxtest.Process, m sandbox.Message) {
		p.Complete(m.ExecID, m.Job.ID)
	}}
	pool := newTestPool(t, l, 0)

	e4 := sandbox.Execute(context.Background(), pool, addPath, newFakeJob("J4", "add"), discardLogger())
	_, err := waitResult(t, e4)
	require.NoError(t, err)

	e5 := sandbox.Execute(context.Background(), pool, addPath, newFakeJob("J5", "add"), discardLogger())
	v, err := waitResult(t, e5)
	require.NoError(t, err)
	assert.JSONEq(t, `"J5"`, string(v))

	assert.Equal(t, e4.Worker().ID, e5.Worker().ID)
	assert.Equal(t, 1, l.Launched())
	assert.Len(t, l.Processes()[0].Sent(), 2)
}

func TestExecutionOnReusedWorkerGetsEveryFrame(t *testing.T) {
	l := &sandboxtest.Launcher{OnStart: func(p *sandboxtest.Process, m sandbox.Message) {
		go func() {
			for i := range 20 {
				p.Progress(m.ExecID, i)
			}
			p.Complete(m.ExecID, m.Job.ID)
		}()
	}}
	pool := newTestPool(t, l, 0)

	for _, id := range []string{"J14", "J15"} {
		job := newFakeJob(id, "add")
		v, err := waitResult(t, sandbox.Execute(context.Background(), pool, addPath, job, discardLogger()))
		require.NoError(t, err)
		assert.JSONEq(t, `"`+id+`"`, string(v))
		assert.Len(t, job.Progressed(), 20)
	}
	assert.Equal(t, 1, l.Launched())
}

func TestExecutionIgnoresStaleMessages(t *testing.T) {
	l := &sandboxtest.Launcher{OnStart: func(p *sandboxtest.Process, m sandbox.Message) {
		p.Complete("previous-execution", 99)
		p.Progress("previous-execution", 10)
		p.Complete(m.ExecID, 7)
	}}
	pool := newTestPool(t, l, 0)
	job := newFakeJob("J9", "add")

	e := sandbox.Execute(context.Background(), pool, addPath, job, discardLogger())
	v, err := waitResult(t, e)

	require.NoError(t, err)
	assert.JSONEq(t, `7`, string(v))
	assert.Empty(t, job.Progressed())
}

func TestExecutionCompletedThenExitRemovesWorker(t *testing.T) {
	l := &sandboxtest.Launcher{OnStart: func(p *sandboxtest.Process, m sandbox.Message) {
		p.Complete(m.ExecID, 1)
		p.Exit(0)
	}}
	pool := newTestPool(t, l, 0)

	e := sandbox.Execute(context.Background(), pool, addPath, newFakeJob("J10", "add"), discardLogger())
	v, err := waitResult(t, e)

	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(v))
	assert.Empty(t, pool.Snapshot())
}

func TestExecutionReusedWorkerExitsBeforeStart(t *testing.T) {
	l := &sandboxtest.Launcher{OnStart: func(p *sandboxtest.Process, m sandbox.Message) {
		p.Complete(m.ExecID, 1)
	}}
	pool := newTestPool(t, l, 0)

	_, err := waitResult(t, sandbox.Execute(context.Background(), pool, addPath, newFakeJob("J12", "add"), discardLogger()))
	require.NoError(t, err)

	// The idle worker is on its way out when the next job is handed to it.
	l.Processes()[0].HangUp(4)
	_, err = waitResult(t, sandbox.Execute(context.Background(), pool, addPath, newFakeJob("J13", "add"), discardLogger()))

	require.ErrorIs(t, err, sandbox.ErrUnexpectedExit)
	var exitErr *sandbox.UnexpectedExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 4, exitErr.ExitCode)
	assert.Equal(t, 1, l.Launched())
	assert.Empty(t, pool.Snapshot())
}

func TestExecutionSpawnError(t *testing.T) {
	l := &sandboxtest.Launcher{Err: sandbox.ErrHandlerNotFound}
	pool := newTestPool(t, l, 0)

	e := sandbox.Execute(context.Background(), pool, addPath, newFakeJob("J11", "add"), discardLogger())
	_, err := waitResult(t, e)

	require.ErrorIs(t, err, sandbox.ErrSpawn)
	require.ErrorIs(t, err, sandbox.ErrHandlerNotFound)
}

func TestConcurrentExecutionsUseDistinctWorkers(t *testing.T) {
	l := &sandboxtest.Launcher{}
	pool := newTestPool(t, l, 0)

	const n = 5
	execs := make([]*sandbox.Execution, n)
	for i := range execs {
		execs[i] = sandbox.Execute(context.Background(), pool, addPath, newFakeJob("J", "add"), discardLogger())
	}

	seen := make(map[string]bool)
	for _, e := range execs {
		waitPhase(t, e, sandbox.PhaseRunning)
		seen[e.Worker().ID] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, pool.Stats().Busy)

	for _, e := range execs {
		e.Cancel()
		_, err := waitResult(t, e)
		require.ErrorIs(t, err, sandbox.ErrCancelled)
	}
	assert.Equal(t, sandbox.PoolStats{}, pool.Stats())
}
