// Package sandboxtest provides scriptable fake worker processes for tests.
package sandboxtest

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/seantiz/kiln/internal/sandbox"
)

// StartFunc is invoked synchronously for every start message a fake worker receives.
type StartFunc func(p *Process, m sandbox.Message)

// Launcher is a sandbox.Launcher producing in-memory Processes.
type Launcher struct {
	// OnStart scripts the worker's reaction to a start message. Nil means the
	// worker never replies.
	OnStart StartFunc
	// Err, when set, makes Launch fail.
	Err error

	mu      sync.Mutex
	procs   []*Process
	nextPID int
}

var _ sandbox.Launcher = (*Launcher)(nil)

// Launch creates a new fake process for path.
func (l *Launcher) Launch(ctx context.Context, path string) (sandbox.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.Err != nil {
		return nil, l.Err
	}
	l.nextPID++
	p := &Process{
		Path:     path,
		pid:      1000 + l.nextPID,
		onStart:  l.OnStart,
		msgs:     make(chan sandbox.Message, 64),
		exited:   make(chan struct{}),
		exitCode: -1,
	}
	l.procs = append(l.procs, p)
	return p, nil
}

// Processes returns every process launched so far, in launch order.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.procs...)
}

// Launched returns the number of processes started.
func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// Process is an in-memory sandbox.Process.
type Process struct {
	Path string

	pid     int
	onStart StartFunc

	mu       sync.Mutex
	sent     []sandbox.Message
	msgs     chan sandbox.Message
	closed   bool
	hangUp   *int
	killed   bool
	exited   chan struct{}
	exitCode int
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Messages() <-chan sandbox.Message { return p.msgs }

func (p *Process) Exited() <-chan struct{} { return p.exited }

func (p *Process) ExitCode() int {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Send records m and runs the start script for start messages.
func (p *Process) Send(m sandbox.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return io.ErrClosedPipe
	}
	if p.hangUp != nil {
		code := *p.hangUp
		p.mu.Unlock()
		go p.Exit(code)
		return io.ErrClosedPipe
	}
	p.sent = append(p.sent, m)
	p.mu.Unlock()

	if m.Cmd == sandbox.CmdStart && p.onStart != nil {
		p.onStart(p, m)
	}
	return nil
}

// Kill terminates the fake process as if by SIGKILL.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(-1)
	return nil
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Sent returns the messages received from the coordinator.
func (p *Process) Sent() []sandbox.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sandbox.Message(nil), p.sent...)
}

// HangUp makes the next Send fail, as a worker that closed its stdin on the
// way out, and then ends the process with code.
func (p *Process) HangUp(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangUp = &code
}

// Exit ends the process with code. The message stream is closed before the
// exit notification. Later calls are no-ops.
func (p *Process) Exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.exitCode = code
	close(p.msgs)
	close(p.exited)
}

// Emit delivers m to the coordinator unless the process has exited.
func (p *Process) Emit(m sandbox.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.msgs <- m
}

// Progress emits a progress message for execID.
func (p *Process) Progress(execID string, value any) {
	p.Emit(sandbox.Message{Cmd: sandbox.CmdProgress, ExecID: execID, Value: mustJSON(value)})
}

// Complete emits a completed message for execID.
func (p *Process) Complete(execID string, value any) {
	p.Emit(sandbox.Message{Cmd: sandbox.CmdCompleted, ExecID: execID, Value: mustJSON(value)})
}

// Fail emits a failed message for execID.
func (p *Process) Fail(execID, kind, message string) {
	p.Emit(sandbox.Message{
		Cmd:    sandbox.CmdFailed,
		ExecID: execID,
		Error:  &sandbox.ErrorInfo{Kind: kind, Message: message},
	})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
