package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// messageBufferSize bounds how many unread frames a worker may have queued.
const messageBufferSize = 64

// Process is a running worker as seen by the pool.
//
// Messages is closed once the worker's output ends, and always before Exited
// is closed, so a reader that observes Exited can drain Messages without
// losing frames.
type Process interface {
	PID() int
	Send(m Message) error
	Messages() <-chan Message
	Exited() <-chan struct{}
	// ExitCode is valid once Exited is closed. It is -1 for a process
	// terminated by a signal.
	ExitCode() int
	Kill() error
}

// Launcher starts worker processes for a handler program.
type Launcher interface {
	Launch(ctx context.Context, path string) (Process, error)
}

// DefaultInterpreters maps each recognized handler extension to the command
// prefix used to run it. An empty prefix executes the file directly.
var DefaultInterpreters = map[string][]string{
	".exe": nil,
	".sh":  {"sh"},
	".py":  {"python3"},
	".js":  {"node"},
}

// ExecLauncher starts handler programs as OS processes speaking the frame
// protocol over stdin and stdout.
type ExecLauncher struct {
	interpreters map[string][]string
	env          []string
	logger       *slog.Logger
}

// NewExecLauncher creates a launcher. overrides replaces interpreter commands
// by extension, e.g. {".py": "python3 -u"}.
func NewExecLauncher(logger *slog.Logger, overrides map[string]string, env []string) *ExecLauncher {
	interp := maps.Clone(DefaultInterpreters)
	for ext, cmd := range overrides {
		interp[ext] = strings.Fields(cmd)
	}
	return &ExecLauncher{
		interpreters: interp,
		env:          env,
		logger:       logger,
	}
}

func (l *ExecLauncher) command(path string) ([]string, error) {
	prefix, ok := l.interpreters[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("no interpreter for %q", filepath.Ext(path))
	}
	return append(append([]string{}, prefix...), path), nil
}

// Launch starts the handler program at path. The worker is placed in its own
// process group so Kill reaches anything it spawned.
func (l *ExecLauncher) Launch(ctx context.Context, path string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, path)
	}

	argv, err := l.command(path)
	if err != nil {
		return nil, err
	}

	// Not CommandContext: a worker outlives the retain call that spawned it.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(path)
	cmd.Env = append(os.Environ(), l.env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	p := &execProcess{
		cmd:      cmd,
		stdin:    stdin,
		msgs:     make(chan Message, messageBufferSize),
		killed:   make(chan struct{}),
		exited:   make(chan struct{}),
		exitCode: -1,
		logger:   l.logger.With("pid", cmd.Process.Pid, "handler", path),
	}

	var readers sync.WaitGroup
	readers.Go(func() { p.readFrames(stdout) })
	readers.Go(func() { p.forwardStderr(stderr) })
	go func() {
		readers.Wait()
		p.wait()
	}()

	return p, nil
}

// execProcess is a Process backed by os/exec.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	writeMu sync.Mutex
	msgs    chan Message

	killOnce sync.Once
	killed   chan struct{}

	exited   chan struct{}
	exitCode int
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Messages() <-chan Message { return p.msgs }

func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) ExitCode() int {
	<-p.exited
	return p.exitCode
}

func (p *execProcess) Send(m Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return WriteMessage(p.stdin, m)
}

// Kill sends SIGKILL to the worker's process group.
func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		close(p.killed)
		err = unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
		if errors.Is(err, unix.ESRCH) {
			err = nil
		}
	})
	return err
}

// readFrames decodes frames from the worker's stdout until EOF. A malformed
// frame is a protocol violation: the worker is killed and the rest of its
// output discarded.
func (p *execProcess) readFrames(r io.Reader) {
	defer close(p.msgs)
	br := bufio.NewReader(r)
	for {
		var m Message
		if err := ReadMessage(br, &m); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.logger.Warn("worker protocol error", "error", err)
				_ = p.Kill()
				_, _ = io.Copy(io.Discard, br)
			}
			return
		}
		select {
		case p.msgs <- m:
		case <-p.killed:
		}
	}
}

func (p *execProcess) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("worker stderr", "line", scanner.Text())
	}
}

func (p *execProcess) wait() {
	defer close(p.exited)
	err := p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	p.stdin.Close()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.logger.Warn("worker wait", "error", err)
	}
}
