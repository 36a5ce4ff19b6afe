// Package handler is the worker side of the kiln sandbox protocol. A handler
// program calls Serve with its job function; kiln starts the program as a
// pooled worker and feeds it one job at a time over stdin/stdout.
//
// Stdout is reserved for protocol frames. Use Logger for diagnostics, which
// writes to stderr and is forwarded to the coordinator's log.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/kiln/internal/sandbox"
)

// Job is the job handed to a handler function.
type Job struct {
	ID      string
	Name    string
	Data    json.RawMessage
	Attempt int
}

// Decode unmarshals the job data into v.
func (j Job) Decode(v any) error {
	if len(j.Data) == 0 {
		return errors.New("job has no data")
	}
	return json.Unmarshal(j.Data, v)
}

// ReportFunc sends a progress value to the coordinator.
type ReportFunc func(value any) error

// Func processes one job and returns its JSON-serializable result.
type Func func(ctx context.Context, job Job, report ReportFunc) (any, error)

// Error is a structured handler failure. Returning one from a Func reports
// its kind and fields to the coordinator.
type Error struct {
	Kind    string
	Message string
	Fields  map[string]any
}

func (e *Error) Error() string {
	return e.Kind + ": " + e.Message
}

// NewError creates a structured handler failure.
func NewError(kind, message string, fields map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Fields: fields}
}

// Server runs a handler function against a frame stream.
type Server struct {
	in  io.Reader
	out io.Writer
	log *logrus.Logger

	writeMu sync.Mutex
}

// New creates a server reading frames from in and writing replies to out.
func New(in io.Reader, out io.Writer) *Server {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(os.Getenv("KILN_HANDLER_LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}
	return &Server{in: in, out: out, log: log}
}

// Serve runs fn for every job received on stdin until stdin is closed.
func Serve(fn Func) error {
	return New(os.Stdin, os.Stdout).Serve(context.Background(), fn)
}

// Logger returns the server's stderr logger.
func (s *Server) Logger() *logrus.Logger {
	return s.log
}

// Serve processes start messages sequentially until the input ends.
func (s *Server) Serve(ctx context.Context, fn Func) error {
	for {
		var m sandbox.Message
		if err := sandbox.ReadMessage(s.in, &m); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		if m.Cmd != sandbox.CmdStart || m.Job == nil {
			s.log.WithField("cmd", m.Cmd).Warn("ignoring unexpected message")
			continue
		}
		if err := s.run(ctx, m.ExecID, m.Job, fn); err != nil {
			return err
		}
	}
}

func (s *Server) run(ctx context.Context, execID string, p *sandbox.JobPayload, fn Func) (err error) {
	job := Job{ID: p.ID, Name: p.Name, Data: p.Data, Attempt: p.Attempt}
	entry := s.log.WithFields(logrus.Fields{"job_id": job.ID, "exec_id": execID})
	entry.Debug("job started")

	defer func() {
		if r := recover(); r != nil {
			entry.WithField("panic", r).Error("handler panicked")
			err = s.send(sandbox.Message{
				Cmd:    sandbox.CmdError,
				ExecID: execID,
				Error: &sandbox.ErrorInfo{
					Kind:    "panic",
					Message: fmt.Sprint(r),
					Stack:   string(debug.Stack()),
				},
			})
		}
	}()

	report := func(value any) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal progress: %w", err)
		}
		return s.send(sandbox.Message{Cmd: sandbox.CmdProgress, ExecID: execID, Value: data})
	}

	result, runErr := fn(ctx, job, report)
	if runErr != nil {
		entry.WithError(runErr).Info("job failed")
		return s.send(sandbox.Message{Cmd: sandbox.CmdFailed, ExecID: execID, Error: errorInfo(runErr)})
	}

	data, mErr := json.Marshal(result)
	if mErr != nil {
		return s.send(sandbox.Message{
			Cmd:    sandbox.CmdFailed,
			ExecID: execID,
			Error:  &sandbox.ErrorInfo{Kind: "encoding", Message: mErr.Error()},
		})
	}
	entry.Debug("job completed")
	return s.send(sandbox.Message{Cmd: sandbox.CmdCompleted, ExecID: execID, Value: data})
}

func (s *Server) send(m sandbox.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return sandbox.WriteMessage(s.out, m)
}

func errorInfo(err error) *sandbox.ErrorInfo {
	var herr *Error
	if errors.As(err, &herr) {
		return &sandbox.ErrorInfo{Kind: herr.Kind, Message: herr.Message, Fields: herr.Fields}
	}
	return &sandbox.ErrorInfo{Kind: "Error", Message: err.Error()}
}
