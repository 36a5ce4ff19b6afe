package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawn matches every *SpawnError.
	ErrSpawn = errors.New("worker spawn failed")
	// ErrHandlerNotFound is returned when a handler program does not exist.
	ErrHandlerNotFound = errors.New("handler not found")
	// ErrHandlerRuntime matches every *HandlerError.
	ErrHandlerRuntime = errors.New("handler runtime error")
	// ErrUnexpectedExit matches every *UnexpectedExitError.
	ErrUnexpectedExit = errors.New("unexpected worker exit")
	// ErrCancelled is the outcome of an execution stopped by request.
	ErrCancelled = errors.New("cancelled")
	// ErrPoolClosed is returned by Retain after Close.
	ErrPoolClosed = errors.New("worker pool closed")
)

// SpawnError reports a worker process that could not be started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker for %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// HandlerError is a failure reported by the handler program itself.
type HandlerError struct {
	Kind    string
	Message string
	Stack   string
	Fields  map[string]any
}

func (e *HandlerError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

func (e *HandlerError) Is(target error) bool { return target == ErrHandlerRuntime }

func newHandlerError(info *ErrorInfo) *HandlerError {
	if info == nil {
		return &HandlerError{Message: "handler failed without error details"}
	}
	return &HandlerError{
		Kind:    info.Kind,
		Message: info.Message,
		Stack:   info.Stack,
		Fields:  info.Fields,
	}
}

// UnexpectedExitError reports a worker that exited before sending a terminal message.
type UnexpectedExitError struct {
	ExitCode int
}

func (e *UnexpectedExitError) Error() string {
	return fmt.Sprintf("unexpected exit code: %d", e.ExitCode)
}

func (e *UnexpectedExitError) Is(target error) bool { return target == ErrUnexpectedExit }
