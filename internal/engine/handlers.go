package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/spf13/afero"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/sandbox"
)

var (
	// ErrHandlerExists is returned when a handler name is registered twice.
	ErrHandlerExists = errors.New("cannot define a handler more than once per queue")
	// ErrNilHandler is returned when registering a missing handler.
	ErrNilHandler = errors.New("cannot set an undefined handler")
	// ErrUnknownHandler is returned when a job names an unregistered handler.
	ErrUnknownHandler = errors.New("unknown handler")
)

// JobContext is the job as seen by an inline handler.
type JobContext struct {
	ID      string
	Handler string
	Data    json.RawMessage
	Attempt int

	progress func(ctx context.Context, value json.RawMessage) error
}

// Decode unmarshals the job data into v.
func (j *JobContext) Decode(v any) error {
	return json.Unmarshal(j.Data, v)
}

// Progress reports a progress value for the job.
func (j *JobContext) Progress(ctx context.Context, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return j.progress(ctx, data)
}

// InlineFunc is a handler run inside the coordinator process. It should
// return promptly once ctx is cancelled.
type InlineFunc func(ctx context.Context, job *JobContext) (any, error)

// Handler is a registered handler: either a program path run in the sandbox
// or an inline function.
type Handler struct {
	Name string
	Path string
	Func InlineFunc
}

// Kind returns model.HandlerFile or model.HandlerInline.
func (h Handler) Kind() string {
	if h.Func != nil {
		return model.HandlerInline
	}
	return model.HandlerFile
}

// Handlers is the set of handlers jobs may name.
type Handlers struct {
	fs afero.Fs

	mu     sync.RWMutex
	byName map[string]Handler
}

// NewHandlers creates an empty handler set resolving program paths on fs.
func NewHandlers(fs afero.Fs) *Handlers {
	return &Handlers{fs: fs, byName: make(map[string]Handler)}
}

// SetFile registers the handler program at path under name. The path must
// exist; a missing recognized extension is completed with the default one.
func (h *Handlers) SetFile(name, path string) error {
	if path == "" {
		return fmt.Errorf("%w: %s", ErrNilHandler, name)
	}
	resolved, err := sandbox.ResolveHandlerPath(h.fs, path)
	if err != nil {
		return fmt.Errorf("handler %s: %w", name, err)
	}
	return h.set(Handler{Name: name, Path: resolved})
}

// SetInline registers fn under name.
func (h *Handlers) SetInline(name string, fn InlineFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, name)
	}
	return h.set(Handler{Name: name, Func: fn})
}

func (h *Handlers) set(handler Handler) error {
	if handler.Name == "" {
		return errors.New("handler name is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byName[handler.Name]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, handler.Name)
	}
	h.byName[handler.Name] = handler
	return nil
}

// Get returns the handler registered under name.
func (h *Handlers) Get(name string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.byName[name]
	return handler, ok
}

// Names returns the registered handler names in sorted order.
func (h *Handlers) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.byName))
	for name := range h.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// List describes every registered handler, sorted by name.
func (h *Handlers) List() []model.HandlerInfo {
	names := h.Names()

	h.mu.RLock()
	defer h.mu.RUnlock()
	infos := make([]model.HandlerInfo, 0, len(names))
	for _, name := range names {
		handler := h.byName[name]
		infos = append(infos, model.HandlerInfo{Name: name, Kind: handler.Kind(), Path: handler.Path})
	}
	return infos
}

// Set registers handler under name. A handler with a Func runs inline;
// otherwise its Path is resolved as a handler program.
func (h *Handlers) Set(name string, handler Handler) error {
	if handler.Func != nil {
		return h.SetInline(name, handler.Func)
	}
	return h.SetFile(name, handler.Path)
}
