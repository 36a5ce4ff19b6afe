package sandbox

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// WorkerState is the lifecycle state of a pooled worker.
type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerBusy
	WorkerExited
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerBusy:
		return "busy"
	case WorkerExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Worker is one worker process bound to one handler program path.
// Its state is owned by the Pool.
type Worker struct {
	ID        string
	Path      string
	SpawnedAt time.Time

	proc  Process
	state WorkerState
	// endDrain is set while the worker is idle.
	endDrain func()
}

// PID returns the worker's process id.
func (w *Worker) PID() int { return w.proc.PID() }

// Alive reports whether the worker process has not exited yet.
func (w *Worker) Alive() bool {
	select {
	case <-w.proc.Exited():
		return false
	default:
		return true
	}
}

// WorkerInfo is a point-in-time description of a worker.
type WorkerInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	PID       int       `json:"pid"`
	State     string    `json:"state"`
	SpawnedAt time.Time `json:"spawned_at"`
}

// PoolStats summarizes the pool's workers.
type PoolStats struct {
	Max  int `json:"max"`
	Idle int `json:"idle"`
	Busy int `json:"busy"`
}

// Pool owns every worker process. At most max workers are alive at once;
// Retain waits for capacity when the limit is reached and no idle worker can
// be evicted. A max of zero means unbounded.
type Pool struct {
	launcher Launcher
	max      int
	logger   *slog.Logger

	mu       sync.Mutex
	workers  map[string]*Worker
	free     map[string][]*Worker
	spawning int
	changed  chan struct{}
	closed   bool
}

// NewPool creates a pool that starts workers through launcher.
func NewPool(launcher Launcher, max int, logger *slog.Logger) *Pool {
	return &Pool{
		launcher: launcher,
		max:      max,
		logger:   logger,
		workers:  make(map[string]*Worker),
		free:     make(map[string][]*Worker),
		changed:  make(chan struct{}),
	}
}

// Retain returns a Busy worker for path, reusing an idle one when possible.
// Spawn failures are returned as *SpawnError and are not retried.
func (p *Pool) Retain(ctx context.Context, path string) (*Worker, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if w := p.popIdleLocked(path); w != nil {
			w.state = WorkerBusy
			p.updateGaugesLocked()
			p.mu.Unlock()
			p.logger.Debug("worker reused", "worker_id", w.ID, "handler", path)
			return w, nil
		}

		if p.hasCapacityLocked() || p.evictIdleLocked() {
			p.spawning++
			p.mu.Unlock()
			return p.spawn(ctx, path)
		}

		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

func (p *Pool) spawn(ctx context.Context, path string) (*Worker, error) {
	start := time.Now()
	proc, err := p.launcher.Launch(ctx, path)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.spawning--

	if err != nil {
		p.notifyLocked()
		workerSpawnFailures.Inc()
		return nil, &SpawnError{Path: path, Err: err}
	}

	w := &Worker{
		ID:        uuid.NewString(),
		Path:      path,
		SpawnedAt: time.Now().UTC(),
		proc:      proc,
		state:     WorkerBusy,
	}

	if p.closed {
		_ = proc.Kill()
		p.notifyLocked()
		return nil, ErrPoolClosed
	}

	p.workers[w.ID] = w
	p.updateGaugesLocked()
	workerSpawnDuration.Observe(time.Since(start).Seconds())
	workersSpawned.Inc()
	p.logger.Info("worker spawned", "worker_id", w.ID, "handler", path, "pid", proc.PID())
	return w, nil
}

// Release returns a Busy worker to the idle list for its path. A worker whose
// process has already exited is removed instead.
func (p *Pool) Release(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.state != WorkerBusy {
		return
	}
	if !w.Alive() {
		p.removeLocked(w, retireCrashed)
		return
	}

	w.state = WorkerIdle
	p.drainLocked(w)
	p.free[w.Path] = append(p.free[w.Path], w)
	p.updateGaugesLocked()
	p.notifyLocked()
}

// Remove permanently discards w, killing its process if it is still running.
// Removing an already removed worker is a no-op.
func (p *Pool) Remove(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reason := retireKilled
	if !w.Alive() {
		reason = retireCrashed
	}
	p.removeLocked(w, reason)
}

// Close kills every worker and waits for the processes to exit or ctx to end.
// Subsequent Retain calls fail with ErrPoolClosed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
		p.removeLocked(w, retireClosed)
	}
	p.notifyLocked()
	p.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			select {
			case <-w.proc.Exited():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// Snapshot describes every live worker, ordered by spawn time.
func (p *Pool) Snapshot() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		infos = append(infos, WorkerInfo{
			ID:        w.ID,
			Path:      w.Path,
			PID:       w.proc.PID(),
			State:     w.state.String(),
			SpawnedAt: w.SpawnedAt,
		})
	}
	slices.SortFunc(infos, func(a, b WorkerInfo) int {
		return a.SpawnedAt.Compare(b.SpawnedAt)
	})
	return infos
}

// Stats returns worker counts by state.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle, busy := p.countLocked()
	return PoolStats{Max: p.max, Idle: idle, Busy: busy}
}

// popIdleLocked pops an idle, still running worker for path. Idle workers
// found dead on the way are retired.
func (p *Pool) popIdleLocked(path string) *Worker {
	list := p.free[path]
	for len(list) > 0 {
		w := list[len(list)-1]
		list = list[:len(list)-1]
		p.free[path] = list
		p.stopDrainLocked(w)
		if w.Alive() {
			return w
		}
		p.removeLocked(w, retireCrashed)
		list = p.free[path]
	}
	return nil
}

func (p *Pool) hasCapacityLocked() bool {
	return p.max <= 0 || len(p.workers)+p.spawning < p.max
}

// evictIdleLocked kills the oldest idle worker bound to any path to make room.
func (p *Pool) evictIdleLocked() bool {
	var victim *Worker
	for _, list := range p.free {
		for _, w := range list {
			if victim == nil || w.SpawnedAt.Before(victim.SpawnedAt) {
				victim = w
			}
		}
	}
	if victim == nil {
		return false
	}
	p.removeLocked(victim, retireEvicted)
	return true
}

func (p *Pool) removeLocked(w *Worker, reason string) {
	if w.state == WorkerExited {
		return
	}
	w.state = WorkerExited
	p.stopDrainLocked(w)
	delete(p.workers, w.ID)
	p.free[w.Path] = slices.DeleteFunc(p.free[w.Path], func(o *Worker) bool { return o == w })
	if len(p.free[w.Path]) == 0 {
		delete(p.free, w.Path)
	}

	if w.Alive() {
		if err := w.proc.Kill(); err != nil {
			p.logger.Warn("kill worker", "worker_id", w.ID, "error", err)
		}
	}

	workersRetired.WithLabelValues(reason).Inc()
	p.updateGaugesLocked()
	p.notifyLocked()
	p.logger.Info("worker removed", "worker_id", w.ID, "handler", w.Path, "reason", reason)
}

// drainLocked discards whatever an idle worker writes until it is retained
// again. Without a reader its frame buffer fills up, and a worker that then
// exits is never seen to exit.
func (p *Pool) drainLocked(w *Worker) {
	stop := make(chan struct{})
	done := make(chan struct{})
	msgs := w.proc.Messages()
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				p.logger.Debug("discarding frame from idle worker", "worker_id", w.ID, "cmd", m.Cmd)
			}
		}
	}()
	w.endDrain = func() {
		close(stop)
		<-done
	}
}

func (p *Pool) stopDrainLocked(w *Worker) {
	if w.endDrain != nil {
		w.endDrain()
		w.endDrain = nil
	}
}

// notifyLocked wakes every Retain waiting for capacity.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) countLocked() (idle, busy int) {
	for _, w := range p.workers {
		switch w.state {
		case WorkerIdle:
			idle++
		case WorkerBusy:
			busy++
		}
	}
	return idle, busy
}

func (p *Pool) updateGaugesLocked() {
	idle, busy := p.countLocked()
	workersByState.WithLabelValues(WorkerIdle.String()).Set(float64(idle))
	workersByState.WithLabelValues(WorkerBusy.String()).Set(float64(busy))
}
