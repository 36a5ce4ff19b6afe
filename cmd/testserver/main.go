// testserver starts a kiln API server with simulated worker processes for
// manual and E2E testing. No handler programs are executed.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/sandbox"
	"github.com/seantiz/kiln/internal/sandbox/sandboxtest"
	"github.com/seantiz/kiln/internal/store"
)

// stepDelay paces the simulated handlers so progress is visible.
const stepDelay = 500 * time.Millisecond

// simulate plays a handler program: three progress steps, then a reply that
// depends on the job's handler path.
func simulate(p *sandboxtest.Process, m sandbox.Message) {
	go func() {
		for _, pct := range []int{25, 50, 75} {
			time.Sleep(stepDelay)
			p.Progress(m.ExecID, pct)
		}
		time.Sleep(stepDelay)

		switch p.Path {
		case "/handlers/crash.exe":
			p.Exit(1)
		case "/handlers/fail.exe":
			p.Fail(m.ExecID, "ValidationError", "simulated failure")
		default:
			var in struct{ A, B int }
			_ = json.Unmarshal(m.Job.Data, &in)
			p.Complete(m.ExecID, in.A+in.B)
		}
	}()
}

func main() {
	addr := ":8080"
	if v := os.Getenv("KILN_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	fs := afero.NewMemMapFs()
	handlers := engine.NewHandlers(fs)
	for _, name := range []string{"add", "fail", "crash"} {
		path := "/handlers/" + name + ".exe"
		if err := afero.WriteFile(fs, path, nil, 0o755); err != nil {
			log.Fatalf("write %s: %v", path, err)
		}
		if err := handlers.SetFile(name, path); err != nil {
			log.Fatalf("register %s: %v", name, err)
		}
	}
	if err := handlers.SetInline("sleep", func(ctx context.Context, job *engine.JobContext) (any, error) {
		select {
		case <-time.After(10 * time.Second):
			return "rested", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}); err != nil {
		log.Fatalf("register sleep: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool := sandbox.NewPool(&sandboxtest.Launcher{OnStart: simulate}, 4, logger)
	eng := engine.NewEngine(db, pool, handlers, logger, engine.Options{Concurrency: 4, PollInterval: 100 * time.Millisecond})
	srv := api.NewServer(addr, db, eng, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("testserver: starting", "addr", addr)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return eng.Run(ctx) })
	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("engine shutdown: %v", err)
	}
}
