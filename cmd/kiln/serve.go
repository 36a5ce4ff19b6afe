package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/sandbox"
	"github.com/seantiz/kiln/internal/store"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator: HTTP API, dispatcher and worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.String("listen", ":8080", "HTTP listen address")
	f.String("db", "kiln.db", "sqlite database path")
	f.Int("max-workers", 8, "maximum live worker processes (0 = unbounded)")
	f.Int("concurrency", 4, "maximum jobs executing at once")
	f.Duration("job-timeout", 0, "cancel jobs running longer than this (0 = never)")
	bindFlag(f.Lookup("listen"), "listen_addr")
	bindFlag(f.Lookup("db"), "db_path")
	bindFlag(f.Lookup("max-workers"), "max_workers")
	bindFlag(f.Lookup("concurrency"), "concurrency")
	bindFlag(f.Lookup("job-timeout"), "job_timeout")

	return cmd
}

func serve(parent context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"max_workers", cfg.MaxWorkers,
		"concurrency", cfg.Concurrency,
	)

	handlers := engine.NewHandlers(afero.NewOsFs())
	for name, path := range cfg.Handlers {
		if err := handlers.SetFile(name, path); err != nil {
			return err
		}
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	launcher := sandbox.NewExecLauncher(logger, cfg.Interpreters, nil)
	pool := sandbox.NewPool(launcher, cfg.MaxWorkers, logger)
	eng := engine.NewEngine(db, pool, handlers, logger, engine.Options{
		Concurrency:  cfg.Concurrency,
		PollInterval: cfg.PollInterval,
		JobTimeout:   cfg.JobTimeout,
	})
	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return eng.Run(ctx) })
	runErr := g.Wait()

	logger.Info("kiln: stopping executions", "timeout", cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	logger.Info("kiln: stopped")
	return runErr
}
