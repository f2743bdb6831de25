// Command procflowd runs the process engine as a standalone service: it
// loads definitions from a directory, drives jobs with the scheduler and
// serves a JSON control API.
//
// Usage:
//
//	procflowd -config procflow.yaml
//
// Every setting can be overridden with PROCFLOW_* environment variables or
// a .env file; see internal/config.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petrijr/procflow"
	"github.com/petrijr/procflow/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("procflowd_failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close_failed", slog.Any("error", err))
		}
	}()

	if cfg.Definitions != "" {
		defs, err := procflow.RegisterDefinitionsDir(a.eng, cfg.Definitions)
		if err != nil {
			return err
		}
		logger.Info("definitions_loaded", slog.Int("count", len(defs)), slog.String("dir", cfg.Definitions))
	}

	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	defer a.sched.Stop()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           (&server{eng: a.eng, sched: a.sched, metrics: a.metrics, logger: logger}).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", slog.String("addr", cfg.HTTP.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown_requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
