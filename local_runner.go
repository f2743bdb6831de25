package procflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/petrijr/procflow/internal/engine"
	"github.com/petrijr/procflow/internal/services"
	"github.com/petrijr/procflow/pkg/scheduler"
)

// RunnerConfig configures a LocalRunner. Zero values take the engine and
// scheduler defaults.
type RunnerConfig struct {
	// Retry is the queue's retry policy; see Retry.
	Retry RetryPolicy

	Scheduler scheduler.Config

	// Services adds or replaces service-task handlers next to the built-in
	// http, email and timer handlers.
	Services map[string]ServiceHandler

	Observer   Observer
	Notifier   Notifier
	Authorizer Authorizer
	Logger     *slog.Logger

	// TimerDelay is used by timer events without a delay property.
	TimerDelay time.Duration
}

func (c RunnerConfig) engineConfig() engine.Config {
	registry := services.NewDefaultRegistry(services.Options{Logger: c.Logger})
	for typ, h := range c.Services {
		registry.Register(typ, h)
	}
	return engine.Config{
		Services:    registry,
		Observer:    c.Observer,
		Notifier:    c.Notifier,
		Authorizer:  c.Authorizer,
		Logger:      c.Logger,
		RetryPolicy: c.Retry,
		TimerDelay:  c.TimerDelay,
	}
}

func (c RunnerConfig) newRunner(eng Runtime) *LocalRunner {
	sc := c.Scheduler
	if sc.Observer == nil {
		sc.Observer = c.Observer
	}
	if sc.Logger == nil {
		sc.Logger = c.Logger
	}
	return &LocalRunner{
		Engine:    eng,
		Scheduler: scheduler.New(eng.Queue(), eng, sc),
	}
}

// LocalRunner bundles an engine and a scheduler draining its job queue.
// It is the simplest way to run processes with service tasks and timers
// inside one process.
//
// Typical usage:
//
//	runner := procflow.NewLocalRunner()
//	procflow.NewDefinition("order", 1)....MustRegister(runner.Engine)
//
//	_ = runner.Start(ctx)
//	defer runner.Stop()
//
//	inst, _ := procflow.Start(ctx, runner.Engine, "order", vars, "api")
//	inst, _ = runner.WaitFor(ctx, inst.ID, procflow.ProcessCompleted)
type LocalRunner struct {
	// Engine executes the process graphs and enqueues jobs.
	Engine Runtime

	// Scheduler polls Engine.Queue() and runs jobs through Engine.
	Scheduler *scheduler.Scheduler
}

// NewLocalRunner constructs a LocalRunner backed by in-memory stores with
// default configuration.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithConfig(RunnerConfig{})
}

// NewLocalRunnerWithConfig is NewLocalRunner with options.
func NewLocalRunnerWithConfig(cfg RunnerConfig) *LocalRunner {
	return cfg.newRunner(engine.NewEngineWithConfig(cfg.engineConfig()))
}

// Start starts the background scheduler. It fails when already started.
func (r *LocalRunner) Start(ctx context.Context) error {
	return r.Scheduler.Start(ctx)
}

// Stop stops the scheduler and waits for in-flight jobs.
func (r *LocalRunner) Stop() {
	r.Scheduler.Stop()
}

// RunUntilIdle executes ready jobs in the calling goroutine until none is
// left. It does not require Start.
func (r *LocalRunner) RunUntilIdle(ctx context.Context) (int, error) {
	return r.Scheduler.RunUntilIdle(ctx)
}

// WaitFor polls the process until its status is one of statuses or ctx is
// done. With no statuses it waits for completion or cancellation.
func (r *LocalRunner) WaitFor(ctx context.Context, processID string, statuses ...ProcessStatus) (*ProcessInstance, error) {
	if len(statuses) == 0 {
		statuses = []ProcessStatus{ProcessCompleted, ProcessCancelled}
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		inst, err := r.Engine.GetProcess(ctx, processID)
		if err != nil {
			return nil, err
		}
		if slices.Contains(statuses, inst.Status) {
			return inst, nil
		}

		select {
		case <-ctx.Done():
			return inst, fmt.Errorf("procflow: waiting for process %s (status %s): %w", processID, inst.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}
