package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/procflow/internal/jobqueue"
	"github.com/petrijr/procflow/pkg/api"
)

// Defaults applied by New.
const (
	DefaultPollInterval    = 2 * time.Second
	DefaultBatchSize       = 10
	DefaultConcurrency     = 3
	DefaultCleanupInterval = time.Hour
	DefaultRetention       = 24 * time.Hour
	DefaultStaleAfter      = 5 * time.Minute
)

// Config controls polling, parallelism and cleanup. Zero values take the
// defaults above.
type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	Concurrency     int
	CleanupInterval time.Duration
	Retention       time.Duration

	// StaleAfter is how long a job may stay running before Start re-queues
	// it as abandoned.
	StaleAfter time.Duration

	// DeferDelay postpones jobs whose process is suspended. Defaults to
	// PollInterval.
	DeferDelay time.Duration

	Observer api.Observer
	Logger   *slog.Logger
}

// Scheduler claims ready jobs from a queue and runs them through a
// JobExecutor.
type Scheduler struct {
	queue    *jobqueue.Queue
	exec     api.JobExecutor
	cfg      Config
	observer api.Observer
	logger   *slog.Logger

	processing atomic.Bool

	ticks     atomic.Int64
	skipped   atomic.Int64
	executed  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	deferred  atomic.Int64
	dead      atomic.Int64
	purged    atomic.Int64
	totalTime atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a Scheduler.
func New(queue *jobqueue.Queue, exec api.JobExecutor, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = cfg.PollInterval
	}
	s := &Scheduler{
		queue:    queue,
		exec:     exec,
		cfg:      cfg,
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}
	if s.observer == nil {
		s.observer = api.NoopObserver{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Start recovers jobs abandoned in running state, then polls every
// PollInterval and purges done jobs every CleanupInterval until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler: already started")
	}

	n, err := s.queue.RecoverStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		return fmt.Errorf("scheduler: recover stale jobs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("stale_jobs_requeued", slog.Int("count", n))
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("scheduler_started",
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Int("batch_size", s.cfg.BatchSize),
		slog.Int("concurrency", s.cfg.Concurrency),
	)
	return nil
}

// Stop ends polling and waits for in-flight jobs to finish. Running jobs
// are not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler_stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			// A slow batch must not delay the ticker; overlapping ticks are
			// skipped by Tick.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("scheduler_tick_failed", slog.Any("error", err))
				}
			}()
		case <-cleanup.C:
			if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler_cleanup_failed", slog.Any("error", err))
			}
		}
	}
}

// Tick processes one batch unless a previous tick is still running, in
// which case it returns immediately. It returns the number of jobs run.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.ticks.Add(1)
	if !s.processing.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return 0, nil
	}
	defer s.processing.Store(false)
	return s.RunOnce(ctx)
}

// RunOnce claims up to BatchSize ready jobs and executes them in chunks of
// Concurrency. Each chunk finishes before the next starts.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	jobs, err := s.queue.Claim(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("scheduler: claim: %w", err)
	}

	// In-flight jobs finish even if ctx is cancelled mid-batch.
	runCtx := context.WithoutCancel(ctx)

	var errs error
	for start := 0; start < len(jobs); start += s.cfg.Concurrency {
		end := min(start+s.cfg.Concurrency, len(jobs))

		var g errgroup.Group
		for _, job := range jobs[start:end] {
			g.Go(func() error { return s.execute(runCtx, job) })
		}
		errs = multierr.Append(errs, g.Wait())
	}
	return len(jobs), errs
}

// RunUntilIdle calls RunOnce until no job is ready. It is meant for tests
// and one-shot tools.
func (s *Scheduler) RunUntilIdle(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.RunOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// execute runs one claimed job and records the outcome in the queue. Only
// queue errors are returned; job failures become retries or dead jobs.
func (s *Scheduler) execute(ctx context.Context, job *api.EngineJob) error {
	start := time.Now()
	runErr := s.run(ctx, job)
	took := time.Since(start)

	s.executed.Add(1)
	s.totalTime.Add(int64(took))

	var err error
	switch {
	case runErr == nil:
		s.succeeded.Add(1)
		err = s.queue.Complete(ctx, job, took)

	case errors.Is(runErr, api.ErrDeferred):
		s.deferred.Add(1)
		err = s.queue.Defer(ctx, job, s.cfg.DeferDelay)

	case errors.Is(runErr, api.ErrJobObsolete):
		s.succeeded.Add(1)
		err = s.queue.Finish(ctx, job, runErr.Error())

	default:
		s.failed.Add(1)
		var dead bool
		dead, err = s.queue.Fail(ctx, job, runErr, took)
		if dead {
			s.dead.Add(1)
			s.exec.JobDead(ctx, job, runErr)
		}
	}

	s.observer.OnJobExecuted(ctx, job, runErr, took)
	if err != nil {
		return fmt.Errorf("scheduler: record job %s: %w", job.ID, err)
	}
	return nil
}

// run calls the executor. A panic is logged with its stack and becomes a
// failed attempt.
func (s *Scheduler) run(ctx context.Context, job *api.EngineJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job_panicked",
				slog.String("job_id", job.ID),
				slog.String("process_id", job.ProcessID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in job %s: %v", job.ID, r)
		}
	}()
	return s.exec.ExecuteJob(ctx, job)
}

// Cleanup purges done jobs older than Retention.
func (s *Scheduler) Cleanup(ctx context.Context) (int, error) {
	n, err := s.queue.Purge(ctx, s.cfg.Retention)
	if err != nil {
		return 0, err
	}
	s.purged.Add(int64(n))
	if n > 0 {
		s.logger.Info("jobs_purged", slog.Int("count", n), slog.Duration("retention", s.cfg.Retention))
	}
	return n, nil
}

// Stats returns the scheduler's counters since creation.
func (s *Scheduler) Stats() api.SchedulerStats {
	st := api.SchedulerStats{
		Ticks:        s.ticks.Load(),
		SkippedTicks: s.skipped.Load(),
		Executed:     s.executed.Load(),
		Succeeded:    s.succeeded.Load(),
		Failed:       s.failed.Load(),
		Deferred:     s.deferred.Load(),
		Dead:         s.dead.Load(),
		Purged:       s.purged.Load(),
	}
	if st.Executed > 0 {
		st.AvgExecution = time.Duration(s.totalTime.Load() / st.Executed)
	}
	return st
}
