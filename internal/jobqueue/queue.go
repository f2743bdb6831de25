package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/procflow/pkg/api"
)

// Queue applies the job lifecycle on top of a Store:
//
//	queued -> running -> done
//	                  -> queued (kind=retry, backoff) while attempts < maxAttempts
//	                  -> dead
//
// Queue is safe for concurrent use; all coordination happens in the store.
type Queue struct {
	store  Store
	policy api.RetryPolicy
	now    api.Clock
	logger *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithRetryPolicy sets the default retry policy for new jobs and backoff.
func WithRetryPolicy(p api.RetryPolicy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithClock sets the time source.
func WithClock(c api.Clock) Option {
	return func(q *Queue) { q.now = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a Queue over store.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		policy: api.DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// Store returns the underlying store.
func (q *Queue) Store() Store { return q.store }

// Policy returns the queue's retry policy.
func (q *Queue) Policy() api.RetryPolicy { return q.policy }

// Enqueue stores a new job. Missing fields are defaulted: ID, status
// queued, RunAt now, MaxAttempts from the retry policy.
//
// If the job's idempotency key is already taken for its tenant, nothing is
// stored and the existing job is returned with created=false.
func (q *Queue) Enqueue(ctx context.Context, job *api.EngineJob) (stored *api.EngineJob, created bool, err error) {
	now := q.now.Now()
	j := job.Clone()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Kind == "" {
		j.Kind = api.JobServiceExec
	}
	j.Status = api.JobQueued
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = q.policy.MaxAttempts
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 1
	}
	j.CreatedAt = now
	j.UpdatedAt = now

	err = q.store.EnqueueJob(ctx, j)
	if errors.Is(err, api.ErrDuplicateJob) && j.IdempotencyKey != "" {
		existing, getErr := q.store.GetJobByIdempotencyKey(ctx, j.TenantID, j.IdempotencyKey)
		if getErr != nil {
			return nil, false, fmt.Errorf("lookup duplicate job %q: %w", j.IdempotencyKey, getErr)
		}
		q.logger.Debug("job_duplicate",
			slog.String("job_id", existing.ID),
			slog.String("idempotency_key", j.IdempotencyKey),
		)
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return j, true, nil
}

// Claim atomically takes up to limit ready jobs.
func (q *Queue) Claim(ctx context.Context, limit int) ([]*api.EngineJob, error) {
	return q.store.ClaimReady(ctx, q.now.Now(), limit)
}

// Complete marks a running job done.
func (q *Queue) Complete(ctx context.Context, job *api.EngineJob, took time.Duration) error {
	now := q.now.Now()
	job.Status = api.JobDone
	job.FinishedAt = &now
	job.UpdatedAt = now
	job.Duration = took
	return q.store.UpdateJob(ctx, job)
}

// Fail records a failed attempt. The job is re-queued as a retry with
// backoff while attempts remain; otherwise it becomes dead and Fail
// reports dead=true. A dead job is never re-queued by Fail.
func (q *Queue) Fail(ctx context.Context, job *api.EngineJob, cause error, took time.Duration) (dead bool, err error) {
	now := q.now.Now()
	job.Attempts++
	job.LastError = errString(cause)
	job.UpdatedAt = now
	job.Duration = took

	if job.Attempts >= job.MaxAttempts {
		job.Status = api.JobDead
		job.FinishedAt = &now
		if err := q.store.UpdateJob(ctx, job); err != nil {
			return true, err
		}
		q.logger.Warn("job_dead",
			slog.String("job_id", job.ID),
			slog.String("process_id", job.ProcessID),
			slog.Int("attempts", job.Attempts),
			slog.String("error", job.LastError),
		)
		return true, nil
	}

	delay := q.policy.Delay(job.Attempts)
	job.Status = api.JobQueued
	job.Kind = api.JobRetry
	job.RunAt = now.Add(delay)
	job.StartedAt = nil
	if err := q.store.UpdateJob(ctx, job); err != nil {
		return false, err
	}
	q.logger.Info("job_retry_scheduled",
		slog.String("job_id", job.ID),
		slog.String("process_id", job.ProcessID),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("delay", delay),
	)
	return false, nil
}

// Defer puts a running job back in the queue without counting an attempt.
func (q *Queue) Defer(ctx context.Context, job *api.EngineJob, delay time.Duration) error {
	now := q.now.Now()
	job.Status = api.JobQueued
	job.RunAt = now.Add(delay)
	job.StartedAt = nil
	job.UpdatedAt = now
	return q.store.UpdateJob(ctx, job)
}

// Finish marks a claimed job done without executing it, for jobs whose
// process already ended.
func (q *Queue) Finish(ctx context.Context, job *api.EngineJob, reason string) error {
	job.LastError = reason
	return q.Complete(ctx, job, 0)
}

// Replay moves a dead job back to queued with a fresh attempt budget.
func (q *Queue) Replay(ctx context.Context, id string) (*api.EngineJob, error) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != api.JobDead {
		return nil, &api.StateError{Kind: "job", ID: id, Status: string(job.Status), Op: "retry"}
	}
	now := q.now.Now()
	job.Status = api.JobQueued
	job.Attempts = 0
	job.RunAt = now
	job.StartedAt = nil
	job.FinishedAt = nil
	job.UpdatedAt = now
	if err := q.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Get returns a job.
func (q *Queue) Get(ctx context.Context, id string) (*api.EngineJob, error) {
	return q.store.GetJob(ctx, id)
}

// List returns jobs matching filter.
func (q *Queue) List(ctx context.Context, filter JobFilter) ([]*api.EngineJob, error) {
	return q.store.ListJobs(ctx, filter)
}

// RecoverStale re-queues jobs left running for longer than threshold,
// typically by a scheduler that crashed mid-execution.
func (q *Queue) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	now := q.now.Now()
	return q.store.RequeueStale(ctx, now.Add(-threshold), now)
}

// Purge deletes done jobs older than retention.
func (q *Queue) Purge(ctx context.Context, retention time.Duration) (int, error) {
	return q.store.PurgeDone(ctx, q.now.Now().Add(-retention))
}

// Stats reports job counts for a tenant ("" for all).
func (q *Queue) Stats(ctx context.Context, tenantID string) (api.QueueStats, error) {
	return q.store.Stats(ctx, tenantID)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
