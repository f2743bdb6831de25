// Package jobqueue is the durable, at-least-once work queue behind service
// tasks, timers and retries.
//
// A Store persists jobs and provides the atomic claim; Queue layers the
// lifecycle on top of it: idempotent enqueue, completion, retry with
// backoff, dead-lettering, replay and maintenance.
package jobqueue

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/petrijr/procflow/pkg/api"
)

// ErrJobNotFound is returned when a job does not exist.
var ErrJobNotFound = errors.New("job not found")

// JobFilter selects jobs. Zero values mean "no filter".
type JobFilter struct {
	TenantID  string
	ProcessID string
	TaskID    string
	Statuses  []api.JobStatus
}

// Store persists engine jobs.
type Store interface {
	// EnqueueJob inserts a new job. If the job carries an idempotency key
	// already used by a job of the same tenant, it returns
	// api.ErrDuplicateJob and stores nothing.
	EnqueueJob(ctx context.Context, job *api.EngineJob) error

	GetJob(ctx context.Context, id string) (*api.EngineJob, error)
	GetJobByIdempotencyKey(ctx context.Context, tenantID, key string) (*api.EngineJob, error)

	// UpdateJob overwrites a stored job.
	UpdateJob(ctx context.Context, job *api.EngineJob) error

	ListJobs(ctx context.Context, filter JobFilter) ([]*api.EngineJob, error)

	// ClaimReady atomically moves up to limit jobs with status queued and
	// RunAt <= now to running, and returns them ordered by RunAt. A job is
	// returned by at most one concurrent caller.
	ClaimReady(ctx context.Context, now time.Time, limit int) ([]*api.EngineJob, error)

	// RequeueStale moves running jobs started before cutoff back to queued.
	RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error)

	// PurgeDone deletes done jobs that finished before cutoff. Jobs in any
	// other status are never touched.
	PurgeDone(ctx context.Context, cutoff time.Time) (int, error)

	// Stats counts jobs by status for a tenant ("" for all tenants).
	Stats(ctx context.Context, tenantID string) (api.QueueStats, error)
}

func statusIn(s api.JobStatus, set []api.JobStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func matches(j *api.EngineJob, f JobFilter) bool {
	if f.TenantID != "" && j.TenantID != f.TenantID {
		return false
	}
	if f.ProcessID != "" && j.ProcessID != f.ProcessID {
		return false
	}
	if f.TaskID != "" && j.TaskID != f.TaskID {
		return false
	}
	if len(f.Statuses) > 0 && !statusIn(j.Status, f.Statuses) {
		return false
	}
	return true
}

func sortByRunAt(jobs []*api.EngineJob) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].RunAt.Equal(jobs[k].RunAt) {
			return jobs[i].RunAt.Before(jobs[k].RunAt)
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}

func sortByCreated(jobs []*api.EngineJob) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

// statsAccumulator folds jobs into QueueStats.
type statsAccumulator struct {
	stats    api.QueueStats
	doneDur  time.Duration
	doneSeen int64
}

func (a *statsAccumulator) add(j *api.EngineJob) {
	switch j.Status {
	case api.JobQueued:
		a.stats.Queued++
	case api.JobRunning:
		a.stats.Running++
	case api.JobDone:
		a.stats.Done++
		a.doneDur += j.Duration
		a.doneSeen++
	case api.JobDead:
		a.stats.Dead++
	}
}

func (a *statsAccumulator) result() api.QueueStats {
	if a.doneSeen > 0 {
		a.stats.AvgExecution = a.doneDur / time.Duration(a.doneSeen)
	}
	return a.stats
}
