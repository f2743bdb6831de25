package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/procflow/pkg/api"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newJob(id, tenant string, runAt time.Time) *api.EngineJob {
	return &api.EngineJob{
		ID:          id,
		TenantID:    tenant,
		ProcessID:   "proc-" + id,
		TaskID:      "task-" + id,
		Kind:        api.JobServiceExec,
		Status:      api.JobQueued,
		RunAt:       runAt,
		MaxAttempts: 3,
		Payload:     map[string]any{api.PayloadAction: string(api.ActionServiceTask), api.PayloadElementID: "call"},
		CreatedAt:   runAt,
		UpdatedAt:   runAt,
	}
}

// runStoreContract checks behavior every job Store must share. newStore
// must return an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("enqueue and get", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		j := newJob("j1", "t1", epoch)
		j.IdempotencyKey = "service:task-j1"
		require.NoError(t, s.EnqueueJob(ctx, j))

		got, err := s.GetJob(ctx, "j1")
		require.NoError(t, err)
		require.Equal(t, api.JobQueued, got.Status)
		require.Equal(t, "t1", got.TenantID)
		require.Equal(t, "task-j1", got.TaskID)
		require.Equal(t, api.ActionServiceTask, got.Action())
		require.Equal(t, "call", got.ElementID())
		require.True(t, epoch.Equal(got.RunAt))

		byKey, err := s.GetJobByIdempotencyKey(ctx, "t1", "service:task-j1")
		require.NoError(t, err)
		require.Equal(t, "j1", byKey.ID)

		_, err = s.GetJob(ctx, "missing")
		require.ErrorIs(t, err, ErrJobNotFound)
		_, err = s.GetJobByIdempotencyKey(ctx, "t2", "service:task-j1")
		require.ErrorIs(t, err, ErrJobNotFound)
		require.ErrorIs(t, s.UpdateJob(ctx, newJob("missing", "t1", epoch)), ErrJobNotFound)
	})

	t.Run("idempotency key is unique per tenant", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		a := newJob("a", "t1", epoch)
		a.IdempotencyKey = "timer:wait:p1"
		require.NoError(t, s.EnqueueJob(ctx, a))

		dup := newJob("b", "t1", epoch)
		dup.IdempotencyKey = "timer:wait:p1"
		require.ErrorIs(t, s.EnqueueJob(ctx, dup), api.ErrDuplicateJob)

		other := newJob("c", "t2", epoch)
		other.IdempotencyKey = "timer:wait:p1"
		require.NoError(t, s.EnqueueJob(ctx, other))

		// Jobs without a key never collide.
		require.NoError(t, s.EnqueueJob(ctx, newJob("d", "t1", epoch)))
		require.NoError(t, s.EnqueueJob(ctx, newJob("e", "t1", epoch)))

		all, err := s.ListJobs(ctx, JobFilter{TenantID: "t1"})
		require.NoError(t, err)
		require.Len(t, all, 3)
	})

	t.Run("claim ready respects runAt and limit", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.EnqueueJob(ctx, newJob("late", "t1", epoch.Add(time.Hour))))
		require.NoError(t, s.EnqueueJob(ctx, newJob("second", "t1", epoch.Add(-time.Minute))))
		require.NoError(t, s.EnqueueJob(ctx, newJob("first", "t1", epoch.Add(-2*time.Minute))))
		require.NoError(t, s.EnqueueJob(ctx, newJob("third", "t1", epoch)))

		claimed, err := s.ClaimReady(ctx, epoch, 2)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		require.Equal(t, "first", claimed[0].ID)
		require.Equal(t, "second", claimed[1].ID)
		for _, j := range claimed {
			require.Equal(t, api.JobRunning, j.Status)
			require.NotNil(t, j.StartedAt)
		}

		claimed, err = s.ClaimReady(ctx, epoch, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Equal(t, "third", claimed[0].ID)

		claimed, err = s.ClaimReady(ctx, epoch, 10)
		require.NoError(t, err)
		require.Empty(t, claimed)

		stored, err := s.GetJob(ctx, "first")
		require.NoError(t, err)
		require.Equal(t, api.JobRunning, stored.Status)
	})

	t.Run("at most one claim", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.EnqueueJob(ctx, newJob("only", "t1", epoch)))

		var (
			mu    sync.Mutex
			total int
		)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < 8; i++ {
			g.Go(func() error {
				jobs, err := s.ClaimReady(gctx, epoch, 10)
				if err != nil {
					return err
				}
				mu.Lock()
				total += len(jobs)
				mu.Unlock()
				return nil
			})
		}
		require.NoError(t, g.Wait())
		require.Equal(t, 1, total)
	})

	t.Run("requeue stale", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.EnqueueJob(ctx, newJob("old", "t1", epoch)))
		_, err := s.ClaimReady(ctx, epoch, 1)
		require.NoError(t, err)
		require.NoError(t, s.EnqueueJob(ctx, newJob("fresh", "t1", epoch.Add(time.Hour))))
		_, err = s.ClaimReady(ctx, epoch.Add(time.Hour), 1)
		require.NoError(t, err)

		now := epoch.Add(time.Hour + time.Minute)
		n, err := s.RequeueStale(ctx, epoch.Add(30*time.Minute), now)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		old, err := s.GetJob(ctx, "old")
		require.NoError(t, err)
		require.Equal(t, api.JobQueued, old.Status)
		require.True(t, now.Equal(old.RunAt))

		fresh, err := s.GetJob(ctx, "fresh")
		require.NoError(t, err)
		require.Equal(t, api.JobRunning, fresh.Status)
	})

	t.Run("purge only touches old done jobs", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		finish := func(id string, status api.JobStatus, at time.Time) {
			j := newJob(id, "t1", epoch)
			require.NoError(t, s.EnqueueJob(ctx, j))
			j.Status = status
			j.FinishedAt = &at
			j.UpdatedAt = at
			require.NoError(t, s.UpdateJob(ctx, j))
		}
		finish("done-old", api.JobDone, epoch.Add(-48*time.Hour))
		finish("done-new", api.JobDone, epoch.Add(-time.Hour))
		finish("dead-old", api.JobDead, epoch.Add(-48*time.Hour))
		require.NoError(t, s.EnqueueJob(ctx, newJob("queued-old", "t1", epoch.Add(-48*time.Hour))))

		n, err := s.PurgeDone(ctx, epoch.Add(-24*time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, err = s.GetJob(ctx, "done-old")
		require.ErrorIs(t, err, ErrJobNotFound)
		for _, id := range []string{"done-new", "dead-old", "queued-old"} {
			_, err := s.GetJob(ctx, id)
			require.NoError(t, err, id)
		}
	})

	t.Run("stats and filters", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for i, st := range []api.JobStatus{api.JobQueued, api.JobQueued, api.JobRunning, api.JobDone, api.JobDone, api.JobDead} {
			j := newJob(string(rune('a'+i)), "t1", epoch.Add(time.Duration(i)*time.Second))
			require.NoError(t, s.EnqueueJob(ctx, j))
			if st == api.JobQueued {
				continue
			}
			j.Status = st
			started := epoch
			j.StartedAt = &started
			if st == api.JobDone {
				finished := epoch.Add(time.Minute)
				j.FinishedAt = &finished
				j.Duration = time.Duration(i) * time.Second // d=3s, e=4s
			}
			require.NoError(t, s.UpdateJob(ctx, j))
		}
		require.NoError(t, s.EnqueueJob(ctx, newJob("other-tenant", "t2", epoch)))

		stats, err := s.Stats(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, api.QueueStats{Queued: 2, Running: 1, Done: 2, Dead: 1, AvgExecution: 3500 * time.Millisecond}, stats)

		all, err := s.Stats(ctx, "")
		require.NoError(t, err)
		require.Equal(t, int64(3), all.Queued)

		dead, err := s.ListJobs(ctx, JobFilter{TenantID: "t1", Statuses: []api.JobStatus{api.JobDead}})
		require.NoError(t, err)
		require.Len(t, dead, 1)
		require.Equal(t, "f", dead[0].ID)

		byTask, err := s.ListJobs(ctx, JobFilter{TaskID: "task-b"})
		require.NoError(t, err)
		require.Len(t, byTask, 1)

		byProcess, err := s.ListJobs(ctx, JobFilter{ProcessID: "proc-a"})
		require.NoError(t, err)
		require.Len(t, byProcess, 1)
		require.Equal(t, "a", byProcess[0].ID)
	})
}
