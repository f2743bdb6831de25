package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/procflow/pkg/api"
)

// MemoryStore keeps jobs in maps guarded by a mutex. It is the store used
// by tests and the in-memory engine.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*api.EngineJob
	idem  map[string]string // tenant + "\x00" + key -> job id
	order map[string]int64
	seq   int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*api.EngineJob),
		idem:  make(map[string]string),
		order: make(map[string]int64),
	}
}

func idemKey(tenantID, key string) string { return tenantID + "\x00" + key }

func (s *MemoryStore) EnqueueJob(ctx context.Context, job *api.EngineJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.IdempotencyKey != "" {
		k := idemKey(job.TenantID, job.IdempotencyKey)
		if _, ok := s.idem[k]; ok {
			return api.ErrDuplicateJob
		}
		s.idem[k] = job.ID
	}
	s.seq++
	s.order[job.ID] = s.seq
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*api.EngineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) GetJobByIdempotencyKey(ctx context.Context, tenantID, key string) (*api.EngineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.idem[idemKey(tenantID, key)]
	if !ok {
		return nil, ErrJobNotFound
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *api.EngineJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*api.EngineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*api.EngineJob
	for _, j := range s.jobs {
		if matches(j, filter) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return s.order[out[i].ID] < s.order[out[k].ID] })
	return out, nil
}

func (s *MemoryStore) ClaimReady(ctx context.Context, now time.Time, limit int) ([]*api.EngineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*api.EngineJob
	for _, j := range s.jobs {
		if j.Status == api.JobQueued && !j.RunAt.After(now) {
			ready = append(ready, j)
		}
	}
	sort.Slice(ready, func(i, k int) bool {
		if !ready[i].RunAt.Equal(ready[k].RunAt) {
			return ready[i].RunAt.Before(ready[k].RunAt)
		}
		return s.order[ready[i].ID] < s.order[ready[k].ID]
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]*api.EngineJob, 0, len(ready))
	for _, j := range ready {
		started := now
		j.Status = api.JobRunning
		j.StartedAt = &started
		j.UpdatedAt = now
		out = append(out, j.Clone())
	}
	return out, nil
}

func (s *MemoryStore) RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.Status != api.JobRunning || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		j.Status = api.JobQueued
		j.RunAt = now
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *MemoryStore) PurgeDone(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, j := range s.jobs {
		if j.Status != api.JobDone || j.FinishedAt == nil || !j.FinishedAt.Before(cutoff) {
			continue
		}
		if j.IdempotencyKey != "" {
			delete(s.idem, idemKey(j.TenantID, j.IdempotencyKey))
		}
		delete(s.jobs, id)
		delete(s.order, id)
		n++
	}
	return n, nil
}

func (s *MemoryStore) Stats(ctx context.Context, tenantID string) (api.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var acc statsAccumulator
	for _, j := range s.jobs {
		if tenantID == "" || j.TenantID == tenantID {
			acc.add(j)
		}
	}
	return acc.result(), nil
}
