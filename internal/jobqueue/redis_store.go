package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/procflow/pkg/api"
)

// RedisStore implements Store on Redis.
//
// Keys, all under a configurable prefix (default "procflow:"):
//
//	job:<id>                  JSON-encoded job
//	jobs                      set of all job ids
//	queued                    sorted set, score = runAt (µs)
//	running                   sorted set, score = startedAt (µs)
//	done                      sorted set, score = finishedAt (µs)
//	dead                      set
//	idem:<tenant>:<key>       job id owning an idempotency key
//
// Claiming moves ids from queued to running inside a Lua script, so each
// id is handed to exactly one caller.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore constructs a Redis-backed job store.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "procflow:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *RedisStore) idemKey(tenantID, key string) string {
	return s.prefix + "idem:" + tenantID + ":" + key
}
func (s *RedisStore) setKey(name string) string { return s.prefix + name }

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return ids
`)

func score(t time.Time) float64 { return float64(t.UnixMicro()) }

func (s *RedisStore) EnqueueJob(ctx context.Context, job *api.EngineJob) error {
	if job.IdempotencyKey != "" {
		ok, err := s.client.SetNX(ctx, s.idemKey(job.TenantID, job.IdempotencyKey), job.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("procflow/redis: enqueue idempotency: %w", err)
		}
		if !ok {
			return api.ErrDuplicateJob
		}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("procflow/redis: enqueue job: %w", err)
	}
	if !ok {
		return api.ErrDuplicateJob
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.setKey("jobs"), job.ID)
	s.index(ctx, pipe, job)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("procflow/redis: enqueue index: %w", err)
	}
	return nil
}

// index queues commands that place the job in exactly one status index.
func (s *RedisStore) index(ctx context.Context, pipe redis.Pipeliner, job *api.EngineJob) {
	pipe.ZRem(ctx, s.setKey("queued"), job.ID)
	pipe.ZRem(ctx, s.setKey("running"), job.ID)
	pipe.ZRem(ctx, s.setKey("done"), job.ID)
	pipe.SRem(ctx, s.setKey("dead"), job.ID)

	switch job.Status {
	case api.JobQueued:
		pipe.ZAdd(ctx, s.setKey("queued"), redis.Z{Score: score(job.RunAt), Member: job.ID})
	case api.JobRunning:
		started := job.UpdatedAt
		if job.StartedAt != nil {
			started = *job.StartedAt
		}
		pipe.ZAdd(ctx, s.setKey("running"), redis.Z{Score: score(started), Member: job.ID})
	case api.JobDone:
		finished := job.UpdatedAt
		if job.FinishedAt != nil {
			finished = *job.FinishedAt
		}
		pipe.ZAdd(ctx, s.setKey("done"), redis.Z{Score: score(finished), Member: job.ID})
	case api.JobDead:
		pipe.SAdd(ctx, s.setKey("dead"), job.ID)
	}
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*api.EngineJob, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("procflow/redis: get job: %w", err)
	}
	var j api.EngineJob
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *RedisStore) GetJobByIdempotencyKey(ctx context.Context, tenantID, key string) (*api.EngineJob, error) {
	id, err := s.client.Get(ctx, s.idemKey(tenantID, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("procflow/redis: get idempotency key: %w", err)
	}
	return s.GetJob(ctx, id)
}

func (s *RedisStore) UpdateJob(ctx context.Context, job *api.EngineJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	// XX: only overwrite an existing job.
	ok, err := s.client.SetXX(ctx, s.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("procflow/redis: update job: %w", err)
	}
	if !ok {
		return ErrJobNotFound
	}

	pipe := s.client.TxPipeline()
	s.index(ctx, pipe, job)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("procflow/redis: update index: %w", err)
	}
	return nil
}

func (s *RedisStore) all(ctx context.Context) ([]*api.EngineJob, error) {
	ids, err := s.client.SMembers(ctx, s.setKey("jobs")).Result()
	if err != nil {
		return nil, fmt.Errorf("procflow/redis: list jobs: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisStore) load(ctx context.Context, ids []string) ([]*api.EngineJob, error) {
	out := make([]*api.EngineJob, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue // purged concurrently
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *RedisStore) ListJobs(ctx context.Context, filter JobFilter) ([]*api.EngineJob, error) {
	jobs, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if matches(j, filter) {
			out = append(out, j)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *RedisStore) ClaimReady(ctx context.Context, now time.Time, limit int) ([]*api.EngineJob, error) {
	ids, err := claimScript.Run(ctx, s.client,
		[]string{s.setKey("queued"), s.setKey("running")},
		strconv.FormatInt(now.UnixMicro(), 10), limit,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("procflow/redis: claim: %w", err)
	}

	jobs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		started := now
		j.Status = api.JobRunning
		j.StartedAt = &started
		j.UpdatedAt = now
		data, err := json.Marshal(j)
		if err != nil {
			return nil, err
		}
		if err := s.client.Set(ctx, s.jobKey(j.ID), data, 0).Err(); err != nil {
			return nil, fmt.Errorf("procflow/redis: claim update: %w", err)
		}
	}
	sortByRunAt(jobs)
	return jobs, nil
}

func (s *RedisStore) RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.setKey("running"), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("procflow/redis: stale scan: %w", err)
	}
	jobs, err := s.load(ctx, ids)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if j.Status != api.JobRunning {
			continue
		}
		j.Status = api.JobQueued
		j.RunAt = now
		j.UpdatedAt = now
		if err := s.UpdateJob(ctx, j); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *RedisStore) PurgeDone(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.setKey("done"), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("procflow/redis: purge scan: %w", err)
	}
	jobs, err := s.load(ctx, ids)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if j.Status != api.JobDone {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.jobKey(j.ID))
		pipe.SRem(ctx, s.setKey("jobs"), j.ID)
		pipe.ZRem(ctx, s.setKey("done"), j.ID)
		if j.IdempotencyKey != "" {
			pipe.Del(ctx, s.idemKey(j.TenantID, j.IdempotencyKey))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return n, fmt.Errorf("procflow/redis: purge: %w", err)
		}
		n++
	}
	return n, nil
}

func (s *RedisStore) Stats(ctx context.Context, tenantID string) (api.QueueStats, error) {
	jobs, err := s.all(ctx)
	if err != nil {
		return api.QueueStats{}, err
	}
	var acc statsAccumulator
	for _, j := range jobs {
		if tenantID == "" || j.TenantID == tenantID {
			acc.add(j)
		}
	}
	return acc.result(), nil
}
