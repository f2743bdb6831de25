package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/procflow/internal/persistence"
	"github.com/petrijr/procflow/pkg/api"
)

// SQLStore is a Store on database/sql for SQLite and PostgreSQL.
//
// Claiming is a single UPDATE ... WHERE id IN (SELECT ...) RETURNING
// statement, conditioned on the row still being queued. On PostgreSQL the
// inner select also takes FOR UPDATE SKIP LOCKED so concurrent schedulers
// skip each other's rows instead of waiting.
type SQLStore struct {
	db      *sql.DB
	dialect persistence.Dialect
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the jobs table if needed.
func NewSQLStore(db *sql.DB, dialect persistence.Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore is NewSQLStore with the SQLite dialect.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) { return NewSQLStore(db, persistence.SQLite) }

// NewPostgresStore is NewSQLStore with the PostgreSQL dialect.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) { return NewSQLStore(db, persistence.Postgres) }

func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS engine_jobs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			process_id TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			run_at BIGINT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 0,
			payload ` + s.dialect.Blob + `,
			idempotency_key TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL DEFAULT 0,
			finished_at BIGINT NOT NULL DEFAULT 0,
			duration_ns BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_engine_jobs_ready ON engine_jobs(status, run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_engine_jobs_process ON engine_jobs(process_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_engine_jobs_idempotency
			ON engine_jobs(tenant_id, idempotency_key) WHERE idempotency_key <> ''`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const jobColumns = `id, tenant_id, process_id, task_id, kind, status, run_at, attempts, max_attempts,
	payload, idempotency_key, last_error, created_at, updated_at, started_at, finished_at, duration_ns`

func (s *SQLStore) EnqueueJob(ctx context.Context, job *api.EngineJob) error {
	payload, err := persistence.EncodeValue(job.Payload)
	if err != nil {
		return err
	}

	// ON CONFLICT DO NOTHING covers both the primary key and the partial
	// idempotency index.
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO engine_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		job.ID,
		job.TenantID,
		job.ProcessID,
		job.TaskID,
		string(job.Kind),
		string(job.Status),
		persistence.Nanos(job.RunAt),
		job.Attempts,
		job.MaxAttempts,
		payload,
		job.IdempotencyKey,
		job.LastError,
		persistence.Nanos(job.CreatedAt),
		persistence.Nanos(job.UpdatedAt),
		persistence.NanosPtr(job.StartedAt),
		persistence.NanosPtr(job.FinishedAt),
		int64(job.Duration),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrDuplicateJob
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*api.EngineJob, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM engine_jobs WHERE id = ?`, id)
}

func (s *SQLStore) GetJobByIdempotencyKey(ctx context.Context, tenantID, key string) (*api.EngineJob, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM engine_jobs WHERE tenant_id = ? AND idempotency_key = ?`, tenantID, key)
}

func (s *SQLStore) getOne(ctx context.Context, query string, args ...any) (*api.EngineJob, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (s *SQLStore) UpdateJob(ctx context.Context, job *api.EngineJob) error {
	payload, err := persistence.EncodeValue(job.Payload)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE engine_jobs
		SET kind = ?, status = ?, run_at = ?, attempts = ?, max_attempts = ?, payload = ?, last_error = ?,
		    updated_at = ?, started_at = ?, finished_at = ?, duration_ns = ?
		WHERE id = ?`),
		string(job.Kind),
		string(job.Status),
		persistence.Nanos(job.RunAt),
		job.Attempts,
		job.MaxAttempts,
		payload,
		job.LastError,
		persistence.Nanos(job.UpdatedAt),
		persistence.NanosPtr(job.StartedAt),
		persistence.NanosPtr(job.FinishedAt),
		int64(job.Duration),
		job.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*api.EngineJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.ProcessID != "" {
		where = append(where, "process_id = ?")
		args = append(args, filter.ProcessID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+persistence.Placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + jobColumns + ` FROM engine_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	return s.query(ctx, query, args...)
}

func (s *SQLStore) ClaimReady(ctx context.Context, now time.Time, limit int) ([]*api.EngineJob, error) {
	lock := ""
	if s.dialect.Numbered {
		lock = "FOR UPDATE SKIP LOCKED"
	}
	nowN := now.UnixNano()

	jobs, err := s.query(ctx, `
		UPDATE engine_jobs
		SET status = 'running', started_at = ?, updated_at = ?
		WHERE status = 'queued' AND id IN (
			SELECT id FROM engine_jobs
			WHERE status = 'queued' AND run_at <= ?
			ORDER BY run_at, created_at
			LIMIT ?
			`+lock+`
		)
		RETURNING `+jobColumns,
		nowN, nowN, nowN, limit,
	)
	if err != nil {
		return nil, err
	}
	sortByRunAt(jobs)
	return jobs, nil
}

func (s *SQLStore) RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE engine_jobs
		SET status = 'queued', run_at = ?, updated_at = ?
		WHERE status = 'running' AND started_at < ?`),
		now.UnixNano(), now.UnixNano(), cutoff.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) PurgeDone(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		DELETE FROM engine_jobs
		WHERE status = 'done' AND finished_at < ?`),
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) Stats(ctx context.Context, tenantID string) (api.QueueStats, error) {
	query := `
		SELECT status, COUNT(*), CAST(COALESCE(SUM(duration_ns), 0) AS BIGINT)
		FROM engine_jobs`
	var args []any
	if tenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return api.QueueStats{}, err
	}
	defer rows.Close()

	var stats api.QueueStats
	for rows.Next() {
		var (
			status string
			count  int64
			sumNs  int64
		)
		if err := rows.Scan(&status, &count, &sumNs); err != nil {
			return api.QueueStats{}, err
		}
		switch api.JobStatus(status) {
		case api.JobQueued:
			stats.Queued = count
		case api.JobRunning:
			stats.Running = count
		case api.JobDone:
			stats.Done = count
			if count > 0 {
				stats.AvgExecution = time.Duration(sumNs / count)
			}
		case api.JobDead:
			stats.Dead = count
		}
	}
	return stats, rows.Err()
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]*api.EngineJob, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.EngineJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*api.EngineJob, error) {
	var (
		j                                api.EngineJob
		kind, status                     string
		payload                          []byte
		runAt, created, updated          int64
		started, finished, durationNanos int64
	)
	if err := sc.Scan(
		&j.ID, &j.TenantID, &j.ProcessID, &j.TaskID, &kind, &status, &runAt, &j.Attempts, &j.MaxAttempts,
		&payload, &j.IdempotencyKey, &j.LastError, &created, &updated, &started, &finished, &durationNanos,
	); err != nil {
		return nil, err
	}

	j.Kind = api.JobKind(kind)
	j.Status = api.JobStatus(status)
	j.RunAt = persistence.FromNanos(runAt)
	j.CreatedAt = persistence.FromNanos(created)
	j.UpdatedAt = persistence.FromNanos(updated)
	j.StartedAt = persistence.FromNanosPtr(started)
	j.FinishedAt = persistence.FromNanosPtr(finished)
	j.Duration = time.Duration(durationNanos)

	var err error
	if j.Payload, err = persistence.DecodeValue[map[string]any](payload); err != nil {
		return nil, err
	}
	return &j, nil
}
