package persistence

import (
	"context"
	"database/sql"

	"github.com/petrijr/procflow/pkg/api"
)

// SQLEventStore stores process history in a SQL table.
type SQLEventStore struct {
	db      *sql.DB
	dialect Dialect
	now     api.Clock
}

// Ensure SQLEventStore implements the interfaces.
var _ EventStore = (*SQLEventStore)(nil)

func NewSQLEventStore(db *sql.DB, dialect Dialect) (*SQLEventStore, error) {
	s := &SQLEventStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock sets the clock used to stamp events that carry no time.
func (s *SQLEventStore) WithClock(c api.Clock) *SQLEventStore {
	s.now = c
	return s
}

func (s *SQLEventStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_events (
			id ` + s.dialect.Serial + `,
			process_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			element_id TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			job_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_process_events_process_id ON process_events(process_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLEventStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) error {
	at := ev.At
	if at.IsZero() {
		at = s.now.Now()
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO process_events (process_id, tenant_id, at, type, element_id, task_id, job_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ProcessID,
		ev.TenantID,
		at.UnixNano(),
		string(ev.Type),
		ev.ElementID,
		ev.TaskID,
		ev.JobID,
		ev.Detail,
	)
	return err
}

func (s *SQLEventStore) ListEvents(ctx context.Context, processID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT process_id, tenant_id, at, type, element_id, task_id, job_id, detail
		FROM process_events
		WHERE process_id = ?
		ORDER BY id ASC`), processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var (
			ev  api.HistoryEvent
			atN int64
			typ string
		)
		if err := rows.Scan(&ev.ProcessID, &ev.TenantID, &atN, &typ, &ev.ElementID, &ev.TaskID, &ev.JobID, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = FromNanos(atN)
		ev.Type = api.HistoryType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}
