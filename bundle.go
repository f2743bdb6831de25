package procflow

import (
	"database/sql"

	"github.com/petrijr/procflow/internal/engine"
	"github.com/petrijr/procflow/internal/persistence"
)

// NewSQLiteRunner constructs a durable LocalRunner whose instances, tasks,
// history and jobs share the provided SQLite database. After a restart,
// register the definitions again and Start; jobs left running by a crash
// are re-queued.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:procflow.db?_pragma=journal_mode(WAL)")
//	db.SetMaxOpenConns(1)
//	runner, err := procflow.NewSQLiteRunner(db, procflow.RunnerConfig{
//	    Retry: procflow.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute).Policy(),
//	})
func NewSQLiteRunner(db *sql.DB, cfg RunnerConfig) (*LocalRunner, error) {
	return newSQLRunner(db, persistence.SQLite, cfg)
}

// NewPostgresRunner is NewSQLiteRunner for PostgreSQL (pgx stdlib driver).
// Several runners may share one database; instance leases serialize work
// on the same process.
func NewPostgresRunner(db *sql.DB, cfg RunnerConfig) (*LocalRunner, error) {
	return newSQLRunner(db, persistence.Postgres, cfg)
}

func newSQLRunner(db *sql.DB, dialect persistence.Dialect, cfg RunnerConfig) (*LocalRunner, error) {
	eng, err := engine.NewSQLEngine(db, dialect, cfg.engineConfig())
	if err != nil {
		return nil, err
	}
	return cfg.newRunner(eng), nil
}
