package persistence

import (
	"database/sql"
)

// NewSQLiteStore initializes the schema in a SQLite database and returns a
// store for instances and tasks.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). In-memory databases should be opened with
// db.SetMaxOpenConns(1) so every query sees the same database.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(db, SQLite)
}
