package persistence

import (
	"database/sql"
)

// NewPostgresStore initializes the schema in a PostgreSQL database and
// returns a store for instances and tasks.
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(db, Postgres)
}
