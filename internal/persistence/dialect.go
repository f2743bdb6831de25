package persistence

import (
	"strconv"
	"strings"
)

// Dialect captures the small differences between the SQL databases the
// stores run on. Queries are written with '?' placeholders and rebound.
type Dialect struct {
	Name string
	// Blob is the column type for encoded values.
	Blob string
	// Serial is the column type for auto-incrementing ids.
	Serial string
	// Numbered reports whether placeholders are $1, $2, ...
	Numbered bool
}

var (
	SQLite   = Dialect{Name: "sqlite", Blob: "BLOB", Serial: "INTEGER PRIMARY KEY AUTOINCREMENT"}
	Postgres = Dialect{Name: "postgres", Blob: "BYTEA", Serial: "BIGSERIAL PRIMARY KEY", Numbered: true}
)

// Rebind rewrites '?' placeholders for the dialect. Question marks inside
// single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Placeholders returns n comma-separated '?' placeholders.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
