package storage

import (
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name            string
	driverName      string
	placeholders    bool
	uniqueViolation func(error) bool
}

var postgresDialect = dialect{
	name:         DriverPostgres,
	driverName:   "postgres",
	placeholders: true,
	uniqueViolation: func(err error) bool {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return pqErr.Code == "23505"
		}
		return strings.Contains(err.Error(), "duplicate key")
	},
}

var sqliteDialect = dialect{
	name:       DriverSQLite,
	driverName: "sqlite",
	uniqueViolation: func(err error) bool {
		return strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

func dialectFor(driver string) (dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres, "postgresql", "cockroach":
		return postgresDialect, true
	case DriverSQLite, "sqlite3":
		return sqliteDialect, true
	default:
		return dialect{}, false
	}
}

// rebind rewrites ? placeholders into the dialect's positional form.
func (d dialect) rebind(query string) string {
	if !d.placeholders {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
