// Package storage opens the SQLite database shared by the job and catalog stores.
package storage

import (
	"database/sql"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) the database at path.
//
// The pool is capped at one connection: SQLite serializes writers anyway, and
// ":memory:" databases are per-connection. Callers must not hold a *sql.Rows
// open while issuing another query.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "exec %q", p)
		}
	}
	return db, nil
}
