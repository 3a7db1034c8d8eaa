package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrUnavailable marks failures that mean the local store cannot be used at
// all: it could not be opened, is closed, or the disk refuses writes. Callers
// fall back to running without offline capability.
var ErrUnavailable = errors.New("local storage unavailable")

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.op, ErrUnavailable, e.err)
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.err}
}

// wrap tags err as ErrUnavailable when it signals a broken store, and
// otherwise adds op as context.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownCollection) || errors.Is(err, ErrUnknownIndex) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if isUnavailable(err) {
		return &unavailableError{op: op, err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	// database/sql does not export a sentinel for a closed *sql.DB.
	if strings.Contains(err.Error(), "sql: database is closed") {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_FULL, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN,
			sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_CORRUPT:
			return true
		}
	}
	return false
}
