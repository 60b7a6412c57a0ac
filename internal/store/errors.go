package store

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsSQLiteConflictError reports SQLITE_BUSY and SQLITE_LOCKED, including extended codes.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// IsTransient reports whether a store error is likely to clear on its own: a busy SQLite
// database, an unreachable or slow NATS server, or a deadline.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotProcessing) || errors.Is(err, ErrArchived) {
		return false
	}
	if IsSQLiteConflictError(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionReconnecting) ||
		errors.Is(err, nats.ErrNoResponders)
}
