package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

// Error categories per spec.md §4.1's failure contract.
const (
	CategoryBusy       = "busy"
	CategoryConstraint = "constraint"
	CategorySchema     = "schema"
	CategoryIO         = "io"
)

// Error is the structured error every store method surfaces. Category
// drives retry policy at the call site (busy is retryable).
type Error struct {
	Category string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps a raw driver error to a category. Unrecognised errors are
// treated as io — conservative, since an io failure is retried rather than
// silently ignored.
func classify(err error) *Error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &Error{Category: CategoryBusy, Err: err}
		case sqlite3.ErrConstraint:
			return &Error{Category: CategoryConstraint, Err: err}
		}
		return &Error{Category: CategorySchema, Err: err}
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1205, 1213: // lock wait timeout, deadlock
			return &Error{Category: CategoryBusy, Err: err}
		case 1062, 1451, 1452: // duplicate entry, FK violations
			return &Error{Category: CategoryConstraint, Err: err}
		case 1146, 1054: // no such table, unknown column
			return &Error{Category: CategorySchema, Err: err}
		}
		return &Error{Category: CategoryIO, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy"):
		return &Error{Category: CategoryBusy, Err: err}
	case strings.Contains(msg, "constraint") || strings.Contains(msg, "unique"):
		return &Error{Category: CategoryConstraint, Err: err}
	case strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column"):
		return &Error{Category: CategorySchema, Err: err}
	default:
		return &Error{Category: CategoryIO, Err: err}
	}
}

// RetryBusy runs fn, retrying with exponential backoff (capped at 30s total)
// while the returned error classifies as busy.
func RetryBusy(ctx context.Context, fn func() error) error {
	const maxTotal = 30 * time.Second
	backoff := 50 * time.Millisecond
	deadline := time.Now().Add(maxTotal)

	for {
		err := fn()
		if err == nil {
			return nil
		}
		se := classify(err)
		if se.Category != CategoryBusy || time.Now().After(deadline) {
			return se
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}
}
