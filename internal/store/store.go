package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dukerupert/resellr/internal/apperr"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxRunner runs a function inside a transaction and retries it when SQLite
// reports the database busy or locked. The function must be safe to run more
// than once: every mutation it performs is rolled back before a retry.
type TxRunner struct {
	db          *sql.DB
	maxRetries  uint64
	baseDelay   time.Duration
	onTransient func(error)
}

type TxOption func(*TxRunner)

// WithRetry sets the number of retries after the first attempt and the base
// delay of the exponential backoff between them.
func WithRetry(maxRetries uint64, baseDelay time.Duration) TxOption {
	return func(r *TxRunner) {
		r.maxRetries = maxRetries
		if baseDelay > 0 {
			r.baseDelay = baseDelay
		}
	}
}

// WithTransientHook registers a callback invoked each time an attempt fails
// with a retriable error.
func WithTransientHook(fn func(error)) TxOption {
	return func(r *TxRunner) {
		r.onTransient = fn
	}
}

func NewTxRunner(db *sql.DB, opts ...TxOption) *TxRunner {
	r := &TxRunner{
		db:          db,
		maxRetries:  3,
		baseDelay:   10 * time.Millisecond,
		onTransient: func(error) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DB returns the underlying handle for reads outside a transaction.
func (r *TxRunner) DB() *sql.DB {
	return r.db
}

// InTx runs fn in a transaction, committing when it returns nil. Transient
// failures are retried with backoff; once retries are exhausted the error is
// reported as apperr.ErrTransient.
func (r *TxRunner) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	backoff := retry.WithMaxRetries(r.maxRetries, retry.NewExponential(r.baseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := r.once(ctx, fn)
		if err != nil && IsTransient(err) {
			r.onTransient(err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && IsTransient(err) && apperr.KindOf(err) != apperr.KindTransient {
		return apperr.Transient(err)
	}
	return err
}

func (r *TxRunner) once(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// IsTransient reports whether err is a retriable store condition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if apperr.KindOf(err) == apperr.KindTransient {
		return true
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
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// IsUniqueViolation reports whether err is a UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
