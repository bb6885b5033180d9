package bunrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
	"github.com/goliatone/go-jobqueue/pkg/retry"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

const defaultBeginAttempts = 8

// Option customises the SQLite repositories.
type Option func(*exclusiveRunner)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *exclusiveRunner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithBackoff sets the policy used when BEGIN IMMEDIATE finds the database locked.
func WithBackoff(b retry.Backoff, attempts int) Option {
	return func(r *exclusiveRunner) {
		if b != nil {
			r.backoff = b
		}
		if attempts > 0 {
			r.attempts = attempts
		}
	}
}

// exclusiveRunner executes callbacks inside BEGIN IMMEDIATE transactions.
// SQLite takes the RESERVED lock up front, so at most one connection across
// all processes can be inside the window at a time.
type exclusiveRunner struct {
	db       *bun.DB
	backoff  retry.Backoff
	attempts int
	now      func() time.Time
}

func newExclusiveRunner(db *bun.DB, opts ...Option) *exclusiveRunner {
	r := &exclusiveRunner{
		db:       db,
		backoff:  retry.DefaultBackoff(),
		attempts: defaultBeginAttempts,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *exclusiveRunner) run(ctx context.Context, fn func(ctx context.Context, tx bun.IDB) error) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("jobqueue/bun: acquire connection: %w", err)
	}
	defer conn.Close()

	err = retry.Do(ctx, r.backoff, r.attempts, isBusy, func(ctx context.Context) error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		return err
	})
	if err != nil {
		return fmt.Errorf("jobqueue/bun: begin exclusive: %w", err)
	}

	if err := fn(ctx, conn); err != nil {
		rollback(conn)
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		rollback(conn)
		return fmt.Errorf("jobqueue/bun: commit: %w", err)
	}
	return nil
}

func rollback(conn bun.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = conn.ExecContext(ctx, "ROLLBACK")
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if isNoRows(err) || repository.IsRecordNotFound(err) {
		return store.ErrNotFound
	}
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isBusy matches SQLITE_BUSY / SQLITE_LOCKED from either sqliteshim backend.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

func affected(res sql.Result) int64 {
	if res == nil {
		return 0
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // sqlite drivers always report rows
	return rows
}
