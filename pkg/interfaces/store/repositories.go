package store

import (
	"context"
	"errors"
	"time"

	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record cannot be located.
	ErrNotFound = errors.New("store: not found")
	// ErrNotReady is returned when a job exists but has not finished.
	ErrNotReady = errors.New("store: job not ready")
	// ErrNoWork is returned by claims when no job is eligible.
	ErrNoWork = errors.New("store: no work")
	// ErrAlreadyRunning is returned when a slot is held by a live registration.
	ErrAlreadyRunning = errors.New("store: worker slot already running")
	// ErrLeaseLost is returned when a worker no longer holds its slot lease.
	ErrLeaseLost = errors.New("store: lease lost")
	// ErrConflict is returned when a guarded write matched no row.
	ErrConflict = errors.New("store: conflicting update")
)

// JobRepository persists jobs and exposes the claim/write-back primitives.
type JobRepository interface {
	Insert(ctx context.Context, method string, data domain.Payload) (int64, error)
	Get(ctx context.Context, id int64) (*domain.JobRecord, error)
	// ClaimNext atomically marks one eligible job as owned by workerID and running.
	ClaimNext(ctx context.Context, workerID int) (*domain.JobRecord, error)
	// ClaimNextOrRelease behaves like ClaimNext but frees the worker slot
	// registration held by holder in the same transaction when no job is eligible.
	// It returns ErrLeaseLost without claiming when holder no longer owns the slot.
	ClaimNextOrRelease(ctx context.Context, workerID int, holder uuid.UUID) (*domain.JobRecord, error)
	Complete(ctx context.Context, job *domain.JobRecord, result domain.Payload) error
	Fail(ctx context.Context, job *domain.JobRecord, reason string) error
	// ReceiveAndDelete returns a finished job and deletes it.
	ReceiveAndDelete(ctx context.Context, id int64) (*domain.JobRecord, error)
	ListRunning(ctx context.Context, workerID int) ([]domain.JobRecord, error)
	// FailOrphans writes reason as failure marker on every job running under
	// slot, unless a holder other than except owns a live registration at now.
	// Pass uuid.Nil as except to honour any live registration.
	FailOrphans(ctx context.Context, slot int, except uuid.UUID, reason string, now time.Time) ([]domain.JobRecord, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
}

// RegistryRepository is plain key/value access to the registry table.
type RegistryRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]domain.RegistryEntry, error)
}

// LeaseRepository manages worker slot registrations.
type LeaseRepository interface {
	// Acquire registers lease for its slot, replacing a stale registration.
	// It returns ErrAlreadyRunning when another live holder owns the slot.
	Acquire(ctx context.Context, lease domain.Lease, now time.Time) error
	Renew(ctx context.Context, slot int, holder uuid.UUID, expiresAt time.Time) error
	Release(ctx context.Context, slot int, holder uuid.UUID) error
	ForceRelease(ctx context.Context, slot int) error
	Lookup(ctx context.Context, slot int) (*domain.Lease, error)
}
