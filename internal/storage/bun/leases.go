package bunrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// LeaseRepository keeps worker registrations in the registry table.
type LeaseRepository struct {
	db *bun.DB
	tx *exclusiveRunner
}

var _ store.LeaseRepository = (*LeaseRepository)(nil)

func NewLeaseRepository(db *bun.DB, opts ...Option) *LeaseRepository {
	return &LeaseRepository{db: db, tx: newExclusiveRunner(db, opts...)}
}

// Acquire checks the current registration and replaces it within one
// exclusive transaction.
func (r *LeaseRepository) Acquire(ctx context.Context, lease domain.Lease, now time.Time) error {
	return r.tx.run(ctx, func(ctx context.Context, tx bun.IDB) error {
		current, err := lookupLease(ctx, tx, lease.Slot)
		switch {
		case err == nil:
			if current.Live(now) && current.Holder != lease.Holder {
				return fmt.Errorf("jobqueue/bun: slot %d held by pid %d: %w", lease.Slot, current.PID, store.ErrAlreadyRunning)
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		key := domain.WorkerKey(lease.Slot)
		if _, err := tx.NewDelete().TableExpr("registry").Where("key = ?", key).Exec(ctx); err != nil {
			return fmt.Errorf("jobqueue/bun: clear registration %s: %w", key, err)
		}
		entry := lease.Entry()
		entry.UpdatedAt = r.tx.now()
		if _, err := tx.NewInsert().Model(entry).Exec(ctx); err != nil {
			return fmt.Errorf("jobqueue/bun: register %s: %w", key, err)
		}
		return nil
	})
}

func (r *LeaseRepository) Renew(ctx context.Context, slot int, holder uuid.UUID, expiresAt time.Time) error {
	res, err := r.db.NewUpdate().
		TableExpr("registry").
		Set("expires_at = ?", expiresAt.UTC()).
		Set("updated_at = ?", r.tx.now()).
		Where("key = ?", domain.WorkerKey(slot)).
		Where("holder = ?", holder.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("jobqueue/bun: renew slot %d: %w", slot, err)
	}
	if affected(res) == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

func (r *LeaseRepository) Release(ctx context.Context, slot int, holder uuid.UUID) error {
	_, err := r.db.NewDelete().
		TableExpr("registry").
		Where("key = ?", domain.WorkerKey(slot)).
		Where("holder = ?", holder.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("jobqueue/bun: release slot %d: %w", slot, err)
	}
	return nil
}

func (r *LeaseRepository) ForceRelease(ctx context.Context, slot int) error {
	res, err := r.db.NewDelete().
		TableExpr("registry").
		Where("key = ?", domain.WorkerKey(slot)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("jobqueue/bun: force release slot %d: %w", slot, err)
	}
	if affected(res) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *LeaseRepository) Lookup(ctx context.Context, slot int) (*domain.Lease, error) {
	return lookupLease(ctx, r.db, slot)
}

// lookupLease reads the registration of slot through db, which may be an
// open exclusive transaction.
func lookupLease(ctx context.Context, db bun.IDB, slot int) (*domain.Lease, error) {
	entry := new(domain.RegistryEntry)
	err := db.NewSelect().Model(entry).
		Where("key = ?", domain.WorkerKey(slot)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("jobqueue/bun: lookup slot %d: %w", slot, err)
	}
	return domain.LeaseFromEntry(entry)
}
