package memory

import (
	"context"
	"time"

	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
	"github.com/google/uuid"
)

type LeaseRepository struct {
	backend *Backend
}

var _ store.LeaseRepository = (*LeaseRepository)(nil)

func NewLeaseRepository(backend *Backend) *LeaseRepository {
	return &LeaseRepository{backend: backend}
}

func (r *LeaseRepository) Acquire(ctx context.Context, lease domain.Lease, now time.Time) error {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	key := domain.WorkerKey(lease.Slot)
	if entry, ok := b.registry[key]; ok {
		current, err := domain.LeaseFromEntry(&entry)
		if err != nil {
			return err
		}
		if current.Live(now) && current.Holder != lease.Holder {
			return store.ErrAlreadyRunning
		}
	}
	entry := lease.Entry()
	entry.ID = int64(len(b.registry) + 1)
	entry.UpdatedAt = b.now()
	b.registry[key] = *entry
	return nil
}

func (r *LeaseRepository) Renew(ctx context.Context, slot int, holder uuid.UUID, expiresAt time.Time) error {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	key := domain.WorkerKey(slot)
	entry, ok := b.registry[key]
	if !ok || entry.Holder != holder.String() {
		return store.ErrLeaseLost
	}
	entry.ExpiresAt = expiresAt.UTC()
	entry.UpdatedAt = b.now()
	b.registry[key] = entry
	return nil
}

func (r *LeaseRepository) Release(ctx context.Context, slot int, holder uuid.UUID) error {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	key := domain.WorkerKey(slot)
	if entry, ok := b.registry[key]; ok && entry.Holder == holder.String() {
		delete(b.registry, key)
	}
	return nil
}

func (r *LeaseRepository) ForceRelease(ctx context.Context, slot int) error {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	key := domain.WorkerKey(slot)
	if _, ok := b.registry[key]; !ok {
		return store.ErrNotFound
	}
	delete(b.registry, key)
	return nil
}

func (r *LeaseRepository) Lookup(ctx context.Context, slot int) (*domain.Lease, error) {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.registry[domain.WorkerKey(slot)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return domain.LeaseFromEntry(&entry)
}
