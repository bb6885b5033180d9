package bunrepo

import (
	"context"
	"fmt"

	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RegistryRepository provides key/value access to the registry table.
type RegistryRepository struct {
	repo repository.Repository[*domain.RegistryEntry]
	db   *bun.DB
	tx   *exclusiveRunner
}

var _ store.RegistryRepository = (*RegistryRepository)(nil)

func NewRegistryRepository(db *bun.DB, opts ...Option) *RegistryRepository {
	handlers := repository.ModelHandlers[*domain.RegistryEntry]{
		NewRecord: func() *domain.RegistryEntry { return &domain.RegistryEntry{} },
		GetID:     func(e *domain.RegistryEntry) uuid.UUID { return e.Identity() },
		// Identity derives from Key; there is nothing to assign.
		SetID:              func(e *domain.RegistryEntry, id uuid.UUID) {},
		GetIdentifier:      func() string { return "key" },
		GetIdentifierValue: func(e *domain.RegistryEntry) string { return e.Key },
	}
	return &RegistryRepository{
		repo: repository.MustNewRepository[*domain.RegistryEntry](db, handlers),
		db:   db,
		tx:   newExclusiveRunner(db, opts...),
	}
}

func (r *RegistryRepository) Get(ctx context.Context, key string) (string, error) {
	entry, err := r.repo.Get(ctx, withKey(key))
	if err != nil {
		return "", mapError(err)
	}
	return entry.Value, nil
}

// Set upserts key. Lease columns of an existing row are left untouched.
func (r *RegistryRepository) Set(ctx context.Context, key, value string) error {
	entry := &domain.RegistryEntry{
		Key:       key,
		Value:     value,
		UpdatedAt: r.tx.now(),
	}
	_, err := r.db.NewInsert().
		Model(entry).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("jobqueue/bun: set %s: %w", key, err)
	}
	return nil
}

func (r *RegistryRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.NewDelete().TableExpr("registry").Where("key = ?", key).Exec(ctx); err != nil {
		return fmt.Errorf("jobqueue/bun: delete %s: %w", key, err)
	}
	return nil
}

func (r *RegistryRepository) List(ctx context.Context) ([]domain.RegistryEntry, error) {
	records, _, err := r.repo.List(ctx, orderByKey())
	if err != nil {
		return nil, mapError(err)
	}
	items := make([]domain.RegistryEntry, len(records))
	for i, rec := range records {
		items[i] = *rec
	}
	return items, nil
}
