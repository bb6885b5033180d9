package memory

import (
	"context"
	"sort"

	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
)

type RegistryRepository struct {
	backend *Backend
}

var _ store.RegistryRepository = (*RegistryRepository)(nil)

// NewRegistryRepository seeds the default worker count like the SQLite install.
func NewRegistryRepository(backend *Backend) *RegistryRepository {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if _, ok := backend.registry[domain.WorkerCountKey]; !ok {
		backend.registry[domain.WorkerCountKey] = domain.RegistryEntry{
			ID:        int64(len(backend.registry) + 1),
			Key:       domain.WorkerCountKey,
			Value:     "1",
			UpdatedAt: backend.now(),
		}
	}
	return &RegistryRepository{backend: backend}
}

func (r *RegistryRepository) Get(ctx context.Context, key string) (string, error) {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.registry[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return entry.Value, nil
}

func (r *RegistryRepository) Set(ctx context.Context, key, value string) error {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.registry[key]
	if !ok {
		entry = domain.RegistryEntry{ID: int64(len(b.registry) + 1), Key: key}
	}
	entry.Value = value
	entry.UpdatedAt = b.now()
	b.registry[key] = entry
	return nil
}

func (r *RegistryRepository) Delete(ctx context.Context, key string) error {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.registry, key)
	return nil
}

func (r *RegistryRepository) List(ctx context.Context) ([]domain.RegistryEntry, error) {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	items := make([]domain.RegistryEntry, 0, len(b.registry))
	for _, entry := range b.registry {
		items = append(items, entry)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}
