package options

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
	opts "github.com/goliatone/go-options"
)

// Settings paths understood by ResolveSettings.
const (
	PathWorkerCount = "workers.count"
)

// Scope names, lowest to highest precedence.
const (
	ScopeDefaults = "defaults"
	ScopeStore    = "store"
	ScopeProcess  = "process"
)

var errRegistryRequired = errors.New("options: registry repository is required")

// Scopes used for queue settings. Values persisted in the store override the
// built-in defaults; flags and environment of the current process override both.
var (
	DefaultsScope = opts.NewScope(ScopeDefaults, opts.ScopePrioritySystem, opts.WithScopeLabel("Defaults"))
	StoreScope    = opts.NewScope(ScopeStore, opts.ScopePriorityTenant, opts.WithScopeLabel("Store"))
	ProcessScope  = opts.NewScope(ScopeProcess, opts.ScopePriorityUser, opts.WithScopeLabel("Process"))
)

// Settings is the effective queue configuration. WorkerCountTrace lists every
// scope consulted for the count.
type Settings struct {
	WorkerCount       int
	WorkerCountSource string
	WorkerCountTrace  opts.Trace
}

// RegistrySnapshotStore reads the persisted settings scope from the registry.
type RegistrySnapshotStore struct {
	Registry store.RegistryRepository
}

// Load returns the store scope snapshot. ok is false when nothing is persisted.
func (s RegistrySnapshotStore) Load(ctx context.Context) (Snapshot, bool, error) {
	if s.Registry == nil {
		return Snapshot{}, false, errRegistryRequired
	}
	raw, err := s.Registry.Get(ctx, domain.WorkerCountKey)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("options: stored %s %q is not an integer", domain.WorkerCountKey, raw)
	}
	return Snapshot{
		Scope:      StoreScope,
		Data:       map[string]any{"workers": map[string]any{"count": count}},
		SnapshotID: domain.RegistryIdentity(domain.WorkerCountKey).String(),
	}, true, nil
}

// ResolveSettings layers defaults, the persisted registry values and process
// overrides (keys use the dotted paths above, e.g. {"workers": {"count": 2}}).
func ResolveSettings(ctx context.Context, registry store.RegistryRepository, overrides map[string]any) (Settings, error) {
	snapshots := []Snapshot{{
		Scope: DefaultsScope,
		Data: map[string]any{
			"workers": map[string]any{
				"count": domain.DefaultWorkerCount,
			},
		},
	}}

	stored, ok, err := RegistrySnapshotStore{Registry: registry}.Load(ctx)
	if err != nil {
		return Settings{}, err
	}
	if ok {
		snapshots = append(snapshots, stored)
	}
	if len(overrides) > 0 {
		snapshots = append(snapshots, Snapshot{Scope: ProcessScope, Data: overrides})
	}

	resolver, err := NewResolver(snapshots...)
	if err != nil {
		return Settings{}, err
	}

	settings := Settings{}
	count, trace, err := resolver.ResolveInt(PathWorkerCount)
	if err != nil {
		return Settings{}, err
	}
	if count < 1 {
		return Settings{}, fmt.Errorf("options: %s must be >= 1, got %d", PathWorkerCount, count)
	}
	settings.WorkerCount = count
	settings.WorkerCountTrace = trace
	settings.WorkerCountSource = sourceOf(snapshots, "workers", "count")
	return settings, nil
}

// sourceOf names the highest precedence scope that sets section.key.
func sourceOf(snapshots []Snapshot, section, key string) string {
	for i := len(snapshots) - 1; i >= 0; i-- {
		nested, ok := snapshots[i].Data[section].(map[string]any)
		if !ok {
			continue
		}
		if _, ok := nested[key]; ok {
			return snapshots[i].Scope.Name
		}
	}
	return ""
}
