package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
	"github.com/google/uuid"
)

func TestJobRepositoryMemoryLifecycle(t *testing.T) {
	backend := NewBackend()
	jobs := NewJobRepository(backend)
	ctx := context.Background()

	id, err := jobs.Insert(ctx, "echo", domain.MustPayload(map[string]any{"x": 1}))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := jobs.ReceiveAndDelete(ctx, id); !errors.Is(err, store.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	job, err := jobs.ClaimNext(ctx, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := jobs.ClaimNext(ctx, 1); !errors.Is(err, store.ErrNoWork) {
		t.Fatalf("expected ErrNoWork, got %v", err)
	}
	if err := jobs.Complete(ctx, job, job.Data); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := jobs.ReceiveAndDelete(ctx, id)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !got.Result.Equal(domain.MustPayload(map[string]any{"x": 1})) {
		t.Fatalf("unexpected result %s", got.Result)
	}
	if _, err := jobs.ReceiveAndDelete(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobRepositoryMemoryConcurrentClaims(t *testing.T) {
	backend := NewBackend()
	jobs := NewJobRepository(backend)
	ctx := context.Background()

	const total = 100
	for i := 0; i < total; i++ {
		if _, err := jobs.Insert(ctx, "work", domain.MustPayload(i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				job, err := jobs.ClaimNext(ctx, worker)
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct claims, got %d", total, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("job %d claimed %d times", id, count)
		}
	}
}

func TestLeaseRepositoryMemory(t *testing.T) {
	backend := NewBackend()
	leases := NewLeaseRepository(backend)
	jobs := NewJobRepository(backend)
	ctx := context.Background()
	now := time.Now().UTC()

	holder := uuid.New()
	if err := leases.Acquire(ctx, domain.Lease{Slot: 0, PID: 1, Holder: holder, ExpiresAt: now.Add(time.Second)}, now); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	other := domain.Lease{Slot: 0, PID: 2, Holder: uuid.New(), ExpiresAt: now.Add(time.Minute)}
	if err := leases.Acquire(ctx, other, now); !errors.Is(err, store.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := leases.Acquire(ctx, other, now.Add(2*time.Second)); err != nil {
		t.Fatalf("acquire stale slot: %v", err)
	}
	id, err := jobs.Insert(ctx, "echo", domain.MustPayload(1))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := jobs.ClaimNextOrRelease(ctx, 0, holder); !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for the replaced holder, got %v", err)
	}
	if job, _ := jobs.Get(ctx, id); !job.Pending() {
		t.Fatalf("replaced holder must not claim, got %+v", job)
	}
	if _, err := leases.Lookup(ctx, 0); err != nil {
		t.Fatalf("a foreign holder must not release the slot: %v", err)
	}
	claimed, err := jobs.ClaimNextOrRelease(ctx, 0, other.Holder)
	if err != nil || claimed.ID != id {
		t.Fatalf("current holder should claim job %d, got %+v (%v)", id, claimed, err)
	}
	if err := jobs.Complete(ctx, claimed, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := jobs.ClaimNextOrRelease(ctx, 0, other.Holder); !errors.Is(err, store.ErrNoWork) {
		t.Fatalf("expected ErrNoWork, got %v", err)
	}
	if _, err := leases.Lookup(ctx, 0); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected slot released, got %v", err)
	}
}

func TestFailOrphansHonoursLiveRegistration(t *testing.T) {
	backend := NewBackend()
	leases := NewLeaseRepository(backend)
	jobs := NewJobRepository(backend)
	ctx := context.Background()
	now := time.Now().UTC()

	holder := uuid.New()
	if err := leases.Acquire(ctx, domain.Lease{Slot: 1, PID: 7, Holder: holder, ExpiresAt: now.Add(time.Minute)}, now); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	id, _ := jobs.Insert(ctx, "echo", domain.MustPayload(nil))
	if _, err := jobs.ClaimNextOrRelease(ctx, 1, holder); err != nil {
		t.Fatalf("claim: %v", err)
	}

	failed, err := jobs.FailOrphans(ctx, 1, uuid.Nil, "orphaned", now)
	if err != nil || len(failed) != 0 {
		t.Fatalf("live worker jobs must be kept, got %d (%v)", len(failed), err)
	}
	failed, err = jobs.FailOrphans(ctx, 1, holder, "orphaned", now)
	if err != nil || len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("excepted holder jobs should fail, got %+v (%v)", failed, err)
	}
	if job, _ := jobs.Get(ctx, id); !job.Failed() || job.Error != "orphaned" {
		t.Fatalf("expected orphan marker, got %+v", job)
	}
	failed, err = jobs.FailOrphans(ctx, 1, uuid.Nil, "orphaned", now.Add(2*time.Minute))
	if err != nil || len(failed) != 0 {
		t.Fatalf("nothing left running, got %d (%v)", len(failed), err)
	}
}

func TestRegistryRepositoryMemorySeedsWorkerCount(t *testing.T) {
	registry := NewRegistryRepository(NewBackend())
	ctx := context.Background()

	value, err := registry.Get(ctx, domain.WorkerCountKey)
	if err != nil || value != "1" {
		t.Fatalf("expected seeded worker count, got %q (%v)", value, err)
	}
	if err := registry.Set(ctx, "custom", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	entries, _ := registry.List(ctx)
	if len(entries) != 2 || entries[0].Key != "custom" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
