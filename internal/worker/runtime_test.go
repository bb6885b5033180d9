package worker

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-jobqueue/internal/dispatcher"
	"github.com/goliatone/go-jobqueue/internal/storage/memory"
	"github.com/goliatone/go-jobqueue/pkg/config"
	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/launcher"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
	"github.com/goliatone/go-jobqueue/pkg/storage"
	"github.com/google/uuid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	backend *memory.Backend
	jobs    *memory.JobRepository
	leases  *memory.LeaseRepository
	clock   *fakeClock
}

func newHarness() *harness {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	backend := memory.NewBackend()
	backend.SetClock(clock.Now)
	return &harness{
		backend: backend,
		jobs:    memory.NewJobRepository(backend),
		leases:  memory.NewLeaseRepository(backend),
		clock:   clock,
	}
}

func (h *harness) runtime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	if opts.LeaseTTL == 0 {
		opts.LeaseTTL = time.Hour
		opts.HeartbeatInterval = time.Minute
	}
	rt, err := New(Dependencies{Jobs: h.jobs, Leases: h.leases, Options: opts, Clock: h.clock.Now})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	return rt
}

func (h *harness) insert(t *testing.T, method string, data any) int64 {
	t.Helper()
	id, err := h.jobs.Insert(context.Background(), method, domain.MustPayload(data))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return id
}

func TestEchoRoundTripThroughDispatcher(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	var spawned []launcher.Request
	cfg := config.Defaults()
	cfg.Store.Path = "/tmp/queue.db"
	svc, err := dispatcher.New(dispatcher.Dependencies{
		Jobs:     h.jobs,
		Registry: memory.NewRegistryRepository(h.backend),
		Leases:   h.leases,
		Launcher: launcher.Func(func(ctx context.Context, req launcher.Request) (int, error) {
			spawned = append(spawned, req)
			return 4242, nil
		}),
		Config: cfg,
		Clock:  h.clock.Now,
	})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	id, err := svc.Dispatch(ctx, domain.Job{Method: "echo", Data: map[string]any{"x": 1}})
	if err != nil || id != 1 {
		t.Fatalf("expected id 1, got %d (%v)", id, err)
	}
	if len(spawned) != 1 {
		t.Fatalf("expected one spawn, got %d", len(spawned))
	}

	rt := h.runtime(t, Options{Slot: spawned[0].Slot, Holder: spawned[0].Holder})
	if err := rt.Register("echo", Echo); err != nil {
		t.Fatalf("register: %v", err)
	}
	outcome, err := rt.Run(ctx)
	if err != nil || outcome != OutcomeIdle {
		t.Fatalf("expected idle outcome, got %s (%v)", outcome, err)
	}
	if rt.State() != StateFreed {
		t.Fatalf("expected freed state, got %s", rt.State())
	}

	done, err := svc.IsComplete(ctx, id)
	if err != nil || !done {
		t.Fatalf("expected complete, got %v (%v)", done, err)
	}
	job, err := svc.Receive(ctx, id)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	want := domain.MustPayload(map[string]any{"x": 1})
	if !job.Data.Equal(want) || !job.Result.Equal(want) {
		t.Fatalf("unexpected data/result %s / %s", job.Data, job.Result)
	}
	if _, err := svc.Receive(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if running, _ := svc.IsRunning(ctx, 0); running {
		t.Fatalf("idle worker must free its slot")
	}
	if _, err := svc.Dispatch(ctx, domain.Job{Method: "echo", Data: 2}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(spawned) != 2 {
		t.Fatalf("expected exactly one new spawn after idle, got %d total", len(spawned))
	}
}

func TestFailuresWriteMarkerAndContinue(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	unknown := h.insert(t, "missing", 1)
	failing := h.insert(t, "fail", 2)
	panicking := h.insert(t, "panic", 3)
	badInput := h.insert(t, "double", "not a number")
	ok := h.insert(t, "double", 21)

	rt := h.runtime(t, Options{})
	_ = rt.Register("fail", func(ctx context.Context, data domain.Payload) (any, error) {
		return nil, errors.New("handler exploded")
	})
	_ = rt.Register("panic", func(ctx context.Context, data domain.Payload) (any, error) {
		panic("kaboom")
	})
	_ = rt.Register("double", Typed(func(ctx context.Context, n int) (int, error) {
		return n * 2, nil
	}))

	outcome, err := rt.Run(ctx)
	if err != nil || outcome != OutcomeIdle {
		t.Fatalf("expected idle outcome, got %s (%v)", outcome, err)
	}

	expectFailure := func(id int64, fragment string) {
		t.Helper()
		job, err := h.jobs.ReceiveAndDelete(ctx, id)
		if err != nil {
			t.Fatalf("receive %d: %v", id, err)
		}
		if !job.Failed() || !strings.Contains(job.Error, fragment) {
			t.Fatalf("job %d: expected failure containing %q, got %+v", id, fragment, job)
		}
		if !job.Result.IsAbsent() {
			t.Fatalf("failed job must not carry a result")
		}
	}
	expectFailure(unknown, "unknown method")
	expectFailure(failing, "handler exploded")
	expectFailure(panicking, "kaboom")
	expectFailure(badInput, "payload encoding")

	job, err := h.jobs.ReceiveAndDelete(ctx, ok)
	if err != nil || job.Failed() {
		t.Fatalf("expected successful job, got %+v (%v)", job, err)
	}
	var result int
	if err := job.DecodeResult(&result); err != nil || result != 42 {
		t.Fatalf("expected 42, got %d (%v)", result, err)
	}
}

func TestStopOnFailureReturnsJobError(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first := h.insert(t, "missing", nil)
	second := h.insert(t, "echo", nil)

	rt := h.runtime(t, Options{StopOnFailure: true})
	_ = rt.Register("echo", Echo)

	outcome, err := rt.Run(ctx)
	if outcome != OutcomeFatal {
		t.Fatalf("expected fatal outcome, got %s", outcome)
	}
	var jobErr *JobError
	if !errors.As(err, &jobErr) || jobErr.JobID != first || !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected JobError for job %d, got %v", first, err)
	}

	job, _ := h.jobs.Get(ctx, second)
	if !job.Pending() {
		t.Fatalf("remaining job must stay pending, got %+v", job)
	}
	if _, err := h.leases.Lookup(ctx, 0); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("fatal exit must release the slot, got %v", err)
	}
}

func TestRegisterRejectedWhileLeaseIsLive(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.insert(t, "echo", 1)

	holder := uuid.New()
	if err := h.leases.Acquire(ctx, domain.Lease{Slot: 0, PID: 1, Holder: holder, ExpiresAt: h.clock.Now().Add(time.Minute)}, h.clock.Now()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	rt := h.runtime(t, Options{})
	_ = rt.Register("echo", Echo)
	outcome, err := rt.Run(ctx)
	if outcome != OutcomeFatal || !errors.Is(err, store.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %s (%v)", outcome, err)
	}
	if rt.State() != StateUnregistered {
		t.Fatalf("expected unregistered state, got %s", rt.State())
	}

	h.clock.Advance(2 * time.Minute)
	next := h.runtime(t, Options{})
	_ = next.Register("echo", Echo)
	outcome, err = next.Run(ctx)
	if err != nil || outcome != OutcomeIdle {
		t.Fatalf("expected stale lease replaced, got %s (%v)", outcome, err)
	}
}

func TestRuntimeGuards(t *testing.T) {
	h := newHarness()
	if _, err := New(Dependencies{Leases: h.leases}); !errors.Is(err, ErrMissingJobs) {
		t.Fatalf("expected ErrMissingJobs, got %v", err)
	}

	rt := h.runtime(t, Options{})
	if err := rt.Register("", Echo); err == nil {
		t.Fatalf("expected error for empty method")
	}
	if _, err := rt.Run(context.Background()); !errors.Is(err, ErrNoHandlers) {
		t.Fatalf("expected ErrNoHandlers, got %v", err)
	}
	if err := rt.Register("echo", Echo); !errors.Is(err, ErrStarted) {
		t.Fatalf("expected ErrStarted, got %v", err)
	}
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	backend := memory.NewBackend()
	jobs := memory.NewJobRepository(backend)
	leases := memory.NewLeaseRepository(backend)
	ctx := context.Background()

	if _, err := jobs.Insert(ctx, "slow", domain.MustPayload(nil)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rt, err := New(Dependencies{
		Jobs:    jobs,
		Leases:  leases,
		Options: Options{LeaseTTL: 200 * time.Millisecond, HeartbeatInterval: 40 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = rt.Register("slow", func(ctx context.Context, data domain.Payload) (any, error) {
		time.Sleep(600 * time.Millisecond)
		lease, err := leases.Lookup(ctx, 0)
		if err != nil {
			return nil, err
		}
		return lease.Live(time.Now()), nil
	})

	outcome, err := rt.Run(ctx)
	if err != nil || outcome != OutcomeIdle {
		t.Fatalf("expected idle outcome, got %s (%v)", outcome, err)
	}
	job, err := jobs.ReceiveAndDelete(ctx, 1)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var live bool
	if err := job.DecodeResult(&live); err != nil || !live {
		t.Fatalf("expected lease renewed during a long job, got %v (%v)", live, err)
	}
}

func TestLeaseLossStopsRuntime(t *testing.T) {
	backend := memory.NewBackend()
	jobs := memory.NewJobRepository(backend)
	leases := memory.NewLeaseRepository(backend)
	ctx := context.Background()

	if _, err := jobs.Insert(ctx, "block", domain.MustPayload(nil)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rt, err := New(Dependencies{
		Jobs:    jobs,
		Leases:  leases,
		Options: Options{LeaseTTL: time.Second, HeartbeatInterval: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	started := make(chan struct{})
	_ = rt.Register("block", func(ctx context.Context, data domain.Payload) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	go func() {
		<-started
		_ = leases.ForceRelease(context.Background(), 0)
	}()

	outcome, err := rt.Run(ctx)
	if outcome != OutcomeStopped || !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("expected lease loss, got %s (%v)", outcome, err)
	}
	job, _ := jobs.Get(ctx, 1)
	if !job.Failed() {
		t.Fatalf("interrupted job should carry a failure marker, got %+v", job)
	}
}

func TestReplacedRegistrationStopsBeforeNextClaim(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.insert(t, "swap", nil)
	second := h.insert(t, "swap", nil)

	successor := uuid.New()
	rt := h.runtime(t, Options{})
	_ = rt.Register("swap", func(jobCtx context.Context, data domain.Payload) (any, error) {
		if err := h.leases.ForceRelease(ctx, 0); err != nil {
			return nil, err
		}
		now := h.clock.Now()
		return "done", h.leases.Acquire(ctx, domain.Lease{Slot: 0, PID: 99, Holder: successor, ExpiresAt: now.Add(time.Hour)}, now)
	})

	outcome, err := rt.Run(ctx)
	if outcome != OutcomeStopped || !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("expected lease loss before the next claim, got %s (%v)", outcome, err)
	}
	job, _ := h.jobs.Get(ctx, second)
	if !job.Pending() {
		t.Fatalf("job must stay pending for the new holder, got %+v", job)
	}
	lease, err := h.leases.Lookup(ctx, 0)
	if err != nil || lease.Holder != successor {
		t.Fatalf("successor registration must survive, got %+v (%v)", lease, err)
	}
}

func TestCancelledContextStopsRuntime(t *testing.T) {
	h := newHarness()
	h.insert(t, "block", nil)
	ctx, cancel := context.WithCancel(context.Background())

	rt := h.runtime(t, Options{})
	_ = rt.Register("block", func(jobCtx context.Context, data domain.Payload) (any, error) {
		cancel()
		return "done", nil
	})
	outcome, err := rt.Run(ctx)
	if outcome != OutcomeStopped || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected stopped outcome, got %s (%v)", outcome, err)
	}
	job, _ := h.jobs.Get(context.Background(), 1)
	if !job.Finished() || job.Failed() {
		t.Fatalf("in-flight result must still be written, got %+v", job)
	}
	if _, err := h.leases.Lookup(context.Background(), 0); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stopped worker must release the slot, got %v", err)
	}
}

func TestWorkersOnSharedSQLiteFileNeverDoubleClaim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	producer, err := storage.OpenSQLite(ctx, path, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = producer.Close() })

	const total = 30
	for i := 0; i < total; i++ {
		if _, err := producer.Jobs.Insert(ctx, "echo", domain.MustPayload(i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var (
		mu     sync.Mutex
		counts = make(map[int]int)
		wg     sync.WaitGroup
	)
	for slot := 0; slot < 3; slot++ {
		providers, err := storage.OpenSQLite(ctx, path, 0)
		if err != nil {
			t.Fatalf("open worker handle: %v", err)
		}
		t.Cleanup(func() { _ = providers.Close() })

		rt, err := New(Dependencies{Jobs: providers.Jobs, Leases: providers.Leases, Options: Options{Slot: slot}})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		_ = rt.Register("echo", Typed(func(ctx context.Context, n int) (int, error) {
			mu.Lock()
			counts[n]++
			mu.Unlock()
			return n, nil
		}))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if outcome, err := rt.Run(ctx); err != nil || outcome != OutcomeIdle {
				t.Errorf("worker %d: %s (%v)", slot, outcome, err)
			}
		}()
	}
	wg.Wait()

	if len(counts) != total {
		t.Fatalf("expected %d jobs executed, got %d", total, len(counts))
	}
	for n, c := range counts {
		if c != 1 {
			t.Fatalf("job %d executed %d times", n, c)
		}
	}
	stats, err := producer.Jobs.Stats(ctx)
	if err != nil || stats.Finished != total || stats.Pending != 0 {
		t.Fatalf("unexpected stats %+v (%v)", stats, err)
	}
}
