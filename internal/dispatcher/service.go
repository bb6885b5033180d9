package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-jobqueue/pkg/config"
	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/broadcaster"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/launcher"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/logger"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
	pkgoptions "github.com/goliatone/go-jobqueue/pkg/options"
	"github.com/goliatone/go-jobqueue/pkg/redact"
	"github.com/google/uuid"
)

// OrphanReason is the failure marker written on jobs whose worker vanished.
const OrphanReason = "worker lease expired"

const defaultPollInterval = 100 * time.Millisecond

// Dependencies groups the repositories/services required by the dispatcher.
type Dependencies struct {
	Jobs        store.JobRepository
	Registry    store.RegistryRepository
	Leases      store.LeaseRepository
	Launcher    launcher.Launcher
	Broadcaster broadcaster.Broadcaster
	Logger      logger.Logger
	Config      config.Config
	Clock       func() time.Time
}

// Service enqueues jobs, reports completion and keeps a worker alive for the
// configured slot.
type Service struct {
	jobs        store.JobRepository
	registry    store.RegistryRepository
	leases      store.LeaseRepository
	launcher    launcher.Launcher
	broadcaster broadcaster.Broadcaster
	logger      logger.Logger
	cfg         config.Config
	now         func() time.Time
}

// SlotStatus is the operator view of a worker registration.
type SlotStatus struct {
	Slot      int       `json:"slot"`
	PID       int       `json:"pid"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
	Live      bool      `json:"live"`
	Running   []int64   `json:"running,omitempty"`
}

var (
	ErrMissingJobs     = errors.New("dispatcher: job repository is required")
	ErrMissingRegistry = errors.New("dispatcher: registry repository is required")
	ErrMissingLeases   = errors.New("dispatcher: lease repository is required")
	ErrMissingLauncher = errors.New("dispatcher: launcher is required")
	ErrMissingMethod   = errors.New("dispatcher: job method is required")
)

// New builds the dispatcher service.
func New(deps Dependencies) (*Service, error) {
	if deps.Jobs == nil {
		return nil, ErrMissingJobs
	}
	if deps.Registry == nil {
		return nil, ErrMissingRegistry
	}
	if deps.Leases == nil {
		return nil, ErrMissingLeases
	}
	if deps.Launcher == nil {
		if !deps.Config.Dispatcher.DisableSpawn {
			return nil, ErrMissingLauncher
		}
		deps.Launcher = &launcher.Nop{}
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = &broadcaster.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = &logger.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	if deps.Config.Worker.LeaseTTL <= 0 {
		deps.Config.Worker.LeaseTTL = config.Defaults().Worker.LeaseTTL
	}

	return &Service{
		jobs:        deps.Jobs,
		registry:    deps.Registry,
		leases:      deps.Leases,
		launcher:    deps.Launcher,
		broadcaster: deps.Broadcaster,
		logger:      deps.Logger,
		cfg:         deps.Config,
		now:         deps.Clock,
	}, nil
}

// Dispatch stores job and makes sure a worker will pick it up. Only a failure
// to encode or store the job is returned; spawn problems are logged.
func (s *Service) Dispatch(ctx context.Context, job domain.Job) (int64, error) {
	method := strings.TrimSpace(job.Method)
	if method == "" {
		return 0, ErrMissingMethod
	}
	data, err := domain.EncodePayload(job.Data)
	if err != nil {
		return 0, fmt.Errorf("dispatcher: encode %s payload: %w", method, err)
	}
	id, err := s.jobs.Insert(ctx, method, data)
	if err != nil {
		return 0, fmt.Errorf("dispatcher: insert job: %w", err)
	}
	s.logger.Debug("job dispatched",
		logger.Field{Key: "job_id", Value: id},
		logger.Field{Key: "method", Value: method},
		logger.Field{Key: "data", Value: redact.Payload(data)},
	)
	s.publish(ctx, broadcaster.Event{Topic: broadcaster.TopicJobDispatched, JobID: id, Method: method, Slot: s.cfg.Dispatcher.Slot})

	if s.cfg.Dispatcher.DisableSpawn {
		return id, nil
	}
	if _, err := s.EnsureRunning(ctx); err != nil {
		s.logger.Warn("dispatcher: ensure worker running",
			logger.Field{Key: "job_id", Value: id},
			logger.Field{Key: "slot", Value: s.cfg.Dispatcher.Slot},
			logger.Field{Key: "error", Value: err},
		)
	}
	return id, nil
}

// EnsureRunning spawns a worker for the configured slot unless one holds a
// live lease. It reports whether a worker was started.
func (s *Service) EnsureRunning(ctx context.Context) (bool, error) {
	slot := s.cfg.Dispatcher.Slot
	running, err := s.IsRunning(ctx, slot)
	if err != nil {
		return false, err
	}
	if running {
		return false, nil
	}

	if count, err := s.WorkerCount(ctx); err == nil && count > 1 {
		s.logger.Warn("dispatcher: worker_count above 1 is not supported; running a single slot",
			logger.Field{Key: "worker_count", Value: count},
			logger.Field{Key: "slot", Value: slot},
		)
	}

	if _, err := s.Spawn(ctx, slot); err != nil {
		if errors.Is(err, store.ErrAlreadyRunning) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Spawn reserves slot with a provisional lease, fails jobs orphaned by the
// previous holder and starts a worker that inherits the reservation.
// ErrAlreadyRunning means another live holder owns the slot.
func (s *Service) Spawn(ctx context.Context, slot int) (int, error) {
	now := s.now()
	reservation := domain.Lease{
		Slot:      slot,
		Holder:    uuid.New(),
		ExpiresAt: now.Add(s.cfg.Worker.LeaseTTL),
	}
	if err := s.leases.Acquire(ctx, reservation, now); err != nil {
		return 0, err
	}

	if !s.cfg.Dispatcher.KeepOrphans {
		if _, err := s.failOrphans(ctx, slot, reservation.Holder); err != nil {
			s.logger.Warn("dispatcher: recover orphaned jobs",
				logger.Field{Key: "slot", Value: slot},
				logger.Field{Key: "error", Value: err},
			)
		}
	}

	pid, err := s.launcher.Launch(ctx, launcher.Request{
		Slot:      slot,
		StorePath: s.cfg.Store.Path,
		Holder:    reservation.Holder,
	})
	if err != nil {
		if releaseErr := s.leases.Release(ctx, slot, reservation.Holder); releaseErr != nil {
			s.logger.Error("dispatcher: release reservation after failed spawn",
				logger.Field{Key: "slot", Value: slot},
				logger.Field{Key: "error", Value: releaseErr},
			)
		}
		if !errors.Is(err, launcher.ErrSpawnFailed) {
			err = fmt.Errorf("%w: %v", launcher.ErrSpawnFailed, err)
		}
		return 0, err
	}

	s.logger.Info("worker spawned",
		logger.Field{Key: "slot", Value: slot},
		logger.Field{Key: "pid", Value: pid},
	)
	s.publish(ctx, broadcaster.Event{Topic: broadcaster.TopicWorkerSpawned, Slot: slot})
	return pid, nil
}

// IsRunning reports whether slot has a live worker registration.
func (s *Service) IsRunning(ctx context.Context, slot int) (bool, error) {
	lease, err := s.leases.Lookup(ctx, slot)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dispatcher: lookup slot %d: %w", slot, err)
	}
	return lease.Live(s.now()), nil
}

// IsComplete reports whether the job has finished. Unknown ids return
// store.ErrNotFound.
func (s *Service) IsComplete(ctx context.Context, id int64) (bool, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return job.Finished(), nil
}

// Receive consumes a finished job. It returns store.ErrNotFound for unknown
// (or already received) ids and store.ErrNotReady while the job is pending or
// running. Failed jobs are returned with Error set.
func (s *Service) Receive(ctx context.Context, id int64) (*domain.JobRecord, error) {
	job, err := s.jobs.ReceiveAndDelete(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, broadcaster.Event{Topic: broadcaster.TopicJobReceived, JobID: job.ID, Method: job.Method, Slot: job.Owner, Error: job.Error})
	return job, nil
}

// Wait polls until the job finishes or ctx is done, then receives it.
func (s *Service) Wait(ctx context.Context, id int64, interval time.Duration) (*domain.JobRecord, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := s.IsComplete(ctx, id)
		if err != nil {
			return nil, err
		}
		if done {
			return s.Receive(ctx, id)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WorkerCount returns the effective worker count (defaults < store).
func (s *Service) WorkerCount(ctx context.Context) (int, error) {
	settings, err := pkgoptions.ResolveSettings(ctx, s.registry, nil)
	if err != nil {
		return 0, fmt.Errorf("dispatcher: resolve worker count: %w", err)
	}
	return settings.WorkerCount, nil
}

// SetWorkerCount persists n, clamped to at least one, and returns the stored value.
func (s *Service) SetWorkerCount(ctx context.Context, n int) (int, error) {
	if n < 1 {
		n = 1
	}
	if err := s.registry.Set(ctx, domain.WorkerCountKey, strconv.Itoa(n)); err != nil {
		return 0, fmt.Errorf("dispatcher: store worker count: %w", err)
	}
	if n > 1 {
		s.logger.Warn("dispatcher: worker_count above 1 is stored but only one slot runs",
			logger.Field{Key: "worker_count", Value: n},
		)
	}
	return n, nil
}

// RecoverOrphans fails the running jobs owned by slot when no live worker
// holds it. The liveness check and the failure markers are written in one
// store transaction. It returns the number of jobs marked failed.
func (s *Service) RecoverOrphans(ctx context.Context, slot int) (int, error) {
	return s.failOrphans(ctx, slot, uuid.Nil)
}

// failOrphans treats a live registration owned by except as absent.
func (s *Service) failOrphans(ctx context.Context, slot int, except uuid.UUID) (int, error) {
	orphans, err := s.jobs.FailOrphans(ctx, slot, except, OrphanReason, s.now())
	if err != nil {
		return 0, fmt.Errorf("dispatcher: fail orphaned jobs of slot %d: %w", slot, err)
	}
	for _, job := range orphans {
		s.logger.Warn("orphaned job failed",
			logger.Field{Key: "job_id", Value: job.ID},
			logger.Field{Key: "method", Value: job.Method},
			logger.Field{Key: "slot", Value: slot},
		)
		s.publish(ctx, broadcaster.Event{Topic: broadcaster.TopicOrphanRecovered, JobID: job.ID, Method: job.Method, Slot: slot, Error: OrphanReason})
	}
	return len(orphans), nil
}

// ReleaseSlot removes the registration of slot regardless of its holder.
func (s *Service) ReleaseSlot(ctx context.Context, slot int) error {
	if err := s.leases.ForceRelease(ctx, slot); err != nil {
		return fmt.Errorf("dispatcher: release slot %d: %w", slot, err)
	}
	s.logger.Info("slot released", logger.Field{Key: "slot", Value: slot})
	return nil
}

// Slots lists worker registrations ordered by slot, with the ids of the
// jobs each slot is running.
func (s *Service) Slots(ctx context.Context) ([]SlotStatus, error) {
	entries, err := s.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: list registry: %w", err)
	}
	now := s.now()
	var out []SlotStatus
	for i := range entries {
		if _, ok := domain.SlotFromKey(entries[i].Key); !ok {
			continue
		}
		lease, err := domain.LeaseFromEntry(&entries[i])
		if err != nil {
			s.logger.Warn("dispatcher: skip malformed registration",
				logger.Field{Key: "key", Value: entries[i].Key},
				logger.Field{Key: "error", Value: err},
			)
			continue
		}
		running, err := s.jobs.ListRunning(ctx, lease.Slot)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: list running jobs of slot %d: %w", lease.Slot, err)
		}
		status := SlotStatus{
			Slot:      lease.Slot,
			PID:       lease.PID,
			Holder:    entries[i].Holder,
			ExpiresAt: lease.ExpiresAt,
			Live:      lease.Live(now),
		}
		for _, job := range running {
			status.Running = append(status.Running, job.ID)
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

// Stats summarises the jobs table.
func (s *Service) Stats(ctx context.Context) (domain.QueueStats, error) {
	return s.jobs.Stats(ctx)
}

func (s *Service) publish(ctx context.Context, event broadcaster.Event) {
	if err := s.broadcaster.Broadcast(ctx, event); err != nil {
		s.logger.Warn("dispatcher: broadcast event",
			logger.Field{Key: "topic", Value: event.Topic},
			logger.Field{Key: "error", Value: err},
		)
	}
}
