package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-jobqueue/pkg/config"
	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/broadcaster"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/logger"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
	"github.com/goliatone/go-jobqueue/pkg/redact"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Options configures a Runtime.
type Options struct {
	Slot              int
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	StopOnFailure     bool
	// Holder reuses a lease reserved by the spawning dispatcher. A fresh token
	// is generated when empty.
	Holder uuid.UUID
	PID    int
}

// OptionsFromConfig maps the worker section of the module config.
func OptionsFromConfig(slot int, cfg config.WorkerConfig) Options {
	return Options{
		Slot:              slot,
		LeaseTTL:          cfg.LeaseTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StopOnFailure:     cfg.StopOnFailure,
	}
}

// Dependencies groups the collaborators of a Runtime.
type Dependencies struct {
	Jobs        store.JobRepository
	Leases      store.LeaseRepository
	Broadcaster broadcaster.Broadcaster
	Logger      logger.Logger
	Options     Options
	Clock       func() time.Time
}

var (
	ErrMissingJobs   = errors.New("worker: job repository is required")
	ErrMissingLeases = errors.New("worker: lease repository is required")
)

// Runtime drains the queue on behalf of one worker slot. It registers a lease
// for the slot, claims jobs one at a time, and releases the slot as soon as a
// claim finds nothing to do.
type Runtime struct {
	jobs        store.JobRepository
	leases      store.LeaseRepository
	broadcaster broadcaster.Broadcaster
	logger      logger.Logger
	opts        Options
	now         func() time.Time

	handlers map[string]Handler
	state    atomic.Int32
	started  atomic.Bool

	// leaseMu orders heartbeats against the final claim so a renewal never
	// races the atomic release of the registration.
	leaseMu sync.Mutex
	freed   bool
}

// New builds a worker runtime.
func New(deps Dependencies) (*Runtime, error) {
	if deps.Jobs == nil {
		return nil, ErrMissingJobs
	}
	if deps.Leases == nil {
		return nil, ErrMissingLeases
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

	opts := deps.Options
	defaults := config.Defaults().Worker
	if opts.Slot < 0 {
		return nil, fmt.Errorf("worker: slot must be >= 0, got %d", opts.Slot)
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaults.LeaseTTL
	}
	if opts.HeartbeatInterval <= 0 || opts.HeartbeatInterval >= opts.LeaseTTL {
		opts.HeartbeatInterval = opts.LeaseTTL / 3
	}
	if opts.Holder == uuid.Nil {
		opts.Holder = uuid.New()
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}

	return &Runtime{
		jobs:        deps.Jobs,
		leases:      deps.Leases,
		broadcaster: deps.Broadcaster,
		logger:      deps.Logger.With(logger.Field{Key: "slot", Value: opts.Slot}),
		opts:        opts,
		now:         deps.Clock,
		handlers:    make(map[string]Handler),
	}, nil
}

// Register binds handler to method. It must be called before Run.
func (r *Runtime) Register(method string, handler Handler) error {
	if r.started.Load() {
		return ErrStarted
	}
	method = strings.TrimSpace(method)
	if method == "" {
		return errors.New("worker: method is required")
	}
	if handler == nil {
		return fmt.Errorf("worker: handler for %s is nil", method)
	}
	r.handlers[method] = handler
	return nil
}

// Methods lists registered method names.
func (r *Runtime) Methods() []string {
	out := make([]string, 0, len(r.handlers))
	for method := range r.handlers {
		out = append(out, method)
	}
	return out
}

// State reports the current lifecycle state.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// Holder returns the lease token used by the runtime.
func (r *Runtime) Holder() uuid.UUID {
	return r.opts.Holder
}

// Run registers the slot and processes jobs until the queue is empty, ctx is
// cancelled, the lease is lost, or (with StopOnFailure) a job fails.
// A Runtime runs once.
func (r *Runtime) Run(ctx context.Context) (Outcome, error) {
	if !r.started.CompareAndSwap(false, true) {
		return OutcomeFatal, ErrStarted
	}
	if len(r.handlers) == 0 {
		return OutcomeFatal, ErrNoHandlers
	}

	now := r.now()
	lease := domain.Lease{
		Slot:      r.opts.Slot,
		PID:       r.opts.PID,
		Holder:    r.opts.Holder,
		ExpiresAt: now.Add(r.opts.LeaseTTL),
	}
	if err := r.leases.Acquire(ctx, lease, now); err != nil {
		return OutcomeFatal, fmt.Errorf("worker: register slot %d: %w", r.opts.Slot, err)
	}
	r.setState(StateRegistered)
	r.logger.Info("worker registered",
		logger.Field{Key: "pid", Value: r.opts.PID},
		logger.Field{Key: "holder", Value: r.opts.Holder.String()},
	)

	group, gctx := errgroup.WithContext(ctx)
	heartbeatCtx, stopHeartbeat := context.WithCancel(gctx)
	defer stopHeartbeat()

	outcome := OutcomeIdle
	group.Go(func() error {
		return r.heartbeat(heartbeatCtx)
	})
	group.Go(func() error {
		defer stopHeartbeat()
		var err error
		outcome, err = r.loop(gctx)
		return err
	})

	err := group.Wait()
	if err != nil && errors.Is(err, store.ErrLeaseLost) {
		outcome = OutcomeStopped
	}
	r.release(context.WithoutCancel(ctx))
	r.setState(StateFreed)

	r.logger.Info("worker exiting", logger.Field{Key: "outcome", Value: outcome.String()})
	return outcome, err
}

func (r *Runtime) loop(ctx context.Context) (Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return OutcomeStopped, err
		}

		r.setState(StateClaiming)
		job, err := r.claim(ctx)
		if errors.Is(err, store.ErrNoWork) {
			r.logger.Info("queue drained; slot released")
			r.publish(ctx, broadcaster.Event{Topic: broadcaster.TopicWorkerIdle, Slot: r.opts.Slot})
			return OutcomeIdle, nil
		}
		if errors.Is(err, store.ErrLeaseLost) {
			r.logger.Error("worker lease lost before claim")
			return OutcomeStopped, fmt.Errorf("worker: claim slot %d: %w", r.opts.Slot, err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return OutcomeStopped, ctx.Err()
			}
			return OutcomeFatal, fmt.Errorf("worker: claim: %w", err)
		}

		r.setState(StateExecuting)
		if jobErr := r.execute(ctx, job); jobErr != nil && r.opts.StopOnFailure {
			return OutcomeFatal, jobErr
		}
	}
}

func (r *Runtime) claim(ctx context.Context) (*domain.JobRecord, error) {
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	job, err := r.jobs.ClaimNextOrRelease(ctx, r.opts.Slot, r.opts.Holder)
	if errors.Is(err, store.ErrNoWork) || errors.Is(err, store.ErrLeaseLost) {
		r.freed = true
	}
	return job, err
}

// execute runs one claimed job and writes the result or failure marker back.
// It returns a *JobError when the job failed.
func (r *Runtime) execute(ctx context.Context, job *domain.JobRecord) *JobError {
	log := r.logger.With(
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "method", Value: job.Method},
	)
	log.Debug("job claimed", logger.Field{Key: "data", Value: redact.Payload(job.Data)})

	result, err := r.invoke(ctx, job)
	var payload domain.Payload
	if err == nil {
		payload, err = domain.EncodePayload(result)
	}

	// Write-backs must land even when ctx was cancelled mid-job.
	writeCtx := context.WithoutCancel(ctx)
	if err == nil {
		if werr := r.jobs.Complete(writeCtx, job, payload); werr != nil {
			log.Error("job result not stored", logger.Field{Key: "error", Value: werr})
			return nil
		}
		log.Info("job completed", logger.Field{Key: "result", Value: redact.Payload(payload)})
		r.publish(ctx, broadcaster.Event{Topic: broadcaster.TopicJobCompleted, JobID: job.ID, Method: job.Method, Slot: r.opts.Slot})
		return nil
	}

	if werr := r.jobs.Fail(writeCtx, job, err.Error()); werr != nil {
		log.Error("job failure marker not stored",
			logger.Field{Key: "error", Value: werr},
			logger.Field{Key: "cause", Value: err},
		)
	} else {
		log.Warn("job failed", logger.Field{Key: "error", Value: err})
	}
	r.publish(ctx, broadcaster.Event{Topic: broadcaster.TopicJobFailed, JobID: job.ID, Method: job.Method, Slot: r.opts.Slot, Error: err.Error()})
	return &JobError{JobID: job.ID, Method: job.Method, Err: err}
}

func (r *Runtime) invoke(ctx context.Context, job *domain.JobRecord) (result any, err error) {
	handler, ok := r.handlers[job.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, job.Method)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker: handler panic: %v", rec)
		}
	}()
	return handler(ctx, job.Data)
}

func (r *Runtime) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		r.leaseMu.Lock()
		if r.freed {
			r.leaseMu.Unlock()
			return nil
		}
		err := r.leases.Renew(ctx, r.opts.Slot, r.opts.Holder, r.now().Add(r.opts.LeaseTTL))
		r.leaseMu.Unlock()

		switch {
		case err == nil:
		case errors.Is(err, store.ErrLeaseLost):
			r.logger.Error("worker lease lost")
			return fmt.Errorf("worker: heartbeat slot %d: %w", r.opts.Slot, err)
		case ctx.Err() != nil:
			return nil
		default:
			r.logger.Warn("worker heartbeat failed", logger.Field{Key: "error", Value: err})
		}
	}
}

// release drops the registration unless the final claim already freed it.
func (r *Runtime) release(ctx context.Context) {
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	if r.freed {
		return
	}
	r.freed = true
	if err := r.leases.Release(ctx, r.opts.Slot, r.opts.Holder); err != nil {
		r.logger.Warn("worker release failed", logger.Field{Key: "error", Value: err})
	}
}

func (r *Runtime) setState(state State) {
	r.state.Store(int32(state))
}

func (r *Runtime) publish(ctx context.Context, event broadcaster.Event) {
	if err := r.broadcaster.Broadcast(ctx, event); err != nil {
		r.logger.Warn("worker: broadcast event",
			logger.Field{Key: "topic", Value: event.Topic},
			logger.Field{Key: "error", Value: err},
		)
	}
}
