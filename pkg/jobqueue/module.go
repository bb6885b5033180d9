package jobqueue

import (
	"context"
	"time"

	"github.com/goliatone/go-jobqueue/internal/di"
	"github.com/goliatone/go-jobqueue/internal/dispatcher"
	"github.com/goliatone/go-jobqueue/internal/worker"
	"github.com/goliatone/go-jobqueue/pkg/commands"
	"github.com/goliatone/go-jobqueue/pkg/config"
	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/broadcaster"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/launcher"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/logger"
	"github.com/goliatone/go-jobqueue/pkg/storage"
)

// Re-exported worker types so hosts can register handlers without importing
// internal packages.
type (
	Handler       = worker.Handler
	Runtime       = worker.Runtime
	WorkerOptions = worker.Options
	Outcome       = worker.Outcome
	JobError      = worker.JobError
	SlotStatus    = dispatcher.SlotStatus
)

// Typed adapts a typed function into a Handler.
func Typed[T, R any](fn func(ctx context.Context, in T) (R, error)) Handler {
	return worker.Typed(fn)
}

// ModuleOptions configure the job queue module facade.
type ModuleOptions struct {
	Config      config.Config
	Storage     storage.Providers
	Logger      logger.Logger
	Launcher    launcher.Launcher
	Broadcaster broadcaster.Broadcaster
	Clock       func() time.Time
}

// Module bundles the container and exposes high-level accessors.
type Module struct {
	container *di.Container
}

// NewModule assembles storage, dispatcher and commands. Without explicit
// storage the module runs on the in-memory store.
func NewModule(opts ModuleOptions) (*Module, error) {
	container, err := di.New(di.Options{
		Config:      opts.Config,
		Storage:     opts.Storage,
		Logger:      opts.Logger,
		Launcher:    opts.Launcher,
		Broadcaster: opts.Broadcaster,
		Clock:       opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	return &Module{container: container}, nil
}

// Open loads cfg, opens the SQLite store at cfg.Store.Path and builds the module.
func Open(ctx context.Context, cfg config.Config, opts ModuleOptions) (*Module, error) {
	cfg, err := config.Load(cfg)
	if err != nil {
		return nil, err
	}
	providers, err := storage.OpenSQLite(ctx, cfg.Store.Path, cfg.Store.BusyTimeout, storage.WithClock(opts.Clock))
	if err != nil {
		return nil, err
	}
	opts.Config = cfg
	opts.Storage = providers
	module, err := NewModule(opts)
	if err != nil {
		_ = providers.Close()
		return nil, err
	}
	return module, nil
}

// Dispatch enqueues a job and makes sure a worker is running.
func (m *Module) Dispatch(ctx context.Context, method string, data any) (int64, error) {
	return m.container.Dispatcher.Dispatch(ctx, domain.Job{Method: method, Data: data})
}

// IsComplete reports whether job id has finished.
func (m *Module) IsComplete(ctx context.Context, id int64) (bool, error) {
	return m.container.Dispatcher.IsComplete(ctx, id)
}

// Receive consumes a finished job.
func (m *Module) Receive(ctx context.Context, id int64) (*domain.JobRecord, error) {
	return m.container.Dispatcher.Receive(ctx, id)
}

// Dispatcher returns the dispatcher service.
func (m *Module) Dispatcher() *dispatcher.Service {
	if m == nil || m.container == nil {
		return nil
	}
	return m.container.Dispatcher
}

// NewWorker builds a worker runtime for slot.
func (m *Module) NewWorker(slot int, mutators ...func(*WorkerOptions)) (*Runtime, error) {
	return m.container.NewWorker(slot, mutators...)
}

// Commands returns the go-command registry.
func (m *Module) Commands() *commands.Registry {
	if m == nil || m.container == nil {
		return nil
	}
	return m.container.Commands
}

// Config returns the effective module configuration.
func (m *Module) Config() config.Config {
	if m == nil || m.container == nil {
		return config.Config{}
	}
	return m.container.Config
}

// Storage returns the repositories backing the module.
func (m *Module) Storage() storage.Providers {
	if m == nil || m.container == nil {
		return storage.Providers{}
	}
	return m.container.Storage
}

// Container returns the internal DI container.
// This is exposed for advanced use cases like direct storage access.
func (m *Module) Container() *di.Container {
	if m == nil {
		return nil
	}
	return m.container
}

// Close releases the database handle when the module owns one.
func (m *Module) Close() error {
	if m == nil || m.container == nil {
		return nil
	}
	return m.container.Storage.Close()
}
