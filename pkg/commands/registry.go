package commands

import (
	command "github.com/goliatone/go-command"
	"github.com/goliatone/go-jobqueue/internal/commands"
	"github.com/goliatone/go-jobqueue/internal/dispatcher"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/logger"
)

// Re-export request types so consumers need not import internal packages.
type (
	DispatchJob    = commands.DispatchJob
	ReceiveJob     = commands.ReceiveJob
	EnsureWorker   = commands.EnsureWorker
	SetWorkerCount = commands.SetWorkerCount
	RecoverOrphans = commands.RecoverOrphans
	ReleaseSlot    = commands.ReleaseSlot
)

// Registry exposes go-command compatible handlers backed by the dispatcher.
type Registry struct {
	Catalog        *commands.Catalog
	DispatchJob    command.Commander[DispatchJob]
	ReceiveJob     command.Commander[ReceiveJob]
	EnsureWorker   command.Commander[EnsureWorker]
	SetWorkerCount command.Commander[SetWorkerCount]
	RecoverOrphans command.Commander[RecoverOrphans]
	ReleaseSlot    command.Commander[ReleaseSlot]
}

// Dependencies mirror the internal command dependencies but keep them public.
type Dependencies struct {
	Dispatcher *dispatcher.Service
	Logger     logger.Logger
}

// New builds the registry using the provided dependencies.
func New(deps Dependencies) (*Registry, error) {
	internalDeps := commands.Dependencies{Logger: deps.Logger}
	if deps.Dispatcher != nil {
		internalDeps.Queue = deps.Dispatcher
	}
	catalog, err := commands.NewCatalog(internalDeps)
	if err != nil {
		return nil, err
	}
	return &Registry{
		Catalog:        catalog,
		DispatchJob:    catalog.DispatchJob,
		ReceiveJob:     catalog.ReceiveJob,
		EnsureWorker:   catalog.EnsureWorker,
		SetWorkerCount: catalog.SetWorkerCount,
		RecoverOrphans: catalog.RecoverOrphans,
		ReleaseSlot:    catalog.ReleaseSlot,
	}, nil
}

// Commanders returns every handler so callers can register them with go-command registries.
func (r *Registry) Commanders() []any {
	if r == nil {
		return nil
	}
	return []any{
		r.DispatchJob,
		r.ReceiveJob,
		r.EnsureWorker,
		r.SetWorkerCount,
		r.RecoverOrphans,
		r.ReleaseSlot,
	}
}
