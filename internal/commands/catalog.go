package commands

import (
	"context"
	"errors"
	"strings"

	command "github.com/goliatone/go-command"
	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/logger"
)

// Catalog exposes go-command compatible handlers for host transports.
type Catalog struct {
	DispatchJob    command.Commander[DispatchJob]
	ReceiveJob     command.Commander[ReceiveJob]
	EnsureWorker   command.Commander[EnsureWorker]
	SetWorkerCount command.Commander[SetWorkerCount]
	RecoverOrphans command.Commander[RecoverOrphans]
	ReleaseSlot    command.Commander[ReleaseSlot]
}

type queueService interface {
	Dispatch(ctx context.Context, job domain.Job) (int64, error)
	Receive(ctx context.Context, id int64) (*domain.JobRecord, error)
	EnsureRunning(ctx context.Context) (bool, error)
	SetWorkerCount(ctx context.Context, n int) (int, error)
	RecoverOrphans(ctx context.Context, slot int) (int, error)
	ReleaseSlot(ctx context.Context, slot int) error
}

// Dependencies wires the dispatcher into the command catalog.
type Dependencies struct {
	Queue  queueService
	Logger logger.Logger
}

// NewCatalog builds the command catalog using the supplied dependencies.
func NewCatalog(deps Dependencies) (*Catalog, error) {
	if deps.Queue == nil {
		return nil, errors.New("commands: queue service is required")
	}
	if deps.Logger == nil {
		deps.Logger = &logger.Nop{}
	}

	return &Catalog{
		DispatchJob:    dispatchJobCommand{svc: deps.Queue, logger: deps.Logger},
		ReceiveJob:     receiveJobCommand{svc: deps.Queue},
		EnsureWorker:   ensureWorkerCommand{svc: deps.Queue},
		SetWorkerCount: setWorkerCountCommand{svc: deps.Queue},
		RecoverOrphans: recoverOrphansCommand{svc: deps.Queue, logger: deps.Logger},
		ReleaseSlot:    releaseSlotCommand{svc: deps.Queue},
	}, nil
}

// DispatchJob enqueues a job. Commanders only return errors, so the new id
// is reported through OnDispatched.
type DispatchJob struct {
	Method       string         `json:"method"`
	Data         any            `json:"data"`
	OnDispatched func(id int64) `json:"-"`
}

type dispatchJobCommand struct {
	svc    queueService
	logger logger.Logger
}

func (c dispatchJobCommand) Execute(ctx context.Context, msg DispatchJob) error {
	msg.Method = strings.TrimSpace(msg.Method)
	if msg.Method == "" {
		return errors.New("commands: job method is required")
	}
	id, err := c.svc.Dispatch(ctx, domain.Job{Method: msg.Method, Data: msg.Data})
	if err != nil {
		return err
	}
	c.logger.Debug("command dispatched job",
		logger.Field{Key: "job_id", Value: id},
		logger.Field{Key: "method", Value: msg.Method},
	)
	if msg.OnDispatched != nil {
		msg.OnDispatched(id)
	}
	return nil
}

// ReceiveJob consumes a finished job.
type ReceiveJob struct {
	ID         int64                   `json:"id"`
	OnReceived func(*domain.JobRecord) `json:"-"`
}

type receiveJobCommand struct {
	svc queueService
}

func (c receiveJobCommand) Execute(ctx context.Context, msg ReceiveJob) error {
	if msg.ID <= 0 {
		return errors.New("commands: job id is required")
	}
	job, err := c.svc.Receive(ctx, msg.ID)
	if err != nil {
		return err
	}
	if msg.OnReceived != nil {
		msg.OnReceived(job)
	}
	return nil
}

// EnsureWorker starts a worker for the configured slot if none is live.
type EnsureWorker struct {
	OnSpawned func(bool) `json:"-"`
}

type ensureWorkerCommand struct {
	svc queueService
}

func (c ensureWorkerCommand) Execute(ctx context.Context, msg EnsureWorker) error {
	spawned, err := c.svc.EnsureRunning(ctx)
	if err != nil {
		return err
	}
	if msg.OnSpawned != nil {
		msg.OnSpawned(spawned)
	}
	return nil
}

// SetWorkerCount stores the configured worker count.
type SetWorkerCount struct {
	Count int `json:"count"`
}

type setWorkerCountCommand struct {
	svc queueService
}

func (c setWorkerCountCommand) Execute(ctx context.Context, msg SetWorkerCount) error {
	_, err := c.svc.SetWorkerCount(ctx, msg.Count)
	return err
}

// RecoverOrphans fails jobs stuck on a slot without a live worker.
type RecoverOrphans struct {
	Slot        int       `json:"slot"`
	OnRecovered func(int) `json:"-"`
}

type recoverOrphansCommand struct {
	svc    queueService
	logger logger.Logger
}

func (c recoverOrphansCommand) Execute(ctx context.Context, msg RecoverOrphans) error {
	if msg.Slot < 0 {
		return errors.New("commands: slot must be >= 0")
	}
	n, err := c.svc.RecoverOrphans(ctx, msg.Slot)
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Info("orphaned jobs failed",
			logger.Field{Key: "slot", Value: msg.Slot},
			logger.Field{Key: "count", Value: n},
		)
	}
	if msg.OnRecovered != nil {
		msg.OnRecovered(n)
	}
	return nil
}

// ReleaseSlot force-releases a worker registration.
type ReleaseSlot struct {
	Slot int `json:"slot"`
}

type releaseSlotCommand struct {
	svc queueService
}

func (c releaseSlotCommand) Execute(ctx context.Context, msg ReleaseSlot) error {
	if msg.Slot < 0 {
		return errors.New("commands: slot must be >= 0")
	}
	return c.svc.ReleaseSlot(ctx, msg.Slot)
}
