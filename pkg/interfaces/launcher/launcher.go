package launcher

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrSpawnFailed wraps failures to start a worker process.
var ErrSpawnFailed = errors.New("launcher: spawn failed")

// HolderEnv carries the pre-acquired lease token to the spawned worker so it
// can take over the registration the dispatcher reserved for it.
const HolderEnv = "JOBQUEUE_LEASE_HOLDER"

// Request describes the worker to start.
type Request struct {
	Slot      int
	StorePath string
	Holder    uuid.UUID
}

// Launcher starts a detached worker process and returns its process id.
// The call must not wait for the worker.
type Launcher interface {
	Launch(ctx context.Context, req Request) (int, error)
}

// Func adapts a function to the Launcher interface.
type Func func(ctx context.Context, req Request) (int, error)

func (f Func) Launch(ctx context.Context, req Request) (int, error) {
	if f == nil {
		return 0, ErrSpawnFailed
	}
	return f(ctx, req)
}

// Nop launcher never starts anything (used when workers are managed externally).
type Nop struct{}

var _ Launcher = (*Nop)(nil)

func (n *Nop) Launch(ctx context.Context, req Request) (int, error) { return 0, nil }
