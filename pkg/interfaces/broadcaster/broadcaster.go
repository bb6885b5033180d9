package broadcaster

import "context"

// Lifecycle topics published by the dispatcher and workers.
const (
	TopicJobDispatched   = "job.dispatched"
	TopicJobCompleted    = "job.completed"
	TopicJobFailed       = "job.failed"
	TopicJobReceived     = "job.received"
	TopicWorkerSpawned   = "worker.spawned"
	TopicWorkerIdle      = "worker.idle"
	TopicOrphanRecovered = "job.orphan_recovered"
)

// Event describes a job or worker lifecycle transition. JobID is zero for
// worker-level events.
type Event struct {
	Topic  string
	JobID  int64
	Method string
	Slot   int
	Error  string
}

// Broadcaster receives lifecycle events. Delivery is best effort: publishers
// log errors and carry on.
type Broadcaster interface {
	Broadcast(ctx context.Context, event Event) error
}

// Nop broadcaster discards events.
type Nop struct{}

var _ Broadcaster = (*Nop)(nil)

func (n *Nop) Broadcast(ctx context.Context, event Event) error { return nil }
