package worker

// State is the lifecycle position of a Runtime.
type State int32

const (
	StateUnregistered State = iota
	StateRegistered
	StateClaiming
	StateExecuting
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateClaiming:
		return "claiming"
	case StateExecuting:
		return "executing"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// Outcome explains why Run returned.
type Outcome int

const (
	// OutcomeIdle means the queue drained and the slot was released.
	OutcomeIdle Outcome = iota
	// OutcomeStopped means the context was cancelled or the lease was lost.
	OutcomeStopped
	// OutcomeFatal means registration failed, the store failed, or a job
	// failed under StopOnFailure.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeStopped:
		return "stopped"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}
