package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMethod marks jobs whose method has no registered handler.
	ErrUnknownMethod = errors.New("worker: unknown method")
	// ErrNoHandlers is returned by Run when nothing was registered.
	ErrNoHandlers = errors.New("worker: no handlers registered")
	// ErrStarted is returned by Register once Run has been called.
	ErrStarted = errors.New("worker: runtime already started")
)

// JobError describes the job that stopped a runtime configured with
// StopOnFailure.
type JobError struct {
	JobID  int64
	Method string
	Err    error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("worker: job %d (%s): %v", e.JobID, e.Method, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
