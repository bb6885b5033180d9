package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-jobqueue/pkg/domain"
)

// Backend holds jobs and registry entries behind one mutex. Every repository
// created from the same Backend shares that lock, which plays the role of the
// SQLite exclusive transaction.
type Backend struct {
	mu       sync.Mutex
	jobs     map[int64]domain.JobRecord
	registry map[string]domain.RegistryEntry
	nextID   int64
	now      func() time.Time
}

// NewBackend returns an empty, installed in-memory store.
func NewBackend() *Backend {
	return &Backend{
		jobs:     make(map[int64]domain.JobRecord),
		registry: make(map[string]domain.RegistryEntry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
}

func (b *Backend) sortedJobIDs() []int64 {
	ids := make([]int64, 0, len(b.jobs))
	for id := range b.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func cloneJob(job domain.JobRecord) *domain.JobRecord {
	out := job
	if job.Data != nil {
		out.Data = append(domain.Payload(nil), job.Data...)
	}
	if job.Result != nil {
		out.Result = append(domain.Payload(nil), job.Result...)
	}
	return &out
}
