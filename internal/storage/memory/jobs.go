package memory

import (
	"context"
	"errors"
	"time"

	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
	"github.com/google/uuid"
)

type JobRepository struct {
	backend *Backend
}

var _ store.JobRepository = (*JobRepository)(nil)

func NewJobRepository(backend *Backend) *JobRepository {
	return &JobRepository{backend: backend}
}

func (r *JobRepository) Insert(ctx context.Context, method string, data domain.Payload) (int64, error) {
	if data == nil {
		data = domain.Payload("null")
	}
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	now := b.now()
	b.jobs[b.nextID] = domain.JobRecord{
		ID:        b.nextID,
		Method:    method,
		Data:      append(domain.Payload(nil), data...),
		Owner:     domain.UnclaimedOwner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return b.nextID, nil
}

func (r *JobRepository) Get(ctx context.Context, id int64) (*domain.JobRecord, error) {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(job), nil
}

func (r *JobRepository) ClaimNext(ctx context.Context, workerID int) (*domain.JobRecord, error) {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	return r.claim(workerID)
}

func (r *JobRepository) ClaimNextOrRelease(ctx context.Context, workerID int, holder uuid.UUID) (*domain.JobRecord, error) {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	key := domain.WorkerKey(workerID)
	entry, ok := b.registry[key]
	if !ok || entry.Holder != holder.String() {
		return nil, store.ErrLeaseLost
	}
	job, err := r.claim(workerID)
	if errors.Is(err, store.ErrNoWork) {
		delete(b.registry, key)
	}
	return job, err
}

// claim expects the backend lock to be held.
func (r *JobRepository) claim(workerID int) (*domain.JobRecord, error) {
	b := r.backend
	for _, id := range b.sortedJobIDs() {
		job := b.jobs[id]
		if !job.Pending() {
			continue
		}
		job.Running = true
		job.Owner = workerID
		job.UpdatedAt = b.now()
		b.jobs[id] = job
		return cloneJob(job), nil
	}
	return nil, store.ErrNoWork
}

func (r *JobRepository) Complete(ctx context.Context, job *domain.JobRecord, result domain.Payload) error {
	if result == nil {
		result = domain.Payload("null")
	}
	return r.writeBack(job, func(stored *domain.JobRecord) {
		stored.Result = append(domain.Payload(nil), result...)
		stored.Error = ""
	})
}

func (r *JobRepository) Fail(ctx context.Context, job *domain.JobRecord, reason string) error {
	if reason == "" {
		reason = "job failed"
	}
	return r.writeBack(job, func(stored *domain.JobRecord) {
		stored.Result = nil
		stored.Error = reason
	})
}

func (r *JobRepository) writeBack(job *domain.JobRecord, apply func(*domain.JobRecord)) error {
	if job == nil {
		return store.ErrNotFound
	}
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.jobs[job.ID]
	if !ok {
		return store.ErrNotFound
	}
	if !stored.Running || stored.Owner != job.Owner {
		return store.ErrConflict
	}
	stored.Running = false
	stored.UpdatedAt = b.now()
	apply(&stored)
	b.jobs[job.ID] = stored

	job.Running = false
	job.Result = stored.Result
	job.Error = stored.Error
	job.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *JobRepository) ReceiveAndDelete(ctx context.Context, id int64) (*domain.JobRecord, error) {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !job.Finished() {
		return nil, store.ErrNotReady
	}
	delete(b.jobs, id)
	return cloneJob(job), nil
}

func (r *JobRepository) ListRunning(ctx context.Context, workerID int) ([]domain.JobRecord, error) {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.JobRecord
	for _, id := range b.sortedJobIDs() {
		job := b.jobs[id]
		if job.Running && job.Owner == workerID {
			out = append(out, *cloneJob(job))
		}
	}
	return out, nil
}

func (r *JobRepository) FailOrphans(ctx context.Context, slot int, except uuid.UUID, reason string, now time.Time) ([]domain.JobRecord, error) {
	if reason == "" {
		reason = "job failed"
	}
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry, ok := b.registry[domain.WorkerKey(slot)]; ok {
		lease, err := domain.LeaseFromEntry(&entry)
		if err != nil {
			return nil, err
		}
		if lease.Live(now) && lease.Holder != except {
			return nil, nil
		}
	}

	var failed []domain.JobRecord
	for _, id := range b.sortedJobIDs() {
		job := b.jobs[id]
		if !job.Running || job.Owner != slot {
			continue
		}
		job.Running = false
		job.Result = nil
		job.Error = reason
		job.UpdatedAt = b.now()
		b.jobs[id] = job
		failed = append(failed, *cloneJob(job))
	}
	return failed, nil
}

func (r *JobRepository) Stats(ctx context.Context) (domain.QueueStats, error) {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	var stats domain.QueueStats
	for _, job := range b.jobs {
		switch {
		case job.Pending():
			stats.Pending++
		case job.Running:
			stats.Running++
		case job.Finished():
			stats.Finished++
			if job.Error != "" {
				stats.Failed++
			}
		}
	}
	return stats, nil
}
