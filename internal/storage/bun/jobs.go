package bunrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// JobRepository stores jobs in SQLite and implements the claim protocol.
type JobRepository struct {
	db *bun.DB
	tx *exclusiveRunner
}

var _ store.JobRepository = (*JobRepository)(nil)

func NewJobRepository(db *bun.DB, opts ...Option) *JobRepository {
	return &JobRepository{db: db, tx: newExclusiveRunner(db, opts...)}
}

// Insert queues an unclaimed job and returns its identifier.
func (r *JobRepository) Insert(ctx context.Context, method string, data domain.Payload) (int64, error) {
	if data == nil {
		data = domain.Payload("null")
	}
	now := r.tx.now()
	record := &domain.JobRecord{
		Method:    method,
		Data:      data,
		Owner:     domain.UnclaimedOwner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := r.db.NewInsert().Model(record).Returning("id").Exec(ctx); err != nil {
		return 0, fmt.Errorf("jobqueue/bun: insert job: %w", err)
	}
	return record.ID, nil
}

func (r *JobRepository) Get(ctx context.Context, id int64) (*domain.JobRecord, error) {
	return r.get(ctx, r.db, id)
}

func (r *JobRepository) ClaimNext(ctx context.Context, workerID int) (*domain.JobRecord, error) {
	var claimed *domain.JobRecord
	err := r.tx.run(ctx, func(ctx context.Context, tx bun.IDB) error {
		job, err := r.claim(ctx, tx, workerID)
		claimed = job
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *JobRepository) ClaimNextOrRelease(ctx context.Context, workerID int, holder uuid.UUID) (*domain.JobRecord, error) {
	var claimed *domain.JobRecord
	err := r.tx.run(ctx, func(ctx context.Context, tx bun.IDB) error {
		if err := holdsSlot(ctx, tx, workerID, holder); err != nil {
			return err
		}
		job, err := r.claim(ctx, tx, workerID)
		if errors.Is(err, store.ErrNoWork) {
			if _, delErr := tx.NewDelete().
				TableExpr("registry").
				Where("key = ?", domain.WorkerKey(workerID)).
				Where("holder = ?", holder.String()).
				Exec(ctx); delErr != nil {
				return fmt.Errorf("jobqueue/bun: release worker %d: %w", workerID, delErr)
			}
			// Commit the release; ErrNoWork is reported after the transaction.
			return nil
		}
		claimed = job
		return err
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, store.ErrNoWork
	}
	return claimed, nil
}

// holdsSlot fails with store.ErrLeaseLost unless holder owns the registration
// of slot. Expiry is not checked: a late holder keeps the slot until another
// process replaces the row.
func holdsSlot(ctx context.Context, tx bun.IDB, slot int, holder uuid.UUID) error {
	lease, err := lookupLease(ctx, tx, slot)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("jobqueue/bun: slot %d is not registered: %w", slot, store.ErrLeaseLost)
	}
	if err != nil {
		return err
	}
	if lease.Holder != holder {
		return fmt.Errorf("jobqueue/bun: slot %d held by %s: %w", slot, lease.Holder, store.ErrLeaseLost)
	}
	return nil
}

// claim must run inside an exclusive transaction: the select and the guarded
// update form one check-then-act window.
func (r *JobRepository) claim(ctx context.Context, tx bun.IDB, workerID int) (*domain.JobRecord, error) {
	job := new(domain.JobRecord)
	err := tx.NewSelect().Model(job).
		Apply(eligible).
		Order("id ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNoWork
		}
		return nil, fmt.Errorf("jobqueue/bun: select eligible job: %w", err)
	}

	now := r.tx.now()
	res, err := tx.NewUpdate().
		TableExpr("jobs").
		Set("running = ?", true).
		Set("owner = ?", workerID).
		Set("updated_at = ?", now).
		Where("id = ?", job.ID).
		Where("running = ?", false).
		Where("owner = ?", domain.UnclaimedOwner).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobqueue/bun: claim job %d: %w", job.ID, err)
	}
	if affected(res) == 0 {
		return nil, fmt.Errorf("jobqueue/bun: claim job %d: %w", job.ID, store.ErrConflict)
	}
	job.Running = true
	job.Owner = workerID
	job.UpdatedAt = now
	return job, nil
}

// Complete writes the result back and clears the running flag. The owner
// column keeps the worker id, so finished rows are recognised by
// owner != -1 together with running == false.
func (r *JobRepository) Complete(ctx context.Context, job *domain.JobRecord, result domain.Payload) error {
	if job == nil {
		return fmt.Errorf("jobqueue/bun: complete: job is required")
	}
	if result == nil {
		result = domain.Payload("null")
	}
	return r.writeBack(ctx, job, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("result = ?", result).Set("error = NULL")
	}, func() {
		job.Result = result
		job.Error = ""
	})
}

// Fail finishes the job with a failure marker instead of a result.
func (r *JobRepository) Fail(ctx context.Context, job *domain.JobRecord, reason string) error {
	if job == nil {
		return fmt.Errorf("jobqueue/bun: fail: job is required")
	}
	if reason == "" {
		reason = "job failed"
	}
	return r.writeBack(ctx, job, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("result = NULL").Set("error = ?", reason)
	}, func() {
		job.Result = nil
		job.Error = reason
	})
}

func (r *JobRepository) writeBack(ctx context.Context, job *domain.JobRecord, apply func(*bun.UpdateQuery) *bun.UpdateQuery, commit func()) error {
	now := r.tx.now()
	err := r.tx.run(ctx, func(ctx context.Context, tx bun.IDB) error {
		q := tx.NewUpdate().
			TableExpr("jobs").
			Set("running = ?", false).
			Set("owner = ?", job.Owner).
			Set("updated_at = ?", now).
			Where("id = ?", job.ID).
			Where("running = ?", true).
			Where("owner = ?", job.Owner)
		res, err := apply(q).Exec(ctx)
		if err != nil {
			return fmt.Errorf("jobqueue/bun: write back job %d: %w", job.ID, err)
		}
		if affected(res) > 0 {
			return nil
		}
		if _, err := r.get(ctx, tx, job.ID); err != nil {
			return err
		}
		return fmt.Errorf("jobqueue/bun: write back job %d: %w", job.ID, store.ErrConflict)
	})
	if err != nil {
		return err
	}
	job.Running = false
	job.UpdatedAt = now
	commit()
	return nil
}

// FailOrphans fails the jobs still running under slot unless a live holder
// other than except owns the slot. Checking the registration and failing the
// jobs share one exclusive transaction, so a worker that registers
// concurrently either keeps all of its jobs or registers after the sweep.
func (r *JobRepository) FailOrphans(ctx context.Context, slot int, except uuid.UUID, reason string, now time.Time) ([]domain.JobRecord, error) {
	if reason == "" {
		reason = "job failed"
	}
	var failed []domain.JobRecord
	err := r.tx.run(ctx, func(ctx context.Context, tx bun.IDB) error {
		lease, err := lookupLease(ctx, tx, slot)
		switch {
		case err == nil:
			if lease.Live(now) && lease.Holder != except {
				return nil
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		var running []domain.JobRecord
		if err := tx.NewSelect().Model(&running).
			Apply(runningFor(slot)).
			Order("id ASC").
			Scan(ctx); err != nil {
			return fmt.Errorf("jobqueue/bun: list orphaned jobs: %w", err)
		}
		if len(running) == 0 {
			return nil
		}

		stamp := r.tx.now()
		if _, err := tx.NewUpdate().
			TableExpr("jobs").
			Set("running = ?", false).
			Set("result = NULL").
			Set("error = ?", reason).
			Set("updated_at = ?", stamp).
			Where("running = ?", true).
			Where("owner = ?", slot).
			Exec(ctx); err != nil {
			return fmt.Errorf("jobqueue/bun: fail orphaned jobs of slot %d: %w", slot, err)
		}
		for i := range running {
			running[i].Running = false
			running[i].Result = nil
			running[i].Error = reason
			running[i].UpdatedAt = stamp
		}
		failed = running
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// ReceiveAndDelete consumes a finished job. The read and the delete share an
// exclusive transaction so two receivers never both obtain the record.
func (r *JobRepository) ReceiveAndDelete(ctx context.Context, id int64) (*domain.JobRecord, error) {
	var received *domain.JobRecord
	err := r.tx.run(ctx, func(ctx context.Context, tx bun.IDB) error {
		job, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if !job.Finished() {
			return store.ErrNotReady
		}
		if _, err := tx.NewDelete().TableExpr("jobs").Where("id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("jobqueue/bun: delete job %d: %w", id, err)
		}
		received = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return received, nil
}

func (r *JobRepository) ListRunning(ctx context.Context, workerID int) ([]domain.JobRecord, error) {
	var records []domain.JobRecord
	err := r.db.NewSelect().Model(&records).
		Apply(runningFor(workerID)).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobqueue/bun: list running jobs: %w", err)
	}
	return records, nil
}

func (r *JobRepository) Stats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats
	counts := []struct {
		target *int
		apply  func(*bun.SelectQuery) *bun.SelectQuery
	}{
		{&stats.Pending, eligible},
		{&stats.Running, func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("running = ?", true)
		}},
		{&stats.Finished, func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("running = ?", false).Where("owner <> ?", domain.UnclaimedOwner)
		}},
		{&stats.Failed, func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("running = ?", false).Where("owner <> ?", domain.UnclaimedOwner).Where("error IS NOT NULL")
		}},
	}
	for _, c := range counts {
		n, err := r.db.NewSelect().Model((*domain.JobRecord)(nil)).Apply(c.apply).Count(ctx)
		if err != nil {
			return domain.QueueStats{}, fmt.Errorf("jobqueue/bun: stats: %w", err)
		}
		*c.target = n
	}
	return stats, nil
}

func (r *JobRepository) get(ctx context.Context, db bun.IDB, id int64) (*domain.JobRecord, error) {
	job := new(domain.JobRecord)
	err := db.NewSelect().Model(job).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("jobqueue/bun: get job %d: %w", id, err)
	}
	return job, nil
}
