package bunrepo

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
	"github.com/uptrace/bun"
)

// Models lists the tables owned by the queue.
func Models() []any {
	return []any{
		(*domain.JobRecord)(nil),
		(*domain.RegistryEntry)(nil),
	}
}

// Schema bootstraps the jobs and registry tables.
type Schema struct {
	db *bun.DB
	tx *exclusiveRunner
}

var _ store.Installer = (*Schema)(nil)

func NewSchema(db *bun.DB, opts ...Option) *Schema {
	return &Schema{db: db, tx: newExclusiveRunner(db, opts...)}
}

// Install creates the schema when the registry table is missing and seeds
// the default worker count. The existence check and the creation are separate
// statements, so two processes bootstrapping the same file at once may both
// run the creation path; IF NOT EXISTS and the ignored seed conflict keep
// that outcome identical to a single install.
func (s *Schema) Install(ctx context.Context) error {
	installed, err := s.installed(ctx)
	if err != nil {
		return err
	}
	if installed {
		return nil
	}

	for _, model := range Models() {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("jobqueue/bun: create table: %w", err)
		}
	}
	if _, err := s.db.NewCreateIndex().
		Model((*domain.JobRecord)(nil)).
		Index("jobs_claim_idx").
		Column("running", "owner").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("jobqueue/bun: create claim index: %w", err)
	}

	seed := &domain.RegistryEntry{
		Key:       domain.WorkerCountKey,
		Value:     strconv.Itoa(domain.DefaultWorkerCount),
		UpdatedAt: s.tx.now(),
	}
	if _, err := s.db.NewInsert().Model(seed).On("CONFLICT (key) DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("jobqueue/bun: seed worker count: %w", err)
	}
	return nil
}

func (s *Schema) installed(ctx context.Context) (bool, error) {
	for _, table := range []string{"registry", "jobs"} {
		exists, err := s.db.NewSelect().
			TableExpr("sqlite_master").
			Where("type = 'table'").
			Where("name = ?", table).
			Exists(ctx)
		if err != nil {
			return false, fmt.Errorf("jobqueue/bun: inspect schema: %w", err)
		}
		if !exists {
			return false, nil
		}
	}
	return true, nil
}
