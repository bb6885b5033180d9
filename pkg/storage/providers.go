package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bunrepo "github.com/goliatone/go-jobqueue/internal/storage/bun"
	"github.com/goliatone/go-jobqueue/internal/storage/memory"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// DefaultBusyTimeout bounds how long SQLite waits on a locked database file.
const DefaultBusyTimeout = 5 * time.Second

// Providers exposes all repositories needed by the dispatcher and workers.
type Providers struct {
	Jobs      store.JobRepository
	Registry  store.RegistryRepository
	Leases    store.LeaseRepository
	Installer store.Installer

	// DB is set for SQLite-backed providers opened through OpenSQLite.
	DB *bun.DB

	clock   func() time.Time
	bunOpts []bunrepo.Option
}

type Option func(*Providers)

// WithClock overrides the timestamp source of the repositories.
func WithClock(now func() time.Time) Option {
	return func(p *Providers) {
		if now != nil {
			p.clock = now
			p.bunOpts = append(p.bunOpts, bunrepo.WithClock(now))
		}
	}
}

// WithRepositoryOptions forwards options to the SQLite repositories.
func WithRepositoryOptions(opts ...bunrepo.Option) Option {
	return func(p *Providers) {
		p.bunOpts = append(p.bunOpts, opts...)
	}
}

// NewMemoryProviders returns repositories backed by a shared in-memory store.
func NewMemoryProviders(opts ...Option) Providers {
	var providers Providers
	for _, opt := range opts {
		opt(&providers)
	}

	backend := memory.NewBackend()
	backend.SetClock(providers.clock)
	providers.Jobs = memory.NewJobRepository(backend)
	providers.Registry = memory.NewRegistryRepository(backend)
	providers.Leases = memory.NewLeaseRepository(backend)
	providers.Installer = &store.NopInstaller{}
	return providers
}

// NewBunProviders wires Bun-backed repositories using go-repository-bun.
// The caller is responsible for creating the *bun.DB instance (potentially
// via OpenSQLite) and managing its lifecycle.
func NewBunProviders(db *bun.DB, opts ...Option) Providers {
	if db == nil {
		panic("storage: bun DB is required")
	}

	// Register models so go-persistence-bun migrations can pick them up.
	persistence.RegisterModel(bunrepo.Models()...)

	providers := Providers{DB: db}
	for _, opt := range opts {
		opt(&providers)
	}

	providers.Jobs = bunrepo.NewJobRepository(db, providers.bunOpts...)
	providers.Registry = bunrepo.NewRegistryRepository(db, providers.bunOpts...)
	providers.Leases = bunrepo.NewLeaseRepository(db, providers.bunOpts...)
	providers.Installer = bunrepo.NewSchema(db, providers.bunOpts...)
	return providers
}

// OpenSQLite opens (creating when needed) the queue database at path and
// installs the schema. The handle keeps a single connection so that the
// exclusive claim transaction never waits on a sibling connection of the
// same process.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration, opts ...Option) (Providers, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Providers{}, fmt.Errorf("storage: sqlite path is required")
	}
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	dsn := DSN(path)
	if err := ensureSQLiteDir(dsn); err != nil {
		return Providers{}, fmt.Errorf("storage: create sqlite dir: %w", err)
	}

	sqldb, err := sql.Open(sqliteshim.DriverName(), dsn)
	if err != nil {
		return Providers{}, fmt.Errorf("storage: open sqlite: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return Providers{}, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	providers := NewBunProviders(db, opts...)
	if err := providers.Installer.Install(ctx); err != nil {
		_ = db.Close()
		return Providers{}, err
	}
	return providers, nil
}

// Close releases the database handle, if any.
func (p Providers) Close() error {
	if p.DB == nil {
		return nil
	}
	return p.DB.Close()
}

// DSN turns a file path into the sqlite DSN used by OpenSQLite.
func DSN(path string) string {
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return path
	}
	return "file:" + path
}

func ensureSQLiteDir(dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
