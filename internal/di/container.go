package di

import (
	"errors"
	"reflect"
	"time"

	"github.com/goliatone/go-jobqueue/internal/dispatcher"
	execlauncher "github.com/goliatone/go-jobqueue/internal/launcher"
	"github.com/goliatone/go-jobqueue/internal/worker"
	"github.com/goliatone/go-jobqueue/pkg/commands"
	"github.com/goliatone/go-jobqueue/pkg/config"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/broadcaster"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/launcher"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/logger"
	"github.com/goliatone/go-jobqueue/pkg/redact"
	"github.com/goliatone/go-jobqueue/pkg/storage"
)

// Options configure the DI container.
type Options struct {
	Config      config.Config
	Storage     storage.Providers
	Logger      logger.Logger
	Launcher    launcher.Launcher
	Broadcaster broadcaster.Broadcaster
	Clock       func() time.Time
}

// Container wires repositories, the dispatcher, commands and worker runtimes.
type Container struct {
	Config      config.Config
	Storage     storage.Providers
	Dispatcher  *dispatcher.Service
	Commands    *commands.Registry
	Launcher    launcher.Launcher
	Broadcaster broadcaster.Broadcaster
	Logger      logger.Logger
	clock       func() time.Time
}

func isZeroConfig(cfg config.Config) bool {
	return reflect.ValueOf(cfg).IsZero()
}

// New constructs the container using the supplied options.
func New(opts Options) (*Container, error) {
	cfg := opts.Config
	if isZeroConfig(cfg) {
		cfg = config.Defaults()
	}

	// Load fills unset durations and paths before validating.
	cfg, err := config.Load(cfg)
	if err != nil {
		return nil, err
	}

	providers := opts.Storage
	if providers.Jobs == nil {
		providers = storage.NewMemoryProviders(storage.WithClock(opts.Clock))
	}
	if providers.Registry == nil || providers.Leases == nil {
		return nil, errors.New("di: storage providers are incomplete")
	}

	lgr := opts.Logger
	if lgr == nil {
		lgr = &logger.Nop{}
	}

	b := opts.Broadcaster
	if b == nil {
		b = &broadcaster.Nop{}
	}

	l := opts.Launcher
	if l == nil {
		l = &execlauncher.Exec{
			Command: cfg.Worker.Command,
			LogFile: cfg.Worker.LogFile,
			Logger:  lgr,
		}
	}

	redact.RegisterFields(cfg.Worker.RedactFields...)

	dispatcherSvc, err := dispatcher.New(dispatcher.Dependencies{
		Jobs:        providers.Jobs,
		Registry:    providers.Registry,
		Leases:      providers.Leases,
		Launcher:    l,
		Broadcaster: b,
		Logger:      lgr,
		Config:      cfg,
		Clock:       opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	cmdRegistry, err := commands.New(commands.Dependencies{
		Dispatcher: dispatcherSvc,
		Logger:     lgr,
	})
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:      cfg,
		Storage:     providers,
		Dispatcher:  dispatcherSvc,
		Commands:    cmdRegistry,
		Launcher:    l,
		Broadcaster: b,
		Logger:      lgr,
		clock:       opts.Clock,
	}, nil
}

// NewWorker builds a runtime for slot using the container's store and config.
// Mutators adjust the derived options (e.g. to adopt a reserved lease holder).
func (c *Container) NewWorker(slot int, mutators ...func(*worker.Options)) (*worker.Runtime, error) {
	opts := worker.OptionsFromConfig(slot, c.Config.Worker)
	for _, mutate := range mutators {
		mutate(&opts)
	}
	return worker.New(worker.Dependencies{
		Jobs:        c.Storage.Jobs,
		Leases:      c.Storage.Leases,
		Broadcaster: c.Broadcaster,
		Logger:      c.Logger,
		Options:     opts,
		Clock:       c.clock,
	})
}
