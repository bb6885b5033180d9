package di

import (
	"context"
	"testing"
	"time"

	execlauncher "github.com/goliatone/go-jobqueue/internal/launcher"
	"github.com/goliatone/go-jobqueue/internal/worker"
	"github.com/goliatone/go-jobqueue/pkg/config"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/launcher"
	"github.com/goliatone/go-jobqueue/pkg/redact"
	"github.com/google/uuid"
)

func TestContainerDefaults(t *testing.T) {
	c, err := New(Options{})
	if err != nil {
		t.Fatalf("container: %v", err)
	}
	if c.Storage.Jobs == nil || c.Storage.Leases == nil {
		t.Fatalf("expected in-memory storage")
	}
	if _, ok := c.Launcher.(*execlauncher.Exec); !ok {
		t.Fatalf("expected exec launcher by default, got %T", c.Launcher)
	}
	if c.Config.Worker.LeaseTTL != config.Defaults().Worker.LeaseTTL {
		t.Fatalf("expected default lease ttl, got %s", c.Config.Worker.LeaseTTL)
	}
	if c.Dispatcher == nil || c.Commands == nil {
		t.Fatalf("expected dispatcher and commands")
	}
}

func TestContainerRejectsInvalidConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Worker.HeartbeatInterval = cfg.Worker.LeaseTTL
	if _, err := New(Options{Config: cfg}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestContainerRegistersRedactFields(t *testing.T) {
	cfg := config.Defaults()
	cfg.Worker.RedactFields = []string{"card_number"}
	if _, err := New(Options{Config: cfg, Launcher: &launcher.Nop{}}); err != nil {
		t.Fatalf("container: %v", err)
	}
	found := false
	for _, field := range redact.Fields() {
		if field == "card_number" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected card_number to be redacted, got %v", redact.Fields())
	}
}

func TestContainerNewWorkerUsesConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Worker.LeaseTTL = 9 * time.Second
	cfg.Worker.HeartbeatInterval = 3 * time.Second
	c, err := New(Options{Config: cfg, Launcher: &launcher.Nop{}})
	if err != nil {
		t.Fatalf("container: %v", err)
	}

	holder := uuid.New()
	rt, err := c.NewWorker(2, func(o *worker.Options) { o.Holder = holder })
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	if rt.Holder() != holder {
		t.Fatalf("expected reserved holder to be adopted")
	}
	if err := rt.Register("echo", worker.Echo); err != nil {
		t.Fatalf("register: %v", err)
	}
	outcome, err := rt.Run(context.Background())
	if err != nil || outcome != worker.OutcomeIdle {
		t.Fatalf("expected idle exit, got %s (%v)", outcome, err)
	}
	running, err := c.Dispatcher.IsRunning(context.Background(), 2)
	if err != nil || running {
		t.Fatalf("slot should be free after idle exit, got %v (%v)", running, err)
	}
}
