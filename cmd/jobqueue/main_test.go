package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/jobqueue"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "jobqueue.json")
	body := `{"dispatcher": {"disable_spawn": true}, "logging": {"level": "error"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestCLIDispatchAndStatus(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "queue.db")
	cfgPath := writeConfig(t, dir)

	out, err := runCLI(t, "--store", storePath, "--config", cfgPath, "dispatch", "--method", "echo", "--data", `{"x":1}`)
	if err != nil {
		t.Fatalf("dispatch: %v (%s)", err, out)
	}
	if strings.TrimSpace(out) != "1" {
		t.Fatalf("expected job id 1, got %q", out)
	}

	out, err = runCLI(t, "--store", storePath, "--config", cfgPath, "status", "1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if strings.TrimSpace(out) != "pending" {
		t.Fatalf("expected pending, got %q", out)
	}

	if _, err := runCLI(t, "--store", storePath, "--config", cfgPath, "dispatch", "--method", "echo", "--data", "{broken"); err == nil {
		t.Fatalf("expected invalid payload to be rejected")
	}
}

func TestCLIConfigWorkers(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "queue.db")
	cfgPath := writeConfig(t, dir)

	out, err := runCLI(t, "--store", storePath, "--config", cfgPath, "config", "workers")
	if err != nil {
		t.Fatalf("config workers: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out), "1 ") {
		t.Fatalf("expected seeded count 1, got %q", out)
	}

	out, err = runCLI(t, "--store", storePath, "--config", cfgPath, "config", "workers", "0")
	if err != nil {
		t.Fatalf("set workers: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out), "1 ") {
		t.Fatalf("expected count clamped to 1, got %q", out)
	}
}

func TestCLIConfigWorkersTrace(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "queue.db")
	cfgPath := writeConfig(t, dir)

	out, err := runCLI(t, "--store", storePath, "--config", cfgPath, "config", "workers", "--trace")
	if err != nil {
		t.Fatalf("config workers --trace: %v", err)
	}
	for _, want := range []string{`"path":"workers.count"`, `"Name":"store"`, `"Name":"defaults"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in trace output, got %q", want, out)
		}
	}
}

func TestCLISlotsEmpty(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "queue.db")
	cfgPath := writeConfig(t, dir)

	out, err := runCLI(t, "--store", storePath, "--config", cfgPath, "slots")
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if !strings.Contains(out, "no workers registered") {
		t.Fatalf("unexpected output %q", out)
	}
	out, err = runCLI(t, "--store", storePath, "--config", cfgPath, "slots", "release", "0")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !strings.Contains(out, "not registered") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRenderSlotsListsRunningJobs(t *testing.T) {
	var out bytes.Buffer
	slots := []jobqueue.SlotStatus{{
		Slot:      0,
		PID:       4242,
		Holder:    "holder-a",
		ExpiresAt: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Live:      true,
		Running:   []int64{3, 4},
	}}
	if err := renderSlots(&out, slots); err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"4242", "holder-a", "live", "3,4"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in output:\n%s", want, out.String())
		}
	}
}

func TestCLIErrorIsReturnedOnce(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	out, err := runCLI(t, "--store", filepath.Join(dir, "queue.db"), "--config", cfgPath, "status", "nope")
	if err == nil || !strings.Contains(err.Error(), "invalid job id") {
		t.Fatalf("expected invalid id error, got %v", err)
	}
	if strings.Contains(out, "Error:") || strings.Contains(out, "Usage:") {
		t.Fatalf("root command must leave error reporting to main, got %q", out)
	}
}

func TestJobStateAndParseID(t *testing.T) {
	job := &domain.JobRecord{Owner: domain.UnclaimedOwner}
	if jobState(job) != "pending" {
		t.Fatalf("expected pending")
	}
	job.Owner, job.Running = 0, true
	if jobState(job) != "running (slot 0)" {
		t.Fatalf("unexpected state %q", jobState(job))
	}
	job.Running, job.Error = false, "boom"
	if jobState(job) != "failed: boom" {
		t.Fatalf("unexpected state %q", jobState(job))
	}
	if _, err := parseJobID("0"); err == nil {
		t.Fatalf("expected id 0 to be rejected")
	}
	if id, err := parseJobID("42"); err != nil || id != 42 {
		t.Fatalf("expected 42, got %d (%v)", id, err)
	}
}
