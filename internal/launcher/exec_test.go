//go:build unix

package launcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-jobqueue/pkg/interfaces/launcher"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/logger"
	"github.com/google/uuid"
)

func TestExecLaunchAppendsOutputToLog(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "queue.db")
	l := &Exec{Command: []string{"echo", "worker"}}

	pid, err := l.Launch(context.Background(), launcher.Request{Slot: 3, StorePath: store})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("expected pid, got %d", pid)
	}

	logPath := filepath.Join(dir, DefaultLogName)
	want := "worker 3 " + store
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(logPath)
		if strings.Contains(string(data), want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %q in log, got %q", want, string(data))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestExecLaunchPassesHolder(t *testing.T) {
	dir := t.TempDir()
	holder := uuid.New()
	l := &Exec{Command: []string{"sh", "-c", "echo holder=$" + launcher.HolderEnv, "sh"}}

	if _, err := l.Launch(context.Background(), launcher.Request{StorePath: filepath.Join(dir, "queue.db"), Holder: holder}); err != nil {
		t.Fatalf("launch: %v", err)
	}
	want := "holder=" + holder.String()
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(filepath.Join(dir, DefaultLogName))
		if strings.Contains(string(data), want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %q in log, got %q", want, string(data))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestExecLaunchUnknownCommand(t *testing.T) {
	l := &Exec{Command: []string{"jobqueue-definitely-missing-binary"}}
	_, err := l.Launch(context.Background(), launcher.Request{StorePath: filepath.Join(t.TempDir(), "queue.db")})
	if !errors.Is(err, launcher.ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
}

func TestExecLaunchLeavesSpawnAnnouncementToCaller(t *testing.T) {
	dir := t.TempDir()
	var logs bytes.Buffer
	l := &Exec{
		Command: []string{"true"},
		Logger:  logger.New(&logs, logger.Options{Level: "debug", Format: "json"}),
	}

	if _, err := l.Launch(context.Background(), launcher.Request{StorePath: filepath.Join(dir, "queue.db")}); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if strings.Contains(logs.String(), "worker spawned") {
		t.Fatalf("launcher must not announce the spawn, got %s", logs.String())
	}
	if !strings.Contains(logs.String(), DefaultLogName) {
		t.Fatalf("expected the worker log path at debug level, got %s", logs.String())
	}
}
