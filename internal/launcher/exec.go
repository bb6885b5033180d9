package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/goliatone/go-jobqueue/pkg/interfaces/launcher"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/logger"
	"github.com/google/uuid"
)

// DefaultLogName is created next to the store when no log file is configured.
const DefaultLogName = "jobqueue-worker.log"

// Exec launches workers as detached child processes. The worker command
// receives "<slot> <storePath>" as its final arguments and the lease holder in
// HolderEnv; stdout and stderr are appended to LogFile.
type Exec struct {
	// Command is the worker entrypoint, e.g. ["jobqueue", "worker"]. When empty
	// the current executable is started with the "worker" subcommand.
	Command []string
	// LogFile receives worker output. Defaults to DefaultLogName in the store dir.
	LogFile string
	Env     []string
	Logger  logger.Logger

	mu sync.Mutex
}

var _ launcher.Launcher = (*Exec)(nil)

func (e *Exec) Launch(ctx context.Context, req launcher.Request) (int, error) {
	slot, storePath := req.Slot, req.StorePath
	name, args, err := e.command()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", launcher.ErrSpawnFailed, err)
	}
	args = append(args, strconv.Itoa(slot), storePath)

	logPath := e.LogFile
	if logPath == "" {
		logPath = filepath.Join(filepath.Dir(storePath), DefaultLogName)
	}
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: open log %s: %v", launcher.ErrSpawnFailed, logPath, err)
	}
	defer out.Close()

	// The worker must outlive the request that spawned it, so ctx only guards
	// the start itself and is not bound to the process.
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", launcher.ErrSpawnFailed, err)
	}
	cmd := exec.Command(name, args...)
	cmd.Stdin = nil
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Dir = filepath.Dir(storePath)
	cmd.Env = append(os.Environ(), e.Env...)
	if req.Holder != uuid.Nil {
		cmd.Env = append(cmd.Env, launcher.HolderEnv+"="+req.Holder.String())
	}
	detach(cmd)

	e.mu.Lock()
	err = cmd.Start()
	e.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", launcher.ErrSpawnFailed, err)
	}
	pid := cmd.Process.Pid
	e.log().Debug("worker output redirected",
		logger.Field{Key: "pid", Value: pid},
		logger.Field{Key: "log", Value: logPath},
	)

	// Reap the child so it does not linger as a zombie while this process lives.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

func (e *Exec) command() (string, []string, error) {
	if len(e.Command) > 0 {
		name, err := exec.LookPath(e.Command[0])
		if err != nil {
			return "", nil, err
		}
		return name, append([]string(nil), e.Command[1:]...), nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", nil, err
	}
	return self, []string{"worker"}, nil
}

func (e *Exec) log() logger.Logger {
	if e.Logger == nil {
		return &logger.Nop{}
	}
	return e.Logger
}
