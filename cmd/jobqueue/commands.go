package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goliatone/go-jobqueue/internal/worker"
	"github.com/goliatone/go-jobqueue/pkg/commands"
	"github.com/goliatone/go-jobqueue/pkg/domain"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/launcher"
	"github.com/goliatone/go-jobqueue/pkg/interfaces/store"
	"github.com/goliatone/go-jobqueue/pkg/jobqueue"
	pkgoptions "github.com/goliatone/go-jobqueue/pkg/options"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// newDispatchCommand constructs the `dispatch` subcommand.
func newDispatchCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Enqueue a job and make sure a worker is running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			method, _ := cmd.Flags().GetString("method")
			data, _ := cmd.Flags().GetString("data")
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data must be a JSON document")
			}

			module, err := flags.openModule(cmd.Context(), os.Stderr)
			if err != nil {
				return err
			}
			defer module.Close()

			var id int64
			err = module.Commands().DispatchJob.Execute(cmd.Context(), commands.DispatchJob{
				Method:       method,
				Data:         json.RawMessage(data),
				OnDispatched: func(v int64) { id = v },
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringP("method", "m", "", "Handler method name")
	cmd.Flags().StringP("data", "d", "null", "JSON payload")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}

// newStatusCommand constructs the `status` subcommand.
func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Report whether a job has finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			module, err := flags.openModule(cmd.Context(), os.Stderr)
			if err != nil {
				return err
			}
			defer module.Close()

			job, err := module.Storage().Jobs.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), jobState(job))
			return nil
		},
	}
}

// newReceiveCommand constructs the `receive` subcommand.
func newReceiveCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive <id>",
		Short: "Consume a finished job and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			wait, _ := cmd.Flags().GetBool("wait")
			interval, _ := cmd.Flags().GetDuration("interval")

			module, err := flags.openModule(cmd.Context(), os.Stderr)
			if err != nil {
				return err
			}
			defer module.Close()

			var job *domain.JobRecord
			if wait {
				job, err = module.Dispatcher().Wait(cmd.Context(), id, interval)
			} else {
				err = module.Commands().ReceiveJob.Execute(cmd.Context(), commands.ReceiveJob{
					ID:         id,
					OnReceived: func(j *domain.JobRecord) { job = j },
				})
			}
			if err != nil {
				return err
			}
			if jobErr := job.Err(); jobErr != nil {
				return jobErr
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), job.Result.String())
			return nil
		},
	}
	cmd.Flags().BoolP("wait", "w", false, "Block until the job finishes")
	cmd.Flags().Duration("interval", 100*time.Millisecond, "Polling interval used with --wait")
	return cmd
}

// newWorkerCommand constructs the `worker` subcommand started by dispatchers.
func newWorkerCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:    "worker <slot> <store>",
		Short:  "Run a worker until the queue drains",
		Args:   cobra.ExactArgs(2),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := strconv.Atoi(args[0])
			if err != nil || slot < 0 {
				return fmt.Errorf("invalid slot %q", args[0])
			}
			flags.store = args[1]

			holder := uuid.Nil
			if raw := os.Getenv(launcher.HolderEnv); raw != "" {
				if holder, err = uuid.Parse(raw); err != nil {
					return fmt.Errorf("invalid %s: %w", launcher.HolderEnv, err)
				}
			}

			// Worker output is redirected to the log file by the launcher.
			module, err := flags.openModule(cmd.Context(), os.Stdout)
			if err != nil {
				return err
			}
			defer module.Close()

			rt, err := module.NewWorker(slot, func(o *jobqueue.WorkerOptions) { o.Holder = holder })
			if err != nil {
				return err
			}
			if err := rt.Register("echo", worker.Echo); err != nil {
				return err
			}
			outcome, err := rt.Run(cmd.Context())
			if outcome == worker.OutcomeFatal {
				return err
			}
			return nil
		},
	}
}

// newSlotsCommand constructs the `slots` command group.
func newSlotsCommand(flags *globalFlags) *cobra.Command {
	slotsCmd := &cobra.Command{
		Use:   "slots",
		Short: "List worker registrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			module, err := flags.openModule(cmd.Context(), os.Stderr)
			if err != nil {
				return err
			}
			defer module.Close()

			slots, err := module.Dispatcher().Slots(cmd.Context())
			if err != nil {
				return err
			}
			return renderSlots(cmd.OutOrStdout(), slots)
		},
	}

	releaseCmd := &cobra.Command{
		Use:   "release <slot>",
		Short: "Force-release a worker registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid slot %q", args[0])
			}
			module, err := flags.openModule(cmd.Context(), os.Stderr)
			if err != nil {
				return err
			}
			defer module.Close()

			err = module.Commands().ReleaseSlot.Execute(cmd.Context(), commands.ReleaseSlot{Slot: slot})
			if errors.Is(err, store.ErrNotFound) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "slot %d is not registered\n", slot)
				return nil
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "slot %d released\n", slot)
			return nil
		},
	}
	slotsCmd.AddCommand(releaseCmd)
	return slotsCmd
}

// newConfigCommand constructs the `config` command group.
func newConfigCommand(flags *globalFlags) *cobra.Command {
	configCmd := &cobra.Command{Use: "config", Short: "Inspect and change stored settings"}
	var showTrace bool
	workersCmd := &cobra.Command{
		Use:   "workers [n]",
		Short: "Show or set the configured worker count",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			module, err := flags.openModule(cmd.Context(), os.Stderr)
			if err != nil {
				return err
			}
			defer module.Close()

			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid worker count %q", args[0])
				}
				if err := module.Commands().SetWorkerCount.Execute(cmd.Context(), commands.SetWorkerCount{Count: n}); err != nil {
					return err
				}
			}
			settings, err := pkgoptions.ResolveSettings(cmd.Context(), module.Storage().Registry, nil)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d (%s)\n", settings.WorkerCount, settings.WorkerCountSource)
			if showTrace {
				raw, err := settings.WorkerCountTrace.ToJSON()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			}
			return nil
		},
	}
	workersCmd.Flags().BoolVar(&showTrace, "trace", false, "Print every settings scope consulted for the count")
	configCmd.AddCommand(workersCmd)
	return configCmd
}

// newStatsCommand constructs the `stats` subcommand.
func newStatsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			module, err := flags.openModule(cmd.Context(), os.Stderr)
			if err != nil {
				return err
			}
			defer module.Close()

			stats, err := module.Dispatcher().Stats(cmd.Context())
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Pending", "Running", "Finished", "Failed")
			_ = table.Append([]string{
				strconv.Itoa(stats.Pending),
				strconv.Itoa(stats.Running),
				strconv.Itoa(stats.Finished),
				strconv.Itoa(stats.Failed),
			})
			return table.Render()
		},
	}
}

func renderSlots(w io.Writer, slots []jobqueue.SlotStatus) error {
	if len(slots) == 0 {
		_, _ = fmt.Fprintln(w, "no workers registered")
		return nil
	}
	live := color.New(color.FgGreen).SprintFunc()
	stale := color.New(color.FgRed).SprintFunc()

	table := tablewriter.NewWriter(w)
	table.Header("Slot", "PID", "Holder", "Expires", "State", "Running")
	for _, slot := range slots {
		state := stale("stale")
		if slot.Live {
			state = live("live")
		}
		running := make([]string, 0, len(slot.Running))
		for _, id := range slot.Running {
			running = append(running, strconv.FormatInt(id, 10))
		}
		_ = table.Append([]string{
			strconv.Itoa(slot.Slot),
			strconv.Itoa(slot.PID),
			slot.Holder,
			slot.ExpiresAt.Format(time.RFC3339),
			state,
			strings.Join(running, ","),
		})
	}
	return table.Render()
}

func jobState(job *domain.JobRecord) string {
	switch {
	case job.Failed():
		return "failed: " + job.Error
	case job.Finished():
		return "finished"
	case job.Claimed():
		return fmt.Sprintf("running (slot %d)", job.Owner)
	default:
		return "pending"
	}
}

func parseJobID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", raw)
	}
	return id, nil
}
