package cli

import (
	"errors"

	"syncbridge/internal/service"

	"github.com/spf13/cobra"
)

type queueFlags struct {
	maxJobs  int
	dryRun   bool
	preferBC bool
	graceMs  int64
}

func (f *queueFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.maxJobs, "max-jobs", 0, "jobs to drain in one pass (default from config)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "decide without writing; drained jobs are put back")
	cmd.Flags().BoolVar(&f.preferBC, "prefer-bc", true, "let Business Central win when both sides changed")
	cmd.Flags().Int64Var(&f.graceMs, "grace-ms", 0, "timestamp tolerance in milliseconds (default from config)")
}

// options only overrides config values for flags the caller actually set.
func (f *queueFlags) options(cmd *cobra.Command) service.QueueOptions {
	opts := service.QueueOptions{MaxJobs: f.maxJobs, DryRun: f.dryRun}
	if cmd.Flags().Changed("prefer-bc") {
		v := f.preferBC
		opts.PreferBC = &v
	}
	if cmd.Flags().Changed("grace-ms") {
		v := f.graceMs
		opts.GraceMs = &v
	}
	return opts
}

// NewProcessQueueCommand drains one batch of the sync queue.
func NewProcessQueueCommand(rootOpts *RootOptions) *cobra.Command {
	var flags queueFlags
	cmd := &cobra.Command{
		Use:   "process-queue",
		Short: "Drain one batch of queued changes and apply them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), rootOpts, func(rt *runtime) error {
				res, err := rt.svc.ProcessQueue(cmd.Context(), flags.options(cmd))
				if err != nil {
					return WrapExitError(ExitFailure, "process queue", err)
				}
				if err := writeResult(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if res.Locked {
					return NewExitError(ExitLocked, "queue is locked by another run")
				}
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

// NewPollCommand walks one delta feed and enqueues what changed.
func NewPollCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		flags   queueFlags
		source  string
		reset   bool
		process bool
	)
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll a delta feed and enqueue the changes it reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), rootOpts, func(rt *runtime) error {
				summary, err := rt.svc.Poll(cmd.Context(), source, service.PollOptions{
					Reset:   reset,
					Process: process,
					Queue:   flags.options(cmd),
				})
				if errors.Is(err, service.ErrUnsupportedSource) {
					return WrapExitError(ExitCommandError, "poll", err)
				}
				if err != nil {
					return WrapExitError(ExitFailure, "poll", err)
				}
				return writeResult(cmd.OutOrStdout(), summary)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "planner", "delta feed to poll")
	cmd.Flags().BoolVar(&reset, "reset", false, "discard the stored cursor and start from a full snapshot")
	cmd.Flags().BoolVar(&process, "process", false, "run a queue pass after polling")
	flags.register(cmd)
	return cmd
}

// NewOriginsCommand groups maintenance of the origin markers.
func NewOriginsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "origins",
		Short: "Maintain recorded write origins",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete origin markers older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), rootOpts, func(rt *runtime) error {
				n, err := rt.svc.PurgeOrigins(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "purge origins", err)
				}
				return writeResult(cmd.OutOrStdout(), map[string]int{"purged": n})
			})
		},
	})
	return cmd
}
