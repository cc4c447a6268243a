package cli

import (
	"context"
	"errors"

	"syncbridge/internal/service"

	"github.com/spf13/cobra"
)

type subscriptionFlags struct {
	source        string
	bufferHours   int
	forceRecreate bool
}

func (f *subscriptionFlags) options() service.SubscriptionOptions {
	return service.SubscriptionOptions{
		Source:        f.source,
		BufferHours:   f.bufferHours,
		ForceRecreate: f.forceRecreate,
	}
}

// NewSubscriptionsCommand groups the webhook subscription lifecycle commands.
func NewSubscriptionsCommand(rootOpts *RootOptions) *cobra.Command {
	var flags subscriptionFlags
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Manage Business Central and Graph webhook subscriptions",
	}
	cmd.PersistentFlags().StringVar(&flags.source, "source", "", "limit to bc or planner (default both)")

	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create missing subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSubscriptions(cmd, rootOpts, "ensure subscriptions", func(ctx context.Context, svc *service.SyncService) (any, error) {
				return svc.EnsureSubscriptions(ctx, flags.options())
			})
		},
	}
	ensure.Flags().BoolVar(&flags.forceRecreate, "force-recreate", false, "delete and recreate every matching subscription")

	renew := &cobra.Command{
		Use:   "renew",
		Short: "Renew subscriptions that expire within the buffer window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSubscriptions(cmd, rootOpts, "renew subscriptions", func(ctx context.Context, svc *service.SyncService) (any, error) {
				return svc.RenewSubscriptions(ctx, flags.options())
			})
		},
	}
	renew.Flags().IntVar(&flags.bufferHours, "buffer-hours", 0, "renew when expiring within this many hours (default from config)")

	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete subscriptions pointing at this deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSubscriptions(cmd, rootOpts, "delete subscriptions", func(ctx context.Context, svc *service.SyncService) (any, error) {
				return svc.DeleteSubscriptions(ctx, flags.options())
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tracked subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSubscriptions(cmd, rootOpts, "list subscriptions", func(ctx context.Context, svc *service.SyncService) (any, error) {
				return svc.ListSubscriptions(ctx, flags.source)
			})
		},
	}

	cmd.AddCommand(ensure, renew, del, list)
	return cmd
}

func runSubscriptions(cmd *cobra.Command, rootOpts *RootOptions, what string, fn func(context.Context, *service.SyncService) (any, error)) error {
	return withRuntime(cmd.Context(), rootOpts, func(rt *runtime) error {
		out, err := fn(cmd.Context(), rt.svc)
		if errors.Is(err, service.ErrUnsupportedSource) {
			return WrapExitError(ExitCommandError, what, err)
		}
		if err != nil {
			return WrapExitError(ExitFailure, what, err)
		}
		return writeResult(cmd.OutOrStdout(), out)
	})
}
