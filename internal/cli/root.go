package cli

import (
	"os"

	"syncbridge/internal/service"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string

	// Vendors overrides the REST client factory (for testing).
	Vendors service.VendorFactory
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

// NewRootCommand creates the root command of the syncbridge binary.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "syncbridge",
		Short: "Keep Business Central, Planner and Dataverse tasks in sync",
		Long: `syncbridge receives change notifications from Business Central, Microsoft Planner
and Dataverse, queues them, and propagates each change to the other two systems.

Every subcommand except serve is a one-shot invocation meant for cron and prints its
result as JSON.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath(), "path to the YAML or TOML config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewProcessQueueCommand(opts))
	cmd.AddCommand(NewPollCommand(opts))
	cmd.AddCommand(NewSubscriptionsCommand(opts))
	cmd.AddCommand(NewOriginsCommand(opts))

	return cmd
}
