package main

import (
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

type cliOptions struct {
	logLevel string
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "axnotify",
		Short:         "Accessibility notification center with HTTP and stream access",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newWatchCmd(opts),
		newStatsCmd(opts),
		newVersionCmd(),
	)

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the axnotify version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte("axnotify " + version + "\n"))
			return err
		},
	}
}
