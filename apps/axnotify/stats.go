package main

import (
	"encoding/json"

	"github.com/nkkko/axnotify/pkg/client"
	"github.com/nkkko/axnotify/pkg/proto"
	"github.com/spf13/cobra"
)

func newStatsCmd(_ *cliOptions) *cobra.Command {
	server := "http://localhost:8080"
	var withKeys bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the subscription counts of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := client.New(server)
			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}

			report := struct {
				*client.Stats
				Keys []proto.KeyInfo `json:"keys,omitempty"`
			}{Stats: stats}
			if withKeys {
				if report.Keys, err = c.Keys(cmd.Context()); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&server, "server", server, "server base URL")
	cmd.Flags().BoolVar(&withKeys, "keys", false, "include the registered keys")
	return cmd
}
