package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func versionCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "storeguard %s (commit %s, built %s)\n", info.Version, info.GitCommit, info.BuildTime)
		},
	}
}
