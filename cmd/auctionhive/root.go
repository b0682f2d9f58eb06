package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "auctionhive",
		Short:         "Autonomous franchise bidding agents for a live player auction",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newAgentCmd(),
	)

	return rootCmd
}
