package main

import "github.com/spf13/cobra"

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "probectl",
		Short:         "Protocol monitor CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newStatusCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newAddCmd())
	root.AddCommand(newRemoveCmd())
	root.AddCommand(newRefreshCmd())
	root.AddCommand(newSubscribeCmd())
	root.AddCommand(newUnsubscribeCmd())
	root.AddCommand(newProbeCmd())
	root.AddCommand(newHealthCmd())

	return root
}
