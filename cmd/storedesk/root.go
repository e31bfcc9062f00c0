package main

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the storedesk command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "storedesk",
		Short:         "StoreDesk receipt service",
		Long:          "Records purchase-order receipts and keeps them safe on this device until the remote store confirms them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "storedesk.json", "path to config file (.json, .toml, .yaml)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewInitSchemaCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
