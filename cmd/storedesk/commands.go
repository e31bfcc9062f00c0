package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawinfra/storedesk/internal/cloudsync"
)

// NewSyncCommand drains the local queue once and exits.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay the offline queue against the remote store once",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(opts.ConfigPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			policy, err := cloudsync.ParsePolicy(app.Config.Sync.Policy)
			if err != nil {
				return err
			}
			coord := cloudsync.NewCoordinator(app.Queue, app.Gateway, cloudsync.CoordinatorOptions{
				Policy:        policy,
				RecordTimeout: app.Config.Sync.RecordTimeout(),
				Limiter:       cloudsync.NewLimiter(app.Config.Sync.RatePerSecond, app.Config.Sync.Burst),
				Logger:        app.Logger,
			})
			defer coord.Close()
			// Interrupt the pass on SIGINT instead of only abandoning the wait.
			stop := context.AfterFunc(cmd.Context(), coord.Close)
			defer stop()

			res, err := coord.Synchronize(cmd.Context())
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			left, err := app.Queue.Count(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, synced %d, failed %d, dropped %d, pending %d\n",
				res.Attempted, res.Synced, res.Failed, res.Dropped, left)
			if res.Failed > 0 && policy == cloudsync.PolicyRetainFailed {
				return fmt.Errorf("%d records could not be synced and remain queued", res.Failed)
			}
			return nil
		},
	}
}

// NewPendingCommand prints the queue length, or the queued records.
func NewPendingCommand(opts *RootOptions) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Show records waiting in the offline queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(opts.ConfigPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			records, err := app.Queue.PeekAll(cmd.Context())
			if err != nil {
				return err
			}
			if !list {
				fmt.Fprintln(cmd.OutOrStdout(), len(records))
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "print the queued records as JSON")
	return cmd
}

type schemaInitializer interface {
	InitSchema(ctx context.Context) error
}

// NewInitSchemaCommand creates the receipts table in the remote store.
func NewInitSchemaCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-schema",
		Short: "Create the remote receipts schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(opts.ConfigPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			schema, ok := app.Gateway.(schemaInitializer)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "gateway %q has no schema to create\n", app.Config.Gateway.Kind)
				return nil
			}
			if err := schema.InitSchema(cmd.Context()); err != nil {
				return fmt.Errorf("init schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
			return nil
		},
	}
}

// NewVersionCommand prints build information.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "StoreDesk v%s (built %s)\n", version, buildTime)
		},
	}
}
