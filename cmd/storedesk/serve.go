package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/storedesk/internal/api"
	"github.com/clawinfra/storedesk/internal/config"
)

// NewServeCommand runs the API and the sync manager until a shutdown signal.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(opts.ConfigPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			if port > 0 {
				app.Config.Server.Port = port
			}
			return serve(cmd.Context(), app)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	return cmd
}

func serve(ctx context.Context, app *App) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app.Logger.Info("starting StoreDesk",
		"version", version,
		"config", app.ConfigPath,
		"queue", app.Config.Queue.Backend,
		"gateway", app.Config.Gateway.Kind,
	)

	if err := app.buildSync(ctx); err != nil {
		return err
	}
	if app.MQTT != nil {
		if err := app.MQTT.Start(ctx); err != nil {
			app.Logger.Warn("mqtt connectivity source unavailable, will keep retrying", "error", err)
		}
	}

	if err := app.Manager.Start(ctx); err != nil {
		return err
	}
	defer app.Manager.Stop() //nolint:errcheck

	watcher := config.NewWatcher(app.ConfigPath, config.DefaultWatchInterval, app.Logger, func(string) {
		app.reload()
	})
	watcher.Start()
	defer watcher.Stop()

	server := api.NewServer(app.Config.Server.Port, app.Manager, app.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		waitForShutdown(gctx, app, cancel)
		return nil
	})
	return g.Wait()
}

// waitForShutdown blocks until ctx ends or a shutdown signal arrives.
// Platform signals such as SIGHUP are handled in place.
func waitForShutdown(ctx context.Context, app *App, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if handlePlatformSignal(sig, app) {
				continue
			}
			app.Logger.Info("shutdown signal received", "signal", sig)
			cancel()
			return
		}
	}
}
