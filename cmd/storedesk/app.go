package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/clawinfra/storedesk/internal/cloudsync"
	"github.com/clawinfra/storedesk/internal/config"
	"github.com/clawinfra/storedesk/internal/connectivity"
	"github.com/clawinfra/storedesk/internal/gateway"
	"github.com/clawinfra/storedesk/internal/queue"
)

// probeTimeout bounds the startup reachability check.
const probeTimeout = 5 * time.Second

// App holds the runtime components
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	LogLevel   *slog.LevelVar
	Queue      *queue.SnapshotQueue
	Gateway    gateway.Gateway
	Monitor    *connectivity.Monitor
	MQTT       *connectivity.MQTTSource
	Manager    *cloudsync.Manager
}

// setup loads the config and builds the queue and gateway. The monitor and
// manager are built separately since only serve and sync need them.
func setup(configPath string, out io.Writer) (*App, error) {
	app := &App{ConfigPath: configPath, LogLevel: new(slog.LevelVar)}
	app.Logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: app.LogLevel}))

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	level, err := config.ParseLogLevel(cfg.Server.LogLevel)
	if err != nil {
		return nil, err
	}
	app.LogLevel.Set(level)

	store, err := queue.OpenStore(cfg.Queue.Backend, cfg.Server.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	app.Queue = queue.New(store, queue.Options{
		Key:     cfg.Queue.Key,
		MaxSize: cfg.Queue.MaxSize,
		Logger:  app.Logger,
	})

	gw, err := buildGateway(cfg.Gateway, app.Logger)
	if err != nil {
		_ = app.Queue.Close()
		return nil, err
	}
	app.Gateway = gw

	return app, nil
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func buildGateway(cfg config.GatewayConfig, logger *slog.Logger) (gateway.Gateway, error) {
	switch cfg.Kind {
	case "turso":
		client := gateway.NewClient(cfg.DatabaseURL, cfg.AuthToken, gateway.ClientOptions{
			Timeout:    cfg.Timeout(),
			MaxRetries: cfg.MaxRetries,
		}, logger)
		return gateway.NewTurso(client, gateway.TursoOptions{
			CreatedBy:     cfg.CreatedBy,
			WatchInterval: cfg.WatchInterval(),
			Logger:        logger,
		}), nil
	case "postgres":
		gw, err := gateway.OpenPostgres(cfg.DSN, gateway.PostgresOptions{
			CreatedBy:     cfg.CreatedBy,
			WatchInterval: cfg.WatchInterval(),
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return gw, nil
	case "memory", "":
		logger.Warn("using in-memory remote store; records are lost on exit")
		return gateway.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown gateway kind %q", cfg.Kind)
	}
}

// initialState resolves the startup connectivity reading.
func (a *App) initialState(ctx context.Context) connectivity.State {
	switch a.Config.Connectivity.Initial {
	case "online":
		return connectivity.Online
	case "offline":
		return connectivity.Offline
	default:
		st := connectivity.Probe(ctx, a.Gateway.Ping, probeTimeout)
		a.Logger.Info("connectivity probed", "state", st)
		return st
	}
}

// buildSync creates the monitor, the optional MQTT source and the manager.
func (a *App) buildSync(ctx context.Context) error {
	a.Monitor = connectivity.NewMonitor(a.initialState(ctx), a.Logger)

	if m := a.Config.Connectivity.MQTT; m.Enabled {
		a.MQTT = connectivity.NewMQTTSource(connectivity.MQTTOptions{
			Host:        m.Host,
			Port:        m.Port,
			Username:    m.Username,
			Password:    m.Password,
			ClientID:    m.ClientID,
			StatusTopic: m.StatusTopic,
		}, a.Monitor, a.Logger)
	}

	policy, err := cloudsync.ParsePolicy(a.Config.Sync.Policy)
	if err != nil {
		return err
	}
	mgr, err := cloudsync.NewManager(a.Queue, a.Gateway, a.Monitor, cloudsync.Options{
		Policy:        policy,
		RecordTimeout: a.Config.Sync.RecordTimeout(),
		RatePerSecond: a.Config.Sync.RatePerSecond,
		Burst:         a.Config.Sync.Burst,
		RetrySchedule: a.Config.Sync.RetrySchedule,
		Logger:        a.Logger,
	})
	if err != nil {
		return err
	}
	a.Manager = mgr
	return nil
}

// reload re-reads the config file and applies the log level.
func (a *App) reload() {
	result, err := a.Config.Reload(a.ConfigPath)
	if err != nil {
		a.Logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(a.Logger)

	config.RLock()
	levelName := a.Config.Server.LogLevel
	config.RUnlock()
	if level, err := config.ParseLogLevel(levelName); err == nil {
		a.LogLevel.Set(level)
	}
}

// Close releases the queue and gateway.
func (a *App) Close() error {
	var errs []error
	if a.MQTT != nil {
		a.MQTT.Stop()
	}
	if c, ok := a.Gateway.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	return errors.Join(errs...)
}
