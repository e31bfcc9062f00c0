// Package config loads the StoreDesk configuration file.
//
// The format follows the file extension: .json (default), .toml, or
// .yaml/.yml. Missing fields keep the values of DefaultConfig.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all StoreDesk configuration
type Config struct {
	Server       ServerConfig       `json:"server" toml:"server" yaml:"server"`
	Queue        QueueConfig        `json:"queue" toml:"queue" yaml:"queue"`
	Gateway      GatewayConfig      `json:"gateway" toml:"gateway" yaml:"gateway"`
	Sync         SyncConfig         `json:"sync" toml:"sync" yaml:"sync"`
	Connectivity ConnectivityConfig `json:"connectivity" toml:"connectivity" yaml:"connectivity"`
}

type ServerConfig struct {
	Port     int    `json:"port" toml:"port" yaml:"port"`
	DataDir  string `json:"dataDir" toml:"dataDir" yaml:"dataDir"`
	LogLevel string `json:"logLevel" toml:"logLevel" yaml:"logLevel"`
}

// QueueConfig selects the local medium of the offline queue.
type QueueConfig struct {
	Backend string `json:"backend" toml:"backend" yaml:"backend"` // "file", "sqlite", "badger", "memory"
	Key     string `json:"key,omitempty" toml:"key,omitempty" yaml:"key,omitempty"`
	MaxSize int    `json:"maxSize,omitempty" toml:"maxSize,omitempty" yaml:"maxSize,omitempty"`
}

// GatewayConfig selects and configures the remote store.
type GatewayConfig struct {
	Kind                 string `json:"kind" toml:"kind" yaml:"kind"` // "turso", "postgres", "memory"
	DatabaseURL          string `json:"databaseUrl,omitempty" toml:"databaseUrl,omitempty" yaml:"databaseUrl,omitempty"`
	AuthToken            string `json:"authToken,omitempty" toml:"authToken,omitempty" yaml:"authToken,omitempty"`
	DSN                  string `json:"dsn,omitempty" toml:"dsn,omitempty" yaml:"dsn,omitempty"`
	TimeoutSeconds       int    `json:"timeoutSeconds" toml:"timeoutSeconds" yaml:"timeoutSeconds"`
	MaxRetries           int    `json:"maxRetries" toml:"maxRetries" yaml:"maxRetries"`
	WatchIntervalSeconds int    `json:"watchIntervalSeconds" toml:"watchIntervalSeconds" yaml:"watchIntervalSeconds"`
	CreatedBy            string `json:"createdBy,omitempty" toml:"createdBy,omitempty" yaml:"createdBy,omitempty"`
}

// SyncConfig tunes replay of the offline queue.
type SyncConfig struct {
	Policy               string  `json:"policy" toml:"policy" yaml:"policy"` // "retain-failed" or "drop-failed"
	RecordTimeoutSeconds int     `json:"recordTimeoutSeconds" toml:"recordTimeoutSeconds" yaml:"recordTimeoutSeconds"`
	RetrySchedule        string  `json:"retrySchedule,omitempty" toml:"retrySchedule,omitempty" yaml:"retrySchedule,omitempty"`
	RatePerSecond        float64 `json:"ratePerSecond,omitempty" toml:"ratePerSecond,omitempty" yaml:"ratePerSecond,omitempty"`
	Burst                int     `json:"burst,omitempty" toml:"burst,omitempty" yaml:"burst,omitempty"`
}

type ConnectivityConfig struct {
	// Initial is the startup reading: "online", "offline" or "probe".
	Initial string     `json:"initial" toml:"initial" yaml:"initial"`
	MQTT    MQTTConfig `json:"mqtt" toml:"mqtt" yaml:"mqtt"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	Host        string `json:"host" toml:"host" yaml:"host"`
	Port        int    `json:"port" toml:"port" yaml:"port"`
	Username    string `json:"username,omitempty" toml:"username,omitempty" yaml:"username,omitempty"`
	Password    string `json:"password,omitempty" toml:"password,omitempty" yaml:"password,omitempty"`
	ClientID    string `json:"clientId,omitempty" toml:"clientId,omitempty" yaml:"clientId,omitempty"`
	StatusTopic string `json:"statusTopic,omitempty" toml:"statusTopic,omitempty" yaml:"statusTopic,omitempty"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8420,
			DataDir:  "./data",
			LogLevel: "info",
		},
		Queue: QueueConfig{
			Backend: "file",
		},
		Gateway: GatewayConfig{
			Kind:                 "memory",
			TimeoutSeconds:       30,
			MaxRetries:           3,
			WatchIntervalSeconds: 5,
		},
		Sync: SyncConfig{
			Policy:               "retain-failed",
			RecordTimeoutSeconds: 15,
			RetrySchedule:        "@every 5m",
		},
		Connectivity: ConnectivityConfig{
			Initial: "probe",
			MQTT: MQTTConfig{
				Host:        "localhost",
				Port:        1883,
				StatusTopic: "storedesk/connectivity",
			},
		},
	}
}

type format int

const (
	formatJSON format = iota
	formatTOML
	formatYAML
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return formatTOML
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

func decode(path string, data []byte, cfg *Config) error {
	switch formatOf(path) {
	case formatTOML:
		return toml.Unmarshal(data, cfg)
	case formatYAML:
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func encode(path string, cfg *Config) ([]byte, error) {
	switch formatOf(path) {
	case formatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case formatYAML:
		return yaml.Marshal(cfg)
	default:
		return json.MarshalIndent(cfg, "", "  ")
	}
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Load reads and validates the config file at path and makes sure the data
// directory exists.
func Load(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config to path in the format its extension names.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := encode(path, c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.DataDir == "" {
		errs = append(errs, errors.New("server.dataDir is required"))
	}
	if _, err := ParseLogLevel(c.Server.LogLevel); err != nil {
		errs = append(errs, err)
	}

	switch c.Queue.Backend {
	case "", "file", "sqlite", "badger", "memory":
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is not one of file, sqlite, badger, memory", c.Queue.Backend))
	}
	if c.Queue.MaxSize < 0 {
		errs = append(errs, errors.New("queue.maxSize must not be negative"))
	}

	switch c.Gateway.Kind {
	case "turso":
		if c.Gateway.DatabaseURL == "" {
			errs = append(errs, errors.New("gateway.databaseUrl is required for turso"))
		}
	case "postgres":
		if c.Gateway.DSN == "" {
			errs = append(errs, errors.New("gateway.dsn is required for postgres"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("gateway.kind %q is not one of turso, postgres, memory", c.Gateway.Kind))
	}

	switch c.Sync.Policy {
	case "", "retain-failed", "drop-failed":
	default:
		errs = append(errs, fmt.Errorf("sync.policy %q is not one of retain-failed, drop-failed", c.Sync.Policy))
	}
	if c.Sync.RetrySchedule != "" {
		if _, err := cron.ParseStandard(c.Sync.RetrySchedule); err != nil {
			errs = append(errs, fmt.Errorf("sync.retrySchedule: %w", err))
		}
	}
	if c.Sync.RatePerSecond < 0 {
		errs = append(errs, errors.New("sync.ratePerSecond must not be negative"))
	}

	switch c.Connectivity.Initial {
	case "", "online", "offline", "probe":
	default:
		errs = append(errs, fmt.Errorf("connectivity.initial %q is not one of online, offline, probe", c.Connectivity.Initial))
	}
	if c.Connectivity.MQTT.Enabled && c.Connectivity.MQTT.Host == "" {
		errs = append(errs, errors.New("connectivity.mqtt.host is required when mqtt is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLogLevel maps debug, info, warn and error to slog levels. Empty means
// info.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("server.logLevel %q: %w", s, err)
	}
	return level, nil
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// Timeout is the per-request HTTP timeout of the remote store client.
func (g GatewayConfig) Timeout() time.Duration { return seconds(g.TimeoutSeconds) }

// WatchInterval is how often the remote snapshot is polled.
func (g GatewayConfig) WatchInterval() time.Duration { return seconds(g.WatchIntervalSeconds) }

// RecordTimeout bounds each remote create during a sync pass.
func (s SyncConfig) RecordTimeout() time.Duration { return seconds(s.RecordTimeoutSeconds) }
