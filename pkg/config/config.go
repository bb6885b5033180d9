package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
)

// Config captures module-level configuration knobs. The store, dispatcher and
// worker packages pull from these nested structs.
type Config struct {
	Store      StoreConfig      `mapstructure:"store" json:"store"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" json:"dispatcher"`
	Worker     WorkerConfig     `mapstructure:"worker" json:"worker"`
	Logging    LoggingConfig    `mapstructure:"logging" json:"logging"`
}

// StoreConfig points at the SQLite file shared by dispatchers and workers.
type StoreConfig struct {
	Path        string        `mapstructure:"path" json:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" json:"busy_timeout"`
}

// DispatcherConfig controls how producers start workers.
type DispatcherConfig struct {
	// Slot is the worker slot producers ensure is running.
	Slot int `mapstructure:"slot" json:"slot"`
	// DisableSpawn stops Dispatch from launching workers; jobs wait for an
	// externally managed worker instead.
	DisableSpawn bool `mapstructure:"disable_spawn" json:"disable_spawn"`
	// KeepOrphans leaves jobs owned by a dead worker running instead of
	// failing them before a replacement is spawned.
	KeepOrphans bool `mapstructure:"keep_orphans" json:"keep_orphans"`
}

// WorkerConfig tunes worker processes.
type WorkerConfig struct {
	Command           []string      `mapstructure:"command" json:"command"`
	LogFile           string        `mapstructure:"log_file" json:"log_file"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl" json:"lease_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
	StopOnFailure     bool          `mapstructure:"stop_on_failure" json:"stop_on_failure"`
	RedactFields      []string      `mapstructure:"redact_fields" json:"redact_fields"`
}

// LoggingConfig selects the slog handler used by the CLI.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Path:        "jobqueue.db",
			BusyTimeout: 5 * time.Second,
		},
		Worker: WorkerConfig{
			LeaseTTL:          15 * time.Second,
			HeartbeatInterval: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate ensures required fields are present and sane.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path is required")
	}
	if c.Store.BusyTimeout < 0 {
		return fmt.Errorf("store.busy_timeout must be >= 0")
	}
	if c.Dispatcher.Slot < 0 {
		return fmt.Errorf("dispatcher.slot must be >= 0")
	}
	if c.Worker.LeaseTTL <= 0 {
		return fmt.Errorf("worker.lease_ttl must be > 0")
	}
	if c.Worker.HeartbeatInterval <= 0 || c.Worker.HeartbeatInterval >= c.Worker.LeaseTTL {
		return fmt.Errorf("worker.heartbeat_interval must be > 0 and < worker.lease_ttl")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported", c.Logging.Format)
	}
	return nil
}

// Load decodes a Config, *Config or map through cfgx, fills unset fields from
// Defaults and validates the result. Inputs cfgx leaves empty go through the
// JSON fallback decoder.
func Load(input any, opts ...LoadOption) (Config, error) {
	settings := loadOptions{}
	for _, opt := range opts {
		opt(&settings)
	}

	cfg, err := cfgx.Build(input, settings.buildOpts...)
	if err != nil {
		return Config{}, err
	}

	if isZero(cfg) {
		if err := decodeFallback(input, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg = cfg.withDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadOption lets callers amend cfgx build options.
type LoadOption func(*loadOptions)

type loadOptions struct {
	buildOpts []cfgx.Option[Config]
}

// WithBuildOptions forwards cfgx options (duration hooks, preprocessors, etc.).
func WithBuildOptions(opts ...cfgx.Option[Config]) LoadOption {
	return func(lo *loadOptions) {
		lo.buildOpts = append(lo.buildOpts, opts...)
	}
}

func (c Config) withDefaults() Config {
	defaults := Defaults()

	if c.Store.Path == "" {
		c.Store.Path = defaults.Store.Path
	}
	if c.Store.BusyTimeout == 0 {
		c.Store.BusyTimeout = defaults.Store.BusyTimeout
	}
	if c.Worker.LeaseTTL == 0 {
		c.Worker.LeaseTTL = defaults.Worker.LeaseTTL
	}
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = c.Worker.LeaseTTL / 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}
	return c
}

func isZero(cfg Config) bool {
	return reflect.DeepEqual(cfg, Config{})
}

func decodeFallback(input any, cfg *Config) error {
	switch v := input.(type) {
	case nil:
		return nil
	case Config:
		*cfg = v
		return nil
	case *Config:
		if v != nil {
			*cfg = *v
		}
		return nil
	case map[string]any:
		return decodeMap(v, cfg)
	default:
		return fmt.Errorf("unsupported config input type: %T", input)
	}
}

func decodeMap(input map[string]any, cfg *Config) error {
	if input == nil {
		return nil
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, cfg)
}
