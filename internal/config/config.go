// Package config loads and validates the daemon configuration. The file
// format is YAML; an embedded CUE schema rejects malformed files at
// startup with field-level positions instead of letting a bad value
// surface mid-run.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgerd/internal/fanout"
	"github.com/roach88/ledgerd/internal/snapshot"
)

//go:embed schema.cue
var schemaSource string

// Storage selects and parameterizes the backend.
type Storage struct {
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
	DSN     string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// Retention holds the snapshot and trim policy knobs.
type Retention struct {
	CheckpointEveryEntries int    `yaml:"checkpoint_every_entries" json:"checkpoint_every_entries"`
	CheckpointInterval     string `yaml:"checkpoint_interval" json:"checkpoint_interval"`
	MaxRetainedEntries     int    `yaml:"max_retained_entries" json:"max_retained_entries"`
	ReplayBudget           int    `yaml:"replay_budget" json:"replay_budget"`
}

// Fanout holds delivery tunables.
type Fanout struct {
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// Reconnect holds client backoff bounds.
type Reconnect struct {
	BackoffBase string `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax  string `yaml:"backoff_max" json:"backoff_max"`
}

// Config is the full daemon configuration.
type Config struct {
	Storage   Storage   `yaml:"storage" json:"storage"`
	Chain     bool      `yaml:"chain" json:"chain"`
	Retention Retention `yaml:"retention" json:"retention"`
	Fanout    Fanout    `yaml:"fanout" json:"fanout"`
	Reconnect Reconnect `yaml:"reconnect" json:"reconnect"`
	LogLevel  string    `yaml:"log_level" json:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: Storage{Backend: "sqlite", Path: "ledgerd.db"},
		Chain:   true,
		Retention: Retention{
			CheckpointEveryEntries: 1000,
			CheckpointInterval:     "1m",
			MaxRetainedEntries:     10000,
			ReplayBudget:           5000,
		},
		Fanout:    Fanout{BatchSize: 64},
		Reconnect: Reconnect{BackoffBase: "100ms", BackoffMax: "30s"},
		LogLevel:  "info",
	}
}

// Load reads a YAML config file, fills unset sections from defaults,
// and validates the result against the schema.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates YAML config bytes.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate unifies the configuration with the embedded CUE schema and
// checks the non-schema constraints (durations, backend parameters).
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	val := ctx.Encode(c)
	if err := val.Err(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if err := def.Unify(val).Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := time.ParseDuration(c.Retention.CheckpointInterval); err != nil {
		return fmt.Errorf("invalid config: retention.checkpoint_interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Reconnect.BackoffBase); err != nil {
		return fmt.Errorf("invalid config: reconnect.backoff_base: %w", err)
	}
	if _, err := time.ParseDuration(c.Reconnect.BackoffMax); err != nil {
		return fmt.Errorf("invalid config: reconnect.backoff_max: %w", err)
	}

	switch c.Storage.Backend {
	case "sqlite", "badger":
		if c.Storage.Path == "" {
			return fmt.Errorf("invalid config: storage.path is required for %s", c.Storage.Backend)
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("invalid config: storage.dsn is required for postgres")
		}
	}
	return nil
}

// Policy converts the retention section to the snapshot manager's
// policy type.
func (c Config) Policy() snapshot.Policy {
	interval, _ := time.ParseDuration(c.Retention.CheckpointInterval)
	return snapshot.Policy{
		CheckpointEveryEntries: int64(c.Retention.CheckpointEveryEntries),
		CheckpointInterval:     interval,
		MaxRetainedEntries:     int64(c.Retention.MaxRetainedEntries),
	}
}

// FanoutOptions converts the delivery tunables to engine options.
func (c Config) FanoutOptions() []fanout.Option {
	return []fanout.Option{
		fanout.WithBatchSize(c.Fanout.BatchSize),
		fanout.WithReplayBudget(int64(c.Retention.ReplayBudget)),
	}
}

// Backoff returns the parsed reconnect bounds.
func (c Config) Backoff() (base, max time.Duration) {
	base, _ = time.ParseDuration(c.Reconnect.BackoffBase)
	max, _ = time.ParseDuration(c.Reconnect.BackoffMax)
	return base, max
}
