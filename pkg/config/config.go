// Package config loads exploration settings from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/amirkhaki/moriarty/pkg/strategy"
	"github.com/amirkhaki/moriarty/pkg/workload"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "moriarty.yaml"

// Config holds the settings of an exploration.
type Config struct {
	// Strategy is one of strategy.Names().
	Strategy string `yaml:"strategy"`
	// TieBreak is "fifo" or "random"; used by trust.
	TieBreak string `yaml:"tie_break"`
	Seed     int64  `yaml:"seed"`
	// Seeds explores each seed in parallel instead of Seed.
	Seeds []int64 `yaml:"seeds,omitempty"`
	// Workers bounds the parallel explorations, 0 for no bound.
	Workers int `yaml:"workers"`

	Iterations int `yaml:"iterations"`
	// MaxEvents bounds the events of one iteration, 0 for no bound.
	MaxEvents    int  `yaml:"max_events"`
	VerifyReplay bool `yaml:"verify_replay"`
	Debug        bool `yaml:"debug"`
	// Verbosity of the log, raised to 2 by Debug.
	Verbosity int `yaml:"verbosity"`

	Workload string          `yaml:"workload"`
	Params   workload.Params `yaml:"params"`

	// Schedule is where a failing schedule is written.
	Schedule string `yaml:"schedule"`
	// Archive is the SQLite database failures are stored in, empty for none.
	Archive string `yaml:"archive,omitempty"`
	// Plot is the coverage plot written after exploring, empty for none.
	Plot string `yaml:"plot,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Strategy:     "random",
		TieBreak:     "fifo",
		Iterations:   1000,
		MaxEvents:    10000,
		VerifyReplay: true,
		Workload:     "list",
		Schedule:     "moriarty.schedule.json",
	}
}

// Load reads path on top of the defaults. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides settings from MORIARTY_STRATEGY, MORIARTY_SEED and
// MORIARTY_SCHEDULE.
func (c *Config) ApplyEnv() error {
	if s := os.Getenv("MORIARTY_STRATEGY"); s != "" {
		c.Strategy = s
	}
	if s := os.Getenv("MORIARTY_SEED"); s != "" {
		seed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MORIARTY_SEED %q: %w", s, err)
		}
		c.Seed = seed
	}
	if s := os.Getenv("MORIARTY_SCHEDULE"); s != "" {
		c.Schedule = s
	}
	return c.Validate()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1")
	}
	if c.MaxEvents < 0 {
		return fmt.Errorf("max_events must not be negative")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if c.Strategy == "replay" {
		return fmt.Errorf("strategy replay is only available through the replay command")
	}
	if _, err := strategy.New(strategy.Options{Name: c.Strategy}); err != nil {
		return err
	}
	if _, err := strategy.ParseTieBreak(c.TieBreak); err != nil {
		return err
	}
	if _, err := workload.Get(c.Workload, c.Params); err != nil {
		return err
	}
	return nil
}

// StrategyOptions returns the options creating the configured strategy
// for seed.
func (c *Config) StrategyOptions(seed int64) strategy.Options {
	tb, _ := strategy.ParseTieBreak(c.TieBreak)
	return strategy.Options{Name: c.Strategy, Seed: seed, TieBreak: tb}
}

// LogLevel returns the effective log verbosity.
func (c *Config) LogLevel() int {
	if c.Debug && c.Verbosity < 2 {
		return 2
	}
	return c.Verbosity
}
