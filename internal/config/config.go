package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sethvargo/go-envconfig"
)

// Config holds the environment-based settings of the procwatch CLI.
// Command line flags take precedence over these values.
type Config struct {
	LogLevel string `env:"LOG_LEVEL, default=info"`
	// ProcRoot overrides the procfs mount point.
	ProcRoot string `env:"PROCWATCH_PROC_ROOT"`
	// LoaderNames overrides the compatibility-runtime loader binary names
	// (comma separated).
	LoaderNames []string `env:"PROCWATCH_LOADER_NAMES"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config

	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("parse log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
