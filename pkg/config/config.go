// Package config loads the shell configuration from a YAML file. The storage
// core itself takes all its knobs as constructor arguments; this package only
// serves the driftdb binary.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/driftdb/driftdb/pkg/logger"
)

// Config holds the driftdb shell settings.
type Config struct {
	// Path is the database file to open or create.
	Path string `yaml:"path"`
	// PoolSize is the number of buffer pool frames.
	PoolSize int `yaml:"pool_size"`
	// MetricsAddr exposes Prometheus metrics when non-empty, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`
	// Logging configures level, format, and destination.
	Logging logger.Config `yaml:"logging"`
}

// Default returns the settings used when no config file is given.
func Default() Config {
	return Config{
		Path:     "driftdb.db",
		PoolSize: 64,
		Logging: logger.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML config file, filling unset fields from Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = Default().PoolSize
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = Default().Logging.Level
	}

	return cfg, nil
}
