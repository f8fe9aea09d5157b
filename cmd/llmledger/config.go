package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML configuration for the CLI. Every field has a usable
// zero value; a missing config file means a local SQLite ledger.
type fileConfig struct {
	// Backend is "sqlite", "postgres" or "memory" (default: sqlite).
	Backend string `yaml:"backend"`

	SQLite struct {
		Path           string `yaml:"path"`
		MigrationCache string `yaml:"migration_cache"`
	} `yaml:"sqlite"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Audit struct {
		// Path enables the SQLite audit sink when set.
		Path string `yaml:"path"`
	} `yaml:"audit"`

	Defaults struct {
		Project string `yaml:"project"`
		App     string `yaml:"app"`
		User    string `yaml:"user"`
	} `yaml:"defaults"`

	Enforce struct {
		Users    bool `yaml:"users"`
		Projects bool `yaml:"projects"`
	} `yaml:"enforce"`

	// LogLevel is a zerolog level name (default: warn, to keep command
	// output clean).
	LogLevel string `yaml:"log_level"`
}

func defaultConfig() fileConfig {
	var cfg fileConfig
	cfg.Backend = "sqlite"
	cfg.SQLite.Path = "llmledger.db"
	cfg.LogLevel = "warn"
	return cfg
}

// loadConfig reads the YAML file at path, or returns defaults when path is
// empty and no llmledger.yaml exists in the working directory.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if path == "" {
		path = "llmledger.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	switch cfg.Backend {
	case "", "sqlite", "postgres", "memory":
	default:
		return cfg, fmt.Errorf("unknown backend %q in %s", cfg.Backend, path)
	}
	if cfg.Backend == "" {
		cfg.Backend = "sqlite"
	}
	if cfg.Backend == "sqlite" && cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "llmledger.db"
	}
	if cfg.Backend == "postgres" && cfg.Postgres.DSN == "" {
		return cfg, fmt.Errorf("postgres backend requires postgres.dsn in %s", path)
	}
	return cfg, nil
}
