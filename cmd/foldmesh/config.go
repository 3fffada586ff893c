// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foldmesh/foldmesh/pkg/logging"
)

// Config is the CLI/daemon configuration, loaded from config.yaml.
type Config struct {
	// DataDir is the badger database directory.
	DataDir string `yaml:"data_dir"`

	// SchemaDir is watched for schema documents. Empty disables the
	// watcher commands.
	SchemaDir string `yaml:"schema_dir"`

	// SchemaDebounce batches rapid document rewrites before reload.
	SchemaDebounce time.Duration `yaml:"schema_debounce"`

	Logging LoggingConfig `yaml:"logging"`

	GC GCConfig `yaml:"gc"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`
}

// GCConfig configures the badger value-log GC runner.
type GCConfig struct {
	Interval     time.Duration `yaml:"interval"`
	DiscardRatio float64       `yaml:"discard_ratio"`
}

// DefaultCLIConfig returns the configuration used when no config.yaml
// exists.
func DefaultCLIConfig() Config {
	return Config{
		DataDir:        "./foldmesh-data",
		SchemaDir:      "",
		SchemaDebounce: 500 * time.Millisecond,
		Logging:        LoggingConfig{Level: "info"},
		GC:             GCConfig{Interval: 5 * time.Minute, DiscardRatio: 0.5},
	}
}

// LoadConfig reads a yaml config file over the defaults. A missing
// file is not an error; a malformed one is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultCLIConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) logLevel() logging.Level {
	switch c.Logging.Level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// newLogger builds the process logger from the config.
func (c Config) newLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:   c.logLevel(),
		LogDir:  c.Logging.Dir,
		Service: "cli",
		JSON:    c.Logging.JSON,
		Quiet:   c.Logging.Quiet,
	})
}
