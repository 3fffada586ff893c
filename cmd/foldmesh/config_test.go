// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldmesh/foldmesh/pkg/logging"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "./foldmesh-data", cfg.DataDir)
	assert.Equal(t, 5*time.Minute, cfg.GC.Interval)
	assert.Equal(t, logging.LevelInfo, cfg.logLevel())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/foldmesh
schema_dir: /etc/foldmesh/schemas
logging:
  level: debug
  json: true
gc:
  interval: 1m
  discard_ratio: 0.7
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/foldmesh", cfg.DataDir)
	assert.Equal(t, "/etc/foldmesh/schemas", cfg.SchemaDir)
	assert.Equal(t, logging.LevelDebug, cfg.logLevel())
	assert.True(t, cfg.Logging.JSON)
	assert.Equal(t, time.Minute, cfg.GC.Interval)
	assert.Equal(t, 0.7, cfg.GC.DiscardRatio)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: [unclosed"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
