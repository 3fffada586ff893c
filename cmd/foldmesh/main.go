// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/foldmesh/foldmesh/pkg/logging"
)

var (
	config Config
	logger *logging.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			log.Fatalf("Error loading configuration: %v", err)
		}
		config = cfg
		logger = config.newLogger()
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	}
}
