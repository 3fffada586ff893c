// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string

	// Requester flags shared by the data commands.
	identity       string
	trustDistance  uint32
	offeredPayment float64

	rootCmd = &cobra.Command{
		Use:   "foldmesh",
		Short: "Local admin CLI for the foldmesh datastore",
		Long: `foldmesh manages a local schema-governed versioned datastore:
schema lifecycle, field reads and writes, history, and the
transform queue.`,
		SilenceUsage: true,
	}

	// --- Schema lifecycle ---
	schemaCmd = &cobra.Command{
		Use:   "schema",
		Short: "Manage schema lifecycle",
	}
	schemaListCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered schemas with their lifecycle state",
		RunE:  runSchemaList,
	}
	schemaShowCmd = &cobra.Command{
		Use:   "show [name]",
		Short: "Show one schema as a document",
		Args:  cobra.ExactArgs(1),
		RunE:  runSchemaShow,
	}
	schemaDiscoverCmd = &cobra.Command{
		Use:   "discover [file]",
		Short: "Register a schema document in the Available state",
		Args:  cobra.ExactArgs(1),
		RunE:  runSchemaDiscover,
	}
	schemaApproveCmd = &cobra.Command{
		Use:   "approve [name]",
		Short: "Approve a schema, binding its fields to storage",
		Args:  cobra.ExactArgs(1),
		RunE:  runSchemaApprove,
	}
	schemaBlockCmd = &cobra.Command{
		Use:   "block [name]",
		Short: "Block external access to a schema (data is retained)",
		Args:  cobra.ExactArgs(1),
		RunE:  runSchemaBlock,
	}
	schemaWatchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Watch the schema directory and register new documents",
		RunE:  runSchemaWatch,
	}
	schemaVerifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Verify every schema binding against storage",
		RunE:  runSchemaVerify,
	}

	// --- Field data ---
	getCmd = &cobra.Command{
		Use:   "get [schema] [field]",
		Short: "Read the latest value of a field",
		Args:  cobra.ExactArgs(2),
		RunE:  runGet,
	}
	setCmd = &cobra.Command{
		Use:   "set [schema] [field] [json-value]",
		Short: "Write a value to a field",
		Args:  cobra.ExactArgs(3),
		RunE:  runSet,
	}
	historyCmd = &cobra.Command{
		Use:   "history [schema] [field]",
		Short: "Show a field's version history, newest first",
		Args:  cobra.ExactArgs(2),
		RunE:  runHistory,
	}
	rangeCmd = &cobra.Command{
		Use:   "range [schema] [field]",
		Short: "Query a range field with a key filter",
		Args:  cobra.ExactArgs(2),
		RunE:  runRangeQuery,
	}

	// --- Transforms ---
	transformCmd = &cobra.Command{
		Use:   "transform",
		Short: "Inspect and drive the transform queue",
	}
	transformQueueCmd = &cobra.Command{
		Use:   "queue",
		Short: "List pending computed fields",
		RunE:  runTransformQueue,
	}
	transformDeriveCmd = &cobra.Command{
		Use:   "derive [schema] [field]",
		Short: "Re-derive a computed field and its dependents",
		Args:  cobra.ExactArgs(2),
		RunE:  runTransformDerive,
	}
	transformRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Drain the transform queue",
		RunE:  runTransformRun,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the configuration file")

	for _, cmd := range []*cobra.Command{getCmd, setCmd, historyCmd, rangeCmd} {
		cmd.Flags().StringVar(&identity, "identity", "owner", "Requester identity recorded on writes")
		cmd.Flags().Uint32Var(&trustDistance, "distance", 0, "Requester trust distance (0 = owner)")
		cmd.Flags().Float64Var(&offeredPayment, "payment", 0, "Payment offered with the request")
	}

	rangeCmd.Flags().String("prefix", "", "Match keys with this prefix")
	rangeCmd.Flags().String("start", "", "Range start key (inclusive)")
	rangeCmd.Flags().String("end", "", "Range end key (inclusive)")
	rangeCmd.Flags().String("pattern", "", "Glob pattern over keys")

	schemaCmd.AddCommand(schemaListCmd, schemaShowCmd, schemaDiscoverCmd,
		schemaApproveCmd, schemaBlockCmd, schemaWatchCmd, schemaVerifyCmd)
	transformCmd.AddCommand(transformQueueCmd, transformDeriveCmd, transformRunCmd)
	rootCmd.AddCommand(schemaCmd, getCmd, setCmd, historyCmd, rangeCmd, transformCmd)
}
