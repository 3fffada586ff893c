// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foldmesh/foldmesh/services/datastore/atom"
	"github.com/foldmesh/foldmesh/services/datastore/orchestrator"
)

func requester() orchestrator.Requester {
	return orchestrator.Requester{
		Identity:       identity,
		TrustDistance:  trustDistance,
		OfferedPayment: offeredPayment,
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	e, err := openEnv(config, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	raw, err := e.orch.GetFieldValue(cmd.Context(), requester(), args[0], args[1])
	if err != nil {
		return err
	}
	return printRaw(raw)
}

func runSet(cmd *cobra.Command, args []string) error {
	var value any
	if err := json.Unmarshal([]byte(args[2]), &value); err != nil {
		return fmt.Errorf("value must be valid JSON: %w", err)
	}

	e, err := openEnv(config, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	atomUUID, err := e.orch.SetFieldValue(cmd.Context(), requester(), args[0], args[1], value)
	if err != nil {
		return err
	}
	fmt.Printf("wrote atom %s\n", atomUUID)

	// The queue lives in this process, so dependent transforms run
	// before exit.
	return drainTransforms(cmd, e)
}

func runHistory(cmd *cobra.Command, args []string) error {
	e, err := openEnv(config, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	atoms, err := e.orch.GetFieldHistory(cmd.Context(), requester(), args[0], args[1])
	if err != nil {
		return err
	}

	type row struct {
		UUID      string          `json:"uuid"`
		Value     json.RawMessage `json:"value"`
		Source    string          `json:"source_identity"`
		CreatedAt string          `json:"created_at"`
	}
	rows := make([]row, 0, len(atoms))
	for _, a := range atoms {
		rows = append(rows, row{
			UUID:      a.UUID,
			Value:     a.Value,
			Source:    a.SourceIdentity,
			CreatedAt: a.CreatedAt.Format(time.RFC3339),
		})
	}
	return printJSON(rows)
}

func runRangeQuery(cmd *cobra.Command, args []string) error {
	filter, err := rangeFilter(cmd)
	if err != nil {
		return err
	}

	e, err := openEnv(config, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	got, err := e.orch.QueryRange(cmd.Context(), requester(), args[0], args[1], filter)
	if err != nil {
		return err
	}
	return printJSON(got)
}

// rangeFilter builds the key filter from the range command's flags.
// Exactly one selector may be used; none at all means a full scan via
// an empty prefix.
func rangeFilter(cmd *cobra.Command) (atom.Filter, error) {
	prefix, _ := cmd.Flags().GetString("prefix")
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")
	pattern, _ := cmd.Flags().GetString("pattern")

	set := 0
	for _, v := range []bool{prefix != "", start != "" || end != "", pattern != ""} {
		if v {
			set++
		}
	}
	if set > 1 {
		return atom.Filter{}, fmt.Errorf("use only one of --prefix, --start/--end, --pattern")
	}

	switch {
	case pattern != "":
		return atom.ByKeyPattern(pattern), nil
	case start != "" || end != "":
		return atom.ByKeyRange(start, end), nil
	default:
		return atom.ByKeyPrefix(prefix), nil
	}
}
