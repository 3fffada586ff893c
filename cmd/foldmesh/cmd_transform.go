// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func runTransformQueue(cmd *cobra.Command, args []string) error {
	e, err := openEnv(config, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	pending := e.orch.ListTransformQueue()
	if len(pending) == 0 {
		fmt.Println("transform queue is empty")
		return nil
	}
	for _, key := range pending {
		fmt.Println(key.String())
	}
	return nil
}

func runTransformDerive(cmd *cobra.Command, args []string) error {
	e, err := openEnv(config, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.orch.EnqueueTransform(args[0], args[1]); err != nil {
		return err
	}
	return drainTransforms(cmd, e)
}

func runTransformRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv(config, logger)
	if err != nil {
		return err
	}
	defer e.Close()
	return drainTransforms(cmd, e)
}

func drainTransforms(cmd *cobra.Command, e *env) error {
	report, err := e.orch.RunPendingTransforms(cmd.Context())
	if err != nil {
		return err
	}

	for _, key := range report.Executed {
		fmt.Printf("derived %s\n", key)
	}
	for key, derr := range report.Failed {
		fmt.Printf("failed  %s: %v\n", key, derr)
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d derivation(s) failed", len(report.Failed))
	}
	return nil
}
