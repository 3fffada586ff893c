// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foldmesh/foldmesh/services/datastore/schema"
)

func runSchemaList(cmd *cobra.Command, args []string) error {
	e, err := openEnv(config, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	type row struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	var rows []row
	for _, name := range e.registry.List() {
		s, err := e.registry.Get(name)
		if err != nil {
			return err
		}
		rows = append(rows, row{Name: name, State: string(s.State)})
	}
	return printJSON(rows)
}

func runSchemaShow(cmd *cobra.Command, args []string) error {
	e, err := openEnv(config, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	s, err := e.orch.DescribeSchema(args[0])
	if err != nil {
		return err
	}
	return printJSON(s.ToDocument())
}

func runSchemaDiscover(cmd *cobra.Command, args []string) error {
	doc, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	e, err := openEnv(config, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	s, err := e.orch.DiscoverSchema(cmd.Context(), doc)
	if err != nil {
		return err
	}
	fmt.Printf("schema %s registered (state: %s)\n", s.Name, s.State)
	return nil
}

func runSchemaApprove(cmd *cobra.Command, args []string) error {
	e, err := openEnv(config, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.orch.ApproveSchema(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("schema %s approved\n", args[0])
	return nil
}

func runSchemaBlock(cmd *cobra.Command, args []string) error {
	e, err := openEnv(config, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.orch.BlockSchema(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("schema %s blocked\n", args[0])
	return nil
}

func runSchemaVerify(cmd *cobra.Command, args []string) error {
	e, err := openEnv(config, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.orch.VerifyIntegrity(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("all schema bindings verified")
	return nil
}

func runSchemaWatch(cmd *cobra.Command, args []string) error {
	if config.SchemaDir == "" {
		return fmt.Errorf("schema_dir is not configured")
	}

	e, err := openEnv(config, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	w, err := schema.NewWatcher(config.SchemaDir, e.registry, config.SchemaDebounce, logger.Logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w.Start(ctx)
	defer w.Stop()

	if err := w.LoadExisting(ctx); err != nil {
		return err
	}
	fmt.Printf("watching %s for schema documents (ctrl-c to stop)\n", config.SchemaDir)

	<-ctx.Done()
	return nil
}
