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

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/foldmesh/foldmesh/pkg/logging"
	"github.com/foldmesh/foldmesh/services/datastore/atom"
	"github.com/foldmesh/foldmesh/services/datastore/orchestrator"
	"github.com/foldmesh/foldmesh/services/datastore/schema"
	storagebadger "github.com/foldmesh/foldmesh/services/datastore/storage/badger"
	"github.com/foldmesh/foldmesh/services/datastore/transform"
)

// env is the fully wired datastore stack behind one CLI invocation.
type env struct {
	db       *badgerdb.DB
	registry *schema.Registry
	orch     *orchestrator.Orchestrator
	logger   *logging.Logger
	gc       *storagebadger.GCRunner
	gcCancel context.CancelFunc
}

// openEnv opens the database and wires registry, engine, and
// orchestrator. Approved schemas and their transforms are re-loaded
// from storage.
func openEnv(cfg Config, logger *logging.Logger) (*env, error) {
	db, err := storagebadger.Open(storagebadger.Config{
		Path:           cfg.DataDir,
		SyncWrites:     true,
		Logger:         logger.Logger,
		GCInterval:     cfg.GC.Interval,
		GCDiscardRatio: cfg.GC.DiscardRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", cfg.DataDir, err)
	}

	store, err := atom.NewStore(db, logger.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	registry, err := schema.NewRegistry(db, store, logger.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	engine, err := transform.NewEngine(registry, store, logger.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	orch, err := orchestrator.New(registry, store, engine, logger.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	// Re-register transforms of schemas approved in earlier runs.
	for _, name := range registry.List() {
		s, err := registry.Get(name)
		if err != nil || s.State != schema.StateApproved {
			continue
		}
		if err := engine.RegisterSchema(s); err != nil {
			logger.Warn("skipping transforms of stored schema",
				"schema", name, "error", err)
		}
	}

	e := &env{db: db, registry: registry, orch: orch, logger: logger}
	if cfg.GC.Interval > 0 {
		gc, err := storagebadger.NewGCRunner(db, cfg.GC.Interval, cfg.GC.DiscardRatio, logger.Logger)
		if err != nil {
			logger.Warn("value log GC disabled", "error", err)
		} else {
			ctx, cancel := context.WithCancel(context.Background())
			gc.Start(ctx)
			e.gc = gc
			e.gcCancel = cancel
		}
	}
	return e, nil
}

func (e *env) Close() {
	if e.gc != nil {
		e.gcCancel()
		e.gc.Stop()
	}
	if err := e.db.Close(); err != nil {
		e.logger.Error("closing database", "error", err)
	}
}
