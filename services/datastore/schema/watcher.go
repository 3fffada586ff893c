// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schema

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceWindow is how long the watcher waits for further
// writes before loading a changed document. Editors and file syncs
// write in bursts; one load per burst is enough.
const DefaultDebounceWindow = 200 * time.Millisecond

// Watcher discovers schema documents dropped into a directory.
//
// Description:
//
//	Watches a directory for created or modified "*.json" files,
//	debounces the change burst, and feeds each document to the
//	registry's Discover. A document for an already-registered schema is
//	skipped (discovery is not an update channel; lifecycle transitions
//	are explicit operations).
//
// Thread Safety:
//
//	Safe for concurrent use. Start may be called once.
type Watcher struct {
	dir      string
	registry *Registry
	debounce time.Duration
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a schema document watcher for a directory.
//
// Inputs:
//
//	dir - Directory containing schema JSON documents. Must exist.
//	registry - Target registry. Must not be nil.
//	debounce - Debounce window; 0 uses DefaultDebounceWindow.
//	logger - Logger for watch events. If nil, uses slog.Default().
func NewWatcher(dir string, registry *Registry, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if debounce <= 0 {
		debounce = DefaultDebounceWindow
	}
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("watch path is not a directory")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		dir:      dir,
		registry: registry,
		debounce: debounce,
		logger:   logger,
		watcher:  fsw,
		done:     make(chan struct{}),
	}, nil
}

// LoadExisting discovers every document already present in the
// directory. Call before Start to pick up documents that predate the
// watch.
func (w *Watcher) LoadExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		w.loadDocument(ctx, filepath.Join(w.dir, e.Name()))
	}
	return nil
}

// Start begins watching in a background goroutine until ctx is done or
// Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop halts the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.watcher.Close()
	})
	<-w.done
}

// run is the watch loop: collect change events per path, load after
// the debounce window closes.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		for path := range pending {
			w.loadDocument(ctx, path)
			delete(pending, path)
		}
		timerC = nil
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				flush()
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			pending[event.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				flush()
				return
			}
			w.logger.Warn("schema watch error", "error", err)

		case <-timerC:
			flush()
		}
	}
}

// loadDocument reads and discovers one document, logging failures
// rather than stopping the watch.
func (w *Watcher) loadDocument(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("read schema document failed", "path", path, "error", err)
		return
	}

	s, err := w.registry.Discover(ctx, data)
	if errors.Is(err, ErrSchemaExists) {
		w.logger.Debug("schema document skipped, already registered", "path", path)
		return
	}
	if err != nil {
		w.logger.Warn("schema document rejected", "path", path, "error", err)
		return
	}

	w.logger.Info("schema discovered from document", "path", path, "schema", s.Name)
}
