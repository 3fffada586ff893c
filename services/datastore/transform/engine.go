// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/foldmesh/foldmesh/services/datastore/atom"
	"github.com/foldmesh/foldmesh/services/datastore/schema"
)

var (
	tracer = otel.Tracer("foldmesh.transform")
	meter  = otel.Meter("foldmesh.transform")
)

// compiledField is one registered computed field.
type compiledField struct {
	output     FieldKey
	inputs     []FieldKey
	program    *Program
	reversible bool
}

// Engine compiles, schedules, and executes computed fields.
//
// Description:
//
//	The engine owns the dependency graph across all registered
//	schemas. Writes feed it through NotifyWrite; derivations run in
//	topological stages, independent fields of a stage in parallel.
//	A failing field records its error and never blocks the rest of
//	the batch.
//
// Thread Safety:
//
//	Safe for concurrent use. Registration takes the write lock;
//	execution snapshots the graph under the read lock.
type Engine struct {
	registry *schema.Registry
	store    *atom.Store
	logger   *slog.Logger

	mu       sync.RWMutex
	programs map[FieldKey]*compiledField
	bySchema map[string][]FieldKey
	graph    *depGraph

	failMu   sync.Mutex
	failures map[FieldKey]error

	queue *workQueue

	// Metrics (initialized lazily)
	metricsOnce      sync.Once
	deriveLatency    metric.Float64Histogram
	deriveSuccesses  metric.Int64Counter
	deriveFailures   metric.Int64Counter
	activeDerivation metric.Int64UpDownCounter
}

// NewEngine creates a transform engine over a registry and atom store.
//
// Inputs:
//
//	registry - Schema registry for field resolution. Must not be nil.
//	store - Atom store for input reads and output writes. Must not be nil.
//	logger - Logger for execution logs. If nil, uses slog.Default().
func NewEngine(registry *schema.Registry, store *atom.Store, logger *slog.Logger) (*Engine, error) {
	if registry == nil || store == nil {
		return nil, errors.New("transform: registry and store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		store:    store,
		logger:   logger,
		programs: make(map[FieldKey]*compiledField),
		bySchema: make(map[string][]FieldKey),
		graph:    newDepGraph(),
		failures: make(map[FieldKey]error),
		queue:    newWorkQueue(),
	}, nil
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution.
func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.deriveLatency, err = meter.Float64Histogram("transform_derive_duration_seconds",
			metric.WithDescription("Time spent deriving each computed field"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "derive_latency: "+err.Error())
		}

		e.deriveSuccesses, err = meter.Int64Counter("transform_derive_success_total",
			metric.WithDescription("Number of successful derivations"),
		)
		if err != nil {
			initErrors = append(initErrors, "derive_successes: "+err.Error())
		}

		e.deriveFailures, err = meter.Int64Counter("transform_derive_failure_total",
			metric.WithDescription("Number of failed derivations"),
		)
		if err != nil {
			initErrors = append(initErrors, "derive_failures: "+err.Error())
		}

		e.activeDerivation, err = meter.Int64UpDownCounter("transform_active_derivations",
			metric.WithDescription("Number of derivations currently executing"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_derivations: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some transform metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// compileSchema compiles every computed field of a schema without
// touching engine state.
func (e *Engine) compileSchema(s *schema.Schema) (map[FieldKey]*compiledField, error) {
	compiled := make(map[FieldKey]*compiledField)

	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := s.Fields[name]
		if f.Transform == nil {
			continue
		}
		t := f.Transform

		output := FieldKey{Schema: s.Name, Field: name}
		if f.Type != schema.FieldSingle {
			return nil, fmt.Errorf("%w: computed field %s is %s, only single fields can be computed",
				ErrUnsupportedFieldType, output, f.Type)
		}

		prog, err := Compile(t.Logic)
		if err != nil {
			return nil, fmt.Errorf("compiling %s: %w", output, err)
		}

		declared := make(map[FieldKey]struct{}, len(t.Inputs))
		inputs := make([]FieldKey, 0, len(t.Inputs))
		for _, ref := range t.Inputs {
			key := ParseFieldKey(ref, s.Name)
			if _, dup := declared[key]; dup {
				continue
			}
			declared[key] = struct{}{}
			inputs = append(inputs, key)
		}

		// Every reference the logic reads must be a declared input.
		for _, ref := range prog.Refs() {
			key := ParseFieldKey(ref, s.Name)
			if _, ok := declared[key]; !ok {
				return nil, fmt.Errorf("%w: %s reads undeclared input %s", ErrUnknownInput, output, key)
			}
		}

		for _, in := range inputs {
			if err := e.checkInputField(s, in); err != nil {
				return nil, fmt.Errorf("input %s of %s: %w", in, output, err)
			}
		}

		compiled[output] = &compiledField{
			output:     output,
			inputs:     inputs,
			program:    prog,
			reversible: t.Reversible,
		}
	}
	return compiled, nil
}

// checkInputField verifies an input reference exists and has a shape
// the evaluator can read. Same-schema inputs are checked against the
// schema in hand; cross-schema inputs against the registry.
func (e *Engine) checkInputField(s *schema.Schema, key FieldKey) error {
	var f *schema.FieldDef
	if key.Schema == s.Name {
		var err error
		f, err = s.Field(key.Field)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnknownInput, err)
		}
	} else {
		other, err := e.registry.Get(key.Schema)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnknownInput, err)
		}
		f, err = other.Field(key.Field)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnknownInput, err)
		}
	}
	if f.Type != schema.FieldSingle {
		return fmt.Errorf("%w: %s is %s", ErrUnsupportedFieldType, key, f.Type)
	}
	return nil
}

// CheckSchema dry-runs registration: compilation, input validation,
// and cycle detection against the already-registered graph. Nothing
// is committed. Intended as the registry's approval hook.
func (e *Engine) CheckSchema(s *schema.Schema) error {
	compiled, err := e.compileSchema(s)
	if err != nil {
		return err
	}

	extra := make(map[FieldKey][]FieldKey, len(compiled))
	for key, cf := range compiled {
		extra[key] = cf.inputs
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graph.checkAcyclic(extra)
}

// RegisterSchema compiles a schema's computed fields and commits them
// to the dependency graph, replacing any previous registration of the
// same schema. A validation or cycle error leaves the graph unchanged.
func (e *Engine) RegisterSchema(s *schema.Schema) error {
	compiled, err := e.compileSchema(s)
	if err != nil {
		return err
	}

	extra := make(map[FieldKey][]FieldKey, len(compiled))
	for key, cf := range compiled {
		extra[key] = cf.inputs
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.graph.checkAcyclic(extra); err != nil {
		return err
	}

	for _, old := range e.bySchema[s.Name] {
		e.graph.removeField(old)
		delete(e.programs, old)
	}
	delete(e.bySchema, s.Name)

	keys := make([]FieldKey, 0, len(compiled))
	for key, cf := range compiled {
		e.programs[key] = cf
		e.graph.addField(key, cf.inputs)
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	e.bySchema[s.Name] = keys

	e.logger.Info("schema transforms registered",
		slog.String("schema", s.Name),
		slog.Int("computed_fields", len(keys)),
	)
	return nil
}

// IsComputed reports whether a field has a registered transform.
func (e *Engine) IsComputed(key FieldKey) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.programs[key]
	return ok
}

// Reversible reports the declared reversibility of a computed field.
func (e *Engine) Reversible(key FieldKey) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cf, ok := e.programs[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotComputed, key)
	}
	return cf.reversible, nil
}

// Enqueue queues a computed field for re-derivation. Queueing a field
// already pending is a no-op.
func (e *Engine) Enqueue(key FieldKey) error {
	if !e.IsComputed(key) {
		return fmt.Errorf("%w: %s", ErrNotComputed, key)
	}
	if e.queue.Enqueue(key) {
		e.logger.Debug("transform enqueued", slog.String("field", key.String()))
	}
	return nil
}

// Dequeue removes a pending field. Returns true if it was pending.
func (e *Engine) Dequeue(key FieldKey) bool {
	return e.queue.Remove(key)
}

// PendingFields lists queued fields in enqueue order.
func (e *Engine) PendingFields() []FieldKey {
	return e.queue.List()
}

// NotifyWrite reacts to a committed write: every computed field that
// reads the written field is queued. Returns the queued fields.
func (e *Engine) NotifyWrite(key FieldKey) []FieldKey {
	e.mu.RLock()
	deps := e.graph.dependentsOf(key)
	e.mu.RUnlock()

	for _, dep := range deps {
		e.queue.Enqueue(dep)
	}
	if len(deps) > 0 {
		e.logger.Debug("write triggered transforms",
			slog.String("field", key.String()),
			slog.Int("queued", len(deps)),
		)
	}
	return deps
}

// FieldError returns the last derivation error of a field, or nil.
func (e *Engine) FieldError(key FieldKey) error {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	return e.failures[key]
}

// RunReport summarizes one RunPending batch.
type RunReport struct {
	Executed []FieldKey
	Failed   map[FieldKey]error
}

// RunPending drains the queue and derives every pending computed
// field plus its transitive dependents, in dependency order.
//
// Description:
//
//	Fields are layered into stages; fields within a stage are
//	independent and run concurrently. A failing field is recorded in
//	the report and the per-field error map; it does not abort the
//	rest of the batch. Cancellation stops before the next commit and
//	re-queues everything not yet executed.
func (e *Engine) RunPending(ctx context.Context) (*RunReport, error) {
	if ctx == nil {
		return nil, errors.New("transform: nil context")
	}
	e.initMetrics()

	batch := e.closure(e.queue.Drain())

	report := &RunReport{Failed: make(map[FieldKey]error)}
	if len(batch) == 0 {
		return report, nil
	}

	ctx, span := tracer.Start(ctx, "transform.RunPending",
		trace.WithAttributes(attribute.Int("transform.batch_size", len(batch))),
	)
	defer span.End()

	e.mu.RLock()
	stages := e.graph.stages(batch)
	e.mu.RUnlock()

	e.logger.Info("transform batch started",
		slog.Int("fields", len(batch)),
		slog.Int("stages", len(stages)),
	)

	var mu sync.Mutex
	for i, stage := range stages {
		if err := ctx.Err(); err != nil {
			// Nothing from the remaining stages has been committed;
			// put it all back.
			for _, key := range stage {
				e.queue.Enqueue(key)
			}
			for _, later := range stages[i+1:] {
				for _, key := range later {
					e.queue.Enqueue(key)
				}
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "context canceled")
			return report, err
		}

		g, stageCtx := errgroup.WithContext(ctx)
		for _, key := range stage {
			key := key
			g.Go(func() error {
				err := e.deriveField(stageCtx, key)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.Failed[key] = err
				} else {
					report.Executed = append(report.Executed, key)
				}
				// Failure isolation: never propagate into the group.
				return nil
			})
		}
		_ = g.Wait()
	}

	sort.Slice(report.Executed, func(i, j int) bool {
		return report.Executed[i].String() < report.Executed[j].String()
	})

	if len(report.Failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d derivation(s) failed", len(report.Failed)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	e.logger.Info("transform batch finished",
		slog.Int("executed", len(report.Executed)),
		slog.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// closure expands a set of computed fields with every computed field
// transitively downstream of it, since a re-derived field is itself a
// changed input.
func (e *Engine) closure(seed []FieldKey) []FieldKey {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[FieldKey]struct{}, len(seed))
	var out []FieldKey
	queue := append([]FieldKey(nil), seed...)
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
		queue = append(queue, e.graph.dependentsOf(key)...)
	}
	return out
}

// deriveField evaluates one computed field and commits the result.
func (e *Engine) deriveField(ctx context.Context, key FieldKey) error {
	ctx, span := tracer.Start(ctx, "transform.Derive",
		trace.WithAttributes(attribute.String("transform.field", key.String())),
	)
	defer span.End()

	if e.activeDerivation != nil {
		e.activeDerivation.Add(ctx, 1)
		defer e.activeDerivation.Add(ctx, -1)
	}

	start := time.Now()
	err := e.deriveLocked(ctx, key)
	if e.deriveLatency != nil {
		e.deriveLatency.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("field", key.String())),
		)
	}

	e.failMu.Lock()
	if err != nil {
		e.failures[key] = err
	} else {
		delete(e.failures, key)
	}
	e.failMu.Unlock()

	if err != nil {
		if e.deriveFailures != nil {
			e.deriveFailures.Add(ctx, 1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("transform derivation failed",
			slog.String("field", key.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	if e.deriveSuccesses != nil {
		e.deriveSuccesses.Add(ctx, 1)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (e *Engine) deriveLocked(ctx context.Context, key FieldKey) error {
	e.mu.RLock()
	cf, ok := e.programs[key]
	e.mu.RUnlock()
	if !ok {
		return &ExecutionError{Schema: key.Schema, Field: key.Field,
			Cause: fmt.Errorf("%w: %s", ErrNotComputed, key)}
	}

	result, err := cf.program.Eval(func(ref string) (Value, error) {
		return e.resolveInput(ctx, ParseFieldKey(ref, key.Schema))
	})
	if err != nil {
		return &ExecutionError{Schema: key.Schema, Field: key.Field, Cause: err}
	}

	raw, err := result.JSON()
	if err != nil {
		return &ExecutionError{Schema: key.Schema, Field: key.Field, Cause: err}
	}

	// The full evaluation happened above; a cancellation observed
	// here commits nothing.
	if err := ctx.Err(); err != nil {
		return &ExecutionError{Schema: key.Schema, Field: key.Field, Cause: err}
	}

	refUUID, _, err := e.registry.ResolveRef(key.Schema, key.Field)
	if err != nil {
		return &ExecutionError{Schema: key.Schema, Field: key.Field, Cause: err}
	}
	if _, err := e.store.AppendToSingle(ctx, refUUID, raw, "transform:"+key.String()); err != nil {
		return &ExecutionError{Schema: key.Schema, Field: key.Field, Cause: err}
	}
	return nil
}

// resolveInput reads the latest value of an input field. An unbound
// field falls back to its mapper aliases, tried in sorted schema
// order.
func (e *Engine) resolveInput(ctx context.Context, key FieldKey) (Value, error) {
	refUUID, ftype, err := e.registry.ResolveRef(key.Schema, key.Field)
	if errors.Is(err, schema.ErrFieldNotBound) {
		return e.resolveMapped(ctx, key)
	}
	if err != nil {
		return Value{}, fmt.Errorf("%w: %s: %v", ErrUnknownInput, key, err)
	}
	if ftype != schema.FieldSingle {
		return Value{}, fmt.Errorf("%w: %s is %s", ErrUnsupportedFieldType, key, ftype)
	}

	a, err := e.store.LatestAtom(ctx, refUUID)
	if err != nil {
		return Value{}, fmt.Errorf("reading %s: %w", key, err)
	}
	return ValueFromJSON(a.Value)
}

// resolveMapped resolves an unbound field through its mapper aliases.
func (e *Engine) resolveMapped(ctx context.Context, key FieldKey) (Value, error) {
	s, err := e.registry.Get(key.Schema)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %s: %v", ErrUnknownInput, key, err)
	}
	f, err := s.Field(key.Field)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %s: %v", ErrUnknownInput, key, err)
	}

	sources := make([]string, 0, len(f.Mappers))
	for src := range f.Mappers {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	for _, src := range sources {
		mapped := FieldKey{Schema: src, Field: f.Mappers[src]}
		refUUID, ftype, err := e.registry.ResolveRef(mapped.Schema, mapped.Field)
		if err != nil {
			continue
		}
		if ftype != schema.FieldSingle {
			continue
		}
		a, err := e.store.LatestAtom(ctx, refUUID)
		if err != nil {
			continue
		}
		return ValueFromJSON(a.Value)
	}
	return Value{}, fmt.Errorf("%w: %s has no binding and no resolvable mapper", ErrUnknownInput, key)
}
