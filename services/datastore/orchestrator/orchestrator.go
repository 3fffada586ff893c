// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator is the single entry point for mutations and
// queries. It sequences every request through the same gauntlet:
// schema lifecycle gate, permission evaluation, payment check, then
// the storage operation, then transform notification. Callers never
// touch the registry, store, or engine directly.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/foldmesh/foldmesh/services/datastore/atom"
	"github.com/foldmesh/foldmesh/services/datastore/permission"
	"github.com/foldmesh/foldmesh/services/datastore/schema"
	"github.com/foldmesh/foldmesh/services/datastore/transform"
)

// Requester carries the caller's identity and trust posture. Trust
// distance is supplied by the caller's transport layer; the
// orchestrator does not compute it.
type Requester struct {
	// Identity is the requester's stable identifier, recorded as the
	// source identity of every atom it writes.
	Identity string

	// TrustDistance is the social-graph distance from the data owner.
	// 0 is the owner.
	TrustDistance uint32

	// OfferedPayment is the payment attached to the request.
	OfferedPayment float64
}

// Owner is the zero-distance requester used by local administrative
// tooling.
func Owner(identity string) Requester {
	return Requester{Identity: identity, TrustDistance: 0}
}

// Orchestrator coordinates the registry, atom store, and transform
// engine behind one mutation/query surface.
//
// Thread Safety:
//
//	Safe for concurrent use; all state lives in the coordinated
//	components, which synchronize themselves.
type Orchestrator struct {
	registry *schema.Registry
	store    *atom.Store
	engine   *transform.Engine
	logger   *slog.Logger
}

// New wires the orchestrator and installs the engine as the
// registry's approval-time transform check.
func New(registry *schema.Registry, store *atom.Store, engine *transform.Engine, logger *slog.Logger) (*Orchestrator, error) {
	if registry == nil || store == nil || engine == nil {
		return nil, ErrNilDependency
	}
	if logger == nil {
		logger = slog.Default()
	}
	registry.SetTransformCheck(engine.CheckSchema)
	return &Orchestrator{
		registry: registry,
		store:    store,
		engine:   engine,
		logger:   logger,
	}, nil
}

// ==========================================================================
// Schema lifecycle
// ==========================================================================

// DiscoverSchema registers a schema document in the Available state.
func (o *Orchestrator) DiscoverSchema(ctx context.Context, doc []byte) (*schema.Schema, error) {
	return o.registry.Discover(ctx, doc)
}

// ApproveSchema approves a schema, binds its fields to storage, and
// registers its computed fields with the transform engine.
func (o *Orchestrator) ApproveSchema(ctx context.Context, name string) error {
	if err := o.registry.Approve(ctx, name); err != nil {
		return err
	}
	s, err := o.registry.Get(name)
	if err != nil {
		return err
	}
	// Approve already dry-ran the same compilation, so this cannot
	// fail on a cycle; a failure here is a programming error.
	if err := o.engine.RegisterSchema(s); err != nil {
		return fmt.Errorf("registering transforms for approved schema %s: %w", name, err)
	}
	o.logger.Info("schema approved", slog.String("schema", name))
	return nil
}

// BlockSchema blocks external access to a schema. Data is retained
// and transforms keep running.
func (o *Orchestrator) BlockSchema(ctx context.Context, name string) error {
	if err := o.registry.Block(ctx, name); err != nil {
		return err
	}
	o.logger.Info("schema blocked", slog.String("schema", name))
	return nil
}

// CanQuerySchema reports whether external queries may touch a schema.
func (o *Orchestrator) CanQuerySchema(name string) bool {
	return o.registry.CanQuery(name)
}

// Schemas lists all registered schema names.
func (o *Orchestrator) Schemas() []string {
	return o.registry.List()
}

// DescribeSchema returns a detached copy of a schema.
func (o *Orchestrator) DescribeSchema(name string) (*schema.Schema, error) {
	return o.registry.Get(name)
}

// ==========================================================================
// Mutations
// ==========================================================================

// SetFieldValue writes a new value to a Single field.
//
// Description:
//
//	The write passes the lifecycle gate (schema must be Approved),
//	the writability check (computed fields and read-only fields are
//	rejected), the write permission policy, and the payment check,
//	in that order. On success the value is appended to the field's
//	history and dependent transforms are queued.
//
// Outputs:
//
//	string - The uuid of the new atom.
//	error - The first gate that refused, or a storage error.
func (o *Orchestrator) SetFieldValue(ctx context.Context, req Requester, schemaName, field string, value any) (string, error) {
	f, s, err := o.mutableField(schemaName, field)
	if err != nil {
		return "", err
	}
	if err := o.authorize(req, f.Permissions.Write, f, s); err != nil {
		return "", err
	}

	refUUID, ftype, err := o.registry.ResolveRef(schemaName, field)
	if err != nil {
		return "", err
	}
	if ftype != schema.FieldSingle {
		return "", fmt.Errorf("%w: %s.%s is %s, use the keyed operations", ErrWrongFieldShape, schemaName, field, ftype)
	}

	atomUUID, err := o.store.AppendToSingle(ctx, refUUID, value, req.Identity)
	if err != nil {
		return "", err
	}
	o.engine.NotifyWrite(transform.FieldKey{Schema: schemaName, Field: field})

	o.logger.Debug("field written",
		slog.String("field", schemaName+"."+field),
		slog.String("atom_uuid", atomUUID),
		slog.String("identity", req.Identity),
	)
	return atomUUID, nil
}

// PutCollectionValue writes a keyed value into a Collection field.
func (o *Orchestrator) PutCollectionValue(ctx context.Context, req Requester, schemaName, field, key string, value any) error {
	f, s, err := o.mutableField(schemaName, field)
	if err != nil {
		return err
	}
	if err := o.authorize(req, f.Permissions.Write, f, s); err != nil {
		return err
	}

	refUUID, ftype, err := o.registry.ResolveRef(schemaName, field)
	if err != nil {
		return err
	}
	if ftype != schema.FieldCollection {
		return fmt.Errorf("%w: %s.%s is %s, not collection", ErrWrongFieldShape, schemaName, field, ftype)
	}

	if err := o.store.CollectionPut(ctx, refUUID, key, value, req.Identity); err != nil {
		return err
	}
	o.engine.NotifyWrite(transform.FieldKey{Schema: schemaName, Field: field})
	return nil
}

// SetRangeValue writes a value under a range key of a Range field.
func (o *Orchestrator) SetRangeValue(ctx context.Context, req Requester, schemaName, field, rangeKey string, value any) error {
	f, s, err := o.mutableField(schemaName, field)
	if err != nil {
		return err
	}
	if err := o.authorize(req, f.Permissions.Write, f, s); err != nil {
		return err
	}

	refUUID, ftype, err := o.registry.ResolveRef(schemaName, field)
	if err != nil {
		return err
	}
	if ftype != schema.FieldRange {
		return fmt.Errorf("%w: %s.%s is %s, not range", ErrWrongFieldShape, schemaName, field, ftype)
	}

	if err := o.store.RangeSet(ctx, refUUID, rangeKey, value, req.Identity); err != nil {
		return err
	}
	o.engine.NotifyWrite(transform.FieldKey{Schema: schemaName, Field: field})
	return nil
}

// ==========================================================================
// Queries
// ==========================================================================

// GetFieldValue reads the latest value of a Single field.
func (o *Orchestrator) GetFieldValue(ctx context.Context, req Requester, schemaName, field string) (json.RawMessage, error) {
	f, s, err := o.queryableField(schemaName, field)
	if err != nil {
		return nil, err
	}
	if err := o.authorize(req, f.Permissions.Read, f, s); err != nil {
		return nil, err
	}

	refUUID, ftype, err := o.registry.ResolveRef(schemaName, field)
	if err != nil {
		return nil, err
	}
	if ftype != schema.FieldSingle {
		return nil, fmt.Errorf("%w: %s.%s is %s, use the keyed operations", ErrWrongFieldShape, schemaName, field, ftype)
	}
	return o.store.ReadSingleRef(ctx, refUUID)
}

// GetFieldValues reads several Single fields of one schema under a
// single aggregate payment check: per-field prices are summed, scaled
// by the schema's base multiplier, and floored by the schema's
// minimum payment threshold.
func (o *Orchestrator) GetFieldValues(ctx context.Context, req Requester, schemaName string, fields []string) (map[string]json.RawMessage, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields requested", ErrInvalidRequest)
	}
	s, err := o.queryableSchema(schemaName)
	if err != nil {
		return nil, err
	}

	// Evaluate every permission and collect prices before paying or
	// reading anything.
	prices := make([]float64, 0, len(fields))
	for _, name := range fields {
		f, err := s.Field(name)
		if err != nil {
			return nil, err
		}
		if err := f.Permissions.Read.Evaluate(req.TrustDistance, req.Identity); err != nil {
			return nil, err
		}
		prices = append(prices, f.Payment.Price(req.TrustDistance))
	}
	if err := permission.CheckPayment(s.Payment.AggregatePrice(prices), req.OfferedPayment); err != nil {
		return nil, err
	}

	out := make(map[string]json.RawMessage, len(fields))
	for _, name := range fields {
		refUUID, ftype, err := o.registry.ResolveRef(schemaName, name)
		if err != nil {
			return nil, err
		}
		if ftype != schema.FieldSingle {
			return nil, fmt.Errorf("%w: %s.%s is %s", ErrWrongFieldShape, schemaName, name, ftype)
		}
		raw, err := o.store.ReadSingleRef(ctx, refUUID)
		if err != nil {
			return nil, err
		}
		out[name] = raw
	}
	return out, nil
}

// GetFieldHistory walks a Single field's version chain, newest first.
func (o *Orchestrator) GetFieldHistory(ctx context.Context, req Requester, schemaName, field string) ([]*atom.Atom, error) {
	f, s, err := o.queryableField(schemaName, field)
	if err != nil {
		return nil, err
	}
	if err := o.authorize(req, f.Permissions.Read, f, s); err != nil {
		return nil, err
	}

	refUUID, ftype, err := o.registry.ResolveRef(schemaName, field)
	if err != nil {
		return nil, err
	}
	if ftype != schema.FieldSingle {
		return nil, fmt.Errorf("%w: history applies to single fields, %s.%s is %s", ErrWrongFieldShape, schemaName, field, ftype)
	}

	it, err := o.store.History(ctx, refUUID)
	if err != nil {
		return nil, err
	}
	var atoms []*atom.Atom
	for it.Next() {
		atoms = append(atoms, it.Atom())
	}
	return atoms, it.Err()
}

// GetCollectionValue reads one keyed value from a Collection field.
func (o *Orchestrator) GetCollectionValue(ctx context.Context, req Requester, schemaName, field, key string) (json.RawMessage, error) {
	refUUID, err := o.readableKeyedRef(req, schemaName, field, schema.FieldCollection)
	if err != nil {
		return nil, err
	}
	return o.store.CollectionGet(ctx, refUUID, key)
}

// ListCollection lists a Collection field in insertion order.
func (o *Orchestrator) ListCollection(ctx context.Context, req Requester, schemaName, field string) ([]atom.KeyValue, error) {
	refUUID, err := o.readableKeyedRef(req, schemaName, field, schema.FieldCollection)
	if err != nil {
		return nil, err
	}
	return o.store.CollectionList(ctx, refUUID)
}

// QueryRange runs a filter over a Range field.
func (o *Orchestrator) QueryRange(ctx context.Context, req Requester, schemaName, field string, filter atom.Filter) ([]atom.KeyValue, error) {
	refUUID, err := o.readableKeyedRef(req, schemaName, field, schema.FieldRange)
	if err != nil {
		return nil, err
	}
	return o.store.RangeQuery(ctx, refUUID, filter)
}

// ==========================================================================
// Transforms
// ==========================================================================

// EnqueueTransform queues a computed field for re-derivation.
func (o *Orchestrator) EnqueueTransform(schemaName, field string) error {
	return o.engine.Enqueue(transform.FieldKey{Schema: schemaName, Field: field})
}

// ListTransformQueue lists pending computed fields in enqueue order.
func (o *Orchestrator) ListTransformQueue() []transform.FieldKey {
	return o.engine.PendingFields()
}

// RunPendingTransforms drains the transform queue.
func (o *Orchestrator) RunPendingTransforms(ctx context.Context) (*transform.RunReport, error) {
	return o.engine.RunPending(ctx)
}

// TransformError returns the last derivation error of a computed
// field, or nil.
func (o *Orchestrator) TransformError(schemaName, field string) error {
	return o.engine.FieldError(transform.FieldKey{Schema: schemaName, Field: field})
}

// ==========================================================================
// Gates
// ==========================================================================

// queryableSchema fetches a schema and applies the lifecycle gate for
// reads.
func (o *Orchestrator) queryableSchema(name string) (*schema.Schema, error) {
	s, err := o.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if !o.registry.CanQuery(name) {
		return nil, fmt.Errorf("%w: %s is %s", schema.ErrSchemaNotApproved, name, s.State)
	}
	return s, nil
}

func (o *Orchestrator) queryableField(schemaName, field string) (*schema.FieldDef, *schema.Schema, error) {
	s, err := o.queryableSchema(schemaName)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.Field(field)
	if err != nil {
		return nil, nil, err
	}
	return f, s, nil
}

// mutableField fetches a field and applies the lifecycle and
// writability gates for writes.
func (o *Orchestrator) mutableField(schemaName, field string) (*schema.FieldDef, *schema.Schema, error) {
	s, err := o.registry.Get(schemaName)
	if err != nil {
		return nil, nil, err
	}
	if !o.registry.CanMutate(schemaName) {
		return nil, nil, fmt.Errorf("%w: %s is %s", schema.ErrSchemaNotApproved, schemaName, s.State)
	}
	f, err := s.Field(field)
	if err != nil {
		return nil, nil, err
	}
	if f.Transform != nil {
		return nil, nil, fmt.Errorf("%w: %s.%s is computed", schema.ErrFieldNotWritable, schemaName, field)
	}
	if !f.Writable {
		return nil, nil, fmt.Errorf("%w: %s.%s", schema.ErrFieldNotWritable, schemaName, field)
	}
	return f, s, nil
}

// authorize runs the permission policy and then the payment check for
// one field. Permission is evaluated first: an unauthorized requester
// learns nothing about pricing.
func (o *Orchestrator) authorize(req Requester, policy permission.Policy, f *schema.FieldDef, s *schema.Schema) error {
	if err := policy.Evaluate(req.TrustDistance, req.Identity); err != nil {
		return err
	}
	price := s.Payment.AggregatePrice([]float64{f.Payment.Price(req.TrustDistance)})
	return permission.CheckPayment(price, req.OfferedPayment)
}

// readableKeyedRef applies the read gates and resolves a keyed
// (collection or range) field binding.
func (o *Orchestrator) readableKeyedRef(req Requester, schemaName, field string, want schema.FieldType) (string, error) {
	f, s, err := o.queryableField(schemaName, field)
	if err != nil {
		return "", err
	}
	if err := o.authorize(req, f.Permissions.Read, f, s); err != nil {
		return "", err
	}
	refUUID, ftype, err := o.registry.ResolveRef(schemaName, field)
	if err != nil {
		return "", err
	}
	if ftype != want {
		return "", fmt.Errorf("%w: %s.%s is %s, not %s", ErrWrongFieldShape, schemaName, field, ftype, want)
	}
	return refUUID, nil
}

// VerifyIntegrity re-checks every schema binding against storage.
func (o *Orchestrator) VerifyIntegrity(ctx context.Context) error {
	return o.registry.VerifyIntegrity(ctx)
}
