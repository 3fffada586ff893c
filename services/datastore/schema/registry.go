// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/foldmesh/foldmesh/services/datastore/atom"
	"github.com/foldmesh/foldmesh/services/datastore/permission"
)

// schemaKeyPrefix is the key prefix for persisted schemas.
const schemaKeyPrefix = "schema:"

// Registry is the process-wide schema registry.
//
// Description:
//
//	Registry owns schema definitions and their field-to-reference
//	bindings. It is constructed explicitly and passed by reference to
//	every operation; there is no package-level instance.
//
// Thread Safety:
//
//	Safe for concurrent use. The in-memory schema map is guarded by a
//	RWMutex; lifecycle transitions and binding on a given schema are
//	serialized by a per-schema lock.
type Registry struct {
	db     *badger.DB
	store  *atom.Store
	logger *slog.Logger

	mu      sync.RWMutex
	schemas map[string]*Schema

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	// transformCheck, when set, runs during approval before any binding
	// is created. Used by the transform engine to reject dependency
	// cycles at approval time.
	transformCheck func(*Schema) error
}

// persistedField is the storage form of a field definition.
type persistedField struct {
	Type        FieldType               `json:"field_type"`
	Permissions PermissionsPolicy       `json:"permission_policy"`
	Payment     permission.FieldPayment `json:"payment_config"`
	Mappers     map[string]string       `json:"field_mappers,omitempty"`
	Transform   *TransformDef           `json:"transform,omitempty"`
	Writable    bool                    `json:"writable"`
	RefAtomUUID string                  `json:"ref_atom_uuid,omitempty"`
}

// persistedSchema is the storage form of a schema.
type persistedSchema struct {
	Name    string                    `json:"name"`
	Type    SchemaType                `json:"schema_type"`
	Fields  map[string]persistedField `json:"fields"`
	Payment permission.SchemaPayment  `json:"payment_config"`
	State   LifecycleState            `json:"lifecycle_state"`
}

// NewRegistry creates a registry and loads all persisted schemas.
//
// Inputs:
//
//	db - Database for schema persistence. Must not be nil.
//	store - Atom store used for reference creation. Must not be nil.
//	logger - Logger for registry events. If nil, uses slog.Default().
//
// Outputs:
//
//	*Registry - Loaded registry.
//	error - Non-nil if inputs are nil or loading fails.
func NewRegistry(db *badger.DB, store *atom.Store, logger *slog.Logger) (*Registry, error) {
	if db == nil || store == nil {
		return nil, fmt.Errorf("%w: db and store must not be nil", ErrSchemaValidation)
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		db:      db,
		store:   store,
		logger:  logger,
		schemas: make(map[string]*Schema),
		locks:   make(map[string]*sync.Mutex),
	}

	if err := r.loadAll(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetTransformCheck installs the approval-time transform validation
// hook. Must be called before concurrent use begins.
func (r *Registry) SetTransformCheck(fn func(*Schema) error) {
	r.transformCheck = fn
}

// schemaLock returns the lifecycle lock for a schema name.
func (r *Registry) schemaLock(name string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	m, ok := r.locks[name]
	if !ok {
		m = &sync.Mutex{}
		r.locks[name] = m
	}
	return m
}

// Discover registers a schema document as Available.
//
// Description:
//
//	Parses and validates the document, persists the schema, and adds it
//	to the registry. A discovered schema is neither queryable nor
//	mutable until approved.
//
// Outputs:
//
//	*Schema - Deep copy of the registered schema.
//	error - ErrSchemaValidation or ErrSchemaExists.
func (r *Registry) Discover(ctx context.Context, doc []byte) (*Schema, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, err := ParseDocument(doc)
	if err != nil {
		return nil, err
	}

	lock := r.schemaLock(s.Name)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	_, exists := r.schemas[s.Name]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrSchemaExists, s.Name)
	}

	if err := r.persist(s); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.schemas[s.Name] = s
	r.mu.Unlock()

	r.logger.Info("schema discovered", "schema", s.Name, "fields", len(s.Fields))
	return s.clone(), nil
}

// Approve validates and activates a schema, binding storage references.
//
// Description:
//
//	Validates every field definition, runs the transform check, then
//	for every unbound field creates the matching atom store reference
//	kind and binds it. The bindings, the Approved state, and the whole
//	schema are persisted in one step: a failure anywhere aborts the
//	approval and leaves the registered schema exactly as it was. A
//	reference created during a failed attempt is orphaned garbage, not
//	a ghost: the schema never points at it.
//
//	Approving an already-approved, fully-bound schema is a no-op.
//	Approving a blocked schema re-activates it without re-binding.
//
// Outputs:
//
//	error - ErrSchemaNotFound, ErrSchemaValidation, a transform check
//	error, or a persistence error.
func (r *Registry) Approve(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := r.schemaLock(name)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	current, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSchemaNotFound, name)
	}

	if current.State == StateApproved && allBound(current) {
		return nil // idempotent
	}

	if err := current.Validate(); err != nil {
		return err
	}
	if r.transformCheck != nil {
		if err := r.transformCheck(current.clone()); err != nil {
			return fmt.Errorf("approve %s: %w", name, err)
		}
	}

	// Stage all changes on a clone; the registered schema is replaced
	// only after the staged copy persists.
	staged := current.clone()
	bound := 0
	for fname, f := range staged.Fields {
		if f.Bound() {
			continue
		}
		kind, err := f.Type.RefKind()
		if err != nil {
			return fmt.Errorf("field %s.%s: %w", name, fname, err)
		}
		refUUID, err := r.store.CreateRef(ctx, kind)
		if err != nil {
			return fmt.Errorf("create ref for %s.%s: %w", name, fname, err)
		}
		f.refAtomUUID = refUUID
		bound++
	}
	staged.State = StateApproved

	if err := r.persist(staged); err != nil {
		return fmt.Errorf("approve %s: %w", name, err)
	}

	r.mu.Lock()
	r.schemas[name] = staged
	r.mu.Unlock()

	r.logger.Info("schema approved", "schema", name, "newly_bound", bound)
	return nil
}

// Block flips a schema to Blocked without touching bindings.
func (r *Registry) Block(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := r.schemaLock(name)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	current, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSchemaNotFound, name)
	}

	staged := current.clone()
	staged.State = StateBlocked

	if err := r.persist(staged); err != nil {
		return fmt.Errorf("block %s: %w", name, err)
	}

	r.mu.Lock()
	r.schemas[name] = staged
	r.mu.Unlock()

	r.logger.Info("schema blocked", "schema", name)
	return nil
}

// CanQuery reports whether external reads of the schema are allowed.
func (r *Registry) CanQuery(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[name]
	return ok && s.State == StateApproved
}

// CanMutate reports whether external writes to the schema are allowed.
func (r *Registry) CanMutate(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[name]
	return ok && s.State == StateApproved
}

// Get returns a deep copy of a registered schema.
//
// The copy shares nothing with registry state: mutating it (including
// its field definitions) has no effect on the registry, which is what
// makes the binding invariant enforceable.
func (r *Registry) Get(name string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, name)
	}
	return s.clone(), nil
}

// List returns the names of all registered schemas.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	return names
}

// ResolveRef resolves a field to its storage binding.
//
// Outputs:
//
//	string - The reference uuid.
//	FieldType - The field's storage shape.
//	error - ErrSchemaNotFound, ErrFieldNotFound, or ErrFieldNotBound.
func (r *Registry) ResolveRef(name, field string) (string, FieldType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[name]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrSchemaNotFound, name)
	}
	f, err := s.Field(field)
	if err != nil {
		return "", "", err
	}
	if !f.Bound() {
		return "", "", fmt.Errorf("%w: %s.%s", ErrFieldNotBound, name, field)
	}
	return f.refAtomUUID, f.Type, nil
}

// VerifyIntegrity checks that every bound field of every schema
// resolves to an existing reference of the matching kind.
//
// A failure here means storage was corrupted out-of-band; the registry
// API cannot produce one.
func (r *Registry) VerifyIntegrity(ctx context.Context) error {
	r.mu.RLock()
	snapshot := make([]*Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		snapshot = append(snapshot, s.clone())
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		for fname, f := range s.Fields {
			if !f.Bound() {
				continue
			}
			wantKind, err := f.Type.RefKind()
			if err != nil {
				return err
			}
			kind, exists, err := r.store.RefExists(ctx, f.refAtomUUID)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: %s.%s binding %s resolves to nothing",
					atom.ErrAtomRefNotFound, s.Name, fname, f.refAtomUUID)
			}
			if kind != wantKind {
				return fmt.Errorf("%w: %s.%s bound to %s ref, want %s",
					atom.ErrRefKindMismatch, s.Name, fname, kind, wantKind)
			}
		}
	}
	return nil
}

// allBound reports whether every field has a storage binding.
func allBound(s *Schema) bool {
	for _, f := range s.Fields {
		if !f.Bound() {
			return false
		}
	}
	return true
}

// persist writes a schema to storage.
func (r *Registry) persist(s *Schema) error {
	rec := persistedSchema{
		Name:    s.Name,
		Type:    s.Type,
		Fields:  make(map[string]persistedField, len(s.Fields)),
		Payment: s.Payment,
		State:   s.State,
	}
	for fname, f := range s.Fields {
		rec.Fields[fname] = persistedField{
			Type:        f.Type,
			Permissions: f.Permissions,
			Payment:     f.Payment,
			Mappers:     f.Mappers,
			Transform:   f.Transform,
			Writable:    f.Writable,
			RefAtomUUID: f.refAtomUUID,
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode schema %s: %w", s.Name, err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(schemaKeyPrefix+s.Name), data)
	})
	if err != nil {
		return fmt.Errorf("persist schema %s: %w", s.Name, err)
	}
	return nil
}

// loadAll loads every persisted schema into memory.
func (r *Registry) loadAll() error {
	return r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(schemaKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec persistedSchema
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("decode schema record: %w", err)
				}
				r.schemas[rec.Name] = rec.toSchema()
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// toSchema converts a persisted record to the in-memory form.
func (rec *persistedSchema) toSchema() *Schema {
	s := &Schema{
		Name:    rec.Name,
		Type:    rec.Type,
		Fields:  make(map[string]*FieldDef, len(rec.Fields)),
		Payment: rec.Payment,
		State:   rec.State,
	}
	for fname, pf := range rec.Fields {
		s.Fields[fname] = &FieldDef{
			Type:        pf.Type,
			Permissions: pf.Permissions,
			Payment:     pf.Payment,
			Mappers:     pf.Mappers,
			Transform:   pf.Transform,
			Writable:    pf.Writable,
			refAtomUUID: pf.RefAtomUUID,
		}
	}
	return s
}
