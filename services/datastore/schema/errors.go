// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package schema implements the schema registry: schema definitions,
// field-to-reference binding, and the three-state approval lifecycle.
//
// # Lifecycle
//
// A schema is discovered as Available (registered but neither queryable
// nor mutable), becomes Approved through an atomic validate-bind-persist
// step, and can flip between Approved and Blocked. Blocking gates only
// external query and mutation; transforms reading a blocked schema's
// fields still execute.
//
// # Ghost prevention
//
// A field's storage binding (ref_atom_uuid) is set exactly once, by the
// registry's approval path, after the reference has been created in the
// atom store and in the same persist step as the rest of the schema.
// There is no exported setter, and Get returns deep copies, so a
// detached schema value cannot corrupt registry state.
//
// # Thread Safety
//
// Registry is safe for concurrent use. Lifecycle transitions and field
// binding on a given schema are mutually exclusive via a per-schema
// lock.
package schema

import "errors"

// Sentinel errors for schema registry operations.
var (
	// ErrSchemaNotFound is returned when a schema name is not registered.
	ErrSchemaNotFound = errors.New("schema not found")

	// ErrSchemaExists is returned when discovering a name that is
	// already registered.
	ErrSchemaExists = errors.New("schema already registered")

	// ErrSchemaNotApproved is returned when querying or mutating a
	// schema that is Available or Blocked.
	ErrSchemaNotApproved = errors.New("schema not approved")

	// ErrSchemaValidation is returned for malformed schema documents or
	// field definitions.
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrFieldNotFound is returned when a field name is not defined on
	// a schema.
	ErrFieldNotFound = errors.New("field not found")

	// ErrFieldNotWritable is returned when mutating a computed field or
	// a field declared read-only.
	ErrFieldNotWritable = errors.New("field not writable")

	// ErrFieldNotBound is returned when reading a field that has no
	// storage reference yet (schema never approved).
	ErrFieldNotBound = errors.New("field has no storage binding")
)
