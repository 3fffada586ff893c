// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package atom implements the append-only, reference-indirected value store.
//
// The store holds two kinds of records:
//
//   - Atoms: immutable versioned values forming backward-linked chains.
//     Created on write, never mutated, never deleted.
//   - References: mutable pointer structures (Single, Collection, Range)
//     binding a schema field to its current and historical atoms.
//
// # Ownership Model
//
// References are created exactly once per field by the schema registry
// during approval, and updated on every write to that field. The store
// itself never creates references on behalf of a read or write path.
//
// # Thread Safety
//
// Store is safe for concurrent use. Mutation of a given reference (or of
// a given key within a collection/range reference) is serialized through
// a striped lock manager; operations on distinct references proceed
// concurrently.
package atom

import "errors"

// Sentinel errors for atom store operations.
var (
	// ErrAtomNotFound is returned when an atom uuid resolves to nothing.
	ErrAtomNotFound = errors.New("atom not found")

	// ErrAtomRefNotFound is returned when a reference uuid resolves to
	// nothing, or when a reference's target atom is missing. The latter
	// is a ghost reference and indicates data corruption, since the
	// registry's bind-and-persist path makes it unreachable by
	// construction.
	ErrAtomRefNotFound = errors.New("atom reference not found")

	// ErrRefKindMismatch is returned when an operation expects one
	// reference kind (Single, Collection, Range) and finds another.
	ErrRefKindMismatch = errors.New("atom reference kind mismatch")

	// ErrKeyNotFound is returned when a collection or range lookup
	// misses. Note that an empty range QUERY result is not an error;
	// only exact keyed gets report a miss.
	ErrKeyNotFound = errors.New("key not found in reference")

	// ErrRefEmpty is returned when reading a single reference that has
	// been created but never written.
	ErrRefEmpty = errors.New("atom reference has no value yet")

	// ErrInvalidInput is returned for nil or malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)
