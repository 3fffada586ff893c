// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package atom

import (
	"encoding/json"
	"time"
)

// Status marks the disposition of an atom.
type Status string

// StatusActive is the only status written today. Atoms are immutable,
// so a superseded version is found by walking the chain, not by a
// status flip on the old atom.
const StatusActive Status = "active"

// Atom is an immutable versioned value record.
//
// Atoms form a backward-linked version chain via PriorAtomUUID. A chain
// is never mutated, only extended: writing a field creates a new atom
// whose prior link points at the previous head.
//
// Value is stored as raw JSON so the store stays agnostic of the value's
// shape. Decoded values follow encoding/json conventions (numbers come
// back as float64).
type Atom struct {
	// UUID uniquely identifies this atom.
	UUID string `json:"uuid"`

	// Value is the JSON-encoded payload.
	Value json.RawMessage `json:"value"`

	// PriorAtomUUID links to the previous version, or "" for the first
	// atom in a chain.
	PriorAtomUUID string `json:"prior_atom_uuid,omitempty"`

	// SourceIdentity records who produced this value. For transform
	// outputs this is the transform's synthetic identity.
	SourceIdentity string `json:"source_identity"`

	// CreatedAt is the creation timestamp (UTC).
	CreatedAt time.Time `json:"created_at"`

	// Status is the atom's disposition.
	Status Status `json:"status"`
}

// DecodeValue unmarshals the atom's payload into out.
func (a *Atom) DecodeValue(out any) error {
	return json.Unmarshal(a.Value, out)
}

// RefKind discriminates the three reference kinds.
//
// Every call site switching on RefKind must handle all three variants;
// there is no default fallthrough behavior.
type RefKind string

const (
	// RefKindSingle points at a single latest atom.
	RefKindSingle RefKind = "single"

	// RefKindCollection maps item keys to atoms, preserving insertion
	// order for iteration.
	RefKindCollection RefKind = "collection"

	// RefKindRange maps declared range keys to atoms and supports
	// prefix, range, set, and glob pattern queries.
	RefKindRange RefKind = "range"
)

// Valid reports whether k is a known reference kind.
func (k RefKind) Valid() bool {
	switch k {
	case RefKindSingle, RefKindCollection, RefKindRange:
		return true
	default:
		return false
	}
}

// entry is one key-to-atom binding inside a collection or range record.
type entry struct {
	Key      string `json:"key"`
	AtomUUID string `json:"atom_uuid"`
}

// refRecord is the persisted form of a reference, stored under
// "ref:{uuid}". Exactly one of the kind-specific parts is populated.
//
// Collection entries keep insertion order. Range entries are kept sorted
// by key so range and prefix queries can scan an ordered slice.
type refRecord struct {
	UUID     string  `json:"uuid"`
	Kind     RefKind `json:"kind"`
	AtomUUID string  `json:"atom_uuid,omitempty"` // Single only
	Entries  []entry `json:"entries,omitempty"`   // Collection and Range
}

// find returns the index of key in Entries, or -1.
func (r *refRecord) find(key string) int {
	for i := range r.Entries {
		if r.Entries[i].Key == key {
			return i
		}
	}
	return -1
}

// KeyValue is one result of a range query.
type KeyValue struct {
	Key   string
	Value json.RawMessage
}
