// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package atom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/foldmesh/foldmesh/pkg/validation"
)

// Key prefixes in the backing key-value store.
const (
	atomKeyPrefix = "atom:"
	refKeyPrefix  = "ref:"
)

// Store is the append-only atom store over a BadgerDB backend.
//
// Description:
//
//	Store persists immutable atoms and mutable reference records. Atoms
//	are written once and never touched again; references are rewritten
//	in place under a per-reference lock.
//
// Thread Safety:
//
//	Safe for concurrent use. See the package documentation for the
//	serialization contract.
type Store struct {
	db     *badger.DB
	locks  stripedLocks
	logger *slog.Logger

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewStore creates a Store on top of an opened BadgerDB.
//
// Inputs:
//
//	db - The database handle. Must not be nil.
//	logger - Logger for store events. If nil, uses slog.Default().
//
// Outputs:
//
//	*Store - The store.
//	error - Non-nil if db is nil.
func NewStore(db *badger.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db must not be nil", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// =============================================================================
// Atoms
// =============================================================================

// CreateAtom appends a new immutable atom and returns its uuid.
//
// Description:
//
//	Encodes value as JSON and persists a new atom. If priorUUID is
//	non-empty it becomes the back-link of the new atom, extending that
//	version chain. The prior atom is not modified.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	value - The payload. Must be JSON-encodable.
//	priorUUID - UUID of the previous version, or "" for a chain head.
//	sourceIdentity - Who produced this value.
//
// Outputs:
//
//	string - The new atom's uuid.
//	error - Non-nil if encoding or persistence fails.
func (s *Store) CreateAtom(ctx context.Context, value any, priorUUID, sourceIdentity string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: value not JSON-encodable: %v", ErrInvalidInput, err)
	}

	a := Atom{
		UUID:           uuid.NewString(),
		Value:          raw,
		PriorAtomUUID:  priorUUID,
		SourceIdentity: sourceIdentity,
		CreatedAt:      s.now(),
		Status:         StatusActive,
	}

	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode atom: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(atomKeyPrefix+a.UUID), data)
	})
	if err != nil {
		return "", fmt.Errorf("persist atom: %w", err)
	}

	return a.UUID, nil
}

// GetAtom loads one atom by uuid.
func (s *Store) GetAtom(ctx context.Context, atomUUID string) (*Atom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var a Atom
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(atomKeyPrefix + atomUUID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: atom %s", ErrAtomNotFound, atomUUID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &a)
		})
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// =============================================================================
// Reference creation
// =============================================================================

// CreateRef creates an empty reference record of the given kind and
// returns its uuid.
//
// Description:
//
//	This is the registry's bind step primitive: one reference per field,
//	created during schema approval or first write. The new reference
//	points at nothing until the first mutation.
func (s *Store) CreateRef(ctx context.Context, kind RefKind) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown ref kind %q", ErrInvalidInput, kind)
	}

	rec := refRecord{
		UUID: uuid.NewString(),
		Kind: kind,
	}

	if err := s.putRef(&rec); err != nil {
		return "", err
	}
	return rec.UUID, nil
}

// RefExists reports whether a reference uuid resolves, and its kind.
//
// Used by integrity checks: a bound field whose reference does not
// resolve is a ghost reference.
func (s *Store) RefExists(ctx context.Context, refUUID string) (RefKind, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	rec, err := s.getRef(refUUID)
	if errors.Is(err, ErrAtomRefNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Kind, true, nil
}

// =============================================================================
// Single references
// =============================================================================

// UpdateSingleRef atomically repoints a single reference at a new atom.
//
// Description:
//
//	Replaces the reference's latest-atom pointer. Writers to the same
//	reference are serialized; the swap and its persistence happen under
//	the reference's lock, so readers never observe a torn record.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	refUUID - The single reference to update.
//	newAtomUUID - The atom to point at. Must exist.
//
// Outputs:
//
//	error - ErrAtomRefNotFound, ErrRefKindMismatch, ErrAtomNotFound, or
//	a persistence error.
func (s *Store) UpdateSingleRef(ctx context.Context, refUUID, newAtomUUID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.GetAtom(ctx, newAtomUUID); err != nil {
		return err
	}

	unlock := s.locks.lock(refUUID)
	defer unlock()

	rec, err := s.getRef(refUUID)
	if err != nil {
		return err
	}
	if rec.Kind != RefKindSingle {
		return fmt.Errorf("%w: ref %s is %s, not single", ErrRefKindMismatch, refUUID, rec.Kind)
	}

	rec.AtomUUID = newAtomUUID
	return s.putRef(rec)
}

// AppendToSingle extends a single reference's chain with a new value.
//
// Description:
//
//	Creates a new atom back-linked to the reference's current head and
//	repoints the reference at it, all under the reference's lock. This
//	is the standard write path for single fields: it guarantees the
//	prior link and the pointer swap observe the same head even with
//	concurrent writers.
//
// Outputs:
//
//	string - The new atom's uuid.
//	error - ErrAtomRefNotFound, ErrRefKindMismatch, or a persistence
//	error. On error the reference is unchanged.
func (s *Store) AppendToSingle(ctx context.Context, refUUID string, value any, sourceIdentity string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	unlock := s.locks.lock(refUUID)
	defer unlock()

	rec, err := s.getRef(refUUID)
	if err != nil {
		return "", err
	}
	if rec.Kind != RefKindSingle {
		return "", fmt.Errorf("%w: ref %s is %s, not single", ErrRefKindMismatch, refUUID, rec.Kind)
	}

	atomUUID, err := s.CreateAtom(ctx, value, rec.AtomUUID, sourceIdentity)
	if err != nil {
		return "", err
	}

	rec.AtomUUID = atomUUID
	if err := s.putRef(rec); err != nil {
		return "", err
	}
	return atomUUID, nil
}

// ReadSingleRef resolves a single reference to its current value.
//
// Outputs:
//
//	json.RawMessage - The latest atom's payload.
//	error - ErrAtomRefNotFound if the ref or its target atom is missing,
//	ErrRefEmpty if the ref was never written.
func (s *Store) ReadSingleRef(ctx context.Context, refUUID string) (json.RawMessage, error) {
	a, err := s.LatestAtom(ctx, refUUID)
	if err != nil {
		return nil, err
	}
	return a.Value, nil
}

// LatestAtom resolves a single reference to its current atom with
// metadata (source identity, timestamp, prior link).
func (s *Store) LatestAtom(ctx context.Context, refUUID string) (*Atom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, err := s.getRef(refUUID)
	if err != nil {
		return nil, err
	}
	if rec.Kind != RefKindSingle {
		return nil, fmt.Errorf("%w: ref %s is %s, not single", ErrRefKindMismatch, refUUID, rec.Kind)
	}
	if rec.AtomUUID == "" {
		return nil, fmt.Errorf("%w: ref %s", ErrRefEmpty, refUUID)
	}

	a, err := s.GetAtom(ctx, rec.AtomUUID)
	if errors.Is(err, ErrAtomNotFound) {
		// The pointer names an atom that does not exist: ghost.
		s.logger.Error("ghost reference detected",
			"ref_uuid", refUUID,
			"atom_uuid", rec.AtomUUID,
		)
		return nil, fmt.Errorf("%w: ref %s points at missing atom %s", ErrAtomRefNotFound, refUUID, rec.AtomUUID)
	}
	return a, err
}

// CurrentHead returns the uuid of the atom a single ref points at, or
// "" if the ref has never been written. Used by writers to set the
// prior link of the next atom.
func (s *Store) CurrentHead(ctx context.Context, refUUID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rec, err := s.getRef(refUUID)
	if err != nil {
		return "", err
	}
	if rec.Kind != RefKindSingle {
		return "", fmt.Errorf("%w: ref %s is %s, not single", ErrRefKindMismatch, refUUID, rec.Kind)
	}
	return rec.AtomUUID, nil
}

// =============================================================================
// Collection references
// =============================================================================

// CollectionPut writes a value under key in a collection reference.
//
// A new atom is created for the value. If the key already exists, the
// new atom back-links to the key's previous atom and the binding is
// replaced in place (insertion order is kept). Otherwise the key is
// appended.
func (s *Store) CollectionPut(ctx context.Context, refUUID, key string, value any, sourceIdentity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: collection key cannot be empty", ErrInvalidInput)
	}

	unlock := s.locks.lock(refUUID)
	defer unlock()

	rec, err := s.getRef(refUUID)
	if err != nil {
		return err
	}
	if rec.Kind != RefKindCollection {
		return fmt.Errorf("%w: ref %s is %s, not collection", ErrRefKindMismatch, refUUID, rec.Kind)
	}

	prior := ""
	if i := rec.find(key); i >= 0 {
		prior = rec.Entries[i].AtomUUID
	}

	atomUUID, err := s.CreateAtom(ctx, value, prior, sourceIdentity)
	if err != nil {
		return err
	}

	if i := rec.find(key); i >= 0 {
		rec.Entries[i].AtomUUID = atomUUID
	} else {
		rec.Entries = append(rec.Entries, entry{Key: key, AtomUUID: atomUUID})
	}

	return s.putRef(rec)
}

// CollectionGet reads the value bound to key in a collection reference.
//
// Returns ErrKeyNotFound when the key has never been written.
func (s *Store) CollectionGet(ctx context.Context, refUUID, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, err := s.getRef(refUUID)
	if err != nil {
		return nil, err
	}
	if rec.Kind != RefKindCollection {
		return nil, fmt.Errorf("%w: ref %s is %s, not collection", ErrRefKindMismatch, refUUID, rec.Kind)
	}

	i := rec.find(key)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	a, err := s.GetAtom(ctx, rec.Entries[i].AtomUUID)
	if err != nil {
		return nil, err
	}
	return a.Value, nil
}

// CollectionList returns all (key, value) pairs in insertion order.
func (s *Store) CollectionList(ctx context.Context, refUUID string) ([]KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, err := s.getRef(refUUID)
	if err != nil {
		return nil, err
	}
	if rec.Kind != RefKindCollection {
		return nil, fmt.Errorf("%w: ref %s is %s, not collection", ErrRefKindMismatch, refUUID, rec.Kind)
	}

	return s.resolveEntries(ctx, rec.Entries)
}

// =============================================================================
// Range references
// =============================================================================

// RangeSet writes a value under a range key.
//
// The key must pass validation.ValidateRangeKey; in particular keys
// cannot contain '/', which keeps glob pattern filters exact. Entries
// are kept sorted by key; re-setting an existing key replaces its
// binding with a back-linked new atom.
func (s *Store) RangeSet(ctx context.Context, refUUID, key string, value any, sourceIdentity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validation.ValidateRangeKey(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	unlock := s.locks.lock(refUUID)
	defer unlock()

	rec, err := s.getRef(refUUID)
	if err != nil {
		return err
	}
	if rec.Kind != RefKindRange {
		return fmt.Errorf("%w: ref %s is %s, not range", ErrRefKindMismatch, refUUID, rec.Kind)
	}

	i := sort.Search(len(rec.Entries), func(i int) bool { return rec.Entries[i].Key >= key })

	prior := ""
	if i < len(rec.Entries) && rec.Entries[i].Key == key {
		prior = rec.Entries[i].AtomUUID
	}

	atomUUID, err := s.CreateAtom(ctx, value, prior, sourceIdentity)
	if err != nil {
		return err
	}

	if i < len(rec.Entries) && rec.Entries[i].Key == key {
		rec.Entries[i].AtomUUID = atomUUID
	} else {
		rec.Entries = append(rec.Entries, entry{})
		copy(rec.Entries[i+1:], rec.Entries[i:])
		rec.Entries[i] = entry{Key: key, AtomUUID: atomUUID}
	}

	return s.putRef(rec)
}

// RangeQuery returns the (key, value) pairs selected by filter, in key
// order. An empty result is valid, not an error.
func (s *Store) RangeQuery(ctx context.Context, refUUID string, filter Filter) ([]KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	rec, err := s.getRef(refUUID)
	if err != nil {
		return nil, err
	}
	if rec.Kind != RefKindRange {
		return nil, fmt.Errorf("%w: ref %s is %s, not range", ErrRefKindMismatch, refUUID, rec.Kind)
	}

	var matched []entry
	for _, e := range rec.Entries {
		if filter.Matches(e.Key) {
			matched = append(matched, e)
		}
	}

	return s.resolveEntries(ctx, matched)
}

// =============================================================================
// Internals
// =============================================================================

// resolveEntries loads the atoms behind entries and pairs them with keys.
func (s *Store) resolveEntries(ctx context.Context, entries []entry) ([]KeyValue, error) {
	results := make([]KeyValue, 0, len(entries))
	for _, e := range entries {
		a, err := s.GetAtom(ctx, e.AtomUUID)
		if err != nil {
			return nil, fmt.Errorf("resolve key %q: %w", e.Key, err)
		}
		results = append(results, KeyValue{Key: e.Key, Value: a.Value})
	}
	return results, nil
}

// getRef loads a reference record.
func (s *Store) getRef(refUUID string) (*refRecord, error) {
	var rec refRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(refKeyPrefix + refUUID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: ref %s", ErrAtomRefNotFound, refUUID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// putRef persists a reference record.
func (s *Store) putRef(rec *refRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode ref record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(refKeyPrefix+rec.UUID), data)
	})
	if err != nil {
		return fmt.Errorf("persist ref record: %w", err)
	}
	return nil
}
