// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package atom

import (
	"context"
	"fmt"
)

// HistoryIterator walks a single reference's version chain from newest
// to oldest, loading one atom at a time.
//
// The walk is finite (chains are acyclic by construction: an atom's
// prior link is fixed at creation to the then-current head) and
// restartable: call Store.History again to re-walk from the current
// head.
//
// Usage:
//
//	it, err := store.History(ctx, refUUID)
//	for it.Next() {
//	    a := it.Atom()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
//
// Not safe for concurrent use.
type HistoryIterator struct {
	store *Store
	ctx   context.Context

	nextUUID string
	current  *Atom
	err      error
}

// History starts a newest-to-oldest walk over a single reference's
// version chain.
//
// Outputs:
//
//	*HistoryIterator - Positioned before the newest atom. An iterator
//	over a never-written reference yields nothing.
//	error - ErrAtomRefNotFound or ErrRefKindMismatch.
func (s *Store) History(ctx context.Context, refUUID string) (*HistoryIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, err := s.getRef(refUUID)
	if err != nil {
		return nil, err
	}
	if rec.Kind != RefKindSingle {
		return nil, fmt.Errorf("%w: history requires a single ref, got %s", ErrRefKindMismatch, rec.Kind)
	}

	return &HistoryIterator{
		store:    s,
		ctx:      ctx,
		nextUUID: rec.AtomUUID,
	}, nil
}

// Next advances to the next (older) atom. Returns false at the end of
// the chain or on error; check Err after the loop.
func (it *HistoryIterator) Next() bool {
	if it.err != nil || it.nextUUID == "" {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return false
	}

	a, err := it.store.GetAtom(it.ctx, it.nextUUID)
	if err != nil {
		// A broken prior link mid-chain is the chain-walk flavor of a
		// ghost reference.
		it.err = fmt.Errorf("history walk: %w", err)
		return false
	}

	it.current = a
	it.nextUUID = a.PriorAtomUUID
	return true
}

// Atom returns the atom at the current position. Only valid after a
// Next call that returned true.
func (it *HistoryIterator) Atom() *Atom {
	return it.current
}

// Err returns the error that stopped iteration, if any.
func (it *HistoryIterator) Err() error {
	return it.err
}

// Values collects the remaining chain values, newest first. Convenience
// for callers that want the whole (finite) history at once.
func (it *HistoryIterator) Values() ([]any, error) {
	var values []any
	for it.Next() {
		var v any
		if err := it.Atom().DecodeValue(&v); err != nil {
			return nil, fmt.Errorf("decode history value: %w", err)
		}
		values = append(values, v)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return values, nil
}
