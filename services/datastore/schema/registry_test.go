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
	"fmt"
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldmesh/foldmesh/services/datastore/atom"
	storagebadger "github.com/foldmesh/foldmesh/services/datastore/storage/badger"
)

// newTestRegistry creates a registry over an in-memory database.
func newTestRegistry(t *testing.T) (*Registry, *atom.Store, *badgerdb.DB) {
	t.Helper()

	db, err := storagebadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := atom.NewStore(db, nil)
	require.NoError(t, err)

	reg, err := NewRegistry(db, store, nil)
	require.NoError(t, err)
	return reg, store, db
}

// testDoc builds a simple single-field schema document.
func testDoc(name string) []byte {
	return fmt.Appendf(nil, `{
		"name": %q,
		"schema_type": "Single",
		"fields": {
			"value": {
				"field_type": "Single",
				"permission_policy": {"read_policy": "NoRequirement", "write_policy": "NoRequirement"},
				"payment_config": {"base_multiplier": 1.0, "trust_distance_scaling": "None"},
				"writable": true
			},
			"tags": {
				"field_type": "Collection",
				"permission_policy": {"read_policy": "NoRequirement", "write_policy": "NoRequirement"},
				"payment_config": {"base_multiplier": 1.0, "trust_distance_scaling": "None"},
				"writable": true
			}
		},
		"payment_config": {"base_multiplier": 1.0}
	}`, name)
}

func TestDiscoverAndDuplicate(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Discover(ctx, testDoc("Sensors"))
	require.NoError(t, err)
	assert.Equal(t, StateAvailable, s.State)

	_, err = reg.Discover(ctx, testDoc("Sensors"))
	assert.ErrorIs(t, err, ErrSchemaExists)

	assert.Contains(t, reg.List(), "Sensors")
}

func TestDiscoveredSchemaNotQueryable(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Discover(ctx, testDoc("Sensors"))
	require.NoError(t, err)

	assert.False(t, reg.CanQuery("Sensors"))
	assert.False(t, reg.CanMutate("Sensors"))
}

func TestApproveBindsAllFields(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Discover(ctx, testDoc("Sensors"))
	require.NoError(t, err)
	require.NoError(t, reg.Approve(ctx, "Sensors"))

	assert.True(t, reg.CanQuery("Sensors"))
	assert.True(t, reg.CanMutate("Sensors"))

	s, err := reg.Get("Sensors")
	require.NoError(t, err)
	assert.Equal(t, StateApproved, s.State)

	// Every field is bound and every binding resolves to the matching
	// reference kind: no ghost references.
	require.NoError(t, reg.VerifyIntegrity(ctx))

	refUUID, ftype, err := reg.ResolveRef("Sensors", "tags")
	require.NoError(t, err)
	assert.Equal(t, FieldCollection, ftype)

	kind, exists, err := store.RefExists(ctx, refUUID)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, atom.RefKindCollection, kind)
}

func TestApproveIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Discover(ctx, testDoc("Sensors"))
	require.NoError(t, err)
	require.NoError(t, reg.Approve(ctx, "Sensors"))

	first, _, err := reg.ResolveRef("Sensors", "value")
	require.NoError(t, err)

	// Second approval must not create new references.
	require.NoError(t, reg.Approve(ctx, "Sensors"))
	second, _, err := reg.ResolveRef("Sensors", "value")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestApproveMissingSchema(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	assert.ErrorIs(t, reg.Approve(context.Background(), "Nope"), ErrSchemaNotFound)
}

func TestBlockAndReapprove(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Discover(ctx, testDoc("Sensors"))
	require.NoError(t, err)
	require.NoError(t, reg.Approve(ctx, "Sensors"))

	before, _, err := reg.ResolveRef("Sensors", "value")
	require.NoError(t, err)

	require.NoError(t, reg.Block(ctx, "Sensors"))
	assert.False(t, reg.CanQuery("Sensors"))
	assert.False(t, reg.CanMutate("Sensors"))

	// Blocking leaves bindings untouched, and transforms can still
	// resolve them.
	after, _, err := reg.ResolveRef("Sensors", "value")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Approved <-> Blocked is a two-way transition.
	require.NoError(t, reg.Approve(ctx, "Sensors"))
	assert.True(t, reg.CanQuery("Sensors"))

	again, _, err := reg.ResolveRef("Sensors", "value")
	require.NoError(t, err)
	assert.Equal(t, before, again)
}

func TestTransformCheckAbortsApproval(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	boom := errors.New("cycle detected")
	reg.SetTransformCheck(func(*Schema) error { return boom })

	_, err := reg.Discover(ctx, testDoc("Sensors"))
	require.NoError(t, err)

	err = reg.Approve(ctx, "Sensors")
	assert.ErrorIs(t, err, boom)

	// The schema is exactly as it was: Available and unbound.
	s, err := reg.Get("Sensors")
	require.NoError(t, err)
	assert.Equal(t, StateAvailable, s.State)
	for _, f := range s.Fields {
		assert.False(t, f.Bound())
	}
}

func TestGetReturnsDetachedCopy(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Discover(ctx, testDoc("Sensors"))
	require.NoError(t, err)

	copy1, err := reg.Get("Sensors")
	require.NoError(t, err)

	// Mutating the copy must not affect registry state.
	copy1.State = StateApproved
	copy1.Fields["value"].Writable = false
	delete(copy1.Fields, "tags")

	copy2, err := reg.Get("Sensors")
	require.NoError(t, err)
	assert.Equal(t, StateAvailable, copy2.State)
	assert.True(t, copy2.Fields["value"].Writable)
	assert.Contains(t, copy2.Fields, "tags")
	assert.False(t, reg.CanQuery("Sensors"))
}

func TestRegistryPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	db, err := storagebadger.OpenWithPath(dir)
	require.NoError(t, err)

	store, err := atom.NewStore(db, nil)
	require.NoError(t, err)
	reg, err := NewRegistry(db, store, nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = reg.Discover(ctx, testDoc("Sensors"))
	require.NoError(t, err)
	require.NoError(t, reg.Approve(ctx, "Sensors"))

	boundRef, _, err := reg.ResolveRef("Sensors", "value")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopen: schemas, state, and bindings survive.
	db2, err := storagebadger.OpenWithPath(dir)
	require.NoError(t, err)
	defer db2.Close()

	store2, err := atom.NewStore(db2, nil)
	require.NoError(t, err)
	reg2, err := NewRegistry(db2, store2, nil)
	require.NoError(t, err)

	assert.True(t, reg2.CanQuery("Sensors"))
	ref2, _, err := reg2.ResolveRef("Sensors", "value")
	require.NoError(t, err)
	assert.Equal(t, boundRef, ref2)
	require.NoError(t, reg2.VerifyIntegrity(ctx))
}

func TestResolveRefErrors(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := reg.ResolveRef("Nope", "value")
	assert.ErrorIs(t, err, ErrSchemaNotFound)

	_, err = reg.Discover(ctx, testDoc("Sensors"))
	require.NoError(t, err)

	_, _, err = reg.ResolveRef("Sensors", "missing")
	assert.ErrorIs(t, err, ErrFieldNotFound)

	_, _, err = reg.ResolveRef("Sensors", "value")
	assert.ErrorIs(t, err, ErrFieldNotBound)
}
