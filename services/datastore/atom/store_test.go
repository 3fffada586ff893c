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
	"fmt"
	"sync"
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storagebadger "github.com/foldmesh/foldmesh/services/datastore/storage/badger"
)

// newTestStore creates a store over an in-memory database.
func newTestStore(t *testing.T) (*Store, *badgerdb.DB) {
	t.Helper()

	db, err := storagebadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, nil)
	require.NoError(t, err)
	return store, db
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestCreateAndGetAtom(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateAtom(ctx, map[string]any{"n": 1}, "", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	a, err := store.GetAtom(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, a.UUID)
	assert.Equal(t, "alice", a.SourceIdentity)
	assert.Equal(t, StatusActive, a.Status)
	assert.Empty(t, a.PriorAtomUUID)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestGetAtomMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetAtom(context.Background(), "no-such-atom")
	assert.ErrorIs(t, err, ErrAtomNotFound)
}

func TestSingleRefRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := store.CreateRef(ctx, RefKindSingle)
	require.NoError(t, err)

	// Unwritten ref reads as empty, not as missing.
	_, err = store.ReadSingleRef(ctx, ref)
	assert.ErrorIs(t, err, ErrRefEmpty)

	id, err := store.CreateAtom(ctx, "hello", "", "alice")
	require.NoError(t, err)
	require.NoError(t, store.UpdateSingleRef(ctx, ref, id))

	raw, err := store.ReadSingleRef(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "hello", decode[string](t, raw))

	head, err := store.CurrentHead(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, id, head)
}

func TestReadSingleRefMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.ReadSingleRef(context.Background(), "no-such-ref")
	assert.ErrorIs(t, err, ErrAtomRefNotFound)
}

func TestUpdateSingleRefRejectsMissingAtom(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := store.CreateRef(ctx, RefKindSingle)
	require.NoError(t, err)

	err = store.UpdateSingleRef(ctx, ref, "no-such-atom")
	assert.ErrorIs(t, err, ErrAtomNotFound)
}

func TestSingleRefKindMismatch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := store.CreateRef(ctx, RefKindCollection)
	require.NoError(t, err)

	_, err = store.ReadSingleRef(ctx, ref)
	assert.ErrorIs(t, err, ErrRefKindMismatch)
}

// TestGhostReferenceDetected verifies that a dangling pointer is
// reported as ErrAtomRefNotFound. The dangling record is planted by
// writing to the database directly, since no store API can produce one.
func TestGhostReferenceDetected(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	rec := refRecord{UUID: "ghost-ref", Kind: RefKindSingle, AtomUUID: "vanished"}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(refKeyPrefix+"ghost-ref"), data)
	}))

	_, err = store.ReadSingleRef(ctx, "ghost-ref")
	assert.ErrorIs(t, err, ErrAtomRefNotFound)
}

func TestHistoryWalk(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := store.CreateRef(ctx, RefKindSingle)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := store.AppendToSingle(ctx, ref, i, "alice")
		require.NoError(t, err)
	}

	it, err := store.History(ctx, ref)
	require.NoError(t, err)
	values, err := it.Values()
	require.NoError(t, err)
	assert.Equal(t, []any{float64(3), float64(2), float64(1)}, values)

	// Restartable: a fresh iterator re-walks from the head.
	it2, err := store.History(ctx, ref)
	require.NoError(t, err)
	values2, err := it2.Values()
	require.NoError(t, err)
	assert.Equal(t, values, values2)
}

func TestHistoryEmptyRef(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := store.CreateRef(ctx, RefKindSingle)
	require.NoError(t, err)

	it, err := store.History(ctx, ref)
	require.NoError(t, err)
	values, err := it.Values()
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestCollectionPutGetAndOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := store.CreateRef(ctx, RefKindCollection)
	require.NoError(t, err)

	require.NoError(t, store.CollectionPut(ctx, ref, "zebra", 1, "alice"))
	require.NoError(t, store.CollectionPut(ctx, ref, "apple", 2, "alice"))
	require.NoError(t, store.CollectionPut(ctx, ref, "mango", 3, "alice"))

	// Keyed lookup.
	raw, err := store.CollectionGet(ctx, ref, "apple")
	require.NoError(t, err)
	assert.Equal(t, float64(2), decode[float64](t, raw))

	_, err = store.CollectionGet(ctx, ref, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Re-put replaces in place without disturbing order.
	require.NoError(t, store.CollectionPut(ctx, ref, "apple", 22, "alice"))

	items, err := store.CollectionList(ctx, ref)
	require.NoError(t, err)
	keys := make([]string, len(items))
	for i, kv := range items {
		keys[i] = kv.Key
	}
	assert.Equal(t, []string{"zebra", "apple", "mango"}, keys)
	assert.Equal(t, float64(22), decode[float64](t, items[1].Value))
}

func TestRangeQueryFilters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := store.CreateRef(ctx, RefKindRange)
	require.NoError(t, err)

	require.NoError(t, store.RangeSet(ctx, ref, "warehouse:north", 10, "alice"))
	require.NoError(t, store.RangeSet(ctx, ref, "warehouse:east", 20, "alice"))
	require.NoError(t, store.RangeSet(ctx, ref, "store:downtown", 30, "alice"))

	tests := []struct {
		name     string
		filter   Filter
		wantKeys []string
	}{
		{"exact key", ByKey("store:downtown"), []string{"store:downtown"}},
		{"prefix", ByKeyPrefix("warehouse:"), []string{"warehouse:east", "warehouse:north"}},
		{"range", ByKeyRange("store:", "warehouse:"), []string{"store:downtown"}},
		{"explicit set", ByKeys("warehouse:north", "store:downtown"), []string{"store:downtown", "warehouse:north"}},
		{"glob pattern", ByKeyPattern("store:*"), []string{"store:downtown"}},
		{"glob all", ByKeyPattern("*:*"), []string{"store:downtown", "warehouse:east", "warehouse:north"}},
		{"empty result", ByKeyPrefix("factory:"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := store.RangeQuery(ctx, ref, tt.filter)
			require.NoError(t, err)

			var keys []string
			for _, kv := range results {
				keys = append(keys, kv.Key)
			}
			assert.Equal(t, tt.wantKeys, keys)
		})
	}
}

func TestRangeSetRejectsInvalidKeys(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := store.CreateRef(ctx, RefKindRange)
	require.NoError(t, err)

	// A slash would make the key invisible to glob filters, since
	// path.Match does not let '*' cross '/'.
	for _, key := range []string{"", "store:a/b", "store:", ":north", "wh space"} {
		err := store.RangeSet(ctx, ref, key, 1, "alice")
		assert.ErrorIs(t, err, ErrInvalidInput, "key %q", key)
	}

	// Nothing was stored for the rejected keys.
	results, err := store.RangeQuery(ctx, ref, ByKeyPrefix(""))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRangeQueryEndInclusive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := store.CreateRef(ctx, RefKindRange)
	require.NoError(t, err)

	require.NoError(t, store.RangeSet(ctx, ref, "node-a", 1, "alice"))
	require.NoError(t, store.RangeSet(ctx, ref, "node-b", 2, "alice"))
	require.NoError(t, store.RangeSet(ctx, ref, "node-c", 3, "alice"))

	results, err := store.RangeQuery(ctx, ref, ByKeyRange("node-a", "node-b"))
	require.NoError(t, err)

	var keys []string
	for _, kv := range results {
		keys = append(keys, kv.Key)
	}
	assert.Equal(t, []string{"node-a", "node-b"}, keys)
}

func TestRangeQueryInvalidFilter(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := store.CreateRef(ctx, RefKindRange)
	require.NoError(t, err)

	_, err = store.RangeQuery(ctx, ref, Filter{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.RangeQuery(ctx, ref, ByKeyPattern("[unclosed"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// TestConcurrentSingleRefWriters verifies per-reference serialization:
// after N concurrent write cycles the chain contains all N versions.
func TestConcurrentSingleRefWriters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := store.CreateRef(ctx, RefKindSingle)
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.AppendToSingle(ctx, ref, n, fmt.Sprintf("writer-%d", n))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	it, err := store.History(ctx, ref)
	require.NoError(t, err)
	values, err := it.Values()
	require.NoError(t, err)
	assert.Len(t, values, writers)
}
