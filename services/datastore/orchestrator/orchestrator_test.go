// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldmesh/foldmesh/services/datastore/atom"
	"github.com/foldmesh/foldmesh/services/datastore/permission"
	"github.com/foldmesh/foldmesh/services/datastore/schema"
	storagebadger "github.com/foldmesh/foldmesh/services/datastore/storage/badger"
	"github.com/foldmesh/foldmesh/services/datastore/transform"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()

	db, err := storagebadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := atom.NewStore(db, nil)
	require.NoError(t, err)
	reg, err := schema.NewRegistry(db, store, nil)
	require.NoError(t, err)
	eng, err := transform.NewEngine(reg, store, nil)
	require.NoError(t, err)

	orch, err := New(reg, store, eng, nil)
	require.NoError(t, err)
	return orch
}

// fieldSpec is the JSON shape of one field in a test document.
type fieldSpec map[string]any

func freeField(ftype string) fieldSpec {
	return fieldSpec{
		"field_type": ftype,
		"permission_policy": map[string]any{
			"read_policy": "NoRequirement", "write_policy": "NoRequirement",
		},
		"payment_config": map[string]any{
			"base_multiplier": 0.0, "trust_distance_scaling": "None",
		},
		"writable": true,
	}
}

func (f fieldSpec) withWritePolicy(p any) fieldSpec {
	f["permission_policy"].(map[string]any)["write_policy"] = p
	return f
}

func (f fieldSpec) withReadPolicy(p any) fieldSpec {
	f["permission_policy"].(map[string]any)["read_policy"] = p
	return f
}

func (f fieldSpec) withPayment(p map[string]any) fieldSpec {
	f["payment_config"] = p
	return f
}

func (f fieldSpec) withTransform(tr *schema.TransformDef) fieldSpec {
	f["transform"] = tr
	f["writable"] = false
	return f
}

func docBytes(t *testing.T, name string, schemaType any, fields map[string]fieldSpec, payment map[string]any) []byte {
	t.Helper()
	if payment == nil {
		payment = map[string]any{"base_multiplier": 1.0}
	}
	doc, err := json.Marshal(map[string]any{
		"name":           name,
		"schema_type":    schemaType,
		"fields":         fields,
		"payment_config": payment,
	})
	require.NoError(t, err)
	return doc
}

func setup(t *testing.T, orch *Orchestrator, doc []byte) {
	t.Helper()
	ctx := context.Background()
	_, err := orch.DiscoverSchema(ctx, doc)
	require.NoError(t, err)
	var parsed struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(doc, &parsed))
	require.NoError(t, orch.ApproveSchema(ctx, parsed.Name))
}

func number(t *testing.T, raw json.RawMessage) float64 {
	t.Helper()
	var out float64
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// Scenario: a computed total follows its inputs through the full
// mutation path.
func TestComputedTotalFollowsInputs(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()
	owner := Owner("owner")

	setup(t, orch, docBytes(t, "Invoice", "Single", map[string]fieldSpec{
		"a": freeField("Single"),
		"b": freeField("Single"),
		"total": freeField("Single").withTransform(&schema.TransformDef{
			Inputs: []string{"a", "b"}, Logic: "a + b", Output: "total",
		}),
	}, nil))

	_, err := orch.SetFieldValue(ctx, owner, "Invoice", "a", 3.0)
	require.NoError(t, err)
	_, err = orch.SetFieldValue(ctx, owner, "Invoice", "b", 4.0)
	require.NoError(t, err)

	report, err := orch.RunPendingTransforms(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Failed)

	raw, err := orch.GetFieldValue(ctx, owner, "Invoice", "total")
	require.NoError(t, err)
	assert.Equal(t, 7.0, number(t, raw))
}

// Scenario: a distance-gated write rejects a far requester with the
// decision details.
func TestDistantRequesterCannotWrite(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	setup(t, orch, docBytes(t, "Journal", "Single", map[string]fieldSpec{
		"note": freeField("Single").withWritePolicy(map[string]any{"Distance": 1}),
	}, nil))

	near := Requester{Identity: "friend", TrustDistance: 1}
	far := Requester{Identity: "stranger", TrustDistance: 2}

	_, err := orch.SetFieldValue(ctx, near, "Journal", "note", "hello")
	require.NoError(t, err)

	_, err = orch.SetFieldValue(ctx, far, "Journal", "note", "spam")
	require.ErrorIs(t, err, permission.ErrPermissionDenied)

	var denied *permission.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, uint32(1), denied.Required)
	assert.Equal(t, uint32(2), denied.Actual)

	// The rejected write left no trace.
	history, err := orch.GetFieldHistory(ctx, Owner("owner"), "Journal", "note")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "friend", history[0].SourceIdentity)
}

// Scenario: blocking a schema cuts external access while its
// transforms keep running.
func TestBlockedSchemaQueriesFailTransformsRun(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()
	owner := Owner("owner")

	setup(t, orch, docBytes(t, "Metrics", "Single", map[string]fieldSpec{
		"a": freeField("Single"),
		"b": freeField("Single"),
		"total": freeField("Single").withTransform(&schema.TransformDef{
			Inputs: []string{"a", "b"}, Logic: "a + b", Output: "total",
		}),
	}, nil))

	_, err := orch.SetFieldValue(ctx, owner, "Metrics", "a", 1.0)
	require.NoError(t, err)
	_, err = orch.SetFieldValue(ctx, owner, "Metrics", "b", 2.0)
	require.NoError(t, err)

	require.NoError(t, orch.BlockSchema(ctx, "Metrics"))
	assert.False(t, orch.CanQuerySchema("Metrics"))

	_, err = orch.GetFieldValue(ctx, owner, "Metrics", "a")
	assert.ErrorIs(t, err, schema.ErrSchemaNotApproved)
	_, err = orch.SetFieldValue(ctx, owner, "Metrics", "a", 5.0)
	assert.ErrorIs(t, err, schema.ErrSchemaNotApproved)

	// Internal derivation ignores the block.
	require.NoError(t, orch.EnqueueTransform("Metrics", "total"))
	report, err := orch.RunPendingTransforms(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Executed, 1)
	assert.Empty(t, report.Failed)
}

// Scenario: a prefix filter over a range field returns exactly the
// matching keys.
func TestRangePrefixFilter(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()
	owner := Owner("owner")

	setup(t, orch, docBytes(t, "Inventory",
		map[string]any{"Range": map[string]any{"range_key": "location"}},
		map[string]fieldSpec{"stock": freeField("Range")}, nil))

	for key, qty := range map[string]float64{
		"warehouse:north": 120,
		"warehouse:east":  80,
		"store:downtown":  15,
	} {
		require.NoError(t, orch.SetRangeValue(ctx, owner, "Inventory", "stock", key, qty))
	}

	got, err := orch.QueryRange(ctx, owner, "Inventory", "stock", atom.ByKeyPrefix("warehouse:"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "warehouse:east", got[0].Key)
	assert.Equal(t, "warehouse:north", got[1].Key)

	// Glob filters see every stored key, so keys a glob cannot span
	// are rejected up front rather than stored and later missed.
	err = orch.SetRangeValue(ctx, owner, "Inventory", "stock", "store:a/b", 1)
	assert.ErrorIs(t, err, atom.ErrInvalidInput)

	all, err := orch.QueryRange(ctx, owner, "Inventory", "stock", atom.ByKeyPattern("*"))
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestComputedFieldNotWritable(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	setup(t, orch, docBytes(t, "Calc", "Single", map[string]fieldSpec{
		"a": freeField("Single"),
		"b": freeField("Single"),
		"total": freeField("Single").withTransform(&schema.TransformDef{
			Inputs: []string{"a", "b"}, Logic: "a + b", Output: "total",
		}),
	}, nil))

	_, err := orch.SetFieldValue(ctx, Owner("owner"), "Calc", "total", 99.0)
	assert.ErrorIs(t, err, schema.ErrFieldNotWritable)
}

func TestUnapprovedSchemaRejectsEverything(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()
	owner := Owner("owner")

	_, err := orch.DiscoverSchema(ctx, docBytes(t, "Draft", "Single",
		map[string]fieldSpec{"x": freeField("Single")}, nil))
	require.NoError(t, err)

	_, err = orch.SetFieldValue(ctx, owner, "Draft", "x", 1.0)
	assert.ErrorIs(t, err, schema.ErrSchemaNotApproved)
	_, err = orch.GetFieldValue(ctx, owner, "Draft", "x")
	assert.ErrorIs(t, err, schema.ErrSchemaNotApproved)
}

func TestPaymentScalesWithDistance(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	// Price at distance d: 2 * (1 + d); schema multiplier 1.
	setup(t, orch, docBytes(t, "Paid", "Single", map[string]fieldSpec{
		"data": freeField("Single").withPayment(map[string]any{
			"base_multiplier": 2.0,
			"trust_distance_scaling": map[string]any{
				"Linear": map[string]any{"slope": 1.0, "intercept": 1.0, "min_factor": 1.0},
			},
		}),
	}, nil))

	_, err := orch.SetFieldValue(ctx,
		Requester{Identity: "owner", TrustDistance: 0, OfferedPayment: 2.0},
		"Paid", "data", 1.0)
	require.NoError(t, err)

	// Distance 3 prices at 8; an offer of 2 no longer clears it.
	_, err = orch.GetFieldValue(ctx,
		Requester{Identity: "acquaintance", TrustDistance: 3, OfferedPayment: 2.0},
		"Paid", "data")
	require.ErrorIs(t, err, permission.ErrPaymentInsufficient)

	var short *permission.InsufficientPaymentError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 8.0, short.Required)

	raw, err := orch.GetFieldValue(ctx,
		Requester{Identity: "acquaintance", TrustDistance: 3, OfferedPayment: 8.0},
		"Paid", "data")
	require.NoError(t, err)
	assert.Equal(t, 1.0, number(t, raw))
}

func TestMultiFieldReadAggregatesPrices(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	paid := func() fieldSpec {
		return freeField("Single").withPayment(map[string]any{
			"base_multiplier": 3.0, "trust_distance_scaling": "None",
		})
	}
	// Aggregate for two fields: (3 + 3) floored at 10 by the schema
	// threshold.
	setup(t, orch, docBytes(t, "Bundle", "Single", map[string]fieldSpec{
		"x": paid(), "y": paid(),
	}, map[string]any{"base_multiplier": 1.0, "min_payment_threshold": 10.0}))

	owner := Requester{Identity: "owner", TrustDistance: 0, OfferedPayment: 10.0}
	_, err := orch.SetFieldValue(ctx, owner, "Bundle", "x", 1.0)
	require.NoError(t, err)
	_, err = orch.SetFieldValue(ctx, owner, "Bundle", "y", 2.0)
	require.NoError(t, err)

	_, err = orch.GetFieldValues(ctx,
		Requester{Identity: "reader", TrustDistance: 0, OfferedPayment: 9.0},
		"Bundle", []string{"x", "y"})
	assert.ErrorIs(t, err, permission.ErrPaymentInsufficient)

	got, err := orch.GetFieldValues(ctx,
		Requester{Identity: "reader", TrustDistance: 0, OfferedPayment: 10.0},
		"Bundle", []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, number(t, got["x"]))
	assert.Equal(t, 2.0, number(t, got["y"]))
}

func TestExplicitPolicyOverridesDistance(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	setup(t, orch, docBytes(t, "Circle", "Single", map[string]fieldSpec{
		"secret": freeField("Single").withReadPolicy(map[string]any{
			"Explicit": map[string]any{
				"counts":            map[string]any{"bestie": 5},
				"fallback_distance": 0,
			},
		}),
	}, nil))

	owner := Owner("owner")
	_, err := orch.SetFieldValue(ctx, owner, "Circle", "secret", "s3cret")
	require.NoError(t, err)

	// The named identity passes even at a distance the fallback
	// would reject.
	_, err = orch.GetFieldValue(ctx,
		Requester{Identity: "bestie", TrustDistance: 4}, "Circle", "secret")
	require.NoError(t, err)

	_, err = orch.GetFieldValue(ctx,
		Requester{Identity: "stranger", TrustDistance: 4}, "Circle", "secret")
	assert.ErrorIs(t, err, permission.ErrPermissionDenied)
}

func TestCollectionRoundTrip(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()
	owner := Owner("owner")

	setup(t, orch, docBytes(t, "Contacts", "Single", map[string]fieldSpec{
		"phones": freeField("Collection"),
	}, nil))

	require.NoError(t, orch.PutCollectionValue(ctx, owner, "Contacts", "phones", "home", "555-0100"))
	require.NoError(t, orch.PutCollectionValue(ctx, owner, "Contacts", "phones", "work", "555-0199"))

	raw, err := orch.GetCollectionValue(ctx, owner, "Contacts", "phones", "work")
	require.NoError(t, err)
	assert.Equal(t, `"555-0199"`, string(raw))

	list, err := orch.ListCollection(ctx, owner, "Contacts", "phones")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "home", list[0].Key)
	assert.Equal(t, "work", list[1].Key)
}

func TestShapeMismatchRejected(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()
	owner := Owner("owner")

	setup(t, orch, docBytes(t, "Mixed", "Single", map[string]fieldSpec{
		"one":  freeField("Single"),
		"many": freeField("Collection"),
	}, nil))

	_, err := orch.SetFieldValue(ctx, owner, "Mixed", "many", 1.0)
	assert.ErrorIs(t, err, ErrWrongFieldShape)
	err = orch.PutCollectionValue(ctx, owner, "Mixed", "one", "k", 1.0)
	assert.ErrorIs(t, err, ErrWrongFieldShape)
	_, err = orch.QueryRange(ctx, owner, "Mixed", "one", atom.ByKeyPrefix("x"))
	assert.ErrorIs(t, err, ErrWrongFieldShape)
}

func TestHistoryNewestFirst(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()
	owner := Owner("owner")

	setup(t, orch, docBytes(t, "Versioned", "Single", map[string]fieldSpec{
		"v": freeField("Single"),
	}, nil))

	for i := 1; i <= 3; i++ {
		_, err := orch.SetFieldValue(ctx, owner, "Versioned", "v", float64(i))
		require.NoError(t, err)
	}

	history, err := orch.GetFieldHistory(ctx, owner, "Versioned", "v")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 3.0, number(t, history[0].Value))
	assert.Equal(t, 2.0, number(t, history[1].Value))
	assert.Equal(t, 1.0, number(t, history[2].Value))
	assert.Empty(t, history[2].PriorAtomUUID)
}

func TestTransformQueueSurface(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()
	owner := Owner("owner")

	setup(t, orch, docBytes(t, "Calc", "Single", map[string]fieldSpec{
		"a": freeField("Single"),
		"b": freeField("Single"),
		"total": freeField("Single").withTransform(&schema.TransformDef{
			Inputs: []string{"a", "b"}, Logic: "a + b", Output: "total",
		}),
	}, nil))

	assert.ErrorIs(t, orch.EnqueueTransform("Calc", "a"), transform.ErrNotComputed)

	_, err := orch.SetFieldValue(ctx, owner, "Calc", "a", 1.0)
	require.NoError(t, err)
	assert.Equal(t,
		[]transform.FieldKey{{Schema: "Calc", Field: "total"}},
		orch.ListTransformQueue())

	// b is unwritten, so the derivation fails and the error is
	// visible per field.
	report, err := orch.RunPendingTransforms(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Error(t, orch.TransformError("Calc", "total"))

	_, err = orch.SetFieldValue(ctx, owner, "Calc", "b", 2.0)
	require.NoError(t, err)
	_, err = orch.RunPendingTransforms(ctx)
	require.NoError(t, err)
	assert.NoError(t, orch.TransformError("Calc", "total"))
	require.NoError(t, orch.VerifyIntegrity(ctx))
}
