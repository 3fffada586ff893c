// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schema

import (
	"encoding/json"
	"fmt"

	"github.com/foldmesh/foldmesh/services/datastore/atom"
	"github.com/foldmesh/foldmesh/services/datastore/permission"
)

// LifecycleState is the schema's approval state.
type LifecycleState string

const (
	// StateAvailable: discovered but neither queryable nor mutable.
	StateAvailable LifecycleState = "available"

	// StateApproved: queryable and mutable.
	StateApproved LifecycleState = "approved"

	// StateBlocked: not queryable/mutable by external callers, but
	// transforms depending on its fields still execute.
	StateBlocked LifecycleState = "blocked"
)

// FieldType is the storage shape of a field.
type FieldType string

const (
	// FieldSingle stores one latest value with history.
	FieldSingle FieldType = "single"

	// FieldCollection stores an insertion-ordered keyed set of values.
	FieldCollection FieldType = "collection"

	// FieldRange stores values under declared range keys with rich
	// key-filter queries.
	FieldRange FieldType = "range"
)

// RefKind maps the field type to its atom store reference kind.
// Each field type binds to exactly one reference kind.
func (t FieldType) RefKind() (atom.RefKind, error) {
	switch t {
	case FieldSingle:
		return atom.RefKindSingle, nil
	case FieldCollection:
		return atom.RefKindCollection, nil
	case FieldRange:
		return atom.RefKindRange, nil
	default:
		return "", fmt.Errorf("%w: unknown field type %q", ErrSchemaValidation, t)
	}
}

// SchemaType declares how the schema's instances are addressed:
// plain single-instance, or ranged by a declared range key.
//
// JSON form: "Single" or {"Range": {"range_key": "location"}}.
type SchemaType struct {
	Ranged   bool
	RangeKey string
}

// MarshalJSON encodes the schema document form.
func (t SchemaType) MarshalJSON() ([]byte, error) {
	if !t.Ranged {
		return json.Marshal("Single")
	}
	return json.Marshal(map[string]any{
		"Range": map[string]string{"range_key": t.RangeKey},
	})
}

// UnmarshalJSON decodes the schema document form.
func (t *SchemaType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "Single" {
			return fmt.Errorf("%w: unknown schema type %q", ErrSchemaValidation, s)
		}
		*t = SchemaType{}
		return nil
	}

	var obj struct {
		Range *struct {
			RangeKey string `json:"range_key"`
		} `json:"Range"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	if obj.Range == nil {
		return fmt.Errorf("%w: empty schema type object", ErrSchemaValidation)
	}
	if obj.Range.RangeKey == "" {
		return fmt.Errorf("%w: Range schema type requires range_key", ErrSchemaValidation)
	}
	*t = SchemaType{Ranged: true, RangeKey: obj.Range.RangeKey}
	return nil
}

// PermissionsPolicy pairs the read and write policies of a field.
type PermissionsPolicy struct {
	Read  permission.Policy `json:"read_policy"`
	Write permission.Policy `json:"write_policy"`
}

// TransformDef declares a computed field: DSL logic plus explicit input
// field references.
//
// The logic is carried as opaque source here; the transform engine
// compiles it. Reversible is a declared capability flag for potential
// inverse propagation; no inverse algorithm exists yet.
type TransformDef struct {
	// Inputs lists field references: same-schema fields by bare name,
	// cross-schema fields as "Schema.field".
	Inputs []string `json:"inputs"`

	// Logic is the DSL source of the computation.
	Logic string `json:"logic"`

	// Output names the computed field as "Schema.field" or "field".
	Output string `json:"output"`

	// Reversible declares inverse-propagation capability.
	Reversible bool `json:"reversible"`
}

// FieldDef defines one field of a schema.
//
// The storage binding (refAtomUUID) is deliberately unexported: it is
// set only by the registry's atomic bind-and-persist step during
// approval. Code holding a copied Schema can read the binding but has
// no way to set it.
type FieldDef struct {
	// Type is the storage shape of the field.
	Type FieldType

	// Permissions gate read and write access.
	Permissions PermissionsPolicy

	// Payment is the per-field pricing configuration.
	Payment permission.FieldPayment

	// Mappers alias this field to fields in other schemas:
	// source schema name -> source field name. Consulted by transform
	// input resolution when this field has no binding of its own.
	Mappers map[string]string

	// Transform, when non-nil, makes this a computed field. Computed
	// fields are never directly writable.
	Transform *TransformDef

	// Writable permits external mutation. Always false when Transform
	// is set.
	Writable bool

	// refAtomUUID is the atom store reference binding, or "".
	refAtomUUID string
}

// RefAtomUUID returns the field's storage binding, or "" when unbound.
func (f *FieldDef) RefAtomUUID() string {
	return f.refAtomUUID
}

// Bound reports whether the field has a storage binding.
func (f *FieldDef) Bound() bool {
	return f.refAtomUUID != ""
}

// Validate checks the field definition is well-formed.
func (f *FieldDef) Validate() error {
	if _, err := f.Type.RefKind(); err != nil {
		return err
	}
	if err := f.Permissions.Read.Validate(); err != nil {
		return fmt.Errorf("%w: read policy: %v", ErrSchemaValidation, err)
	}
	if err := f.Permissions.Write.Validate(); err != nil {
		return fmt.Errorf("%w: write policy: %v", ErrSchemaValidation, err)
	}
	if err := f.Payment.Scaling.Validate(); err != nil {
		return fmt.Errorf("%w: payment scaling: %v", ErrSchemaValidation, err)
	}
	if f.Payment.BaseMultiplier < 0 {
		return fmt.Errorf("%w: payment base multiplier must be non-negative", ErrSchemaValidation)
	}
	if f.Transform != nil && f.Writable {
		return fmt.Errorf("%w: computed fields must not be writable", ErrSchemaValidation)
	}
	return nil
}

// clone returns a deep copy of the field definition.
func (f *FieldDef) clone() *FieldDef {
	cp := *f
	if f.Mappers != nil {
		cp.Mappers = make(map[string]string, len(f.Mappers))
		for k, v := range f.Mappers {
			cp.Mappers[k] = v
		}
	}
	if f.Transform != nil {
		tr := *f.Transform
		tr.Inputs = append([]string(nil), f.Transform.Inputs...)
		cp.Transform = &tr
	}
	if f.Permissions.Read.Counts != nil {
		counts := make(map[string]uint32, len(f.Permissions.Read.Counts))
		for k, v := range f.Permissions.Read.Counts {
			counts[k] = v
		}
		cp.Permissions.Read.Counts = counts
	}
	if f.Permissions.Write.Counts != nil {
		counts := make(map[string]uint32, len(f.Permissions.Write.Counts))
		for k, v := range f.Permissions.Write.Counts {
			counts[k] = v
		}
		cp.Permissions.Write.Counts = counts
	}
	return &cp
}

// Schema is a registered schema definition.
type Schema struct {
	// Name uniquely identifies the schema.
	Name string

	// Type addresses the schema's instances.
	Type SchemaType

	// Fields maps field name to definition.
	Fields map[string]*FieldDef

	// Payment is the schema-level pricing configuration.
	Payment permission.SchemaPayment

	// State is the lifecycle state.
	State LifecycleState
}

// Field returns the named field definition.
func (s *Schema) Field(name string) (*FieldDef, error) {
	f, ok := s.Fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrFieldNotFound, s.Name, name)
	}
	return f, nil
}

// Validate checks every field definition.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: schema name required", ErrSchemaValidation)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: schema %s has no fields", ErrSchemaValidation, s.Name)
	}
	for name, f := range s.Fields {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("field %s.%s: %w", s.Name, name, err)
		}
	}
	return nil
}

// clone returns a deep copy of the schema.
func (s *Schema) clone() *Schema {
	cp := *s
	cp.Fields = make(map[string]*FieldDef, len(s.Fields))
	for name, f := range s.Fields {
		cp.Fields[name] = f.clone()
	}
	return &cp
}
