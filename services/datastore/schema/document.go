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

	"github.com/go-playground/validator/v10"

	"github.com/foldmesh/foldmesh/pkg/validation"
	"github.com/foldmesh/foldmesh/services/datastore/permission"
)

// docValidate is the shared validator instance for schema documents.
var docValidate = validator.New()

// Document is the JSON schema document accepted at discovery.
//
// Example:
//
//	{
//	  "name": "Inventory",
//	  "schema_type": {"Range": {"range_key": "location"}},
//	  "fields": {
//	    "count": {
//	      "field_type": "Range",
//	      "permission_policy": {"read_policy": "NoRequirement",
//	                            "write_policy": {"Distance": 1}},
//	      "payment_config": {"base_multiplier": 1.0,
//	                         "trust_distance_scaling": "None"},
//	      "writable": true
//	    }
//	  },
//	  "payment_config": {"base_multiplier": 1.0}
//	}
type Document struct {
	Name          string                   `json:"name" validate:"required"`
	SchemaType    SchemaType               `json:"schema_type"`
	Fields        map[string]FieldDocument `json:"fields" validate:"required,min=1,dive"`
	PaymentConfig permission.SchemaPayment `json:"payment_config"`
	Transforms    map[string]TransformDef  `json:"transforms,omitempty" validate:"omitempty,dive"`
}

// FieldDocument is the JSON form of a field definition.
type FieldDocument struct {
	FieldType        string                  `json:"field_type" validate:"required,oneof=Single Collection Range"`
	PermissionPolicy PermissionsPolicy       `json:"permission_policy"`
	PaymentConfig    permission.FieldPayment `json:"payment_config"`

	// RefAtomUUID must be null/absent in discovered documents: storage
	// bindings are registry-owned and set only during approval.
	RefAtomUUID string `json:"ref_atom_uuid,omitempty" validate:"isdefault"`

	FieldMappers map[string]string `json:"field_mappers,omitempty"`
	Transform    *TransformDef     `json:"transform,omitempty"`
	Writable     bool              `json:"writable"`
}

// fieldTypeFromDocument maps the wire field type names.
func fieldTypeFromDocument(s string) (FieldType, error) {
	switch s {
	case "Single":
		return FieldSingle, nil
	case "Collection":
		return FieldCollection, nil
	case "Range":
		return FieldRange, nil
	default:
		return "", fmt.Errorf("%w: unknown field type %q", ErrSchemaValidation, s)
	}
}

// documentFieldType maps back to the wire names.
func documentFieldType(t FieldType) string {
	switch t {
	case FieldSingle:
		return "Single"
	case FieldCollection:
		return "Collection"
	case FieldRange:
		return "Range"
	default:
		return string(t)
	}
}

// ParseDocument decodes and validates a schema document.
//
// Description:
//
//	Unmarshals the JSON, runs struct-tag validation, checks identifier
//	shapes, and converts to a Schema in the Available state. Documents
//	that carry a ref_atom_uuid are rejected: bindings are set only by
//	the registry.
//
// Outputs:
//
//	*Schema - The schema, State = Available, all fields unbound.
//	error - Wrapping ErrSchemaValidation on any defect.
func ParseDocument(data []byte) (*Schema, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}

	if err := docValidate.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}

	return doc.ToSchema()
}

// ToSchema converts the document to a Schema in the Available state.
//
// Schema-level transforms are distributed onto their output fields; a
// transform whose output names a missing field, or a computed field
// declared writable, fails conversion.
func (d *Document) ToSchema() (*Schema, error) {
	if err := validation.ValidateIdentifier(d.Name); err != nil {
		return nil, fmt.Errorf("%w: schema name: %v", ErrSchemaValidation, err)
	}
	if d.SchemaType.Ranged {
		if err := validation.ValidateIdentifier(d.SchemaType.RangeKey); err != nil {
			return nil, fmt.Errorf("%w: range key: %v", ErrSchemaValidation, err)
		}
	}

	s := &Schema{
		Name:    d.Name,
		Type:    d.SchemaType,
		Fields:  make(map[string]*FieldDef, len(d.Fields)),
		Payment: d.PaymentConfig,
		State:   StateAvailable,
	}

	for name, fd := range d.Fields {
		if err := validation.ValidateIdentifier(name); err != nil {
			return nil, fmt.Errorf("%w: field name: %v", ErrSchemaValidation, err)
		}

		ft, err := fieldTypeFromDocument(fd.FieldType)
		if err != nil {
			return nil, err
		}

		field := &FieldDef{
			Type:        ft,
			Permissions: fd.PermissionPolicy,
			Payment:     fd.PaymentConfig,
			Mappers:     fd.FieldMappers,
			Transform:   fd.Transform,
			Writable:    fd.Writable,
		}
		s.Fields[name] = field
	}

	// Distribute schema-level transforms onto their output fields.
	for tname, tr := range d.Transforms {
		target, err := transformOutputField(d.Name, tr.Output)
		if err != nil {
			return nil, fmt.Errorf("transform %q: %w", tname, err)
		}
		field, ok := s.Fields[target]
		if !ok {
			return nil, fmt.Errorf("%w: transform %q output field %q not defined", ErrSchemaValidation, tname, target)
		}
		if field.Transform != nil {
			return nil, fmt.Errorf("%w: field %q has two transforms", ErrSchemaValidation, target)
		}
		trCopy := tr
		field.Transform = &trCopy
	}

	for name, field := range s.Fields {
		if field.Transform != nil {
			for _, in := range field.Transform.Inputs {
				if err := validation.ValidateFieldRef(in); err != nil {
					return nil, fmt.Errorf("%w: field %q: %v", ErrSchemaValidation, name, err)
				}
			}
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// transformOutputField resolves a transform output reference ("field"
// or "Schema.field") to a local field name, rejecting outputs that
// target another schema.
func transformOutputField(schemaName, output string) (string, error) {
	if err := validation.ValidateFieldRef(output); err != nil {
		return "", fmt.Errorf("%w: output: %v", ErrSchemaValidation, err)
	}
	for i := 0; i < len(output); i++ {
		if output[i] == '.' {
			if output[:i] != schemaName {
				return "", fmt.Errorf("%w: transform output %q targets another schema", ErrSchemaValidation, output)
			}
			return output[i+1:], nil
		}
	}
	return output, nil
}

// ToDocument converts a schema back to its document form, including
// current bindings. Used for persistence and export.
func (s *Schema) ToDocument() *Document {
	doc := &Document{
		Name:          s.Name,
		SchemaType:    s.Type,
		Fields:        make(map[string]FieldDocument, len(s.Fields)),
		PaymentConfig: s.Payment,
	}
	for name, f := range s.Fields {
		doc.Fields[name] = FieldDocument{
			FieldType:        documentFieldType(f.Type),
			PermissionPolicy: f.Permissions,
			PaymentConfig:    f.Payment,
			RefAtomUUID:      f.refAtomUUID,
			FieldMappers:     f.Mappers,
			Transform:        f.Transform,
			Writable:         f.Writable,
		}
	}
	return doc
}
