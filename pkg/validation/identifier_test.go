// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "amount", false},
		{"mixed case", "UserProfile", false},
		{"underscores", "total_value", false},
		{"digits", "field2", false},
		{"empty", "", true},
		{"leading digit", "2field", true},
		{"leading underscore", "_field", true},
		{"colon", "a:b", true},
		{"dot", "Schema.field", true},
		{"space", "a b", true},
		{"too long", strings.Repeat("a", 65), true},
		{"max length", strings.Repeat("a", 64), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRangeKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "north", false},
		{"namespaced", "warehouse:north", false},
		{"multi segment", "region:us:west-2", false},
		{"dotted", "node.1", false},
		{"empty", "", true},
		{"empty segment", "warehouse:", true},
		{"leading colon", ":north", true},
		{"glob char", "warehouse:*", true},
		{"too long", strings.Repeat("k", 257), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRangeKey(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateFieldRef(t *testing.T) {
	assert.NoError(t, ValidateFieldRef("amount"))
	assert.NoError(t, ValidateFieldRef("Inventory.amount"))
	assert.Error(t, ValidateFieldRef(""))
	assert.Error(t, ValidateFieldRef("a.b.c"))
	assert.Error(t, ValidateFieldRef("Inventory."))
	assert.Error(t, ValidateFieldRef(".amount"))
}
