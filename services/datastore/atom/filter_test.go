// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package atom

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterMatches(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		key    string
		want   bool
	}{
		{"key hit", ByKey("a"), "a", true},
		{"key miss", ByKey("a"), "ab", false},
		{"prefix hit", ByKeyPrefix("warehouse:"), "warehouse:north", true},
		{"prefix miss", ByKeyPrefix("warehouse:"), "store:downtown", false},
		{"range inside", ByKeyRange("a", "c"), "b", true},
		{"range start inclusive", ByKeyRange("a", "c"), "a", true},
		{"range end inclusive", ByKeyRange("a", "c"), "c", true},
		{"range past end", ByKeyRange("a", "c"), "ca", false},
		{"range open end", ByKeyRange("m", ""), "z", true},
		{"keys hit", ByKeys("x", "y"), "y", true},
		{"keys miss", ByKeys("x", "y"), "z", false},
		{"pattern star", ByKeyPattern("store:*"), "store:downtown", true},
		{"pattern star miss", ByKeyPattern("store:*"), "warehouse:north", false},
		{"pattern question", ByKeyPattern("node-?"), "node-3", true},
		{"pattern class", ByKeyPattern("node-[ab]"), "node-a", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.key))
		})
	}
}

func TestFilterValidate(t *testing.T) {
	assert.NoError(t, ByKey("k").Validate())
	assert.NoError(t, ByKeyRange("a", "b").Validate())
	assert.NoError(t, ByKeyRange("a", "").Validate())

	assert.Error(t, ByKey("").Validate())
	assert.Error(t, ByKeyPrefix("").Validate())
	assert.Error(t, ByKeyRange("b", "a").Validate())
	assert.Error(t, ByKeys().Validate())
	assert.Error(t, ByKeyPattern("[unclosed").Validate())
	assert.Error(t, Filter{Kind: "bogus"}.Validate())
}
