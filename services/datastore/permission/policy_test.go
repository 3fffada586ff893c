// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package permission

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoRequirementAllowsEveryone(t *testing.T) {
	p := NoRequirement()
	assert.NoError(t, p.Evaluate(0, "alice"))
	assert.NoError(t, p.Evaluate(1000, "stranger"))
}

func TestDistancePolicy(t *testing.T) {
	p := Distance(1)

	assert.NoError(t, p.Evaluate(0, "alice"))
	assert.NoError(t, p.Evaluate(1, "alice"))

	err := p.Evaluate(2, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, uint32(1), denied.Required)
	assert.Equal(t, uint32(2), denied.Actual)
}

func TestExplicitPolicyWinsOverDistance(t *testing.T) {
	p := Explicit(map[string]uint32{"alice": 3}, 1)

	// Listed identity allowed at any distance.
	assert.NoError(t, p.Evaluate(10, "alice"))

	// Unlisted identity falls back to the distance rule.
	assert.NoError(t, p.Evaluate(1, "bob"))
	assert.ErrorIs(t, p.Evaluate(2, "bob"), ErrPermissionDenied)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, NoRequirement().Validate())
	assert.NoError(t, Distance(5).Validate())
	assert.NoError(t, Explicit(map[string]uint32{}, 0).Validate())

	assert.Error(t, Policy{Kind: PolicyExplicit}.Validate())
	assert.Error(t, Policy{Kind: "bogus"}.Validate())
}

func TestPolicyJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Policy
	}{
		{"no requirement", `"NoRequirement"`, NoRequirement()},
		{"distance", `{"Distance": 2}`, Distance(2)},
		{
			"explicit",
			`{"Explicit": {"counts": {"alice": 5}, "fallback_distance": 1}}`,
			Explicit(map[string]uint32{"alice": 5}, 1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Policy
			require.NoError(t, json.Unmarshal([]byte(tt.in), &p))
			assert.Equal(t, tt.want, p)

			out, err := json.Marshal(p)
			require.NoError(t, err)
			var p2 Policy
			require.NoError(t, json.Unmarshal(out, &p2))
			assert.Equal(t, p, p2)
		})
	}
}

func TestPolicyJSONRejectsMalformed(t *testing.T) {
	var p Policy
	assert.Error(t, json.Unmarshal([]byte(`"Whatever"`), &p))
	assert.Error(t, json.Unmarshal([]byte(`{}`), &p))
	assert.Error(t, json.Unmarshal([]byte(`{"Distance": 1, "Explicit": {"counts": {}}}`), &p))
}
