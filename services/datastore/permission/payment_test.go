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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }

func TestScalingFactor(t *testing.T) {
	tests := []struct {
		name     string
		scaling  Scaling
		distance uint32
		want     float64
	}{
		{"none", NoScaling(), 7, 1},
		{"linear", LinearScaling(0.5, 1, 0), 4, 3},
		{"linear floored", LinearScaling(0.5, 0, 2), 1, 2},
		{"exponential", ExponentialScaling(2, 1, 0), 3, 8},
		{"exponential floored", ExponentialScaling(2, 0.1, 1), 0, 1},
		{"distance zero linear", LinearScaling(3, 1.5, 0), 0, 1.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.scaling.Factor(tt.distance), 1e-9)
		})
	}
}

// TestScalingMonotonicity property-tests that well-formed configs are
// non-decreasing in distance.
func TestScalingMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		var s Scaling
		if i%2 == 0 {
			s = LinearScaling(rng.Float64()*10, rng.Float64()*20-10, rng.Float64()*5)
		} else {
			s = ExponentialScaling(1+rng.Float64()*3, rng.Float64()*10, rng.Float64()*5)
		}
		require.NoError(t, s.Validate())

		d1 := uint32(rng.Intn(100))
		d2 := d1 + uint32(rng.Intn(100))
		assert.LessOrEqual(t, s.Factor(d1), s.Factor(d2),
			"scaling %+v not monotone between %d and %d", s, d1, d2)
	}
}

func TestScalingValidate(t *testing.T) {
	assert.NoError(t, NoScaling().Validate())
	assert.NoError(t, LinearScaling(0, -5, 0).Validate())
	assert.NoError(t, ExponentialScaling(1, 0, 0).Validate())

	assert.Error(t, LinearScaling(-0.1, 0, 0).Validate())
	assert.Error(t, LinearScaling(1, 0, -1).Validate())
	assert.Error(t, ExponentialScaling(0.9, 1, 0).Validate())
	assert.Error(t, ExponentialScaling(2, -1, 0).Validate())
	assert.Error(t, Scaling{Kind: "bogus"}.Validate())
}

func TestFieldPrice(t *testing.T) {
	cfg := FieldPayment{
		BaseMultiplier: 2,
		Scaling:        LinearScaling(1, 1, 0),
	}

	// No min payment: base · factor.
	assert.InDelta(t, 6, cfg.Price(2), 1e-9) // 2 · (1·2+1)

	// Min payment floors the price.
	cfg.MinPayment = floatPtr(10)
	assert.InDelta(t, 10, cfg.Price(2), 1e-9)
	assert.InDelta(t, 22, cfg.Price(10), 1e-9) // 2 · 11 beats the floor
}

func TestAggregatePrice(t *testing.T) {
	schema := SchemaPayment{BaseMultiplier: 2}

	// Sum of scaled field prices.
	assert.InDelta(t, 12, schema.AggregatePrice([]float64{1, 2, 3}), 1e-9)

	// Threshold floors the aggregate.
	schema.MinPaymentThreshold = floatPtr(100)
	assert.InDelta(t, 100, schema.AggregatePrice([]float64{1, 2, 3}), 1e-9)
	assert.InDelta(t, 120, schema.AggregatePrice([]float64{10, 20, 30}), 1e-9)
}

func TestCheckPayment(t *testing.T) {
	assert.NoError(t, CheckPayment(5, 5))
	assert.NoError(t, CheckPayment(5, 6))

	err := CheckPayment(5, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaymentInsufficient)

	var insufficient *InsufficientPaymentError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, float64(5), insufficient.Required)
	assert.Equal(t, float64(4), insufficient.Offered)
}

func TestScalingJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Scaling
	}{
		{"none", `"None"`, NoScaling()},
		{
			"linear",
			`{"Linear": {"slope": 0.5, "intercept": 1.0, "min_factor": 1.0}}`,
			LinearScaling(0.5, 1, 1),
		},
		{
			"exponential",
			`{"Exponential": {"base": 2.0, "scale": 1.0, "min_factor": 1.0}}`,
			ExponentialScaling(2, 1, 1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Scaling
			require.NoError(t, json.Unmarshal([]byte(tt.in), &s))
			assert.Equal(t, tt.want, s)

			out, err := json.Marshal(s)
			require.NoError(t, err)
			var s2 Scaling
			require.NoError(t, json.Unmarshal(out, &s2))
			assert.Equal(t, s, s2)
		})
	}
}
