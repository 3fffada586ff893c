// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package permission

import (
	"encoding/json"
	"fmt"
	"math"
)

// ScalingKind discriminates the payment scaling variants.
type ScalingKind string

const (
	// ScalingNone applies a constant factor of 1.
	ScalingNone ScalingKind = "none"

	// ScalingLinear applies max(MinFactor, Slope·distance + Intercept).
	ScalingLinear ScalingKind = "linear"

	// ScalingExponential applies max(MinFactor, Scale·Base^distance).
	ScalingExponential ScalingKind = "exponential"
)

// Scaling is a tagged union of trust-distance scaling functions.
//
// JSON form follows the schema document format:
//
//	"None"
//	{"Linear": {"slope": 0.5, "intercept": 1.0, "min_factor": 1.0}}
//	{"Exponential": {"base": 2.0, "scale": 1.0, "min_factor": 1.0}}
//
// A well-formed scaling is non-decreasing in distance: Linear requires
// Slope >= 0, Exponential requires Base >= 1 and Scale >= 0.
type Scaling struct {
	Kind ScalingKind

	// Linear parameters.
	Slope     float64
	Intercept float64

	// Exponential parameters.
	Base  float64
	Scale float64

	// MinFactor floors the factor for both Linear and Exponential.
	MinFactor float64
}

// NoScaling returns the constant-factor scaling.
func NoScaling() Scaling {
	return Scaling{Kind: ScalingNone}
}

// LinearScaling returns a linear scaling function.
func LinearScaling(slope, intercept, minFactor float64) Scaling {
	return Scaling{Kind: ScalingLinear, Slope: slope, Intercept: intercept, MinFactor: minFactor}
}

// ExponentialScaling returns an exponential scaling function.
func ExponentialScaling(base, scale, minFactor float64) Scaling {
	return Scaling{Kind: ScalingExponential, Base: base, Scale: scale, MinFactor: minFactor}
}

// Validate checks the configuration is well-formed, which in particular
// guarantees Factor is non-decreasing in distance.
func (s Scaling) Validate() error {
	switch s.Kind {
	case ScalingNone:
		return nil
	case ScalingLinear:
		if s.Slope < 0 {
			return fmt.Errorf("%w: linear slope must be non-negative, got %v", ErrMalformedPolicy, s.Slope)
		}
		if s.MinFactor < 0 {
			return fmt.Errorf("%w: min_factor must be non-negative, got %v", ErrMalformedPolicy, s.MinFactor)
		}
		return nil
	case ScalingExponential:
		if s.Base < 1 {
			return fmt.Errorf("%w: exponential base must be >= 1, got %v", ErrMalformedPolicy, s.Base)
		}
		if s.Scale < 0 {
			return fmt.Errorf("%w: exponential scale must be non-negative, got %v", ErrMalformedPolicy, s.Scale)
		}
		if s.MinFactor < 0 {
			return fmt.Errorf("%w: min_factor must be non-negative, got %v", ErrMalformedPolicy, s.MinFactor)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown scaling kind %q", ErrMalformedPolicy, s.Kind)
	}
}

// Factor computes the scaling factor for a trust distance.
func (s Scaling) Factor(distance uint32) float64 {
	switch s.Kind {
	case ScalingNone:
		return 1
	case ScalingLinear:
		return math.Max(s.MinFactor, s.Slope*float64(distance)+s.Intercept)
	case ScalingExponential:
		return math.Max(s.MinFactor, s.Scale*math.Pow(s.Base, float64(distance)))
	default:
		return 1
	}
}

// scalingJSON is the object form of the Scaling wire format.
type scalingJSON struct {
	Linear *struct {
		Slope     float64 `json:"slope"`
		Intercept float64 `json:"intercept"`
		MinFactor float64 `json:"min_factor"`
	} `json:"Linear,omitempty"`
	Exponential *struct {
		Base      float64 `json:"base"`
		Scale     float64 `json:"scale"`
		MinFactor float64 `json:"min_factor"`
	} `json:"Exponential,omitempty"`
}

// MarshalJSON encodes the scaling in schema document form.
func (s Scaling) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case ScalingNone:
		return json.Marshal("None")
	case ScalingLinear:
		var obj scalingJSON
		obj.Linear = &struct {
			Slope     float64 `json:"slope"`
			Intercept float64 `json:"intercept"`
			MinFactor float64 `json:"min_factor"`
		}{s.Slope, s.Intercept, s.MinFactor}
		return json.Marshal(obj)
	case ScalingExponential:
		var obj scalingJSON
		obj.Exponential = &struct {
			Base      float64 `json:"base"`
			Scale     float64 `json:"scale"`
			MinFactor float64 `json:"min_factor"`
		}{s.Base, s.Scale, s.MinFactor}
		return json.Marshal(obj)
	default:
		return nil, fmt.Errorf("%w: unknown scaling kind %q", ErrMalformedPolicy, s.Kind)
	}
}

// UnmarshalJSON decodes the schema document form.
func (s *Scaling) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if str != "None" {
			return fmt.Errorf("%w: unknown scaling %q", ErrMalformedPolicy, str)
		}
		*s = NoScaling()
		return nil
	}

	var obj scalingJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPolicy, err)
	}

	switch {
	case obj.Linear != nil && obj.Exponential != nil:
		return fmt.Errorf("%w: scaling cannot be both Linear and Exponential", ErrMalformedPolicy)
	case obj.Linear != nil:
		*s = LinearScaling(obj.Linear.Slope, obj.Linear.Intercept, obj.Linear.MinFactor)
	case obj.Exponential != nil:
		*s = ExponentialScaling(obj.Exponential.Base, obj.Exponential.Scale, obj.Exponential.MinFactor)
	default:
		return fmt.Errorf("%w: empty scaling object", ErrMalformedPolicy)
	}
	return nil
}

// FieldPayment is the per-field pricing configuration.
type FieldPayment struct {
	// BaseMultiplier is the field's base price.
	BaseMultiplier float64 `json:"base_multiplier" validate:"gte=0"`

	// Scaling scales the base price with trust distance.
	Scaling Scaling `json:"trust_distance_scaling"`

	// MinPayment, when set, floors the field's price.
	MinPayment *float64 `json:"min_payment,omitempty"`
}

// Price computes the per-field price for a trust distance:
// max(MinPayment, BaseMultiplier·factor) when MinPayment is set, else
// BaseMultiplier·factor.
func (p FieldPayment) Price(distance uint32) float64 {
	price := p.BaseMultiplier * p.Scaling.Factor(distance)
	if p.MinPayment != nil {
		return math.Max(*p.MinPayment, price)
	}
	return price
}

// SchemaPayment is the schema-level pricing configuration.
type SchemaPayment struct {
	// BaseMultiplier scales every field price of the schema.
	BaseMultiplier float64 `json:"base_multiplier" validate:"gte=0"`

	// MinPaymentThreshold, when set, floors the aggregate price of a
	// multi-field mutation.
	MinPaymentThreshold *float64 `json:"min_payment_threshold,omitempty"`
}

// AggregatePrice combines per-field prices for one mutation request.
//
// Per-field prices are scaled by the schema's base multiplier and
// SUMMED; the schema-level min payment threshold is then applied as a
// floor on the aggregate. (Summation is a deliberate choice; see
// DESIGN.md.)
func (p SchemaPayment) AggregatePrice(fieldPrices []float64) float64 {
	var total float64
	for _, fp := range fieldPrices {
		total += p.BaseMultiplier * fp
	}
	if p.MinPaymentThreshold != nil {
		return math.Max(*p.MinPaymentThreshold, total)
	}
	return total
}

// CheckPayment verifies the offer covers the price.
//
// Outputs:
//
//	error - nil when offered >= required; *InsufficientPaymentError
//	otherwise. Returned synchronously with no side effect, so mutation
//	paths can abort before any atom is written.
func CheckPayment(required, offered float64) error {
	if offered >= required {
		return nil
	}
	return &InsufficientPaymentError{Required: required, Offered: offered}
}
