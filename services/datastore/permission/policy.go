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
)

// PolicyKind discriminates the permission policy variants.
type PolicyKind string

const (
	// PolicyNoRequirement always allows.
	PolicyNoRequirement PolicyKind = "no_requirement"

	// PolicyDistance allows iff the requester's trust distance is at
	// most the configured threshold.
	PolicyDistance PolicyKind = "distance"

	// PolicyExplicit grants per-identity overrides, checked before the
	// distance rule.
	PolicyExplicit PolicyKind = "explicit"
)

// Policy is a tagged union of the permission policy variants.
//
// JSON form follows the schema document format:
//
//	"NoRequirement"
//	{"Distance": 1}
//	{"Explicit": {"counts": {"alice": 5}, "fallback_distance": 2}}
type Policy struct {
	Kind PolicyKind

	// Distance is the threshold for PolicyDistance, and the fallback
	// threshold for PolicyExplicit requesters without an entry.
	Distance uint32

	// Counts maps identities to explicit access grants. An identity
	// with an entry is allowed regardless of distance; the grant count
	// is advisory metadata for the caller's accounting.
	Counts map[string]uint32
}

// NoRequirement returns the always-allow policy.
func NoRequirement() Policy {
	return Policy{Kind: PolicyNoRequirement}
}

// Distance returns a trust-distance threshold policy.
func Distance(n uint32) Policy {
	return Policy{Kind: PolicyDistance, Distance: n}
}

// Explicit returns a per-identity override policy with a distance
// fallback for identities not listed.
func Explicit(counts map[string]uint32, fallbackDistance uint32) Policy {
	return Policy{Kind: PolicyExplicit, Counts: counts, Distance: fallbackDistance}
}

// Validate checks the policy is well-formed.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyNoRequirement, PolicyDistance:
		return nil
	case PolicyExplicit:
		if p.Counts == nil {
			return fmt.Errorf("%w: explicit policy requires a counts map", ErrMalformedPolicy)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown policy kind %q", ErrMalformedPolicy, p.Kind)
	}
}

// Evaluate decides whether a requester may proceed under this policy.
//
// Description:
//
//	The explicit rule wins when the requester's identity has an entry.
//	Otherwise the requester's trust distance is compared against the
//	threshold. Denials carry the required and actual distances.
//
// Inputs:
//
//	trustDistance - Hop count between requester and resource owner,
//	computed externally.
//	identity - The requester's identity string.
//
// Outputs:
//
//	error - nil when allowed; *DeniedError otherwise.
func (p Policy) Evaluate(trustDistance uint32, identity string) error {
	switch p.Kind {
	case PolicyNoRequirement:
		return nil
	case PolicyDistance:
		if trustDistance <= p.Distance {
			return nil
		}
		return &DeniedError{Required: p.Distance, Actual: trustDistance}
	case PolicyExplicit:
		if _, ok := p.Counts[identity]; ok {
			return nil
		}
		if trustDistance <= p.Distance {
			return nil
		}
		return &DeniedError{Required: p.Distance, Actual: trustDistance}
	default:
		return fmt.Errorf("%w: unknown policy kind %q", ErrMalformedPolicy, p.Kind)
	}
}

// policyJSON is the object form of the Policy wire format.
type policyJSON struct {
	Distance *uint32 `json:"Distance,omitempty"`
	Explicit *struct {
		Counts           map[string]uint32 `json:"counts"`
		FallbackDistance uint32            `json:"fallback_distance"`
	} `json:"Explicit,omitempty"`
}

// MarshalJSON encodes the policy in schema document form.
func (p Policy) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case PolicyNoRequirement:
		return json.Marshal("NoRequirement")
	case PolicyDistance:
		d := p.Distance
		return json.Marshal(policyJSON{Distance: &d})
	case PolicyExplicit:
		var obj policyJSON
		obj.Explicit = &struct {
			Counts           map[string]uint32 `json:"counts"`
			FallbackDistance uint32            `json:"fallback_distance"`
		}{Counts: p.Counts, FallbackDistance: p.Distance}
		return json.Marshal(obj)
	default:
		return nil, fmt.Errorf("%w: unknown policy kind %q", ErrMalformedPolicy, p.Kind)
	}
}

// UnmarshalJSON decodes the schema document form.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "NoRequirement" {
			return fmt.Errorf("%w: unknown policy %q", ErrMalformedPolicy, s)
		}
		*p = NoRequirement()
		return nil
	}

	var obj policyJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPolicy, err)
	}

	switch {
	case obj.Distance != nil && obj.Explicit != nil:
		return fmt.Errorf("%w: policy cannot be both Distance and Explicit", ErrMalformedPolicy)
	case obj.Distance != nil:
		*p = Distance(*obj.Distance)
	case obj.Explicit != nil:
		*p = Explicit(obj.Explicit.Counts, obj.Explicit.FallbackDistance)
	default:
		return fmt.Errorf("%w: empty policy object", ErrMalformedPolicy)
	}
	return nil
}
