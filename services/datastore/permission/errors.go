// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package permission implements the trust-distance permission policy and
// payment-scaling evaluator.
//
// Everything in this package is a pure function of its inputs: policies
// and payment configurations come from schema field definitions, the
// requester's trust distance and identity come from the caller. Nothing
// here reads or writes storage, which is what lets mutation paths check
// permission and price before any atom is written.
package permission

import (
	"errors"
	"fmt"
)

// Sentinel errors, matchable with errors.Is. The typed errors below
// wrap these and carry the decision details.
var (
	// ErrPermissionDenied is returned when a policy rejects a requester.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrPaymentInsufficient is returned when the offered payment does
	// not cover the computed price.
	ErrPaymentInsufficient = errors.New("payment insufficient")

	// ErrMalformedPolicy is returned for policies or scaling configs
	// that fail validation.
	ErrMalformedPolicy = errors.New("malformed policy")
)

// DeniedError carries the distance threshold that was required and the
// requester's actual distance.
type DeniedError struct {
	Required uint32
	Actual   uint32
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied: trust distance %d exceeds required %d", e.Actual, e.Required)
}

func (e *DeniedError) Unwrap() error {
	return ErrPermissionDenied
}

// InsufficientPaymentError carries the computed price and the offer.
type InsufficientPaymentError struct {
	Required float64
	Offered  float64
}

func (e *InsufficientPaymentError) Error() string {
	return fmt.Sprintf("payment insufficient: offered %.4f, required %.4f", e.Offered, e.Required)
}

func (e *InsufficientPaymentError) Unwrap() error {
	return ErrPaymentInsufficient
}
