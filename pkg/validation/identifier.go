// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for identifiers
// that end up in storage keys.
//
// Schema names, field names, and range keys are embedded verbatim into
// key-value store keys (e.g. "schema:{name}", "ref:{uuid}:{range_key}").
// Validating them up front prevents key-injection and keeps keys parseable.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern matches valid schema and field names.
// Allows: letters, digits, underscores; must start with a letter.
// Max length: 64 characters.
var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// rangeKeyPattern matches valid range keys.
// Range keys may carry a namespace separator (":") for prefix queries,
// e.g. "warehouse:north". Each segment follows identifier-ish rules but
// also permits hyphens and dots.
var rangeKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*(:[A-Za-z0-9][A-Za-z0-9_.\-]*)*$`)

// ValidateIdentifier validates a schema or field name.
//
// Valid identifiers:
//   - 1-64 characters
//   - Letters, digits, underscores
//   - First character must be a letter
//
// Returns an error if the identifier is invalid.
//
// Example:
//
//	if err := validation.ValidateIdentifier(fieldName); err != nil {
//	    return fmt.Errorf("invalid field name: %w", err)
//	}
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier: %q (must be 1-64 chars, letters/digits/underscores, starting with a letter)", name)
	}

	return nil
}

// ValidateRangeKey validates a range key used in keyed storage lookups.
//
// Range keys allow colon-separated segments so that prefix filters like
// "warehouse:" remain meaningful, e.g. "warehouse:north", "store:downtown".
func ValidateRangeKey(key string) error {
	if key == "" {
		return fmt.Errorf("range key cannot be empty")
	}

	if len(key) > 256 {
		return fmt.Errorf("range key too long: %d chars (max 256)", len(key))
	}

	if !rangeKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid range key: %q", key)
	}

	return nil
}

// ValidateFieldRef validates a transform input reference.
//
// A field reference is either a bare field name ("amount") or a
// schema-qualified name ("Inventory.amount").
func ValidateFieldRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("field reference cannot be empty")
	}

	parts := strings.Split(ref, ".")
	if len(parts) > 2 {
		return fmt.Errorf("invalid field reference: %q (expected \"field\" or \"Schema.field\")", ref)
	}

	for _, part := range parts {
		if err := ValidateIdentifier(part); err != nil {
			return fmt.Errorf("invalid field reference %q: %w", ref, err)
		}
	}

	return nil
}
