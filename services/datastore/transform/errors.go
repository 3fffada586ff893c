// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transform implements the computed-field engine: DSL
// compilation, the field dependency graph, the execution queue, and
// transform execution.
//
// # Pipeline
//
// A transform is declared on a schema field as DSL source plus explicit
// input field references. Registration compiles the source into an
// arena AST and inserts the field into the dependency graph, rejecting
// cycles. A write to any input field enqueues the dependent computed
// fields; draining the queue executes transforms in dependency order,
// producers before consumers, with independent fields running
// concurrently.
//
// # Failure isolation
//
// A failing transform leaves its output field unchanged (stale, not
// corrupted), records a per-field error, and does not disturb sibling
// queue items. There is no automatic retry; re-execution requires an
// explicit re-enqueue.
package transform

import (
	"errors"
	"fmt"
)

// Sentinel errors for the transform engine.
var (
	// ErrParse is wrapped by ParseError for malformed DSL source.
	ErrParse = errors.New("transform parse error")

	// ErrCyclicDependency is returned when registering a transform
	// would create a dependency cycle.
	ErrCyclicDependency = errors.New("cyclic transform dependency")

	// ErrUnknownInput is returned when a transform references an input
	// that is not declared or cannot be resolved.
	ErrUnknownInput = errors.New("unknown transform input")

	// ErrTypeMismatch is returned when evaluation combines incompatible
	// value types.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrDivisionByZero is returned for division or modulo by zero.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrNotComputed is returned when an operation expects a computed
	// field and finds a plain one.
	ErrNotComputed = errors.New("field has no transform")

	// ErrUnsupportedFieldType is returned when a transform input or
	// output is not a Single field.
	ErrUnsupportedFieldType = errors.New("transform fields must be Single")
)

// ParseError reports malformed DSL source with a byte position.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Pos, e.Msg)
}

func (e *ParseError) Unwrap() error {
	return ErrParse
}

// ExecutionError records a failed transform execution for one field.
type ExecutionError struct {
	Schema string
	Field  string
	Cause  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("transform %s.%s failed: %v", e.Schema, e.Field, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}
