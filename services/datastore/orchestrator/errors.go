// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import "errors"

// Sentinel errors for the orchestrator. Lifecycle, permission,
// payment, and storage failures surface the underlying package's
// sentinels unchanged; these cover only the orchestrator's own gates.
var (
	// ErrNilDependency is returned by New when a required component
	// is missing.
	ErrNilDependency = errors.New("orchestrator requires registry, store, and engine")

	// ErrWrongFieldShape is returned when an operation targets a
	// field whose storage shape does not support it.
	ErrWrongFieldShape = errors.New("operation does not match field shape")

	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid request")
)
