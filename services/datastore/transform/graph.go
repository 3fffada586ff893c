// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transform

import (
	"fmt"
	"sort"
	"strings"
)

// FieldKey identifies one field of one schema.
type FieldKey struct {
	Schema string
	Field  string
}

// String renders the key as "Schema.field".
func (k FieldKey) String() string {
	return k.Schema + "." + k.Field
}

// ParseFieldKey splits a "Schema.field" spelling. A bare field name
// is resolved against defaultSchema.
func ParseFieldKey(ref, defaultSchema string) FieldKey {
	if schema, field, ok := strings.Cut(ref, "."); ok {
		return FieldKey{Schema: schema, Field: field}
	}
	return FieldKey{Schema: defaultSchema, Field: ref}
}

// depGraph tracks which computed fields consume which fields. Edges
// run input -> output: a write to the edge's source may re-derive the
// edge's target.
type depGraph struct {
	// inputs maps a computed field to the fields its expression reads.
	inputs map[FieldKey][]FieldKey

	// dependents is the reverse index: field -> computed fields that
	// read it.
	dependents map[FieldKey][]FieldKey
}

func newDepGraph() *depGraph {
	return &depGraph{
		inputs:     make(map[FieldKey][]FieldKey),
		dependents: make(map[FieldKey][]FieldKey),
	}
}

// addField registers a computed field and its inputs, replacing any
// previous registration for the same output.
func (g *depGraph) addField(output FieldKey, inputs []FieldKey) {
	g.removeField(output)
	g.inputs[output] = append([]FieldKey(nil), inputs...)
	for _, in := range inputs {
		g.dependents[in] = append(g.dependents[in], output)
	}
}

// removeField drops a computed field and its reverse-index entries.
func (g *depGraph) removeField(output FieldKey) {
	old, ok := g.inputs[output]
	if !ok {
		return
	}
	delete(g.inputs, output)
	for _, in := range old {
		deps := g.dependents[in]
		for i, d := range deps {
			if d == output {
				g.dependents[in] = append(deps[:i], deps[i+1:]...)
				break
			}
		}
		if len(g.dependents[in]) == 0 {
			delete(g.dependents, in)
		}
	}
}

// dependentsOf returns the computed fields that read the given field,
// in deterministic order.
func (g *depGraph) dependentsOf(key FieldKey) []FieldKey {
	deps := append([]FieldKey(nil), g.dependents[key]...)
	sort.Slice(deps, func(i, j int) bool {
		return deps[i].String() < deps[j].String()
	})
	return deps
}

// checkAcyclic walks the graph from every computed field and returns
// ErrCyclicDependency naming the cycle if one exists. extra lets a
// caller test fields not yet committed to the graph.
func (g *depGraph) checkAcyclic(extra map[FieldKey][]FieldKey) error {
	inputsOf := func(key FieldKey) []FieldKey {
		if in, ok := extra[key]; ok {
			return in
		}
		return g.inputs[key]
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[FieldKey]int)

	var stack []FieldKey
	var visit func(key FieldKey) error
	visit = func(key FieldKey) error {
		switch state[key] {
		case done:
			return nil
		case visiting:
			// Trim the stack back to the first occurrence so the
			// reported cycle contains only its own members.
			start := 0
			for i, k := range stack {
				if k == key {
					start = i
					break
				}
			}
			names := make([]string, 0, len(stack)-start+1)
			for _, k := range stack[start:] {
				names = append(names, k.String())
			}
			names = append(names, key.String())
			return fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(names, " -> "))
		}
		state[key] = visiting
		stack = append(stack, key)
		for _, in := range inputsOf(key) {
			if err := visit(in); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[key] = done
		return nil
	}

	roots := make([]FieldKey, 0, len(g.inputs)+len(extra))
	for key := range g.inputs {
		roots = append(roots, key)
	}
	for key := range extra {
		if _, exists := g.inputs[key]; !exists {
			roots = append(roots, key)
		}
	}
	sort.Slice(roots, func(i, j int) bool {
		return roots[i].String() < roots[j].String()
	})
	for _, key := range roots {
		if err := visit(key); err != nil {
			return err
		}
	}
	return nil
}

// stages topologically layers the given computed fields: every field
// in stage n depends only on raw fields and on computed fields in
// earlier stages. Fields in the same stage are independent and safe
// to run concurrently. The graph must already be acyclic.
func (g *depGraph) stages(fields []FieldKey) [][]FieldKey {
	pending := make(map[FieldKey]struct{}, len(fields))
	for _, key := range fields {
		pending[key] = struct{}{}
	}

	var out [][]FieldKey
	for len(pending) > 0 {
		var ready []FieldKey
		for key := range pending {
			blocked := false
			for _, in := range g.inputs[key] {
				if _, waiting := pending[in]; waiting {
					blocked = true
					break
				}
			}
			if !blocked {
				ready = append(ready, key)
			}
		}
		if len(ready) == 0 {
			// Only reachable if a cycle slipped past registration;
			// bail instead of spinning.
			break
		}
		sort.Slice(ready, func(i, j int) bool {
			return ready[i].String() < ready[j].String()
		})
		for _, key := range ready {
			delete(pending, key)
		}
		out = append(out, ready)
	}
	return out
}
