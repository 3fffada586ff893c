// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transform

// NodeKind classifies AST nodes.
type NodeKind uint8

const (
	// NodeNumber is a numeric literal (Num).
	NodeNumber NodeKind = iota

	// NodeString is a string literal (Str).
	NodeString

	// NodeBool is a boolean literal (Bool).
	NodeBool

	// NodeRef is a field reference (Str holds "field" or "Schema.field").
	NodeRef

	// NodeUnary is a prefix operation (Op, child A).
	NodeUnary

	// NodeBinary is an infix operation (Op, children A and B).
	NodeBinary

	// NodeCond is a conditional: A ? B : C.
	NodeCond

	// NodeCall is a builtin call (Str holds the name, Args the children).
	NodeCall
)

// noChild marks an unused child slot.
const noChild = -1

// Node is one arena slot of a compiled program.
//
// Children are arena indices rather than pointers: the arena has no
// ownership cycles and serializes as a flat slice.
type Node struct {
	Kind NodeKind `json:"kind"`
	Num  float64  `json:"num,omitempty"`
	Str  string   `json:"str,omitempty"`
	Bool bool     `json:"bool,omitempty"`
	Op   string   `json:"op,omitempty"`
	A    int      `json:"a"`
	B    int      `json:"b"`
	C    int      `json:"c"`
	Args []int    `json:"args,omitempty"`
}

// Program is a compiled transform expression: an arena of nodes plus
// the root index.
type Program struct {
	Nodes []Node `json:"nodes"`
	Root  int    `json:"root"`
}

// add appends a node and returns its index.
func (p *Program) add(n Node) int {
	p.Nodes = append(p.Nodes, n)
	return len(p.Nodes) - 1
}

// Refs returns every field reference in the program, in first-use
// order without duplicates.
func (p *Program) Refs() []string {
	seen := make(map[string]struct{})
	var refs []string

	var walk func(idx int)
	walk = func(idx int) {
		if idx == noChild {
			return
		}
		n := &p.Nodes[idx]
		switch n.Kind {
		case NodeRef:
			if _, ok := seen[n.Str]; !ok {
				seen[n.Str] = struct{}{}
				refs = append(refs, n.Str)
			}
		case NodeUnary:
			walk(n.A)
		case NodeBinary:
			walk(n.A)
			walk(n.B)
		case NodeCond:
			walk(n.A)
			walk(n.B)
			walk(n.C)
		case NodeCall:
			for _, arg := range n.Args {
				walk(arg)
			}
		}
	}
	walk(p.Root)
	return refs
}
