// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transform

import (
	"encoding/json"
	"fmt"
	"math"
)

// valueKind discriminates Value. The zero value is invalid so an
// uninitialized Value is never mistaken for the number 0.
type valueKind uint8

const (
	valueInvalid valueKind = iota
	valueNumber
	valueString
	valueBool
)

// Value is a runtime value: float64, string, or bool, following JSON
// number/string/boolean conventions.
type Value struct {
	Num  float64
	Str  string
	Bool bool
	kind valueKind
}

// NumberValue wraps a float64.
func NumberValue(n float64) Value { return Value{Num: n, kind: valueNumber} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{Str: s, kind: valueString} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{Bool: b, kind: valueBool} }

// ValueFromJSON decodes a stored atom value into a runtime value.
// Only numbers, strings, and booleans are representable.
func ValueFromJSON(raw json.RawMessage) (Value, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Value{}, fmt.Errorf("decoding input value: %w", err)
	}
	switch v := decoded.(type) {
	case float64:
		return NumberValue(v), nil
	case string:
		return StringValue(v), nil
	case bool:
		return BoolValue(v), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported value type %T", ErrTypeMismatch, decoded)
	}
}

// JSON encodes the value for storage.
func (v Value) JSON() (json.RawMessage, error) {
	switch v.kind {
	case valueNumber:
		return json.Marshal(v.Num)
	case valueString:
		return json.Marshal(v.Str)
	case valueBool:
		return json.Marshal(v.Bool)
	default:
		return nil, fmt.Errorf("%w: uninitialized value", ErrTypeMismatch)
	}
}

// IsNumber reports whether the value holds a float64.
func (v Value) IsNumber() bool { return v.kind == valueNumber }

// Equal compares two values. Mismatched kinds are unequal, not an
// error, so "a == 3" is just false when a is a string.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case valueNumber:
		return v.Num == o.Num
	case valueString:
		return v.Str == o.Str
	case valueBool:
		return v.Bool == o.Bool
	}
	return false
}

func (v Value) kindName() string {
	switch v.kind {
	case valueNumber:
		return "number"
	case valueString:
		return "string"
	case valueBool:
		return "boolean"
	}
	return "unknown"
}

// Resolver supplies the current value of a field reference during
// evaluation. refs use the same spelling as the DSL source: "field"
// or "Schema.field".
type Resolver func(ref string) (Value, error)

// Eval runs the program against a resolver.
func (p *Program) Eval(resolve Resolver) (Value, error) {
	return p.eval(p.Root, resolve)
}

func (p *Program) eval(idx int, resolve Resolver) (Value, error) {
	n := &p.Nodes[idx]
	switch n.Kind {
	case NodeNumber:
		return NumberValue(n.Num), nil
	case NodeString:
		return StringValue(n.Str), nil
	case NodeBool:
		return BoolValue(n.Bool), nil
	case NodeRef:
		return resolve(n.Str)
	case NodeUnary:
		return p.evalUnary(n, resolve)
	case NodeBinary:
		return p.evalBinary(n, resolve)
	case NodeCond:
		cond, err := p.eval(n.A, resolve)
		if err != nil {
			return Value{}, err
		}
		if cond.kind != valueBool {
			return Value{}, fmt.Errorf("%w: condition is %s, want boolean", ErrTypeMismatch, cond.kindName())
		}
		if cond.Bool {
			return p.eval(n.B, resolve)
		}
		return p.eval(n.C, resolve)
	case NodeCall:
		return p.evalCall(n, resolve)
	default:
		return Value{}, fmt.Errorf("%w: corrupt program node", ErrTypeMismatch)
	}
}

func (p *Program) evalUnary(n *Node, resolve Resolver) (Value, error) {
	operand, err := p.eval(n.A, resolve)
	if err != nil {
		return Value{}, err
	}
	switch n.Op {
	case "-":
		if !operand.IsNumber() {
			return Value{}, fmt.Errorf("%w: negating %s", ErrTypeMismatch, operand.kindName())
		}
		return NumberValue(-operand.Num), nil
	case "!":
		if operand.kind != valueBool {
			return Value{}, fmt.Errorf("%w: ! applied to %s", ErrTypeMismatch, operand.kindName())
		}
		return BoolValue(!operand.Bool), nil
	}
	return Value{}, fmt.Errorf("%w: unknown unary operator %q", ErrTypeMismatch, n.Op)
}

func (p *Program) evalBinary(n *Node, resolve Resolver) (Value, error) {
	// && and || short-circuit, so the right side is only evaluated
	// when it can affect the result.
	if n.Op == "&&" || n.Op == "||" {
		left, err := p.eval(n.A, resolve)
		if err != nil {
			return Value{}, err
		}
		if left.kind != valueBool {
			return Value{}, fmt.Errorf("%w: %s operand is %s, want boolean", ErrTypeMismatch, n.Op, left.kindName())
		}
		if (n.Op == "&&" && !left.Bool) || (n.Op == "||" && left.Bool) {
			return left, nil
		}
		right, err := p.eval(n.B, resolve)
		if err != nil {
			return Value{}, err
		}
		if right.kind != valueBool {
			return Value{}, fmt.Errorf("%w: %s operand is %s, want boolean", ErrTypeMismatch, n.Op, right.kindName())
		}
		return right, nil
	}

	left, err := p.eval(n.A, resolve)
	if err != nil {
		return Value{}, err
	}
	right, err := p.eval(n.B, resolve)
	if err != nil {
		return Value{}, err
	}

	switch n.Op {
	case "==":
		return BoolValue(left.Equal(right)), nil
	case "!=":
		return BoolValue(!left.Equal(right)), nil
	case "+":
		// + doubles as string concatenation, following the usual
		// scripting convention.
		if left.kind == valueString && right.kind == valueString {
			return StringValue(left.Str + right.Str), nil
		}
	}

	if !left.IsNumber() || !right.IsNumber() {
		return Value{}, fmt.Errorf("%w: %s applied to %s and %s",
			ErrTypeMismatch, n.Op, left.kindName(), right.kindName())
	}

	switch n.Op {
	case "+":
		return NumberValue(left.Num + right.Num), nil
	case "-":
		return NumberValue(left.Num - right.Num), nil
	case "*":
		return NumberValue(left.Num * right.Num), nil
	case "/":
		if right.Num == 0 {
			return Value{}, ErrDivisionByZero
		}
		return NumberValue(left.Num / right.Num), nil
	case "%":
		if right.Num == 0 {
			return Value{}, ErrDivisionByZero
		}
		return NumberValue(math.Mod(left.Num, right.Num)), nil
	case "<":
		return BoolValue(left.Num < right.Num), nil
	case "<=":
		return BoolValue(left.Num <= right.Num), nil
	case ">":
		return BoolValue(left.Num > right.Num), nil
	case ">=":
		return BoolValue(left.Num >= right.Num), nil
	}
	return Value{}, fmt.Errorf("%w: unknown operator %q", ErrTypeMismatch, n.Op)
}

func (p *Program) evalCall(n *Node, resolve Resolver) (Value, error) {
	args := make([]Value, len(n.Args))
	for i, argIdx := range n.Args {
		v, err := p.eval(argIdx, resolve)
		if err != nil {
			return Value{}, err
		}
		args[i] = v
	}

	if n.Str == "len" {
		if args[0].kind != valueString {
			return Value{}, fmt.Errorf("%w: len applied to %s", ErrTypeMismatch, args[0].kindName())
		}
		return NumberValue(float64(len(args[0].Str))), nil
	}

	for _, arg := range args {
		if !arg.IsNumber() {
			return Value{}, fmt.Errorf("%w: %s applied to %s", ErrTypeMismatch, n.Str, arg.kindName())
		}
	}

	switch n.Str {
	case "min":
		out := args[0].Num
		for _, arg := range args[1:] {
			out = math.Min(out, arg.Num)
		}
		return NumberValue(out), nil
	case "max":
		out := args[0].Num
		for _, arg := range args[1:] {
			out = math.Max(out, arg.Num)
		}
		return NumberValue(out), nil
	case "abs":
		return NumberValue(math.Abs(args[0].Num)), nil
	case "floor":
		return NumberValue(math.Floor(args[0].Num)), nil
	case "ceil":
		return NumberValue(math.Ceil(args[0].Num)), nil
	case "round":
		return NumberValue(math.Round(args[0].Num)), nil
	}
	return Value{}, fmt.Errorf("%w: unknown function %q", ErrTypeMismatch, n.Str)
}
