// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transform

import (
	"fmt"
	"strconv"
)

// builtins maps builtin names to their accepted arity. A value of -1
// means variadic with at least one argument.
var builtins = map[string]int{
	"min":   -1,
	"max":   -1,
	"abs":   1,
	"floor": 1,
	"ceil":  1,
	"round": 1,
	"len":   1,
}

// binding powers, lowest first. The conditional operator sits below
// everything so "a > b ? x : y" parses as "(a > b) ? x : y".
const (
	precNone = iota
	precCond
	precOr
	precAnd
	precEquality
	precCompare
	precAdditive
	precMultiplicative
	precUnary
)

func binaryPrec(op string) int {
	switch op {
	case "||":
		return precOr
	case "&&":
		return precAnd
	case "==", "!=":
		return precEquality
	case "<", "<=", ">", ">=":
		return precCompare
	case "+", "-":
		return precAdditive
	case "*", "/", "%":
		return precMultiplicative
	default:
		return precNone
	}
}

// Compile parses DSL source into an arena program. Errors wrap
// ErrParse and carry the byte offset of the failure.
func Compile(src string) (*Program, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens, prog: &Program{}}
	root, err := p.parseExpr(precCond)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected trailing input %q", tok.text)}
	}
	p.prog.Root = root
	return p.prog, nil
}

type parser struct {
	tokens []token
	pos    int
	prog   *Program
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expectOp(op string) error {
	tok := p.next()
	if tok.kind != tokenOp || tok.text != op {
		return &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("expected %q, found %q", op, tok.text)}
	}
	return nil
}

// parseExpr is a precedence-climbing loop: parse one operand, then
// fold in binary operators at or above minPrec.
func (p *parser) parseExpr(minPrec int) (int, error) {
	left, err := p.parseUnary()
	if err != nil {
		return noChild, err
	}

	for {
		tok := p.peek()
		if tok.kind != tokenOp {
			return left, nil
		}

		if tok.text == "?" && minPrec <= precCond {
			p.next()
			thenIdx, err := p.parseExpr(precCond)
			if err != nil {
				return noChild, err
			}
			if err := p.expectOp(":"); err != nil {
				return noChild, err
			}
			elseIdx, err := p.parseExpr(precCond)
			if err != nil {
				return noChild, err
			}
			left = p.prog.add(Node{Kind: NodeCond, A: left, B: thenIdx, C: elseIdx})
			continue
		}

		prec := binaryPrec(tok.text)
		if prec == precNone || prec < minPrec {
			return left, nil
		}
		p.next()

		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return noChild, err
		}
		left = p.prog.add(Node{Kind: NodeBinary, Op: tok.text, A: left, B: right, C: noChild})
	}
}

func (p *parser) parseUnary() (int, error) {
	tok := p.peek()
	if tok.kind == tokenOp && (tok.text == "-" || tok.text == "!") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return noChild, err
		}
		return p.prog.add(Node{Kind: NodeUnary, Op: tok.text, A: operand, B: noChild, C: noChild}), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (int, error) {
	tok := p.next()

	switch tok.kind {
	case tokenNumber:
		num, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return noChild, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("bad number %q", tok.text)}
		}
		return p.prog.add(Node{Kind: NodeNumber, Num: num, A: noChild, B: noChild, C: noChild}), nil

	case tokenString:
		return p.prog.add(Node{Kind: NodeString, Str: tok.text, A: noChild, B: noChild, C: noChild}), nil

	case tokenIdent:
		switch tok.text {
		case "true":
			return p.prog.add(Node{Kind: NodeBool, Bool: true, A: noChild, B: noChild, C: noChild}), nil
		case "false":
			return p.prog.add(Node{Kind: NodeBool, A: noChild, B: noChild, C: noChild}), nil
		}
		if next := p.peek(); next.kind == tokenOp && next.text == "(" {
			return p.parseCall(tok)
		}
		return p.prog.add(Node{Kind: NodeRef, Str: tok.text, A: noChild, B: noChild, C: noChild}), nil

	case tokenOp:
		if tok.text == "(" {
			inner, err := p.parseExpr(precCond)
			if err != nil {
				return noChild, err
			}
			if err := p.expectOp(")"); err != nil {
				return noChild, err
			}
			return inner, nil
		}
		return noChild, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected operator %q", tok.text)}

	default:
		return noChild, &ParseError{Pos: tok.pos, Msg: "unexpected end of expression"}
	}
}

func (p *parser) parseCall(name token) (int, error) {
	arity, ok := builtins[name.text]
	if !ok {
		return noChild, &ParseError{Pos: name.pos, Msg: fmt.Sprintf("unknown function %q", name.text)}
	}
	if err := p.expectOp("("); err != nil {
		return noChild, err
	}

	var args []int
	if tok := p.peek(); !(tok.kind == tokenOp && tok.text == ")") {
		for {
			arg, err := p.parseExpr(precCond)
			if err != nil {
				return noChild, err
			}
			args = append(args, arg)
			tok := p.peek()
			if tok.kind == tokenOp && tok.text == "," {
				p.next()
				continue
			}
			break
		}
	}
	if err := p.expectOp(")"); err != nil {
		return noChild, err
	}

	if arity == -1 {
		if len(args) == 0 {
			return noChild, &ParseError{Pos: name.pos, Msg: fmt.Sprintf("%s requires at least one argument", name.text)}
		}
	} else if len(args) != arity {
		return noChild, &ParseError{Pos: name.pos, Msg: fmt.Sprintf("%s expects %d argument(s), got %d", name.text, arity, len(args))}
	}

	return p.prog.add(Node{Kind: NodeCall, Str: name.text, A: noChild, B: noChild, C: noChild, Args: args}), nil
}
