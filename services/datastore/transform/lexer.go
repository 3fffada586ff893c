// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transform

import (
	"fmt"
	"strings"
	"unicode"
)

// tokenKind classifies lexer output.
type tokenKind uint8

const (
	tokenEOF tokenKind = iota
	tokenNumber
	tokenString
	tokenIdent // bare or dotted field reference, builtin name, true/false
	tokenOp    // operator or punctuation
)

// token is one lexeme with its byte offset in the source.
type token struct {
	kind tokenKind
	text string
	pos  int
}

// operators that are two characters long. Checked before the single
// character forms so "<=" never lexes as "<", "=".
var twoCharOps = []string{"<=", ">=", "==", "!=", "&&", "||"}

const singleCharOps = "+-*/%()<>!?:,"

// lex tokenizes DSL source. Identifiers may be dotted ("Schema.field")
// so field references arrive as one token.
func lex(src string) ([]token, error) {
	var tokens []token
	i := 0

	for i < len(src) {
		c := src[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c >= '0' && c <= '9':
			start := i
			seenDot := false
			for i < len(src) && (isDigit(src[i]) || (src[i] == '.' && !seenDot && i+1 < len(src) && isDigit(src[i+1]))) {
				if src[i] == '.' {
					seenDot = true
				}
				i++
			}
			tokens = append(tokens, token{tokenNumber, src[start:i], start})

		case c == '"':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(src) {
				if src[i] == '\\' && i+1 < len(src) {
					switch src[i+1] {
					case '"', '\\':
						sb.WriteByte(src[i+1])
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					default:
						return nil, &ParseError{Pos: i, Msg: fmt.Sprintf("unknown escape \\%c", src[i+1])}
					}
					i += 2
					continue
				}
				if src[i] == '"' {
					closed = true
					i++
					break
				}
				sb.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, &ParseError{Pos: start, Msg: "unterminated string literal"}
			}
			tokens = append(tokens, token{tokenString, sb.String(), start})

		case isIdentStart(rune(c)):
			start := i
			for i < len(src) && (isIdentPart(rune(src[i])) || src[i] == '.') {
				i++
			}
			text := src[start:i]
			if strings.HasSuffix(text, ".") || strings.Contains(text, "..") {
				return nil, &ParseError{Pos: start, Msg: fmt.Sprintf("malformed reference %q", text)}
			}
			tokens = append(tokens, token{tokenIdent, text, start})

		default:
			if i+1 < len(src) {
				two := src[i : i+2]
				matched := false
				for _, op := range twoCharOps {
					if two == op {
						tokens = append(tokens, token{tokenOp, op, i})
						i += 2
						matched = true
						break
					}
				}
				if matched {
					continue
				}
			}
			if strings.IndexByte(singleCharOps, c) >= 0 {
				tokens = append(tokens, token{tokenOp, string(c), i})
				i++
				continue
			}
			return nil, &ParseError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}

	tokens = append(tokens, token{tokenEOF, "", len(src)})
	return tokens, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
