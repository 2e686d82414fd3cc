/*
 * PretenderDB
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package expression

import (
	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/defaults"
)

type tokenType int

const (
	tokEOF tokenType = iota
	tokIdent
	tokNameRef  // #name
	tokValueRef // :name
	tokInt      // list index
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
	tokPlus
	tokMinus
	tokEQ
	tokNE
	tokLT
	tokLE
	tokGT
	tokGE
)

type token struct {
	typ  tokenType
	text string
	pos  int
}

func (t token) describe() string {
	if t.typ == tokEOF {
		return "end of expression"
	}
	return "\"" + t.text + "\""
}

// lex splits an expression into tokens. The grammar has no string or
// number literals beyond list indexes; every value arrives through a
// :placeholder.
func lex(input string) ([]token, error) {
	if len(input) > defaults.MaxExpressionLength {
		return nil, trace.BadParameter("expression exceeds maximum length of %d characters", defaults.MaxExpressionLength)
	}
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case c == '[':
			tokens = append(tokens, token{tokLBracket, "[", i})
			i++
		case c == ']':
			tokens = append(tokens, token{tokRBracket, "]", i})
			i++
		case c == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++
		case c == '.':
			tokens = append(tokens, token{tokDot, ".", i})
			i++
		case c == '+':
			tokens = append(tokens, token{tokPlus, "+", i})
			i++
		case c == '-':
			tokens = append(tokens, token{tokMinus, "-", i})
			i++
		case c == '=':
			tokens = append(tokens, token{tokEQ, "=", i})
			i++
		case c == '<':
			switch {
			case i+1 < len(input) && input[i+1] == '>':
				tokens = append(tokens, token{tokNE, "<>", i})
				i += 2
			case i+1 < len(input) && input[i+1] == '=':
				tokens = append(tokens, token{tokLE, "<=", i})
				i += 2
			default:
				tokens = append(tokens, token{tokLT, "<", i})
				i++
			}
		case c == '>':
			if i+1 < len(input) && input[i+1] == '=' {
				tokens = append(tokens, token{tokGE, ">=", i})
				i += 2
			} else {
				tokens = append(tokens, token{tokGT, ">", i})
				i++
			}
		case c == '#':
			end := scanIdent(input, i+1)
			if end == i+1 {
				return nil, trace.BadParameter("invalid character after # at position %d", i)
			}
			tokens = append(tokens, token{tokNameRef, input[i:end], i})
			i = end
		case c == ':':
			end := scanIdent(input, i+1)
			if end == i+1 {
				return nil, trace.BadParameter("invalid character after : at position %d", i)
			}
			tokens = append(tokens, token{tokValueRef, input[i:end], i})
			i = end
		case c >= '0' && c <= '9':
			end := i
			for end < len(input) && input[end] >= '0' && input[end] <= '9' {
				end++
			}
			tokens = append(tokens, token{tokInt, input[i:end], i})
			i = end
		case isIdentStart(c):
			end := scanIdent(input, i)
			tokens = append(tokens, token{tokIdent, input[i:end], i})
			i = end
		default:
			return nil, trace.BadParameter("unexpected character %q at position %d", string(c), i)
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(input)})
	return tokens, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func scanIdent(input string, start int) int {
	end := start
	for end < len(input) && isIdentPart(input[end]) {
		end++
	}
	return end
}
