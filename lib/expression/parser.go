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
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/defaults"
	"github.com/gravitational/pretenderdb/lib/dynattr"
)

// CompileCondition parses a condition expression against the request
// environment. Placeholder values are resolved at compile time, so
// evaluation never fails; type mismatches evaluate to false.
func CompileCondition(expr string, env *Env) (*Condition, error) {
	p, err := newParser(expr, env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	root, err := p.parseCondition()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.expectEOF(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Condition{root: root}, nil
}

// CompileFilter parses a filter expression. Filters share the
// condition grammar; they differ only in when the server applies
// them.
func CompileFilter(expr string, env *Env) (*Condition, error) {
	cond, err := CompileCondition(expr, env)
	return cond, trace.Wrap(err)
}

type parser struct {
	tokens []token
	pos    int
	env    *Env
}

func newParser(expr string, env *Env) (*parser, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, trace.BadParameter("expression must not be empty")
	}
	tokens, err := lex(expr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &parser{tokens: tokens, env: env}, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.typ != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(typ tokenType, what string) (token, error) {
	t := p.next()
	if t.typ != typ {
		return token{}, trace.BadParameter("expected %s, found %s at position %d", what, t.describe(), t.pos)
	}
	return t, nil
}

// atKeyword reports whether the next token is the given keyword.
// Keywords are case-insensitive; function names are not.
func (p *parser) atKeyword(kw string) bool {
	t := p.peek()
	return t.typ == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) expectEOF() error {
	if t := p.peek(); t.typ != tokEOF {
		return trace.BadParameter("unexpected %s at position %d", t.describe(), t.pos)
	}
	return nil
}

// parsePath parses a document path: a name or #placeholder followed
// by .field and [index] steps.
func (p *parser) parsePath() (Path, error) {
	var path Path
	seg, err := p.parseNameSegment()
	if err != nil {
		return Path{}, trace.Wrap(err)
	}
	path.Segments = append(path.Segments, seg)
	for {
		switch p.peek().typ {
		case tokDot:
			p.next()
			seg, err := p.parseNameSegment()
			if err != nil {
				return Path{}, trace.Wrap(err)
			}
			path.Segments = append(path.Segments, seg)
		case tokLBracket:
			p.next()
			t, err := p.expect(tokInt, "list index")
			if err != nil {
				return Path{}, trace.Wrap(err)
			}
			idx, err := strconv.Atoi(t.text)
			if err != nil {
				return Path{}, trace.BadParameter("invalid list index %q at position %d", t.text, t.pos)
			}
			if _, err := p.expect(tokRBracket, "\"]\""); err != nil {
				return Path{}, trace.Wrap(err)
			}
			path.Segments = append(path.Segments, PathSegment{Index: idx, IsIndex: true})
		default:
			if len(path.Segments) > defaults.MaxNestingDepth {
				return Path{}, trace.BadParameter("document path %s exceeds maximum nesting depth of %d", path, defaults.MaxNestingDepth)
			}
			return path, nil
		}
	}
}

func (p *parser) parseNameSegment() (PathSegment, error) {
	t := p.next()
	switch t.typ {
	case tokIdent:
		if IsReserved(t.text) {
			return PathSegment{}, trace.BadParameter("attribute name is a reserved keyword: %s; use an expression attribute name instead", t.text)
		}
		return PathSegment{Name: t.text}, nil
	case tokNameRef:
		name, err := p.env.Name(t.text)
		if err != nil {
			return PathSegment{}, trace.Wrap(err)
		}
		return PathSegment{Name: name}, nil
	default:
		return PathSegment{}, trace.BadParameter("expected attribute name, found %s at position %d", t.describe(), t.pos)
	}
}

// parseOperand parses a comparison operand: a path, a :placeholder,
// or size(path).
func (p *parser) parseOperand() (operand, error) {
	t := p.peek()
	switch t.typ {
	case tokValueRef:
		p.next()
		v, err := p.env.Value(t.text)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return valueOperand{value: v}, nil
	case tokIdent:
		if t.text == "size" && p.tokens[p.pos+1].typ == tokLParen {
			p.next()
			p.next()
			path, err := p.parsePath()
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if _, err := p.expect(tokRParen, "\")\""); err != nil {
				return nil, trace.Wrap(err)
			}
			return sizeOperand{path: path}, nil
		}
		fallthrough
	case tokNameRef:
		path, err := p.parsePath()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return pathOperand{path: path}, nil
	default:
		return nil, trace.BadParameter("expected operand, found %s at position %d", t.describe(), t.pos)
	}
}

// parseCondition parses the boolean grammar with the usual
// precedence: OR binds loosest, then AND, then NOT.
func (p *parser) parseCondition() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for p.atKeyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (condNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for p.atKeyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (condNode, error) {
	if p.atKeyword("NOT") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

var conditionFunctions = map[string]bool{
	"attribute_exists":     true,
	"attribute_not_exists": true,
	"attribute_type":       true,
	"begins_with":          true,
	"contains":             true,
}

func (p *parser) parsePrimary() (condNode, error) {
	t := p.peek()
	if t.typ == tokLParen {
		p.next()
		inner, err := p.parseCondition()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if _, err := p.expect(tokRParen, "\")\""); err != nil {
			return nil, trace.Wrap(err)
		}
		return inner, nil
	}
	if t.typ == tokIdent && p.tokens[p.pos+1].typ == tokLParen && t.text != "size" {
		return p.parseConditionFunction()
	}
	return p.parseComparison()
}

func (p *parser) parseConditionFunction() (condNode, error) {
	t := p.next()
	name := t.text
	if !conditionFunctions[name] {
		if conditionFunctions[strings.ToLower(name)] || strings.ToLower(name) == "size" {
			return nil, trace.BadParameter("function names are case-sensitive: %s at position %d", name, t.pos)
		}
		return nil, trace.BadParameter("invalid function name %s at position %d", name, t.pos)
	}
	if _, err := p.expect(tokLParen, "\"(\""); err != nil {
		return nil, trace.Wrap(err)
	}
	var node condNode
	var err error
	switch name {
	case "attribute_exists", "attribute_not_exists":
		var path Path
		path, err = p.parsePath()
		if err == nil {
			node = existsNode{path: path, exists: name == "attribute_exists"}
		}
	case "attribute_type":
		node, err = p.parseAttributeType()
	case "begins_with":
		node, err = p.parseBeginsWith()
	case "contains":
		node, err = p.parseContains()
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := p.expect(tokRParen, "\")\""); err != nil {
		return nil, trace.Wrap(err)
	}
	return node, nil
}

func (p *parser) parseAttributeType() (condNode, error) {
	path, err := p.parsePath()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := p.expect(tokComma, "\",\""); err != nil {
		return nil, trace.Wrap(err)
	}
	t, err := p.expect(tokValueRef, "type operand")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	v, err := p.env.Value(t.text)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if v.Kind() != dynattr.KindString {
		return nil, trace.BadParameter("attribute_type operand %s must be a string", t.text)
	}
	kind, ok := dynattr.KindForTag(v.Str())
	if !ok {
		return nil, trace.BadParameter("attribute_type operand %s is not a valid type tag: %q", t.text, v.Str())
	}
	return attributeTypeNode{path: path, kind: kind}, nil
}

func (p *parser) parseBeginsWith() (condNode, error) {
	path, err := p.parsePath()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := p.expect(tokComma, "\",\""); err != nil {
		return nil, trace.Wrap(err)
	}
	t, err := p.expect(tokValueRef, "prefix operand")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	prefix, err := p.env.Value(t.text)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if prefix.Kind() != dynattr.KindString && prefix.Kind() != dynattr.KindBinary {
		return nil, trace.BadParameter("begins_with operand %s must be a string or binary value", t.text)
	}
	return beginsWithNode{path: path, prefix: prefix}, nil
}

func (p *parser) parseContains() (condNode, error) {
	haystack, err := p.parseOperand()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := p.expect(tokComma, "\",\""); err != nil {
		return nil, trace.Wrap(err)
	}
	needle, err := p.parseOperand()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return containsNode{haystack: haystack, needle: needle}, nil
}

func (p *parser) parseComparison() (condNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	t := p.peek()
	switch t.typ {
	case tokEQ, tokNE, tokLT, tokLE, tokGT, tokGE:
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return cmpNode{op: cmpOpForToken(t.typ), left: left, right: right}, nil
	}
	if p.atKeyword("BETWEEN") {
		p.next()
		return p.parseBetween(left)
	}
	if p.atKeyword("IN") {
		p.next()
		return p.parseIn(left)
	}
	return nil, trace.BadParameter("expected comparator, BETWEEN or IN, found %s at position %d", t.describe(), t.pos)
}

func cmpOpForToken(typ tokenType) cmpOp {
	switch typ {
	case tokNE:
		return cmpNE
	case tokLT:
		return cmpLT
	case tokLE:
		return cmpLE
	case tokGT:
		return cmpGT
	case tokGE:
		return cmpGE
	}
	return cmpEQ
}

func (p *parser) parseBetween(target operand) (condNode, error) {
	lo, err := p.parseOperand()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !p.atKeyword("AND") {
		t := p.peek()
		return nil, trace.BadParameter("expected AND in BETWEEN, found %s at position %d", t.describe(), t.pos)
	}
	p.next()
	hi, err := p.parseOperand()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := checkBetweenBounds(lo, hi); err != nil {
		return nil, trace.Wrap(err)
	}
	return betweenNode{target: target, lo: lo, hi: hi}, nil
}

// checkBetweenBounds rejects BETWEEN with literal bounds out of
// order. Bounds involving paths are only known at evaluation time and
// are left alone.
func checkBetweenBounds(lo, hi operand) error {
	lv, lok := lo.(valueOperand)
	hv, hok := hi.(valueOperand)
	if !lok || !hok {
		return nil
	}
	cmp, ok := dynattr.Compare(lv.value, hv.value)
	if ok && cmp > 0 {
		return trace.BadParameter("BETWEEN bounds are out of order: lower bound must not exceed upper bound")
	}
	return nil
}

func (p *parser) parseIn(target operand) (condNode, error) {
	if _, err := p.expect(tokLParen, "\"(\""); err != nil {
		return nil, trace.Wrap(err)
	}
	var list []operand
	for {
		op, err := p.parseOperand()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		list = append(list, op)
		if len(list) > defaults.MaxInOperands {
			return nil, trace.BadParameter("IN supports at most %d operands", defaults.MaxInOperands)
		}
		if p.peek().typ != tokComma {
			break
		}
		p.next()
	}
	if _, err := p.expect(tokRParen, "\")\""); err != nil {
		return nil, trace.Wrap(err)
	}
	return inNode{target: target, list: list}, nil
}
