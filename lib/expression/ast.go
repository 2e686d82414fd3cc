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

// Package expression implements the DynamoDB expression language: one
// grammar compiled under five context gates (key condition, filter,
// condition, update, projection) and evaluated against an item plus a
// placeholder environment.
package expression

import (
	"fmt"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/dynattr"
)

// Env is the placeholder environment of one request: the
// ExpressionAttributeNames and ExpressionAttributeValues maps shared
// by every expression in that request. Lookups record usage so that
// defined-but-unused placeholders can be rejected after all of the
// request's expressions have been compiled.
type Env struct {
	names      map[string]string
	values     map[string]dynattr.Value
	usedNames  map[string]bool
	usedValues map[string]bool
}

// NewEnv builds an environment from the request maps. Nil maps mean
// nothing is defined.
func NewEnv(names map[string]string, values map[string]dynattr.Value) *Env {
	return &Env{
		names:      names,
		values:     values,
		usedNames:  make(map[string]bool),
		usedValues: make(map[string]bool),
	}
}

// Name resolves a #ref placeholder to the attribute name it stands
// for.
func (e *Env) Name(ref string) (string, error) {
	name, ok := e.names[ref]
	if !ok {
		return "", trace.BadParameter("expression attribute name %s is not defined", ref)
	}
	e.usedNames[ref] = true
	return name, nil
}

// Value resolves a :ref placeholder to its attribute value.
func (e *Env) Value(ref string) (dynattr.Value, error) {
	v, ok := e.values[ref]
	if !ok {
		return dynattr.Value{}, trace.BadParameter("expression attribute value %s is not defined", ref)
	}
	e.usedValues[ref] = true
	return v, nil
}

// CheckUsed returns an error naming any placeholder that was defined
// but never referenced by a compiled expression.
func (e *Env) CheckUsed() error {
	for ref := range e.names {
		if !e.usedNames[ref] {
			return trace.BadParameter("expression attribute name %s is defined but never used", ref)
		}
	}
	for ref := range e.values {
		if !e.usedValues[ref] {
			return trace.BadParameter("expression attribute value %s is defined but never used", ref)
		}
	}
	return nil
}

// PathSegment is one step of a document path: a map field or a list
// index.
type PathSegment struct {
	// Name is the field name of a name segment.
	Name string
	// Index is the position of an index segment.
	Index int
	// IsIndex distinguishes index segments from name segments.
	IsIndex bool
}

// Path addresses a value inside an item: attribute name first, then
// map fields by name and list elements by index.
type Path struct {
	Segments []PathSegment
}

// Root returns the top-level attribute name the path starts at.
func (p Path) Root() string {
	if len(p.Segments) == 0 {
		return ""
	}
	return p.Segments[0].Name
}

// String renders the path in source form, e.g. `info.scores[2]`.
func (p Path) String() string {
	var b strings.Builder
	for i, seg := range p.Segments {
		if seg.IsIndex {
			fmt.Fprintf(&b, "[%d]", seg.Index)
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg.Name)
	}
	return b.String()
}

// Equal reports whether both paths address the same location.
func (p Path) Equal(other Path) bool {
	if len(p.Segments) != len(other.Segments) {
		return false
	}
	for i, seg := range p.Segments {
		if seg != other.Segments[i] {
			return false
		}
	}
	return true
}

// Overlaps reports whether one path is a prefix of the other, i.e.
// writing through one can affect what the other addresses.
func (p Path) Overlaps(other Path) bool {
	n := min(len(p.Segments), len(other.Segments))
	for i := 0; i < n; i++ {
		if p.Segments[i] != other.Segments[i] {
			return false
		}
	}
	return true
}

// Resolve walks the path through an item. ok is false when any step
// is missing, out of bounds, or navigates the wrong variant; that is
// the "missing" outcome, never an error.
func (p Path) Resolve(item dynattr.Item) (dynattr.Value, bool) {
	if len(p.Segments) == 0 {
		return dynattr.Value{}, false
	}
	current, ok := item[p.Segments[0].Name]
	if !ok {
		return dynattr.Value{}, false
	}
	for _, seg := range p.Segments[1:] {
		if seg.IsIndex {
			list := current.List()
			if current.Kind() != dynattr.KindList || seg.Index < 0 || seg.Index >= len(list) {
				return dynattr.Value{}, false
			}
			current = list[seg.Index]
			continue
		}
		if current.Kind() != dynattr.KindMap {
			return dynattr.Value{}, false
		}
		current, ok = current.Map()[seg.Name]
		if !ok {
			return dynattr.Value{}, false
		}
	}
	return current, true
}

// comparison operators
type cmpOp int

const (
	cmpEQ cmpOp = iota
	cmpNE
	cmpLT
	cmpLE
	cmpGT
	cmpGE
)

func (op cmpOp) String() string {
	switch op {
	case cmpEQ:
		return "="
	case cmpNE:
		return "<>"
	case cmpLT:
		return "<"
	case cmpLE:
		return "<="
	case cmpGT:
		return ">"
	case cmpGE:
		return ">="
	}
	return "?"
}

// operand is a leaf of a condition: a document path, a resolved
// placeholder value, or size(path).
type operand interface {
	// resolve produces the operand's value against an item; ok is
	// false for the missing outcome.
	resolve(item dynattr.Item) (dynattr.Value, bool)
}

type pathOperand struct {
	path Path
}

func (o pathOperand) resolve(item dynattr.Item) (dynattr.Value, bool) {
	return o.path.Resolve(item)
}

type valueOperand struct {
	value dynattr.Value
}

func (o valueOperand) resolve(dynattr.Item) (dynattr.Value, bool) {
	return o.value, true
}

type sizeOperand struct {
	path Path
}

func (o sizeOperand) resolve(item dynattr.Item) (dynattr.Value, bool) {
	v, ok := o.path.Resolve(item)
	if !ok {
		return dynattr.Value{}, false
	}
	n, ok := v.Length()
	if !ok {
		return dynattr.Value{}, false
	}
	return dynattr.Int(int64(n)), true
}

// condition nodes
type condNode interface {
	eval(item dynattr.Item) bool
}

type andNode struct {
	left, right condNode
}

func (n andNode) eval(item dynattr.Item) bool {
	return n.left.eval(item) && n.right.eval(item)
}

type orNode struct {
	left, right condNode
}

func (n orNode) eval(item dynattr.Item) bool {
	return n.left.eval(item) || n.right.eval(item)
}

type notNode struct {
	inner condNode
}

func (n notNode) eval(item dynattr.Item) bool {
	return !n.inner.eval(item)
}

type cmpNode struct {
	op          cmpOp
	left, right operand
}

func (n cmpNode) eval(item dynattr.Item) bool {
	lv, lok := n.left.resolve(item)
	rv, rok := n.right.resolve(item)
	if !lok || !rok {
		return false
	}
	switch n.op {
	case cmpEQ:
		return dynattr.Equal(lv, rv)
	case cmpNE:
		return !dynattr.Equal(lv, rv)
	}
	cmp, ok := dynattr.Compare(lv, rv)
	if !ok {
		return false
	}
	switch n.op {
	case cmpLT:
		return cmp < 0
	case cmpLE:
		return cmp <= 0
	case cmpGT:
		return cmp > 0
	case cmpGE:
		return cmp >= 0
	}
	return false
}

type betweenNode struct {
	target operand
	lo, hi operand
}

func (n betweenNode) eval(item dynattr.Item) bool {
	v, ok := n.target.resolve(item)
	if !ok {
		return false
	}
	lo, ok := n.lo.resolve(item)
	if !ok {
		return false
	}
	hi, ok := n.hi.resolve(item)
	if !ok {
		return false
	}
	cmpLo, ok := dynattr.Compare(v, lo)
	if !ok {
		return false
	}
	cmpHi, ok := dynattr.Compare(v, hi)
	if !ok {
		return false
	}
	return cmpLo >= 0 && cmpHi <= 0
}

type inNode struct {
	target operand
	list   []operand
}

func (n inNode) eval(item dynattr.Item) bool {
	v, ok := n.target.resolve(item)
	if !ok {
		return false
	}
	for _, candidate := range n.list {
		cv, ok := candidate.resolve(item)
		if ok && dynattr.Equal(v, cv) {
			return true
		}
	}
	return false
}

type existsNode struct {
	path   Path
	exists bool
}

func (n existsNode) eval(item dynattr.Item) bool {
	_, ok := n.path.Resolve(item)
	return ok == n.exists
}

type attributeTypeNode struct {
	path Path
	kind dynattr.Kind
}

func (n attributeTypeNode) eval(item dynattr.Item) bool {
	v, ok := n.path.Resolve(item)
	return ok && v.Kind() == n.kind
}

type beginsWithNode struct {
	path   Path
	prefix dynattr.Value
}

func (n beginsWithNode) eval(item dynattr.Item) bool {
	v, ok := n.path.Resolve(item)
	if !ok {
		return false
	}
	switch {
	case v.Kind() == dynattr.KindString && n.prefix.Kind() == dynattr.KindString:
		return strings.HasPrefix(v.Str(), n.prefix.Str())
	case v.Kind() == dynattr.KindBinary && n.prefix.Kind() == dynattr.KindBinary:
		return len(v.Bytes()) >= len(n.prefix.Bytes()) &&
			string(v.Bytes()[:len(n.prefix.Bytes())]) == string(n.prefix.Bytes())
	}
	return false
}

type containsNode struct {
	haystack operand
	needle   operand
}

func (n containsNode) eval(item dynattr.Item) bool {
	h, ok := n.haystack.resolve(item)
	if !ok {
		return false
	}
	needle, ok := n.needle.resolve(item)
	if !ok {
		return false
	}
	switch h.Kind() {
	case dynattr.KindString:
		return needle.Kind() == dynattr.KindString && strings.Contains(h.Str(), needle.Str())
	case dynattr.KindStringSet:
		for _, e := range h.StrSet() {
			if dynattr.Equal(dynattr.String(e), needle) {
				return true
			}
		}
	case dynattr.KindNumberSet:
		for _, e := range h.NumSet() {
			elem, err := dynattr.Number(e)
			if err != nil {
				continue
			}
			if dynattr.Equal(elem, needle) {
				return true
			}
		}
	case dynattr.KindBinarySet:
		for _, e := range h.BinSet() {
			if dynattr.Equal(dynattr.Binary(e), needle) {
				return true
			}
		}
	case dynattr.KindList:
		for _, e := range h.List() {
			if dynattr.Equal(e, needle) {
				return true
			}
		}
	}
	return false
}

// Condition is a compiled boolean predicate: a filter or condition
// expression ready to evaluate against items.
type Condition struct {
	root condNode
}

// Eval evaluates the predicate against an item. An absent item is
// evaluated as an empty one, which lets conditional writes phrase
// existence checks against missing rows.
func (c *Condition) Eval(item dynattr.Item) bool {
	if item == nil {
		item = dynattr.Item{}
	}
	return c.root.eval(item)
}
