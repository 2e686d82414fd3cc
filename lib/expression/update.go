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
	"maps"
	"slices"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/dynattr"
)

// Update is a compiled update expression: the SET, REMOVE, ADD and
// DELETE actions in source order. Every action reads the pre-image;
// actions never observe each other's effects.
type Update struct {
	sets    []setAction
	removes []Path
	adds    []modifyAction
	deletes []modifyAction
}

type setAction struct {
	path  Path
	value setOperand
}

type modifyAction struct {
	path  Path
	value dynattr.Value
}

// setOperand is the right-hand side of a SET action: a path, a
// value, arithmetic, if_not_exists, or list_append.
type setOperand interface {
	// resolveSet produces the operand value against the pre-image.
	// Unlike condition operands, a dangling path is an error here.
	resolveSet(pre dynattr.Item) (dynattr.Value, error)
}

type setPathOperand struct {
	path Path
}

func (o setPathOperand) resolveSet(pre dynattr.Item) (dynattr.Value, error) {
	v, ok := o.path.Resolve(pre)
	if !ok {
		return dynattr.Value{}, trace.BadParameter("the update expression refers to %s which does not exist in the item", o.path)
	}
	return v, nil
}

type setValueOperand struct {
	value dynattr.Value
}

func (o setValueOperand) resolveSet(dynattr.Item) (dynattr.Value, error) {
	return o.value, nil
}

type arithOperand struct {
	subtract    bool
	left, right setOperand
}

func (o arithOperand) resolveSet(pre dynattr.Item) (dynattr.Value, error) {
	l, err := o.left.resolveSet(pre)
	if err != nil {
		return dynattr.Value{}, trace.Wrap(err)
	}
	r, err := o.right.resolveSet(pre)
	if err != nil {
		return dynattr.Value{}, trace.Wrap(err)
	}
	if o.subtract {
		v, err := dynattr.SubtractNumbers(l, r)
		return v, trace.Wrap(err)
	}
	v, err := dynattr.AddNumbers(l, r)
	return v, trace.Wrap(err)
}

type ifNotExistsOperand struct {
	path     Path
	fallback setOperand
}

func (o ifNotExistsOperand) resolveSet(pre dynattr.Item) (dynattr.Value, error) {
	if v, ok := o.path.Resolve(pre); ok {
		return v, nil
	}
	v, err := o.fallback.resolveSet(pre)
	return v, trace.Wrap(err)
}

type listAppendOperand struct {
	left, right setOperand
}

func (o listAppendOperand) resolveSet(pre dynattr.Item) (dynattr.Value, error) {
	l, err := o.left.resolveSet(pre)
	if err != nil {
		return dynattr.Value{}, trace.Wrap(err)
	}
	r, err := o.right.resolveSet(pre)
	if err != nil {
		return dynattr.Value{}, trace.Wrap(err)
	}
	if l.Kind() != dynattr.KindList || r.Kind() != dynattr.KindList {
		return dynattr.Value{}, trace.BadParameter("list_append operands must both be lists, found %s and %s", l.Kind(), r.Kind())
	}
	out := make([]dynattr.Value, 0, len(l.List())+len(r.List()))
	out = append(out, l.List()...)
	out = append(out, r.List()...)
	return dynattr.List(out...), nil
}

// CompileUpdate parses an update expression. Each clause keyword may
// appear once; every action path is checked for overlap with the
// others at compile time.
func CompileUpdate(expr string, env *Env) (*Update, error) {
	p, err := newParser(expr, env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	u := &Update{}
	seen := map[string]bool{}
	for p.peek().typ != tokEOF {
		t := p.peek()
		if t.typ != tokIdent {
			return nil, trace.BadParameter("expected SET, REMOVE, ADD or DELETE, found %s at position %d", t.describe(), t.pos)
		}
		keyword := strings.ToUpper(t.text)
		switch keyword {
		case "SET", "REMOVE", "ADD", "DELETE":
		default:
			return nil, trace.BadParameter("expected SET, REMOVE, ADD or DELETE, found %s at position %d", t.describe(), t.pos)
		}
		if seen[keyword] {
			return nil, trace.BadParameter("the %s clause may appear only once in an update expression", keyword)
		}
		seen[keyword] = true
		p.next()
		switch keyword {
		case "SET":
			err = p.parseSetClause(u)
		case "REMOVE":
			err = p.parseRemoveClause(u)
		case "ADD":
			err = p.parseModifyClause(&u.adds, "ADD")
		case "DELETE":
			err = p.parseModifyClause(&u.deletes, "DELETE")
		}
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := checkActionOverlap(u.actionPaths()); err != nil {
		return nil, trace.Wrap(err)
	}
	return u, nil
}

func (p *parser) parseSetClause(u *Update) error {
	for {
		path, err := p.parsePath()
		if err != nil {
			return trace.Wrap(err)
		}
		if _, err := p.expect(tokEQ, "\"=\""); err != nil {
			return trace.Wrap(err)
		}
		value, err := p.parseSetValue()
		if err != nil {
			return trace.Wrap(err)
		}
		u.sets = append(u.sets, setAction{path: path, value: value})
		if p.peek().typ != tokComma {
			return nil
		}
		p.next()
	}
}

// parseSetValue parses a SET right-hand side: an operand optionally
// combined with one + or -. Chained arithmetic is not part of the
// grammar.
func (p *parser) parseSetValue() (setOperand, error) {
	left, err := p.parseSetOperand()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	t := p.peek()
	if t.typ != tokPlus && t.typ != tokMinus {
		return left, nil
	}
	p.next()
	right, err := p.parseSetOperand()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if next := p.peek(); next.typ == tokPlus || next.typ == tokMinus {
		return nil, trace.BadParameter("only one arithmetic operator is allowed per SET value, found %s at position %d", next.describe(), next.pos)
	}
	return arithOperand{subtract: t.typ == tokMinus, left: left, right: right}, nil
}

func (p *parser) parseSetOperand() (setOperand, error) {
	t := p.peek()
	switch t.typ {
	case tokValueRef:
		p.next()
		v, err := p.env.Value(t.text)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return setValueOperand{value: v}, nil
	case tokIdent:
		if p.tokens[p.pos+1].typ == tokLParen {
			switch t.text {
			case "if_not_exists":
				return p.parseIfNotExists()
			case "list_append":
				return p.parseListAppend()
			default:
				if lower := strings.ToLower(t.text); lower == "if_not_exists" || lower == "list_append" {
					return nil, trace.BadParameter("function names are case-sensitive: %s at position %d", t.text, t.pos)
				}
				return nil, trace.BadParameter("invalid function name %s in update expression at position %d", t.text, t.pos)
			}
		}
		fallthrough
	case tokNameRef:
		path, err := p.parsePath()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return setPathOperand{path: path}, nil
	default:
		return nil, trace.BadParameter("expected SET operand, found %s at position %d", t.describe(), t.pos)
	}
}

func (p *parser) parseIfNotExists() (setOperand, error) {
	p.next()
	p.next()
	path, err := p.parsePath()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := p.expect(tokComma, "\",\""); err != nil {
		return nil, trace.Wrap(err)
	}
	fallback, err := p.parseSetValue()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := p.expect(tokRParen, "\")\""); err != nil {
		return nil, trace.Wrap(err)
	}
	return ifNotExistsOperand{path: path, fallback: fallback}, nil
}

func (p *parser) parseListAppend() (setOperand, error) {
	p.next()
	p.next()
	left, err := p.parseSetValue()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := p.expect(tokComma, "\",\""); err != nil {
		return nil, trace.Wrap(err)
	}
	right, err := p.parseSetValue()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := p.expect(tokRParen, "\")\""); err != nil {
		return nil, trace.Wrap(err)
	}
	return listAppendOperand{left: left, right: right}, nil
}

func (p *parser) parseRemoveClause(u *Update) error {
	for {
		path, err := p.parsePath()
		if err != nil {
			return trace.Wrap(err)
		}
		u.removes = append(u.removes, path)
		if p.peek().typ != tokComma {
			return nil
		}
		p.next()
	}
}

// parseModifyClause parses ADD and DELETE actions. Both act on
// top-level attributes only and take a value placeholder: numbers or
// sets for ADD, sets for DELETE.
func (p *parser) parseModifyClause(actions *[]modifyAction, keyword string) error {
	for {
		path, err := p.parsePath()
		if err != nil {
			return trace.Wrap(err)
		}
		if len(path.Segments) != 1 {
			return trace.BadParameter("%s supports only top-level attributes, found %s", keyword, path)
		}
		t, err := p.expect(tokValueRef, "value operand")
		if err != nil {
			return trace.Wrap(err)
		}
		v, err := p.env.Value(t.text)
		if err != nil {
			return trace.Wrap(err)
		}
		switch {
		case keyword == "ADD" && v.Kind() != dynattr.KindNumber && !dynattr.SetKind(v.Kind()):
			return trace.BadParameter("ADD supports only number and set values, %s is %s", t.text, v.Kind())
		case keyword == "DELETE" && !dynattr.SetKind(v.Kind()):
			return trace.BadParameter("DELETE supports only set values, %s is %s", t.text, v.Kind())
		}
		*actions = append(*actions, modifyAction{path: path, value: v})
		if p.peek().typ != tokComma {
			return nil
		}
		p.next()
	}
}

func (u *Update) actionPaths() []Path {
	var paths []Path
	for _, a := range u.sets {
		paths = append(paths, a.path)
	}
	paths = append(paths, u.removes...)
	for _, a := range u.adds {
		paths = append(paths, a.path)
	}
	for _, a := range u.deletes {
		paths = append(paths, a.path)
	}
	return paths
}

func checkActionOverlap(paths []Path) error {
	for i := range paths {
		for j := i + 1; j < len(paths); j++ {
			if paths[i].Overlaps(paths[j]) {
				return trace.BadParameter("update paths %s and %s overlap", paths[i], paths[j])
			}
		}
	}
	return nil
}

// Roots returns the distinct top-level attribute names the update
// touches, in action order.
func (u *Update) Roots() []string {
	var roots []string
	for _, p := range u.actionPaths() {
		if root := p.Root(); !slices.Contains(roots, root) {
			roots = append(roots, root)
		}
	}
	return roots
}

// Apply runs the update against a pre-image and returns the
// post-image. The pre-image is not modified. nil stands for a missing
// item, as when UpdateItem creates one.
func (u *Update) Apply(pre dynattr.Item) (dynattr.Item, error) {
	if pre == nil {
		pre = dynattr.Item{}
	}
	post := pre.Clone()
	for _, a := range u.sets {
		v, err := a.value.resolveSet(pre)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := setAtPath(post, a.path, v.Clone()); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	for _, path := range u.removes {
		removeAtPath(post, path)
	}
	for _, a := range u.adds {
		if err := applyAdd(post, pre, a); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	for _, a := range u.deletes {
		if err := applyDelete(post, pre, a); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return post, nil
}

func applyAdd(post, pre dynattr.Item, a modifyAction) error {
	name := a.path.Root()
	existing, ok := pre[name]
	if !ok {
		post[name] = a.value.Clone()
		return nil
	}
	if a.value.Kind() == dynattr.KindNumber {
		sum, err := dynattr.AddNumbers(existing, a.value)
		if err != nil {
			return trace.Wrap(err)
		}
		post[name] = sum
		return nil
	}
	merged, err := dynattr.UnionSets(existing, a.value)
	if err != nil {
		return trace.Wrap(err)
	}
	post[name] = merged
	return nil
}

func applyDelete(post, pre dynattr.Item, a modifyAction) error {
	name := a.path.Root()
	existing, ok := pre[name]
	if !ok {
		return nil
	}
	remaining, empty, err := dynattr.SubtractSets(existing, a.value)
	if err != nil {
		return trace.Wrap(err)
	}
	if empty {
		delete(post, name)
		return nil
	}
	post[name] = remaining
	return nil
}

// setAtPath writes v at path, creating missing intermediate maps and
// appending when a list index is past the end. An intermediate of the
// wrong variant is an invalid document path.
func setAtPath(item dynattr.Item, path Path, v dynattr.Value) error {
	root := path.Segments[0].Name
	if len(path.Segments) == 1 {
		item[root] = v
		return nil
	}
	current, ok := item[root]
	updated, err := setNested(current, ok, path, 1, v)
	if err != nil {
		return trace.Wrap(err)
	}
	item[root] = updated
	return nil
}

func setNested(current dynattr.Value, exists bool, path Path, depth int, v dynattr.Value) (dynattr.Value, error) {
	if depth == len(path.Segments) {
		return v, nil
	}
	seg := path.Segments[depth]
	if seg.IsIndex {
		if exists && current.Kind() != dynattr.KindList {
			return dynattr.Value{}, trace.BadParameter("document path %s is invalid: %s is not a list", path, current.Kind())
		}
		list := slices.Clone(current.List())
		if seg.Index < len(list) {
			updated, err := setNested(list[seg.Index], true, path, depth+1, v)
			if err != nil {
				return dynattr.Value{}, trace.Wrap(err)
			}
			list[seg.Index] = updated
		} else {
			appended, err := setNested(dynattr.Value{}, false, path, depth+1, v)
			if err != nil {
				return dynattr.Value{}, trace.Wrap(err)
			}
			list = append(list, appended)
		}
		return dynattr.List(list...), nil
	}
	if exists && current.Kind() != dynattr.KindMap {
		return dynattr.Value{}, trace.BadParameter("document path %s is invalid: %s is not a map", path, current.Kind())
	}
	fields := maps.Clone(current.Map())
	if fields == nil {
		fields = map[string]dynattr.Value{}
	}
	child, ok := fields[seg.Name]
	updated, err := setNested(child, ok, path, depth+1, v)
	if err != nil {
		return dynattr.Value{}, trace.Wrap(err)
	}
	fields[seg.Name] = updated
	return dynattr.Map(fields), nil
}

// removeAtPath deletes the value at path. A missing step anywhere
// makes the whole action a no-op.
func removeAtPath(item dynattr.Item, path Path) {
	root := path.Segments[0].Name
	if len(path.Segments) == 1 {
		delete(item, root)
		return
	}
	current, ok := item[root]
	if !ok {
		return
	}
	if updated, changed := removeNested(current, path, 1); changed {
		item[root] = updated
	}
}

func removeNested(current dynattr.Value, path Path, depth int) (dynattr.Value, bool) {
	seg := path.Segments[depth]
	last := depth == len(path.Segments)-1
	if seg.IsIndex {
		list := current.List()
		if current.Kind() != dynattr.KindList || seg.Index < 0 || seg.Index >= len(list) {
			return dynattr.Value{}, false
		}
		out := slices.Clone(list)
		if last {
			out = append(out[:seg.Index], out[seg.Index+1:]...)
			return dynattr.List(out...), true
		}
		updated, changed := removeNested(out[seg.Index], path, depth+1)
		if !changed {
			return dynattr.Value{}, false
		}
		out[seg.Index] = updated
		return dynattr.List(out...), true
	}
	if current.Kind() != dynattr.KindMap {
		return dynattr.Value{}, false
	}
	child, ok := current.Map()[seg.Name]
	if !ok {
		return dynattr.Value{}, false
	}
	fields := maps.Clone(current.Map())
	if last {
		delete(fields, seg.Name)
		return dynattr.Map(fields), true
	}
	updated, changed := removeNested(child, path, depth+1)
	if !changed {
		return dynattr.Value{}, false
	}
	fields[seg.Name] = updated
	return dynattr.Map(fields), true
}
