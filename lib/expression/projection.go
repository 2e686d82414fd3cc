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
	"sort"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/dynattr"
)

// Projection is a compiled projection expression: the document paths
// to keep when returning items.
type Projection struct {
	paths []Path
}

// CompileProjection parses a projection expression, a comma-separated
// list of document paths. Paths may not repeat or overlap.
func CompileProjection(expr string, env *Env) (*Projection, error) {
	p, err := newParser(expr, env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	proj := &Projection{}
	for {
		path, err := p.parsePath()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		proj.paths = append(proj.paths, path)
		if p.peek().typ != tokComma {
			break
		}
		p.next()
	}
	if err := p.expectEOF(); err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range proj.paths {
		for j := i + 1; j < len(proj.paths); j++ {
			if proj.paths[i].Overlaps(proj.paths[j]) {
				return nil, trace.BadParameter("projection paths %s and %s overlap", proj.paths[i], proj.paths[j])
			}
		}
	}
	return proj, nil
}

// Apply extracts the projected paths from an item. Paths that resolve
// to nothing are left out; projecting list indexes compacts the
// surviving elements into a new list in index order.
func (p *Projection) Apply(item dynattr.Item) dynattr.Item {
	out := dynattr.Item{}
	byRoot := map[string][]Path{}
	var roots []string
	for _, path := range p.paths {
		root := path.Root()
		if _, ok := byRoot[root]; !ok {
			roots = append(roots, root)
		}
		byRoot[root] = append(byRoot[root], path)
	}
	for _, root := range roots {
		current, ok := item[root]
		if !ok {
			continue
		}
		v, ok := project(current, byRoot[root], 1)
		if !ok {
			continue
		}
		out[root] = v
	}
	return out
}

// project extracts the part of v selected by the paths' segments at
// the given depth. ok is false when nothing matched.
func project(v dynattr.Value, paths []Path, depth int) (dynattr.Value, bool) {
	for _, path := range paths {
		// An exhausted path selects the whole value. Overlap checks
		// ensure no other path reaches this deep.
		if depth == len(path.Segments) {
			return v.Clone(), true
		}
	}
	switch v.Kind() {
	case dynattr.KindMap:
		byName := map[string][]Path{}
		var names []string
		for _, path := range paths {
			seg := path.Segments[depth]
			if seg.IsIndex {
				continue
			}
			if _, ok := byName[seg.Name]; !ok {
				names = append(names, seg.Name)
			}
			byName[seg.Name] = append(byName[seg.Name], path)
		}
		fields := map[string]dynattr.Value{}
		for _, name := range names {
			child, ok := v.Map()[name]
			if !ok {
				continue
			}
			projected, ok := project(child, byName[name], depth+1)
			if !ok {
				continue
			}
			fields[name] = projected
		}
		if len(fields) == 0 {
			return dynattr.Value{}, false
		}
		return dynattr.Map(fields), true
	case dynattr.KindList:
		byIndex := map[int][]Path{}
		var indexes []int
		for _, path := range paths {
			seg := path.Segments[depth]
			if !seg.IsIndex {
				continue
			}
			if _, ok := byIndex[seg.Index]; !ok {
				indexes = append(indexes, seg.Index)
			}
			byIndex[seg.Index] = append(byIndex[seg.Index], path)
		}
		sort.Ints(indexes)
		var elems []dynattr.Value
		for _, idx := range indexes {
			if idx < 0 || idx >= len(v.List()) {
				continue
			}
			projected, ok := project(v.List()[idx], byIndex[idx], depth+1)
			if !ok {
				continue
			}
			elems = append(elems, projected)
		}
		if len(elems) == 0 {
			return dynattr.Value{}, false
		}
		return dynattr.List(elems...), true
	}
	return dynattr.Value{}, false
}
