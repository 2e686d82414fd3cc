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

package dynattr

import (
	"bytes"
	"slices"

	"github.com/gravitational/trace"
)

// SetKind reports whether k is one of the set variants.
func SetKind(k Kind) bool {
	return k == KindStringSet || k == KindNumberSet || k == KindBinarySet
}

// UnionSets merges two sets of the same kind. Elements of b already
// present in a are skipped; for number sets membership is numeric, so
// "1" and "1.0" are one element.
func UnionSets(a, b Value) (Value, error) {
	if a.kind != b.kind || !SetKind(a.kind) {
		return Value{}, trace.BadParameter("cannot merge %s into %s", b.kind, a.kind)
	}
	switch a.kind {
	case KindStringSet:
		out := slices.Clone(a.strs)
		for _, e := range b.strs {
			if !slices.Contains(out, e) {
				out = append(out, e)
			}
		}
		return Value{kind: KindStringSet, strs: out}, nil
	case KindNumberSet:
		out := slices.Clone(a.strs)
		for _, e := range b.strs {
			if !containsNumeral(out, e) {
				out = append(out, e)
			}
		}
		return Value{kind: KindNumberSet, strs: out}, nil
	default:
		out := slices.Clone(a.bins)
		for _, e := range b.bins {
			if !containsBytes(out, e) {
				out = append(out, bytes.Clone(e))
			}
		}
		return Value{kind: KindBinarySet, bins: out}, nil
	}
}

// SubtractSets removes b's elements from a. empty is true when
// nothing remains, in which case the returned value is zero; a set
// value never holds zero elements.
func SubtractSets(a, b Value) (out Value, empty bool, err error) {
	if a.kind != b.kind || !SetKind(a.kind) {
		return Value{}, false, trace.BadParameter("cannot subtract %s from %s", b.kind, a.kind)
	}
	switch a.kind {
	case KindStringSet:
		var kept []string
		for _, e := range a.strs {
			if !slices.Contains(b.strs, e) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			return Value{}, true, nil
		}
		return Value{kind: KindStringSet, strs: kept}, false, nil
	case KindNumberSet:
		var kept []string
		for _, e := range a.strs {
			if !containsNumeral(b.strs, e) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			return Value{}, true, nil
		}
		return Value{kind: KindNumberSet, strs: kept}, false, nil
	default:
		var kept [][]byte
		for _, e := range a.bins {
			if !containsBytes(b.bins, e) {
				kept = append(kept, bytes.Clone(e))
			}
		}
		if len(kept) == 0 {
			return Value{}, true, nil
		}
		return Value{kind: KindBinarySet, bins: kept}, false, nil
	}
}

func containsBytes(haystack [][]byte, needle []byte) bool {
	for _, e := range haystack {
		if bytes.Equal(e, needle) {
			return true
		}
	}
	return false
}
