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

// Package dynattr models the DynamoDB attribute value: a tagged sum
// over strings, numbers, binary blobs, booleans, null, sets, lists and
// maps. It provides the canonical JSON wire codec, structural equality
// with numeric comparison for numbers, and the order-preserving byte
// encoding used for primary key columns.
package dynattr

import (
	"bytes"
	"slices"

	"github.com/gravitational/trace"
)

// Kind enumerates the attribute value variants.
type Kind int

const (
	// KindInvalid is the zero Kind; it marks the zero Value, which is
	// not a legal attribute value.
	KindInvalid Kind = iota
	// KindString is the S variant.
	KindString
	// KindNumber is the N variant, a decimal numeral kept verbatim.
	KindNumber
	// KindBinary is the B variant.
	KindBinary
	// KindBool is the BOOL variant.
	KindBool
	// KindNull is the NULL variant.
	KindNull
	// KindStringSet is the SS variant.
	KindStringSet
	// KindNumberSet is the NS variant.
	KindNumberSet
	// KindBinarySet is the BS variant.
	KindBinarySet
	// KindList is the L variant.
	KindList
	// KindMap is the M variant.
	KindMap
)

// String returns the wire tag of the kind ("S", "N", ... , "M"), or an
// empty string for KindInvalid.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "S"
	case KindNumber:
		return "N"
	case KindBinary:
		return "B"
	case KindBool:
		return "BOOL"
	case KindNull:
		return "NULL"
	case KindStringSet:
		return "SS"
	case KindNumberSet:
		return "NS"
	case KindBinarySet:
		return "BS"
	case KindList:
		return "L"
	case KindMap:
		return "M"
	}
	return ""
}

// KindForTag maps a wire tag to its Kind.
func KindForTag(tag string) (Kind, bool) {
	switch tag {
	case "S":
		return KindString, true
	case "N":
		return KindNumber, true
	case "B":
		return KindBinary, true
	case "BOOL":
		return KindBool, true
	case "NULL":
		return KindNull, true
	case "SS":
		return KindStringSet, true
	case "NS":
		return KindNumberSet, true
	case "BS":
		return KindBinarySet, true
	case "L":
		return KindList, true
	case "M":
		return KindMap, true
	}
	return KindInvalid, false
}

// ScalarKind reports whether k is one of the key-eligible scalar kinds
// S, N or B.
func ScalarKind(k Kind) bool {
	return k == KindString || k == KindNumber || k == KindBinary
}

// Value is a single DynamoDB attribute value. The zero Value is
// invalid; construct values with the package constructors or decode
// them from JSON.
type Value struct {
	kind    Kind
	str     string // S payload or N numeral
	bin     []byte
	boolean bool
	strs    []string // SS or NS elements
	bins    [][]byte
	list    []Value
	mp      map[string]Value
}

// String returns an S value.
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Number returns an N value carrying the numeral verbatim. The numeral
// must be a valid decimal.
func Number(numeral string) (Value, error) {
	if err := checkNumeral(numeral); err != nil {
		return Value{}, trace.Wrap(err)
	}
	return Value{kind: KindNumber, str: numeral}, nil
}

// MustNumber is like Number but panics on an invalid numeral. Reserve
// it for compile-time constants and tests.
func MustNumber(numeral string) Value {
	v, err := Number(numeral)
	if err != nil {
		panic(err)
	}
	return v
}

// Int returns an N value holding the given integer.
func Int(i int64) Value {
	return Value{kind: KindNumber, str: formatInt(i)}
}

// Binary returns a B value. The payload is used as is, not copied.
func Binary(b []byte) Value {
	return Value{kind: KindBinary, bin: b}
}

// Bool returns a BOOL value.
func Bool(b bool) Value {
	return Value{kind: KindBool, boolean: b}
}

// Null returns the NULL value.
func Null() Value {
	return Value{kind: KindNull}
}

// StringSet returns an SS value. Sets must be non-empty and their
// elements unique.
func StringSet(elems ...string) (Value, error) {
	if len(elems) == 0 {
		return Value{}, trace.BadParameter("string set must not be empty")
	}
	out := make([]string, 0, len(elems))
	for _, e := range elems {
		if slices.Contains(out, e) {
			return Value{}, trace.BadParameter("duplicate string set element %q", e)
		}
		out = append(out, e)
	}
	return Value{kind: KindStringSet, strs: out}, nil
}

// NumberSet returns an NS value. Elements must be valid decimals and
// numerically unique ("1" and "1.0" are the same element).
func NumberSet(elems ...string) (Value, error) {
	if len(elems) == 0 {
		return Value{}, trace.BadParameter("number set must not be empty")
	}
	out := make([]string, 0, len(elems))
	for _, e := range elems {
		if err := checkNumeral(e); err != nil {
			return Value{}, trace.Wrap(err)
		}
		if containsNumeral(out, e) {
			return Value{}, trace.BadParameter("duplicate number set element %q", e)
		}
		out = append(out, e)
	}
	return Value{kind: KindNumberSet, strs: out}, nil
}

// BinarySet returns a BS value. Elements must be unique bytewise.
func BinarySet(elems ...[]byte) (Value, error) {
	if len(elems) == 0 {
		return Value{}, trace.BadParameter("binary set must not be empty")
	}
	out := make([][]byte, 0, len(elems))
	for _, e := range elems {
		for _, seen := range out {
			if bytes.Equal(seen, e) {
				return Value{}, trace.BadParameter("duplicate binary set element")
			}
		}
		out = append(out, e)
	}
	return Value{kind: KindBinarySet, bins: out}, nil
}

// List returns an L value. An empty call yields an empty list.
func List(elems ...Value) Value {
	if elems == nil {
		elems = []Value{}
	}
	return Value{kind: KindList, list: elems}
}

// Map returns an M value wrapping the given item. A nil map yields an
// empty map value.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, mp: m}
}

// Kind returns the variant of the value.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether the value is the invalid zero Value.
func (v Value) IsZero() bool { return v.kind == KindInvalid }

// Str returns the S payload, or an empty string for other kinds.
func (v Value) Str() string {
	if v.kind != KindString {
		return ""
	}
	return v.str
}

// Num returns the N numeral verbatim, or an empty string for other
// kinds.
func (v Value) Num() string {
	if v.kind != KindNumber {
		return ""
	}
	return v.str
}

// Bytes returns the B payload, or nil for other kinds.
func (v Value) Bytes() []byte {
	if v.kind != KindBinary {
		return nil
	}
	return v.bin
}

// Bool returns the BOOL payload, false for other kinds.
func (v Value) Bool() bool {
	return v.kind == KindBool && v.boolean
}

// StrSet returns the SS elements in insertion order.
func (v Value) StrSet() []string {
	if v.kind != KindStringSet {
		return nil
	}
	return v.strs
}

// NumSet returns the NS elements in insertion order.
func (v Value) NumSet() []string {
	if v.kind != KindNumberSet {
		return nil
	}
	return v.strs
}

// BinSet returns the BS elements in insertion order.
func (v Value) BinSet() [][]byte {
	if v.kind != KindBinarySet {
		return nil
	}
	return v.bins
}

// List returns the L elements.
func (v Value) List() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.list
}

// Map returns the M payload. Callers must not mutate it; use Clone for
// a private copy.
func (v Value) Map() map[string]Value {
	if v.kind != KindMap {
		return nil
	}
	return v.mp
}

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	out := Value{kind: v.kind, str: v.str, boolean: v.boolean}
	if v.bin != nil {
		out.bin = bytes.Clone(v.bin)
	}
	if v.strs != nil {
		out.strs = slices.Clone(v.strs)
	}
	if v.bins != nil {
		out.bins = make([][]byte, len(v.bins))
		for i, b := range v.bins {
			out.bins[i] = bytes.Clone(b)
		}
	}
	if v.list != nil {
		out.list = make([]Value, len(v.list))
		for i, e := range v.list {
			out.list[i] = e.Clone()
		}
	}
	if v.mp != nil {
		out.mp = make(map[string]Value, len(v.mp))
		for k, e := range v.mp {
			out.mp[k] = e.Clone()
		}
	}
	return out
}

// Equal reports structural equality: same variant and same payload.
// Numbers compare numerically, so N "1" equals N "1.0"; sets compare
// regardless of element order.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindString:
		return a.str == b.str
	case KindNumber:
		return compareNumerals(a.str, b.str) == 0
	case KindBinary:
		return bytes.Equal(a.bin, b.bin)
	case KindBool:
		return a.boolean == b.boolean
	case KindNull:
		return true
	case KindStringSet:
		if len(a.strs) != len(b.strs) {
			return false
		}
		for _, e := range a.strs {
			if !slices.Contains(b.strs, e) {
				return false
			}
		}
		return true
	case KindNumberSet:
		if len(a.strs) != len(b.strs) {
			return false
		}
		for _, e := range a.strs {
			if !containsNumeral(b.strs, e) {
				return false
			}
		}
		return true
	case KindBinarySet:
		if len(a.bins) != len(b.bins) {
			return false
		}
		for _, e := range a.bins {
			if !slices.ContainsFunc(b.bins, func(o []byte) bool { return bytes.Equal(o, e) }) {
				return false
			}
		}
		return true
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.mp) != len(b.mp) {
			return false
		}
		for k, av := range a.mp {
			bv, ok := b.mp[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// Equal reports whether the receiver and other are structurally equal.
func (v Value) Equal(other Value) bool {
	return Equal(v, other)
}

// Compare orders two scalar values of the same kind: numerically for
// N, by code point for S, bytewise for B. ok is false when the values
// are of different kinds or not scalars; expression comparisons treat
// that as a non-match rather than an error.
func Compare(a, b Value) (cmp int, ok bool) {
	if a.kind != b.kind {
		return 0, false
	}
	switch a.kind {
	case KindString:
		return stringsCompare(a.str, b.str), true
	case KindNumber:
		return compareNumerals(a.str, b.str), true
	case KindBinary:
		return bytes.Compare(a.bin, b.bin), true
	}
	return 0, false
}

// Size returns the storage size of the value in bytes, following the
// DynamoDB accounting rules: UTF-8 bytes for strings and numerals, raw
// length for binary, one byte for BOOL and NULL, plus the sizes of
// nested names and elements for documents.
func (v Value) Size() int {
	switch v.kind {
	case KindString, KindNumber:
		return len(v.str)
	case KindBinary:
		return len(v.bin)
	case KindBool, KindNull:
		return 1
	case KindStringSet, KindNumberSet:
		n := 0
		for _, e := range v.strs {
			n += len(e)
		}
		return n
	case KindBinarySet:
		n := 0
		for _, e := range v.bins {
			n += len(e)
		}
		return n
	case KindList:
		n := 3
		for _, e := range v.list {
			n += e.Size() + 1
		}
		return n
	case KindMap:
		n := 3
		for k, e := range v.mp {
			n += len(k) + e.Size() + 1
		}
		return n
	}
	return 0
}

// Length returns the argument of the size() expression function:
// byte length for S and B, element count for sets, lists and maps.
// ok is false for kinds size() does not apply to.
func (v Value) Length() (int, bool) {
	switch v.kind {
	case KindString:
		return len(v.str), true
	case KindBinary:
		return len(v.bin), true
	case KindStringSet, KindNumberSet:
		return len(v.strs), true
	case KindBinarySet:
		return len(v.bins), true
	case KindList:
		return len(v.list), true
	case KindMap:
		return len(v.mp), true
	}
	return 0, false
}

func stringsCompare(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
