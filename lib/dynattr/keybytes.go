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
	"encoding/binary"
	"math"
	"strings"

	"github.com/gravitational/trace"
	"github.com/shopspring/decimal"
)

// Key columns store a canonical byte encoding of the key value rather
// than the value itself: bytewise comparison of encodings must order
// exactly like the values (numeric for N, code point for S, bytewise
// for B), and numerically equal N values must share one encoding so
// that "1" and "1.0" address the same row. The encoding carries a type
// tag; only one key type ever appears within a table or index, so the
// tags never decide an ordering.

const (
	keyTagString byte = 0x01
	keyTagNumber byte = 0x02
	keyTagBinary byte = 0x03
)

const (
	numSignNegative byte = 0x00
	numSignZero     byte = 0x80
	numSignPositive byte = 0xff

	// terminators keep mantissa comparison correct when one mantissa
	// is a prefix of another: shorter positive mantissas sort first,
	// shorter negative mantissas sort last.
	numTermPositive byte = 0x00
	numTermNegative byte = 0xff
)

// EncodeKey returns the canonical byte form of a scalar key value.
func EncodeKey(v Value) ([]byte, error) {
	switch v.kind {
	case KindString:
		out := make([]byte, 0, len(v.str)+1)
		out = append(out, keyTagString)
		return append(out, v.str...), nil
	case KindBinary:
		out := make([]byte, 0, len(v.bin)+1)
		out = append(out, keyTagBinary)
		return append(out, v.bin...), nil
	case KindNumber:
		d, err := v.Decimal()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return appendNumberKey([]byte{keyTagNumber}, d), nil
	}
	return nil, trace.BadParameter("key attributes must be S, N or B, not %s", v.kind)
}

// appendNumberKey appends the order-preserving form of a decimal:
// a sign byte, a biased base-10 exponent and the significant digits of
// the mantissa, everything complemented for negative values so larger
// magnitudes sort lower.
func appendNumberKey(out []byte, d decimal.Decimal) []byte {
	if d.IsZero() {
		return append(out, numSignZero)
	}

	digits := d.Coefficient().String()
	if digits[0] == '-' {
		digits = digits[1:]
	}
	// value = 0.mantissa * 10^exp10 with the mantissa stripped of
	// trailing zeros, which makes the form unique per numeric value.
	exp10 := int64(d.Exponent()) + int64(len(digits))
	digits = strings.TrimRight(digits, "0")

	biased := uint32(exp10 + math.MaxInt32 + 1)
	negative := d.Sign() < 0
	if negative {
		out = append(out, numSignNegative)
		biased = ^biased
	} else {
		out = append(out, numSignPositive)
	}
	out = binary.BigEndian.AppendUint32(out, biased)

	if negative {
		for i := 0; i < len(digits); i++ {
			out = append(out, '0'+'9'-digits[i])
		}
		return append(out, numTermNegative)
	}
	out = append(out, digits...)
	return append(out, numTermPositive)
}

// PrefixEnd returns the smallest byte string that is greater than
// every string beginning with prefix. ok is false when no such bound
// exists (the prefix is empty or all 0xff), in which case the range is
// unbounded above.
func PrefixEnd(prefix []byte) ([]byte, bool) {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] < 0xff {
			end := make([]byte, i+1)
			copy(end, prefix[:i+1])
			end[i]++
			return end, true
		}
	}
	return nil, false
}

// SegmentBounds splits the encoded key space of one scalar kind into
// total contiguous, disjoint byte ranges and returns the half-open
// bounds of the requested segment. Segments cut on the byte following
// the type tag, so string and binary keys spread by their first byte.
func SegmentBounds(kind Kind, segment, total int) (lo, hi []byte, err error) {
	if total < 1 {
		return nil, nil, trace.BadParameter("total segments must be positive, got %d", total)
	}
	if segment < 0 || segment >= total {
		return nil, nil, trace.BadParameter("segment %d is outside [0, %d)", segment, total)
	}
	var tag byte
	switch kind {
	case KindString:
		tag = keyTagString
	case KindNumber:
		tag = keyTagNumber
	case KindBinary:
		tag = keyTagBinary
	default:
		return nil, nil, trace.BadParameter("key attributes must be S, N or B, not %s", kind)
	}
	if segment > 0 {
		lo = []byte{tag, byte(256 * segment / total)}
	} else {
		lo = []byte{tag}
	}
	if segment < total-1 {
		hi = []byte{tag, byte(256 * (segment + 1) / total)}
	} else {
		hi = []byte{tag + 1}
	}
	return lo, hi, nil
}
