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
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/shopspring/decimal"
)

// N values are carried as decimal numerals and kept verbatim across
// round trips; arithmetic and comparison go through arbitrary
// precision decimals so "1" and "1.0" are one number.

// checkNumeral validates the shape of a decimal numeral: optional
// sign, digits with an optional fractional part, optional exponent.
// A bare "." or an empty string is rejected, as are hex, infinity and
// NaN forms that a general float parser would accept.
func checkNumeral(s string) error {
	rest := s
	if len(rest) > 0 && (rest[0] == '+' || rest[0] == '-') {
		rest = rest[1:]
	}
	mantissa, exponent, hasExp := strings.Cut(rest, "e")
	if !hasExp {
		mantissa, exponent, hasExp = strings.Cut(rest, "E")
	}
	intPart, fracPart, _ := strings.Cut(mantissa, ".")
	if !digitsOnly(intPart) || !digitsOnly(fracPart) {
		return trace.BadParameter("invalid number %q", s)
	}
	if len(intPart) == 0 && len(fracPart) == 0 {
		return trace.BadParameter("invalid number %q", s)
	}
	if hasExp {
		exp := exponent
		if len(exp) > 0 && (exp[0] == '+' || exp[0] == '-') {
			exp = exp[1:]
		}
		if len(exp) == 0 || !digitsOnly(exp) {
			return trace.BadParameter("invalid number %q", s)
		}
	}
	if _, err := decimal.NewFromString(s); err != nil {
		return trace.BadParameter("invalid number %q", s)
	}
	return nil
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// compareNumerals orders two valid numerals numerically.
func compareNumerals(a, b string) int {
	da, err := decimal.NewFromString(a)
	if err != nil {
		return strings.Compare(a, b)
	}
	db, err := decimal.NewFromString(b)
	if err != nil {
		return strings.Compare(a, b)
	}
	return da.Cmp(db)
}

func containsNumeral(haystack []string, needle string) bool {
	for _, e := range haystack {
		if compareNumerals(e, needle) == 0 {
			return true
		}
	}
	return false
}

func formatInt(i int64) string {
	return strconv.FormatInt(i, 10)
}

// Decimal returns the numeric value of an N attribute.
func (v Value) Decimal() (decimal.Decimal, error) {
	if v.kind != KindNumber {
		return decimal.Decimal{}, trace.BadParameter("attribute value is %s, not N", v.kind)
	}
	d, err := decimal.NewFromString(v.str)
	if err != nil {
		return decimal.Decimal{}, trace.BadParameter("invalid number %q", v.str)
	}
	return d, nil
}

// AddNumbers returns a+b as an N value. Results of arithmetic render
// in normalized decimal form; only untouched numerals round-trip
// verbatim.
func AddNumbers(a, b Value) (Value, error) {
	da, err := a.Decimal()
	if err != nil {
		return Value{}, trace.Wrap(err)
	}
	db, err := b.Decimal()
	if err != nil {
		return Value{}, trace.Wrap(err)
	}
	return Value{kind: KindNumber, str: da.Add(db).String()}, nil
}

// SubtractNumbers returns a-b as an N value.
func SubtractNumbers(a, b Value) (Value, error) {
	da, err := a.Decimal()
	if err != nil {
		return Value{}, trace.Wrap(err)
	}
	db, err := b.Decimal()
	if err != nil {
		return Value{}, trace.Wrap(err)
	}
	return Value{kind: KindNumber, str: da.Sub(db).String()}, nil
}

// EpochSeconds interprets an N value as integral epoch seconds for TTL
// purposes, truncating any fractional part. ok is false for non-number
// values and numbers outside the int64 range.
func (v Value) EpochSeconds() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	d, err := decimal.NewFromString(v.str)
	if err != nil {
		return 0, false
	}
	truncated := d.Truncate(0)
	if !truncated.BigInt().IsInt64() {
		return 0, false
	}
	return truncated.IntPart(), true
}
