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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNumberKeyOrdering(t *testing.T) {
	// numerals in strictly ascending numeric order; their encodings
	// must compare bytewise in the same order
	ordered := []string{
		"-1e20", "-12345.678", "-12345.6", "-200", "-10", "-5", "-0.1234",
		"-0.123", "-1e-30", "0", "1e-30", "0.123", "0.1234", "0.5", "1",
		"1.01", "1.1", "2", "5", "10", "123", "1230", "99999999999999999999",
		"1e25",
	}
	encoded := make([][]byte, len(ordered))
	for i, numeral := range ordered {
		enc, err := EncodeKey(MustNumber(numeral))
		require.NoError(t, err)
		encoded[i] = enc
	}
	for i := 1; i < len(encoded); i++ {
		require.Negative(t, bytes.Compare(encoded[i-1], encoded[i]),
			"%q must encode below %q", ordered[i-1], ordered[i])
	}
}

func TestNumberKeyCanonical(t *testing.T) {
	// numerically equal values share one encoding, giving primary key
	// equality across spellings
	forms := []string{"1", "1.0", "1.00", "0.1e1", "10e-1", "+1"}
	first, err := EncodeKey(MustNumber(forms[0]))
	require.NoError(t, err)
	for _, f := range forms[1:] {
		enc, err := EncodeKey(MustNumber(f))
		require.NoError(t, err)
		require.Equal(t, first, enc, "form %q", f)
	}

	zeroForms := []string{"0", "0.0", "-0", "0e10"}
	zero, err := EncodeKey(MustNumber(zeroForms[0]))
	require.NoError(t, err)
	for _, f := range zeroForms[1:] {
		enc, err := EncodeKey(MustNumber(f))
		require.NoError(t, err)
		require.Equal(t, zero, enc, "form %q", f)
	}
}

func TestStringAndBinaryKeyOrdering(t *testing.T) {
	a, err := EncodeKey(String("apple"))
	require.NoError(t, err)
	b, err := EncodeKey(String("apples"))
	require.NoError(t, err)
	c, err := EncodeKey(String("banana"))
	require.NoError(t, err)
	require.Negative(t, bytes.Compare(a, b), "prefix sorts first")
	require.Negative(t, bytes.Compare(b, c))

	x, err := EncodeKey(Binary([]byte{0x00}))
	require.NoError(t, err)
	y, err := EncodeKey(Binary([]byte{0x00, 0x01}))
	require.NoError(t, err)
	z, err := EncodeKey(Binary([]byte{0xff}))
	require.NoError(t, err)
	require.Negative(t, bytes.Compare(x, y))
	require.Negative(t, bytes.Compare(y, z))
}

func TestEncodeKeyRejectsNonScalar(t *testing.T) {
	for _, v := range []Value{Bool(true), Null(), List(Int(1)), Map(nil)} {
		_, err := EncodeKey(v)
		require.Error(t, err, "kind %s", v.Kind())
	}
}

func TestPrefixEnd(t *testing.T) {
	enc, err := EncodeKey(String("ab"))
	require.NoError(t, err)
	end, ok := PrefixEnd(enc)
	require.True(t, ok)

	within, err := EncodeKey(String("abz"))
	require.NoError(t, err)
	outside, err := EncodeKey(String("ac"))
	require.NoError(t, err)

	require.Negative(t, bytes.Compare(within, end))
	require.GreaterOrEqual(t, bytes.Compare(outside, end), 0)

	_, ok = PrefixEnd([]byte{0xff, 0xff})
	require.False(t, ok)
	_, ok = PrefixEnd(nil)
	require.False(t, ok)
}
