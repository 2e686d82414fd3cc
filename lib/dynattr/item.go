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
	"encoding/json"

	"github.com/gravitational/trace"
)

// Item is a single logical record: attribute names mapped to values.
type Item map[string]Value

// Clone returns a deep copy of the item. Cloning nil yields an empty
// item.
func (i Item) Clone() Item {
	out := make(Item, len(i))
	for k, v := range i {
		out[k] = v.Clone()
	}
	return out
}

// Equal reports whether both items hold equal values under the same
// names.
func (i Item) Equal(other Item) bool {
	if len(i) != len(other) {
		return false
	}
	for k, v := range i {
		o, ok := other[k]
		if !ok || !Equal(v, o) {
			return false
		}
	}
	return true
}

// Size returns the storage size of the item: attribute name bytes plus
// value sizes, per the DynamoDB accounting rules.
func (i Item) Size() int {
	n := 0
	for k, v := range i {
		n += len(k) + v.Size()
	}
	return n
}

// MarshalItem encodes an item as its canonical JSON payload.
func MarshalItem(i Item) ([]byte, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// UnmarshalItem decodes a canonical JSON payload back into an item.
func UnmarshalItem(data []byte) (Item, error) {
	var i Item
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, trace.Wrap(err)
	}
	if i == nil {
		i = Item{}
	}
	return i, nil
}
