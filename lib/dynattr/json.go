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

// The wire form is the canonical AWS shape: a JSON object with exactly
// one of the type tags as its key, e.g. {"S":"x"}, {"N":"3.14"},
// {"L":[…]}. The same encoding is the storage form of item payloads,
// so a round trip through either must yield an equal value.

// MarshalJSON encodes the value in the canonical wire shape.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(map[string]string{"S": v.str})
	case KindNumber:
		return json.Marshal(map[string]string{"N": v.str})
	case KindBinary:
		return json.Marshal(map[string][]byte{"B": v.bin})
	case KindBool:
		return json.Marshal(map[string]bool{"BOOL": v.boolean})
	case KindNull:
		return json.Marshal(map[string]bool{"NULL": true})
	case KindStringSet:
		return json.Marshal(map[string][]string{"SS": v.strs})
	case KindNumberSet:
		return json.Marshal(map[string][]string{"NS": v.strs})
	case KindBinarySet:
		return json.Marshal(map[string][][]byte{"BS": v.bins})
	case KindList:
		return json.Marshal(map[string][]Value{"L": v.list})
	case KindMap:
		return json.Marshal(map[string]map[string]Value{"M": v.mp})
	}
	return nil, trace.BadParameter("cannot encode invalid attribute value")
}

// UnmarshalJSON decodes the canonical wire shape, rejecting objects
// with zero or multiple type tags, unknown tags, malformed numerals,
// malformed base64 and malformed sets.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return trace.BadParameter("invalid attribute value: %v", err)
	}
	if len(raw) != 1 {
		return trace.BadParameter("attribute value must carry exactly one type tag, found %d", len(raw))
	}
	for tag, payload := range raw {
		decoded, err := decodeTagged(tag, payload)
		if err != nil {
			return trace.Wrap(err)
		}
		*v = decoded
	}
	return nil
}

func decodeTagged(tag string, payload json.RawMessage) (Value, error) {
	switch tag {
	case "S":
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return Value{}, trace.BadParameter("invalid S payload: %v", err)
		}
		return String(s), nil
	case "N":
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return Value{}, trace.BadParameter("invalid N payload: %v", err)
		}
		return Number(s)
	case "B":
		var b []byte
		if err := json.Unmarshal(payload, &b); err != nil {
			return Value{}, trace.BadParameter("invalid B payload: %v", err)
		}
		return Binary(b), nil
	case "BOOL":
		var b bool
		if err := json.Unmarshal(payload, &b); err != nil {
			return Value{}, trace.BadParameter("invalid BOOL payload: %v", err)
		}
		return Bool(b), nil
	case "NULL":
		var b bool
		if err := json.Unmarshal(payload, &b); err != nil {
			return Value{}, trace.BadParameter("invalid NULL payload: %v", err)
		}
		if !b {
			return Value{}, trace.BadParameter("NULL attribute value must be true")
		}
		return Null(), nil
	case "SS":
		var elems []string
		if err := json.Unmarshal(payload, &elems); err != nil {
			return Value{}, trace.BadParameter("invalid SS payload: %v", err)
		}
		return StringSet(elems...)
	case "NS":
		var elems []string
		if err := json.Unmarshal(payload, &elems); err != nil {
			return Value{}, trace.BadParameter("invalid NS payload: %v", err)
		}
		return NumberSet(elems...)
	case "BS":
		var elems [][]byte
		if err := json.Unmarshal(payload, &elems); err != nil {
			return Value{}, trace.BadParameter("invalid BS payload: %v", err)
		}
		return BinarySet(elems...)
	case "L":
		var elems []Value
		if err := json.Unmarshal(payload, &elems); err != nil {
			return Value{}, trace.Wrap(err)
		}
		return List(elems...), nil
	case "M":
		var m map[string]Value
		if err := json.Unmarshal(payload, &m); err != nil {
			return Value{}, trace.Wrap(err)
		}
		for name := range m {
			if name == "" {
				return Value{}, trace.BadParameter("map attribute names must not be empty")
			}
		}
		return Map(m), nil
	}
	return Value{}, trace.BadParameter("unknown attribute value type %q", tag)
}
