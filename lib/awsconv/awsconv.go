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

// Package awsconv converts between pretenderdb attribute values and
// the AWS SDK v2 DynamoDB types, so programs already speaking the SDK
// shapes can call the emulator in process.
package awsconv

import (
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/dynattr"
)

// FromSDKValue converts one SDK attribute value.
func FromSDKValue(av types.AttributeValue) (dynattr.Value, error) {
	switch m := av.(type) {
	case *types.AttributeValueMemberS:
		return dynattr.String(m.Value), nil
	case *types.AttributeValueMemberN:
		v, err := dynattr.Number(m.Value)
		return v, trace.Wrap(err)
	case *types.AttributeValueMemberB:
		return dynattr.Binary(m.Value), nil
	case *types.AttributeValueMemberBOOL:
		return dynattr.Bool(m.Value), nil
	case *types.AttributeValueMemberNULL:
		return dynattr.Null(), nil
	case *types.AttributeValueMemberSS:
		v, err := dynattr.StringSet(m.Value...)
		return v, trace.Wrap(err)
	case *types.AttributeValueMemberNS:
		v, err := dynattr.NumberSet(m.Value...)
		return v, trace.Wrap(err)
	case *types.AttributeValueMemberBS:
		v, err := dynattr.BinarySet(m.Value...)
		return v, trace.Wrap(err)
	case *types.AttributeValueMemberL:
		elems := make([]dynattr.Value, 0, len(m.Value))
		for _, elem := range m.Value {
			converted, err := FromSDKValue(elem)
			if err != nil {
				return dynattr.Value{}, trace.Wrap(err)
			}
			elems = append(elems, converted)
		}
		return dynattr.List(elems...), nil
	case *types.AttributeValueMemberM:
		converted, err := FromSDKItem(m.Value)
		if err != nil {
			return dynattr.Value{}, trace.Wrap(err)
		}
		return dynattr.Map(converted), nil
	case nil:
		return dynattr.Value{}, trace.BadParameter("nil attribute value")
	default:
		return dynattr.Value{}, trace.BadParameter("unsupported attribute value type %T", av)
	}
}

// ToSDKValue converts one attribute value into its SDK form.
func ToSDKValue(v dynattr.Value) (types.AttributeValue, error) {
	switch v.Kind() {
	case dynattr.KindString:
		return &types.AttributeValueMemberS{Value: v.Str()}, nil
	case dynattr.KindNumber:
		return &types.AttributeValueMemberN{Value: v.Num()}, nil
	case dynattr.KindBinary:
		return &types.AttributeValueMemberB{Value: v.Bytes()}, nil
	case dynattr.KindBool:
		return &types.AttributeValueMemberBOOL{Value: v.Bool()}, nil
	case dynattr.KindNull:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case dynattr.KindStringSet:
		return &types.AttributeValueMemberSS{Value: v.StrSet()}, nil
	case dynattr.KindNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumSet()}, nil
	case dynattr.KindBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinSet()}, nil
	case dynattr.KindList:
		list := v.List()
		elems := make([]types.AttributeValue, 0, len(list))
		for _, elem := range list {
			converted, err := ToSDKValue(elem)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			elems = append(elems, converted)
		}
		return &types.AttributeValueMemberL{Value: elems}, nil
	case dynattr.KindMap:
		converted, err := ToSDKItem(v.Map())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &types.AttributeValueMemberM{Value: converted}, nil
	default:
		return nil, trace.BadParameter("cannot convert a zero attribute value")
	}
}

// FromSDKItem converts an SDK attribute map. It serves items,
// expression values and keys alike.
func FromSDKItem(in map[string]types.AttributeValue) (dynattr.Item, error) {
	if in == nil {
		return nil, nil
	}
	out := make(dynattr.Item, len(in))
	for name, av := range in {
		v, err := FromSDKValue(av)
		if err != nil {
			return nil, trace.Wrap(err, "attribute %q", name)
		}
		out[name] = v
	}
	return out, nil
}

// ToSDKItem converts an attribute map into its SDK form.
func ToSDKItem(in map[string]dynattr.Value) (map[string]types.AttributeValue, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]types.AttributeValue, len(in))
	for name, v := range in {
		av, err := ToSDKValue(v)
		if err != nil {
			return nil, trace.Wrap(err, "attribute %q", name)
		}
		out[name] = av
	}
	return out, nil
}

// MarshalItem converts a Go value into an item using the SDK's struct
// marshaling rules (dynamodbav tags and friends).
func MarshalItem(in any) (dynattr.Item, error) {
	avs, err := attributevalue.MarshalMap(in)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	item, err := FromSDKItem(avs)
	return item, trace.Wrap(err)
}

// UnmarshalItem fills a Go value from an item using the SDK's struct
// unmarshaling rules.
func UnmarshalItem(item dynattr.Item, out any) error {
	avs, err := ToSDKItem(item)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(attributevalue.UnmarshalMap(avs, out))
}
