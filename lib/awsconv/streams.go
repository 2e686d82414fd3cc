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

package awsconv

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/api"
	"github.com/gravitational/pretenderdb/lib/dynattr"
)

// FromSDKStreamsItem converts a streams SDK attribute map, the shape
// GetRecords returns through the streams client.
func FromSDKStreamsItem(in map[string]streamtypes.AttributeValue) (dynattr.Item, error) {
	if in == nil {
		return nil, nil
	}
	converted, err := attributevalue.FromDynamoDBStreamsMap(in)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	item, err := FromSDKItem(converted)
	return item, trace.Wrap(err)
}

// ToSDKStreamsValue converts one attribute value into its streams SDK
// form.
func ToSDKStreamsValue(v dynattr.Value) (streamtypes.AttributeValue, error) {
	switch v.Kind() {
	case dynattr.KindString:
		return &streamtypes.AttributeValueMemberS{Value: v.Str()}, nil
	case dynattr.KindNumber:
		return &streamtypes.AttributeValueMemberN{Value: v.Num()}, nil
	case dynattr.KindBinary:
		return &streamtypes.AttributeValueMemberB{Value: v.Bytes()}, nil
	case dynattr.KindBool:
		return &streamtypes.AttributeValueMemberBOOL{Value: v.Bool()}, nil
	case dynattr.KindNull:
		return &streamtypes.AttributeValueMemberNULL{Value: true}, nil
	case dynattr.KindStringSet:
		return &streamtypes.AttributeValueMemberSS{Value: v.StrSet()}, nil
	case dynattr.KindNumberSet:
		return &streamtypes.AttributeValueMemberNS{Value: v.NumSet()}, nil
	case dynattr.KindBinarySet:
		return &streamtypes.AttributeValueMemberBS{Value: v.BinSet()}, nil
	case dynattr.KindList:
		list := v.List()
		elems := make([]streamtypes.AttributeValue, 0, len(list))
		for _, elem := range list {
			converted, err := ToSDKStreamsValue(elem)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			elems = append(elems, converted)
		}
		return &streamtypes.AttributeValueMemberL{Value: elems}, nil
	case dynattr.KindMap:
		converted, err := ToSDKStreamsItem(v.Map())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &streamtypes.AttributeValueMemberM{Value: converted}, nil
	default:
		return nil, trace.BadParameter("cannot convert a zero attribute value")
	}
}

// ToSDKStreamsItem converts an attribute map into its streams SDK
// form.
func ToSDKStreamsItem(in map[string]dynattr.Value) (map[string]streamtypes.AttributeValue, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]streamtypes.AttributeValue, len(in))
	for name, v := range in {
		av, err := ToSDKStreamsValue(v)
		if err != nil {
			return nil, trace.Wrap(err, "attribute %q", name)
		}
		out[name] = av
	}
	return out, nil
}

// ToSDKRecord converts one wire stream record into the streams SDK
// shape, so consumers written against the real streams client types
// can process emulator records unchanged.
func ToSDKRecord(rec api.StreamRecord) (streamtypes.Record, error) {
	out := streamtypes.Record{
		EventID:      aws.String(rec.EventID),
		EventName:    streamtypes.OperationType(rec.EventName),
		EventVersion: aws.String(rec.EventVersion),
		EventSource:  aws.String(rec.EventSource),
		AwsRegion:    aws.String(rec.AWSRegion),
	}
	if rec.UserIdentity != nil {
		out.UserIdentity = &streamtypes.Identity{
			Type:        aws.String(rec.UserIdentity.Type),
			PrincipalId: aws.String(rec.UserIdentity.PrincipalID),
		}
	}
	if rec.Dynamodb == nil {
		return out, nil
	}
	keys, err := ToSDKStreamsItem(rec.Dynamodb.Keys)
	if err != nil {
		return streamtypes.Record{}, trace.Wrap(err)
	}
	newImage, err := ToSDKStreamsItem(rec.Dynamodb.NewImage)
	if err != nil {
		return streamtypes.Record{}, trace.Wrap(err)
	}
	oldImage, err := ToSDKStreamsItem(rec.Dynamodb.OldImage)
	if err != nil {
		return streamtypes.Record{}, trace.Wrap(err)
	}
	created := time.UnixMilli(int64(rec.Dynamodb.ApproximateCreationDateTime * 1000)).UTC()
	out.Dynamodb = &streamtypes.StreamRecord{
		ApproximateCreationDateTime: &created,
		Keys:                        keys,
		NewImage:                    newImage,
		OldImage:                    oldImage,
		SequenceNumber:              aws.String(rec.Dynamodb.SequenceNumber),
		SizeBytes:                   aws.Int64(rec.Dynamodb.SizeBytes),
		StreamViewType:              streamtypes.StreamViewType(rec.Dynamodb.StreamViewType),
	}
	return out, nil
}
