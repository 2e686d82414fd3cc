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
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pretenderdb/lib/api"
	"github.com/gravitational/pretenderdb/lib/dynattr"
	"github.com/gravitational/pretenderdb/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func TestSDKRoundTrip(t *testing.T) {
	sdk := map[string]types.AttributeValue{
		"s":    &types.AttributeValueMemberS{Value: "hello"},
		"n":    &types.AttributeValueMemberN{Value: "3.14"},
		"b":    &types.AttributeValueMemberB{Value: []byte{0x01, 0x02}},
		"bool": &types.AttributeValueMemberBOOL{Value: true},
		"null": &types.AttributeValueMemberNULL{Value: true},
		"ss":   &types.AttributeValueMemberSS{Value: []string{"a", "b"}},
		"ns":   &types.AttributeValueMemberNS{Value: []string{"1", "2"}},
		"bs":   &types.AttributeValueMemberBS{Value: [][]byte{{0x01}, {0x02}}},
		"l": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberS{Value: "x"},
			&types.AttributeValueMemberN{Value: "7"},
		}},
		"m": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"nested": &types.AttributeValueMemberBOOL{Value: false},
		}},
	}

	item, err := FromSDKItem(sdk)
	require.NoError(t, err)
	require.Equal(t, dynattr.String("hello"), item["s"])
	require.Equal(t, "3.14", item["n"].Num())
	require.Equal(t, []string{"a", "b"}, item["ss"].StrSet())
	require.Equal(t, dynattr.KindMap, item["m"].Kind())

	back, err := ToSDKItem(item)
	require.NoError(t, err)
	require.Equal(t, sdk, back)
}

func TestFromSDKValueErrors(t *testing.T) {
	_, err := FromSDKValue(nil)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))

	_, err = FromSDKValue(&types.AttributeValueMemberN{Value: "not-a-number"})
	require.Error(t, err)

	_, err = FromSDKItem(map[string]types.AttributeValue{
		"bad": &types.AttributeValueMemberN{Value: ""},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad")
}

func TestToSDKValueRejectsZero(t *testing.T) {
	_, err := ToSDKValue(dynattr.Value{})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestMarshalItem(t *testing.T) {
	type ticket struct {
		ID     string            `dynamodbav:"id"`
		Score  int               `dynamodbav:"score"`
		Open   bool              `dynamodbav:"open"`
		Labels []string          `dynamodbav:"labels"`
		Extra  map[string]string `dynamodbav:"extra"`
	}
	in := ticket{
		ID:     "t-1",
		Score:  42,
		Open:   true,
		Labels: []string{"red", "blue"},
		Extra:  map[string]string{"env": "test"},
	}

	item, err := MarshalItem(in)
	require.NoError(t, err)
	require.Equal(t, dynattr.String("t-1"), item["id"])
	require.Equal(t, "42", item["score"].Num())
	require.Equal(t, dynattr.KindList, item["labels"].Kind())

	var out ticket
	require.NoError(t, UnmarshalItem(item, &out))
	require.Equal(t, in, out)
}

func TestStreamsItemRoundTrip(t *testing.T) {
	item := dynattr.Item{
		"id":   dynattr.String("a"),
		"n":    dynattr.MustNumber("5"),
		"tags": dynattr.List(dynattr.String("x"), dynattr.Bool(true)),
	}
	sdk, err := ToSDKStreamsItem(item)
	require.NoError(t, err)
	back, err := FromSDKStreamsItem(sdk)
	require.NoError(t, err)
	require.Equal(t, item, back)
}

func TestToSDKRecord(t *testing.T) {
	rec := api.StreamRecord{
		EventID:      "evt-1",
		EventName:    "INSERT",
		EventVersion: "1.1",
		EventSource:  "aws:dynamodb",
		AWSRegion:    "local",
		Dynamodb: &api.StreamRecordDetail{
			ApproximateCreationDateTime: 1748779200,
			Keys:                        dynattr.Item{"id": dynattr.String("a")},
			NewImage:                    dynattr.Item{"id": dynattr.String("a"), "v": dynattr.MustNumber("1")},
			SequenceNumber:              "000000000000000000001",
			SizeBytes:                   17,
			StreamViewType:              "NEW_AND_OLD_IMAGES",
		},
		UserIdentity: &api.StreamIdentity{Type: "Service", PrincipalID: "dynamodb.amazonaws.com"},
	}

	out, err := ToSDKRecord(rec)
	require.NoError(t, err)
	require.Equal(t, "evt-1", aws.ToString(out.EventID))
	require.Equal(t, streamtypes.OperationTypeInsert, out.EventName)
	require.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), *out.Dynamodb.ApproximateCreationDateTime)
	require.Equal(t, &streamtypes.AttributeValueMemberS{Value: "a"}, out.Dynamodb.Keys["id"])
	require.Equal(t, "000000000000000000001", aws.ToString(out.Dynamodb.SequenceNumber))
	require.Equal(t, streamtypes.StreamViewTypeNewAndOldImages, out.Dynamodb.StreamViewType)
	require.Equal(t, "dynamodb.amazonaws.com", aws.ToString(out.UserIdentity.PrincipalId))
	require.Nil(t, out.Dynamodb.OldImage)
}
