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

package server

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/gravitational/trace"
)

// Target prefixes of the two wire APIs.
const (
	TargetPrefixDynamoDB = "DynamoDB_20120810."
	TargetPrefixStreams  = "DynamoDBStreams_20120810."
)

// Dispatch routes one operation by its X-Amz-Target value, decoding
// body into the operation's input and encoding its output. Errors come
// back in the internal taxonomy; the HTTP handler renders them.
func (s *Server) Dispatch(ctx context.Context, target string, body []byte) ([]byte, error) {
	switch target {
	case TargetPrefixDynamoDB + "CreateTable":
		return dispatchOp(ctx, s.CreateTable, body)
	case TargetPrefixDynamoDB + "DescribeTable":
		return dispatchOp(ctx, s.DescribeTable, body)
	case TargetPrefixDynamoDB + "DeleteTable":
		return dispatchOp(ctx, s.DeleteTable, body)
	case TargetPrefixDynamoDB + "ListTables":
		return dispatchOp(ctx, s.ListTables, body)
	case TargetPrefixDynamoDB + "UpdateTable":
		return dispatchOp(ctx, s.UpdateTable, body)
	case TargetPrefixDynamoDB + "UpdateTimeToLive":
		return dispatchOp(ctx, s.UpdateTimeToLive, body)
	case TargetPrefixDynamoDB + "DescribeTimeToLive":
		return dispatchOp(ctx, s.DescribeTimeToLive, body)
	case TargetPrefixDynamoDB + "PutItem":
		return dispatchOp(ctx, s.PutItem, body)
	case TargetPrefixDynamoDB + "GetItem":
		return dispatchOp(ctx, s.GetItem, body)
	case TargetPrefixDynamoDB + "UpdateItem":
		return dispatchOp(ctx, s.UpdateItem, body)
	case TargetPrefixDynamoDB + "DeleteItem":
		return dispatchOp(ctx, s.DeleteItem, body)
	case TargetPrefixDynamoDB + "Query":
		return dispatchOp(ctx, s.Query, body)
	case TargetPrefixDynamoDB + "Scan":
		return dispatchOp(ctx, s.Scan, body)
	case TargetPrefixDynamoDB + "BatchGetItem":
		return dispatchOp(ctx, s.BatchGetItem, body)
	case TargetPrefixDynamoDB + "BatchWriteItem":
		return dispatchOp(ctx, s.BatchWriteItem, body)
	case TargetPrefixDynamoDB + "TransactWriteItems":
		return dispatchOp(ctx, s.TransactWriteItems, body)
	case TargetPrefixDynamoDB + "TransactGetItems":
		return dispatchOp(ctx, s.TransactGetItems, body)
	case TargetPrefixStreams + "ListStreams":
		return dispatchOp(ctx, s.ListStreams, body)
	case TargetPrefixStreams + "DescribeStream":
		return dispatchOp(ctx, s.DescribeStream, body)
	case TargetPrefixStreams + "GetShardIterator":
		return dispatchOp(ctx, s.GetShardIterator, body)
	case TargetPrefixStreams + "GetRecords":
		return dispatchOp(ctx, s.GetRecords, body)
	default:
		return nil, trace.NotImplemented("unknown operation %q", target)
	}
}

// dispatchOp decodes the request body, runs the operation and encodes
// its response.
func dispatchOp[In, Out any](ctx context.Context, op func(context.Context, *In) (*Out, error), body []byte) ([]byte, error) {
	in := new(In)
	if err := decodeBody(body, in); err != nil {
		return nil, trace.Wrap(err)
	}
	out, err := op(ctx, in)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// decodeBody unmarshals a request body. An empty body decodes to the
// zero input, the shape SDKs send for operations without parameters.
// Unknown fields pass through untouched so SDK extras like
// ReturnConsumedCapacity do not fail the request.
func decodeBody(body []byte, in any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, in); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}
