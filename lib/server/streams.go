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
	"context"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/api"
)

// ListStreams pages through streams, optionally narrowed to one table.
func (s *Server) ListStreams(ctx context.Context, in *api.ListStreamsInput) (*api.ListStreamsOutput, error) {
	summaries, last, err := s.cfg.Streams.ListStreams(ctx, in.TableName, in.ExclusiveStartStreamArn, in.Limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.ListStreamsOutput{
		Streams:                api.StreamSummariesOf(summaries),
		LastEvaluatedStreamArn: last,
	}, nil
}

// DescribeStream reports the stream's shard and sequence range.
func (s *Server) DescribeStream(ctx context.Context, in *api.DescribeStreamInput) (*api.DescribeStreamOutput, error) {
	desc, err := s.cfg.Streams.DescribeStream(ctx, in.StreamArn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// The owning table is gone once deleted while the closed stream
	// remains describable, so the key schema is best effort.
	var keySchema []api.KeySchemaElement
	if table, err := s.cfg.Catalog.GetTable(ctx, desc.TableName); err == nil {
		keySchema = api.TableDescriptionOf(table, nil, s.cfg.Region, s.cfg.AccountID).KeySchema
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	return &api.DescribeStreamOutput{
		StreamDescription: api.StreamDescriptionOf(desc, keySchema),
	}, nil
}

// GetShardIterator positions an iterator in the stream's single shard.
func (s *Server) GetShardIterator(ctx context.Context, in *api.GetShardIteratorInput) (*api.GetShardIteratorOutput, error) {
	iterator, err := s.cfg.Streams.GetShardIterator(ctx, in.StreamArn, in.ShardID, in.ShardIteratorType, in.SequenceNumber)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.GetShardIteratorOutput{ShardIterator: iterator}, nil
}

// GetRecords reads a batch of change records from an iterator.
func (s *Server) GetRecords(ctx context.Context, in *api.GetRecordsInput) (*api.GetRecordsOutput, error) {
	records, next, err := s.cfg.Streams.GetRecords(ctx, in.ShardIterator, in.Limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	wire := make([]api.StreamRecord, 0, len(records))
	for _, rec := range records {
		wire = append(wire, api.StreamRecordOf(rec, s.cfg.Region))
	}
	return &api.GetRecordsOutput{
		Records:           wire,
		NextShardIterator: next,
	}, nil
}
