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

package api

import (
	"fmt"

	"github.com/gravitational/pretenderdb/lib/streams"
)

// Stream record envelope constants.
const (
	eventVersion = "1.1"
	eventSource  = "aws:dynamodb"
)

// FormatSequenceNumber renders a sequence number the way the streams
// API spells them, as a zero-padded decimal string.
func FormatSequenceNumber(seq int64) string {
	return fmt.Sprintf("%021d", seq)
}

// StreamRecordOf renders one captured change in the wire shape.
func StreamRecordOf(rec streams.Record, region string) StreamRecord {
	wire := StreamRecord{
		EventID:      rec.EventID,
		EventName:    rec.EventName,
		EventVersion: eventVersion,
		EventSource:  eventSource,
		AWSRegion:    region,
		Dynamodb: &StreamRecordDetail{
			ApproximateCreationDateTime: epochSeconds(rec.CreatedAt),
			Keys:                        rec.Keys,
			NewImage:                    rec.NewImage,
			OldImage:                    rec.OldImage,
			SequenceNumber:              FormatSequenceNumber(rec.SequenceNumber),
			SizeBytes:                   int64(rec.SizeBytes),
			StreamViewType:              rec.ViewType,
		},
	}
	if rec.Identity != nil {
		wire.UserIdentity = &StreamIdentity{
			Type:        rec.Identity.Type,
			PrincipalID: rec.Identity.PrincipalID,
		}
	}
	return wire
}

// StreamDescriptionOf renders a stream description. keySchema is the
// owning table's key schema when the table still exists.
func StreamDescriptionOf(desc *streams.Description, keySchema []KeySchemaElement) *StreamDescription {
	shard := ShardDescription{
		ShardID: desc.Shard.ShardID,
		SequenceNumberRange: &SequenceNumberRange{
			StartingSequenceNumber: FormatSequenceNumber(desc.Shard.StartingSequenceNumber),
		},
	}
	if desc.Shard.EndingSequenceNumber > 0 {
		shard.SequenceNumberRange.EndingSequenceNumber = FormatSequenceNumber(desc.Shard.EndingSequenceNumber)
	}
	return &StreamDescription{
		StreamArn:               desc.StreamARN,
		StreamLabel:             desc.Label,
		StreamStatus:            desc.Status,
		StreamViewType:          desc.ViewType,
		CreationRequestDateTime: epochSeconds(desc.CreatedAt),
		TableName:               desc.TableName,
		KeySchema:               keySchema,
		Shards:                  []ShardDescription{shard},
	}
}

// StreamSummariesOf renders a ListStreams page.
func StreamSummariesOf(summaries []streams.Summary) []StreamSummary {
	wire := make([]StreamSummary, 0, len(summaries))
	for _, s := range summaries {
		wire = append(wire, StreamSummary{
			StreamArn:   s.StreamARN,
			TableName:   s.TableName,
			StreamLabel: s.Label,
		})
	}
	return wire
}
