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

package streams

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/defaults"
	"github.com/gravitational/pretenderdb/lib/sqlbk"
)

// Shard iterator types.
const (
	IteratorTrimHorizon         = "TRIM_HORIZON"
	IteratorLatest              = "LATEST"
	IteratorAtSequenceNumber    = "AT_SEQUENCE_NUMBER"
	IteratorAfterSequenceNumber = "AFTER_SEQUENCE_NUMBER"
)

// Summary identifies one stream in a ListStreams page.
type Summary struct {
	StreamARN string
	TableName string
	Label     string
}

// Shard describes the single logical shard of a stream.
type Shard struct {
	ShardID string
	// StartingSequenceNumber is the first sequence number still
	// readable, advanced by retention pruning.
	StartingSequenceNumber int64
	// EndingSequenceNumber is the last sequence number ever written.
	// Zero while the stream is open.
	EndingSequenceNumber int64
}

// Description is the DescribeStream view of one stream.
type Description struct {
	StreamARN string
	TableName string
	Label     string
	ViewType  string
	Status    string
	CreatedAt time.Time
	Shard     Shard
}

// streamRow mirrors one pdb_streams row.
type streamRow struct {
	arn       string
	tableName string
	label     string
	viewType  string
	shardID   string
	createdAt time.Time
	closedAt  sql.NullTime
	lastSeq   int64
	trimSeq   int64
}

func (r *streamRow) closed() bool { return r.closedAt.Valid }

func (s *Streams) loadStream(ctx context.Context, tx *sql.Tx, arn string) (*streamRow, error) {
	row := &streamRow{}
	err := tx.QueryRowContext(ctx,
		s.cfg.DB.Rebind(`SELECT stream_arn, table_name, stream_label, view_type, shard_id, created_at, closed_at, last_seq, trim_seq
  FROM pdb_streams WHERE stream_arn = $1`),
		arn,
	).Scan(&row.arn, &row.tableName, &row.label, &row.viewType, &row.shardID, &row.createdAt, &row.closedAt, &row.lastSeq, &row.trimSeq)
	if err := sqlbk.ConvertError(err); err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("stream %s not found", arn)
		}
		return nil, trace.Wrap(err)
	}
	return row, nil
}

// ListStreams pages through streams ordered by ARN, optionally
// narrowed to one table. startARN is the exclusive lower bound; the
// second return value is the last ARN when more pages remain.
func (s *Streams) ListStreams(ctx context.Context, tableName, startARN string, limit int) ([]Summary, string, error) {
	if limit <= 0 || limit > defaults.ListTablesLimit {
		limit = defaults.ListTablesLimit
	}
	query := "SELECT stream_arn, table_name, stream_label FROM pdb_streams WHERE stream_arn > $1"
	args := []any{startARN}
	if tableName != "" {
		query += " AND table_name = $2"
		args = append(args, tableName)
	}
	query += " ORDER BY stream_arn LIMIT " + strconv.Itoa(limit+1)
	var summaries []Summary
	err := s.cfg.DB.InReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.cfg.DB.Rebind(query), args...)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		summaries = summaries[:0]
		for rows.Next() {
			var sum Summary
			if err := rows.Scan(&sum.StreamARN, &sum.TableName, &sum.Label); err != nil {
				return trace.Wrap(err)
			}
			summaries = append(summaries, sum)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	if len(summaries) > limit {
		summaries = summaries[:limit]
		return summaries, summaries[len(summaries)-1].StreamARN, nil
	}
	return summaries, "", nil
}

// DescribeStream returns the stream's metadata and its single shard
// with the currently readable sequence number range.
func (s *Streams) DescribeStream(ctx context.Context, arn string) (*Description, error) {
	var row *streamRow
	err := s.cfg.DB.InReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		row, err = s.loadStream(ctx, tx, arn)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	desc := &Description{
		StreamARN: row.arn,
		TableName: row.tableName,
		Label:     row.label,
		ViewType:  row.viewType,
		Status:    StatusEnabled,
		CreatedAt: row.createdAt,
		Shard: Shard{
			ShardID:                row.shardID,
			StartingSequenceNumber: row.trimSeq + 1,
		},
	}
	if row.closed() {
		desc.Status = StatusDisabled
		desc.Shard.EndingSequenceNumber = row.lastSeq
	}
	return desc, nil
}

// iterToken is the self-describing shard iterator payload.
type iterToken struct {
	StreamARN string `json:"arn"`
	ShardID   string `json:"shard"`
	Pos       int64  `json:"pos"`
}

func (t iterToken) encode() string {
	data, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

func decodeIterator(iterator string) (iterToken, error) {
	var token iterToken
	data, err := base64.StdEncoding.DecodeString(iterator)
	if err != nil {
		return token, trace.BadParameter("invalid shard iterator")
	}
	if err := json.Unmarshal(data, &token); err != nil {
		return token, trace.BadParameter("invalid shard iterator")
	}
	if token.StreamARN == "" || token.ShardID == "" || token.Pos < 1 {
		return token, trace.BadParameter("invalid shard iterator")
	}
	return token, nil
}

// GetShardIterator returns an opaque iterator encoding the requested
// start position on the stream's shard. sequenceNumber is required
// for the AT and AFTER iterator types and ignored otherwise.
func (s *Streams) GetShardIterator(ctx context.Context, arn, shardID, iteratorType, sequenceNumber string) (string, error) {
	var row *streamRow
	err := s.cfg.DB.InReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		row, err = s.loadStream(ctx, tx, arn)
		return trace.Wrap(err)
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if shardID != row.shardID {
		return "", trace.NotFound("shard %s not found on stream %s", shardID, arn)
	}
	var pos int64
	switch iteratorType {
	case IteratorTrimHorizon:
		pos = row.trimSeq + 1
	case IteratorLatest:
		pos = row.lastSeq + 1
	case IteratorAtSequenceNumber, IteratorAfterSequenceNumber:
		if sequenceNumber == "" {
			return "", trace.BadParameter("iterator type %s requires a sequence number", iteratorType)
		}
		seq, err := ParseSequenceNumber(sequenceNumber)
		if err != nil {
			return "", trace.Wrap(err)
		}
		pos = seq
		if iteratorType == IteratorAfterSequenceNumber {
			pos = seq + 1
		}
	default:
		return "", trace.BadParameter("unknown shard iterator type %q", iteratorType)
	}
	if pos < 1 {
		pos = 1
	}
	return iterToken{StreamARN: arn, ShardID: shardID, Pos: pos}.encode(), nil
}

// GetRecords reads records at or after the iterator position in
// sequence order. The next iterator is empty only when the stream is
// closed and fully consumed; an open stream always yields a valid
// next iterator so callers can poll. Positions below the trim horizon
// resume at the earliest surviving record.
func (s *Streams) GetRecords(ctx context.Context, iterator string, limit int) ([]Record, string, error) {
	token, err := decodeIterator(iterator)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	if limit <= 0 || limit > defaults.GetRecordsLimit {
		limit = defaults.GetRecordsLimit
	}
	var (
		row     *streamRow
		records []Record
	)
	err = s.cfg.DB.InReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		row, err = s.loadStream(ctx, tx, token.StreamARN)
		if err != nil {
			return trace.Wrap(err)
		}
		if token.ShardID != row.shardID {
			return trace.NotFound("shard %s not found on stream %s", token.ShardID, token.StreamARN)
		}
		pos := token.Pos
		if pos <= row.trimSeq {
			pos = row.trimSeq + 1
		}
		rows, err := tx.QueryContext(ctx,
			s.cfg.DB.Rebind(`SELECT seq, event_id, event_name, keys_payload, old_image, new_image, user_identity, created_at
  FROM pdb_stream_records WHERE stream_arn = $1 AND seq >= $2 ORDER BY seq LIMIT $3`),
			token.StreamARN, pos, limit,
		)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		records = records[:0]
		for rows.Next() {
			record, err := scanRecord(rows, row.viewType)
			if err != nil {
				return trace.Wrap(err)
			}
			records = append(records, record)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	nextPos := token.Pos
	if nextPos <= row.trimSeq {
		nextPos = row.trimSeq + 1
	}
	if len(records) > 0 {
		nextPos = records[len(records)-1].SequenceNumber + 1
	}
	// A closed stream gains no further records, so an empty read means
	// the shard is exhausted even when lastSeq points past dropped
	// records.
	if row.closed() && (len(records) == 0 || nextPos > row.lastSeq) {
		return records, "", nil
	}
	next := iterToken{StreamARN: token.StreamARN, ShardID: token.ShardID, Pos: nextPos}
	return records, next.encode(), nil
}

func scanRecord(rows *sql.Rows, viewType string) (Record, error) {
	var (
		record       Record
		keysJSON     []byte
		oldJSON      sql.NullString
		newJSON      sql.NullString
		identityJSON sql.NullString
	)
	err := rows.Scan(&record.SequenceNumber, &record.EventID, &record.EventName,
		&keysJSON, &oldJSON, &newJSON, &identityJSON, &record.CreatedAt)
	if err != nil {
		return Record{}, trace.Wrap(err)
	}
	record.ViewType = viewType
	if err := json.Unmarshal(keysJSON, &record.Keys); err != nil {
		return Record{}, trace.Wrap(err, "corrupt stream record keys")
	}
	record.SizeBytes = record.Keys.Size()
	if oldJSON.Valid {
		if err := json.Unmarshal([]byte(oldJSON.String), &record.OldImage); err != nil {
			return Record{}, trace.Wrap(err, "corrupt stream record old image")
		}
		record.SizeBytes += record.OldImage.Size()
	}
	if newJSON.Valid {
		if err := json.Unmarshal([]byte(newJSON.String), &record.NewImage); err != nil {
			return Record{}, trace.Wrap(err, "corrupt stream record new image")
		}
		record.SizeBytes += record.NewImage.Size()
	}
	if identityJSON.Valid {
		record.Identity = &Identity{}
		if err := json.Unmarshal([]byte(identityJSON.String), record.Identity); err != nil {
			return Record{}, trace.Wrap(err, "corrupt stream record identity")
		}
	}
	return record, nil
}
