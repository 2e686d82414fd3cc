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

// Package streams captures item mutations as change stream records
// and serves them back through the DynamoDB Streams shard iterator
// protocol. Capture happens inside the SQL transaction that mutates
// the item, so a committed mutation and its record are atomic.
package streams

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/pretenderdb"
	"github.com/gravitational/pretenderdb/lib/catalog"
	"github.com/gravitational/pretenderdb/lib/defaults"
	"github.com/gravitational/pretenderdb/lib/dynattr"
	"github.com/gravitational/pretenderdb/lib/sqlbk"
)

// Stream record event names.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// Stream statuses reported by DescribeStream.
const (
	StatusEnabled  = "ENABLED"
	StatusDisabled = "DISABLED"
)

// Identity marks the principal behind a mutation. The TTL sweeper
// stamps its deletes so consumers can tell expiry from user deletes.
type Identity struct {
	Type        string `json:"type"`
	PrincipalID string `json:"principalId"`
}

// Change describes one committed item mutation to capture.
type Change struct {
	// EventName is EventInsert, EventModify or EventRemove.
	EventName string
	// Keys holds exactly the primary key attributes of the item.
	Keys dynattr.Item
	// OldImage is the full pre-image, nil for inserts.
	OldImage dynattr.Item
	// NewImage is the full post-image, nil for removes.
	NewImage dynattr.Item
	// Identity is set for service-initiated mutations.
	Identity *Identity
}

// Record is one stored stream record.
type Record struct {
	EventID        string
	EventName      string
	SequenceNumber int64
	CreatedAt      time.Time
	Keys           dynattr.Item
	OldImage       dynattr.Item
	NewImage       dynattr.Item
	Identity       *Identity
	ViewType       string
	SizeBytes      int
}

// Config holds stream service dependencies.
type Config struct {
	// DB is the open database handle.
	DB *sqlbk.DB
	// Retention is how long records stay readable.
	Retention time.Duration
	// PruneInterval is how often the retention pruner runs.
	PruneInterval time.Duration
	// Log is the stream service logger.
	Log *slog.Logger
	// Clock supplies record timestamps and drives the pruner.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DB == nil {
		return trace.BadParameter("missing database handle")
	}
	if c.Retention <= 0 {
		c.Retention = defaults.StreamRetention
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = defaults.StreamPruneInterval
	}
	if c.Log == nil {
		c.Log = slog.Default().With(pretenderdb.ComponentKey, pretenderdb.ComponentStreams)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Streams is the change stream service.
type Streams struct {
	cfg Config
}

// New creates the stream service over an open database.
func New(cfg Config) (*Streams, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Streams{cfg: cfg}, nil
}

// Append captures the given changes on the table's stream inside the
// caller's transaction. Sequence numbers come from the stream row
// counter, so concurrent writers serialize on the row lock and
// observers see commit order. A table without an enabled stream, or
// whose stream row was closed by a concurrent disable, produces no
// records and no error.
func (s *Streams) Append(ctx context.Context, tx *sql.Tx, table *catalog.Table, changes ...Change) error {
	if !table.Stream.Enabled || len(changes) == 0 {
		return nil
	}
	arn := table.LatestStreamARN
	if arn == "" {
		return trace.BadParameter("table %s has an enabled stream but no stream row", table.Name)
	}
	var lastSeq int64
	err := tx.QueryRowContext(ctx,
		s.cfg.DB.Rebind("UPDATE pdb_streams SET last_seq = last_seq + $1 WHERE stream_arn = $2 AND closed_at IS NULL RETURNING last_seq"),
		len(changes), arn,
	).Scan(&lastSeq)
	if err := sqlbk.ConvertError(err); err != nil {
		if trace.IsNotFound(err) {
			s.cfg.Log.DebugContext(ctx, "Stream closed mid-write, dropping records.", "stream", arn, "records", len(changes))
			return nil
		}
		return trace.Wrap(err)
	}
	seq := lastSeq - int64(len(changes)) + 1
	now := s.cfg.Clock.Now().UTC()
	for _, change := range changes {
		if err := s.insertRecord(ctx, tx, arn, table.Stream.ViewType, seq, now, change); err != nil {
			return trace.Wrap(err)
		}
		seq++
	}
	return nil
}

func (s *Streams) insertRecord(ctx context.Context, tx *sql.Tx, arn, viewType string, seq int64, now time.Time, change Change) error {
	switch change.EventName {
	case EventInsert, EventModify, EventRemove:
	default:
		return trace.BadParameter("unknown stream event name %q", change.EventName)
	}
	oldImage, newImage := imagesForView(viewType, change)
	keysJSON, err := marshalItem(change.Keys)
	if err != nil {
		return trace.Wrap(err)
	}
	oldJSON, err := marshalItem(oldImage)
	if err != nil {
		return trace.Wrap(err)
	}
	newJSON, err := marshalItem(newImage)
	if err != nil {
		return trace.Wrap(err)
	}
	var identityJSON any
	if change.Identity != nil {
		data, err := json.Marshal(change.Identity)
		if err != nil {
			return trace.Wrap(err)
		}
		identityJSON = string(data)
	}
	_, err = tx.ExecContext(ctx,
		s.cfg.DB.Rebind(`INSERT INTO pdb_stream_records
  (stream_arn, seq, event_id, event_name, keys_payload, old_image, new_image, user_identity, created_at)
  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
		arn, seq, newEventID(), change.EventName, keysJSON, oldJSON, newJSON, identityJSON, now,
	)
	return trace.Wrap(err)
}

// imagesForView drops the images the stream's view type does not
// carry.
func imagesForView(viewType string, change Change) (oldImage, newImage dynattr.Item) {
	switch viewType {
	case catalog.ViewNewImage:
		return nil, change.NewImage
	case catalog.ViewOldImage:
		return change.OldImage, nil
	case catalog.ViewNewAndOldImage:
		return change.OldImage, change.NewImage
	default:
		return nil, nil
	}
}

func marshalItem(item dynattr.Item) (any, error) {
	if item == nil {
		return nil, nil
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return string(data), nil
}

// newEventID generates the 32 hex character record identifier.
func newEventID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// FormatSequenceNumber renders a sequence number the way the wire
// protocol spells them, as a zero-padded decimal string.
func FormatSequenceNumber(seq int64) string {
	return fmt.Sprintf("%021d", seq)
}

// ParseSequenceNumber parses a wire sequence number.
func ParseSequenceNumber(s string) (int64, error) {
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq < 0 {
		return 0, trace.BadParameter("invalid sequence number %q", s)
	}
	return seq, nil
}
