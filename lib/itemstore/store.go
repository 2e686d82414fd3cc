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

// Package itemstore implements item reads and writes: the single-item
// operations, queries, scans and batches. Every mutation runs as one
// SQL transaction covering the item row, its index projection rows
// and its stream record.
package itemstore

import (
	"bytes"
	"context"
	"database/sql"
	"log/slog"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb"
	"github.com/gravitational/pretenderdb/lib/catalog"
	"github.com/gravitational/pretenderdb/lib/defaults"
	"github.com/gravitational/pretenderdb/lib/dynattr"
	"github.com/gravitational/pretenderdb/lib/sqlbk"
	"github.com/gravitational/pretenderdb/lib/streams"
)

// Config holds item store dependencies.
type Config struct {
	// DB is the open database handle.
	DB *sqlbk.DB
	// Catalog resolves table definitions.
	Catalog *catalog.Catalog
	// Streams captures change records inside write transactions.
	Streams *streams.Streams
	// Log is the item store logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DB == nil {
		return trace.BadParameter("missing database handle")
	}
	if c.Catalog == nil {
		return trace.BadParameter("missing catalog")
	}
	if c.Streams == nil {
		return trace.BadParameter("missing stream service")
	}
	if c.Log == nil {
		c.Log = slog.Default().With(pretenderdb.ComponentKey, pretenderdb.ComponentItemStore)
	}
	return nil
}

// Store is the item storage service.
type Store struct {
	cfg Config
}

// New creates an item store over an open database.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg}, nil
}

// Key addresses one item row by its primary key values and their
// canonical byte encodings. A table without a sort key has a zero
// Range value and empty range bytes.
type Key struct {
	Hash  dynattr.Value
	Range dynattr.Value

	hashBytes  []byte
	rangeBytes []byte
}

// KeyFromWire builds a key from a wire key map, which must contain
// exactly the table's key attributes.
func KeyFromWire(table *catalog.Table, wire dynattr.Item) (Key, error) {
	hash, rng, err := table.ExtractWireKey(wire)
	if err != nil {
		return Key{}, trace.Wrap(err)
	}
	return newKey(hash, rng)
}

// KeyFromItem extracts the key from a full item.
func KeyFromItem(table *catalog.Table, item dynattr.Item) (Key, error) {
	hash, rng, err := table.ExtractKey(item)
	if err != nil {
		return Key{}, trace.Wrap(err)
	}
	return newKey(hash, rng)
}

func newKey(hash, rng dynattr.Value) (Key, error) {
	k := Key{Hash: hash, Range: rng, rangeBytes: []byte{}}
	var err error
	if k.hashBytes, err = dynattr.EncodeKey(hash); err != nil {
		return Key{}, trace.Wrap(err)
	}
	if !rng.IsZero() {
		if k.rangeBytes, err = dynattr.EncodeKey(rng); err != nil {
			return Key{}, trace.Wrap(err)
		}
	}
	return k, nil
}

// Item rebuilds the key attribute map.
func (k Key) Item(table *catalog.Table) dynattr.Item {
	item := dynattr.Item{table.HashKey.Name: k.Hash}
	if table.HasRangeKey() && !k.Range.IsZero() {
		item[table.RangeKey.Name] = k.Range
	}
	return item
}

// Compare orders keys by their canonical (hash, range) byte tuple.
func (k Key) Compare(other Key) int {
	if c := bytes.Compare(k.hashBytes, other.hashBytes); c != 0 {
		return c
	}
	return bytes.Compare(k.rangeBytes, other.rangeBytes)
}

// CheckItemSize enforces the serialized item size cap.
func CheckItemSize(item dynattr.Item) error {
	if size := item.Size(); size > defaults.MaxItemSize {
		return trace.BadParameter("item size %d has exceeded the maximum allowed size of %d bytes", size, defaults.MaxItemSize)
	}
	return nil
}

// GetForUpdate reads and row-locks the item, returning nil when the
// row does not exist. Callers must hold a write transaction.
func (s *Store) GetForUpdate(ctx context.Context, tx *sql.Tx, table *catalog.Table, key Key) (dynattr.Item, error) {
	query := "SELECT payload FROM pdb_items WHERE table_name = $1 AND hash_key = $2 AND range_key = $3" + s.cfg.DB.LockClause()
	return s.getRow(ctx, tx, query, table.Name, key)
}

// GetInTx reads the item without locking, for snapshot reads inside
// an open transaction. Returns nil when the row does not exist.
func (s *Store) GetInTx(ctx context.Context, tx *sql.Tx, table *catalog.Table, key Key) (dynattr.Item, error) {
	query := "SELECT payload FROM pdb_items WHERE table_name = $1 AND hash_key = $2 AND range_key = $3"
	return s.getRow(ctx, tx, query, table.Name, key)
}

func (s *Store) getRow(ctx context.Context, tx *sql.Tx, query, tableName string, key Key) (dynattr.Item, error) {
	var payload []byte
	err := tx.QueryRowContext(ctx, s.cfg.DB.Rebind(query), tableName, key.hashBytes, key.rangeBytes).Scan(&payload)
	if err := sqlbk.ConvertError(err); err != nil {
		if trace.IsNotFound(err) {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	item, err := dynattr.UnmarshalItem(payload)
	if err != nil {
		return nil, trace.Wrap(err, "corrupt item payload in table %s", tableName)
	}
	return item, nil
}

// PutLocked upserts the item row, reconciles index projection rows
// and captures the stream record. The caller must have locked the row
// via GetForUpdate in the same transaction; pre is the image that
// lock returned.
func (s *Store) PutLocked(ctx context.Context, tx *sql.Tx, table *catalog.Table, key Key, pre, post dynattr.Item, identity *streams.Identity) error {
	payload, err := dynattr.MarshalItem(post)
	if err != nil {
		return trace.Wrap(err)
	}
	args := []any{table.Name, key.hashBytes, key.rangeBytes, string(payload), post.Size(), ttlEpoch(table, post)}
	args = append(args, typedKeyColumns(key.Hash)...)
	args = append(args, typedKeyColumns(key.Range)...)
	_, err = tx.ExecContext(ctx, s.cfg.DB.Rebind(`INSERT INTO pdb_items
  (table_name, hash_key, range_key, payload, item_size, ttl_epoch, hash_s, hash_n, hash_b, range_s, range_n, range_b)
  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
  ON CONFLICT (table_name, hash_key, range_key) DO UPDATE SET
    payload = excluded.payload, item_size = excluded.item_size, ttl_epoch = excluded.ttl_epoch`),
		args...,
	)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.syncIndexRows(ctx, tx, table, key, pre, post); err != nil {
		return trace.Wrap(err)
	}
	eventName := streams.EventModify
	if pre == nil {
		eventName = streams.EventInsert
	}
	return trace.Wrap(s.cfg.Streams.Append(ctx, tx, table, streams.Change{
		EventName: eventName,
		Keys:      key.Item(table),
		OldImage:  pre,
		NewImage:  post,
		Identity:  identity,
	}))
}

// DeleteLocked removes the item row and its index projection rows and
// captures the REMOVE record. A nil pre means the row did not exist;
// the delete then is a silent no-op.
func (s *Store) DeleteLocked(ctx context.Context, tx *sql.Tx, table *catalog.Table, key Key, pre dynattr.Item, identity *streams.Identity) error {
	if pre == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		s.cfg.DB.Rebind("DELETE FROM pdb_items WHERE table_name = $1 AND hash_key = $2 AND range_key = $3"),
		table.Name, key.hashBytes, key.rangeBytes,
	)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = tx.ExecContext(ctx,
		s.cfg.DB.Rebind("DELETE FROM pdb_index_entries WHERE table_name = $1 AND hash_key = $2 AND range_key = $3"),
		table.Name, key.hashBytes, key.rangeBytes,
	)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.cfg.Streams.Append(ctx, tx, table, streams.Change{
		EventName: streams.EventRemove,
		Keys:      key.Item(table),
		OldImage:  pre,
		Identity:  identity,
	}))
}

// syncIndexRows reconciles the projection rows of every index after a
// write. The projection row is keyed by the base item key, so a
// qualifying item upserts one row per index and a disqualified item
// drops it.
func (s *Store) syncIndexRows(ctx context.Context, tx *sql.Tx, table *catalog.Table, key Key, pre, post dynattr.Item) error {
	for i := range table.Indexes {
		idx := &table.Indexes[i]
		_, _, hadEntry := idx.ExtractKey(pre)
		idxHash, idxRange, hasEntry := idx.ExtractKey(post)
		switch {
		case hasEntry:
			hashBytes, err := dynattr.EncodeKey(idxHash)
			if err != nil {
				return trace.Wrap(err)
			}
			rangeBytes := []byte{}
			if !idxRange.IsZero() {
				if rangeBytes, err = dynattr.EncodeKey(idxRange); err != nil {
					return trace.Wrap(err)
				}
			}
			payload, err := dynattr.MarshalItem(idx.ProjectItem(table, post))
			if err != nil {
				return trace.Wrap(err)
			}
			_, err = tx.ExecContext(ctx, s.cfg.DB.Rebind(`INSERT INTO pdb_index_entries
  (table_name, index_name, index_hash, index_range, hash_key, range_key, payload)
  VALUES ($1, $2, $3, $4, $5, $6, $7)
  ON CONFLICT (table_name, index_name, hash_key, range_key) DO UPDATE SET
    index_hash = excluded.index_hash, index_range = excluded.index_range, payload = excluded.payload`),
				table.Name, idx.Name, hashBytes, rangeBytes, key.hashBytes, key.rangeBytes, string(payload),
			)
			if err != nil {
				return trace.Wrap(err)
			}
		case hadEntry:
			_, err := tx.ExecContext(ctx,
				s.cfg.DB.Rebind("DELETE FROM pdb_index_entries WHERE table_name = $1 AND index_name = $2 AND hash_key = $3 AND range_key = $4"),
				table.Name, idx.Name, key.hashBytes, key.rangeBytes,
			)
			if err != nil {
				return trace.Wrap(err)
			}
		}
	}
	return nil
}

// ttlEpoch extracts the expiry epoch the background sweeper indexes
// on. Only numbers that parse as whole epoch seconds count.
func ttlEpoch(table *catalog.Table, item dynattr.Item) any {
	if !table.TTL.Enabled {
		return nil
	}
	epoch, ok := item[table.TTL.AttributeName].EpochSeconds()
	if !ok {
		return nil
	}
	return epoch
}

// typedKeyColumns spreads a key value over the (s, n, b) echo column
// triple, with NULL for the two unused columns.
func typedKeyColumns(v dynattr.Value) []any {
	switch v.Kind() {
	case dynattr.KindString:
		return []any{v.Str(), nil, nil}
	case dynattr.KindNumber:
		return []any{nil, v.Num(), nil}
	case dynattr.KindBinary:
		return []any{nil, nil, v.Bytes()}
	}
	return []any{nil, nil, nil}
}
