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

package sqlbk

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gravitational/trace"
)

// schemaVersion is the version the code expects; migrate brings the
// database up to it.
const schemaVersion = 1

// migrate applies schema migrations newer than the database's
// recorded version, each in its own transaction.
func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS pdb_schema (version INTEGER PRIMARY KEY, applied_at "+d.dialect.timestampType()+" NOT NULL)",
	); err != nil {
		return trace.Wrap(err, "creating schema version table")
	}
	var current sql.NullInt64
	if err := d.db.QueryRowContext(ctx, "SELECT MAX(version) FROM pdb_schema").Scan(&current); err != nil {
		return trace.Wrap(err, "reading schema version")
	}
	if current.Int64 > schemaVersion {
		return trace.BadParameter("database schema version %d is newer than this build supports (%d)", current.Int64, schemaVersion)
	}
	for version := current.Int64 + 1; version <= schemaVersion; version++ {
		if err := d.applyMigration(ctx, int(version)); err != nil {
			return trace.Wrap(err, "applying schema migration %d", version)
		}
		d.cfg.Log.InfoContext(ctx, "Applied schema migration.", "version", version)
	}
	return nil
}

func (d *DB) applyMigration(ctx context.Context, version int) error {
	statements, err := migrationStatements(version, d.dialect)
	if err != nil {
		return trace.Wrap(err)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return trace.Wrap(err, "statement %q", stmt)
		}
	}
	if _, err := tx.ExecContext(ctx,
		d.Rebind("INSERT INTO pdb_schema (version, applied_at) VALUES ($1, $2)"),
		version, d.cfg.Clock.Now().UTC(),
	); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

func migrationStatements(version int, dialect Dialect) ([]string, error) {
	switch version {
	case 1:
		return initialSchema(dialect), nil
	}
	return nil, trace.BadParameter("unknown schema migration version %d", version)
}

// initialSchema creates the five relations: the table catalog, the
// item rows addressed by canonical key bytes, the index rows kept in
// step with them, and the stream state plus its records.
//
// Key columns hold canonical order-preserving encodings of the key
// attribute values, so equality, range predicates and ORDER BY behave
// identically on both engines. The typed hash_/range_ columns echo
// the same values natively for ad-hoc SQL access; the emulator never
// reads them.
func initialSchema(dialect Dialect) []string {
	blob := dialect.blobType()
	doc := dialect.jsonType()
	ts := dialect.timestampType()
	return []string{
		fmt.Sprintf(`CREATE TABLE pdb_tables (
  name TEXT PRIMARY KEY,
  definition %s NOT NULL,
  created_at %s NOT NULL
)`, doc, ts),

		fmt.Sprintf(`CREATE TABLE pdb_items (
  table_name TEXT NOT NULL,
  hash_key %[1]s NOT NULL,
  range_key %[1]s NOT NULL,
  payload %[2]s NOT NULL,
  item_size INTEGER NOT NULL,
  ttl_epoch BIGINT,
  hash_s TEXT,
  hash_n NUMERIC,
  hash_b %[1]s,
  range_s TEXT,
  range_n NUMERIC,
  range_b %[1]s,
  PRIMARY KEY (table_name, hash_key, range_key)
)`, blob, doc),

		"CREATE INDEX pdb_items_ttl ON pdb_items (table_name, ttl_epoch) WHERE ttl_epoch IS NOT NULL",

		fmt.Sprintf(`CREATE TABLE pdb_index_entries (
  table_name TEXT NOT NULL,
  index_name TEXT NOT NULL,
  index_hash %[1]s NOT NULL,
  index_range %[1]s NOT NULL,
  hash_key %[1]s NOT NULL,
  range_key %[1]s NOT NULL,
  payload %[2]s NOT NULL,
  PRIMARY KEY (table_name, index_name, hash_key, range_key)
)`, blob, doc),

		"CREATE INDEX pdb_index_entries_scan ON pdb_index_entries (table_name, index_name, index_hash, index_range)",

		fmt.Sprintf(`CREATE TABLE pdb_streams (
  stream_arn TEXT PRIMARY KEY,
  table_name TEXT NOT NULL,
  stream_label TEXT NOT NULL,
  view_type TEXT NOT NULL,
  shard_id TEXT NOT NULL,
  created_at %[1]s NOT NULL,
  closed_at %[1]s,
  last_seq BIGINT NOT NULL,
  trim_seq BIGINT NOT NULL
)`, ts),

		"CREATE INDEX pdb_streams_by_table ON pdb_streams (table_name, created_at)",

		fmt.Sprintf(`CREATE TABLE pdb_stream_records (
  stream_arn TEXT NOT NULL,
  seq BIGINT NOT NULL,
  event_id TEXT NOT NULL,
  event_name TEXT NOT NULL,
  keys_payload %[1]s NOT NULL,
  old_image %[1]s,
  new_image %[1]s,
  user_identity %[1]s,
  created_at %[2]s NOT NULL,
  PRIMARY KEY (stream_arn, seq)
)`, doc, ts),
	}
}
