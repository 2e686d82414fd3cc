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

// Package catalog manages table metadata: definitions, secondary
// indexes, TTL and stream settings. Definitions live as documents in
// the pdb_tables relation and are cached in process; all DDL goes
// through this package, which keeps the cache coherent.
package catalog

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/pretenderdb"
	"github.com/gravitational/pretenderdb/lib/defaults"
	"github.com/gravitational/pretenderdb/lib/dynattr"
	"github.com/gravitational/pretenderdb/lib/sqlbk"
)

// Config holds catalog dependencies.
type Config struct {
	// DB is the open database handle.
	DB *sqlbk.DB
	// Region is the region rendered into resource ARNs.
	Region string
	// AccountID is the account rendered into resource ARNs.
	AccountID string
	// Log is the catalog logger.
	Log *slog.Logger
	// Clock supplies creation timestamps.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DB == nil {
		return trace.BadParameter("missing database handle")
	}
	if c.Region == "" {
		c.Region = defaults.Region
	}
	if c.AccountID == "" {
		c.AccountID = defaults.AccountID
	}
	if c.Log == nil {
		c.Log = slog.Default().With(pretenderdb.ComponentKey, pretenderdb.ComponentCatalog)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Catalog is the table metadata service.
type Catalog struct {
	cfg   Config
	mu    sync.RWMutex
	cache map[string]*Table
}

// New creates a catalog over an open database.
func New(cfg Config) (*Catalog, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Catalog{
		cfg:   cfg,
		cache: make(map[string]*Table),
	}, nil
}

// Region returns the configured region.
func (c *Catalog) Region() string { return c.cfg.Region }

// AccountID returns the configured account.
func (c *Catalog) AccountID() string { return c.cfg.AccountID }

// CreateTable validates and stores a new table definition,
// provisioning a change stream when the definition enables one.
func (c *Catalog) CreateTable(ctx context.Context, table *Table) (*Table, error) {
	if err := table.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	stored := *table
	stored.CreatedAt = c.cfg.Clock.Now().UTC()
	stored.LatestStreamARN = ""

	err := c.cfg.DB.InTx(ctx, func(tx *sql.Tx) error {
		if stored.Stream.Enabled {
			arn, err := c.provisionStream(ctx, tx, stored.Name, stored.Stream.ViewType, stored.CreatedAt)
			if err != nil {
				return trace.Wrap(err)
			}
			stored.LatestStreamARN = arn
		}
		definition, err := json.Marshal(&stored)
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = tx.ExecContext(ctx,
			c.cfg.DB.Rebind("INSERT INTO pdb_tables (name, definition, created_at) VALUES ($1, $2, $3)"),
			stored.Name, string(definition), stored.CreatedAt,
		)
		if err := sqlbk.ConvertError(err); err != nil {
			if trace.IsAlreadyExists(err) {
				return trace.AlreadyExists("table %s already exists", stored.Name)
			}
			return trace.Wrap(err)
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.cachePut(&stored)
	c.cfg.Log.InfoContext(ctx, "Created table.", "table", stored.Name, "stream_enabled", stored.Stream.Enabled)
	return &stored, nil
}

// GetTable returns a table definition, from cache when warm. The
// returned value is shared and must not be mutated.
func (c *Catalog) GetTable(ctx context.Context, name string) (*Table, error) {
	c.mu.RLock()
	table, ok := c.cache[name]
	c.mu.RUnlock()
	if ok {
		return table, nil
	}
	err := c.cfg.DB.InReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		table, err = c.loadTable(ctx, tx, name, false)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.cachePut(table)
	return table, nil
}

// TableStats are the row statistics DescribeTable reports.
type TableStats struct {
	ItemCount      int64
	TableSizeBytes int64
}

// DescribeTable returns the definition along with live row counts.
func (c *Catalog) DescribeTable(ctx context.Context, name string) (*Table, *TableStats, error) {
	table, err := c.GetTable(ctx, name)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	stats := &TableStats{}
	err = c.cfg.DB.InReadTx(ctx, func(tx *sql.Tx) error {
		return trace.Wrap(tx.QueryRowContext(ctx,
			c.cfg.DB.Rebind("SELECT COUNT(*), COALESCE(SUM(item_size), 0) FROM pdb_items WHERE table_name = $1"),
			name,
		).Scan(&stats.ItemCount, &stats.TableSizeBytes))
	})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return table, stats, nil
}

// ListTables pages through table names in lexicographic order,
// optionally narrowed to names starting with prefix. startAfter is
// the exclusive lower bound; the second return value names the last
// table when more pages remain.
func (c *Catalog) ListTables(ctx context.Context, prefix, startAfter string, limit int) ([]string, string, error) {
	if limit <= 0 || limit > defaults.ListTablesLimit {
		limit = defaults.ListTablesLimit
	}
	query := "SELECT name FROM pdb_tables WHERE name > $1"
	args := []any{startAfter}
	if prefix != "" {
		query += " AND name >= $2 AND name < $3"
		args = append(args, prefix, prefixSuccessor(prefix))
	}
	query += fmt.Sprintf(" ORDER BY name LIMIT %d", limit+1)
	var names []string
	err := c.cfg.DB.InReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, c.cfg.DB.Rebind(query), args...)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		names = names[:0]
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return trace.Wrap(err)
			}
			names = append(names, name)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	if len(names) > limit {
		names = names[:limit]
		return names, names[len(names)-1], nil
	}
	return names, "", nil
}

// prefixSuccessor returns the smallest string greater than every
// string with the given prefix. Table names are ASCII, so the last
// byte always has room to grow.
func prefixSuccessor(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// DeleteTable removes the table, its items, its index rows and its
// retained stream records. Stream rows are closed rather than
// deleted so consumers holding an iterator see a cleanly exhausted
// shard instead of a vanished stream.
func (c *Catalog) DeleteTable(ctx context.Context, name string) (*Table, error) {
	var table *Table
	err := c.cfg.DB.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		table, err = c.loadTable(ctx, tx, name, true)
		if err != nil {
			return trace.Wrap(err)
		}
		for _, stmt := range []string{
			"DELETE FROM pdb_items WHERE table_name = $1",
			"DELETE FROM pdb_index_entries WHERE table_name = $1",
			"DELETE FROM pdb_stream_records WHERE stream_arn IN (SELECT stream_arn FROM pdb_streams WHERE table_name = $1)",
			"UPDATE pdb_streams SET trim_seq = last_seq WHERE table_name = $1",
		} {
			if _, err := tx.ExecContext(ctx, c.cfg.DB.Rebind(stmt), name); err != nil {
				return trace.Wrap(err)
			}
		}
		if err := c.closeStreams(ctx, tx, name); err != nil {
			return trace.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, c.cfg.DB.Rebind("DELETE FROM pdb_tables WHERE name = $1"), name)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.cacheDelete(name)
	c.cfg.Log.InfoContext(ctx, "Deleted table.", "table", name)
	return table, nil
}

// UpdateTableStream enables or disables the table's change stream.
// Enabling provisions a fresh stream; disabling closes the current
// one but keeps it readable until retention.
func (c *Catalog) UpdateTableStream(ctx context.Context, name string, spec StreamSpec) (*Table, error) {
	if spec.Enabled {
		if err := CheckViewType(spec.ViewType); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	var updated *Table
	err := c.cfg.DB.InTx(ctx, func(tx *sql.Tx) error {
		table, err := c.loadTable(ctx, tx, name, true)
		if err != nil {
			return trace.Wrap(err)
		}
		if table.Stream.Enabled == spec.Enabled {
			if spec.Enabled {
				return trace.BadParameter("table %s already has an enabled stream", name)
			}
			return trace.BadParameter("table %s has no enabled stream", name)
		}
		next := *table
		if spec.Enabled {
			arn, err := c.provisionStream(ctx, tx, name, spec.ViewType, c.cfg.Clock.Now().UTC())
			if err != nil {
				return trace.Wrap(err)
			}
			next.Stream = spec
			next.LatestStreamARN = arn
		} else {
			if err := c.closeStreams(ctx, tx, name); err != nil {
				return trace.Wrap(err)
			}
			next.Stream = StreamSpec{}
		}
		if err := c.saveTable(ctx, tx, &next); err != nil {
			return trace.Wrap(err)
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.cachePut(updated)
	c.cfg.Log.InfoContext(ctx, "Updated table stream settings.", "table", name, "enabled", spec.Enabled)
	return updated, nil
}

// SetTimeToLive flips the table's TTL setting. Requesting the state
// the table is already in is an error, mirroring the wire behavior.
func (c *Catalog) SetTimeToLive(ctx context.Context, name string, ttl TTLSpec) (*Table, error) {
	if ttl.AttributeName == "" {
		return nil, trace.BadParameter("time to live requires an attribute name")
	}
	var updated *Table
	err := c.cfg.DB.InTx(ctx, func(tx *sql.Tx) error {
		table, err := c.loadTable(ctx, tx, name, true)
		if err != nil {
			return trace.Wrap(err)
		}
		if table.TTL.Enabled == ttl.Enabled {
			if ttl.Enabled {
				return trace.BadParameter("time to live is already enabled on table %s", name)
			}
			return trace.BadParameter("time to live is already disabled on table %s", name)
		}
		next := *table
		next.TTL = TTLSpec{Enabled: ttl.Enabled}
		if ttl.Enabled {
			next.TTL.AttributeName = ttl.AttributeName
		}
		if err := c.saveTable(ctx, tx, &next); err != nil {
			return trace.Wrap(err)
		}
		if err := c.resetTTLColumn(ctx, tx, &next); err != nil {
			return trace.Wrap(err)
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.cachePut(updated)
	c.cfg.Log.InfoContext(ctx, "Updated table TTL settings.", "table", name, "enabled", ttl.Enabled)
	return updated, nil
}

// resetTTLColumn rewrites the ttl_epoch column of the table's rows
// after a TTL setting change. The expiry epoch is extracted at write
// time, so rows written before the change carry values for the
// previous setting, or none at all.
func (c *Catalog) resetTTLColumn(ctx context.Context, tx *sql.Tx, table *Table) error {
	_, err := tx.ExecContext(ctx,
		c.cfg.DB.Rebind("UPDATE pdb_items SET ttl_epoch = NULL WHERE table_name = $1 AND ttl_epoch IS NOT NULL"),
		table.Name,
	)
	if err != nil {
		return trace.Wrap(err)
	}
	if !table.TTL.Enabled {
		return nil
	}
	type rowEpoch struct {
		hash  []byte
		rng   []byte
		epoch int64
	}
	var updates []rowEpoch
	rows, err := tx.QueryContext(ctx,
		c.cfg.DB.Rebind("SELECT hash_key, range_key, payload FROM pdb_items WHERE table_name = $1"),
		table.Name,
	)
	if err != nil {
		return trace.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var hash, rng, payload []byte
		if err := rows.Scan(&hash, &rng, &payload); err != nil {
			return trace.Wrap(err)
		}
		item, err := dynattr.UnmarshalItem(payload)
		if err != nil {
			return trace.Wrap(err, "corrupt item payload in table %s", table.Name)
		}
		epoch, ok := item[table.TTL.AttributeName].EpochSeconds()
		if !ok {
			continue
		}
		updates = append(updates, rowEpoch{hash: hash, rng: rng, epoch: epoch})
	}
	if err := rows.Err(); err != nil {
		return trace.Wrap(err)
	}
	// SQLite serves the whole transaction over one connection, so the
	// updates must wait until the read cursor is drained and closed.
	if err := rows.Close(); err != nil {
		return trace.Wrap(err)
	}
	for _, u := range updates {
		_, err := tx.ExecContext(ctx,
			c.cfg.DB.Rebind("UPDATE pdb_items SET ttl_epoch = $1 WHERE table_name = $2 AND hash_key = $3 AND range_key = $4"),
			u.epoch, table.Name, u.hash, u.rng,
		)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// TablesWithTTL returns the tables that currently have TTL enabled,
// for the background sweeper.
func (c *Catalog) TablesWithTTL(ctx context.Context) ([]*Table, error) {
	var names []string
	err := c.cfg.DB.InReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT name FROM pdb_tables ORDER BY name")
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		names = names[:0]
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return trace.Wrap(err)
			}
			names = append(names, name)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var tables []*Table
	for _, name := range names {
		table, err := c.GetTable(ctx, name)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		if table.TTL.Enabled {
			tables = append(tables, table)
		}
	}
	return tables, nil
}

func (c *Catalog) loadTable(ctx context.Context, tx *sql.Tx, name string, forUpdate bool) (*Table, error) {
	query := "SELECT definition FROM pdb_tables WHERE name = $1"
	if forUpdate {
		query += c.cfg.DB.LockClause()
	}
	var definition []byte
	err := tx.QueryRowContext(ctx, c.cfg.DB.Rebind(query), name).Scan(&definition)
	if err := sqlbk.ConvertError(err); err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("table %s not found", name)
		}
		return nil, trace.Wrap(err)
	}
	table := &Table{}
	if err := json.Unmarshal(definition, table); err != nil {
		return nil, trace.Wrap(err, "corrupt definition for table %s", name)
	}
	return table, nil
}

func (c *Catalog) saveTable(ctx context.Context, tx *sql.Tx, table *Table) error {
	definition, err := json.Marshal(table)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = tx.ExecContext(ctx,
		c.cfg.DB.Rebind("UPDATE pdb_tables SET definition = $2 WHERE name = $1"),
		table.Name, string(definition),
	)
	return trace.Wrap(err)
}

// provisionStream inserts a fresh stream row for the table and
// returns its ARN. The label is the creation timestamp, so a table's
// successive streams sort by age.
func (c *Catalog) provisionStream(ctx context.Context, tx *sql.Tx, tableName, viewType string, created time.Time) (string, error) {
	label := created.Format("2006-01-02T15:04:05.000")
	arn := fmt.Sprintf("arn:aws:dynamodb:%s:%s:table/%s/stream/%s", c.cfg.Region, c.cfg.AccountID, tableName, label)
	shardUUID := uuid.New()
	shardID := fmt.Sprintf("shardId-%020d-%s", created.UnixMilli(), hex.EncodeToString(shardUUID[:4]))
	_, err := tx.ExecContext(ctx,
		c.cfg.DB.Rebind(`INSERT INTO pdb_streams
  (stream_arn, table_name, stream_label, view_type, shard_id, created_at, last_seq, trim_seq)
  VALUES ($1, $2, $3, $4, $5, $6, 0, 0)`),
		arn, tableName, label, viewType, shardID, created,
	)
	if err := sqlbk.ConvertError(err); err != nil {
		if trace.IsAlreadyExists(err) {
			return "", trace.AlreadyExists("stream %s already exists", arn)
		}
		return "", trace.Wrap(err)
	}
	return arn, nil
}

func (c *Catalog) closeStreams(ctx context.Context, tx *sql.Tx, tableName string) error {
	_, err := tx.ExecContext(ctx,
		c.cfg.DB.Rebind("UPDATE pdb_streams SET closed_at = $1 WHERE table_name = $2 AND closed_at IS NULL"),
		c.cfg.Clock.Now().UTC(), tableName,
	)
	return trace.Wrap(err)
}

func (c *Catalog) cachePut(table *Table) {
	c.mu.Lock()
	c.cache[table.Name] = table
	c.mu.Unlock()
}

func (c *Catalog) cacheDelete(name string) {
	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()
}
