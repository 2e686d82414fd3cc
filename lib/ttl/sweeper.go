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

// Package ttl removes expired items in the background. Expiry candidates
// are found through the indexed ttl_epoch column, re-checked against the
// live item under a row lock, and deleted through the item store so
// index upkeep and stream capture behave exactly like a caller-issued
// delete, with a service marker as the record's user identity.
package ttl

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/pretenderdb"
	"github.com/gravitational/pretenderdb/lib/catalog"
	"github.com/gravitational/pretenderdb/lib/defaults"
	"github.com/gravitational/pretenderdb/lib/dynattr"
	"github.com/gravitational/pretenderdb/lib/itemstore"
	"github.com/gravitational/pretenderdb/lib/sqlbk"
	"github.com/gravitational/pretenderdb/lib/streams"
)

// maxBatchesPerTable bounds how many delete batches one sweep spends on
// a single table before moving on.
const maxBatchesPerTable = 32

// Config holds the sweeper dependencies.
type Config struct {
	// DB is the SQL backend expired rows are selected from.
	DB *sqlbk.DB
	// Catalog lists the tables with TTL enabled.
	Catalog *catalog.Catalog
	// Store deletes expired items with index and stream upkeep.
	Store *itemstore.Store
	// Clock supplies the expiry reference time.
	Clock clockwork.Clock
	// Log is the sweeper logger.
	Log *slog.Logger
	// SweepInterval is the pause between sweeps. Defaults to
	// defaults.TTLSweepInterval.
	SweepInterval time.Duration
	// BatchSize is the maximum number of rows removed per table per
	// batch. Defaults to defaults.TTLBatchSize.
	BatchSize int
	// Identity is stamped on the stream records of swept items.
	// Defaults to the service marker.
	Identity streams.Identity
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DB == nil {
		return trace.BadParameter("missing DB")
	}
	if c.Catalog == nil {
		return trace.BadParameter("missing Catalog")
	}
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(pretenderdb.ComponentKey, pretenderdb.ComponentTTL)
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.TTLSweepInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.TTLBatchSize
	}
	if c.Identity == (streams.Identity{}) {
		c.Identity = streams.Identity{
			Type:        defaults.TTLIdentityType,
			PrincipalID: defaults.TTLIdentityPrincipal,
		}
	}
	return nil
}

// Sweeper deletes expired items from TTL-enabled tables.
type Sweeper struct {
	cfg Config
}

// New returns a TTL sweeper.
func New(cfg Config) (*Sweeper, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Sweeper{cfg: cfg}, nil
}

// Run sweeps on every interval tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	defer s.cfg.Log.InfoContext(ctx, "Exited TTL sweep loop.")
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.cfg.Log.ErrorContext(ctx, "TTL sweep failed.", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.cfg.Clock.After(s.cfg.SweepInterval):
		}
	}
}

// SweepOnce runs a single sweep over every TTL-enabled table and returns
// the number of items removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	tables, err := s.cfg.Catalog.TablesWithTTL(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	total := 0
	for _, table := range tables {
		for range maxBatchesPerTable {
			examined, deleted, err := s.sweepTable(ctx, table)
			if err != nil {
				return total, trace.Wrap(err)
			}
			total += deleted
			if examined < s.cfg.BatchSize {
				break
			}
		}
	}
	if total > 0 {
		s.cfg.Log.DebugContext(ctx, "Deleted expired items.", "deleted", total)
	}
	return total, nil
}

// sweepTable removes one batch of expired items from table. It returns
// how many candidate rows the batch examined and how many it deleted;
// a full batch of candidates means another batch may be waiting.
func (s *Sweeper) sweepTable(ctx context.Context, table *catalog.Table) (examined, deleted int, err error) {
	now := s.cfg.Clock.Now().UTC().Unix()
	err = s.cfg.DB.InTx(ctx, func(tx *sql.Tx) error {
		examined, deleted = 0, 0
		rows, err := tx.QueryContext(ctx, s.cfg.DB.Rebind(
			`SELECT payload FROM pdb_items
			 WHERE table_name = $1 AND ttl_epoch IS NOT NULL AND ttl_epoch <= $2
			 ORDER BY hash_key, range_key
			 LIMIT $3`),
			table.Name, now, s.cfg.BatchSize)
		if err != nil {
			return trace.Wrap(sqlbk.ConvertError(err))
		}
		defer rows.Close()

		var candidates []dynattr.Item
		for rows.Next() {
			var payload []byte
			if err := rows.Scan(&payload); err != nil {
				return trace.Wrap(err)
			}
			item, err := dynattr.UnmarshalItem(payload)
			if err != nil {
				return trace.BadParameter("corrupt item payload in table %s", table.Name)
			}
			candidates = append(candidates, item)
		}
		if err := rows.Err(); err != nil {
			return trace.Wrap(err)
		}
		// SQLite serves the whole transaction over one connection, so
		// the deletes must wait until the read cursor is drained and
		// closed.
		rows.Close()
		examined = len(candidates)

		for _, item := range candidates {
			key, err := itemstore.KeyFromItem(table, item)
			if err != nil {
				return trace.Wrap(err)
			}
			pre, err := s.cfg.Store.GetForUpdate(ctx, tx, table, key)
			if err != nil {
				return trace.Wrap(err)
			}
			if pre == nil || !expired(table, pre, now) {
				// Deleted or refreshed since the candidate select.
				continue
			}
			if err := s.cfg.Store.DeleteLocked(ctx, tx, table, key, pre, &s.cfg.Identity); err != nil {
				return trace.Wrap(err)
			}
			deleted++
		}
		return nil
	})
	return examined, deleted, trace.Wrap(err)
}

// expired reports whether the item's TTL attribute holds an epoch at or
// before now.
func expired(table *catalog.Table, item dynattr.Item, now int64) bool {
	v, ok := item[table.TTL.AttributeName]
	if !ok {
		return false
	}
	epoch, ok := v.EpochSeconds()
	return ok && epoch <= now
}
