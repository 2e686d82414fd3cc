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

// Package sqlbk opens and migrates the relational store behind the
// emulator. It speaks two dialects, PostgreSQL through pgx and
// embedded SQLite, and gives the data packages transaction helpers
// with retry on serialization failures.
package sqlbk

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gravitational/pretenderdb"
	"github.com/gravitational/pretenderdb/lib/defaults"
)

// Config holds the database connection settings.
type Config struct {
	// URL locates the database: postgres:// for PostgreSQL and
	// sqlite:// for the embedded engine.
	URL string
	// PoolMaxConns caps open connections. Zero means the driver
	// default; SQLite in memory mode is always pinned to one.
	PoolMaxConns int
	// BusyTimeout is the SQLite busy handler timeout. Zero surfaces
	// SQLITE_BUSY immediately and leaves waiting to the retry loop.
	BusyTimeout time.Duration
	// RetryStep is the base backoff between transaction retries.
	RetryStep time.Duration
	// RetryMax caps the backoff between transaction retries.
	RetryMax time.Duration
	// RetryAttempts bounds how often a serialization failure is
	// retried before it is returned to the caller.
	RetryAttempts int
	// Log is the logger for migration and retry events.
	Log *slog.Logger
	// Clock is used for retry backoff and row timestamps.
	Clock clockwork.Clock
}

// SetFromURL sets the database URL and applies the overrides carried
// in its fragment, e.g. sqlite://data.db#busy_timeout=5s. Query
// parameters belong to the driver and pass through untouched; the
// fragment is this package's namespace and is stripped from the
// stored URL.
func (c *Config) SetFromURL(u *url.URL) error {
	params, err := url.ParseQuery(u.EscapedFragment())
	if err != nil {
		return trace.BadParameter("invalid URL fragment: %v", err)
	}
	for key := range params {
		switch key {
		case "pool_max_conns", "busy_timeout":
		default:
			return trace.BadParameter("unsupported URL fragment parameter %q", key)
		}
	}
	if v := params.Get("pool_max_conns"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return trace.BadParameter("invalid pool_max_conns value %q", v)
		}
		c.PoolMaxConns = n
	}
	if v := params.Get("busy_timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return trace.BadParameter("invalid busy_timeout value: %v", err)
		}
		c.BusyTimeout = d
	}
	bare := *u
	bare.Fragment = ""
	bare.RawFragment = ""
	c.URL = bare.String()
	return nil
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing database URL")
	}
	if c.RetryStep == 0 {
		c.RetryStep = defaults.RetryStep
	}
	if c.RetryMax == 0 {
		c.RetryMax = defaults.RetryMax
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
	if c.Log == nil {
		c.Log = slog.Default().With(pretenderdb.ComponentKey, pretenderdb.ComponentSQL)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// DB is an open, migrated database handle.
type DB struct {
	cfg     Config
	db      *sql.DB
	dialect Dialect
}

// New connects to the database named by the configuration URL, runs
// pending schema migrations and returns the handle.
func New(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dialect, dsn, err := parseURL(cfg.URL, cfg.BusyTimeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sqlDB, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.PoolMaxConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.PoolMaxConns)
	}
	if dialect == DialectSQLite && isMemoryDSN(dsn) {
		// every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, trace.ConnectionProblem(err, "failed to connect to %s database", dialect)
	}
	d := &DB{cfg: cfg, db: sqlDB, dialect: dialect}
	if err := d.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, trace.Wrap(err)
	}
	return d, nil
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return trace.Wrap(d.db.Close())
}

// Dialect returns the engine the handle is connected to.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Clock returns the configured clock.
func (d *DB) Clock() clockwork.Clock {
	return d.cfg.Clock
}
