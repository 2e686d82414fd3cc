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
	"fmt"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Dialect identifies the SQL engine behind a DB handle.
type Dialect int

const (
	// DialectPostgres is PostgreSQL through the pgx driver.
	DialectPostgres Dialect = iota
	// DialectSQLite is the embedded SQLite engine.
	DialectSQLite
)

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectSQLite:
		return "sqlite"
	}
	return fmt.Sprintf("dialect(%d)", int(d))
}

func (d Dialect) driverName() string {
	switch d {
	case DialectSQLite:
		return "sqlite3"
	default:
		return "pgx"
	}
}

// parseURL maps a configuration URL to a dialect and a driver DSN.
// PostgreSQL URLs pass through untouched. SQLite URLs name a file
// path or :memory: after the scheme; the DSN pins the write lock at
// BEGIN so concurrent writers queue instead of failing mid-way.
func parseURL(url string, busyTimeout time.Duration) (Dialect, string, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DialectPostgres, url, nil
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path == "" {
			return 0, "", trace.BadParameter("sqlite URL is missing a database path")
		}
		if path == ":memory:" {
			return DialectSQLite, "file::memory:?mode=memory&cache=shared&_txlock=immediate", nil
		}
		return DialectSQLite, fmt.Sprintf("file:%s?_busy_timeout=%d&_txlock=immediate", path, busyTimeout.Milliseconds()), nil
	}
	return 0, "", trace.BadParameter("unsupported database URL scheme %q, expected postgres:// or sqlite://", url)
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:")
}

// Rebind rewrites $N placeholders for the connected engine. Postgres
// takes them as written; SQLite gets the equivalent ?N ordinals.
func (d *DB) Rebind(query string) string {
	if d.dialect != DialectSQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// LockClause returns the row locking suffix for read-modify-write
// statements. SQLite holds the database write lock for the whole
// transaction, so it needs none.
func (d *DB) LockClause() string {
	if d.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// blobType is the column type for canonical key bytes and binary
// payloads.
func (d Dialect) blobType() string {
	if d == DialectPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

// jsonType is the column type for document payloads.
func (d Dialect) jsonType() string {
	if d == DialectPostgres {
		return "JSONB"
	}
	return "TEXT"
}

// timestampType is the column type for row timestamps.
func (d Dialect) timestampType() string {
	if d == DialectPostgres {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}
