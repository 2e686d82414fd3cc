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
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pretenderdb/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		wantDialect Dialect
		wantDSN     string
		wantErr     bool
	}{
		{
			name:        "postgres",
			url:         "postgres://user@localhost:5432/pdb",
			wantDialect: DialectPostgres,
			wantDSN:     "postgres://user@localhost:5432/pdb",
		},
		{
			name:        "postgresql scheme",
			url:         "postgresql://user@localhost:5432/pdb",
			wantDialect: DialectPostgres,
			wantDSN:     "postgresql://user@localhost:5432/pdb",
		},
		{
			name:        "sqlite file",
			url:         "sqlite:///var/lib/pdb/data.db",
			wantDialect: DialectSQLite,
			wantDSN:     "file:/var/lib/pdb/data.db?_busy_timeout=0&_txlock=immediate",
		},
		{
			name:        "sqlite memory",
			url:         "sqlite://:memory:",
			wantDialect: DialectSQLite,
			wantDSN:     "file::memory:?mode=memory&cache=shared&_txlock=immediate",
		},
		{name: "sqlite missing path", url: "sqlite://", wantErr: true},
		{name: "unknown scheme", url: "mysql://localhost/pdb", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialect, dsn, err := parseURL(tt.url, 0)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, trace.IsBadParameter(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantDialect, dialect)
			require.Equal(t, tt.wantDSN, dsn)
		})
	}
}

func TestConfigSetFromURL(t *testing.T) {
	tests := map[string]*Config{
		"sqlite://data.db": {
			URL: "sqlite://data.db",
		},
		"sqlite://data.db#busy_timeout=5s": {
			URL:         "sqlite://data.db",
			BusyTimeout: 5 * time.Second,
		},
		"postgres://db:5432/pdb?sslmode=disable#pool_max_conns=8": {
			URL:          "postgres://db:5432/pdb?sslmode=disable",
			PoolMaxConns: 8,
		},
		"sqlite://data.db#pool_max_conns=4&busy_timeout=250ms": {
			URL:          "sqlite://data.db",
			PoolMaxConns: 4,
			BusyTimeout:  250 * time.Millisecond,
		},
		"sqlite://data.db#busy_timeout=never": nil,
		"sqlite://data.db#pool_max_conns=0":   nil,
		"sqlite://data.db#journal_mode=wal":   nil,
	}
	for s, want := range tests {
		t.Run(s, func(t *testing.T) {
			u, err := url.Parse(s)
			require.NoError(t, err)
			var cfg Config
			err = cfg.SetFromURL(u)
			if want == nil {
				require.Error(t, err)
				require.True(t, trace.IsBadParameter(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, *want, cfg)
		})
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: DialectPostgres}
	lite := &DB{dialect: DialectSQLite}

	query := "SELECT payload FROM pdb_items WHERE table_name = $1 AND hash_key = $2"
	require.Equal(t, query, pg.Rebind(query))
	require.Equal(t,
		"SELECT payload FROM pdb_items WHERE table_name = ?1 AND hash_key = ?2",
		lite.Rebind(query))

	// two-digit ordinals and adjacent text survive
	require.Equal(t, "VALUES (?10, ?11)", lite.Rebind("VALUES ($10, $11)"))
	require.Equal(t, "SELECT '$'", lite.Rebind("SELECT '$'"))
}

func TestIsRetryableError(t *testing.T) {
	require.False(t, IsRetryableError(nil))
	require.False(t, IsRetryableError(errors.New("boom")))
	require.True(t, IsRetryableError(&pgconn.PgError{Code: "40001"}))
	require.True(t, IsRetryableError(&pgconn.PgError{Code: "40P01"}))
	require.False(t, IsRetryableError(&pgconn.PgError{Code: "23505"}))
	require.True(t, IsRetryableError(sqlite3.Error{Code: sqlite3.ErrBusy}))
	require.True(t, IsRetryableError(sqlite3.Error{Code: sqlite3.ErrLocked}))
	require.False(t, IsRetryableError(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	// wrapped errors keep their classification
	require.True(t, IsRetryableError(trace.Wrap(&pgconn.PgError{Code: "40001"})))
}

func TestConvertError(t *testing.T) {
	require.NoError(t, ConvertError(nil))
	require.True(t, trace.IsNotFound(ConvertError(sql.ErrNoRows)))
	require.True(t, trace.IsAlreadyExists(ConvertError(&pgconn.PgError{Code: "23505"})))
	require.True(t, trace.IsAlreadyExists(ConvertError(sqlite3.Error{Code: sqlite3.ErrConstraint})))
	plain := errors.New("boom")
	require.Equal(t, plain, ConvertError(plain))
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{URL: "sqlite://" + filepath.Join(dir, "pdb.db")}

	db, err := New(ctx, cfg)
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, DialectSQLite, db.Dialect())

	err = db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			db.Rebind("INSERT INTO pdb_tables (name, definition, created_at) VALUES ($1, $2, $3)"),
			"users", `{"tableName":"users"}`, db.Clock().Now().UTC(),
		)
		return trace.Wrap(err)
	})
	require.NoError(t, err)

	var definition string
	err = db.InReadTx(ctx, func(tx *sql.Tx) error {
		return trace.Wrap(tx.QueryRowContext(ctx,
			db.Rebind("SELECT definition FROM pdb_tables WHERE name = $1"), "users",
		).Scan(&definition))
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"tableName":"users"}`, definition)

	// a second open against the same file skips migrations
	db2, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, db2.Close())
}

func TestPostgresRoundTrip(t *testing.T) {
	pgURL := os.Getenv("PRETENDER_TEST_PG_URL")
	if pgURL == "" {
		t.Skip("PRETENDER_TEST_PG_URL not set")
	}
	ctx := context.Background()
	db, err := New(ctx, Config{URL: pgURL})
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, DialectPostgres, db.Dialect())
	require.Equal(t, " FOR UPDATE", db.LockClause())

	err = db.InReadTx(ctx, func(tx *sql.Tx) error {
		var one int
		return trace.Wrap(tx.QueryRowContext(ctx, "SELECT 1").Scan(&one))
	})
	require.NoError(t, err)
}
