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
	"database/sql/driver"
	"errors"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/gravitational/pretenderdb/lib/retryutils"
)

// InTx runs fn inside a serializable read-write transaction. The
// transaction is retried with linear backoff when the engine reports
// a serialization failure, a deadlock, or a busy database; any other
// error rolls back and returns immediately.
func (d *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	opts := &sql.TxOptions{}
	if d.dialect == DialectPostgres {
		opts.Isolation = sql.LevelSerializable
	}
	return d.retryTx(ctx, opts, fn)
}

// InReadTx runs fn inside a read-only transaction with the same
// retry behavior as InTx.
func (d *DB) InReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	opts := &sql.TxOptions{}
	if d.dialect == DialectPostgres {
		opts.Isolation = sql.LevelSerializable
		opts.ReadOnly = true
	}
	return d.retryTx(ctx, opts, fn)
}

func (d *DB) retryTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	retry, err := retryutils.NewLinear(retryutils.LinearConfig{
		Step:  d.cfg.RetryStep,
		Max:   d.cfg.RetryMax,
		Clock: d.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	attempt := 0
	err = retry.For(ctx, func() error {
		attempt++
		txErr := d.attemptTx(ctx, opts, fn)
		if txErr == nil {
			return nil
		}
		if !IsRetryableError(txErr) || attempt >= d.cfg.RetryAttempts {
			return retryutils.PermanentRetryError(txErr)
		}
		return txErr
	})
	return trace.Wrap(err)
}

func (d *DB) attemptTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

// IsRetryableError reports whether an error is transient contention
// worth retrying the whole transaction for.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsTransactionRollback(pgErr.Code)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// ConvertError maps engine-specific failures onto trace errors so
// callers can branch without driver imports. Unrecognized errors come
// back as they were.
func ConvertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return trace.NotFound("record not found")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UniqueViolation:
			return trace.AlreadyExists("record already exists")
		case pgerrcode.IsConnectionException(pgErr.Code):
			return trace.ConnectionProblem(err, "database connection failed")
		}
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrConstraint {
			return trace.AlreadyExists("record already exists")
		}
	}
	return err
}
