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
	"time"

	"github.com/gravitational/trace"
)

// pruneBatchSize caps how many records one DELETE statement removes
// so a large backlog never holds a long transaction.
const pruneBatchSize = 1000

// RunPruner deletes records older than the retention window until the
// context is canceled. Closed streams whose records are all gone are
// dropped entirely once their closure itself ages out.
func (s *Streams) RunPruner(ctx context.Context) error {
	s.cfg.Log.InfoContext(ctx, "Starting stream retention pruner.",
		"retention", s.cfg.Retention.String(), "interval", s.cfg.PruneInterval.String())
	defer s.cfg.Log.InfoContext(ctx, "Exited stream retention pruner.")

	for {
		if err := s.PruneOnce(ctx); err != nil && ctx.Err() == nil {
			s.cfg.Log.ErrorContext(ctx, "Failed to prune stream records.", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.cfg.Clock.After(s.cfg.PruneInterval):
		}
	}
}

// PruneOnce performs a single retention pass over every stream.
func (s *Streams) PruneOnce(ctx context.Context) error {
	cutoff := s.cfg.Clock.Now().UTC().Add(-s.cfg.Retention)
	var arns []string
	err := s.cfg.DB.InReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT stream_arn FROM pdb_streams ORDER BY stream_arn")
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		arns = arns[:0]
		for rows.Next() {
			var arn string
			if err := rows.Scan(&arn); err != nil {
				return trace.Wrap(err)
			}
			arns = append(arns, arn)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return trace.Wrap(err)
	}
	for _, arn := range arns {
		if err := s.pruneStream(ctx, arn, cutoff); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (s *Streams) pruneStream(ctx context.Context, arn string, cutoff time.Time) error {
	t0 := s.cfg.Clock.Now()
	var pruned int64
	for {
		var n int64
		err := s.cfg.DB.InTx(ctx, func(tx *sql.Tx) error {
			var trim int64
			err := tx.QueryRowContext(ctx,
				s.cfg.DB.Rebind("SELECT COALESCE(MAX(seq), 0) FROM pdb_stream_records WHERE stream_arn = $1 AND created_at < $2"),
				arn, cutoff,
			).Scan(&trim)
			if err != nil {
				return trace.Wrap(err)
			}
			if trim == 0 {
				return nil
			}
			res, err := tx.ExecContext(ctx,
				s.cfg.DB.Rebind(`DELETE FROM pdb_stream_records WHERE stream_arn = $1 AND seq IN
  (SELECT seq FROM pdb_stream_records WHERE stream_arn = $1 AND seq <= $2 ORDER BY seq LIMIT $3)`),
				arn, trim, pruneBatchSize,
			)
			if err != nil {
				return trace.Wrap(err)
			}
			n, err = res.RowsAffected()
			if err != nil {
				return trace.Wrap(err)
			}
			_, err = tx.ExecContext(ctx,
				s.cfg.DB.Rebind("UPDATE pdb_streams SET trim_seq = $2 WHERE stream_arn = $1 AND trim_seq < $2"),
				arn, trim,
			)
			return trace.Wrap(err)
		})
		if err != nil {
			return trace.Wrap(err)
		}
		pruned += n
		if n < pruneBatchSize {
			break
		}
	}
	if pruned > 0 {
		s.cfg.Log.DebugContext(ctx, "Pruned stream records.",
			"stream", arn, "pruned", pruned, "elapsed", s.cfg.Clock.Since(t0).String())
	}
	// A closed stream with nothing left to read ages out with its
	// records.
	return trace.Wrap(s.cfg.DB.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			s.cfg.DB.Rebind(`DELETE FROM pdb_streams WHERE stream_arn = $1 AND closed_at IS NOT NULL AND closed_at < $2
  AND trim_seq >= last_seq`),
			arn, cutoff,
		)
		return trace.Wrap(err)
	}))
}
