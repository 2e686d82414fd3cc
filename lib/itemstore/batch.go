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

package itemstore

import (
	"context"
	"database/sql"
	"maps"
	"slices"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/pretenderdb/lib/catalog"
	"github.com/gravitational/pretenderdb/lib/defaults"
	"github.com/gravitational/pretenderdb/lib/dynattr"
	"github.com/gravitational/pretenderdb/lib/expression"
)

// keyTuple is a comparable form of a key's canonical bytes, for
// duplicate detection within a batch.
type keyTuple struct {
	hash string
	rng  string
}

func (k Key) tuple() keyTuple {
	return keyTuple{hash: string(k.hashBytes), rng: string(k.rangeBytes)}
}

// BatchGetRequest is the per-table portion of a batch get: the keys to
// fetch and an optional shared projection.
type BatchGetRequest struct {
	Keys                 []dynattr.Item
	ProjectionExpression string
	ExpressionNames      map[string]string
}

// BatchGetParams are the BatchGetItem inputs, keyed by table name.
type BatchGetParams struct {
	Requests map[string]BatchGetRequest
}

// BatchGetResult carries the found items per table. Tables whose reads
// failed have their whole request echoed under UnprocessedKeys for the
// caller to retry.
type BatchGetResult struct {
	Responses       map[string][]dynattr.Item
	UnprocessedKeys map[string]BatchGetRequest
}

// BatchGetItem fetches up to the batch limit of keys across tables.
// Tables are read concurrently and independently; a failed table read
// turns into unprocessed keys rather than failing the call. Malformed
// requests fail the whole call before any read starts.
func (s *Store) BatchGetItem(ctx context.Context, params BatchGetParams) (*BatchGetResult, error) {
	total := 0
	for name, req := range params.Requests {
		if len(req.Keys) == 0 {
			return nil, trace.BadParameter("batch get request for table %s has no keys", name)
		}
		total += len(req.Keys)
	}
	if total == 0 {
		return nil, trace.BadParameter("batch get request has no items")
	}
	if total > defaults.BatchGetItemLimit {
		return nil, trace.BadParameter("too many items requested for the batch get, %d exceeds the maximum of %d", total, defaults.BatchGetItemLimit)
	}

	type tableGet struct {
		name   string
		table  *catalog.Table
		req    BatchGetRequest
		proj   *expression.Projection
		keys   []Key
		items  []dynattr.Item
		failed bool
	}
	var gets []*tableGet
	for _, name := range slices.Sorted(maps.Keys(params.Requests)) {
		req := params.Requests[name]
		table, err := s.cfg.Catalog.GetTable(ctx, name)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		env := expression.NewEnv(req.ExpressionNames, nil)
		var proj *expression.Projection
		if req.ProjectionExpression != "" {
			if proj, err = expression.CompileProjection(req.ProjectionExpression, env); err != nil {
				return nil, trace.Wrap(err)
			}
		}
		if err := env.CheckUsed(); err != nil {
			return nil, trace.Wrap(err)
		}
		g := &tableGet{name: name, table: table, req: req, proj: proj}
		seen := make(map[keyTuple]bool, len(req.Keys))
		for _, wire := range req.Keys {
			key, err := KeyFromWire(table, wire)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			t := key.tuple()
			if seen[t] {
				return nil, trace.BadParameter("the provided list of keys for table %s contains duplicates", name)
			}
			seen[t] = true
			g.keys = append(g.keys, key)
		}
		gets = append(gets, g)
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, g := range gets {
		group.Go(func() error {
			err := s.cfg.DB.InReadTx(gctx, func(tx *sql.Tx) error {
				g.items = g.items[:0]
				for _, key := range g.keys {
					item, err := s.GetInTx(gctx, tx, g.table, key)
					if err != nil {
						return trace.Wrap(err)
					}
					if item != nil {
						g.items = append(g.items, item)
					}
				}
				return nil
			})
			if err != nil {
				if gctx.Err() != nil {
					return trace.Wrap(err)
				}
				s.cfg.Log.WarnContext(gctx, "Batch get failed for a table, returning its keys unprocessed.",
					"table", g.name, "error", err)
				g.failed = true
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}

	result := &BatchGetResult{Responses: make(map[string][]dynattr.Item, len(gets))}
	for _, g := range gets {
		if g.failed {
			if result.UnprocessedKeys == nil {
				result.UnprocessedKeys = map[string]BatchGetRequest{}
			}
			result.UnprocessedKeys[g.name] = g.req
			continue
		}
		items := g.items
		if items == nil {
			items = []dynattr.Item{}
		}
		if g.proj != nil {
			for i := range items {
				items[i] = g.proj.Apply(items[i])
			}
		}
		result.Responses[g.name] = items
	}
	return result, nil
}

// BatchWriteRequest is one entry of a batch write: exactly one of Put
// or DeleteKey is set.
type BatchWriteRequest struct {
	Put       dynattr.Item
	DeleteKey dynattr.Item
}

// BatchWriteParams are the BatchWriteItem inputs, keyed by table name.
type BatchWriteParams struct {
	Requests map[string][]BatchWriteRequest
}

// BatchWriteResult echoes the entries that were not applied, for the
// caller to retry.
type BatchWriteResult struct {
	UnprocessedItems map[string][]BatchWriteRequest
}

// BatchWriteItem applies up to the batch limit of unconditional puts
// and deletes. Entries run independently, each in its own transaction;
// tables proceed concurrently with entries of one table in order. An
// oversized item or a failed write lands in UnprocessedItems instead
// of failing the call. Malformed requests fail the whole call before
// any write starts.
func (s *Store) BatchWriteItem(ctx context.Context, params BatchWriteParams) (*BatchWriteResult, error) {
	type batchWrite struct {
		req         BatchWriteRequest
		key         Key
		unprocessed bool
	}
	type tableWrite struct {
		name    string
		table   *catalog.Table
		entries []*batchWrite
	}

	total := 0
	for _, reqs := range params.Requests {
		total += len(reqs)
	}
	if total == 0 {
		return nil, trace.BadParameter("batch write request has no items")
	}
	if total > defaults.BatchWriteItemLimit {
		return nil, trace.BadParameter("too many items requested for the batch write, %d exceeds the maximum of %d", total, defaults.BatchWriteItemLimit)
	}

	var writes []*tableWrite
	for _, name := range slices.Sorted(maps.Keys(params.Requests)) {
		table, err := s.cfg.Catalog.GetTable(ctx, name)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		w := &tableWrite{name: name, table: table}
		seen := make(map[keyTuple]bool, len(params.Requests[name]))
		for _, req := range params.Requests[name] {
			entry := &batchWrite{req: req}
			switch {
			case req.Put != nil && req.DeleteKey != nil, req.Put == nil && req.DeleteKey == nil:
				return nil, trace.BadParameter("batch write entries for table %s must carry exactly one of a put item or a delete key", name)
			case req.Put != nil:
				if err := table.CheckItemKeys(req.Put); err != nil {
					return nil, trace.Wrap(err)
				}
				if entry.key, err = KeyFromItem(table, req.Put); err != nil {
					return nil, trace.Wrap(err)
				}
				entry.unprocessed = CheckItemSize(req.Put) != nil
			default:
				if entry.key, err = KeyFromWire(table, req.DeleteKey); err != nil {
					return nil, trace.Wrap(err)
				}
			}
			t := entry.key.tuple()
			if seen[t] {
				return nil, trace.BadParameter("the provided list of item keys for table %s contains duplicates", name)
			}
			seen[t] = true
			w.entries = append(w.entries, entry)
		}
		writes = append(writes, w)
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, w := range writes {
		group.Go(func() error {
			for _, entry := range w.entries {
				if entry.unprocessed {
					continue
				}
				err := s.cfg.DB.InTx(gctx, func(tx *sql.Tx) error {
					pre, err := s.GetForUpdate(gctx, tx, w.table, entry.key)
					if err != nil {
						return trace.Wrap(err)
					}
					if entry.req.Put != nil {
						return trace.Wrap(s.PutLocked(gctx, tx, w.table, entry.key, pre, entry.req.Put, nil))
					}
					return trace.Wrap(s.DeleteLocked(gctx, tx, w.table, entry.key, pre, nil))
				})
				if err != nil {
					if gctx.Err() != nil {
						return trace.Wrap(err)
					}
					s.cfg.Log.WarnContext(gctx, "Batch write entry failed, returning it unprocessed.",
						"table", w.name, "error", err)
					entry.unprocessed = true
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}

	result := &BatchWriteResult{}
	for _, w := range writes {
		for _, entry := range w.entries {
			if !entry.unprocessed {
				continue
			}
			if result.UnprocessedItems == nil {
				result.UnprocessedItems = map[string][]BatchWriteRequest{}
			}
			result.UnprocessedItems[w.name] = append(result.UnprocessedItems[w.name], entry.req)
		}
	}
	return result, nil
}
