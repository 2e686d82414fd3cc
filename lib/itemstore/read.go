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
	"bytes"
	"context"
	"database/sql"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/catalog"
	"github.com/gravitational/pretenderdb/lib/defaults"
	"github.com/gravitational/pretenderdb/lib/dynattr"
	"github.com/gravitational/pretenderdb/lib/expression"
)

// GetItemParams are the GetItem inputs.
type GetItemParams struct {
	TableName            string
	Key                  dynattr.Item
	ProjectionExpression string
	ExpressionNames      map[string]string
}

// GetItemResult carries the item, nil when no item exists under the
// key.
type GetItemResult struct {
	Item dynattr.Item
}

// GetItem fetches one item by primary key. A missing item is an empty
// result, not an error.
func (s *Store) GetItem(ctx context.Context, params GetItemParams) (*GetItemResult, error) {
	table, err := s.cfg.Catalog.GetTable(ctx, params.TableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := KeyFromWire(table, params.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	env := expression.NewEnv(params.ExpressionNames, nil)
	var proj *expression.Projection
	if params.ProjectionExpression != "" {
		if proj, err = expression.CompileProjection(params.ProjectionExpression, env); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := env.CheckUsed(); err != nil {
		return nil, trace.Wrap(err)
	}

	var item dynattr.Item
	err = s.cfg.DB.InReadTx(ctx, func(tx *sql.Tx) error {
		item, err = s.GetInTx(ctx, tx, table, key)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if item != nil && proj != nil {
		item = proj.Apply(item)
	}
	return &GetItemResult{Item: item}, nil
}

// Page is one page of Query or Scan output. ScannedCount counts the
// rows examined before filtering; Count the rows returned after it.
// LastEvaluatedKey is set when the page stopped at the limit with more
// rows available.
type Page struct {
	Items            []dynattr.Item
	Count            int
	ScannedCount     int
	LastEvaluatedKey dynattr.Item
}

// QueryParams are the Query inputs. A zero Limit reads up to the page
// cap; Descending flips the sort key order.
type QueryParams struct {
	TableName              string
	IndexName              string
	KeyConditionExpression string
	FilterExpression       string
	ProjectionExpression   string
	ExpressionNames        map[string]string
	ExpressionValues       map[string]dynattr.Value
	Limit                  int
	Descending             bool
	ExclusiveStartKey      dynattr.Item
}

// Query reads one partition of the table or of an index, ordered by
// the sort key. The limit bounds examined rows; the filter applies
// after the cut, so a filtered page can return fewer items than the
// limit while more remain.
func (s *Store) Query(ctx context.Context, params QueryParams) (*Page, error) {
	if params.KeyConditionExpression == "" {
		return nil, trace.BadParameter("missing key condition expression")
	}
	table, err := s.cfg.Catalog.GetTable(ctx, params.TableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var idx *catalog.GSI
	if params.IndexName != "" {
		if idx, err = table.Index(params.IndexName); err != nil {
			return nil, trace.BadParameter("the table %s does not have the specified index %s", table.Name, params.IndexName)
		}
	}
	hashAttr := table.HashKey
	rangeAttr := table.RangeKey
	if idx != nil {
		hashAttr = idx.HashKey
		rangeAttr = idx.RangeKey
	}
	rangeName := ""
	if rangeAttr != nil {
		rangeName = rangeAttr.Name
	}

	env := expression.NewEnv(params.ExpressionNames, params.ExpressionValues)
	kc, err := expression.CompileKeyCondition(params.KeyConditionExpression, env, hashAttr.Name, rangeName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	filter, proj, err := compileReadExprs(env, params.FilterExpression, params.ProjectionExpression)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if kc.HashValue.Kind() != hashAttr.Kind() {
		return nil, trace.BadParameter("the key condition value for %s must be of type %s, found %s", hashAttr.Name, hashAttr.Type, kc.HashValue.Kind())
	}
	hashBytes, err := dynattr.EncodeKey(kc.HashValue)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	limit := pageLimit(params.Limit)
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	var q, rangeCol string
	if idx == nil {
		q = "SELECT payload FROM pdb_items WHERE table_name = " + arg(table.Name) +
			" AND hash_key = " + arg(hashBytes)
		rangeCol = "range_key"
	} else {
		q = "SELECT payload FROM pdb_index_entries WHERE table_name = " + arg(table.Name) +
			" AND index_name = " + arg(idx.Name) + " AND index_hash = " + arg(hashBytes)
		rangeCol = "index_range"
	}
	if kc.Range != nil {
		clause, err := rangeClauseSQL(rangeCol, rangeAttr, kc.Range, arg)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		q += clause
	}

	cmp := " > "
	if params.Descending {
		cmp = " < "
	}
	if len(params.ExclusiveStartKey) > 0 {
		if idx == nil {
			start, err := KeyFromWire(table, params.ExclusiveStartKey)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if !dynattr.Equal(start.Hash, kc.HashValue) {
				return nil, trace.BadParameter("the provided starting key is outside the queried partition")
			}
			q += " AND range_key" + cmp + arg(start.rangeBytes)
		} else {
			start, err := indexStartKey(table, idx, params.ExclusiveStartKey)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if !dynattr.Equal(start.indexHash, kc.HashValue) {
				return nil, trace.BadParameter("the provided starting key is outside the queried partition")
			}
			q += " AND (index_range, hash_key, range_key)" + cmp +
				"(" + arg(start.indexRangeBytes) + ", " + arg(start.base.hashBytes) + ", " + arg(start.base.rangeBytes) + ")"
		}
	}

	dir := ""
	if params.Descending {
		dir = " DESC"
	}
	if idx == nil {
		q += " ORDER BY range_key" + dir
	} else {
		q += " ORDER BY index_range" + dir + ", hash_key" + dir + ", range_key" + dir
	}
	q += " LIMIT " + strconv.Itoa(limit+1)

	examined, err := s.readPayloads(ctx, table.Name, q, args)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return buildPage(table, idx, examined, limit, filter, proj), nil
}

// ScanParams are the Scan inputs. TotalSegments zero means an
// unsegmented scan.
type ScanParams struct {
	TableName            string
	IndexName            string
	FilterExpression     string
	ProjectionExpression string
	ExpressionNames      map[string]string
	ExpressionValues     map[string]dynattr.Value
	Limit                int
	ExclusiveStartKey    dynattr.Item
	Segment              int
	TotalSegments        int
}

// Scan walks all rows of the table or of an index in primary key
// order. Segmented scans split the partition key space into disjoint
// byte ranges and read only the requested segment.
func (s *Store) Scan(ctx context.Context, params ScanParams) (*Page, error) {
	table, err := s.cfg.Catalog.GetTable(ctx, params.TableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var idx *catalog.GSI
	if params.IndexName != "" {
		if idx, err = table.Index(params.IndexName); err != nil {
			return nil, trace.BadParameter("the table %s does not have the specified index %s", table.Name, params.IndexName)
		}
	}
	env := expression.NewEnv(params.ExpressionNames, params.ExpressionValues)
	filter, proj, err := compileReadExprs(env, params.FilterExpression, params.ProjectionExpression)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if params.TotalSegments == 0 && params.Segment != 0 {
		return nil, trace.BadParameter("segment %d was provided without total segments", params.Segment)
	}

	limit := pageLimit(params.Limit)
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	var q string
	if idx == nil {
		q = "SELECT payload FROM pdb_items WHERE table_name = " + arg(table.Name)
	} else {
		q = "SELECT payload FROM pdb_index_entries WHERE table_name = " + arg(table.Name) +
			" AND index_name = " + arg(idx.Name)
	}
	if params.TotalSegments > 0 {
		lo, hi, err := dynattr.SegmentBounds(table.HashKey.Kind(), params.Segment, params.TotalSegments)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		q += " AND hash_key >= " + arg(lo) + " AND hash_key < " + arg(hi)
	}
	if len(params.ExclusiveStartKey) > 0 {
		var start Key
		if idx == nil {
			if start, err = KeyFromWire(table, params.ExclusiveStartKey); err != nil {
				return nil, trace.Wrap(err)
			}
		} else {
			is, err := indexStartKey(table, idx, params.ExclusiveStartKey)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			start = is.base
		}
		q += " AND (hash_key, range_key) > (" + arg(start.hashBytes) + ", " + arg(start.rangeBytes) + ")"
	}
	q += " ORDER BY hash_key, range_key LIMIT " + strconv.Itoa(limit+1)

	examined, err := s.readPayloads(ctx, table.Name, q, args)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return buildPage(table, idx, examined, limit, filter, proj), nil
}

// compileReadExprs compiles the optional filter and projection of a
// read against a shared environment and then verifies every
// placeholder was used.
func compileReadExprs(env *expression.Env, filterExpr, projExpr string) (*expression.Condition, *expression.Projection, error) {
	var filter *expression.Condition
	var proj *expression.Projection
	var err error
	if filterExpr != "" {
		if filter, err = expression.CompileFilter(filterExpr, env); err != nil {
			return nil, nil, trace.Wrap(err)
		}
	}
	if projExpr != "" {
		if proj, err = expression.CompileProjection(projExpr, env); err != nil {
			return nil, nil, trace.Wrap(err)
		}
	}
	if err := env.CheckUsed(); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return filter, proj, nil
}

// rangeClauseSQL renders the sort key restriction of a key condition
// as a predicate over the canonical key byte column. The byte encoding
// preserves value order, so every comparator maps to plain byte
// comparison and begins_with to a byte range.
func rangeClauseSQL(col string, attr *catalog.KeyAttribute, rc *expression.RangeCondition, arg func(any) string) (string, error) {
	if rc.Lo.Kind() != attr.Kind() {
		return "", trace.BadParameter("the key condition value for %s must be of type %s, found %s", attr.Name, attr.Type, rc.Lo.Kind())
	}
	lo, err := dynattr.EncodeKey(rc.Lo)
	if err != nil {
		return "", trace.Wrap(err)
	}
	switch rc.Op {
	case expression.RangeEQ:
		return " AND " + col + " = " + arg(lo), nil
	case expression.RangeLT:
		return " AND " + col + " < " + arg(lo), nil
	case expression.RangeLE:
		return " AND " + col + " <= " + arg(lo), nil
	case expression.RangeGT:
		return " AND " + col + " > " + arg(lo), nil
	case expression.RangeGE:
		return " AND " + col + " >= " + arg(lo), nil
	case expression.RangeBetween:
		if rc.Hi.Kind() != attr.Kind() {
			return "", trace.BadParameter("the key condition value for %s must be of type %s, found %s", attr.Name, attr.Type, rc.Hi.Kind())
		}
		hi, err := dynattr.EncodeKey(rc.Hi)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if bytes.Compare(lo, hi) > 0 {
			return "", trace.BadParameter("the BETWEEN lower bound of %s is greater than the upper bound", attr.Name)
		}
		return " AND " + col + " >= " + arg(lo) + " AND " + col + " <= " + arg(hi), nil
	case expression.RangeBeginsWith:
		if attr.Kind() == dynattr.KindNumber {
			return "", trace.BadParameter("begins_with does not apply to the number sort key %s", attr.Name)
		}
		clause := " AND " + col + " >= " + arg(lo)
		if end, ok := dynattr.PrefixEnd(lo); ok {
			clause += " AND " + col + " < " + arg(end)
		}
		return clause, nil
	}
	return "", trace.BadParameter("unsupported sort key comparison")
}

// indexStart is a decoded index read start key: the base item key plus
// the index key it was positioned at.
type indexStart struct {
	base            Key
	indexHash       dynattr.Value
	indexRangeBytes []byte
}

// indexStartKey validates an index read start key, which must carry
// exactly the base key attributes plus the index key attributes.
func indexStartKey(table *catalog.Table, idx *catalog.GSI, esk dynattr.Item) (indexStart, error) {
	names := map[string]struct{}{}
	for _, name := range table.KeyAttributeNames() {
		names[name] = struct{}{}
	}
	names[idx.HashKey.Name] = struct{}{}
	if idx.RangeKey != nil {
		names[idx.RangeKey.Name] = struct{}{}
	}
	if len(esk) != len(names) {
		return indexStart{}, trace.BadParameter("the provided starting key does not match the schema of index %s", idx.Name)
	}
	hash, rng, err := table.ExtractKey(esk)
	if err != nil {
		return indexStart{}, trace.Wrap(err)
	}
	base, err := newKey(hash, rng)
	if err != nil {
		return indexStart{}, trace.Wrap(err)
	}
	idxHash, idxRange, ok := idx.ExtractKey(esk)
	if !ok {
		return indexStart{}, trace.BadParameter("the provided starting key does not match the schema of index %s", idx.Name)
	}
	out := indexStart{base: base, indexHash: idxHash, indexRangeBytes: []byte{}}
	if !idxRange.IsZero() {
		if out.indexRangeBytes, err = dynattr.EncodeKey(idxRange); err != nil {
			return indexStart{}, trace.Wrap(err)
		}
	}
	return out, nil
}

// readPayloads runs a payload query inside a read transaction and
// decodes every row.
func (s *Store) readPayloads(ctx context.Context, tableName, query string, args []any) ([]dynattr.Item, error) {
	var items []dynattr.Item
	err := s.cfg.DB.InReadTx(ctx, func(tx *sql.Tx) error {
		items = items[:0]
		rows, err := tx.QueryContext(ctx, s.cfg.DB.Rebind(query), args...)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var payload []byte
			if err := rows.Scan(&payload); err != nil {
				return trace.Wrap(err)
			}
			item, err := dynattr.UnmarshalItem(payload)
			if err != nil {
				return trace.Wrap(err, "corrupt item payload in table %s", tableName)
			}
			items = append(items, item)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return items, nil
}

// buildPage cuts the examined rows at the limit, filters, projects and
// derives the next page cursor from the last examined row.
func buildPage(table *catalog.Table, idx *catalog.GSI, examined []dynattr.Item, limit int, filter *expression.Condition, proj *expression.Projection) *Page {
	page := &Page{}
	more := len(examined) > limit
	if more {
		examined = examined[:limit]
	}
	page.ScannedCount = len(examined)
	for _, item := range examined {
		if filter != nil && !filter.Eval(item) {
			continue
		}
		if proj != nil {
			item = proj.Apply(item)
		}
		page.Items = append(page.Items, item)
	}
	page.Count = len(page.Items)
	if more {
		page.LastEvaluatedKey = pageKey(table, idx, examined[len(examined)-1])
	}
	return page
}

// pageKey builds the page cursor from a row image: the base key
// attributes, plus the index key attributes on index reads.
func pageKey(table *catalog.Table, idx *catalog.GSI, item dynattr.Item) dynattr.Item {
	names := table.KeyAttributeNames()
	if idx != nil {
		names = append(names, idx.HashKey.Name)
		if idx.RangeKey != nil {
			names = append(names, idx.RangeKey.Name)
		}
	}
	out := dynattr.Item{}
	for _, name := range names {
		if v, ok := item[name]; ok {
			out[name] = v.Clone()
		}
	}
	return out
}

// pageLimit clamps a requested page size to the server cap.
func pageLimit(limit int) int {
	if limit <= 0 || limit > defaults.MaxPageItems {
		return defaults.MaxPageItems
	}
	return limit
}
