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

// Package transact is the transaction coordinator. A transactional write
// locks every referenced row, evaluates every condition against the locked
// images, and only then applies the mutations; a single failed condition
// cancels the whole transaction with one cancellation reason per input
// item. Transactional reads return a consistent snapshot taken under one
// read transaction.
package transact

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb"
	"github.com/gravitational/pretenderdb/lib/catalog"
	"github.com/gravitational/pretenderdb/lib/defaults"
	"github.com/gravitational/pretenderdb/lib/dynattr"
	"github.com/gravitational/pretenderdb/lib/expression"
	"github.com/gravitational/pretenderdb/lib/itemstore"
	"github.com/gravitational/pretenderdb/lib/sqlbk"
)

// Cancellation reason codes reported per transaction item.
const (
	// ReasonNone marks an item whose checks all passed.
	ReasonNone = "None"
	// ReasonConditionalCheckFailed marks an item whose condition
	// expression evaluated to false.
	ReasonConditionalCheckFailed = "ConditionalCheckFailed"
	// ReasonValidationError marks an item whose update could not be
	// applied, for example a type mismatch or an oversized result.
	ReasonValidationError = "ValidationError"
)

// CancellationReason explains why one transaction item caused or survived
// a cancellation. A canceled transaction carries exactly one reason per
// input item, in input order.
type CancellationReason struct {
	Code    string
	Message string
}

// CanceledError is returned by TransactWriteItems when at least one item
// failed its checks. No mutation has been applied and no stream record
// has been written.
type CanceledError struct {
	Reasons []CancellationReason
}

func (e *CanceledError) Error() string {
	failed := 0
	for _, r := range e.Reasons {
		if r.Code != ReasonNone {
			failed++
		}
	}
	return fmt.Sprintf("transaction canceled, %v of %v items failed", failed, len(e.Reasons))
}

// Config holds the coordinator dependencies.
type Config struct {
	// DB is the SQL backend transactions run on.
	DB *sqlbk.DB
	// Catalog resolves table definitions.
	Catalog *catalog.Catalog
	// Store supplies the locked row primitives shared with the
	// single-item operations.
	Store *itemstore.Store
	// Log is the coordinator logger.
	Log *slog.Logger
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
	if c.Log == nil {
		c.Log = slog.With(pretenderdb.ComponentKey, pretenderdb.ComponentTransact)
	}
	return nil
}

// Coordinator executes transactional reads and writes.
type Coordinator struct {
	cfg Config
}

// New returns a transaction coordinator.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Coordinator{cfg: cfg}, nil
}

// Put writes a full item, optionally guarded by a condition expression.
type Put struct {
	TableName           string
	Item                dynattr.Item
	ConditionExpression string
	ExpressionNames     map[string]string
	ExpressionValues    map[string]dynattr.Value
}

// Update applies an update expression to the item at Key, optionally
// guarded by a condition expression.
type Update struct {
	TableName           string
	Key                 dynattr.Item
	UpdateExpression    string
	ConditionExpression string
	ExpressionNames     map[string]string
	ExpressionValues    map[string]dynattr.Value
}

// Delete removes the item at Key, optionally guarded by a condition
// expression.
type Delete struct {
	TableName           string
	Key                 dynattr.Item
	ConditionExpression string
	ExpressionNames     map[string]string
	ExpressionValues    map[string]dynattr.Value
}

// ConditionCheck asserts a condition against the item at Key without
// mutating it. The condition expression is required.
type ConditionCheck struct {
	TableName           string
	Key                 dynattr.Item
	ConditionExpression string
	ExpressionNames     map[string]string
	ExpressionValues    map[string]dynattr.Value
}

// WriteItem is one entry of a transactional write. Exactly one of the
// four actions must be set.
type WriteItem struct {
	Put            *Put
	Update         *Update
	Delete         *Delete
	ConditionCheck *ConditionCheck
}

type actionKind int

const (
	actionPut actionKind = iota
	actionUpdate
	actionDelete
	actionCheck
)

// plannedWrite is one fully compiled transaction item. All parsing and
// table resolution happens before the transaction opens, so the locked
// phase only reads rows, evaluates conditions and applies images.
type plannedWrite struct {
	action actionKind
	table  *catalog.Table
	key    itemstore.Key
	cond   *expression.Condition
	update *expression.Update
	item   dynattr.Item

	// pre and post are the locked image and, for updates, the applied
	// result. Both are reassigned on every transaction attempt.
	pre  dynattr.Item
	post dynattr.Item
}

// TransactWriteItems executes up to defaults.TransactItemsLimit write
// actions as a single atomic unit. Rows are locked in (table, key)
// order, every condition is evaluated against the locked images, and the
// mutations apply only if every check passed. On a failed check it
// returns a *CanceledError carrying one CancellationReason per input
// item and leaves the database and streams untouched.
func (c *Coordinator) TransactWriteItems(ctx context.Context, items []WriteItem) error {
	if len(items) == 0 {
		return trace.BadParameter("transaction has no items")
	}
	if len(items) > defaults.TransactItemsLimit {
		return trace.BadParameter("transaction size %v exceeds the maximum of %v items", len(items), defaults.TransactItemsLimit)
	}

	planned := make([]*plannedWrite, 0, len(items))
	for i, item := range items {
		p, err := c.planWrite(ctx, i, item)
		if err != nil {
			return trace.Wrap(err)
		}
		planned = append(planned, p)
	}

	// Locks are taken in (table, key byte) order regardless of the
	// input order, so two transactions touching the same rows always
	// contend in the same sequence.
	lockOrder := slices.Clone(planned)
	slices.SortFunc(lockOrder, func(a, b *plannedWrite) int {
		if cmp := strings.Compare(a.table.Name, b.table.Name); cmp != 0 {
			return cmp
		}
		return a.key.Compare(b.key)
	})
	for i := 1; i < len(lockOrder); i++ {
		prev := lockOrder[i-1]
		if lockOrder[i].table.Name == prev.table.Name && lockOrder[i].key.Compare(prev.key) == 0 {
			return trace.BadParameter("transaction cannot include multiple operations on one item in table %s", prev.table.Name)
		}
	}

	err := c.cfg.DB.InTx(ctx, func(tx *sql.Tx) error {
		for _, p := range lockOrder {
			pre, err := c.cfg.Store.GetForUpdate(ctx, tx, p.table, p.key)
			if err != nil {
				return trace.Wrap(err)
			}
			p.pre = pre
		}

		reasons := make([]CancellationReason, len(planned))
		failed := false
		for i, p := range planned {
			reasons[i] = CancellationReason{Code: ReasonNone}
			if p.cond != nil && !p.cond.Eval(p.pre) {
				reasons[i] = CancellationReason{
					Code:    ReasonConditionalCheckFailed,
					Message: "The conditional request failed",
				}
				failed = true
				continue
			}
			if p.action != actionUpdate {
				continue
			}
			base := p.pre
			if base == nil {
				base = p.key.Item(p.table)
			}
			post, err := p.update.Apply(base)
			if err == nil {
				err = itemstore.CheckItemSize(post)
			}
			if err != nil {
				reasons[i] = CancellationReason{
					Code:    ReasonValidationError,
					Message: trace.UserMessage(err),
				}
				failed = true
				continue
			}
			p.post = post
		}
		if failed {
			return &CanceledError{Reasons: reasons}
		}

		for _, p := range planned {
			switch p.action {
			case actionPut:
				if err := c.cfg.Store.PutLocked(ctx, tx, p.table, p.key, p.pre, p.item, nil); err != nil {
					return trace.Wrap(err)
				}
			case actionUpdate:
				if err := c.cfg.Store.PutLocked(ctx, tx, p.table, p.key, p.pre, p.post, nil); err != nil {
					return trace.Wrap(err)
				}
			case actionDelete:
				if err := c.cfg.Store.DeleteLocked(ctx, tx, p.table, p.key, p.pre, nil); err != nil {
					return trace.Wrap(err)
				}
			case actionCheck:
			}
		}
		return nil
	})
	return trace.Wrap(err)
}

// planWrite resolves and compiles one transaction item.
func (c *Coordinator) planWrite(ctx context.Context, index int, item WriteItem) (*plannedWrite, error) {
	set := 0
	if item.Put != nil {
		set++
	}
	if item.Update != nil {
		set++
	}
	if item.Delete != nil {
		set++
	}
	if item.ConditionCheck != nil {
		set++
	}
	if set != 1 {
		return nil, trace.BadParameter("transaction item %v must carry exactly one action", index)
	}

	switch {
	case item.Put != nil:
		put := item.Put
		table, err := c.cfg.Catalog.GetTable(ctx, put.TableName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := table.CheckItemKeys(put.Item); err != nil {
			return nil, trace.Wrap(err)
		}
		if err := itemstore.CheckItemSize(put.Item); err != nil {
			return nil, trace.Wrap(err)
		}
		key, err := itemstore.KeyFromItem(table, put.Item)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cond, err := compileCondition(put.ConditionExpression, put.ExpressionNames, put.ExpressionValues)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &plannedWrite{action: actionPut, table: table, key: key, cond: cond, item: put.Item}, nil

	case item.Update != nil:
		upd := item.Update
		if upd.UpdateExpression == "" {
			return nil, trace.BadParameter("transaction item %v is missing an update expression", index)
		}
		table, err := c.cfg.Catalog.GetTable(ctx, upd.TableName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		key, err := itemstore.KeyFromWire(table, upd.Key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		env := expression.NewEnv(upd.ExpressionNames, upd.ExpressionValues)
		update, err := expression.CompileUpdate(upd.UpdateExpression, env)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		var cond *expression.Condition
		if upd.ConditionExpression != "" {
			cond, err = expression.CompileCondition(upd.ConditionExpression, env)
			if err != nil {
				return nil, trace.Wrap(err)
			}
		}
		if err := env.CheckUsed(); err != nil {
			return nil, trace.Wrap(err)
		}
		for _, root := range update.Roots() {
			for _, attr := range table.KeyAttributeNames() {
				if root == attr {
					return nil, trace.BadParameter("cannot update attribute %s, this attribute is part of the key", root)
				}
			}
		}
		return &plannedWrite{action: actionUpdate, table: table, key: key, cond: cond, update: update}, nil

	case item.Delete != nil:
		del := item.Delete
		table, err := c.cfg.Catalog.GetTable(ctx, del.TableName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		key, err := itemstore.KeyFromWire(table, del.Key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cond, err := compileCondition(del.ConditionExpression, del.ExpressionNames, del.ExpressionValues)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &plannedWrite{action: actionDelete, table: table, key: key, cond: cond}, nil

	default:
		check := item.ConditionCheck
		if check.ConditionExpression == "" {
			return nil, trace.BadParameter("transaction item %v condition check requires a condition expression", index)
		}
		table, err := c.cfg.Catalog.GetTable(ctx, check.TableName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		key, err := itemstore.KeyFromWire(table, check.Key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cond, err := compileCondition(check.ConditionExpression, check.ExpressionNames, check.ExpressionValues)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &plannedWrite{action: actionCheck, table: table, key: key, cond: cond}, nil
	}
}

// compileCondition compiles an optional standalone condition expression
// with its own placeholder environment.
func compileCondition(expr string, names map[string]string, values map[string]dynattr.Value) (*expression.Condition, error) {
	env := expression.NewEnv(names, values)
	var cond *expression.Condition
	if expr != "" {
		var err error
		cond, err = expression.CompileCondition(expr, env)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := env.CheckUsed(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cond, nil
}

// GetItem is one entry of a transactional read.
type GetItem struct {
	TableName            string
	Key                  dynattr.Item
	ProjectionExpression string
	ExpressionNames      map[string]string
}

type plannedGet struct {
	table *catalog.Table
	key   itemstore.Key
	proj  *expression.Projection
}

// TransactGetItems reads up to defaults.TransactItemsLimit items under a
// single read transaction. The result slice is parallel to the input,
// with a nil entry for every key that does not exist.
func (c *Coordinator) TransactGetItems(ctx context.Context, items []GetItem) ([]dynattr.Item, error) {
	if len(items) == 0 {
		return nil, trace.BadParameter("transaction has no items")
	}
	if len(items) > defaults.TransactItemsLimit {
		return nil, trace.BadParameter("transaction size %v exceeds the maximum of %v items", len(items), defaults.TransactItemsLimit)
	}

	planned := make([]*plannedGet, 0, len(items))
	for _, get := range items {
		table, err := c.cfg.Catalog.GetTable(ctx, get.TableName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		key, err := itemstore.KeyFromWire(table, get.Key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		env := expression.NewEnv(get.ExpressionNames, nil)
		var proj *expression.Projection
		if get.ProjectionExpression != "" {
			proj, err = expression.CompileProjection(get.ProjectionExpression, env)
			if err != nil {
				return nil, trace.Wrap(err)
			}
		}
		if err := env.CheckUsed(); err != nil {
			return nil, trace.Wrap(err)
		}
		planned = append(planned, &plannedGet{table: table, key: key, proj: proj})
	}

	order := slices.Clone(planned)
	slices.SortFunc(order, func(a, b *plannedGet) int {
		if cmp := strings.Compare(a.table.Name, b.table.Name); cmp != 0 {
			return cmp
		}
		return a.key.Compare(b.key)
	})
	for i := 1; i < len(order); i++ {
		prev := order[i-1]
		if order[i].table.Name == prev.table.Name && order[i].key.Compare(prev.key) == 0 {
			return nil, trace.BadParameter("transaction cannot read one item twice in table %s", prev.table.Name)
		}
	}

	results := make([]dynattr.Item, len(items))
	err := c.cfg.DB.InReadTx(ctx, func(tx *sql.Tx) error {
		for i, p := range planned {
			item, err := c.cfg.Store.GetInTx(ctx, tx, p.table, p.key)
			if err != nil {
				return trace.Wrap(err)
			}
			results[i] = item
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i, p := range planned {
		if results[i] != nil && p.proj != nil {
			results[i] = p.proj.Apply(results[i])
		}
	}
	return results, nil
}
