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
	"slices"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/dynattr"
	"github.com/gravitational/pretenderdb/lib/expression"
)

// Return value modes shared by the mutating operations.
const (
	ReturnNone       = "NONE"
	ReturnAllOld     = "ALL_OLD"
	ReturnAllNew     = "ALL_NEW"
	ReturnUpdatedOld = "UPDATED_OLD"
	ReturnUpdatedNew = "UPDATED_NEW"
)

func checkReturnValues(rv string) error {
	switch rv {
	case "", ReturnNone, ReturnAllOld, ReturnAllNew, ReturnUpdatedOld, ReturnUpdatedNew:
		return nil
	}
	return trace.BadParameter("invalid return values mode %q", rv)
}

// returnAttributes applies the return value mode to a pre/post image
// pair. touched names the top-level attributes the operation acted
// on, for the UPDATED_* modes.
func returnAttributes(rv string, pre, post dynattr.Item, touched []string) dynattr.Item {
	pick := func(src dynattr.Item) dynattr.Item {
		out := dynattr.Item{}
		for _, name := range touched {
			if v, ok := src[name]; ok {
				out[name] = v.Clone()
			}
		}
		return out
	}
	switch rv {
	case ReturnAllOld:
		return pre.Clone()
	case ReturnAllNew:
		return post.Clone()
	case ReturnUpdatedOld:
		return pick(pre)
	case ReturnUpdatedNew:
		return pick(post)
	}
	return nil
}

// changedRoots lists the top-level attribute names whose values
// differ between the two images.
func changedRoots(pre, post dynattr.Item) []string {
	var names []string
	for name, v := range pre {
		if other, ok := post[name]; !ok || !dynattr.Equal(v, other) {
			names = append(names, name)
		}
	}
	for name := range post {
		if _, ok := pre[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// PutItemParams are the PutItem inputs.
type PutItemParams struct {
	TableName           string
	Item                dynattr.Item
	ConditionExpression string
	ExpressionNames     map[string]string
	ExpressionValues    map[string]dynattr.Value
	ReturnValues        string
}

// PutItemResult carries the requested pre or post image.
type PutItemResult struct {
	Attributes dynattr.Item
}

// PutItem validates and stores a full item, replacing any existing
// row with the same key.
func (s *Store) PutItem(ctx context.Context, params PutItemParams) (*PutItemResult, error) {
	if err := checkReturnValues(params.ReturnValues); err != nil {
		return nil, trace.Wrap(err)
	}
	table, err := s.cfg.Catalog.GetTable(ctx, params.TableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := table.CheckItemKeys(params.Item); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := CheckItemSize(params.Item); err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := KeyFromItem(table, params.Item)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cond, err := compileCondition(params.ConditionExpression, params.ExpressionNames, params.ExpressionValues)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var pre dynattr.Item
	err = s.cfg.DB.InTx(ctx, func(tx *sql.Tx) error {
		pre, err = s.GetForUpdate(ctx, tx, table, key)
		if err != nil {
			return trace.Wrap(err)
		}
		if cond != nil && !cond.Eval(pre) {
			return trace.CompareFailed("the conditional request failed")
		}
		return trace.Wrap(s.PutLocked(ctx, tx, table, key, pre, params.Item, nil))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &PutItemResult{
		Attributes: returnAttributes(params.ReturnValues, pre, params.Item, changedRoots(pre, params.Item)),
	}, nil
}

// UpdateItemParams are the UpdateItem inputs.
type UpdateItemParams struct {
	TableName           string
	Key                 dynattr.Item
	UpdateExpression    string
	ConditionExpression string
	ExpressionNames     map[string]string
	ExpressionValues    map[string]dynattr.Value
	ReturnValues        string
}

// UpdateItemResult carries the requested image slice.
type UpdateItemResult struct {
	Attributes dynattr.Item
}

// UpdateItem applies an update expression to the stored item, or to a
// fresh item carrying just the key when none is stored yet.
func (s *Store) UpdateItem(ctx context.Context, params UpdateItemParams) (*UpdateItemResult, error) {
	if err := checkReturnValues(params.ReturnValues); err != nil {
		return nil, trace.Wrap(err)
	}
	if params.UpdateExpression == "" {
		return nil, trace.BadParameter("missing update expression")
	}
	table, err := s.cfg.Catalog.GetTable(ctx, params.TableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := KeyFromWire(table, params.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	env := expression.NewEnv(params.ExpressionNames, params.ExpressionValues)
	update, err := expression.CompileUpdate(params.UpdateExpression, env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var cond *expression.Condition
	if params.ConditionExpression != "" {
		if cond, err = expression.CompileCondition(params.ConditionExpression, env); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := env.CheckUsed(); err != nil {
		return nil, trace.Wrap(err)
	}
	for _, root := range update.Roots() {
		if table.IsKeyAttribute(root) {
			return nil, trace.BadParameter("cannot update attribute %s, this attribute is part of the key", root)
		}
	}

	var pre, post dynattr.Item
	err = s.cfg.DB.InTx(ctx, func(tx *sql.Tx) error {
		pre, err = s.GetForUpdate(ctx, tx, table, key)
		if err != nil {
			return trace.Wrap(err)
		}
		if cond != nil && !cond.Eval(pre) {
			return trace.CompareFailed("the conditional request failed")
		}
		base := pre
		if base == nil {
			base = key.Item(table)
		}
		if post, err = update.Apply(base); err != nil {
			return trace.Wrap(err)
		}
		if err := CheckItemSize(post); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(s.PutLocked(ctx, tx, table, key, pre, post, nil))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &UpdateItemResult{
		Attributes: returnAttributes(params.ReturnValues, pre, post, update.Roots()),
	}, nil
}

// DeleteItemParams are the DeleteItem inputs.
type DeleteItemParams struct {
	TableName           string
	Key                 dynattr.Item
	ConditionExpression string
	ExpressionNames     map[string]string
	ExpressionValues    map[string]dynattr.Value
	ReturnValues        string
}

// DeleteItemResult carries the requested pre-image.
type DeleteItemResult struct {
	Attributes dynattr.Item
}

// DeleteItem removes the item. Deleting an absent item succeeds
// without emitting a stream record, unless a condition demands
// existence.
func (s *Store) DeleteItem(ctx context.Context, params DeleteItemParams) (*DeleteItemResult, error) {
	if err := checkReturnValues(params.ReturnValues); err != nil {
		return nil, trace.Wrap(err)
	}
	table, err := s.cfg.Catalog.GetTable(ctx, params.TableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := KeyFromWire(table, params.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cond, err := compileCondition(params.ConditionExpression, params.ExpressionNames, params.ExpressionValues)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var pre dynattr.Item
	err = s.cfg.DB.InTx(ctx, func(tx *sql.Tx) error {
		pre, err = s.GetForUpdate(ctx, tx, table, key)
		if err != nil {
			return trace.Wrap(err)
		}
		if cond != nil && !cond.Eval(pre) {
			return trace.CompareFailed("the conditional request failed")
		}
		return trace.Wrap(s.DeleteLocked(ctx, tx, table, key, pre, nil))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &DeleteItemResult{
		Attributes: returnAttributes(params.ReturnValues, pre, nil, changedRoots(pre, nil)),
	}, nil
}

// compileCondition compiles a standalone condition expression with
// its own placeholder environment.
func compileCondition(expr string, names map[string]string, values map[string]dynattr.Value) (*expression.Condition, error) {
	env := expression.NewEnv(names, values)
	var cond *expression.Condition
	if expr != "" {
		var err error
		if cond, err = expression.CompileCondition(expr, env); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := env.CheckUsed(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cond, nil
}
