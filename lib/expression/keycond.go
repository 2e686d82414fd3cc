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

package expression

import (
	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/dynattr"
)

// RangeOp is the comparison a key condition applies to the sort key.
type RangeOp int

const (
	RangeEQ RangeOp = iota
	RangeLT
	RangeLE
	RangeGT
	RangeGE
	RangeBetween
	RangeBeginsWith
)

// KeyCondition is a compiled key condition expression: an equality on
// the partition key and an optional restriction on the sort key.
type KeyCondition struct {
	// HashValue is the partition key value to match.
	HashValue dynattr.Value
	// Range restricts the sort key; nil means the whole partition.
	Range *RangeCondition
}

// RangeCondition is the sort key restriction of a key condition.
type RangeCondition struct {
	Op RangeOp
	// Lo is the operand of single-operand comparisons and the lower
	// bound of BETWEEN.
	Lo dynattr.Value
	// Hi is the upper bound of BETWEEN.
	Hi dynattr.Value
}

// CompileKeyCondition parses a key condition expression. The grammar
// is the condition grammar narrowed to: an equality on the partition
// key, optionally ANDed with one sort key comparison, BETWEEN, or
// begins_with. hashName and rangeName are the table's or index's key
// attribute names; rangeName is empty when there is no sort key.
func CompileKeyCondition(expr string, env *Env, hashName, rangeName string) (*KeyCondition, error) {
	p, err := newParser(expr, env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	root, err := p.parseCondition()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.expectEOF(); err != nil {
		return nil, trace.Wrap(err)
	}

	clauses := flattenAnd(root)
	if len(clauses) > 2 {
		return nil, trace.BadParameter("key condition supports at most two clauses joined by AND")
	}
	kc := &KeyCondition{}
	seenHash := false
	for _, clause := range clauses {
		name, err := keyClauseName(clause)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		switch name {
		case hashName:
			if seenHash {
				return nil, trace.BadParameter("partition key %s appears more than once in the key condition", hashName)
			}
			v, err := hashClauseValue(clause)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			kc.HashValue = v
			seenHash = true
		case rangeName:
			if kc.Range != nil {
				return nil, trace.BadParameter("sort key %s appears more than once in the key condition", rangeName)
			}
			rc, err := rangeClause(clause)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			kc.Range = rc
		default:
			return nil, trace.BadParameter("key condition references %s which is not a key attribute", name)
		}
	}
	if !seenHash {
		return nil, trace.BadParameter("key condition must constrain the partition key %s with an equality", hashName)
	}
	return kc, nil
}

// flattenAnd splits top-level ANDs into clauses. Any other junction
// is returned whole and rejected by the clause matchers.
func flattenAnd(node condNode) []condNode {
	if and, ok := node.(andNode); ok {
		return append(flattenAnd(and.left), flattenAnd(and.right)...)
	}
	return []condNode{node}
}

// keyClauseName extracts the key attribute a clause constrains.
func keyClauseName(clause condNode) (string, error) {
	var path Path
	switch n := clause.(type) {
	case cmpNode:
		po, ok := n.left.(pathOperand)
		if !ok {
			return "", trace.BadParameter("key condition comparisons must name the key attribute on the left")
		}
		path = po.path
	case betweenNode:
		po, ok := n.target.(pathOperand)
		if !ok {
			return "", trace.BadParameter("key condition BETWEEN must name the key attribute on the left")
		}
		path = po.path
	case beginsWithNode:
		path = n.path
	case orNode:
		return "", trace.BadParameter("key conditions do not support OR")
	case notNode:
		return "", trace.BadParameter("key conditions do not support NOT")
	default:
		return "", trace.BadParameter("key conditions support only comparisons, BETWEEN and begins_with on key attributes")
	}
	if len(path.Segments) != 1 {
		return "", trace.BadParameter("key condition paths must be plain key attribute names, found %s", path)
	}
	return path.Root(), nil
}

func hashClauseValue(clause condNode) (dynattr.Value, error) {
	cmp, ok := clause.(cmpNode)
	if !ok || cmp.op != cmpEQ {
		return dynattr.Value{}, trace.BadParameter("the partition key supports only an equality condition")
	}
	vo, ok := cmp.right.(valueOperand)
	if !ok {
		return dynattr.Value{}, trace.BadParameter("the partition key must be compared to an expression attribute value")
	}
	return vo.value, nil
}

func rangeClause(clause condNode) (*RangeCondition, error) {
	switch n := clause.(type) {
	case cmpNode:
		vo, ok := n.right.(valueOperand)
		if !ok {
			return nil, trace.BadParameter("the sort key must be compared to an expression attribute value")
		}
		var op RangeOp
		switch n.op {
		case cmpEQ:
			op = RangeEQ
		case cmpLT:
			op = RangeLT
		case cmpLE:
			op = RangeLE
		case cmpGT:
			op = RangeGT
		case cmpGE:
			op = RangeGE
		default:
			return nil, trace.BadParameter("the sort key does not support the %s comparator in key conditions", n.op)
		}
		return &RangeCondition{Op: op, Lo: vo.value}, nil
	case betweenNode:
		lo, lok := n.lo.(valueOperand)
		hi, hok := n.hi.(valueOperand)
		if !lok || !hok {
			return nil, trace.BadParameter("the sort key BETWEEN bounds must be expression attribute values")
		}
		return &RangeCondition{Op: RangeBetween, Lo: lo.value, Hi: hi.value}, nil
	case beginsWithNode:
		return &RangeCondition{Op: RangeBeginsWith, Lo: n.prefix}, nil
	}
	return nil, trace.BadParameter("the sort key supports only comparisons, BETWEEN and begins_with")
}
