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
	"strconv"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pretenderdb/lib/dynattr"
	"github.com/gravitational/pretenderdb/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

func values(kv map[string]dynattr.Value) map[string]dynattr.Value {
	return kv
}

func TestConditionEval(t *testing.T) {
	item := dynattr.Item{
		"pk":     dynattr.String("user#1"),
		"age":    dynattr.MustNumber("30"),
		"email":  dynattr.String("alice@example.com"),
		"tags":   mustStringSet(t, "red", "green"),
		"scores": dynattr.List(dynattr.MustNumber("1"), dynattr.MustNumber("2.5")),
		"info": dynattr.Map(map[string]dynattr.Value{
			"city": dynattr.String("Oakland"),
			"zips": dynattr.List(dynattr.String("94601")),
		}),
		"blob":    dynattr.Binary([]byte{0x01, 0x02}),
		"deleted": dynattr.Bool(false),
	}

	tests := []struct {
		name   string
		expr   string
		names  map[string]string
		values map[string]dynattr.Value
		want   bool
	}{
		{
			name:   "equality on string",
			expr:   "pk = :v",
			values: values(map[string]dynattr.Value{":v": dynattr.String("user#1")}),
			want:   true,
		},
		{
			name:   "numeric equality across spellings",
			expr:   "age = :v",
			values: values(map[string]dynattr.Value{":v": dynattr.MustNumber("30.0")}),
			want:   true,
		},
		{
			name:   "comparison between mismatched types is false",
			expr:   "age < :v",
			values: values(map[string]dynattr.Value{":v": dynattr.String("100")}),
			want:   false,
		},
		{
			name:   "comparison on missing attribute is false",
			expr:   "missing_attr > :v",
			values: values(map[string]dynattr.Value{":v": dynattr.MustNumber("0")}),
			want:   false,
		},
		{
			name:   "not of missing comparison is true",
			expr:   "NOT missing_attr > :v",
			values: values(map[string]dynattr.Value{":v": dynattr.MustNumber("0")}),
			want:   true,
		},
		{
			name:   "and or precedence",
			expr:   "pk = :other OR pk = :v AND age >= :n",
			values: values(map[string]dynattr.Value{":other": dynattr.String("nope"), ":v": dynattr.String("user#1"), ":n": dynattr.MustNumber("21")}),
			want:   true,
		},
		{
			name:   "parenthesized or",
			expr:   "(pk = :other OR pk = :v) AND age < :n",
			values: values(map[string]dynattr.Value{":other": dynattr.String("nope"), ":v": dynattr.String("user#1"), ":n": dynattr.MustNumber("21")}),
			want:   false,
		},
		{
			name:   "between inclusive",
			expr:   "age BETWEEN :lo AND :hi",
			values: values(map[string]dynattr.Value{":lo": dynattr.MustNumber("30"), ":hi": dynattr.MustNumber("40")}),
			want:   true,
		},
		{
			name:   "in list",
			expr:   "pk IN (:a, :b, :c)",
			values: values(map[string]dynattr.Value{":a": dynattr.String("x"), ":b": dynattr.String("user#1"), ":c": dynattr.String("y")}),
			want:   true,
		},
		{
			name: "attribute_exists on nested path",
			expr: "attribute_exists(info.city)",
			want: true,
		},
		{
			name: "attribute_not_exists on missing nested",
			expr: "attribute_not_exists(info.country)",
			want: true,
		},
		{
			name:   "attribute_type",
			expr:   "attribute_type(tags, :t)",
			values: values(map[string]dynattr.Value{":t": dynattr.String("SS")}),
			want:   true,
		},
		{
			name:   "begins_with on string",
			expr:   "pk = :v AND begins_with(email, :p)",
			values: values(map[string]dynattr.Value{":v": dynattr.String("user#1"), ":p": dynattr.String("alice@")}),
			want:   true,
		},
		{
			name:   "begins_with on binary",
			expr:   "begins_with(blob, :p)",
			values: values(map[string]dynattr.Value{":p": dynattr.Binary([]byte{0x01})}),
			want:   true,
		},
		{
			name:   "begins_with type mismatch is false",
			expr:   "begins_with(age, :p)",
			values: values(map[string]dynattr.Value{":p": dynattr.String("3")}),
			want:   false,
		},
		{
			name:   "contains substring",
			expr:   "contains(email, :s)",
			values: values(map[string]dynattr.Value{":s": dynattr.String("example")}),
			want:   true,
		},
		{
			name:   "contains set member",
			expr:   "contains(tags, :s)",
			values: values(map[string]dynattr.Value{":s": dynattr.String("green")}),
			want:   true,
		},
		{
			name:   "contains list element numeric",
			expr:   "contains(scores, :s)",
			values: values(map[string]dynattr.Value{":s": dynattr.MustNumber("2.50")}),
			want:   true,
		},
		{
			name:   "size of string",
			expr:   "size(email) > :n",
			values: values(map[string]dynattr.Value{":n": dynattr.MustNumber("10")}),
			want:   true,
		},
		{
			name:   "size of list",
			expr:   "size(scores) = :n",
			values: values(map[string]dynattr.Value{":n": dynattr.MustNumber("2")}),
			want:   true,
		},
		{
			name:   "size of missing attribute is false",
			expr:   "size(missing_attr) >= :n",
			values: values(map[string]dynattr.Value{":n": dynattr.MustNumber("0")}),
			want:   false,
		},
		{
			name:   "list index path",
			expr:   "info.zips[0] = :z",
			values: values(map[string]dynattr.Value{":z": dynattr.String("94601")}),
			want:   true,
		},
		{
			name:   "placeholder name resolves reserved word",
			expr:   "#status = :v",
			names:  map[string]string{"#status": "deleted"},
			values: values(map[string]dynattr.Value{":v": dynattr.Bool(false)}),
			want:   true,
		},
		{
			name:   "path to path comparison",
			expr:   "age <> size(email)",
			values: nil,
			want:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnv(tt.names, tt.values)
			cond, err := CompileCondition(tt.expr, env)
			require.NoError(t, err)
			require.NoError(t, env.CheckUsed())
			require.Equal(t, tt.want, cond.Eval(item))
		})
	}
}

func TestConditionEvalNilItem(t *testing.T) {
	env := NewEnv(nil, nil)
	cond, err := CompileCondition("attribute_not_exists(pk)", env)
	require.NoError(t, err)
	require.True(t, cond.Eval(nil))
}

func TestCompileConditionErrors(t *testing.T) {
	tests := []struct {
		name   string
		expr   string
		names  map[string]string
		values map[string]dynattr.Value
	}{
		{name: "empty expression", expr: "   "},
		{name: "reserved keyword as name", expr: "status = :v", values: map[string]dynattr.Value{":v": dynattr.String("x")}},
		{name: "undefined value placeholder", expr: "pk = :missing"},
		{name: "undefined name placeholder", expr: "#missing = :v", values: map[string]dynattr.Value{":v": dynattr.String("x")}},
		{name: "unknown function", expr: "has_attribute(pk)"},
		{name: "case sensitive function name", expr: "Begins_With(pk, :v)", values: map[string]dynattr.Value{":v": dynattr.String("x")}},
		{name: "size as boolean", expr: "size(pk)"},
		{name: "dangling and", expr: "pk = :v AND", values: map[string]dynattr.Value{":v": dynattr.String("x")}},
		{name: "trailing garbage", expr: "pk = :v pk", values: map[string]dynattr.Value{":v": dynattr.String("x")}},
		{name: "between bounds out of order", expr: "age BETWEEN :hi AND :lo", values: map[string]dynattr.Value{":hi": dynattr.MustNumber("10"), ":lo": dynattr.MustNumber("1")}},
		{name: "attribute_type wants type tag", expr: "attribute_type(pk, :t)", values: map[string]dynattr.Value{":t": dynattr.String("XX")}},
		{name: "begins_with wants string or binary", expr: "begins_with(pk, :p)", values: map[string]dynattr.Value{":p": dynattr.MustNumber("1")}},
		{name: "bad character", expr: "pk = $v"},
		{name: "lone sharp", expr: "# = :v", values: map[string]dynattr.Value{":v": dynattr.String("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnv(tt.names, tt.values)
			_, err := CompileCondition(tt.expr, env)
			require.Error(t, err)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestInOperandLimit(t *testing.T) {
	expr := "pk IN ("
	vals := map[string]dynattr.Value{}
	for i := 0; i < 101; i++ {
		ref := ":v" + itoa(i)
		if i > 0 {
			expr += ", "
		}
		expr += ref
		vals[ref] = dynattr.Int(int64(i))
	}
	expr += ")"
	_, err := CompileCondition(expr, NewEnv(nil, vals))
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestPlaceholderUsage(t *testing.T) {
	names := map[string]string{"#a": "alpha", "#b": "beta"}
	vals := map[string]dynattr.Value{":x": dynattr.String("x"), ":y": dynattr.String("y")}

	env := NewEnv(names, vals)
	_, err := CompileCondition("#a = :x", env)
	require.NoError(t, err)
	require.Error(t, env.CheckUsed())

	env = NewEnv(names, vals)
	_, err = CompileCondition("#a = :x AND #b = :y", env)
	require.NoError(t, err)
	require.NoError(t, env.CheckUsed())
}

func mustStringSet(t *testing.T, elems ...string) dynattr.Value {
	t.Helper()
	v, err := dynattr.StringSet(elems...)
	require.NoError(t, err)
	return v
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
