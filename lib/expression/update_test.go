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
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pretenderdb/lib/dynattr"
)

func TestUpdateApplySet(t *testing.T) {
	pre := dynattr.Item{
		"pk":      dynattr.String("p1"),
		"counter": dynattr.MustNumber("10"),
		"info": dynattr.Map(map[string]dynattr.Value{
			"city": dynattr.String("Oakland"),
		}),
		"scores": dynattr.List(dynattr.MustNumber("1"), dynattr.MustNumber("2")),
	}

	tests := []struct {
		name   string
		expr   string
		names  map[string]string
		values map[string]dynattr.Value
		check  func(t *testing.T, post dynattr.Item)
	}{
		{
			name:   "set top level",
			expr:   "SET title = :t",
			values: values(map[string]dynattr.Value{":t": dynattr.String("hello")}),
			check: func(t *testing.T, post dynattr.Item) {
				require.True(t, dynattr.Equal(dynattr.String("hello"), post["title"]))
			},
		},
		{
			name:   "set nested creates missing maps",
			expr:   "SET meta.audit.actor = :who",
			values: values(map[string]dynattr.Value{":who": dynattr.String("alice")}),
			check: func(t *testing.T, post dynattr.Item) {
				v, ok := mustPath(t, "meta.audit.actor").Resolve(post)
				require.True(t, ok)
				require.True(t, dynattr.Equal(dynattr.String("alice"), v))
			},
		},
		{
			name:   "set list index in bounds",
			expr:   "SET scores[1] = :v",
			values: values(map[string]dynattr.Value{":v": dynattr.MustNumber("20")}),
			check: func(t *testing.T, post dynattr.Item) {
				list := post["scores"].List()
				require.Len(t, list, 2)
				require.True(t, dynattr.Equal(dynattr.MustNumber("20"), list[1]))
			},
		},
		{
			name:   "set list index past end appends",
			expr:   "SET scores[9] = :v",
			values: values(map[string]dynattr.Value{":v": dynattr.MustNumber("3")}),
			check: func(t *testing.T, post dynattr.Item) {
				list := post["scores"].List()
				require.Len(t, list, 3)
				require.True(t, dynattr.Equal(dynattr.MustNumber("3"), list[2]))
			},
		},
		{
			name:   "set with addition",
			expr:   "SET #c = #c + :delta",
			names:  map[string]string{"#c": "counter"},
			values: values(map[string]dynattr.Value{":delta": dynattr.MustNumber("5")}),
			check: func(t *testing.T, post dynattr.Item) {
				require.Equal(t, "15", post["counter"].Num())
			},
		},
		{
			name:   "set with subtraction",
			expr:   "SET #c = #c - :delta",
			names:  map[string]string{"#c": "counter"},
			values: values(map[string]dynattr.Value{":delta": dynattr.MustNumber("0.5")}),
			check: func(t *testing.T, post dynattr.Item) {
				require.Equal(t, "9.5", post["counter"].Num())
			},
		},
		{
			name:   "if_not_exists falls back",
			expr:   "SET visits = if_not_exists(visits, :zero) + :one",
			values: values(map[string]dynattr.Value{":zero": dynattr.MustNumber("0"), ":one": dynattr.MustNumber("1")}),
			check: func(t *testing.T, post dynattr.Item) {
				require.Equal(t, "1", post["visits"].Num())
			},
		},
		{
			name:   "if_not_exists keeps existing",
			expr:   "SET #c = if_not_exists(#c, :zero)",
			names:  map[string]string{"#c": "counter"},
			values: values(map[string]dynattr.Value{":zero": dynattr.MustNumber("0")}),
			check: func(t *testing.T, post dynattr.Item) {
				require.Equal(t, "10", post["counter"].Num())
			},
		},
		{
			name:   "list_append",
			expr:   "SET scores = list_append(scores, :more)",
			values: values(map[string]dynattr.Value{":more": dynattr.List(dynattr.MustNumber("3"))}),
			check: func(t *testing.T, post dynattr.Item) {
				require.Len(t, post["scores"].List(), 3)
			},
		},
		{
			name:   "set reads pre image",
			expr:   "SET a = #c, #c = :v",
			names:  map[string]string{"#c": "counter"},
			values: values(map[string]dynattr.Value{":v": dynattr.MustNumber("99")}),
			check: func(t *testing.T, post dynattr.Item) {
				require.Equal(t, "10", post["a"].Num())
				require.Equal(t, "99", post["counter"].Num())
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnv(tt.names, tt.values)
			u, err := CompileUpdate(tt.expr, env)
			require.NoError(t, err)
			require.NoError(t, env.CheckUsed())
			post, err := u.Apply(pre)
			require.NoError(t, err)
			tt.check(t, post)
			// the pre-image is never modified in place
			require.Equal(t, "10", pre["counter"].Num())
		})
	}
}

func TestUpdateApplyRemoveAddDelete(t *testing.T) {
	pre := dynattr.Item{
		"pk":      dynattr.String("p1"),
		"counter": dynattr.MustNumber("10"),
		"tags":    mustStringSet(t, "red", "green"),
		"info": dynattr.Map(map[string]dynattr.Value{
			"city": dynattr.String("Oakland"),
			"zip":  dynattr.String("94601"),
		}),
		"scores": dynattr.List(dynattr.MustNumber("1"), dynattr.MustNumber("2"), dynattr.MustNumber("3")),
	}

	t.Run("remove attribute and nested field", func(t *testing.T) {
		env := NewEnv(map[string]string{"#c": "counter"}, nil)
		u, err := CompileUpdate("REMOVE #c, info.zip", env)
		require.NoError(t, err)
		post, err := u.Apply(pre)
		require.NoError(t, err)
		require.NotContains(t, post, "counter")
		require.NotContains(t, post["info"].Map(), "zip")
		require.Contains(t, post["info"].Map(), "city")
	})

	t.Run("remove list element shifts", func(t *testing.T) {
		env := NewEnv(nil, nil)
		u, err := CompileUpdate("REMOVE scores[1]", env)
		require.NoError(t, err)
		post, err := u.Apply(pre)
		require.NoError(t, err)
		list := post["scores"].List()
		require.Len(t, list, 2)
		require.Equal(t, "1", list[0].Num())
		require.Equal(t, "3", list[1].Num())
	})

	t.Run("remove missing is noop", func(t *testing.T) {
		env := NewEnv(nil, nil)
		u, err := CompileUpdate("REMOVE nothing_here", env)
		require.NoError(t, err)
		post, err := u.Apply(pre)
		require.NoError(t, err)
		require.True(t, pre.Equal(post))
	})

	t.Run("add to number", func(t *testing.T) {
		env := NewEnv(map[string]string{"#c": "counter"}, values(map[string]dynattr.Value{":d": dynattr.MustNumber("2.5")}))
		u, err := CompileUpdate("ADD #c :d", env)
		require.NoError(t, err)
		post, err := u.Apply(pre)
		require.NoError(t, err)
		require.Equal(t, "12.5", post["counter"].Num())
	})

	t.Run("add creates missing number", func(t *testing.T) {
		env := NewEnv(nil, values(map[string]dynattr.Value{":d": dynattr.MustNumber("7")}))
		u, err := CompileUpdate("ADD brand_new :d", env)
		require.NoError(t, err)
		post, err := u.Apply(pre)
		require.NoError(t, err)
		require.Equal(t, "7", post["brand_new"].Num())
	})

	t.Run("add merges set", func(t *testing.T) {
		env := NewEnv(nil, values(map[string]dynattr.Value{":s": mustStringSet(t, "green", "blue")}))
		u, err := CompileUpdate("ADD tags :s", env)
		require.NoError(t, err)
		post, err := u.Apply(pre)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"red", "green", "blue"}, post["tags"].StrSet())
	})

	t.Run("add type mismatch", func(t *testing.T) {
		env := NewEnv(nil, values(map[string]dynattr.Value{":d": dynattr.MustNumber("1")}))
		u, err := CompileUpdate("ADD tags :d", env)
		require.NoError(t, err)
		_, err = u.Apply(pre)
		require.Error(t, err)
	})

	t.Run("delete set members", func(t *testing.T) {
		env := NewEnv(nil, values(map[string]dynattr.Value{":s": mustStringSet(t, "green", "missing")}))
		u, err := CompileUpdate("DELETE tags :s", env)
		require.NoError(t, err)
		post, err := u.Apply(pre)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"red"}, post["tags"].StrSet())
	})

	t.Run("delete last member removes attribute", func(t *testing.T) {
		env := NewEnv(nil, values(map[string]dynattr.Value{":s": mustStringSet(t, "red", "green")}))
		u, err := CompileUpdate("DELETE tags :s", env)
		require.NoError(t, err)
		post, err := u.Apply(pre)
		require.NoError(t, err)
		require.NotContains(t, post, "tags")
	})

	t.Run("delete from missing is noop", func(t *testing.T) {
		env := NewEnv(nil, values(map[string]dynattr.Value{":s": mustStringSet(t, "x")}))
		u, err := CompileUpdate("DELETE nothing_here :s", env)
		require.NoError(t, err)
		post, err := u.Apply(pre)
		require.NoError(t, err)
		require.True(t, pre.Equal(post))
	})

	t.Run("all clauses combined", func(t *testing.T) {
		env := NewEnv(map[string]string{"#c": "counter"}, values(map[string]dynattr.Value{
			":t": dynattr.String("x"),
			":d": dynattr.MustNumber("1"),
			":s": mustStringSet(t, "red"),
		}))
		u, err := CompileUpdate("SET title = :t REMOVE info.zip ADD #c :d DELETE tags :s", env)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"title", "info", "counter", "tags"}, u.Roots())
		post, err := u.Apply(pre)
		require.NoError(t, err)
		require.True(t, dynattr.Equal(dynattr.String("x"), post["title"]))
		require.NotContains(t, post["info"].Map(), "zip")
		require.Equal(t, "11", post["counter"].Num())
		require.ElementsMatch(t, []string{"green"}, post["tags"].StrSet())
	})

	t.Run("update on nil item", func(t *testing.T) {
		env := NewEnv(map[string]string{"#c": "counter"}, values(map[string]dynattr.Value{":d": dynattr.MustNumber("1")}))
		u, err := CompileUpdate("ADD #c :d", env)
		require.NoError(t, err)
		post, err := u.Apply(nil)
		require.NoError(t, err)
		require.Equal(t, "1", post["counter"].Num())
	})
}

func TestCompileUpdateErrors(t *testing.T) {
	vals := map[string]dynattr.Value{
		":v": dynattr.String("x"),
		":n": dynattr.MustNumber("1"),
		":s": dynattr.MustNumber("1"),
	}
	tests := []struct {
		name string
		expr string
	}{
		{name: "no clause", expr: "foo = :v"},
		{name: "duplicate clause keyword", expr: "SET a = :v SET b = :n"},
		{name: "add nested path", expr: "ADD a.b :n"},
		{name: "delete nested path", expr: "DELETE a.b :n"},
		{name: "add with string value", expr: "ADD a :v"},
		{name: "delete with number value", expr: "DELETE a :n"},
		{name: "chained arithmetic", expr: "SET a = :n + :n + :n"},
		{name: "overlapping paths", expr: "SET a.b = :v REMOVE a"},
		{name: "duplicate set path", expr: "SET a = :v, a = :n"},
		{name: "set missing equals", expr: "SET a :v"},
		{name: "unknown update function", expr: "SET a = concat(:v, :n)"},
		{name: "empty set clause", expr: "SET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileUpdate(tt.expr, NewEnv(nil, vals))
			require.Error(t, err)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestUpdateApplyErrors(t *testing.T) {
	pre := dynattr.Item{
		"pk":       dynattr.String("p1"),
		"nickname": dynattr.String("alice"),
	}
	tests := []struct {
		name   string
		expr   string
		values map[string]dynattr.Value
	}{
		{
			name:   "set operand path missing",
			expr:   "SET a = missing_attr",
			values: nil,
		},
		{
			name:   "arithmetic on string",
			expr:   "SET a = nickname + :n",
			values: values(map[string]dynattr.Value{":n": dynattr.MustNumber("1")}),
		},
		{
			name:   "list_append on non list",
			expr:   "SET a = list_append(nickname, :l)",
			values: values(map[string]dynattr.Value{":l": dynattr.List()}),
		},
		{
			name:   "set through scalar",
			expr:   "SET nickname.given = :v",
			values: values(map[string]dynattr.Value{":v": dynattr.String("x")}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := CompileUpdate(tt.expr, NewEnv(nil, tt.values))
			require.NoError(t, err)
			_, err = u.Apply(pre)
			require.Error(t, err)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func mustPath(t *testing.T, expr string) Path {
	t.Helper()
	p, err := newParser(expr, NewEnv(nil, nil))
	require.NoError(t, err)
	path, err := p.parsePath()
	require.NoError(t, err)
	return path
}
