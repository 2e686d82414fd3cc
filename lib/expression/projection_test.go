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

func TestProjectionApply(t *testing.T) {
	item := dynattr.Item{
		"pk":    dynattr.String("p1"),
		"title": dynattr.String("hello"),
		"info": dynattr.Map(map[string]dynattr.Value{
			"city": dynattr.String("Oakland"),
			"zip":  dynattr.String("94601"),
		}),
		"scores": dynattr.List(
			dynattr.MustNumber("1"),
			dynattr.MustNumber("2"),
			dynattr.MustNumber("3"),
		),
	}

	t.Run("top level attributes", func(t *testing.T) {
		env := NewEnv(nil, nil)
		proj, err := CompileProjection("pk, title", env)
		require.NoError(t, err)
		out := proj.Apply(item)
		require.Len(t, out, 2)
		require.True(t, dynattr.Equal(dynattr.String("p1"), out["pk"]))
	})

	t.Run("nested field", func(t *testing.T) {
		env := NewEnv(nil, nil)
		proj, err := CompileProjection("info.city", env)
		require.NoError(t, err)
		out := proj.Apply(item)
		require.Len(t, out, 1)
		fields := out["info"].Map()
		require.Len(t, fields, 1)
		require.True(t, dynattr.Equal(dynattr.String("Oakland"), fields["city"]))
	})

	t.Run("list indexes compact", func(t *testing.T) {
		env := NewEnv(nil, nil)
		proj, err := CompileProjection("scores[2], scores[0]", env)
		require.NoError(t, err)
		out := proj.Apply(item)
		list := out["scores"].List()
		require.Len(t, list, 2)
		require.Equal(t, "1", list[0].Num())
		require.Equal(t, "3", list[1].Num())
	})

	t.Run("missing paths drop out", func(t *testing.T) {
		env := NewEnv(nil, nil)
		proj, err := CompileProjection("pk, nothing, info.country, scores[9]", env)
		require.NoError(t, err)
		out := proj.Apply(item)
		require.Len(t, out, 1)
		require.Contains(t, out, "pk")
	})

	t.Run("reserved name via placeholder", func(t *testing.T) {
		env := NewEnv(map[string]string{"#s": "scores"}, nil)
		proj, err := CompileProjection("#s[1]", env)
		require.NoError(t, err)
		require.NoError(t, env.CheckUsed())
		out := proj.Apply(item)
		list := out["scores"].List()
		require.Len(t, list, 1)
		require.Equal(t, "2", list[0].Num())
	})
}

func TestCompileProjectionErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{name: "empty", expr: ""},
		{name: "duplicate path", expr: "pk, pk"},
		{name: "overlapping paths", expr: "info, info.city"},
		{name: "reserved word", expr: "status"},
		{name: "trailing comma", expr: "pk,"},
		{name: "condition syntax", expr: "pk = :v"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileProjection(tt.expr, NewEnv(nil, nil))
			require.Error(t, err)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}
