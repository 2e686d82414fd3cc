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

package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pretenderdb/lib/api"
	"github.com/gravitational/pretenderdb/lib/dynattr"
)

func TestEndpointClient(t *testing.T) {
	ctx := context.Background()
	srv := newLocalServer(t)
	createTable(t, srv, "kv")
	seedItems(t, srv, "kv", 5)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client, err := newEndpointClient(ts.URL)
	require.NoError(t, err)

	tables, err := client.ListTables(ctx, &api.ListTablesInput{})
	require.NoError(t, err)
	require.Equal(t, []string{"kv"}, tables.TableNames)

	var buf bytes.Buffer
	exported, err := exportTable(ctx, client, "kv", &buf)
	require.NoError(t, err)
	require.Equal(t, 5, exported)

	imported, err := importTable(ctx, client, "kv",
		strings.NewReader(`{"Item": {"id": {"S": "http"}, "v": {"N": "9"}}}`+"\n"))
	require.NoError(t, err)
	require.Equal(t, 1, imported)

	got, err := srv.GetItem(ctx, &api.GetItemInput{
		TableName: "kv",
		Key:       dynattr.Item{"id": dynattr.String("http")},
	})
	require.NoError(t, err)
	require.Equal(t, "9", got.Item["v"].Num())
}

func TestEndpointClientConvertsWireErrors(t *testing.T) {
	ctx := context.Background()
	srv := newLocalServer(t)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client, err := newEndpointClient(ts.URL)
	require.NoError(t, err)

	_, err = client.Scan(ctx, &api.ScanInput{TableName: "missing"})
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))
}

func TestEndpointClientRejectsBadURL(t *testing.T) {
	for _, endpoint := range []string{"", "localhost:8000", "not a url"} {
		_, err := newEndpointClient(endpoint)
		require.Error(t, err, "endpoint %q", endpoint)
		require.True(t, trace.IsBadParameter(err), "endpoint %q", endpoint)
	}
}
