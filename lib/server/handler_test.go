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

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/pretenderdb/lib/api"
)

func (e *testEnv) serveHTTP(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	if target != "" {
		req.Header.Set("X-Amz-Target", target)
	}
	req.Header.Set("Content-Type", ContentTypeAmzJSON)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTPRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := env.serveHTTP(t, http.MethodPost, TargetPrefixDynamoDB+"CreateTable", `{
		"TableName": "kvhttp",
		"AttributeDefinitions": [{"AttributeName": "id", "AttributeType": "S"}],
		"KeySchema": [{"AttributeName": "id", "KeyType": "HASH"}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, ContentTypeAmzJSON, rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Get("X-Amzn-Requestid"))
	var created api.CreateTableOutput
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, api.StatusActive, created.TableDescription.TableStatus)

	rec = env.serveHTTP(t, http.MethodPost, TargetPrefixDynamoDB+"PutItem",
		`{"TableName": "kvhttp", "Item": {"id": {"S": "a"}, "v": {"N": "1"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.serveHTTP(t, http.MethodPost, TargetPrefixDynamoDB+"GetItem",
		`{"TableName": "kvhttp", "Key": {"id": {"S": "a"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"Item": {"id": {"S": "a"}, "v": {"N": "1"}}}`, rec.Body.String())
}

func TestServeHTTPErrors(t *testing.T) {
	env := newTestEnv(t)

	parseError := func(t *testing.T, rec *httptest.ResponseRecorder) *api.Error {
		t.Helper()
		require.Equal(t, ContentTypeAmzJSON, rec.Header().Get("Content-Type"))
		var wireErr api.Error
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wireErr))
		return &wireErr
	}

	t.Run("wrong method", func(t *testing.T) {
		rec := env.serveHTTP(t, http.MethodGet, TargetPrefixDynamoDB+"ListTables", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, api.ExceptionValidation, parseError(t, rec).ExceptionName())
	})
	t.Run("missing target", func(t *testing.T) {
		rec := env.serveHTTP(t, http.MethodPost, "", "{}")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		wireErr := parseError(t, rec)
		require.Equal(t, api.ExceptionValidation, wireErr.ExceptionName())
		require.Contains(t, wireErr.Message, "X-Amz-Target")
	})
	t.Run("unknown target", func(t *testing.T) {
		rec := env.serveHTTP(t, http.MethodPost, "DynamoDB_20120810.Frobnicate", "{}")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, api.ExceptionUnknownOperation, parseError(t, rec).ExceptionName())
	})
	t.Run("missing table", func(t *testing.T) {
		rec := env.serveHTTP(t, http.MethodPost, TargetPrefixDynamoDB+"DescribeTable", `{"TableName": "ghost"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		wireErr := parseError(t, rec)
		require.Equal(t, "com.amazonaws.dynamodb.v20120810#ResourceNotFoundException", wireErr.Type)
		require.NotEmpty(t, wireErr.Message)
	})
}

func TestServeHTTPTransactCanceled(t *testing.T) {
	env := newTestEnv(t)
	env.createKVTable(t, "accounts")
	rec := env.serveHTTP(t, http.MethodPost, TargetPrefixDynamoDB+"TransactWriteItems", `{
		"TransactItems": [{
			"ConditionCheck": {
				"TableName": "accounts",
				"Key": {"id": {"S": "missing"}},
				"ConditionExpression": "attribute_exists(id)"
			}
		}]
	}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var wireErr api.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wireErr))
	require.Equal(t, "com.amazonaws.dynamodb.v20120810#TransactionCanceledException", wireErr.Type)
	require.Len(t, wireErr.CancellationReasons, 1)
	require.Equal(t, "ConditionalCheckFailed", wireErr.CancellationReasons[0].Code)
}
