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
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/api"
	"github.com/gravitational/pretenderdb/lib/server"
)

// requestTimeout bounds one wire call. Pagination keeps individual
// calls small, so a stuck endpoint fails fast.
const requestTimeout = 30 * time.Second

// maxResponseBytes bounds a response body read.
const maxResponseBytes = 16 << 20

// endpointClient speaks the DynamoDB JSON protocol to a running
// emulator.
type endpointClient struct {
	endpoint string
	client   *http.Client
}

func newEndpointClient(endpoint string) (*endpointClient, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, trace.BadParameter("invalid endpoint %q, expected a URL like http://localhost:8000", endpoint)
	}
	return &endpointClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: requestTimeout},
	}, nil
}

// Close implements operations. There is nothing to release.
func (c *endpointClient) Close() error {
	return nil
}

// call posts one operation and decodes the response, converting wire
// errors back into trace errors.
func call[Out, In any](ctx context.Context, c *endpointClient, op string, in *In) (*Out, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", server.ContentTypeAmzJSON)
	req.Header.Set("X-Amz-Target", server.TargetPrefixDynamoDB+op)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		var wireErr api.Error
		if json.Unmarshal(body, &wireErr) != nil || wireErr.Type == "" {
			return nil, trace.Errorf("endpoint %v returned status %v", c.endpoint, resp.Status)
		}
		return nil, trace.Wrap(api.FromWire(&wireErr))
	}
	out := new(Out)
	if err := json.Unmarshal(body, out); err != nil {
		return nil, trace.BadParameter("malformed response body: %v", err)
	}
	return out, nil
}

func (c *endpointClient) ListTables(ctx context.Context, in *api.ListTablesInput) (*api.ListTablesOutput, error) {
	out, err := call[api.ListTablesOutput](ctx, c, "ListTables", in)
	return out, trace.Wrap(err)
}

func (c *endpointClient) DescribeTable(ctx context.Context, in *api.DescribeTableInput) (*api.DescribeTableOutput, error) {
	out, err := call[api.DescribeTableOutput](ctx, c, "DescribeTable", in)
	return out, trace.Wrap(err)
}

func (c *endpointClient) Scan(ctx context.Context, in *api.ScanInput) (*api.ScanOutput, error) {
	out, err := call[api.ScanOutput](ctx, c, "Scan", in)
	return out, trace.Wrap(err)
}

func (c *endpointClient) BatchWriteItem(ctx context.Context, in *api.BatchWriteItemInput) (*api.BatchWriteItemOutput, error) {
	out, err := call[api.BatchWriteItemOutput](ctx, c, "BatchWriteItem", in)
	return out, trace.Wrap(err)
}
