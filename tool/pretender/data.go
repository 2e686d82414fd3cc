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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/api"
	"github.com/gravitational/pretenderdb/lib/defaults"
	"github.com/gravitational/pretenderdb/lib/dynattr"
	"github.com/gravitational/pretenderdb/lib/server"
)

// maxLineBytes bounds one line of an import file. Items top out at the
// 400KB ceiling but their JSON encoding can be larger.
const maxLineBytes = 4 << 20

// operations is the slice of the server API the data commands use. A
// locally opened server satisfies it directly, endpoint mode routes
// the same calls over HTTP.
type operations interface {
	ListTables(context.Context, *api.ListTablesInput) (*api.ListTablesOutput, error)
	DescribeTable(context.Context, *api.DescribeTableInput) (*api.DescribeTableOutput, error)
	Scan(context.Context, *api.ScanInput) (*api.ScanOutput, error)
	BatchWriteItem(context.Context, *api.BatchWriteItemInput) (*api.BatchWriteItemOutput, error)
	Close() error
}

// newOperations connects a data command to the emulator: over HTTP
// when --endpoint is set, otherwise by opening the database behind a
// private server instance.
func newOperations(ctx context.Context, cf *cliConf) (operations, error) {
	if cf.Endpoint != "" {
		client, err := newEndpointClient(cf.Endpoint)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return client, nil
	}
	fc, err := fileConfig(cf)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	srv, err := server.NewFromFileConfig(ctx, fc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return srv, nil
}

func onTables(ctx context.Context, cf *cliConf) error {
	ops, err := newOperations(ctx, cf)
	if err != nil {
		return trace.Wrap(err)
	}
	defer ops.Close()
	return trace.Wrap(printTables(ctx, ops, os.Stdout))
}

// printTables writes one row per table with its item statistics.
func printTables(ctx context.Context, ops operations, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tITEMS\tSIZE\tSTREAM")
	start := ""
	for {
		page, err := ops.ListTables(ctx, &api.ListTablesInput{ExclusiveStartTableName: start})
		if err != nil {
			return trace.Wrap(err)
		}
		for _, name := range page.TableNames {
			out, err := ops.DescribeTable(ctx, &api.DescribeTableInput{TableName: name})
			if err != nil {
				return trace.Wrap(err)
			}
			table := out.Table
			stream := "-"
			if spec := table.StreamSpecification; spec != nil && spec.StreamEnabled != nil && *spec.StreamEnabled {
				stream = spec.StreamViewType
			}
			fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\n",
				table.TableName, table.TableStatus, table.ItemCount, table.TableSizeBytes, stream)
		}
		if page.LastEvaluatedTableName == "" {
			break
		}
		start = page.LastEvaluatedTableName
	}
	return trace.Wrap(tw.Flush())
}

func onExport(ctx context.Context, cf *cliConf) error {
	ops, err := newOperations(ctx, cf)
	if err != nil {
		return trace.Wrap(err)
	}
	defer ops.Close()

	if cf.OutPath == "" || cf.OutPath == "-" {
		_, err := exportTable(ctx, ops, cf.TableName, os.Stdout)
		return trace.Wrap(err)
	}
	f, err := os.Create(cf.OutPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	n, err := exportTable(ctx, ops, cf.TableName, f)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = trace.ConvertSystemError(closeErr)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	slog.InfoContext(ctx, "Export complete.",
		"table", cf.TableName,
		"items", n,
		"path", cf.OutPath,
	)
	return nil
}

func onImport(ctx context.Context, cf *cliConf) error {
	ops, err := newOperations(ctx, cf)
	if err != nil {
		return trace.Wrap(err)
	}
	defer ops.Close()

	in := io.Reader(os.Stdin)
	if cf.InPath != "" && cf.InPath != "-" {
		f, err := os.Open(cf.InPath)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		defer f.Close()
		in = f
	}
	n, err := importTable(ctx, ops, cf.TableName, in)
	if err != nil {
		return trace.Wrap(err)
	}
	slog.InfoContext(ctx, "Import complete.",
		"table", cf.TableName,
		"items", n,
	)
	return nil
}

// exportLine is one line of the export format, the same Item envelope
// DynamoDB's own table exports use.
type exportLine struct {
	Item dynattr.Item `json:"Item"`
}

// exportTable writes every item of a table to w as DynamoDB JSON, one
// document per line, and returns the number of items written.
func exportTable(ctx context.Context, ops operations, table string, w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	var total int
	var startKey dynattr.Item
	for {
		page, err := ops.Scan(ctx, &api.ScanInput{
			TableName:         table,
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return total, trace.Wrap(err)
		}
		for _, item := range page.Items {
			if err := enc.Encode(exportLine{Item: item}); err != nil {
				return total, trace.Wrap(err)
			}
			total++
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		startKey = page.LastEvaluatedKey
	}
	return total, trace.Wrap(bw.Flush())
}

// importTable reads DynamoDB JSON lines from r and puts them into a
// table in batches, returning the number of items applied. Lines may
// carry the Item envelope produced by export or a bare item document.
func importTable(ctx context.Context, ops operations, table string, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var total int
	batch := make([]api.WriteRequest, 0, defaults.BatchWriteItemLimit)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := writeBatch(ctx, ops, table, batch); err != nil {
			return trace.Wrap(err)
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	lineno := 0
	for scanner.Scan() {
		lineno++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		item, err := decodeLine(line)
		if err != nil {
			return total, trace.Wrap(err, "line %v", lineno)
		}
		batch = append(batch, api.WriteRequest{PutRequest: &api.PutRequest{Item: item}})
		if len(batch) == defaults.BatchWriteItemLimit {
			if err := flush(); err != nil {
				return total, trace.Wrap(err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return total, trace.Wrap(err)
	}
	if err := flush(); err != nil {
		return total, trace.Wrap(err)
	}
	return total, nil
}

// decodeLine parses one import line. The Item envelope never collides
// with a bare item because attribute values are tagged objects.
func decodeLine(line []byte) (dynattr.Item, error) {
	var envelope exportLine
	if err := json.Unmarshal(line, &envelope); err == nil && len(envelope.Item) > 0 {
		return envelope.Item, nil
	}
	var item dynattr.Item
	if err := json.Unmarshal(line, &item); err != nil {
		return nil, trace.BadParameter("malformed item: %v", err)
	}
	if len(item) == 0 {
		return nil, trace.BadParameter("empty item")
	}
	return item, nil
}

// writeBatch applies one batch of puts, retrying entries the endpoint
// reports as unprocessed.
func writeBatch(ctx context.Context, ops operations, table string, batch []api.WriteRequest) error {
	remaining := batch
	for attempt := 0; ; attempt++ {
		out, err := ops.BatchWriteItem(ctx, &api.BatchWriteItemInput{
			RequestItems: map[string][]api.WriteRequest{table: remaining},
		})
		if err != nil {
			return trace.Wrap(err)
		}
		remaining = out.UnprocessedItems[table]
		if len(remaining) == 0 {
			return nil
		}
		if attempt >= defaults.RetryAttempts {
			return trace.LimitExceeded("%v items left unprocessed after %v attempts", len(remaining), attempt+1)
		}
		select {
		case <-time.After(defaults.RetryStep * time.Duration(attempt+1)):
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}
