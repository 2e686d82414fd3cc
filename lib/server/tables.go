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
	"context"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/api"
	"github.com/gravitational/pretenderdb/lib/catalog"
)

// CreateTable provisions a table, its indexes and optionally its
// stream.
func (s *Server) CreateTable(ctx context.Context, in *api.CreateTableInput) (*api.CreateTableOutput, error) {
	table, err := api.TableFromCreateInput(in, s.cfg.DefaultStreamViewType)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := s.cfg.Catalog.CreateTable(ctx, table)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.CreateTableOutput{
		TableDescription: s.describe(created, nil),
	}, nil
}

// DescribeTable returns the table definition with live row counts.
func (s *Server) DescribeTable(ctx context.Context, in *api.DescribeTableInput) (*api.DescribeTableOutput, error) {
	table, stats, err := s.cfg.Catalog.DescribeTable(ctx, in.TableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.DescribeTableOutput{
		Table: s.describe(table, stats),
	}, nil
}

// DeleteTable removes the table, its items, index rows and streams.
func (s *Server) DeleteTable(ctx context.Context, in *api.DeleteTableInput) (*api.DeleteTableOutput, error) {
	deleted, err := s.cfg.Catalog.DeleteTable(ctx, in.TableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.DeleteTableOutput{
		TableDescription: s.describe(deleted, nil),
	}, nil
}

// ListTables pages through table names in lexicographic order.
func (s *Server) ListTables(ctx context.Context, in *api.ListTablesInput) (*api.ListTablesOutput, error) {
	names, last, err := s.cfg.Catalog.ListTables(ctx, "", in.ExclusiveStartTableName, in.Limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if names == nil {
		names = []string{}
	}
	return &api.ListTablesOutput{
		TableNames:             names,
		LastEvaluatedTableName: last,
	}, nil
}

// UpdateTable changes the table's stream setting. Other table
// properties are immutable here.
func (s *Server) UpdateTable(ctx context.Context, in *api.UpdateTableInput) (*api.UpdateTableOutput, error) {
	spec, err := api.StreamSpecFromWire(in.StreamSpecification, s.cfg.DefaultStreamViewType)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	updated, err := s.cfg.Catalog.UpdateTableStream(ctx, in.TableName, spec)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.UpdateTableOutput{
		TableDescription: s.describe(updated, nil),
	}, nil
}

// UpdateTimeToLive enables or disables expiry on one attribute.
func (s *Server) UpdateTimeToLive(ctx context.Context, in *api.UpdateTimeToLiveInput) (*api.UpdateTimeToLiveOutput, error) {
	spec := in.TimeToLiveSpecification
	if spec == nil || spec.Enabled == nil {
		return nil, trace.BadParameter("missing time to live specification")
	}
	_, err := s.cfg.Catalog.SetTimeToLive(ctx, in.TableName, catalog.TTLSpec{
		Enabled:       *spec.Enabled,
		AttributeName: spec.AttributeName,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.UpdateTimeToLiveOutput{
		TimeToLiveSpecification: spec,
	}, nil
}

// DescribeTimeToLive reports the table's expiry setting.
func (s *Server) DescribeTimeToLive(ctx context.Context, in *api.DescribeTimeToLiveInput) (*api.DescribeTimeToLiveOutput, error) {
	table, err := s.cfg.Catalog.GetTable(ctx, in.TableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.DescribeTimeToLiveOutput{
		TimeToLiveDescription: api.TimeToLiveDescriptionOf(table.TTL),
	}, nil
}

func (s *Server) describe(table *catalog.Table, stats *catalog.TableStats) *api.TableDescription {
	return api.TableDescriptionOf(table, stats, s.cfg.Region, s.cfg.AccountID)
}
