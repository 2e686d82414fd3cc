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
	"github.com/gravitational/pretenderdb/lib/dynattr"
	"github.com/gravitational/pretenderdb/lib/itemstore"
	"github.com/gravitational/pretenderdb/lib/transact"
)

// PutItem writes one item, replacing any existing item under the key.
func (s *Server) PutItem(ctx context.Context, in *api.PutItemInput) (*api.PutItemOutput, error) {
	out, err := s.cfg.Store.PutItem(ctx, itemstore.PutItemParams{
		TableName:           in.TableName,
		Item:                in.Item,
		ConditionExpression: in.ConditionExpression,
		ExpressionNames:     in.ExpressionAttributeNames,
		ExpressionValues:    in.ExpressionAttributeValues,
		ReturnValues:        in.ReturnValues,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.PutItemOutput{Attributes: out.Attributes}, nil
}

// GetItem reads one item by primary key.
func (s *Server) GetItem(ctx context.Context, in *api.GetItemInput) (*api.GetItemOutput, error) {
	out, err := s.cfg.Store.GetItem(ctx, itemstore.GetItemParams{
		TableName:            in.TableName,
		Key:                  in.Key,
		ProjectionExpression: in.ProjectionExpression,
		ExpressionNames:      in.ExpressionAttributeNames,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.GetItemOutput{Item: out.Item}, nil
}

// UpdateItem applies an update expression to one item.
func (s *Server) UpdateItem(ctx context.Context, in *api.UpdateItemInput) (*api.UpdateItemOutput, error) {
	out, err := s.cfg.Store.UpdateItem(ctx, itemstore.UpdateItemParams{
		TableName:           in.TableName,
		Key:                 in.Key,
		UpdateExpression:    in.UpdateExpression,
		ConditionExpression: in.ConditionExpression,
		ExpressionNames:     in.ExpressionAttributeNames,
		ExpressionValues:    in.ExpressionAttributeValues,
		ReturnValues:        in.ReturnValues,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.UpdateItemOutput{Attributes: out.Attributes}, nil
}

// DeleteItem removes one item by primary key.
func (s *Server) DeleteItem(ctx context.Context, in *api.DeleteItemInput) (*api.DeleteItemOutput, error) {
	out, err := s.cfg.Store.DeleteItem(ctx, itemstore.DeleteItemParams{
		TableName:           in.TableName,
		Key:                 in.Key,
		ConditionExpression: in.ConditionExpression,
		ExpressionNames:     in.ExpressionAttributeNames,
		ExpressionValues:    in.ExpressionAttributeValues,
		ReturnValues:        in.ReturnValues,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.DeleteItemOutput{Attributes: out.Attributes}, nil
}

// Query reads a page of one partition in range key order.
func (s *Server) Query(ctx context.Context, in *api.QueryInput) (*api.QueryOutput, error) {
	descending := in.ScanIndexForward != nil && !*in.ScanIndexForward
	page, err := s.cfg.Store.Query(ctx, itemstore.QueryParams{
		TableName:              in.TableName,
		IndexName:              in.IndexName,
		KeyConditionExpression: in.KeyConditionExpression,
		FilterExpression:       in.FilterExpression,
		ProjectionExpression:   in.ProjectionExpression,
		ExpressionNames:        in.ExpressionAttributeNames,
		ExpressionValues:       in.ExpressionAttributeValues,
		Limit:                  in.Limit,
		Descending:             descending,
		ExclusiveStartKey:      in.ExclusiveStartKey,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.QueryOutput{
		Items:            pageItems(page),
		Count:            page.Count,
		ScannedCount:     page.ScannedCount,
		LastEvaluatedKey: page.LastEvaluatedKey,
	}, nil
}

// Scan reads a page of the table or index in primary key order.
func (s *Server) Scan(ctx context.Context, in *api.ScanInput) (*api.ScanOutput, error) {
	page, err := s.cfg.Store.Scan(ctx, itemstore.ScanParams{
		TableName:            in.TableName,
		IndexName:            in.IndexName,
		FilterExpression:     in.FilterExpression,
		ProjectionExpression: in.ProjectionExpression,
		ExpressionNames:      in.ExpressionAttributeNames,
		ExpressionValues:     in.ExpressionAttributeValues,
		Limit:                in.Limit,
		ExclusiveStartKey:    in.ExclusiveStartKey,
		Segment:              in.Segment,
		TotalSegments:        in.TotalSegments,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.ScanOutput{
		Items:            pageItems(page),
		Count:            page.Count,
		ScannedCount:     page.ScannedCount,
		LastEvaluatedKey: page.LastEvaluatedKey,
	}, nil
}

// BatchGetItem reads up to 100 keys across tables.
func (s *Server) BatchGetItem(ctx context.Context, in *api.BatchGetItemInput) (*api.BatchGetItemOutput, error) {
	requests := make(map[string]itemstore.BatchGetRequest, len(in.RequestItems))
	for name, req := range in.RequestItems {
		requests[name] = itemstore.BatchGetRequest{
			Keys:                 req.Keys,
			ProjectionExpression: req.ProjectionExpression,
			ExpressionNames:      req.ExpressionAttributeNames,
		}
	}
	result, err := s.cfg.Store.BatchGetItem(ctx, itemstore.BatchGetParams{Requests: requests})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := &api.BatchGetItemOutput{
		Responses:       result.Responses,
		UnprocessedKeys: map[string]api.KeysAndAttributes{},
	}
	if out.Responses == nil {
		out.Responses = map[string][]dynattr.Item{}
	}
	for name, req := range result.UnprocessedKeys {
		out.UnprocessedKeys[name] = api.KeysAndAttributes{
			Keys:                     req.Keys,
			ProjectionExpression:     req.ProjectionExpression,
			ExpressionAttributeNames: req.ExpressionNames,
		}
	}
	return out, nil
}

// BatchWriteItem applies up to 25 unconditional puts and deletes.
func (s *Server) BatchWriteItem(ctx context.Context, in *api.BatchWriteItemInput) (*api.BatchWriteItemOutput, error) {
	requests := make(map[string][]itemstore.BatchWriteRequest, len(in.RequestItems))
	for name, entries := range in.RequestItems {
		converted := make([]itemstore.BatchWriteRequest, 0, len(entries))
		for _, entry := range entries {
			var req itemstore.BatchWriteRequest
			if entry.PutRequest != nil {
				req.Put = entry.PutRequest.Item
			}
			if entry.DeleteRequest != nil {
				req.DeleteKey = entry.DeleteRequest.Key
			}
			converted = append(converted, req)
		}
		requests[name] = converted
	}
	result, err := s.cfg.Store.BatchWriteItem(ctx, itemstore.BatchWriteParams{Requests: requests})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := &api.BatchWriteItemOutput{UnprocessedItems: map[string][]api.WriteRequest{}}
	for name, entries := range result.UnprocessedItems {
		converted := make([]api.WriteRequest, 0, len(entries))
		for _, entry := range entries {
			var req api.WriteRequest
			if entry.Put != nil {
				req.PutRequest = &api.PutRequest{Item: entry.Put}
			}
			if entry.DeleteKey != nil {
				req.DeleteRequest = &api.DeleteRequest{Key: entry.DeleteKey}
			}
			converted = append(converted, req)
		}
		out.UnprocessedItems[name] = converted
	}
	return out, nil
}

// TransactWriteItems applies up to 100 actions atomically.
func (s *Server) TransactWriteItems(ctx context.Context, in *api.TransactWriteItemsInput) (*api.TransactWriteItemsOutput, error) {
	items := make([]transact.WriteItem, 0, len(in.TransactItems))
	for _, entry := range in.TransactItems {
		var item transact.WriteItem
		if put := entry.Put; put != nil {
			item.Put = &transact.Put{
				TableName:           put.TableName,
				Item:                put.Item,
				ConditionExpression: put.ConditionExpression,
				ExpressionNames:     put.ExpressionAttributeNames,
				ExpressionValues:    put.ExpressionAttributeValues,
			}
		}
		if upd := entry.Update; upd != nil {
			item.Update = &transact.Update{
				TableName:           upd.TableName,
				Key:                 upd.Key,
				UpdateExpression:    upd.UpdateExpression,
				ConditionExpression: upd.ConditionExpression,
				ExpressionNames:     upd.ExpressionAttributeNames,
				ExpressionValues:    upd.ExpressionAttributeValues,
			}
		}
		if del := entry.Delete; del != nil {
			item.Delete = &transact.Delete{
				TableName:           del.TableName,
				Key:                 del.Key,
				ConditionExpression: del.ConditionExpression,
				ExpressionNames:     del.ExpressionAttributeNames,
				ExpressionValues:    del.ExpressionAttributeValues,
			}
		}
		if check := entry.ConditionCheck; check != nil {
			item.ConditionCheck = &transact.ConditionCheck{
				TableName:           check.TableName,
				Key:                 check.Key,
				ConditionExpression: check.ConditionExpression,
				ExpressionNames:     check.ExpressionAttributeNames,
				ExpressionValues:    check.ExpressionAttributeValues,
			}
		}
		items = append(items, item)
	}
	if err := s.cfg.Transact.TransactWriteItems(ctx, items); err != nil {
		return nil, trace.Wrap(err)
	}
	return &api.TransactWriteItemsOutput{}, nil
}

// TransactGetItems reads up to 100 items in one snapshot.
func (s *Server) TransactGetItems(ctx context.Context, in *api.TransactGetItemsInput) (*api.TransactGetItemsOutput, error) {
	items := make([]transact.GetItem, 0, len(in.TransactItems))
	for i, entry := range in.TransactItems {
		if entry.Get == nil {
			return nil, trace.BadParameter("transaction item %v is missing its get action", i)
		}
		items = append(items, transact.GetItem{
			TableName:            entry.Get.TableName,
			Key:                  entry.Get.Key,
			ProjectionExpression: entry.Get.ProjectionExpression,
			ExpressionNames:      entry.Get.ExpressionAttributeNames,
		})
	}
	results, err := s.cfg.Transact.TransactGetItems(ctx, items)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	responses := make([]api.ItemResponse, 0, len(results))
	for _, item := range results {
		responses = append(responses, api.ItemResponse{Item: item})
	}
	return &api.TransactGetItemsOutput{Responses: responses}, nil
}

func pageItems(page *itemstore.Page) []dynattr.Item {
	if page.Items == nil {
		return []dynattr.Item{}
	}
	return page.Items
}
