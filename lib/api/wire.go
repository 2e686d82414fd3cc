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

// Package api defines the wire surface: request and response structs in
// the shapes the AWS SDKs serialize, conversions between those shapes
// and the internal model, and the error codec that renders the trace
// taxonomy as AWS exception names.
package api

import (
	"github.com/gravitational/pretenderdb/lib/dynattr"
)

// AttributeDefinition declares one attribute's scalar type.
type AttributeDefinition struct {
	AttributeName string `json:"AttributeName"`
	AttributeType string `json:"AttributeType"`
}

// KeySchemaElement assigns an attribute to a key role, HASH or RANGE.
type KeySchemaElement struct {
	AttributeName string `json:"AttributeName"`
	KeyType       string `json:"KeyType"`
}

// Projection selects which attributes an index carries.
type Projection struct {
	ProjectionType   string   `json:"ProjectionType,omitempty"`
	NonKeyAttributes []string `json:"NonKeyAttributes,omitempty"`
}

// GlobalSecondaryIndex defines one GSI at table creation.
type GlobalSecondaryIndex struct {
	IndexName  string             `json:"IndexName"`
	KeySchema  []KeySchemaElement `json:"KeySchema"`
	Projection *Projection        `json:"Projection,omitempty"`
}

// GlobalSecondaryIndexDescription describes one GSI of a live table.
type GlobalSecondaryIndexDescription struct {
	IndexName   string             `json:"IndexName"`
	KeySchema   []KeySchemaElement `json:"KeySchema"`
	Projection  *Projection        `json:"Projection,omitempty"`
	IndexStatus string             `json:"IndexStatus,omitempty"`
	IndexArn    string             `json:"IndexArn,omitempty"`
}

// StreamSpecification is the change stream setting of a table.
type StreamSpecification struct {
	StreamEnabled  *bool  `json:"StreamEnabled,omitempty"`
	StreamViewType string `json:"StreamViewType,omitempty"`
}

// TableDescription is the control plane view of a table.
type TableDescription struct {
	TableName              string                            `json:"TableName"`
	TableArn               string                            `json:"TableArn,omitempty"`
	TableStatus            string                            `json:"TableStatus,omitempty"`
	CreationDateTime       float64                           `json:"CreationDateTime,omitempty"`
	AttributeDefinitions   []AttributeDefinition             `json:"AttributeDefinitions,omitempty"`
	KeySchema              []KeySchemaElement                `json:"KeySchema,omitempty"`
	GlobalSecondaryIndexes []GlobalSecondaryIndexDescription `json:"GlobalSecondaryIndexes,omitempty"`
	ItemCount              int64                             `json:"ItemCount"`
	TableSizeBytes         int64                             `json:"TableSizeBytes"`
	StreamSpecification    *StreamSpecification              `json:"StreamSpecification,omitempty"`
	LatestStreamArn        string                            `json:"LatestStreamArn,omitempty"`
	LatestStreamLabel      string                            `json:"LatestStreamLabel,omitempty"`
}

// CreateTableInput creates a table.
type CreateTableInput struct {
	TableName              string                 `json:"TableName"`
	AttributeDefinitions   []AttributeDefinition  `json:"AttributeDefinitions"`
	KeySchema              []KeySchemaElement     `json:"KeySchema"`
	GlobalSecondaryIndexes []GlobalSecondaryIndex `json:"GlobalSecondaryIndexes,omitempty"`
	StreamSpecification    *StreamSpecification   `json:"StreamSpecification,omitempty"`
}

// CreateTableOutput echoes the created table.
type CreateTableOutput struct {
	TableDescription *TableDescription `json:"TableDescription"`
}

// DescribeTableInput names the table to describe.
type DescribeTableInput struct {
	TableName string `json:"TableName"`
}

// DescribeTableOutput carries the description.
type DescribeTableOutput struct {
	Table *TableDescription `json:"Table"`
}

// DeleteTableInput names the table to delete.
type DeleteTableInput struct {
	TableName string `json:"TableName"`
}

// DeleteTableOutput echoes the removed table.
type DeleteTableOutput struct {
	TableDescription *TableDescription `json:"TableDescription"`
}

// ListTablesInput pages through table names.
type ListTablesInput struct {
	ExclusiveStartTableName string `json:"ExclusiveStartTableName,omitempty"`
	Limit                   int    `json:"Limit,omitempty"`
}

// ListTablesOutput is one page of table names.
type ListTablesOutput struct {
	TableNames             []string `json:"TableNames"`
	LastEvaluatedTableName string   `json:"LastEvaluatedTableName,omitempty"`
}

// UpdateTableInput changes a table's stream setting.
type UpdateTableInput struct {
	TableName           string               `json:"TableName"`
	StreamSpecification *StreamSpecification `json:"StreamSpecification,omitempty"`
}

// UpdateTableOutput echoes the updated table.
type UpdateTableOutput struct {
	TableDescription *TableDescription `json:"TableDescription"`
}

// TimeToLiveSpecification sets the TTL attribute.
type TimeToLiveSpecification struct {
	Enabled       *bool  `json:"Enabled"`
	AttributeName string `json:"AttributeName"`
}

// TimeToLiveDescription reports the TTL setting.
type TimeToLiveDescription struct {
	TimeToLiveStatus string `json:"TimeToLiveStatus,omitempty"`
	AttributeName    string `json:"AttributeName,omitempty"`
}

// UpdateTimeToLiveInput changes the TTL setting of a table.
type UpdateTimeToLiveInput struct {
	TableName               string                   `json:"TableName"`
	TimeToLiveSpecification *TimeToLiveSpecification `json:"TimeToLiveSpecification"`
}

// UpdateTimeToLiveOutput echoes the applied setting.
type UpdateTimeToLiveOutput struct {
	TimeToLiveSpecification *TimeToLiveSpecification `json:"TimeToLiveSpecification"`
}

// DescribeTimeToLiveInput names the table.
type DescribeTimeToLiveInput struct {
	TableName string `json:"TableName"`
}

// DescribeTimeToLiveOutput reports the TTL setting.
type DescribeTimeToLiveOutput struct {
	TimeToLiveDescription *TimeToLiveDescription `json:"TimeToLiveDescription"`
}

// PutItemInput writes one item.
type PutItemInput struct {
	TableName                 string                   `json:"TableName"`
	Item                      dynattr.Item             `json:"Item"`
	ConditionExpression       string                   `json:"ConditionExpression,omitempty"`
	ExpressionAttributeNames  map[string]string        `json:"ExpressionAttributeNames,omitempty"`
	ExpressionAttributeValues map[string]dynattr.Value `json:"ExpressionAttributeValues,omitempty"`
	ReturnValues              string                   `json:"ReturnValues,omitempty"`
}

// PutItemOutput carries the requested pre or post image part.
type PutItemOutput struct {
	Attributes dynattr.Item `json:"Attributes,omitempty"`
}

// GetItemInput reads one item by key.
type GetItemInput struct {
	TableName                string            `json:"TableName"`
	Key                      dynattr.Item      `json:"Key"`
	ProjectionExpression     string            `json:"ProjectionExpression,omitempty"`
	ExpressionAttributeNames map[string]string `json:"ExpressionAttributeNames,omitempty"`
	// ConsistentRead is accepted for SDK compatibility. Every read is
	// strongly consistent here.
	ConsistentRead bool `json:"ConsistentRead,omitempty"`
}

// GetItemOutput carries the item, absent when the key does not exist.
type GetItemOutput struct {
	Item dynattr.Item `json:"Item,omitempty"`
}

// UpdateItemInput applies an update expression to one item.
type UpdateItemInput struct {
	TableName                 string                   `json:"TableName"`
	Key                       dynattr.Item             `json:"Key"`
	UpdateExpression          string                   `json:"UpdateExpression,omitempty"`
	ConditionExpression       string                   `json:"ConditionExpression,omitempty"`
	ExpressionAttributeNames  map[string]string        `json:"ExpressionAttributeNames,omitempty"`
	ExpressionAttributeValues map[string]dynattr.Value `json:"ExpressionAttributeValues,omitempty"`
	ReturnValues              string                   `json:"ReturnValues,omitempty"`
}

// UpdateItemOutput carries the requested image part.
type UpdateItemOutput struct {
	Attributes dynattr.Item `json:"Attributes,omitempty"`
}

// DeleteItemInput removes one item by key.
type DeleteItemInput struct {
	TableName                 string                   `json:"TableName"`
	Key                       dynattr.Item             `json:"Key"`
	ConditionExpression       string                   `json:"ConditionExpression,omitempty"`
	ExpressionAttributeNames  map[string]string        `json:"ExpressionAttributeNames,omitempty"`
	ExpressionAttributeValues map[string]dynattr.Value `json:"ExpressionAttributeValues,omitempty"`
	ReturnValues              string                   `json:"ReturnValues,omitempty"`
}

// DeleteItemOutput carries the requested pre image part.
type DeleteItemOutput struct {
	Attributes dynattr.Item `json:"Attributes,omitempty"`
}

// QueryInput reads a page of one partition, in range key order.
type QueryInput struct {
	TableName                 string                   `json:"TableName"`
	IndexName                 string                   `json:"IndexName,omitempty"`
	KeyConditionExpression    string                   `json:"KeyConditionExpression,omitempty"`
	FilterExpression          string                   `json:"FilterExpression,omitempty"`
	ProjectionExpression      string                   `json:"ProjectionExpression,omitempty"`
	ExpressionAttributeNames  map[string]string        `json:"ExpressionAttributeNames,omitempty"`
	ExpressionAttributeValues map[string]dynattr.Value `json:"ExpressionAttributeValues,omitempty"`
	Limit                     int                      `json:"Limit,omitempty"`
	ScanIndexForward          *bool                    `json:"ScanIndexForward,omitempty"`
	ExclusiveStartKey         dynattr.Item             `json:"ExclusiveStartKey,omitempty"`
	ConsistentRead            bool                     `json:"ConsistentRead,omitempty"`
}

// QueryOutput is one result page.
type QueryOutput struct {
	Items            []dynattr.Item `json:"Items"`
	Count            int            `json:"Count"`
	ScannedCount     int            `json:"ScannedCount"`
	LastEvaluatedKey dynattr.Item   `json:"LastEvaluatedKey,omitempty"`
}

// ScanInput reads a page of the whole table or index.
type ScanInput struct {
	TableName                 string                   `json:"TableName"`
	IndexName                 string                   `json:"IndexName,omitempty"`
	FilterExpression          string                   `json:"FilterExpression,omitempty"`
	ProjectionExpression      string                   `json:"ProjectionExpression,omitempty"`
	ExpressionAttributeNames  map[string]string        `json:"ExpressionAttributeNames,omitempty"`
	ExpressionAttributeValues map[string]dynattr.Value `json:"ExpressionAttributeValues,omitempty"`
	Limit                     int                      `json:"Limit,omitempty"`
	ExclusiveStartKey         dynattr.Item             `json:"ExclusiveStartKey,omitempty"`
	Segment                   int                      `json:"Segment,omitempty"`
	TotalSegments             int                      `json:"TotalSegments,omitempty"`
	ConsistentRead            bool                     `json:"ConsistentRead,omitempty"`
}

// ScanOutput is one result page.
type ScanOutput struct {
	Items            []dynattr.Item `json:"Items"`
	Count            int            `json:"Count"`
	ScannedCount     int            `json:"ScannedCount"`
	LastEvaluatedKey dynattr.Item   `json:"LastEvaluatedKey,omitempty"`
}

// KeysAndAttributes is one table's portion of a BatchGetItem request.
type KeysAndAttributes struct {
	Keys                     []dynattr.Item    `json:"Keys"`
	ProjectionExpression     string            `json:"ProjectionExpression,omitempty"`
	ExpressionAttributeNames map[string]string `json:"ExpressionAttributeNames,omitempty"`
	ConsistentRead           bool              `json:"ConsistentRead,omitempty"`
}

// BatchGetItemInput reads up to 100 keys across tables.
type BatchGetItemInput struct {
	RequestItems map[string]KeysAndAttributes `json:"RequestItems"`
}

// BatchGetItemOutput groups found items per table and echoes keys that
// could not be read.
type BatchGetItemOutput struct {
	Responses       map[string][]dynattr.Item    `json:"Responses"`
	UnprocessedKeys map[string]KeysAndAttributes `json:"UnprocessedKeys"`
}

// PutRequest is the put variant of a batch write entry.
type PutRequest struct {
	Item dynattr.Item `json:"Item"`
}

// DeleteRequest is the delete variant of a batch write entry.
type DeleteRequest struct {
	Key dynattr.Item `json:"Key"`
}

// WriteRequest is one batch write entry, exactly one variant set.
type WriteRequest struct {
	PutRequest    *PutRequest    `json:"PutRequest,omitempty"`
	DeleteRequest *DeleteRequest `json:"DeleteRequest,omitempty"`
}

// BatchWriteItemInput applies up to 25 unconditional writes.
type BatchWriteItemInput struct {
	RequestItems map[string][]WriteRequest `json:"RequestItems"`
}

// BatchWriteItemOutput echoes entries that were not applied.
type BatchWriteItemOutput struct {
	UnprocessedItems map[string][]WriteRequest `json:"UnprocessedItems"`
}

// TransactPut is the put action of a transactional write.
type TransactPut struct {
	TableName                 string                   `json:"TableName"`
	Item                      dynattr.Item             `json:"Item"`
	ConditionExpression       string                   `json:"ConditionExpression,omitempty"`
	ExpressionAttributeNames  map[string]string        `json:"ExpressionAttributeNames,omitempty"`
	ExpressionAttributeValues map[string]dynattr.Value `json:"ExpressionAttributeValues,omitempty"`
}

// TransactUpdate is the update action of a transactional write.
type TransactUpdate struct {
	TableName                 string                   `json:"TableName"`
	Key                       dynattr.Item             `json:"Key"`
	UpdateExpression          string                   `json:"UpdateExpression"`
	ConditionExpression       string                   `json:"ConditionExpression,omitempty"`
	ExpressionAttributeNames  map[string]string        `json:"ExpressionAttributeNames,omitempty"`
	ExpressionAttributeValues map[string]dynattr.Value `json:"ExpressionAttributeValues,omitempty"`
}

// TransactDelete is the delete action of a transactional write.
type TransactDelete struct {
	TableName                 string                   `json:"TableName"`
	Key                       dynattr.Item             `json:"Key"`
	ConditionExpression       string                   `json:"ConditionExpression,omitempty"`
	ExpressionAttributeNames  map[string]string        `json:"ExpressionAttributeNames,omitempty"`
	ExpressionAttributeValues map[string]dynattr.Value `json:"ExpressionAttributeValues,omitempty"`
}

// TransactConditionCheck asserts a condition without writing.
type TransactConditionCheck struct {
	TableName                 string                   `json:"TableName"`
	Key                       dynattr.Item             `json:"Key"`
	ConditionExpression       string                   `json:"ConditionExpression"`
	ExpressionAttributeNames  map[string]string        `json:"ExpressionAttributeNames,omitempty"`
	ExpressionAttributeValues map[string]dynattr.Value `json:"ExpressionAttributeValues,omitempty"`
}

// TransactWriteItem is one entry of a transactional write, exactly one
// action set.
type TransactWriteItem struct {
	Put            *TransactPut            `json:"Put,omitempty"`
	Update         *TransactUpdate         `json:"Update,omitempty"`
	Delete         *TransactDelete         `json:"Delete,omitempty"`
	ConditionCheck *TransactConditionCheck `json:"ConditionCheck,omitempty"`
}

// TransactWriteItemsInput applies up to 100 actions atomically.
type TransactWriteItemsInput struct {
	TransactItems []TransactWriteItem `json:"TransactItems"`
}

// TransactWriteItemsOutput is empty on success.
type TransactWriteItemsOutput struct{}

// TransactGet is the read action of a transactional get.
type TransactGet struct {
	TableName                string            `json:"TableName"`
	Key                      dynattr.Item      `json:"Key"`
	ProjectionExpression     string            `json:"ProjectionExpression,omitempty"`
	ExpressionAttributeNames map[string]string `json:"ExpressionAttributeNames,omitempty"`
}

// TransactGetItem wraps one read action.
type TransactGetItem struct {
	Get *TransactGet `json:"Get"`
}

// TransactGetItemsInput reads up to 100 items in one snapshot.
type TransactGetItemsInput struct {
	TransactItems []TransactGetItem `json:"TransactItems"`
}

// ItemResponse is one transactional read result; Item is absent for
// missing keys.
type ItemResponse struct {
	Item dynattr.Item `json:"Item,omitempty"`
}

// TransactGetItemsOutput lists results in input order.
type TransactGetItemsOutput struct {
	Responses []ItemResponse `json:"Responses"`
}

// ListStreamsInput pages through streams.
type ListStreamsInput struct {
	TableName               string `json:"TableName,omitempty"`
	Limit                   int    `json:"Limit,omitempty"`
	ExclusiveStartStreamArn string `json:"ExclusiveStartStreamArn,omitempty"`
}

// StreamSummary identifies one stream.
type StreamSummary struct {
	StreamArn   string `json:"StreamArn"`
	TableName   string `json:"TableName"`
	StreamLabel string `json:"StreamLabel"`
}

// ListStreamsOutput is one page of stream summaries.
type ListStreamsOutput struct {
	Streams                []StreamSummary `json:"Streams"`
	LastEvaluatedStreamArn string          `json:"LastEvaluatedStreamArn,omitempty"`
}

// DescribeStreamInput names the stream to describe.
type DescribeStreamInput struct {
	StreamArn string `json:"StreamArn"`
}

// SequenceNumberRange bounds the readable records of a shard.
type SequenceNumberRange struct {
	StartingSequenceNumber string `json:"StartingSequenceNumber,omitempty"`
	EndingSequenceNumber   string `json:"EndingSequenceNumber,omitempty"`
}

// ShardDescription describes the single shard of a stream.
type ShardDescription struct {
	ShardID             string               `json:"ShardId"`
	SequenceNumberRange *SequenceNumberRange `json:"SequenceNumberRange,omitempty"`
}

// StreamDescription is the DescribeStream view.
type StreamDescription struct {
	StreamArn               string             `json:"StreamArn"`
	StreamLabel             string             `json:"StreamLabel"`
	StreamStatus            string             `json:"StreamStatus"`
	StreamViewType          string             `json:"StreamViewType"`
	CreationRequestDateTime float64            `json:"CreationRequestDateTime,omitempty"`
	TableName               string             `json:"TableName"`
	KeySchema               []KeySchemaElement `json:"KeySchema,omitempty"`
	Shards                  []ShardDescription `json:"Shards"`
}

// DescribeStreamOutput carries the description.
type DescribeStreamOutput struct {
	StreamDescription *StreamDescription `json:"StreamDescription"`
}

// GetShardIteratorInput positions an iterator in a shard.
type GetShardIteratorInput struct {
	StreamArn         string `json:"StreamArn"`
	ShardID           string `json:"ShardId"`
	ShardIteratorType string `json:"ShardIteratorType"`
	SequenceNumber    string `json:"SequenceNumber,omitempty"`
}

// GetShardIteratorOutput carries the opaque iterator token.
type GetShardIteratorOutput struct {
	ShardIterator string `json:"ShardIterator"`
}

// GetRecordsInput reads records from an iterator position.
type GetRecordsInput struct {
	ShardIterator string `json:"ShardIterator"`
	Limit         int    `json:"Limit,omitempty"`
}

// StreamRecordDetail is the dynamodb section of a stream record.
type StreamRecordDetail struct {
	ApproximateCreationDateTime float64      `json:"ApproximateCreationDateTime,omitempty"`
	Keys                        dynattr.Item `json:"Keys"`
	NewImage                    dynattr.Item `json:"NewImage,omitempty"`
	OldImage                    dynattr.Item `json:"OldImage,omitempty"`
	SequenceNumber              string       `json:"SequenceNumber"`
	SizeBytes                   int64        `json:"SizeBytes"`
	StreamViewType              string       `json:"StreamViewType"`
}

// StreamIdentity marks service-originated records, such as TTL deletes.
type StreamIdentity struct {
	Type        string `json:"Type"`
	PrincipalID string `json:"PrincipalId"`
}

// StreamRecord is one change record on the wire.
type StreamRecord struct {
	EventID      string              `json:"eventID"`
	EventName    string              `json:"eventName"`
	EventVersion string              `json:"eventVersion"`
	EventSource  string              `json:"eventSource"`
	AWSRegion    string              `json:"awsRegion"`
	Dynamodb     *StreamRecordDetail `json:"dynamodb"`
	UserIdentity *StreamIdentity     `json:"userIdentity,omitempty"`
}

// GetRecordsOutput is one batch of records with the follow-up iterator.
type GetRecordsOutput struct {
	Records           []StreamRecord `json:"Records"`
	NextShardIterator string         `json:"NextShardIterator,omitempty"`
}
