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

// Package defaults contains default constants set in various parts of
// the pretenderdb codebase.
package defaults

import "time"

const (
	// HTTPListenAddr is the default listen address of the DynamoDB
	// protocol endpoint.
	HTTPListenAddr = ":8000"

	// Region is the region rendered into stream ARNs and record
	// metadata. PretenderDB is single-region; the value is cosmetic
	// but clients parse it.
	Region = "local"

	// AccountID is the account identifier rendered into ARNs.
	AccountID = "000000000000"
)

const (
	// BatchWriteItemLimit is the maximum number of write requests in a
	// single BatchWriteItem call.
	BatchWriteItemLimit = 25

	// BatchGetItemLimit is the maximum number of keys in a single
	// BatchGetItem call.
	BatchGetItemLimit = 100

	// TransactItemsLimit is the maximum number of entries in a single
	// TransactWriteItems or TransactGetItems call.
	TransactItemsLimit = 100

	// MaxItemSize is the maximum serialized size of a single item.
	// Writes above it are rejected, matching the DynamoDB 400KB cap.
	MaxItemSize = 400 * 1024

	// MaxPageItems bounds the number of rows a single Query or Scan
	// call examines when the caller supplies no Limit. Reads that hit
	// the bound return a LastEvaluatedKey so callers can continue.
	MaxPageItems = 1000

	// ListTablesLimit is the maximum (and default) page size of
	// ListTables.
	ListTablesLimit = 100

	// MaxInOperands is the maximum number of operands of the IN
	// operator in an expression.
	MaxInOperands = 100

	// MaxExpressionLength is the maximum accepted length of a single
	// expression string.
	MaxExpressionLength = 4096

	// MaxNestingDepth is the maximum document path depth accepted in
	// expressions and stored items.
	MaxNestingDepth = 32
)

var (
	// TTLSweepInterval is how often the TTL sweeper looks for expired
	// items.
	TTLSweepInterval = 60 * time.Second

	// TTLBatchSize is the maximum number of expired items removed from
	// one table per sweep.
	TTLBatchSize = 500

	// StreamRetention is how long stream records are retained before
	// the pruner removes them.
	StreamRetention = 24 * time.Hour

	// StreamPruneInterval is how often the stream retention pruner
	// runs.
	StreamPruneInterval = 5 * time.Minute

	// GetRecordsLimit is the maximum (and default) number of stream
	// records returned by one GetRecords call.
	GetRecordsLimit = 1000

	// TTLIdentityType is the userIdentity.type marker stamped on
	// stream records emitted by the TTL sweeper.
	TTLIdentityType = "Service"

	// TTLIdentityPrincipal is the userIdentity.principalId marker
	// stamped on stream records emitted by the TTL sweeper.
	TTLIdentityPrincipal = "dynamodb.amazonaws.com"
)

var (
	// RetryStep is the base step of the backoff applied to transient
	// SQL failures (serialization conflicts, busy databases).
	RetryStep = 50 * time.Millisecond

	// RetryMax is the cap of the backoff applied to transient SQL
	// failures.
	RetryMax = time.Second

	// RetryAttempts is how many times a transaction is retried on
	// transient failure before the error surfaces to the caller.
	RetryAttempts = 5

	// ShutdownTimeout is how long graceful shutdown waits for
	// background workers to finish their current batch.
	ShutdownTimeout = 30 * time.Second
)
