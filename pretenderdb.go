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

// Package pretenderdb holds constants shared across the PretenderDB
// codebase. PretenderDB emulates the DynamoDB wire protocol and its
// operation semantics on top of a relational SQL engine.
package pretenderdb

import "strings"

// Version is the semantic version of the PretenderDB release.
const Version = "0.9.0"

// ComponentKey is the name of the log attribute that carries the
// component name on every structured log line.
const ComponentKey = "component"

const (
	// ComponentServer is the operation dispatcher and HTTP front end.
	ComponentServer = "server"

	// ComponentSQL is the SQL executor shared by all stores.
	ComponentSQL = "sql"

	// ComponentCatalog is the table metadata catalog.
	ComponentCatalog = "catalog"

	// ComponentItemStore is the item CRUD and query engine.
	ComponentItemStore = "items"

	// ComponentTransact is the multi-item transaction coordinator.
	ComponentTransact = "transact"

	// ComponentStreams is the change stream capture and consumer API.
	ComponentStreams = "streams"

	// ComponentTTL is the background TTL sweeper.
	ComponentTTL = "ttl"

	// ComponentCLI is the pretender command line tool.
	ComponentCLI = "cli"
)

// Component generates a colon-joined component name from its parts,
// e.g. Component(ComponentTTL, "sweep") returns "ttl:sweep".
func Component(components ...string) string {
	return strings.Join(components, ":")
}
