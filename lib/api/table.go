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

package api

import (
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/catalog"
)

// Key roles in a KeySchema.
const (
	KeyTypeHash  = "HASH"
	KeyTypeRange = "RANGE"
)

// Statuses reported for instantly provisioned resources.
const (
	StatusActive   = "ACTIVE"
	TTLEnabled     = "ENABLED"
	TTLDisabled    = "DISABLED"
	StreamEnabled  = "ENABLED"
	StreamDisabled = "DISABLED"
)

// TableFromCreateInput converts a create request into a table
// definition. Every attribute definition must be used by the table key
// or an index key, and every key attribute must be declared.
// defaultViewType fills the stream view type when the request enables
// the stream without naming one.
func TableFromCreateInput(in *CreateTableInput, defaultViewType string) (*catalog.Table, error) {
	if in == nil {
		return nil, trace.BadParameter("missing create table request")
	}
	defs := make(map[string]string, len(in.AttributeDefinitions))
	for _, def := range in.AttributeDefinitions {
		if def.AttributeName == "" || def.AttributeType == "" {
			return nil, trace.BadParameter("attribute definitions require a name and a type")
		}
		if _, dup := defs[def.AttributeName]; dup {
			return nil, trace.BadParameter("attribute %s is declared twice", def.AttributeName)
		}
		defs[def.AttributeName] = def.AttributeType
	}

	used := make(map[string]bool, len(defs))
	hash, rng, err := keyFromSchema(defs, used, in.KeySchema, "table "+in.TableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	table := &catalog.Table{
		Name:     in.TableName,
		HashKey:  hash,
		RangeKey: rng,
	}

	for _, gsi := range in.GlobalSecondaryIndexes {
		idxHash, idxRange, err := keyFromSchema(defs, used, gsi.KeySchema, "index "+gsi.IndexName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		idx := catalog.GSI{
			Name:       gsi.IndexName,
			HashKey:    idxHash,
			RangeKey:   idxRange,
			Projection: catalog.Projection{Type: catalog.ProjectionAll},
		}
		if gsi.Projection != nil {
			idx.Projection = catalog.Projection{
				Type:             gsi.Projection.ProjectionType,
				NonKeyAttributes: gsi.Projection.NonKeyAttributes,
			}
		}
		table.Indexes = append(table.Indexes, idx)
	}

	for name := range defs {
		if !used[name] {
			return nil, trace.BadParameter("attribute definition %s is not used by any key schema", name)
		}
	}

	if spec := in.StreamSpecification; spec != nil && spec.StreamEnabled != nil && *spec.StreamEnabled {
		viewType := spec.StreamViewType
		if viewType == "" {
			viewType = defaultViewType
		}
		table.Stream = catalog.StreamSpec{Enabled: true, ViewType: viewType}
	}
	return table, nil
}

// StreamSpecFromWire converts an update request's stream setting.
func StreamSpecFromWire(spec *StreamSpecification, defaultViewType string) (catalog.StreamSpec, error) {
	if spec == nil || spec.StreamEnabled == nil {
		return catalog.StreamSpec{}, trace.BadParameter("missing stream specification")
	}
	if !*spec.StreamEnabled {
		return catalog.StreamSpec{}, nil
	}
	viewType := spec.StreamViewType
	if viewType == "" {
		viewType = defaultViewType
	}
	return catalog.StreamSpec{Enabled: true, ViewType: viewType}, nil
}

// keyFromSchema resolves a KeySchema against the declared attribute
// types, marking the attributes it consumes.
func keyFromSchema(defs map[string]string, used map[string]bool, schema []KeySchemaElement, where string) (catalog.KeyAttribute, *catalog.KeyAttribute, error) {
	var hash, rng *catalog.KeyAttribute
	for _, elem := range schema {
		attrType, ok := defs[elem.AttributeName]
		if !ok {
			return catalog.KeyAttribute{}, nil, trace.BadParameter("key attribute %s of %s is not declared in the attribute definitions", elem.AttributeName, where)
		}
		used[elem.AttributeName] = true
		attr := &catalog.KeyAttribute{Name: elem.AttributeName, Type: attrType}
		switch elem.KeyType {
		case KeyTypeHash:
			if hash != nil {
				return catalog.KeyAttribute{}, nil, trace.BadParameter("%s declares more than one HASH key", where)
			}
			hash = attr
		case KeyTypeRange:
			if rng != nil {
				return catalog.KeyAttribute{}, nil, trace.BadParameter("%s declares more than one RANGE key", where)
			}
			rng = attr
		default:
			return catalog.KeyAttribute{}, nil, trace.BadParameter("%s has invalid key type %q for attribute %s", where, elem.KeyType, elem.AttributeName)
		}
	}
	if hash == nil {
		return catalog.KeyAttribute{}, nil, trace.BadParameter("%s requires a HASH key", where)
	}
	return *hash, rng, nil
}

// TableDescriptionOf renders a table definition and its live stats in
// the control plane shape.
func TableDescriptionOf(table *catalog.Table, stats *catalog.TableStats, region, accountID string) *TableDescription {
	desc := &TableDescription{
		TableName:        table.Name,
		TableArn:         table.ARN(region, accountID),
		TableStatus:      StatusActive,
		CreationDateTime: epochSeconds(table.CreatedAt),
		KeySchema:        keySchemaOf(table.HashKey, table.RangeKey),
	}
	if stats != nil {
		desc.ItemCount = stats.ItemCount
		desc.TableSizeBytes = stats.TableSizeBytes
	}

	seen := map[string]bool{}
	addDef := func(attr catalog.KeyAttribute) {
		if seen[attr.Name] {
			return
		}
		seen[attr.Name] = true
		desc.AttributeDefinitions = append(desc.AttributeDefinitions, AttributeDefinition{
			AttributeName: attr.Name,
			AttributeType: attr.Type,
		})
	}
	addDef(table.HashKey)
	if table.RangeKey != nil {
		addDef(*table.RangeKey)
	}
	for _, idx := range table.Indexes {
		addDef(idx.HashKey)
		if idx.RangeKey != nil {
			addDef(*idx.RangeKey)
		}
		desc.GlobalSecondaryIndexes = append(desc.GlobalSecondaryIndexes, GlobalSecondaryIndexDescription{
			IndexName:   idx.Name,
			KeySchema:   keySchemaOf(idx.HashKey, idx.RangeKey),
			Projection:  &Projection{ProjectionType: idx.Projection.Type, NonKeyAttributes: idx.Projection.NonKeyAttributes},
			IndexStatus: StatusActive,
			IndexArn:    desc.TableArn + "/index/" + idx.Name,
		})
	}

	if table.Stream.Enabled {
		enabled := true
		desc.StreamSpecification = &StreamSpecification{
			StreamEnabled:  &enabled,
			StreamViewType: table.Stream.ViewType,
		}
	}
	if table.LatestStreamARN != "" {
		desc.LatestStreamArn = table.LatestStreamARN
		desc.LatestStreamLabel = streamLabelOf(table.LatestStreamARN)
	}
	return desc
}

// TimeToLiveDescriptionOf renders the TTL setting.
func TimeToLiveDescriptionOf(spec catalog.TTLSpec) *TimeToLiveDescription {
	if !spec.Enabled {
		return &TimeToLiveDescription{TimeToLiveStatus: TTLDisabled}
	}
	return &TimeToLiveDescription{
		TimeToLiveStatus: TTLEnabled,
		AttributeName:    spec.AttributeName,
	}
}

func keySchemaOf(hash catalog.KeyAttribute, rng *catalog.KeyAttribute) []KeySchemaElement {
	schema := []KeySchemaElement{{AttributeName: hash.Name, KeyType: KeyTypeHash}}
	if rng != nil {
		schema = append(schema, KeySchemaElement{AttributeName: rng.Name, KeyType: KeyTypeRange})
	}
	return schema
}

// streamLabelOf extracts the label from a stream ARN, the part after
// the final "/stream/".
func streamLabelOf(arn string) string {
	const marker = "/stream/"
	if i := strings.LastIndex(arn, marker); i >= 0 {
		return arn[i+len(marker):]
	}
	return ""
}

// epochSeconds renders a timestamp the way AWS JSON encodes dates.
func epochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMilli()) / 1000
}
