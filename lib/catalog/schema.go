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

package catalog

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/dynattr"
)

// Stream view types.
const (
	ViewKeysOnly       = "KEYS_ONLY"
	ViewNewImage       = "NEW_IMAGE"
	ViewOldImage       = "OLD_IMAGE"
	ViewNewAndOldImage = "NEW_AND_OLD_IMAGES"
)

// Index projection types.
const (
	ProjectionAll      = "ALL"
	ProjectionKeysOnly = "KEYS_ONLY"
	ProjectionInclude  = "INCLUDE"
)

// MaxIndexesPerTable caps global secondary indexes per table.
const MaxIndexesPerTable = 20

var tableNameRE = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,255}$`)

// KeyAttribute names one key attribute and its scalar type tag (S, N
// or B).
type KeyAttribute struct {
	Name string `json:"attributeName"`
	Type string `json:"attributeType"`
}

// Kind returns the dynattr variant of the key attribute type.
func (k KeyAttribute) Kind() dynattr.Kind {
	kind, _ := dynattr.KindForTag(k.Type)
	return kind
}

func (k KeyAttribute) check(role string) error {
	if k.Name == "" || len(k.Name) > 255 {
		return trace.BadParameter("%s key attribute name must be between 1 and 255 characters", role)
	}
	kind, ok := dynattr.KindForTag(k.Type)
	if !ok || !dynattr.ScalarKind(kind) {
		return trace.BadParameter("%s key attribute %s must be of type S, N or B, found %q", role, k.Name, k.Type)
	}
	return nil
}

// Projection controls which attributes an index row carries.
type Projection struct {
	Type             string   `json:"projectionType"`
	NonKeyAttributes []string `json:"nonKeyAttributes,omitempty"`
}

// GSI is a global secondary index definition.
type GSI struct {
	Name       string        `json:"indexName"`
	HashKey    KeyAttribute  `json:"hashKey"`
	RangeKey   *KeyAttribute `json:"rangeKey,omitempty"`
	Projection Projection    `json:"projection"`
}

// TTLSpec is the table's time-to-live setting.
type TTLSpec struct {
	Enabled       bool   `json:"enabled"`
	AttributeName string `json:"attributeName,omitempty"`
}

// StreamSpec is the table's change stream setting.
type StreamSpec struct {
	Enabled  bool   `json:"enabled"`
	ViewType string `json:"viewType,omitempty"`
}

// Table is the catalog record of one table: key schema, indexes, TTL
// and stream settings. Loaded tables are shared across goroutines and
// must be treated as read-only; mutating operations store a fresh
// copy.
type Table struct {
	Name            string        `json:"tableName"`
	HashKey         KeyAttribute  `json:"hashKey"`
	RangeKey        *KeyAttribute `json:"rangeKey,omitempty"`
	Indexes         []GSI         `json:"globalSecondaryIndexes,omitempty"`
	TTL             TTLSpec       `json:"timeToLive"`
	Stream          StreamSpec    `json:"streamSpecification"`
	LatestStreamARN string        `json:"latestStreamArn,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// CheckAndSetDefaults validates the table definition.
func (t *Table) CheckAndSetDefaults() error {
	if !tableNameRE.MatchString(t.Name) {
		return trace.BadParameter("table name %q must be 3 to 255 characters from [a-zA-Z0-9_.-]", t.Name)
	}
	if err := t.HashKey.check("partition"); err != nil {
		return trace.Wrap(err)
	}
	if t.RangeKey != nil {
		if err := t.RangeKey.check("sort"); err != nil {
			return trace.Wrap(err)
		}
		if t.RangeKey.Name == t.HashKey.Name {
			return trace.BadParameter("partition and sort key must be distinct attributes, both are %s", t.HashKey.Name)
		}
	}
	if len(t.Indexes) > MaxIndexesPerTable {
		return trace.BadParameter("table %s defines %d indexes, the maximum is %d", t.Name, len(t.Indexes), MaxIndexesPerTable)
	}
	var indexNames []string
	for i := range t.Indexes {
		idx := &t.Indexes[i]
		if err := idx.check(); err != nil {
			return trace.Wrap(err)
		}
		if slices.Contains(indexNames, idx.Name) {
			return trace.BadParameter("duplicate index name %s", idx.Name)
		}
		indexNames = append(indexNames, idx.Name)
	}
	if t.Stream.Enabled {
		if err := CheckViewType(t.Stream.ViewType); err != nil {
			return trace.Wrap(err)
		}
	}
	if t.TTL.Enabled && t.TTL.AttributeName == "" {
		return trace.BadParameter("time to live is enabled without an attribute name")
	}
	return nil
}

func (g *GSI) check() error {
	if !tableNameRE.MatchString(g.Name) {
		return trace.BadParameter("index name %q must be 3 to 255 characters from [a-zA-Z0-9_.-]", g.Name)
	}
	if err := g.HashKey.check("index partition"); err != nil {
		return trace.Wrap(err)
	}
	if g.RangeKey != nil {
		if err := g.RangeKey.check("index sort"); err != nil {
			return trace.Wrap(err)
		}
		if g.RangeKey.Name == g.HashKey.Name {
			return trace.BadParameter("index %s partition and sort key must be distinct attributes", g.Name)
		}
	}
	switch g.Projection.Type {
	case ProjectionAll, ProjectionKeysOnly:
		if len(g.Projection.NonKeyAttributes) > 0 {
			return trace.BadParameter("index %s projection %s does not take non-key attributes", g.Name, g.Projection.Type)
		}
	case ProjectionInclude:
		if len(g.Projection.NonKeyAttributes) == 0 {
			return trace.BadParameter("index %s projection INCLUDE requires non-key attributes", g.Name)
		}
	default:
		return trace.BadParameter("index %s has invalid projection type %q", g.Name, g.Projection.Type)
	}
	return nil
}

// CheckViewType verifies a stream view type is one of the four
// DynamoDB values.
func CheckViewType(viewType string) error {
	switch viewType {
	case ViewKeysOnly, ViewNewImage, ViewOldImage, ViewNewAndOldImage:
		return nil
	}
	return trace.BadParameter("invalid stream view type %q", viewType)
}

// HasRangeKey reports whether the table has a sort key.
func (t *Table) HasRangeKey() bool {
	return t.RangeKey != nil
}

// KeyAttributeNames returns the table's key attribute names, hash
// first.
func (t *Table) KeyAttributeNames() []string {
	names := []string{t.HashKey.Name}
	if t.RangeKey != nil {
		names = append(names, t.RangeKey.Name)
	}
	return names
}

// IsKeyAttribute reports whether name is the table's partition or
// sort key.
func (t *Table) IsKeyAttribute(name string) bool {
	return name == t.HashKey.Name || (t.RangeKey != nil && name == t.RangeKey.Name)
}

// Index looks up a global secondary index by name.
func (t *Table) Index(name string) (*GSI, error) {
	for i := range t.Indexes {
		if t.Indexes[i].Name == name {
			return &t.Indexes[i], nil
		}
	}
	return nil, trace.NotFound("index %s not found on table %s", name, t.Name)
}

// ExtractKey pulls the primary key out of a full item, checking
// presence and declared types. The range value is zero when the table
// has no sort key.
func (t *Table) ExtractKey(item dynattr.Item) (hash, rng dynattr.Value, err error) {
	hash, err = extractKeyAttribute(item, t.HashKey)
	if err != nil {
		return dynattr.Value{}, dynattr.Value{}, trace.Wrap(err)
	}
	if t.RangeKey == nil {
		return hash, dynattr.Value{}, nil
	}
	rng, err = extractKeyAttribute(item, *t.RangeKey)
	if err != nil {
		return dynattr.Value{}, dynattr.Value{}, trace.Wrap(err)
	}
	return hash, rng, nil
}

// ExtractWireKey validates a wire Key parameter: it must contain
// exactly the key attributes, no more.
func (t *Table) ExtractWireKey(key dynattr.Item) (hash, rng dynattr.Value, err error) {
	expected := len(t.KeyAttributeNames())
	if len(key) != expected {
		return dynattr.Value{}, dynattr.Value{}, trace.BadParameter("the provided key element does not match the schema of table %s", t.Name)
	}
	hash, rng, err = t.ExtractKey(key)
	return hash, rng, trace.Wrap(err)
}

func extractKeyAttribute(item dynattr.Item, attr KeyAttribute) (dynattr.Value, error) {
	v, ok := item[attr.Name]
	if !ok {
		return dynattr.Value{}, trace.BadParameter("missing the key attribute %s", attr.Name)
	}
	if v.Kind() != attr.Kind() {
		return dynattr.Value{}, trace.BadParameter("key attribute %s expected type %s, found %s", attr.Name, attr.Type, v.Kind())
	}
	return v, nil
}

// CheckItemKeys validates a full item against the table and index
// key declarations: base keys must be present with their declared
// types, and index key attributes must match their declared types
// whenever present.
func (t *Table) CheckItemKeys(item dynattr.Item) error {
	if _, _, err := t.ExtractKey(item); err != nil {
		return trace.Wrap(err)
	}
	for i := range t.Indexes {
		idx := &t.Indexes[i]
		for _, attr := range idx.keyAttributes() {
			v, ok := item[attr.Name]
			if !ok {
				continue
			}
			if v.Kind() != attr.Kind() {
				return trace.BadParameter("attribute %s is declared %s by index %s, found %s", attr.Name, attr.Type, idx.Name, v.Kind())
			}
		}
	}
	return nil
}

func (g *GSI) keyAttributes() []KeyAttribute {
	attrs := []KeyAttribute{g.HashKey}
	if g.RangeKey != nil {
		attrs = append(attrs, *g.RangeKey)
	}
	return attrs
}

// ExtractKey pulls the index key from an item. ok is false when the
// item lacks an index key attribute and therefore has no row in this
// index.
func (g *GSI) ExtractKey(item dynattr.Item) (hash, rng dynattr.Value, ok bool) {
	hash, found := item[g.HashKey.Name]
	if !found || hash.Kind() != g.HashKey.Kind() {
		return dynattr.Value{}, dynattr.Value{}, false
	}
	if g.RangeKey == nil {
		return hash, dynattr.Value{}, true
	}
	rng, found = item[g.RangeKey.Name]
	if !found || rng.Kind() != g.RangeKey.Kind() {
		return dynattr.Value{}, dynattr.Value{}, false
	}
	return hash, rng, true
}

// ProjectItem narrows a base item to the attributes this index
// carries. Base table keys always ride along.
func (g *GSI) ProjectItem(t *Table, item dynattr.Item) dynattr.Item {
	if g.Projection.Type == ProjectionAll {
		return item.Clone()
	}
	keep := append(t.KeyAttributeNames(), g.HashKey.Name)
	if g.RangeKey != nil {
		keep = append(keep, g.RangeKey.Name)
	}
	if g.Projection.Type == ProjectionInclude {
		keep = append(keep, g.Projection.NonKeyAttributes...)
	}
	out := dynattr.Item{}
	for _, name := range keep {
		if v, ok := item[name]; ok {
			out[name] = v.Clone()
		}
	}
	return out
}

// ARN renders the table's resource name.
func (t *Table) ARN(region, accountID string) string {
	return fmt.Sprintf("arn:aws:dynamodb:%s:%s:table/%s", region, accountID, t.Name)
}
