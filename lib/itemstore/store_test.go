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

package itemstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pretenderdb/lib/catalog"
	"github.com/gravitational/pretenderdb/lib/defaults"
	"github.com/gravitational/pretenderdb/lib/dynattr"
	"github.com/gravitational/pretenderdb/lib/sqlbk"
	"github.com/gravitational/pretenderdb/lib/streams"
	"github.com/gravitational/pretenderdb/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type testEnv struct {
	db    *sqlbk.DB
	cat   *catalog.Catalog
	strm  *streams.Streams
	store *Store
	clock *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	db, err := sqlbk.New(ctx, sqlbk.Config{
		URL:   "sqlite://" + filepath.Join(t.TempDir(), "items.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	cat, err := catalog.New(catalog.Config{DB: db, Clock: clock})
	require.NoError(t, err)
	strm, err := streams.New(streams.Config{DB: db, Clock: clock})
	require.NoError(t, err)
	store, err := New(Config{DB: db, Catalog: cat, Streams: strm})
	require.NoError(t, err)
	return &testEnv{db: db, cat: cat, strm: strm, store: store, clock: clock}
}

func (e *testEnv) createTable(t *testing.T, table *catalog.Table) *catalog.Table {
	t.Helper()
	created, err := e.cat.CreateTable(context.Background(), table)
	require.NoError(t, err)
	return created
}

// createSimpleTable creates a table keyed by id:S alone.
func (e *testEnv) createSimpleTable(t *testing.T, name string) *catalog.Table {
	t.Helper()
	return e.createTable(t, &catalog.Table{
		Name:    name,
		HashKey: catalog.KeyAttribute{Name: "id", Type: "S"},
	})
}

// createRangeTable creates a table keyed by pk:S and sk:S.
func (e *testEnv) createRangeTable(t *testing.T, name string) *catalog.Table {
	t.Helper()
	return e.createTable(t, &catalog.Table{
		Name:     name,
		HashKey:  catalog.KeyAttribute{Name: "pk", Type: "S"},
		RangeKey: &catalog.KeyAttribute{Name: "sk", Type: "S"},
	})
}

// createStatusTable creates a table keyed by id:S with a StatusIdx
// index over status:S.
func (e *testEnv) createStatusTable(t *testing.T, name, projection string, nonKey ...string) *catalog.Table {
	t.Helper()
	return e.createTable(t, &catalog.Table{
		Name:    name,
		HashKey: catalog.KeyAttribute{Name: "id", Type: "S"},
		Indexes: []catalog.GSI{{
			Name:       "StatusIdx",
			HashKey:    catalog.KeyAttribute{Name: "status", Type: "S"},
			Projection: catalog.Projection{Type: projection, NonKeyAttributes: nonKey},
		}},
	})
}

func (e *testEnv) put(t *testing.T, tableName string, item dynattr.Item) {
	t.Helper()
	_, err := e.store.PutItem(context.Background(), PutItemParams{TableName: tableName, Item: item})
	require.NoError(t, err)
}

func (e *testEnv) get(t *testing.T, tableName string, key dynattr.Item) dynattr.Item {
	t.Helper()
	out, err := e.store.GetItem(context.Background(), GetItemParams{TableName: tableName, Key: key})
	require.NoError(t, err)
	return out.Item
}

func idKey(id string) dynattr.Item {
	return dynattr.Item{"id": dynattr.String(id)}
}

func mustNum(t *testing.T, numeral string) dynattr.Value {
	t.Helper()
	v, err := dynattr.Number(numeral)
	require.NoError(t, err)
	return v
}

func mustStringSet(t *testing.T, elems ...string) dynattr.Value {
	t.Helper()
	v, err := dynattr.StringSet(elems...)
	require.NoError(t, err)
	return v
}

func itemKeys(item dynattr.Item) []string {
	names := make([]string, 0, len(item))
	for name := range item {
		names = append(names, name)
	}
	return names
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createSimpleTable(t, "things")

	ns, err := dynattr.NumberSet("3", "1", "2")
	require.NoError(t, err)
	bs, err := dynattr.BinarySet([]byte{1}, []byte{2})
	require.NoError(t, err)
	full := dynattr.Item{
		"id":    dynattr.String("a"),
		"num":   mustNum(t, "1.10"),
		"bin":   dynattr.Binary([]byte{0xde, 0xad}),
		"flag":  dynattr.Bool(true),
		"none":  dynattr.Null(),
		"ss":    mustStringSet(t, "x", "y"),
		"ns":    ns,
		"bs":    bs,
		"list":  dynattr.List(dynattr.Int(1), dynattr.String("two")),
		"doc":   dynattr.Map(map[string]dynattr.Value{"inner": dynattr.List(dynattr.Bool(false))}),
		"empty": dynattr.String(""),
	}
	env.put(t, "things", full)

	got := env.get(t, "things", idKey("a"))
	require.True(t, got.Equal(full), "stored item diverged from the original")
	// Trailing zeros survive the round trip verbatim.
	require.Equal(t, "1.10", got["num"].Num())

	require.Nil(t, env.get(t, "things", idKey("missing")))

	_, err = env.store.GetItem(ctx, GetItemParams{TableName: "things", Key: dynattr.Item{"other": dynattr.String("a")}})
	require.True(t, trace.IsBadParameter(err))
	_, err = env.store.GetItem(ctx, GetItemParams{TableName: "absent", Key: idKey("a")})
	require.True(t, trace.IsNotFound(err))
}

func TestGetItemProjection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createSimpleTable(t, "docs")
	env.put(t, "docs", dynattr.Item{
		"id":   dynattr.String("a"),
		"name": dynattr.String("doc-a"),
		"meta": dynattr.Map(map[string]dynattr.Value{
			"owner": dynattr.String("alice"),
			"size":  dynattr.Int(42),
		}),
	})

	out, err := env.store.GetItem(ctx, GetItemParams{
		TableName:            "docs",
		Key:                  idKey("a"),
		ProjectionExpression: "#n, meta.#own",
		ExpressionNames:      map[string]string{"#n": "name", "#own": "owner"},
	})
	require.NoError(t, err)
	want := dynattr.Item{
		"name": dynattr.String("doc-a"),
		"meta": dynattr.Map(map[string]dynattr.Value{"owner": dynattr.String("alice")}),
	}
	require.True(t, out.Item.Equal(want))

	// Unused placeholders are rejected even on reads.
	_, err = env.store.GetItem(ctx, GetItemParams{
		TableName:       "docs",
		Key:             idKey("a"),
		ExpressionNames: map[string]string{"#n": "name"},
	})
	require.True(t, trace.IsBadParameter(err))
}

func TestPutReturnValues(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createSimpleTable(t, "retvals")

	out, err := env.store.PutItem(ctx, PutItemParams{
		TableName:    "retvals",
		Item:         dynattr.Item{"id": dynattr.String("a"), "v": dynattr.Int(1)},
		ReturnValues: ReturnAllOld,
	})
	require.NoError(t, err)
	require.Empty(t, out.Attributes)

	out, err = env.store.PutItem(ctx, PutItemParams{
		TableName:    "retvals",
		Item:         dynattr.Item{"id": dynattr.String("a"), "v": dynattr.Int(2), "extra": dynattr.Bool(true)},
		ReturnValues: ReturnAllOld,
	})
	require.NoError(t, err)
	require.True(t, out.Attributes.Equal(dynattr.Item{"id": dynattr.String("a"), "v": dynattr.Int(1)}))

	// UPDATED_OLD narrows to the attributes this write changed.
	out, err = env.store.PutItem(ctx, PutItemParams{
		TableName:    "retvals",
		Item:         dynattr.Item{"id": dynattr.String("a"), "v": dynattr.Int(3), "extra": dynattr.Bool(true)},
		ReturnValues: ReturnUpdatedOld,
	})
	require.NoError(t, err)
	require.True(t, out.Attributes.Equal(dynattr.Item{"v": dynattr.Int(2)}))

	_, err = env.store.PutItem(ctx, PutItemParams{
		TableName:    "retvals",
		Item:         idKey("a"),
		ReturnValues: "SOMETIMES",
	})
	require.True(t, trace.IsBadParameter(err))
}

func TestConditionalWrites(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createSimpleTable(t, "cond")
	env.put(t, "cond", dynattr.Item{"id": dynattr.String("a"), "v": dynattr.Int(1)})

	_, err := env.store.PutItem(ctx, PutItemParams{
		TableName:           "cond",
		Item:                dynattr.Item{"id": dynattr.String("a"), "v": dynattr.Int(9)},
		ConditionExpression: "attribute_not_exists(id)",
	})
	require.True(t, trace.IsCompareFailed(err))
	require.True(t, env.get(t, "cond", idKey("a"))["v"].Equal(dynattr.Int(1)))

	// The same guard passes for a fresh key.
	_, err = env.store.PutItem(ctx, PutItemParams{
		TableName:           "cond",
		Item:                dynattr.Item{"id": dynattr.String("b"), "v": dynattr.Int(1)},
		ConditionExpression: "attribute_not_exists(id)",
	})
	require.NoError(t, err)

	_, err = env.store.PutItem(ctx, PutItemParams{
		TableName:           "cond",
		Item:                dynattr.Item{"id": dynattr.String("a"), "v": dynattr.Int(2)},
		ConditionExpression: "v = :expected",
		ExpressionValues:    map[string]dynattr.Value{":expected": dynattr.Int(1)},
	})
	require.NoError(t, err)
	require.True(t, env.get(t, "cond", idKey("a"))["v"].Equal(dynattr.Int(2)))
}

func TestUpdateItem(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createSimpleTable(t, "upd")
	env.put(t, "upd", dynattr.Item{
		"id":      dynattr.String("x"),
		"counter": dynattr.Int(10),
		"tags":    mustStringSet(t, "a", "b"),
	})

	out, err := env.store.UpdateItem(ctx, UpdateItemParams{
		TableName:        "upd",
		Key:              idKey("x"),
		UpdateExpression: "ADD #ctr :five, tags :c REMOVE unused",
		ExpressionNames:  map[string]string{"#ctr": "counter"},
		ExpressionValues: map[string]dynattr.Value{
			":five": dynattr.Int(5),
			":c":    mustStringSet(t, "c"),
		},
		ReturnValues: ReturnAllNew,
	})
	require.NoError(t, err)
	want := dynattr.Item{
		"id":      dynattr.String("x"),
		"counter": dynattr.Int(15),
		"tags":    mustStringSet(t, "a", "b", "c"),
	}
	require.True(t, out.Attributes.Equal(want))
	require.True(t, env.get(t, "upd", idKey("x")).Equal(want))
}

func TestUpdateItemUpsert(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createSimpleTable(t, "ups")

	out, err := env.store.UpdateItem(ctx, UpdateItemParams{
		TableName:        "ups",
		Key:              idKey("fresh"),
		UpdateExpression: "SET v = :v",
		ExpressionValues: map[string]dynattr.Value{":v": dynattr.Int(1)},
		ReturnValues:     ReturnUpdatedNew,
	})
	require.NoError(t, err)
	require.True(t, out.Attributes.Equal(dynattr.Item{"v": dynattr.Int(1)}))
	require.True(t, env.get(t, "ups", idKey("fresh")).Equal(dynattr.Item{
		"id": dynattr.String("fresh"),
		"v":  dynattr.Int(1),
	}))
}

func TestUpdateItemRejectsKeyChange(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createSimpleTable(t, "keys")
	env.put(t, "keys", idKey("a"))

	_, err := env.store.UpdateItem(ctx, UpdateItemParams{
		TableName:        "keys",
		Key:              idKey("a"),
		UpdateExpression: "SET id = :v",
		ExpressionValues: map[string]dynattr.Value{":v": dynattr.String("b")},
	})
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "part of the key")
}

func TestUpdateItemCondition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createSimpleTable(t, "updc")
	env.put(t, "updc", dynattr.Item{"id": dynattr.String("r"), "version": dynattr.Int(1), "data": dynattr.String("orig")})

	_, err := env.store.UpdateItem(ctx, UpdateItemParams{
		TableName:           "updc",
		Key:                 idKey("r"),
		UpdateExpression:    "SET #d = :d",
		ConditionExpression: "version = :want",
		ExpressionNames:     map[string]string{"#d": "data"},
		ExpressionValues: map[string]dynattr.Value{
			":d":    dynattr.String("new"),
			":want": dynattr.Int(2),
		},
	})
	require.True(t, trace.IsCompareFailed(err))
	require.True(t, env.get(t, "updc", idKey("r"))["data"].Equal(dynattr.String("orig")))
}

func TestDeleteItem(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createSimpleTable(t, "del")
	env.put(t, "del", dynattr.Item{"id": dynattr.String("a"), "v": dynattr.Int(1)})

	_, err := env.store.DeleteItem(ctx, DeleteItemParams{
		TableName:           "del",
		Key:                 idKey("a"),
		ConditionExpression: "v = :wrong",
		ExpressionValues:    map[string]dynattr.Value{":wrong": dynattr.Int(9)},
	})
	require.True(t, trace.IsCompareFailed(err))

	out, err := env.store.DeleteItem(ctx, DeleteItemParams{
		TableName:    "del",
		Key:          idKey("a"),
		ReturnValues: ReturnAllOld,
	})
	require.NoError(t, err)
	require.True(t, out.Attributes.Equal(dynattr.Item{"id": dynattr.String("a"), "v": dynattr.Int(1)}))
	require.Nil(t, env.get(t, "del", idKey("a")))

	// Deleting an absent item succeeds quietly.
	out, err = env.store.DeleteItem(ctx, DeleteItemParams{
		TableName:    "del",
		Key:          idKey("a"),
		ReturnValues: ReturnAllOld,
	})
	require.NoError(t, err)
	require.Empty(t, out.Attributes)
}

func TestPutItemSizeLimit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createSimpleTable(t, "big")

	_, err := env.store.PutItem(ctx, PutItemParams{
		TableName: "big",
		Item: dynattr.Item{
			"id":   dynattr.String("a"),
			"data": dynattr.String(strings.Repeat("x", defaults.MaxItemSize)),
		},
	})
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "maximum allowed size")
}

func TestWriteStreamCapture(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	table := env.createTable(t, &catalog.Table{
		Name:    "journal",
		HashKey: catalog.KeyAttribute{Name: "id", Type: "S"},
		Stream:  catalog.StreamSpec{Enabled: true, ViewType: catalog.ViewNewAndOldImage},
	})

	env.put(t, "journal", dynattr.Item{"id": dynattr.String("s"), "v": dynattr.Int(1)})
	_, err := env.store.UpdateItem(ctx, UpdateItemParams{
		TableName:        "journal",
		Key:              idKey("s"),
		UpdateExpression: "SET v = :v",
		ExpressionValues: map[string]dynattr.Value{":v": dynattr.Int(2)},
	})
	require.NoError(t, err)
	_, err = env.store.DeleteItem(ctx, DeleteItemParams{TableName: "journal", Key: idKey("s")})
	require.NoError(t, err)

	desc, err := env.strm.DescribeStream(ctx, table.LatestStreamARN)
	require.NoError(t, err)
	iterator, err := env.strm.GetShardIterator(ctx, table.LatestStreamARN, desc.Shard.ShardID, streams.IteratorTrimHorizon, "")
	require.NoError(t, err)
	records, _, err := env.strm.GetRecords(ctx, iterator, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)

	require.Equal(t, streams.EventInsert, records[0].EventName)
	require.Nil(t, records[0].OldImage)
	require.True(t, records[0].NewImage.Equal(dynattr.Item{"id": dynattr.String("s"), "v": dynattr.Int(1)}))

	require.Equal(t, streams.EventModify, records[1].EventName)
	require.True(t, records[1].OldImage.Equal(dynattr.Item{"id": dynattr.String("s"), "v": dynattr.Int(1)}))
	require.True(t, records[1].NewImage.Equal(dynattr.Item{"id": dynattr.String("s"), "v": dynattr.Int(2)}))

	require.Equal(t, streams.EventRemove, records[2].EventName)
	require.True(t, records[2].OldImage.Equal(dynattr.Item{"id": dynattr.String("s"), "v": dynattr.Int(2)}))
	require.Nil(t, records[2].NewImage)
}

func TestPutIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createSimpleTable(t, "idem")

	item := dynattr.Item{"id": dynattr.String("a"), "v": dynattr.Int(1)}
	env.put(t, "idem", item)
	env.put(t, "idem", item)

	page, err := env.store.Scan(ctx, ScanParams{TableName: "idem"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Count)
	require.True(t, page.Items[0].Equal(item))
}
