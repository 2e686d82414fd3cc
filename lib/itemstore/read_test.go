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
	"fmt"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pretenderdb/lib/catalog"
	"github.com/gravitational/pretenderdb/lib/dynattr"
)

func orderItem(pk, sk string, extra ...dynattr.Item) dynattr.Item {
	item := dynattr.Item{"pk": dynattr.String(pk), "sk": dynattr.String(sk)}
	for _, m := range extra {
		for k, v := range m {
			item[k] = v
		}
	}
	return item
}

func sortKeys(items []dynattr.Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item["sk"].Str())
	}
	return out
}

func TestQueryOrdering(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createRangeTable(t, "letters")
	for _, sk := range []string{"c", "a", "e", "b", "d"} {
		env.put(t, "letters", orderItem("p", sk))
	}
	env.put(t, "letters", orderItem("other", "z"))

	page, err := env.store.Query(ctx, QueryParams{
		TableName:              "letters",
		KeyConditionExpression: "pk = :p",
		ExpressionValues:       map[string]dynattr.Value{":p": dynattr.String("p")},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, sortKeys(page.Items))
	require.Equal(t, 5, page.Count)
	require.Equal(t, 5, page.ScannedCount)
	require.Empty(t, page.LastEvaluatedKey)

	page, err = env.store.Query(ctx, QueryParams{
		TableName:              "letters",
		KeyConditionExpression: "pk = :p",
		ExpressionValues:       map[string]dynattr.Value{":p": dynattr.String("p")},
		Descending:             true,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"e", "d", "c", "b", "a"}, sortKeys(page.Items))
}

func TestQueryRangeConditions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createRangeTable(t, "ranges")
	for _, sk := range []string{"ant", "bat", "bear", "cat", "dog"} {
		env.put(t, "ranges", orderItem("p", sk))
	}
	query := func(cond string, values map[string]dynattr.Value) []string {
		t.Helper()
		values[":p"] = dynattr.String("p")
		page, err := env.store.Query(ctx, QueryParams{
			TableName:              "ranges",
			KeyConditionExpression: cond,
			ExpressionValues:       values,
		})
		require.NoError(t, err)
		return sortKeys(page.Items)
	}

	require.Equal(t, []string{"bat"},
		query("pk = :p AND sk = :v", map[string]dynattr.Value{":v": dynattr.String("bat")}))
	require.Equal(t, []string{"ant", "bat"},
		query("pk = :p AND sk < :v", map[string]dynattr.Value{":v": dynattr.String("bear")}))
	require.Equal(t, []string{"cat", "dog"},
		query("pk = :p AND sk >= :v", map[string]dynattr.Value{":v": dynattr.String("cat")}))
	require.Equal(t, []string{"bat", "bear", "cat"},
		query("pk = :p AND sk BETWEEN :lo AND :hi", map[string]dynattr.Value{
			":lo": dynattr.String("bat"), ":hi": dynattr.String("cat"),
		}))
	require.Equal(t, []string{"bat", "bear"},
		query("pk = :p AND begins_with(sk, :v)", map[string]dynattr.Value{":v": dynattr.String("b")}))

	_, err := env.store.Query(ctx, QueryParams{
		TableName:              "ranges",
		KeyConditionExpression: "pk = :p AND sk BETWEEN :lo AND :hi",
		ExpressionValues: map[string]dynattr.Value{
			":p": dynattr.String("p"), ":lo": dynattr.String("z"), ":hi": dynattr.String("a"),
		},
	})
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "BETWEEN")

	// The partition key equality is checked against the declared type.
	_, err = env.store.Query(ctx, QueryParams{
		TableName:              "ranges",
		KeyConditionExpression: "pk = :p",
		ExpressionValues:       map[string]dynattr.Value{":p": dynattr.Int(1)},
	})
	require.True(t, trace.IsBadParameter(err))
}

func TestQueryNumberKeyOrdering(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createTable(t, &catalog.Table{
		Name:     "readings",
		HashKey:  catalog.KeyAttribute{Name: "pk", Type: "S"},
		RangeKey: &catalog.KeyAttribute{Name: "n", Type: "N"},
	})
	for _, numeral := range []string{"10", "-5", "0.25", "0", "-0.5", "3", "100"} {
		env.put(t, "readings", dynattr.Item{"pk": dynattr.String("p"), "n": mustNum(t, numeral)})
	}

	page, err := env.store.Query(ctx, QueryParams{
		TableName:              "readings",
		KeyConditionExpression: "pk = :p",
		ExpressionValues:       map[string]dynattr.Value{":p": dynattr.String("p")},
	})
	require.NoError(t, err)
	var got []string
	for _, item := range page.Items {
		got = append(got, item["n"].Num())
	}
	require.Equal(t, []string{"-5", "-0.5", "0", "0.25", "3", "10", "100"}, got)

	page, err = env.store.Query(ctx, QueryParams{
		TableName:              "readings",
		KeyConditionExpression: "pk = :p AND n > :zero",
		ExpressionValues: map[string]dynattr.Value{
			":p": dynattr.String("p"), ":zero": dynattr.Int(0),
		},
	})
	require.NoError(t, err)
	require.Equal(t, 4, page.Count)
}

func TestQueryPaging(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createRangeTable(t, "paged")
	for i := range 5 {
		env.put(t, "paged", orderItem("p", fmt.Sprintf("sk%d", i)))
	}

	var all []string
	params := QueryParams{
		TableName:              "paged",
		KeyConditionExpression: "pk = :p",
		ExpressionValues:       map[string]dynattr.Value{":p": dynattr.String("p")},
		Limit:                  2,
	}
	pages := 0
	for {
		page, err := env.store.Query(ctx, params)
		require.NoError(t, err)
		all = append(all, sortKeys(page.Items)...)
		pages++
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		params.ExclusiveStartKey = page.LastEvaluatedKey
	}
	require.Equal(t, []string{"sk0", "sk1", "sk2", "sk3", "sk4"}, all)
	require.Equal(t, 3, pages)

	// A start key outside the queried partition is rejected.
	_, err := env.store.Query(ctx, QueryParams{
		TableName:              "paged",
		KeyConditionExpression: "pk = :p",
		ExpressionValues:       map[string]dynattr.Value{":p": dynattr.String("p")},
		ExclusiveStartKey:      orderItem("other", "sk0"),
	})
	require.True(t, trace.IsBadParameter(err))
}

func TestQueryFilterAfterLimit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createRangeTable(t, "filtered")
	for i := range 10 {
		env.put(t, "filtered", orderItem("p", fmt.Sprintf("sk%d", i), dynattr.Item{
			"even": dynattr.Bool(i%2 == 0),
		}))
	}

	page, err := env.store.Query(ctx, QueryParams{
		TableName:              "filtered",
		KeyConditionExpression: "pk = :p",
		FilterExpression:       "even = :t",
		ExpressionValues: map[string]dynattr.Value{
			":p": dynattr.String("p"), ":t": dynattr.Bool(true),
		},
		Limit: 3,
	})
	require.NoError(t, err)
	// The limit bounds examined rows, the filter then narrows them.
	require.Equal(t, 3, page.ScannedCount)
	require.Equal(t, []string{"sk0", "sk2"}, sortKeys(page.Items))
	require.NotEmpty(t, page.LastEvaluatedKey)
}

func TestQueryGSIUpkeep(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createStatusTable(t, "tasks", catalog.ProjectionAll)

	env.put(t, "tasks", dynattr.Item{
		"id": dynattr.String("a"), "status": dynattr.String("pending"), "v": dynattr.Int(1),
	})

	queryStatus := func(status string) *Page {
		t.Helper()
		page, err := env.store.Query(ctx, QueryParams{
			TableName:              "tasks",
			IndexName:              "StatusIdx",
			KeyConditionExpression: "#s = :s",
			ExpressionNames:        map[string]string{"#s": "status"},
			ExpressionValues:       map[string]dynattr.Value{":s": dynattr.String(status)},
		})
		require.NoError(t, err)
		return page
	}

	page := queryStatus("pending")
	require.Equal(t, 1, page.Count)
	require.True(t, page.Items[0]["v"].Equal(dynattr.Int(1)))

	_, err := env.store.UpdateItem(ctx, UpdateItemParams{
		TableName:        "tasks",
		Key:              idKey("a"),
		UpdateExpression: "SET #s = :active",
		ExpressionNames:  map[string]string{"#s": "status"},
		ExpressionValues: map[string]dynattr.Value{":active": dynattr.String("active")},
	})
	require.NoError(t, err)

	require.Equal(t, 0, queryStatus("pending").Count)
	page = queryStatus("active")
	require.Equal(t, 1, page.Count)
	require.True(t, page.Items[0]["v"].Equal(dynattr.Int(1)))

	// Dropping the index key attribute removes the projection row.
	_, err = env.store.UpdateItem(ctx, UpdateItemParams{
		TableName:        "tasks",
		Key:              idKey("a"),
		UpdateExpression: "REMOVE #s",
		ExpressionNames:  map[string]string{"#s": "status"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, queryStatus("active").Count)

	_, err = env.store.Query(ctx, QueryParams{
		TableName:              "tasks",
		IndexName:              "NoSuchIdx",
		KeyConditionExpression: "#s = :s",
		ExpressionNames:        map[string]string{"#s": "status"},
		ExpressionValues:       map[string]dynattr.Value{":s": dynattr.String("x")},
	})
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "does not have the specified index")
}

func TestQueryGSIProjections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createStatusTable(t, "keysonly", catalog.ProjectionKeysOnly)
	env.put(t, "keysonly", dynattr.Item{
		"id": dynattr.String("a"), "status": dynattr.String("x"), "name": dynattr.String("n"),
	})

	page, err := env.store.Query(ctx, QueryParams{
		TableName:              "keysonly",
		IndexName:              "StatusIdx",
		KeyConditionExpression: "#s = :s",
		ExpressionNames:        map[string]string{"#s": "status"},
		ExpressionValues:       map[string]dynattr.Value{":s": dynattr.String("x")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, page.Count)
	require.ElementsMatch(t, []string{"id", "status"}, itemKeys(page.Items[0]))

	env.createStatusTable(t, "included", catalog.ProjectionInclude, "name")
	env.put(t, "included", dynattr.Item{
		"id": dynattr.String("a"), "status": dynattr.String("x"),
		"name": dynattr.String("n"), "secret": dynattr.String("hidden"),
	})
	page, err = env.store.Query(ctx, QueryParams{
		TableName:              "included",
		IndexName:              "StatusIdx",
		KeyConditionExpression: "#s = :s",
		ExpressionNames:        map[string]string{"#s": "status"},
		ExpressionValues:       map[string]dynattr.Value{":s": dynattr.String("x")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, page.Count)
	require.ElementsMatch(t, []string{"id", "status", "name"}, itemKeys(page.Items[0]))
}

func TestQueryGSIPaging(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createTable(t, &catalog.Table{
		Name:     "byowner",
		HashKey:  catalog.KeyAttribute{Name: "pk", Type: "S"},
		RangeKey: &catalog.KeyAttribute{Name: "sk", Type: "S"},
		Indexes: []catalog.GSI{{
			Name:       "OwnerIdx",
			HashKey:    catalog.KeyAttribute{Name: "owner", Type: "S"},
			RangeKey:   &catalog.KeyAttribute{Name: "due", Type: "S"},
			Projection: catalog.Projection{Type: catalog.ProjectionAll},
		}},
	})
	for i := range 6 {
		env.put(t, "byowner", orderItem("p", fmt.Sprintf("sk%d", i), dynattr.Item{
			"owner": dynattr.String("alice"),
			"due":   dynattr.String(fmt.Sprintf("2025-06-%02d", i+1)),
		}))
	}

	var due []string
	params := QueryParams{
		TableName:              "byowner",
		IndexName:              "OwnerIdx",
		KeyConditionExpression: "#o = :o",
		ExpressionNames:        map[string]string{"#o": "owner"},
		ExpressionValues:       map[string]dynattr.Value{":o": dynattr.String("alice")},
		Limit:                  4,
	}
	for {
		page, err := env.store.Query(ctx, params)
		require.NoError(t, err)
		for _, item := range page.Items {
			due = append(due, item["due"].Str())
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		// Index page cursors carry both the base and the index key.
		require.ElementsMatch(t, []string{"pk", "sk", "owner", "due"}, itemKeys(page.LastEvaluatedKey))
		params.ExclusiveStartKey = page.LastEvaluatedKey
	}
	require.Equal(t, []string{
		"2025-06-01", "2025-06-02", "2025-06-03", "2025-06-04", "2025-06-05", "2025-06-06",
	}, due)
}

func TestScanPaginationWithFilter(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createSimpleTable(t, "inventory")
	for i := range 30 {
		category := "odd"
		if i%2 == 0 {
			category = "even"
		}
		env.put(t, "inventory", dynattr.Item{
			"id":       dynattr.String(fmt.Sprintf("item%02d", i)),
			"category": dynattr.String(category),
		})
	}

	params := ScanParams{
		TableName:        "inventory",
		FilterExpression: "category = :even",
		ExpressionValues: map[string]dynattr.Value{":even": dynattr.String("even")},
		Limit:            10,
	}
	returned, scanned, calls := 0, 0, 0
	for {
		page, err := env.store.Scan(ctx, params)
		require.NoError(t, err)
		returned += page.Count
		scanned += page.ScannedCount
		calls++
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		params.ExclusiveStartKey = page.LastEvaluatedKey
	}
	require.Equal(t, 15, returned)
	require.Equal(t, 30, scanned)
	require.Equal(t, 3, calls)
}

func TestScanCoversEveryItemOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createRangeTable(t, "census")
	want := map[string]int{}
	for i := range 12 {
		pk := fmt.Sprintf("p%d", i%3)
		sk := fmt.Sprintf("s%d", i)
		env.put(t, "census", orderItem(pk, sk))
		want[pk+"/"+sk] = 0
	}

	params := ScanParams{TableName: "census", Limit: 5}
	for {
		page, err := env.store.Scan(ctx, params)
		require.NoError(t, err)
		for _, item := range page.Items {
			want[item["pk"].Str()+"/"+item["sk"].Str()]++
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		params.ExclusiveStartKey = page.LastEvaluatedKey
	}
	for key, count := range want {
		require.Equal(t, 1, count, "item %s", key)
	}
}

func TestScanSegmented(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createSimpleTable(t, "segments")
	for i := range 40 {
		env.put(t, "segments", dynattr.Item{"id": dynattr.String(fmt.Sprintf("key%02d", i))})
	}

	const total = 4
	seen := map[string]int{}
	for segment := range total {
		params := ScanParams{TableName: "segments", Segment: segment, TotalSegments: total, Limit: 7}
		for {
			page, err := env.store.Scan(ctx, params)
			require.NoError(t, err)
			for _, item := range page.Items {
				seen[item["id"].Str()]++
			}
			if len(page.LastEvaluatedKey) == 0 {
				break
			}
			params.ExclusiveStartKey = page.LastEvaluatedKey
		}
	}
	require.Len(t, seen, 40)
	for id, count := range seen {
		require.Equal(t, 1, count, "item %s", id)
	}

	_, err := env.store.Scan(ctx, ScanParams{TableName: "segments", Segment: 4, TotalSegments: 4})
	require.True(t, trace.IsBadParameter(err))
	_, err = env.store.Scan(ctx, ScanParams{TableName: "segments", Segment: 1})
	require.True(t, trace.IsBadParameter(err))
}

func TestScanIndexIsSparse(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createStatusTable(t, "sparse", catalog.ProjectionAll)
	env.put(t, "sparse", dynattr.Item{"id": dynattr.String("a"), "status": dynattr.String("x")})
	env.put(t, "sparse", dynattr.Item{"id": dynattr.String("b")})

	page, err := env.store.Scan(ctx, ScanParams{TableName: "sparse"})
	require.NoError(t, err)
	require.Equal(t, 2, page.Count)

	page, err = env.store.Scan(ctx, ScanParams{TableName: "sparse", IndexName: "StatusIdx"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Count)
	require.True(t, page.Items[0]["id"].Equal(dynattr.String("a")))
}
