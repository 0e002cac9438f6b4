// Package indextest holds the behavioural contract every index backend must
// satisfy. Backend tests call Run with a constructor for a fresh client.
package indextest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metaindex/internal/index/core"
)

const (
	indexA = "test_files_contributions"
	indexB = "test_samples_contributions"
)

// Run exercises the full contract against clients returned by newClient.
func Run(t *testing.T, newClient func(t *testing.T) core.Client) {
	t.Helper()
	cases := map[string]func(*testing.T, core.Client){
		"create conflicts on existing document": testCreateConflict,
		"versioned index checks stored version": testVersionedIndex,
		"unversioned index overwrites":          testUnversionedIndex,
		"delete semantics":                      testDelete,
		"unknown index":                         testUnknownIndex,
		"multi get":                             testMultiGet,
		"search and scan":                       testSearchAndScan,
		"bulk reports per item":                 testBulk,
		"delete indices":                        testDeleteIndices,
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			c := newClient(t)
			t.Cleanup(func() { _ = c.Close() })
			require.NoError(t, c.CreateIndices(context.Background(), []string{indexA, indexB}))
			fn(t, c)
		})
	}
}

func src(v any) json.RawMessage {
	b, _ := json.Marshal(map[string]any{"v": v})
	return b
}

func ptr(v int64) *int64 { return &v }

func testCreateConflict(t *testing.T, c core.Client) {
	ctx := context.Background()
	v, err := c.Write(ctx, core.Action{Op: core.OpCreate, Index: indexA, ID: "d1", Source: src(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = c.Write(ctx, core.Action{Op: core.OpCreate, Index: indexA, ID: "d1", Source: src(2)})
	require.Error(t, err)
	assert.True(t, core.IsConflict(err))
	var ce *core.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "d1", ce.ID)
}

func testVersionedIndex(t *testing.T, c core.Client) {
	ctx := context.Background()
	_, err := c.Write(ctx, core.Action{Op: core.OpIndex, Index: indexA, ID: "d", Version: ptr(1), Source: src(0)})
	assert.True(t, core.IsConflict(err), "expected version on a missing document must conflict")

	_, err = c.Write(ctx, core.Action{Op: core.OpCreate, Index: indexA, ID: "d", Source: src(1)})
	require.NoError(t, err)
	v, err := c.Write(ctx, core.Action{Op: core.OpIndex, Index: indexA, ID: "d", Version: ptr(1), Source: src(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = c.Write(ctx, core.Action{Op: core.OpIndex, Index: indexA, ID: "d", Version: ptr(1), Source: src(3)})
	assert.True(t, core.IsConflict(err), "stale version must conflict")

	res, err := c.MultiGet(ctx, []core.Ref{{Index: indexA, ID: "d"}})
	require.NoError(t, err)
	require.True(t, res[0].Found)
	assert.Equal(t, int64(2), res[0].Hit.Version)
	assert.JSONEq(t, `{"v":2}`, string(res[0].Hit.Source))
}

func testUnversionedIndex(t *testing.T, c core.Client) {
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		v, err := c.Write(ctx, core.Action{Op: core.OpIndex, Index: indexA, ID: "d", Source: src(i)})
		require.NoError(t, err)
		assert.Equal(t, int64(i), v)
	}
}

func testDelete(t *testing.T, c core.Client) {
	ctx := context.Background()
	_, err := c.Write(ctx, core.Action{Op: core.OpDelete, Index: indexA, ID: "missing"})
	require.NoError(t, err, "unconditional delete of a missing document succeeds")
	_, err = c.Write(ctx, core.Action{Op: core.OpDelete, Index: indexA, ID: "missing", Version: ptr(1)})
	assert.True(t, core.IsConflict(err))

	_, err = c.Write(ctx, core.Action{Op: core.OpCreate, Index: indexA, ID: "d", Source: src(1), Terms: map[string]string{"entity_id": "e"}})
	require.NoError(t, err)
	_, err = c.Write(ctx, core.Action{Op: core.OpDelete, Index: indexA, ID: "d", Version: ptr(5)})
	assert.True(t, core.IsConflict(err))
	_, err = c.Write(ctx, core.Action{Op: core.OpDelete, Index: indexA, ID: "d", Version: ptr(1)})
	require.NoError(t, err)

	res, err := c.Search(ctx, core.Query{Field: "entity_id", Terms: map[string][]string{indexA: {"e"}}}, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Total, "deleted documents must leave no terms behind")
}

func testUnknownIndex(t *testing.T, c core.Client) {
	ctx := context.Background()
	_, err := c.Write(ctx, core.Action{Op: core.OpCreate, Index: "nope", ID: "d", Source: src(1)})
	assert.ErrorIs(t, err, core.ErrUnknownIndex)

	res, err := c.MultiGet(ctx, []core.Ref{{Index: "nope", ID: "d"}})
	require.NoError(t, err)
	assert.False(t, res[0].Found)
}

func testMultiGet(t *testing.T, c core.Client) {
	ctx := context.Background()
	_, err := c.Write(ctx, core.Action{Op: core.OpCreate, Index: indexB, ID: "x", Source: src("x")})
	require.NoError(t, err)
	res, err := c.MultiGet(ctx, []core.Ref{{Index: indexB, ID: "y"}, {Index: indexB, ID: "x"}})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.False(t, res[0].Found)
	assert.Equal(t, core.Ref{Index: indexB, ID: "y"}, res[0].Ref)
	assert.True(t, res[1].Found)
	assert.Equal(t, "x", res[1].Hit.ID)
}

func testSearchAndScan(t *testing.T, c core.Client) {
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		entity := "e1"
		if i%2 == 1 {
			entity = "e2"
		}
		for _, index := range []string{indexA, indexB} {
			_, err := c.Write(ctx, core.Action{
				Op: core.OpCreate, Index: index, ID: fmt.Sprintf("doc%02d", i), Source: src(i),
				Terms: map[string]string{"entity_id": entity, "bundle_uuid": "b"},
			})
			require.NoError(t, err)
		}
	}
	q := core.Query{Field: "entity_id", Terms: map[string][]string{indexA: {"e1"}, indexB: {"e2", "e3"}}}

	res, err := c.Search(ctx, q, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Total)
	require.Len(t, res.Hits, 3)
	assert.Equal(t, indexA, res.Hits[0].Index)
	assert.Equal(t, "doc00", res.Hits[0].ID)
	assert.Equal(t, "doc02", res.Hits[1].ID)

	var scanned []string
	pages := 0
	err = c.Scan(ctx, q, 2, func(hits []core.Hit) error {
		pages++
		for _, h := range hits {
			scanned = append(scanned, h.Index+"/"+h.ID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		indexA + "/doc00", indexA + "/doc02", indexA + "/doc04", indexA + "/doc06",
		indexB + "/doc01", indexB + "/doc03", indexB + "/doc05",
	}, scanned)
	assert.Equal(t, 4, pages)

	empty, err := c.Search(ctx, core.Query{Field: "entity_id", Terms: map[string][]string{indexA: {}}}, 10)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
}

func testBulk(t *testing.T, c core.Client) {
	ctx := context.Background()
	_, err := c.Write(ctx, core.Action{Op: core.OpCreate, Index: indexA, ID: "taken", Source: src(0)})
	require.NoError(t, err)
	items, err := c.Bulk(ctx, []core.Action{
		{Op: core.OpCreate, Index: indexA, ID: "fresh", Source: src(1)},
		{Op: core.OpCreate, Index: indexA, ID: "taken", Source: src(2)},
		{Op: core.OpIndex, Index: "nope", ID: "x", Source: src(3)},
	})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.NoError(t, items[0].Err)
	assert.Equal(t, int64(1), items[0].Version)
	assert.True(t, core.IsConflict(items[1].Err))
	assert.ErrorIs(t, items[2].Err, core.ErrUnknownIndex)
}

func testDeleteIndices(t *testing.T, c core.Client) {
	ctx := context.Background()
	_, err := c.Write(ctx, core.Action{Op: core.OpCreate, Index: indexA, ID: "d", Source: src(1), Terms: map[string]string{"entity_id": "e"}})
	require.NoError(t, err)
	require.NoError(t, c.DeleteIndices(ctx, []string{indexA}))

	res, err := c.MultiGet(ctx, []core.Ref{{Index: indexA, ID: "d"}})
	require.NoError(t, err)
	assert.False(t, res[0].Found)
	_, err = c.Write(ctx, core.Action{Op: core.OpCreate, Index: indexA, ID: "d", Source: src(1)})
	assert.ErrorIs(t, err, core.ErrUnknownIndex)

	require.NoError(t, c.CreateIndices(ctx, []string{indexA}))
	_, err = c.Write(ctx, core.Action{Op: core.OpCreate, Index: indexA, ID: "d", Source: src(1)})
	require.NoError(t, err, "recreated index starts empty")
}
