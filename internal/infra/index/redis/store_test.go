package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metaindex/internal/index/core"
	"metaindex/internal/index/indextest"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(rdb, Config{Prefix: "test"}), mr
}

func TestStoreContract(t *testing.T) {
	indextest.Run(t, func(t *testing.T) core.Client {
		s, _ := setupTestStore(t)
		return s
	})
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestNewPingsServer(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	addr := mr.Addr()
	mr.Close()
	_, err := New(context.Background(), Config{Addr: addr})
	require.Error(t, err)
}

func TestKeysAreNamespaced(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateIndices(ctx, []string{"idx"}))
	_, err := s.Write(ctx, core.Action{Op: core.OpCreate, Index: "idx", ID: "d1", Source: []byte(`{}`), Terms: map[string]string{"entity_id": "e"}})
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:doc:idx:d1"))
	members, err := mr.SMembers("test:term:idx:entity_id:e")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, members)
	assert.Equal(t, "1", mr.HGet("test:doc:idx:d1", "version"))
}

func TestReindexMovesTerms(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateIndices(ctx, []string{"idx"}))
	_, err := s.Write(ctx, core.Action{Op: core.OpIndex, Index: "idx", ID: "d", Source: []byte(`{}`), Terms: map[string]string{"entity_id": "old"}})
	require.NoError(t, err)
	_, err = s.Write(ctx, core.Action{Op: core.OpIndex, Index: "idx", ID: "d", Source: []byte(`{}`), Terms: map[string]string{"entity_id": "new"}})
	require.NoError(t, err)

	old, _ := mr.SMembers("test:term:idx:entity_id:old")
	assert.Empty(t, old)
	res, err := s.Search(ctx, core.Query{Field: "entity_id", Terms: map[string][]string{"idx": {"new"}}}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, int64(2), res.Hits[0].Version)
}
