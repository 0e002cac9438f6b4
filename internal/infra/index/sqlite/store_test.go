package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"metaindex/internal/index/core"
	"metaindex/internal/index/indextest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := NewStore(context.Background(), path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	return s
}

func TestStoreContract(t *testing.T) {
	indextest.Run(t, func(t *testing.T) core.Client { return newTestStore(t) })
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "index.db")
	ctx := context.Background()
	s, err := NewStore(ctx, path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if err := s.CreateIndices(ctx, []string{"i"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Write(ctx, core.Action{Op: core.OpCreate, Index: "i", ID: "d", Source: []byte(`{"x":1}`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	if reopened.Path() != path {
		t.Fatalf("unexpected path %s", reopened.Path())
	}
	res, err := reopened.MultiGet(ctx, []core.Ref{{Index: "i", ID: "d"}})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !res[0].Found || res[0].Hit.Version != 1 {
		t.Fatalf("document lost across reopen: %+v", res[0])
	}
}
