package memory

import (
	"context"
	"testing"

	"metaindex/internal/index/core"
	"metaindex/internal/index/indextest"
)

func TestStoreContract(t *testing.T) {
	indextest.Run(t, func(*testing.T) core.Client { return New() })
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Write(ctx, core.Action{Op: core.OpCreate, Index: "i", ID: "d"}); err == nil {
		t.Fatalf("expected context error")
	}
	if _, err := s.Bulk(ctx, []core.Action{{Op: core.OpCreate, Index: "i", ID: "d"}}); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestStoreCopiesSources(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateIndices(ctx, []string{"i"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	source := []byte(`{"a":1}`)
	if _, err := s.Write(ctx, core.Action{Op: core.OpIndex, Index: "i", ID: "d", Source: source}); err != nil {
		t.Fatalf("write: %v", err)
	}
	source[2] = 'b'
	res, err := s.MultiGet(ctx, []core.Ref{{Index: "i", ID: "d"}})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(res[0].Hit.Source) != `{"a":1}` {
		t.Fatalf("stored source aliased caller buffer: %s", res[0].Hit.Source)
	}
}
