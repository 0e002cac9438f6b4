package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"metaindex/internal/index"
	"metaindex/pkg/domain"
)

const testCatalog = "test"

// fileTransformer turns every metadata document of sourceType into a
// contribution to an entity of entityType with the same id.
type fileTransformer struct {
	entityType domain.EntityType
	sourceType domain.EntityType

	mu       sync.Mutex
	combined [][]*domain.Contribution
}

func (t *fileTransformer) EntityType() domain.EntityType { return t.entityType }

func (t *fileTransformer) Estimate(bundle *domain.Bundle, partition domain.BundlePartition) int {
	n := 0
	for _, e := range bundle.EntitiesOfType(t.sourceType) {
		if partition.Contains(e.Ref.EntityID) {
			n++
		}
	}
	return n
}

func (t *fileTransformer) Transform(bundle *domain.Bundle, partition domain.BundlePartition, deleted bool) ([]*domain.Contribution, error) {
	var out []*domain.Contribution
	for _, e := range bundle.EntitiesOfType(t.sourceType) {
		if !partition.Contains(e.Ref.EntityID) {
			continue
		}
		contents := map[string]any{string(t.entityType): []any{e.Content}}
		out = append(out, domain.NewContribution("", domain.NewEntityReference(t.entityType, e.Ref.EntityID), bundle.FQID, deleted, contents))
	}
	return out, nil
}

func (t *fileTransformer) Combine(_ domain.EntityReference, contributions []*domain.Contribution) (map[string]any, error) {
	t.mu.Lock()
	t.combined = append(t.combined, contributions)
	t.mu.Unlock()
	reconciled, err := ReconcileInnerEntities(t, contributions)
	if err != nil {
		return nil, err
	}
	var names []any
	for _, e := range reconciled[string(t.entityType)] {
		names = append(names, e["name"])
	}
	sort.Slice(names, func(i, j int) bool { return fmt.Sprint(names[i]) < fmt.Sprint(names[j]) })
	return map[string]any{"names": names, "count": len(contributions)}, nil
}

func (t *fileTransformer) InnerEntityID(_ string, entity map[string]any) (string, error) {
	id, _ := entity["document_id"].(string)
	if id == "" {
		return "", errors.New("inner entity without document_id")
	}
	return id, nil
}

func (t *fileTransformer) lastCombined() []*domain.Contribution {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.combined) == 0 {
		return nil
	}
	return t.combined[len(t.combined)-1]
}

type testPlugin struct {
	name         string
	transformers []Transformer
}

func (p testPlugin) Name() string    { return p.name }
func (p testPlugin) Version() string { return "1.0.0" }
func (p testPlugin) Register(r *PluginRegistry) error {
	for _, t := range p.transformers {
		if err := r.RegisterTransformer(t); err != nil {
			return err
		}
	}
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Catalog = testCatalog
	return cfg
}

// newTestService returns a service over client with a files transformer
// installed and its indices created.
func newTestService(t *testing.T, client index.Client, opts ...Option) (*IndexService, *fileTransformer) {
	t.Helper()
	return newTestServiceWithConfig(t, client, testConfig(), opts...)
}

func newTestServiceWithConfig(t *testing.T, client index.Client, cfg Config, opts ...Option) (*IndexService, *fileTransformer) {
	t.Helper()
	files := &fileTransformer{entityType: "files", sourceType: "sequence_file"}
	svc := NewIndexService(client, cfg, opts...)
	_, err := svc.InstallPlugin(testPlugin{name: "test", transformers: []Transformer{
		files,
		&fileTransformer{entityType: "projects", sourceType: "project"},
	}})
	require.NoError(t, err)
	require.NoError(t, svc.CreateIndices(context.Background()))
	return svc, files
}

func fileContribution(fileID, bundleUUID, version string, deleted bool, name string) *domain.Contribution {
	contents := map[string]any{"files": []any{map[string]any{"document_id": fileID, "name": name}}}
	return domain.NewContribution(testCatalog, domain.NewEntityReference("files", fileID), domain.BundleFQID{UUID: bundleUUID, Version: version}, deleted, contents)
}

func testBundle(t *testing.T, uuid, version string, fileIDs ...string) *domain.Bundle {
	t.Helper()
	b := domain.NewBundle(domain.BundleFQID{UUID: uuid, Version: version})
	b.SourceName = "test-source"
	require.NoError(t, b.AddEntity("project_0.json", domain.NewEntityReference("project", "p1"), version, map[string]any{"document_id": "p1", "name": "project"}, false))
	for i, id := range fileIDs {
		key := fmt.Sprintf("sequence_file_%d.json", i)
		require.NoError(t, b.AddEntity(key, domain.NewEntityReference("sequence_file", id), version, map[string]any{"document_id": id, "name": id + ".fastq"}, false))
	}
	return b
}

func readAggregate(t *testing.T, client index.Client, entity domain.EntityReference) *domain.Aggregate {
	t.Helper()
	res, err := client.MultiGet(context.Background(), []index.Ref{{
		Index: domain.IndexName(testCatalog, entity.EntityType, domain.DocumentAggregate),
		ID:    entity.EntityID,
	}})
	require.NoError(t, err)
	if !res[0].Found {
		return nil
	}
	agg, err := domain.AggregateFromSource(testCatalog, res[0].Hit.Version, res[0].Hit.Source)
	require.NoError(t, err)
	return agg
}

// scriptedClient wraps an index client and lets tests intercept calls.
type scriptedClient struct {
	index.Client

	mu        sync.Mutex
	writes    int
	bulks     int
	onWrite   func(n int, a index.Action) (bool, int64, error)
	onBulk    func(n int, actions []index.Action) (bool, []index.BulkItem, error)
	filterHit func(index.Hit) bool
}

func (c *scriptedClient) Write(ctx context.Context, a index.Action) (int64, error) {
	c.mu.Lock()
	c.writes++
	n := c.writes
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		if handled, v, err := hook(n, a); handled {
			return v, err
		}
	}
	return c.Client.Write(ctx, a)
}

func (c *scriptedClient) Bulk(ctx context.Context, actions []index.Action) ([]index.BulkItem, error) {
	c.mu.Lock()
	c.bulks++
	n := c.bulks
	hook := c.onBulk
	c.mu.Unlock()
	if hook != nil {
		if handled, items, err := hook(n, actions); handled {
			return items, err
		}
	}
	return c.Client.Bulk(ctx, actions)
}

func (c *scriptedClient) Search(ctx context.Context, q index.Query, size int) (index.SearchResult, error) {
	res, err := c.Client.Search(ctx, q, size)
	if err != nil || c.filterHit == nil {
		return res, err
	}
	kept := res.Hits[:0]
	for _, h := range res.Hits {
		if c.filterHit(h) {
			kept = append(kept, h)
		}
	}
	res.Total -= len(res.Hits) - len(kept)
	res.Hits = kept
	return res, nil
}

func (c *scriptedClient) Scan(ctx context.Context, q index.Query, pageSize int, fn func([]index.Hit) error) error {
	return c.Client.Scan(ctx, q, pageSize, func(hits []index.Hit) error {
		if c.filterHit == nil {
			return fn(hits)
		}
		var kept []index.Hit
		for _, h := range hits {
			if c.filterHit(h) {
				kept = append(kept, h)
			}
		}
		return fn(kept)
	})
}

func (c *scriptedClient) bulkCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bulks
}
