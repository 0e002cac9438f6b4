package hca

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metaindex/internal/core"
	"metaindex/internal/index"
	"metaindex/pkg/domain"
)

const testCatalog = "test"

func fileContent(name, format string, size int) map[string]any {
	return map[string]any{"file_core": map[string]any{"file_name": name, "format": format, "file_size": size}}
}

func testBundle(t *testing.T, uuid, version string) *domain.Bundle {
	t.Helper()
	b := domain.NewBundle(domain.BundleFQID{UUID: uuid, Version: version})
	b.SourceName = "canned"
	add := func(key, entityType, id string, content map[string]any, stitched bool) {
		require.NoError(t, b.AddEntity(key, domain.NewEntityReference(domain.EntityType(entityType), id), version, content, stitched))
	}
	add("links.json", "links", uuid, map[string]any{"links": []any{}}, false)
	add("project_0.json", "project", "p1", map[string]any{"project_core": map[string]any{"project_short_name": "Lung", "project_title": "Lung atlas"}}, false)
	add("donor_organism_0.json", "donor_organism", "d1", map[string]any{"sex": "female", "genus_species": map[string]any{"text": "Homo sapiens"}}, false)
	add("specimen_from_organism_0.json", "specimen_from_organism", "s1", map[string]any{"organ": map[string]any{"text": "lung"}}, false)
	add("sequence_file_0.json", "sequence_file", "f1", fileContent("r1.fastq.gz", "fastq.gz", 100), false)
	add("sequence_file_1.json", "sequence_file", "f2", fileContent("r2.fastq.gz", "fastq.gz", 50), false)
	add("analysis_file_0.json", "analysis_file", "a1", fileContent("out.bam", "bam", 1000), true)
	b.SortManifest()
	return b
}

func newService(t *testing.T) (*core.IndexService, index.Client) {
	t.Helper()
	client := index.NewMemory()
	cfg := core.DefaultConfig()
	cfg.Catalog = testCatalog
	svc := core.NewIndexService(client, cfg)
	meta, err := svc.InstallPlugin(New())
	require.NoError(t, err)
	assert.Equal(t, "hca", meta.Name)
	require.NoError(t, svc.CreateIndices(context.Background()))
	return svc, client
}

func readAggregate(t *testing.T, client index.Client, entity domain.EntityReference) *domain.Aggregate {
	t.Helper()
	res, err := client.MultiGet(context.Background(), []index.Ref{{
		Index: domain.IndexName(testCatalog, entity.EntityType, domain.DocumentAggregate),
		ID:    entity.EntityID,
	}})
	require.NoError(t, err)
	require.True(t, res[0].Found, "aggregate %s not found", entity)
	agg, err := domain.AggregateFromSource(testCatalog, res[0].Hit.Version, res[0].Hit.Source)
	require.NoError(t, err)
	return agg
}

func TestRegisterInstallsEveryEntityType(t *testing.T) {
	svc, _ := newService(t)
	assert.Equal(t, []domain.EntityType{Bundles, Files, Projects, Samples}, svc.EntityTypes())
}

func TestTransformSkipsStitchedFiles(t *testing.T) {
	svc, _ := newService(t)
	contributions, err := svc.Transform(testBundle(t, "b1", "v1"), false)
	require.NoError(t, err)

	byEntity := make(map[domain.EntityReference]*domain.Contribution)
	for _, c := range contributions {
		byEntity[c.Entity] = c
	}
	assert.Len(t, contributions, 5)
	assert.NotContains(t, byEntity, domain.NewEntityReference(Files, "a1"))

	f1 := byEntity[domain.NewEntityReference(Files, "f1")]
	require.NotNil(t, f1)
	assert.Equal(t, testCatalog, f1.Catalog)
	assert.Equal(t, "canned", f1.SourceName)
	files := f1.Contents[innerFiles].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "r1.fastq.gz", files[0].(map[string]any)["file_name"])
	assert.Len(t, f1.Contents[innerSamples], 1)

	bundle := byEntity[domain.NewEntityReference(Bundles, "b1")]
	require.NotNil(t, bundle)
	assert.Len(t, bundle.Contents[innerFiles], 3)
}

func TestIndexSummarisesFilesPerFormat(t *testing.T) {
	ctx := context.Background()
	svc, client := newService(t)
	require.NoError(t, svc.Index(ctx, testBundle(t, "b1", "v1")))

	second := domain.NewBundle(domain.BundleFQID{UUID: "b2", Version: "v1"})
	require.NoError(t, second.AddEntity("project_0.json", domain.NewEntityReference("project", "p1"), "v1", map[string]any{"project_core": map[string]any{"project_short_name": "Lung"}}, false))
	require.NoError(t, second.AddEntity("analysis_file_0.json", domain.NewEntityReference("analysis_file", "f3"), "v1", fileContent("more.bam", "bam", 7), false))
	require.NoError(t, svc.Index(ctx, second))

	agg := readAggregate(t, client, domain.NewEntityReference(Projects, "p1"))
	assert.Equal(t, 2, agg.NumContributions)
	assert.Len(t, agg.Contents[innerBundles], 2)
	assert.Len(t, agg.Contents[innerFiles], 4)
	assert.Equal(t, []any{
		map[string]any{"format": "bam", "count": float64(2), "total_size": float64(1007)},
		map[string]any{"format": "fastq.gz", "count": float64(2), "total_size": float64(150)},
	}, agg.Contents[fileSummary])

	projects := agg.Contents[innerProjects].([]any)
	require.Len(t, projects, 1)
	assert.Equal(t, "Lung", projects[0].(map[string]any)["project_short_name"])

	sample := readAggregate(t, client, domain.NewEntityReference(Samples, "s1"))
	assert.Equal(t, 1, sample.NumContributions)
	assert.Len(t, sample.Contents[innerDonors], 1)
}

func TestCombinePrefersNewestBundle(t *testing.T) {
	tr := &transformer{entityType: Files, roots: (*bundleView).fileRoots}
	entity := domain.NewEntityReference(Files, "f1")
	contribution := func(version, name string) *domain.Contribution {
		contents := map[string]any{innerFiles: []any{map[string]any{"document_id": "f1", "file_name": name, "file_format": "bam", "file_size": float64(5)}}}
		return domain.NewContribution(testCatalog, entity, domain.BundleFQID{UUID: "b1", Version: version}, false, contents)
	}

	combined, err := tr.Combine(entity, []*domain.Contribution{contribution("v1", "old.bam"), contribution("v2", "new.bam")})
	require.NoError(t, err)
	files := combined[innerFiles].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "new.bam", files[0].(map[string]any)["file_name"])
	assert.Equal(t, []any{}, combined[innerSamples])
	assert.Equal(t, []any{map[string]any{"format": "bam", "count": 1, "total_size": float64(5)}}, combined[fileSummary])
}

func TestInnerEntityIDRequiresDocumentID(t *testing.T) {
	tr := &transformer{entityType: Files}
	id, err := tr.InnerEntityID(innerFiles, map[string]any{"document_id": "f1"})
	require.NoError(t, err)
	assert.Equal(t, "f1", id)
	_, err = tr.InnerEntityID(innerFiles, map[string]any{})
	assert.ErrorContains(t, err, "files entity without document_id")
}

func TestSummarizeFilesUnknownFormat(t *testing.T) {
	got := summarizeFiles([]map[string]any{{"file_size": 3}, {"file_format": "", "file_size": int64(4)}})
	assert.Equal(t, []any{map[string]any{"format": "unknown", "count": 2, "total_size": float64(7)}}, got)
}

func TestEstimateMatchesPartitionedTransform(t *testing.T) {
	b := testBundle(t, "b1", "v1")
	files := &transformer{entityType: Files, roots: (*bundleView).fileRoots}
	assert.Equal(t, 2, files.Estimate(b, domain.RootPartition))

	total := 0
	for _, half := range domain.RootPartition.Divide(2) {
		contributions, err := files.Transform(b, half, false)
		require.NoError(t, err)
		assert.Len(t, contributions, files.Estimate(b, half))
		for _, c := range contributions {
			assert.True(t, half.Contains(c.Entity.EntityID))
		}
		total += len(contributions)
	}
	assert.Equal(t, 2, total)
}

func TestIndexPartitionedBundle(t *testing.T) {
	ctx := context.Background()
	client := index.NewMemory()
	cfg := core.DefaultConfig()
	cfg.Catalog = testCatalog
	cfg.MaxPartitionSize = 2
	svc := core.NewIndexService(client, cfg)
	_, err := svc.InstallPlugin(New())
	require.NoError(t, err)
	require.NoError(t, svc.CreateIndices(ctx))

	require.NoError(t, svc.Index(ctx, testBundle(t, "b1", "v1")))
	for _, entity := range []domain.EntityReference{
		domain.NewEntityReference(Projects, "p1"),
		domain.NewEntityReference(Samples, "s1"),
		domain.NewEntityReference(Files, "f1"),
		domain.NewEntityReference(Files, "f2"),
		domain.NewEntityReference(Bundles, "b1"),
	} {
		assert.Equal(t, 1, readAggregate(t, client, entity).NumContributions, entity.String())
	}
}
