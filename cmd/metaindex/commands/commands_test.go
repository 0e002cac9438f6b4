package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metaindex/internal/blob"
	"metaindex/internal/config"
	"metaindex/internal/index"
	"metaindex/internal/repository"
	"metaindex/internal/repository/snapshot"
	"metaindex/pkg/domain"
)

const (
	bundleUUID = "7c5c2a2e-2f7e-4e0d-9a4b-0a8c3b6c9f11"
	bundleV1   = "2021-01-01T00:00:00.000000Z"
	bundleV2   = "2022-01-01T00:00:00.000000Z"
)

type testEnv struct {
	cfg      *config.Config
	blobRoot string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Catalog = "test"
	cfg.Index.Driver = string(index.DriverSQLite)
	cfg.Index.SQLitePath = filepath.Join(dir, "index.db")
	cfg.Blob.FSRoot = filepath.Join(dir, "blobs")
	require.NoError(t, cfg.Validate())

	prevLoad, prevColor := loadConfig, color.NoColor
	loadConfig = func(string) (*config.Config, error) {
		c := cfg
		return &c, nil
	}
	color.NoColor = true
	t.Cleanup(func() {
		loadConfig, color.NoColor = prevLoad, prevColor
	})
	return &testEnv{cfg: &cfg, blobRoot: cfg.Blob.FSRoot}
}

func (e *testEnv) canned(t *testing.T) *repository.CannedRepository {
	t.Helper()
	store, err := blob.NewFilesystem(e.blobRoot)
	require.NoError(t, err)
	return repository.NewCannedRepository(store, "canned")
}

func cannedBundle(t *testing.T, version string, fileIDs ...string) *domain.Bundle {
	t.Helper()
	b := domain.NewBundle(domain.BundleFQID{UUID: bundleUUID, Version: version})
	require.NoError(t, b.AddEntity("project_0.json", domain.NewEntityReference("project", "p1"), version,
		map[string]any{"project_core": map[string]any{"project_short_name": "Lung"}}, false))
	for i, id := range fileIDs {
		content := map[string]any{"file_core": map[string]any{"file_name": id + ".fastq", "format": "fastq", "file_size": 10}}
		require.NoError(t, b.AddEntity("sequence_file_"+string(rune('0'+i))+".json", domain.NewEntityReference("sequence_file", id), version, content, false))
	}
	b.SortManifest()
	return b
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func (e *testEnv) readAggregate(t *testing.T, entity domain.EntityReference) *domain.Aggregate {
	t.Helper()
	ctx := context.Background()
	client, err := index.Open(ctx, e.cfg.IndexConfig())
	require.NoError(t, err)
	defer client.Close()
	res, err := client.MultiGet(ctx, []index.Ref{{
		Index: domain.IndexName(e.cfg.Catalog, entity.EntityType, domain.DocumentAggregate),
		ID:    entity.EntityID,
	}})
	require.NoError(t, err)
	if !res[0].Found {
		return nil
	}
	agg, err := domain.AggregateFromSource(e.cfg.Catalog, res[0].Hit.Version, res[0].Hit.Source)
	require.NoError(t, err)
	return agg
}

func TestIndexAndDeleteCannedBundles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	canned := env.canned(t)
	require.NoError(t, canned.Can(ctx, cannedBundle(t, bundleV1, "f1")))
	require.NoError(t, canned.Can(ctx, cannedBundle(t, bundleV2, "f1", "f2")))

	out, _, err := run(t, "create-indices")
	require.NoError(t, err)
	assert.Contains(t, out, "test_files_aggregates")
	assert.Contains(t, out, "✓ created 8 indices in catalog test")

	out, _, err = run(t, "index", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ indexed bundle "+bundleUUID+"."+bundleV2)
	assert.NotContains(t, out, bundleV1)
	assert.Contains(t, out, "writes success")

	project := env.readAggregate(t, domain.NewEntityReference("projects", "p1"))
	require.NotNil(t, project)
	assert.Len(t, project.Contents["files"], 2)

	out, _, err = run(t, "delete", bundleUUID+"."+bundleV2)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ deleted bundle")
	assert.True(t, env.readAggregate(t, domain.NewEntityReference("files", "f2")).Tombstoned())

	out, _, err = run(t, "aggregate", "files/f2")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ aggregated 1 entities")
}

func TestIndexReportsFailures(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.canned(t).Can(context.Background(), cannedBundle(t, bundleV1, "f1")))
	missing := "11111111-1111-4111-8111-111111111111." + bundleV1

	_, errOut, err := run(t, "index", "--create-indices", missing)
	require.Error(t, err)
	assert.Contains(t, errOut, "Failed to index bundle 11111111-1111-4111-8111-111111111111")
	assert.ErrorIs(t, err, repository.ErrBundleNotFound)

	out, _, err := run(t, "index", "--keep-going", missing, bundleUUID)
	require.Error(t, err)
	assert.Contains(t, out, "⚠️  failed to index bundle")
	assert.Contains(t, out, "✓ indexed bundle "+bundleUUID)
	assert.Contains(t, err.Error(), "Failed to index 1 of 2 bundles")
}

func TestListAndSelection(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.canned(t).Can(context.Background(), cannedBundle(t, bundleV1, "f1")))

	out, _, err := run(t, "list", "--prefix", "7c5c")
	require.NoError(t, err)
	assert.Contains(t, out, bundleUUID+"."+bundleV1)
	assert.Contains(t, out, "✓ 1 bundles")

	_, errOut, err := run(t, "index")
	require.Error(t, err)
	assert.Contains(t, errOut, "No bundles selected")

	_, _, err = run(t, "index", "--all", bundleUUID)
	assert.ErrorContains(t, err, "cannot be combined")
}

func TestCanCopiesSnapshotBundles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "snapshot.db")
	source, err := snapshot.OpenSQLSource(ctx, dsn)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	fqid := domain.BundleFQID{UUID: bundleUUID, Version: bundleV1}
	require.NoError(t, source.PutLinks(ctx, snapshot.LinksRow{
		Bundle:     fqid,
		ProjectID:  "p1",
		SchemaType: "links",
		Content: map[string]any{"links": []any{map[string]any{
			"link_type":    "process_link",
			"process_type": "process",
			"process_id":   "proc1",
			"inputs":       []any{map[string]any{"input_type": "specimen_from_organism", "input_id": "s1"}},
			"outputs":      []any{map[string]any{"output_type": "sequence_file", "output_id": "f1"}},
			"protocols":    []any{},
		}}},
	}))
	for entityType, id := range map[domain.EntityType]string{"project": "p1", "process": "proc1", "specimen_from_organism": "s1", "sequence_file": "f1"} {
		require.NoError(t, source.PutEntity(ctx, entityType, snapshot.EntityRow{ID: id, Version: "1", Content: map[string]any{"id": id}}))
	}
	require.NoError(t, source.Close())

	out, _, err := run(t, "can", "--snapshot", dsn, bundleUUID)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ canned bundle "+fqid.String()+" (5 files, 0 stitched)")

	bundle, err := env.canned(t).FetchBundle(ctx, fqid)
	require.NoError(t, err)
	assert.Contains(t, bundle.MetadataFiles, snapshot.LinksFile)
	assert.True(t, bundle.HasEntityType("project"))
}

func TestDeleteIndicesRequiresForce(t *testing.T) {
	newTestEnv(t)
	_, errOut, err := run(t, "delete-indices")
	require.Error(t, err)
	assert.Contains(t, errOut, "pass --force")

	out, _, err := run(t, "delete-indices", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ deleted 8 indices")
}

func TestAggregateRejectsMalformedEntities(t *testing.T) {
	newTestEnv(t)
	_, errOut, err := run(t, "aggregate", "files")
	require.Error(t, err)
	assert.Contains(t, errOut, "entity_type/entity_id")
}

func TestParseBundleArg(t *testing.T) {
	fqid, err := parseBundleArg(bundleUUID + "." + bundleV1)
	require.NoError(t, err)
	assert.Equal(t, domain.BundleFQID{UUID: bundleUUID, Version: bundleV1}, fqid)

	fqid, err = parseBundleArg(bundleUUID)
	require.NoError(t, err)
	assert.Empty(t, fqid.Version)

	_, err = parseBundleArg("not-a-uuid.v1")
	assert.Error(t, err)
}

func TestLatestOnly(t *testing.T) {
	in := []domain.BundleFQID{{UUID: "a", Version: "1"}, {UUID: "a", Version: "2"}, {UUID: "b", Version: "1"}}
	assert.Equal(t, []domain.BundleFQID{{UUID: "a", Version: "2"}, {UUID: "b", Version: "1"}}, latestOnly(in))
	assert.Empty(t, latestOnly(nil))
}
