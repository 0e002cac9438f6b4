package repository

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metaindex/internal/blob"
	"metaindex/pkg/domain"
)

const (
	bundleUUID  = "aaaaaaaa-1111-4222-8333-444444444444"
	otherUUID   = "bbbbbbbb-1111-4222-8333-444444444444"
	testVersion = "2021-01-01T00:00:00.000000Z"
)

func cannedBundle(t *testing.T, uuid, version string) *domain.Bundle {
	t.Helper()
	b := domain.NewBundle(domain.BundleFQID{UUID: uuid, Version: version})
	require.NoError(t, b.AddEntity("project_0.json", domain.NewEntityReference("project", "p1"), version, map[string]any{"project_core": map[string]any{"project_short_name": "demo"}}, false))
	require.NoError(t, b.AddEntity("sequence_file_0.json", domain.NewEntityReference("sequence_file", "f1"), version, map[string]any{"file_core": map[string]any{"file_name": "r1.fastq.gz"}}, true))
	b.Manifest = append(b.Manifest, domain.ManifestEntry{Name: "r1.fastq.gz", UUID: "f1", Version: version, Size: 1024})
	return b
}

func stores(t *testing.T) map[string]blob.Store {
	t.Helper()
	fs, err := blob.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return map[string]blob.Store{
		"memory": blob.NewMemory(),
		"fs":     fs,
		"s3":     blob.NewMockS3ForTests(),
	}
}

func TestCannedRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := NewCannedRepository(store, "canned:test", WithFetchWorkers(2))
			original := cannedBundle(t, bundleUUID, testVersion)
			require.NoError(t, repo.Can(ctx, original))
			require.NoError(t, repo.Can(ctx, original), "canning twice overwrites")

			got, err := repo.FetchBundle(ctx, original.FQID)
			require.NoError(t, err)
			assert.Equal(t, "canned:test", got.SourceName)
			assert.Equal(t, original.Manifest, got.Manifest)
			assert.Len(t, got.MetadataFiles, 2)
			assert.Equal(t, "demo", got.MetadataFiles["project_0.json"]["project_core"].(map[string]any)["project_short_name"])

			files := got.EntitiesOfType("sequence_file")
			require.Len(t, files, 1)
			assert.True(t, files[0].Stitched)
			assert.False(t, got.EntitiesOfType("project")[0].Stitched)
		})
	}
}

func TestCannedListAndLatest(t *testing.T) {
	ctx := context.Background()
	repo := NewCannedRepository(blob.NewMemory(), "canned:test")
	require.NoError(t, repo.Can(ctx, cannedBundle(t, bundleUUID, "2021-01-01T00:00:00.000000Z")))
	require.NoError(t, repo.Can(ctx, cannedBundle(t, bundleUUID, "2022-01-01T00:00:00.000000Z")))
	require.NoError(t, repo.Can(ctx, cannedBundle(t, otherUUID, testVersion)))

	all, err := repo.ListBundles(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, bundleUUID, all[0].UUID)
	assert.Equal(t, otherUUID, all[2].UUID)

	some, err := repo.ListBundles(ctx, "aa")
	require.NoError(t, err)
	assert.Len(t, some, 2)

	_, err = repo.ListBundles(ctx, "AZ")
	require.Error(t, err)

	latest, err := repo.FetchBundle(ctx, domain.BundleFQID{UUID: bundleUUID})
	require.NoError(t, err)
	assert.Equal(t, "2022-01-01T00:00:00.000000Z", latest.FQID.Version)
}

func TestCannedMissingBundle(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	repo := NewCannedRepository(store, "canned:test")

	_, err := repo.FetchBundle(ctx, domain.BundleFQID{UUID: bundleUUID, Version: testVersion})
	require.ErrorIs(t, err, ErrBundleNotFound)
	_, err = repo.FetchBundle(ctx, domain.BundleFQID{UUID: bundleUUID})
	require.ErrorIs(t, err, ErrBundleNotFound)

	// A manifest listing a file that was never written fails the fetch.
	manifest := `[{"name":"project_0.json","uuid":"p1","version":"1","content-type":"application/json","size":0,"indexed":true,"entity_type":"project"}]`
	_, err = store.Put(ctx, "bundles/"+bundleUUID+"/"+testVersion+"/manifest.json", bytes.NewReader([]byte(manifest)), blob.PutOptions{})
	require.NoError(t, err)
	_, err = repo.FetchBundle(ctx, domain.BundleFQID{UUID: bundleUUID, Version: testVersion})
	require.ErrorIs(t, err, blob.ErrNotFound)
}

func TestCanRejectsInvalidBundles(t *testing.T) {
	ctx := context.Background()
	repo := NewCannedRepository(blob.NewMemory(), "canned:test")
	require.Error(t, repo.Can(ctx, cannedBundle(t, "not-a-uuid", testVersion)))

	b := domain.NewBundle(domain.BundleFQID{UUID: bundleUUID, Version: testVersion})
	require.NoError(t, b.AddEntity("../escape.json", domain.NewEntityReference("project", "p"), testVersion, map[string]any{}, false))
	require.Error(t, repo.Can(ctx, b))
}

func TestValidateUUIDPrefix(t *testing.T) {
	for _, ok := range []string{"", "a", "aaaaaaaa-", bundleUUID} {
		assert.NoError(t, ValidateUUIDPrefix(ok), ok)
	}
	for _, bad := range []string{"g", "aaaaaaaaa", "A", bundleUUID + "0"} {
		assert.Error(t, ValidateUUIDPrefix(bad), bad)
	}
}
