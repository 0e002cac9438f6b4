package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"metaindex/internal/blob"
	"metaindex/internal/core"
	"metaindex/pkg/domain"
)

const (
	cannedPrefix     = "bundles/"
	manifestFile     = "manifest.json"
	stitchedFile     = "stitched.json"
	cannedJSONType   = "application/json"
	defaultFetchJobs = 8
)

// CannedRepository serves bundles stored in a blob store under
// bundles/{uuid}/{version}/: a manifest.json listing the files, one object
// per metadata file named after its manifest entry, and an optional
// stitched.json with the ids of entities pulled in from other bundles.
type CannedRepository struct {
	store      blob.Store
	sourceName string
	workers    int
	logger     core.Logger
}

// CannedOption configures a CannedRepository.
type CannedOption func(*CannedRepository)

// WithCannedLogger sets the repository logger.
func WithCannedLogger(l core.Logger) CannedOption {
	return func(r *CannedRepository) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithFetchWorkers bounds the number of metadata files read concurrently.
func WithFetchWorkers(n int) CannedOption {
	return func(r *CannedRepository) {
		if n > 0 {
			r.workers = n
		}
	}
}

// NewCannedRepository reads bundles from store and labels them with sourceName.
func NewCannedRepository(store blob.Store, sourceName string, opts ...CannedOption) *CannedRepository {
	r := &CannedRepository{store: store, sourceName: sourceName, workers: defaultFetchJobs, logger: core.NewNoopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func bundleDir(fqid domain.BundleFQID) string {
	return cannedPrefix + fqid.UUID + "/" + fqid.Version + "/"
}

// ListBundles lists the canned bundles whose UUID starts with prefix.
func (r *CannedRepository) ListBundles(ctx context.Context, prefix string) ([]domain.BundleFQID, error) {
	if err := ValidateUUIDPrefix(prefix); err != nil {
		return nil, err
	}
	infos, err := r.store.List(ctx, cannedPrefix+prefix)
	if err != nil {
		return nil, fmt.Errorf("list canned bundles: %w", err)
	}
	var out []domain.BundleFQID
	for _, info := range infos {
		parts := strings.Split(strings.TrimPrefix(info.Key, cannedPrefix), "/")
		if len(parts) != 3 || parts[2] != manifestFile {
			continue
		}
		out = append(out, domain.BundleFQID{UUID: parts[0], Version: parts[1]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	r.logger.Info("listed canned bundles", "prefix", prefix, "source", r.sourceName, "count", len(out))
	return out, nil
}

func (r *CannedRepository) latestVersion(ctx context.Context, uuid string) (string, error) {
	fqids, err := r.ListBundles(ctx, uuid)
	if err != nil {
		return "", err
	}
	latest := ""
	for _, f := range fqids {
		if f.UUID == uuid && f.Version > latest {
			latest = f.Version
		}
	}
	if latest == "" {
		return "", fmt.Errorf("bundle %s: %w", uuid, ErrBundleNotFound)
	}
	return latest, nil
}

// FetchBundle reads the manifest and every indexed metadata file of a bundle.
func (r *CannedRepository) FetchBundle(ctx context.Context, fqid domain.BundleFQID) (*domain.Bundle, error) {
	if fqid.Version == "" {
		version, err := r.latestVersion(ctx, fqid.UUID)
		if err != nil {
			return nil, err
		}
		fqid.Version = version
	}
	dir := bundleDir(fqid)
	var manifest []domain.ManifestEntry
	if err := r.readJSON(ctx, dir+manifestFile, &manifest); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("bundle %s: %w", fqid, ErrBundleNotFound)
		}
		return nil, err
	}
	var stitched []string
	if err := r.readJSON(ctx, dir+stitchedFile, &stitched); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return nil, err
	}

	bundle := domain.NewBundle(fqid)
	bundle.SourceName = r.sourceName
	bundle.Manifest = manifest
	for _, id := range stitched {
		bundle.Stitched[id] = struct{}{}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, entry := range manifest {
		if !entry.Indexed {
			continue
		}
		g.Go(func() error {
			var content map[string]any
			if err := r.readJSON(gctx, dir+entry.Name, &content); err != nil {
				return err
			}
			mu.Lock()
			bundle.MetadataFiles[entry.Name] = content
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch bundle %s: %w", fqid, err)
	}
	r.logger.Info("fetched canned bundle", "bundle", fqid.String(), "files", len(bundle.MetadataFiles))
	return bundle, nil
}

// Can writes bundle into the store, replacing a previous copy.
func (r *CannedRepository) Can(ctx context.Context, bundle *domain.Bundle) error {
	if err := bundle.FQID.Validate(); err != nil {
		return err
	}
	dir := bundleDir(bundle.FQID)
	for _, entry := range bundle.Manifest {
		content, ok := bundle.MetadataFiles[entry.Name]
		if !entry.Indexed || !ok {
			continue
		}
		if err := validName(entry.Name); err != nil {
			return err
		}
		if err := r.writeJSON(ctx, dir+entry.Name, content); err != nil {
			return err
		}
	}
	if len(bundle.Stitched) > 0 {
		ids := make([]string, 0, len(bundle.Stitched))
		for id := range bundle.Stitched {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if err := r.writeJSON(ctx, dir+stitchedFile, ids); err != nil {
			return err
		}
	}
	// The manifest goes last so a partially canned bundle is never listed.
	if err := r.writeJSON(ctx, dir+manifestFile, bundle.Manifest); err != nil {
		return err
	}
	r.logger.Info("canned bundle", "bundle", bundle.FQID.String(), "files", len(bundle.MetadataFiles))
	return nil
}

func validName(name string) error {
	if name == manifestFile || name == stitchedFile || name != path.Base(name) {
		return fmt.Errorf("invalid metadata file name %q", name)
	}
	return nil
}

func (r *CannedRepository) readJSON(ctx context.Context, key string, v any) error {
	_, rc, err := r.store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	body, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (r *CannedRepository) writeJSON(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = r.store.Put(ctx, key, bytes.NewReader(body), blob.PutOptions{ContentType: cannedJSONType, Overwrite: true})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
