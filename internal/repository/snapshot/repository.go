package snapshot

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"golang.org/x/sync/errgroup"

	"metaindex/internal/core"
	"metaindex/internal/repository"
	"metaindex/pkg/domain"
)

const (
	// LinksFile is the manifest name of the merged links document.
	LinksFile = "links.json"
	// LinksEntityType is the entity type recorded for LinksFile.
	LinksEntityType domain.EntityType = "links"

	defaultWorkers = 8
)

// Repository emulates bundles from a snapshot Source.
type Repository struct {
	source     Source
	sourceName string
	batchSize  int
	workers    int
	logger     core.Logger
}

var _ repository.Repository = (*Repository)(nil)

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(l core.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithBatchSize bounds the bundles or outputs named in one source query.
func WithBatchSize(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithWorkers bounds the entity types retrieved concurrently.
func WithWorkers(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.workers = n
		}
	}
}

// NewRepository serves the bundles of source labelled with sourceName.
func NewRepository(source Source, sourceName string, opts ...Option) *Repository {
	r := &Repository{
		source:     source,
		sourceName: sourceName,
		batchSize:  DefaultBatchSize,
		workers:    defaultWorkers,
		logger:     core.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListBundles implements repository.Repository.
func (r *Repository) ListBundles(ctx context.Context, prefix string) ([]domain.BundleFQID, error) {
	return r.source.ListBundles(ctx, prefix)
}

// FetchBundle stitches the bundle identified by fqid and retrieves every
// entity of the closure. Entities outside the root links are marked stitched.
func (r *Repository) FetchBundle(ctx context.Context, fqid domain.BundleFQID) (*domain.Bundle, error) {
	if fqid.Version == "" {
		latest, err := r.latestVersion(ctx, fqid.UUID)
		if err != nil {
			return nil, err
		}
		fqid = latest
	}
	if err := fqid.Validate(); err != nil {
		return nil, err
	}
	stitched, err := NewStitcher(r.source, r.batchSize, r.logger).Stitch(ctx, fqid)
	if err != nil {
		return nil, err
	}
	links, err := MergeLinks(stitched.Links)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", fqid, err)
	}
	bundle := domain.NewBundle(fqid)
	bundle.SourceName = r.sourceName
	if err := bundle.AddEntity(LinksFile, domain.NewEntityReference(LinksEntityType, fqid.UUID), fqid.Version, links.Document(), false); err != nil {
		return nil, err
	}
	types := slices.Sorted(maps.Keys(stitched.Entities))
	rows, err := r.retrieveEntities(ctx, fqid, types, stitched.Entities)
	if err != nil {
		return nil, err
	}
	for i, entityType := range types {
		for j, row := range rows[i] {
			ref := domain.NewEntityReference(entityType, row.ID)
			key := fmt.Sprintf("%s_%d.json", entityType, j)
			if err := bundle.AddEntity(key, ref, row.Version, row.Content, stitched.Stitched(ref)); err != nil {
				return nil, err
			}
		}
	}
	bundle.SortManifest()
	return bundle, nil
}

// retrieveEntities reads the rows of every entity type concurrently. The
// first failure cancels the remaining reads.
func (r *Repository) retrieveEntities(ctx context.Context, fqid domain.BundleFQID, types []domain.EntityType, entities map[domain.EntityType]domain.EntitySet) ([][]EntityRow, error) {
	rows := make([][]EntityRow, len(types))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, entityType := range types {
		refs := entities[entityType].Sorted()
		ids := make([]string, len(refs))
		for k, ref := range refs {
			ids[k] = ref.EntityID
		}
		g.Go(func() error {
			got, err := r.source.RetrieveEntities(gctx, entityType, ids)
			if err != nil {
				r.logger.Error("entity retrieval failed", "bundle", fqid.String(), "entity_type", string(entityType), "error", err)
				return fmt.Errorf("bundle %s: %w", fqid, err)
			}
			rows[i] = got
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repository) latestVersion(ctx context.Context, uuid string) (domain.BundleFQID, error) {
	bundles, err := r.source.ListBundles(ctx, uuid)
	if err != nil {
		return domain.BundleFQID{}, err
	}
	var latest domain.BundleFQID
	for _, b := range bundles {
		if b.UUID == uuid && b.Version > latest.Version {
			latest = b
		}
	}
	if latest.UUID == "" {
		return domain.BundleFQID{}, fmt.Errorf("bundle %s: %w", uuid, repository.ErrBundleNotFound)
	}
	return latest, nil
}
