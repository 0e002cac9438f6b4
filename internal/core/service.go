package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"metaindex/internal/index"
	"metaindex/pkg/domain"
)

// Config tunes the indexing pipeline.
type Config struct {
	Catalog            string
	ConflictRetryLimit int
	ErrorRetryLimit    int
	BulkThreshold      int
	ParallelThreshold  int
	BulkWorkers        int
	ChunkSize          int
	MaxChunkBytes      int
	// ContributionPageSize is the largest expected contribution count read
	// with a single search; larger reads page through a scan.
	ContributionPageSize int
	// MaxAggregateBundles caps the bundle list stored on an aggregate.
	MaxAggregateBundles int
	// MaxPartitionSize is the largest number of entities transformed and
	// contributed in one step. Zero disables partitioning.
	MaxPartitionSize int
}

// DefaultConfig allows one conflict retry, which absorbs duplicate
// notifications, and no error retries.
func DefaultConfig() Config {
	return Config{
		Catalog:              "dcp",
		ConflictRetryLimit:   1,
		ErrorRetryLimit:      0,
		BulkThreshold:        32,
		ParallelThreshold:    1024,
		BulkWorkers:          4,
		ChunkSize:            500,
		MaxChunkBytes:        10 * 1024 * 1024,
		ContributionPageSize: 100,
		MaxAggregateBundles:  100,
		MaxPartitionSize:     10000,
	}
}

// Option configures an IndexService.
type Option func(*IndexService)

// WithLogger sets the service logger.
func WithLogger(l Logger) Option {
	return func(s *IndexService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsRecorder sets the operation metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *IndexService) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the operation tracer.
func WithTracer(t Tracer) Option {
	return func(s *IndexService) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the time source used for operation timing.
func WithClock(now func() time.Time) Option {
	return func(s *IndexService) {
		if now != nil {
			s.now = now
		}
	}
}

// IndexService turns bundles into contributions and contributions into
// aggregates.
type IndexService struct {
	client       index.Client
	cfg          Config
	logger       Logger
	metrics      MetricsRecorder
	tracer       Tracer
	now          func() time.Time
	plugins      map[string]PluginMetadata
	transformers map[domain.EntityType]Transformer
}

// NewIndexService constructs a service writing to client.
func NewIndexService(client index.Client, cfg Config, opts ...Option) *IndexService {
	s := &IndexService{
		client:       client,
		cfg:          cfg,
		logger:       noopLogger{},
		metrics:      noopMetrics{},
		tracer:       noopTracer{},
		now:          time.Now,
		plugins:      make(map[string]PluginMetadata),
		transformers: make(map[domain.EntityType]Transformer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the active configuration.
func (s *IndexService) Config() Config { return s.cfg }

// InstallPlugin registers a plugin's transformers.
func (s *IndexService) InstallPlugin(plugin Plugin) (PluginMetadata, error) {
	if plugin == nil {
		return PluginMetadata{}, fmt.Errorf("plugin cannot be nil")
	}
	if _, ok := s.plugins[plugin.Name()]; ok {
		return PluginMetadata{}, fmt.Errorf("plugin %s already registered", plugin.Name())
	}
	registry := NewPluginRegistry()
	if err := plugin.Register(registry); err != nil {
		return PluginMetadata{}, err
	}
	transformers := registry.Transformers()
	for _, t := range transformers {
		if _, exists := s.transformers[t.EntityType()]; exists {
			return PluginMetadata{}, fmt.Errorf("entity type %s already handled by another plugin", t.EntityType())
		}
	}
	meta := PluginMetadata{Name: plugin.Name(), Version: plugin.Version()}
	for _, t := range transformers {
		s.transformers[t.EntityType()] = t
		meta.EntityTypes = append(meta.EntityTypes, t.EntityType())
	}
	s.plugins[plugin.Name()] = meta
	return meta, nil
}

// RegisteredPlugins returns metadata describing installed plugins.
func (s *IndexService) RegisteredPlugins() []PluginMetadata {
	out := make([]PluginMetadata, 0, len(s.plugins))
	for _, meta := range s.plugins {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EntityTypes lists the entity types handled by installed plugins.
func (s *IndexService) EntityTypes() []domain.EntityType {
	out := make([]domain.EntityType, 0, len(s.transformers))
	for t := range s.transformers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *IndexService) transformer(entityType domain.EntityType) (Transformer, error) {
	t, ok := s.transformers[entityType]
	if !ok {
		return nil, ErrNoTransformer{EntityType: entityType}
	}
	return t, nil
}

func (s *IndexService) newWriter() *IndexWriter {
	outcomes, _ := s.metrics.(WriteOutcomeRecorder)
	return NewIndexWriter(s.client, WriterConfig{
		ConflictRetryLimit: s.cfg.ConflictRetryLimit,
		ErrorRetryLimit:    s.cfg.ErrorRetryLimit,
		BulkThreshold:      s.cfg.BulkThreshold,
		ParallelThreshold:  s.cfg.ParallelThreshold,
		BulkWorkers:        s.cfg.BulkWorkers,
		ChunkSize:          s.cfg.ChunkSize,
		MaxChunkBytes:      s.cfg.MaxChunkBytes,
	}, s.logger, outcomes)
}

// observe wraps an operation with tracing and metrics.
func (s *IndexService) observe(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	started := s.now()
	err := fn(ctx)
	s.metrics.Observe(ctx, op, err == nil, s.now().Sub(started))
	span.End(err)
	return err
}

// Transform returns the contributions of every partition of bundle. Bundles
// without project metadata yield no contributions.
func (s *IndexService) Transform(bundle *domain.Bundle, deleted bool) ([]*domain.Contribution, error) {
	var out []*domain.Contribution
	err := s.deepTransform(bundle, domain.RootPartition, deleted, func(contributions []*domain.Contribution) error {
		out = append(out, contributions...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// deepTransform calls fn with the contributions of each undivided partition
// below partition.
func (s *IndexService) deepTransform(bundle *domain.Bundle, partition domain.BundlePartition, deleted bool, fn func([]*domain.Contribution) error) error {
	contributions, divisions, err := s.TransformPartition(bundle, partition, deleted)
	if err != nil {
		return err
	}
	if len(divisions) == 0 {
		return fn(contributions)
	}
	for _, d := range divisions {
		if err := s.deepTransform(bundle, d, deleted, fn); err != nil {
			return err
		}
	}
	return nil
}

// TransformPartition runs every installed transformer over the entities of
// bundle in partition. If the transformers estimate more than
// MaxPartitionSize entities, it returns the divisions of partition instead of
// contributions.
func (s *IndexService) TransformPartition(bundle *domain.Bundle, partition domain.BundlePartition, deleted bool) ([]*domain.Contribution, []domain.BundlePartition, error) {
	if !bundle.HasEntityType(ProjectEntityType) {
		s.logger.Warn("ignoring bundle without project metadata", "bundle", bundle.FQID.String())
		return nil, nil, nil
	}
	entityTypes := s.EntityTypes()
	estimate := 0
	for _, entityType := range entityTypes {
		estimate += s.transformers[entityType].Estimate(bundle, partition)
	}
	if n := partition.Divisions(estimate, s.cfg.MaxPartitionSize); n > 1 {
		divisions := partition.Divide(n)
		s.logger.Info("dividing bundle partition", "bundle", bundle.FQID.String(), "partition", partition.String(), "entities", estimate, "divisions", len(divisions))
		return nil, divisions, nil
	}
	var out []*domain.Contribution
	for _, entityType := range entityTypes {
		contributions, err := s.transformers[entityType].Transform(bundle, partition, deleted)
		if err != nil {
			return nil, nil, fmt.Errorf("transform %s of %s: %w", entityType, bundle.FQID, err)
		}
		for _, c := range contributions {
			c.Catalog = s.cfg.Catalog
			if c.SourceName == "" {
				c.SourceName = bundle.SourceName
			}
		}
		out = append(out, contributions...)
	}
	s.logger.Info("transformed bundle", "bundle", bundle.FQID.String(), "partition", partition.String(), "deleted", deleted, "contributions", len(out))
	return out, nil, nil
}

// ProjectEntityType is the metadata type whose presence makes a bundle indexable.
const ProjectEntityType domain.EntityType = "project"

// Index transforms, contributes and aggregates one bundle.
func (s *IndexService) Index(ctx context.Context, bundle *domain.Bundle) error {
	return s.observe(ctx, "index", func(ctx context.Context) error {
		return s.indexBundle(ctx, bundle, false)
	})
}

// Delete retracts one bundle: it writes deletion markers and re-aggregates.
func (s *IndexService) Delete(ctx context.Context, bundle *domain.Bundle) error {
	return s.observe(ctx, "delete", func(ctx context.Context) error {
		return s.indexBundle(ctx, bundle, true)
	})
}

// indexBundle contributes each partition of bundle separately, then
// aggregates the merged tallies once.
func (s *IndexService) indexBundle(ctx context.Context, bundle *domain.Bundle, deleted bool) error {
	tallies := domain.Tallies{}
	err := s.deepTransform(bundle, domain.RootPartition, deleted, func(contributions []*domain.Contribution) error {
		partial, err := s.Contribute(ctx, contributions)
		if err != nil {
			return err
		}
		tallies.Update(partial)
		return nil
	})
	if err != nil {
		return err
	}
	return s.Aggregate(ctx, tallies)
}

// BundleFetcher retrieves bundles by identifier.
type BundleFetcher interface {
	FetchBundle(ctx context.Context, fqid domain.BundleFQID) (*domain.Bundle, error)
}

// IndexFQID fetches a bundle from repo and indexes it.
func (s *IndexService) IndexFQID(ctx context.Context, repo BundleFetcher, fqid domain.BundleFQID) error {
	var bundle *domain.Bundle
	err := s.observe(ctx, "fetch_bundle", func(ctx context.Context) error {
		var err error
		bundle, err = repo.FetchBundle(ctx, fqid)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch bundle %s: %w", fqid, err)
	}
	return s.Index(ctx, bundle)
}

// IndexNames lists the contribution and aggregate index per entity type.
func (s *IndexService) IndexNames() []string {
	var names []string
	for _, t := range s.EntityTypes() {
		names = append(names,
			domain.IndexName(s.cfg.Catalog, t, domain.DocumentContribution),
			domain.IndexName(s.cfg.Catalog, t, domain.DocumentAggregate))
	}
	return names
}

// CreateIndices creates every index the installed plugins write to.
func (s *IndexService) CreateIndices(ctx context.Context) error {
	names := s.IndexNames()
	s.logger.Info("creating indices", "count", len(names))
	return s.client.CreateIndices(ctx, names)
}

// DeleteIndices drops every index the installed plugins write to.
func (s *IndexService) DeleteIndices(ctx context.Context) error {
	names := s.IndexNames()
	s.logger.Info("deleting indices", "count", len(names))
	return s.client.DeleteIndices(ctx, names)
}

// Purge removes the documents at coords through the writer retry loop.
func (s *IndexService) Purge(ctx context.Context, coords []domain.DocumentCoordinates) error {
	return s.observe(ctx, "purge", func(ctx context.Context) error {
		docs := make([]domain.Document, len(coords))
		for i, c := range coords {
			docs[i] = &domain.Deletion{Coords: c}
		}
		writer := s.newWriter()
		for len(docs) > 0 {
			if err := writer.Write(ctx, docs); err != nil {
				return err
			}
			docs = retained(writer, docs)
		}
		return writer.RaiseOnErrors()
	})
}

func retained[D domain.Document](w *IndexWriter, docs []D) []D {
	var out []D
	for _, d := range docs {
		if w.Retry(d) {
			out = append(out, d)
		}
	}
	return out
}
