package snapshot

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"metaindex/internal/core"
	"metaindex/pkg/domain"
)

// DefaultBatchSize bounds the bundles or outputs named in one source query.
const DefaultBatchSize = 1000

// DanglingInputError reports inputs that no bundle of the snapshot produces.
type DanglingInputError struct {
	Root   domain.BundleFQID
	Inputs []domain.EntityReference
}

func (e *DanglingInputError) Error() string {
	ids := make([]string, len(e.Inputs))
	for i, in := range e.Inputs {
		ids[i] = in.String()
	}
	return fmt.Sprintf("stitching %s: dangling inputs not found in any bundle: %s", e.Root, strings.Join(ids, ", "))
}

// StitchResult is the entity closure of a root bundle.
type StitchResult struct {
	Root domain.BundleFQID
	// Bundles lists every visited bundle, the root included, in order.
	Bundles []domain.BundleFQID
	// Links holds the links row of every visited bundle; the root comes first.
	Links []LinksRow
	// Entities holds every referenced entity by type.
	Entities map[domain.EntityType]domain.EntitySet
	// RootEntities are the entities of the root links, excluding its
	// dangling inputs. Anything else in Entities was stitched in.
	RootEntities domain.EntitySet
}

// Stitched reports whether ref was pulled in from an upstream bundle.
func (r *StitchResult) Stitched(ref domain.EntityReference) bool {
	return !r.RootEntities.Has(ref)
}

// Stitcher resolves the upstream bundles of a root bundle.
type Stitcher struct {
	source    Source
	batchSize int
	logger    core.Logger
}

// NewStitcher returns a stitcher reading source in batches of batchSize;
// a non-positive size selects DefaultBatchSize.
func NewStitcher(source Source, batchSize int, logger core.Logger) *Stitcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = core.NewNoopLogger()
	}
	return &Stitcher{source: source, batchSize: batchSize, logger: logger}
}

// Stitch visits root and, transitively, every bundle producing an input that
// a visited bundle consumes but does not produce itself. Each bundle is read
// once.
func (s *Stitcher) Stitch(ctx context.Context, root domain.BundleFQID) (*StitchResult, error) {
	result := &StitchResult{
		Root:     root,
		Entities: make(map[domain.EntityType]domain.EntitySet),
	}
	unprocessed := map[domain.BundleFQID]struct{}{root: {}}
	processed := make(map[domain.BundleFQID]struct{})
	for len(unprocessed) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := slices.SortedFunc(maps.Keys(unprocessed), domain.BundleFQID.Compare)
		if len(batch) > s.batchSize {
			batch = batch[:s.batchSize]
		}
		rows, err := s.source.RetrieveLinks(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("stitching %s: %w", root, err)
		}
		dangling := make(domain.EntitySet)
		for _, fqid := range batch {
			delete(unprocessed, fqid)
			processed[fqid] = struct{}{}
			row, ok := rows[fqid]
			if !ok {
				return nil, fmt.Errorf("stitching %s: no links for %s", root, fqid)
			}
			links, err := row.Parse()
			if err != nil {
				return nil, fmt.Errorf("stitching %s: links of %s: %w", root, fqid, err)
			}
			all := links.AllEntities()
			inputs := links.DanglingInputs()
			if fqid == root {
				result.RootEntities = all.Difference(inputs)
			}
			for ref := range all {
				set, ok := result.Entities[ref.EntityType]
				if !ok {
					set = make(domain.EntitySet)
					result.Entities[ref.EntityType] = set
				}
				set.Add(ref)
			}
			dangling.Union(inputs)
			result.Bundles = append(result.Bundles, fqid)
			result.Links = append(result.Links, row)
		}
		if len(dangling) == 0 {
			continue
		}
		upstream, err := s.findUpstream(ctx, root, dangling)
		if err != nil {
			return nil, err
		}
		for _, fqid := range upstream {
			if _, seen := processed[fqid]; !seen {
				unprocessed[fqid] = struct{}{}
			}
		}
	}
	if len(result.Bundles) > 1 {
		s.logger.Info("stitched bundle", "bundle", root.String(), "upstream", len(result.Bundles)-1)
	}
	return result, nil
}

// findUpstream maps dangling inputs onto the bundles producing them. When
// several versions of a bundle produce an input only the latest is used.
func (s *Stitcher) findUpstream(ctx context.Context, root domain.BundleFQID, dangling domain.EntitySet) ([]domain.BundleFQID, error) {
	inputs := dangling.Sorted()
	ids := make([]string, 0, len(inputs))
	seen := make(map[string]struct{}, len(inputs))
	for _, in := range inputs {
		if _, dup := seen[in.EntityID]; dup {
			continue
		}
		seen[in.EntityID] = struct{}{}
		ids = append(ids, in.EntityID)
	}
	latest := make(map[string]string)
	found := make(map[string]struct{})
	for start := 0; start < len(ids); start += s.batchSize {
		end := min(start+s.batchSize, len(ids))
		matches, err := s.source.FindUpstreamBundles(ctx, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("stitching %s: find upstream bundles: %w", root, err)
		}
		for _, m := range matches {
			found[m.OutputID] = struct{}{}
			if m.Bundle.Version > latest[m.Bundle.UUID] {
				latest[m.Bundle.UUID] = m.Bundle.Version
			}
		}
	}
	var missing []domain.EntityReference
	for _, in := range inputs {
		if _, ok := found[in.EntityID]; !ok {
			missing = append(missing, in)
		}
	}
	if len(missing) > 0 {
		return nil, &DanglingInputError{Root: root, Inputs: missing}
	}
	out := make([]domain.BundleFQID, 0, len(latest))
	for uuid, version := range latest {
		out = append(out, domain.BundleFQID{UUID: uuid, Version: version})
	}
	slices.SortFunc(out, domain.BundleFQID.Compare)
	return out, nil
}
