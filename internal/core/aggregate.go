package core

import (
	"context"
	"fmt"
	"sort"

	"metaindex/internal/index"
	"metaindex/pkg/domain"
)

// Aggregate recomputes the aggregate of every entity in tallies from the
// contributions stored in the index. Aggregates whose write conflicts are
// recomputed from a fresh read until the writer reports no more retries.
func (s *IndexService) Aggregate(ctx context.Context, tallies domain.Tallies) error {
	return s.observe(ctx, "aggregate", func(ctx context.Context) error {
		writer := s.newWriter()
		tallies := tallies.Clone()
		for len(tallies) > 0 {
			old, err := s.readAggregates(ctx, tallies)
			if err != nil {
				return err
			}
			total := tallies.Clone()
			for entity, agg := range old {
				total.Add(entity, agg.NumContributions)
			}
			contributions, err := s.readContributions(ctx, total)
			if err != nil {
				return err
			}
			actual := domain.Tallies{}
			for _, c := range contributions {
				actual.Add(c.Entity, 1)
			}
			if err := s.checkConsistency(tallies, actual, old); err != nil {
				return err
			}

			aggregates, err := s.combine(contributions)
			if err != nil {
				return err
			}
			for _, agg := range aggregates {
				if prev, ok := old[agg.Entity]; ok {
					agg.Version = prev.Version
					delete(old, agg.Entity)
				}
			}
			for _, entity := range sortedKeys(old) {
				tombstone := old[entity]
				tombstone.Contents = map[string]any{}
				s.logger.Info("tombstoning aggregate", "entity", entity.String())
				aggregates = append(aggregates, tombstone)
			}

			if err := writer.Write(ctx, asDocuments(aggregates)); err != nil {
				return err
			}
			if writer.RetryCount() == 0 {
				break
			}
			narrowed := domain.Tallies{}
			for _, agg := range aggregates {
				if writer.Retry(agg) {
					narrowed[agg.Entity] = tallies[agg.Entity]
				}
			}
			s.logger.Info("retrying aggregation", "entities", len(narrowed))
			tallies = narrowed
		}
		return writer.RaiseOnErrors()
	})
}

func sortedKeys(m map[domain.EntityReference]*domain.Aggregate) []domain.EntityReference {
	out := make([]domain.EntityReference, 0, len(m))
	for e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func (s *IndexService) readAggregates(ctx context.Context, tallies domain.Tallies) (map[domain.EntityReference]*domain.Aggregate, error) {
	entities := tallies.Entities()
	refs := make([]index.Ref, len(entities))
	for i, e := range entities {
		refs[i] = index.Ref{
			Index: domain.IndexName(s.cfg.Catalog, e.EntityType, domain.DocumentAggregate),
			ID:    e.EntityID,
		}
	}
	results, err := s.client.MultiGet(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("read aggregates: %w", err)
	}
	out := make(map[domain.EntityReference]*domain.Aggregate)
	for _, r := range results {
		if !r.Found {
			continue
		}
		agg, err := domain.AggregateFromSource(s.cfg.Catalog, r.Hit.Version, r.Hit.Source)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s/%s: %w", r.Ref.Index, r.Ref.ID, err)
		}
		out[agg.Entity] = agg
	}
	return out, nil
}

func (s *IndexService) readContributions(ctx context.Context, total domain.Tallies) ([]*domain.Contribution, error) {
	q := index.Query{Field: domain.FieldEntityID, Terms: make(map[string][]string)}
	for _, e := range total.Entities() {
		name := domain.IndexName(s.cfg.Catalog, e.EntityType, domain.DocumentContribution)
		q.Terms[name] = append(q.Terms[name], e.EntityID)
	}
	expected := total.Total()
	pageSize := max(s.cfg.ContributionPageSize, 1)
	s.logger.Debug("reading expected contributions", "expected", expected)

	var hits []index.Hit
	complete := false
	if expected <= pageSize {
		res, err := s.client.Search(ctx, q, pageSize)
		if err != nil {
			return nil, fmt.Errorf("search contributions: %w", err)
		}
		if res.Total <= len(res.Hits) {
			hits, complete = res.Hits, true
		}
	}
	if !complete {
		err := s.client.Scan(ctx, q, pageSize, func(page []index.Hit) error {
			s.logger.Debug("read a page of contributions", "count", len(page))
			hits = append(hits, page...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan contributions: %w", err)
		}
	}

	out := make([]*domain.Contribution, 0, len(hits))
	for _, h := range hits {
		c, err := domain.ContributionFromSource(s.cfg.Catalog, h.Source)
		if err != nil {
			return nil, fmt.Errorf("contribution %s/%s: %w", h.Index, h.ID, err)
		}
		out = append(out, c)
	}
	s.logger.Info("read contributions", "count", len(out))
	return out, nil
}

// checkConsistency verifies that every tallied entity was read back with at
// least its tallied number of contributions. An entity with a zero tally that
// has neither an aggregate nor contributions has nothing to aggregate and is
// dropped from tallies.
func (s *IndexService) checkConsistency(tallies, actual domain.Tallies, old map[domain.EntityReference]*domain.Aggregate) error {
	var missing, unexpected []domain.EntityReference
	for _, e := range tallies.Entities() {
		if _, ok := actual[e]; ok {
			continue
		}
		if _, hasAggregate := old[e]; tallies[e] == 0 && !hasAggregate {
			s.logger.Warn("skipping entity without contributions", "entity", e.String())
			delete(tallies, e)
			continue
		}
		missing = append(missing, e)
	}
	for _, e := range actual.Entities() {
		if _, ok := tallies[e]; !ok {
			unexpected = append(unexpected, e)
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		return &EventualConsistencyError{Reason: describeMismatch(missing, unexpected), Expected: tallies.Clone(), Actual: actual}
	}
	for _, e := range tallies.Entities() {
		if actual[e] < tallies[e] {
			return &EventualConsistencyError{
				Reason:   fmt.Sprintf("read %d contribution(s) to %s, expected at least %d", actual[e], e, tallies[e]),
				Expected: tallies.Clone(),
				Actual:   actual,
			}
		}
	}
	return nil
}

type entityBundle struct {
	entity domain.EntityReference
	uuid   string
}

// selectContributions keeps, per entity and bundle, the contribution of the
// most recent bundle version. A deletion at that version retracts the bundle
// from the entity.
func selectContributions(contributions []*domain.Contribution) map[domain.EntityReference][]*domain.Contribution {
	groups := make(map[entityBundle][]*domain.Contribution)
	for _, c := range contributions {
		k := entityBundle{entity: c.Entity, uuid: c.Bundle.UUID}
		groups[k] = append(groups[k], c)
	}
	selected := make(map[domain.EntityReference][]*domain.Contribution)
	for k, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			if group[i].Bundle.Version != group[j].Bundle.Version {
				return group[i].Bundle.Version > group[j].Bundle.Version
			}
			return group[i].BundleDeleted && !group[j].BundleDeleted
		})
		if newest := group[0]; !newest.BundleDeleted {
			selected[k.entity] = append(selected[k.entity], newest)
		}
	}
	for _, cs := range selected {
		sort.Slice(cs, func(i, j int) bool { return cs[i].Bundle.Compare(cs[j].Bundle) < 0 })
	}
	return selected
}

// combine builds one aggregate per entity that still has a current contribution.
func (s *IndexService) combine(contributions []*domain.Contribution) ([]*domain.Aggregate, error) {
	raw := domain.Tallies{}
	for _, c := range contributions {
		raw.Add(c.Entity, 1)
	}
	selected := selectContributions(contributions)
	entities := make([]domain.EntityReference, 0, len(selected))
	n := 0
	for e, cs := range selected {
		entities = append(entities, e)
		n += len(cs)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Compare(entities[j]) < 0 })
	s.logger.Info("selected contributions for aggregation", "contributions", n, "entities", len(entities))

	aggregates := make([]*domain.Aggregate, 0, len(entities))
	for _, entity := range entities {
		cs := selected[entity]
		t, err := s.transformer(entity.EntityType)
		if err != nil {
			return nil, err
		}
		contents, err := t.Combine(entity, cs)
		if err != nil {
			return nil, fmt.Errorf("combine %s: %w", entity, err)
		}
		bundles := make([]domain.BundleFQID, len(cs))
		sourceSet := make(map[string]struct{})
		for i, c := range cs {
			bundles[i] = c.Bundle
			if c.SourceName != "" {
				sourceSet[c.SourceName] = struct{}{}
			}
		}
		if limit := s.cfg.MaxAggregateBundles; limit > 0 && len(bundles) > limit {
			s.logger.Warn("truncating aggregate bundle list", "entity", entity.String(), "bundles", len(bundles), "kept", limit)
			bundles = bundles[:limit]
		}
		var sources []string
		for src := range sourceSet {
			sources = append(sources, src)
		}
		sort.Strings(sources)
		aggregates = append(aggregates, &domain.Aggregate{
			Entity:           entity,
			Catalog:          s.cfg.Catalog,
			Contents:         contents,
			Bundles:          bundles,
			Sources:          sources,
			NumContributions: raw[entity],
		})
	}
	return aggregates, nil
}
