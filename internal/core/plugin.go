package core

import (
	"fmt"
	"sort"

	"metaindex/pkg/domain"
)

// Plugin describes a metadata schema module that contributes transformers.
type Plugin interface {
	Name() string
	Version() string
	Register(registry *PluginRegistry) error
}

// Transformer derives the contributions of one entity type from a bundle and
// combines the selected contributions of an entity into aggregate contents.
type Transformer interface {
	EntityType() domain.EntityType
	// Estimate returns how many contributions Transform would produce for
	// partition without building them.
	Estimate(bundle *domain.Bundle, partition domain.BundlePartition) int
	// Transform returns one contribution per entity of this type in the bundle
	// that falls in partition. When deleted is set the contributions mark the
	// bundle's retraction.
	Transform(bundle *domain.Bundle, partition domain.BundlePartition, deleted bool) ([]*domain.Contribution, error)
	// Combine merges the current contributions of entity. It receives at most
	// one contribution per bundle.
	Combine(entity domain.EntityReference, contributions []*domain.Contribution) (map[string]any, error)
	// InnerEntityID identifies an inner entity of the given type so copies
	// from different contributions can be reconciled.
	InnerEntityID(innerType string, entity map[string]any) (string, error)
}

// PluginRegistry accumulates plugin contributions during registration.
type PluginRegistry struct {
	transformers map[domain.EntityType]Transformer
}

// NewPluginRegistry constructs a plugin registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{transformers: make(map[domain.EntityType]Transformer)}
}

// RegisterTransformer adds the transformer for its entity type. Each entity
// type may be handled by one transformer only.
func (r *PluginRegistry) RegisterTransformer(t Transformer) error {
	if t == nil {
		return fmt.Errorf("transformer cannot be nil")
	}
	entityType := t.EntityType()
	if entityType == "" {
		return fmt.Errorf("transformer without entity type")
	}
	if _, exists := r.transformers[entityType]; exists {
		return fmt.Errorf("transformer for %s already registered", entityType)
	}
	r.transformers[entityType] = t
	return nil
}

// Transformers returns the registered transformers ordered by entity type.
func (r *PluginRegistry) Transformers() []Transformer {
	out := make([]Transformer, 0, len(r.transformers))
	for _, t := range r.transformers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityType() < out[j].EntityType() })
	return out
}

// PluginMetadata stores metadata describing an installed plugin.
type PluginMetadata struct {
	Name        string
	Version     string
	EntityTypes []domain.EntityType
}

// ReconcileInnerEntities merges the inner entities of several contributions,
// keeping one copy per inner entity id. The copy from the most recent bundle
// version wins; ties keep the copy seen first.
func ReconcileInnerEntities(t Transformer, contributions []*domain.Contribution) (map[string][]map[string]any, error) {
	type entry struct {
		entity map[string]any
		bundle domain.BundleFQID
	}
	byType := make(map[string]map[string]entry)
	order := make(map[string][]string)
	for _, c := range contributions {
		for innerType, raw := range c.Contents {
			entities, err := InnerEntities(raw)
			if err != nil {
				return nil, fmt.Errorf("contribution %s: %s: %w", c.DocumentID(), innerType, err)
			}
			if byType[innerType] == nil {
				byType[innerType] = make(map[string]entry)
			}
			for _, e := range entities {
				id, err := t.InnerEntityID(innerType, e)
				if err != nil {
					return nil, err
				}
				existing, ok := byType[innerType][id]
				if !ok {
					order[innerType] = append(order[innerType], id)
					byType[innerType][id] = entry{entity: e, bundle: c.Bundle}
					continue
				}
				if c.Bundle.Version > existing.bundle.Version {
					byType[innerType][id] = entry{entity: e, bundle: c.Bundle}
				}
			}
		}
	}
	out := make(map[string][]map[string]any, len(byType))
	for innerType, ids := range order {
		list := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			list = append(list, byType[innerType][id].entity)
		}
		out[innerType] = list
	}
	return out, nil
}

// InnerEntities interprets a contents value as a list of inner entities.
func InnerEntities(raw any) ([]map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("inner entity is %T, not an object", item)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("inner entities are %T, not a list", raw)
	}
}
