package domain

import (
	"fmt"
	"sort"
)

// ManifestEntry describes one file of a bundle. Entries with Indexed set carry
// metadata whose content lives in Bundle.MetadataFiles under Name.
type ManifestEntry struct {
	Name        string     `json:"name"`
	UUID        string     `json:"uuid"`
	Version     string     `json:"version"`
	ContentType string     `json:"content-type"`
	Size        int64      `json:"size"`
	Indexed     bool       `json:"indexed"`
	EntityType  EntityType `json:"entity_type,omitempty"`
	SHA256      string     `json:"sha256,omitempty"`
}

// MetadataEntity is one metadata document of a bundle together with its
// identity.
type MetadataEntity struct {
	Ref      EntityReference
	Content  map[string]any
	Stitched bool
}

// Bundle is a versioned, atomic collection of metadata describing one
// experimental unit and the data files it links.
type Bundle struct {
	FQID          BundleFQID
	SourceName    string
	Manifest      []ManifestEntry
	MetadataFiles map[string]map[string]any
	// Stitched holds the ids of entities pulled in from upstream bundles.
	Stitched map[string]struct{}
}

// NewBundle returns an empty bundle ready for AddEntity.
func NewBundle(fqid BundleFQID) *Bundle {
	return &Bundle{
		FQID:          fqid,
		MetadataFiles: make(map[string]map[string]any),
		Stitched:      make(map[string]struct{}),
	}
}

// AddEntity records a metadata document under key and lists it in the manifest.
func (b *Bundle) AddEntity(key string, ref EntityReference, version string, content map[string]any, stitched bool) error {
	if _, exists := b.MetadataFiles[key]; exists {
		return fmt.Errorf("bundle %s already contains %s", b.FQID, key)
	}
	if b.MetadataFiles == nil {
		b.MetadataFiles = make(map[string]map[string]any)
	}
	if b.Stitched == nil {
		b.Stitched = make(map[string]struct{})
	}
	b.MetadataFiles[key] = content
	b.Manifest = append(b.Manifest, ManifestEntry{
		Name:        key,
		UUID:        ref.EntityID,
		Version:     version,
		ContentType: "application/json",
		Indexed:     true,
		EntityType:  ref.EntityType,
	})
	if stitched {
		b.Stitched[ref.EntityID] = struct{}{}
	}
	return nil
}

// Entities lists the indexed metadata documents in manifest order.
func (b *Bundle) Entities() []MetadataEntity {
	out := make([]MetadataEntity, 0, len(b.Manifest))
	for _, entry := range b.Manifest {
		if !entry.Indexed || entry.EntityType == "" {
			continue
		}
		content, ok := b.MetadataFiles[entry.Name]
		if !ok {
			continue
		}
		_, stitched := b.Stitched[entry.UUID]
		out = append(out, MetadataEntity{
			Ref:      EntityReference{EntityType: entry.EntityType, EntityID: entry.UUID},
			Content:  content,
			Stitched: stitched,
		})
	}
	return out
}

// EntitiesOfType filters Entities by type.
func (b *Bundle) EntitiesOfType(entityType EntityType) []MetadataEntity {
	var out []MetadataEntity
	for _, e := range b.Entities() {
		if e.Ref.EntityType == entityType {
			out = append(out, e)
		}
	}
	return out
}

// HasEntityType reports whether any metadata document of the given type exists.
func (b *Bundle) HasEntityType(entityType EntityType) bool {
	for _, entry := range b.Manifest {
		if entry.Indexed && entry.EntityType == entityType {
			return true
		}
	}
	return false
}

// SortManifest orders manifest entries by UUID, then name.
func (b *Bundle) SortManifest() {
	sort.SliceStable(b.Manifest, func(i, j int) bool {
		if b.Manifest[i].UUID == b.Manifest[j].UUID {
			return b.Manifest[i].Name < b.Manifest[j].Name
		}
		return b.Manifest[i].UUID < b.Manifest[j].UUID
	})
}
