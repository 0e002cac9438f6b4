// Package domain defines the document model shared by the indexer: entity
// references, document coordinates, bundle identifiers, contributions and
// aggregates.
package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EntityType identifies the kind of metadata entity (donor, file, project, ...).
type EntityType string

// EntityReference identifies a logical metadata entity independent of any bundle.
// It is comparable and therefore usable as a map key.
type EntityReference struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
}

// NewEntityReference is a convenience constructor.
func NewEntityReference(entityType EntityType, entityID string) EntityReference {
	return EntityReference{EntityType: entityType, EntityID: entityID}
}

func (r EntityReference) String() string {
	return string(r.EntityType) + "/" + r.EntityID
}

// Compare orders references by type, then by id.
func (r EntityReference) Compare(other EntityReference) int {
	if c := strings.Compare(string(r.EntityType), string(other.EntityType)); c != 0 {
		return c
	}
	return strings.Compare(r.EntityID, other.EntityID)
}

// ParseEntityReference parses the `type/id` form produced by String.
func ParseEntityReference(s string) (EntityReference, error) {
	entityType, entityID, ok := strings.Cut(s, "/")
	if !ok || entityType == "" || entityID == "" {
		return EntityReference{}, fmt.Errorf("malformed entity reference %q", s)
	}
	return EntityReference{EntityType: EntityType(entityType), EntityID: entityID}, nil
}

// DocumentType distinguishes the two kinds of index documents.
type DocumentType string

const (
	// DocumentContribution marks an index holding per-bundle contributions.
	DocumentContribution DocumentType = "contributions"
	// DocumentAggregate marks an index holding merged aggregates.
	DocumentAggregate DocumentType = "aggregates"
)

// IndexName renders the name of the index holding documents of the given type
// for one entity type within a catalog.
func IndexName(catalog string, entityType EntityType, docType DocumentType) string {
	return catalog + "_" + string(entityType) + "_" + string(docType)
}

// DocumentCoordinates uniquely address a document in the index.
type DocumentCoordinates struct {
	IndexName  string `json:"index"`
	DocumentID string `json:"id"`
}

func (c DocumentCoordinates) String() string {
	return c.IndexName + "/" + c.DocumentID
}

// BundleFQID is the fully qualified identifier of one bundle version.
type BundleFQID struct {
	UUID    string `json:"uuid"`
	Version string `json:"version"`
}

func (b BundleFQID) String() string {
	return b.UUID + "." + b.Version
}

// Validate checks the UUID syntax and the presence of a version.
func (b BundleFQID) Validate() error {
	if _, err := uuid.Parse(b.UUID); err != nil {
		return fmt.Errorf("invalid bundle uuid %q: %w", b.UUID, err)
	}
	if b.Version == "" {
		return fmt.Errorf("bundle %s has no version", b.UUID)
	}
	return nil
}

// Compare orders bundle identifiers by UUID, then by version.
func (b BundleFQID) Compare(other BundleFQID) int {
	if c := strings.Compare(b.UUID, other.UUID); c != 0 {
		return c
	}
	return strings.Compare(b.Version, other.Version)
}
