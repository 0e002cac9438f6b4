// Package snapshot serves bundles emulated from a tabular metadata snapshot.
// A snapshot stores one links document per bundle and one row per metadata
// entity; a bundle is the entity closure of its links document, stitched
// together with the upstream bundles that produced its dangling inputs.
package snapshot

import (
	"context"

	"metaindex/pkg/domain"
)

// ProjectEntityType is the entity type of the project a links row names.
const ProjectEntityType domain.EntityType = "project"

// LinksRow is the links document of one bundle.
type LinksRow struct {
	Bundle     domain.BundleFQID
	ProjectID  string
	SchemaType string
	Content    map[string]any
}

// Project returns the reference of the project the row belongs to.
func (r LinksRow) Project() domain.EntityReference {
	return domain.NewEntityReference(ProjectEntityType, r.ProjectID)
}

// Parse interprets the row content as a link graph.
func (r LinksRow) Parse() (*domain.Links, error) {
	return domain.ParseLinks(r.Project(), r.Content)
}

// Document renders the row as the links.json metadata file.
func (r LinksRow) Document() map[string]any {
	return map[string]any{
		"links_id":    r.Bundle.UUID,
		"version":     r.Bundle.Version,
		"project_id":  r.ProjectID,
		"schema_type": r.SchemaType,
		"content":     r.Content,
	}
}

// EntityRow is one metadata entity row.
type EntityRow struct {
	ID      string
	Version string
	Content map[string]any
}

// Upstream names a bundle whose links list OutputID as a process output.
type Upstream struct {
	Bundle   domain.BundleFQID
	OutputID string
}

// Source reads the tables of a snapshot.
type Source interface {
	// RetrieveLinks returns the links rows of bundles keyed by bundle. A
	// bundle without links is an error wrapping repository.ErrBundleNotFound.
	RetrieveLinks(ctx context.Context, bundles []domain.BundleFQID) (map[domain.BundleFQID]LinksRow, error)
	// RetrieveEntities returns the latest row of every id, ordered by id.
	// Every id must be present.
	RetrieveEntities(ctx context.Context, entityType domain.EntityType, ids []string) ([]EntityRow, error)
	// FindUpstreamBundles returns the bundles producing any of outputIDs.
	FindUpstreamBundles(ctx context.Context, outputIDs []string) ([]Upstream, error)
	// ListBundles returns every bundle version whose UUID starts with prefix,
	// ordered by UUID then version.
	ListBundles(ctx context.Context, prefix string) ([]domain.BundleFQID, error)
}
