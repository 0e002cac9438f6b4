// Package hca implements the metadata plugin for Human Cell Atlas bundles. It
// indexes projects, samples, files and bundles. Every contribution carries
// the inner entities of its bundle, and aggregates reconcile them across
// bundles and summarise the files by format.
package hca

import (
	"metaindex/internal/core"
	"metaindex/pkg/domain"
)

// Aggregate entity types registered by the plugin.
const (
	Projects domain.EntityType = "projects"
	Samples  domain.EntityType = "samples"
	Files    domain.EntityType = "files"
	Bundles  domain.EntityType = "bundles"
)

// Plugin registers the HCA transformers.
type Plugin struct{}

// New constructs an HCA plugin instance.
func New() Plugin {
	return Plugin{}
}

// Name returns the plugin identifier.
func (Plugin) Name() string { return "hca" }

// Version returns the plugin semantic version.
func (Plugin) Version() string { return "1.0.0" }

// Register installs one transformer per aggregate entity type.
func (Plugin) Register(registry *core.PluginRegistry) error {
	for _, t := range []core.Transformer{
		&transformer{entityType: Projects, roots: (*bundleView).projectRoots},
		&transformer{entityType: Samples, roots: (*bundleView).sampleRoots},
		&transformer{entityType: Files, roots: (*bundleView).fileRoots},
		&transformer{entityType: Bundles, roots: (*bundleView).bundleRoots},
	} {
		if err := registry.RegisterTransformer(t); err != nil {
			return err
		}
	}
	return nil
}
