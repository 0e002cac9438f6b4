// Package plugins hosts the metadata plugin subpackages. Each plugin
// registers transformers with core.PluginRegistry and depends only on
// internal/core and pkg/domain; the architecture test alongside this file
// enforces that.
package plugins
