package snapshot

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

const (
	linksSchemaVersion = "3.0.0"
	linksDescribedBy   = "https://schema.humancellatlas.org/system/3.0.0/links"
)

// MergeLinks combines the links rows visited while stitching into the links
// document of the first row. A single row is returned unchanged. Otherwise
// the link arrays are concatenated in row order under the identity of the
// first row. All rows must name the same project and schema type, and all
// contents must share one key set.
func MergeLinks(rows []LinksRow) (LinksRow, error) {
	if len(rows) == 0 {
		return LinksRow{}, fmt.Errorf("no links to merge")
	}
	root := rows[0]
	if len(rows) == 1 {
		return root, nil
	}
	projects := make(map[string]struct{})
	schemaTypes := make(map[string]struct{})
	contentKeys := make(map[string]struct{})
	var links []any
	for _, row := range rows {
		projects[row.ProjectID] = struct{}{}
		schemaTypes[row.SchemaType] = struct{}{}
		contentKeys[keySet(row.Content)] = struct{}{}
		raw, ok := row.Content["links"].([]any)
		if !ok {
			return LinksRow{}, fmt.Errorf("links of %s: links is %T, not a list", row.Bundle, row.Content["links"])
		}
		links = append(links, raw...)
	}
	if len(projects) != 1 {
		return LinksRow{}, fmt.Errorf("links of %s span projects %v", root.Bundle, sortedKeys(projects))
	}
	if len(schemaTypes) != 1 {
		return LinksRow{}, fmt.Errorf("links of %s span schema types %v", root.Bundle, sortedKeys(schemaTypes))
	}
	merged := LinksRow{
		Bundle:     root.Bundle,
		ProjectID:  root.ProjectID,
		SchemaType: root.SchemaType,
		Content: map[string]any{
			"schema_type":    "links",
			"schema_version": linksSchemaVersion,
			"describedBy":    linksDescribedBy,
			"links":          links,
		},
	}
	if len(contentKeys) != 1 {
		return LinksRow{}, fmt.Errorf("links of %s have differing keys %v", root.Bundle, sortedKeys(contentKeys))
	}
	if _, ok := contentKeys[keySet(merged.Content)]; !ok {
		return LinksRow{}, fmt.Errorf("links of %s have keys %v, expected [%s]", root.Bundle, sortedKeys(contentKeys), keySet(merged.Content))
	}
	return merged, nil
}

func keySet(m map[string]any) string {
	return strings.Join(slices.Sorted(maps.Keys(m)), ",")
}

func sortedKeys(m map[string]struct{}) []string {
	return slices.Sorted(maps.Keys(m))
}
