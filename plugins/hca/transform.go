package hca

import (
	"fmt"
	"sort"
	"strings"

	"metaindex/internal/core"
	"metaindex/pkg/domain"
)

// Metadata entity types read from bundles.
const (
	typeProject = "project"
	typeDonor   = "donor_organism"
)

var sampleTypes = map[domain.EntityType]struct{}{
	"specimen_from_organism": {},
	"cell_line":              {},
	"organoid":               {},
}

// Inner entity lists of contribution and aggregate contents.
const (
	innerProjects = "projects"
	innerDonors   = "donors"
	innerSamples  = "samples"
	innerFiles    = "files"
	innerBundles  = "bundles"
	fileSummary   = "file_summary"
)

var innerTypes = []string{innerProjects, innerDonors, innerSamples, innerFiles, innerBundles}

// root is an entity of the bundle that receives a contribution. Its own inner
// entity replaces the bundle-wide list of its kind.
type root struct {
	id    string
	kind  string
	inner map[string]any
}

type transformer struct {
	entityType domain.EntityType
	roots      func(v *bundleView) []root
}

func (t *transformer) EntityType() domain.EntityType { return t.entityType }

func (t *transformer) Estimate(bundle *domain.Bundle, partition domain.BundlePartition) int {
	n := 0
	for _, r := range t.roots(newBundleView(bundle)) {
		if partition.Contains(r.id) {
			n++
		}
	}
	return n
}

func (t *transformer) Transform(bundle *domain.Bundle, partition domain.BundlePartition, deleted bool) ([]*domain.Contribution, error) {
	v := newBundleView(bundle)
	var out []*domain.Contribution
	for _, r := range t.roots(v) {
		if !partition.Contains(r.id) {
			continue
		}
		contents := v.contents()
		contents[r.kind] = []any{r.inner}
		entity := domain.NewEntityReference(t.entityType, r.id)
		out = append(out, domain.NewContribution("", entity, bundle.FQID, deleted, contents))
	}
	return out, nil
}

func (t *transformer) Combine(_ domain.EntityReference, contributions []*domain.Contribution) (map[string]any, error) {
	reconciled, err := core.ReconcileInnerEntities(t, contributions)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(innerTypes)+1)
	for _, innerType := range innerTypes {
		entities := reconciled[innerType]
		sort.Slice(entities, func(i, j int) bool {
			return documentID(entities[i]) < documentID(entities[j])
		})
		list := make([]any, len(entities))
		for i, e := range entities {
			list[i] = e
		}
		out[innerType] = list
	}
	out[fileSummary] = summarizeFiles(reconciled[innerFiles])
	return out, nil
}

func (t *transformer) InnerEntityID(innerType string, entity map[string]any) (string, error) {
	id := documentID(entity)
	if id == "" {
		return "", fmt.Errorf("%s entity without document_id", innerType)
	}
	return id, nil
}

func documentID(entity map[string]any) string {
	id, _ := entity["document_id"].(string)
	return id
}

// bundleView groups the metadata entities of a bundle by kind, each ordered
// by id.
type bundleView struct {
	bundle   *domain.Bundle
	projects []domain.MetadataEntity
	donors   []domain.MetadataEntity
	samples  []domain.MetadataEntity
	files    []domain.MetadataEntity
}

func newBundleView(b *domain.Bundle) *bundleView {
	v := &bundleView{bundle: b}
	for _, e := range b.Entities() {
		switch t := e.Ref.EntityType; {
		case t == typeProject:
			v.projects = append(v.projects, e)
		case t == typeDonor:
			v.donors = append(v.donors, e)
		case isSample(t):
			v.samples = append(v.samples, e)
		case strings.HasSuffix(string(t), "_file"):
			v.files = append(v.files, e)
		}
	}
	for _, list := range [][]domain.MetadataEntity{v.projects, v.donors, v.samples, v.files} {
		sort.Slice(list, func(i, j int) bool { return list[i].Ref.EntityID < list[j].Ref.EntityID })
	}
	return v
}

func isSample(t domain.EntityType) bool {
	_, ok := sampleTypes[t]
	return ok
}

func (v *bundleView) contents() map[string]any {
	return map[string]any{
		innerProjects: inners(v.projects, project),
		innerDonors:   inners(v.donors, donor),
		innerSamples:  inners(v.samples, sample),
		innerFiles:    inners(v.files, file),
		innerBundles:  []any{v.bundleInner()},
	}
}

func (v *bundleView) bundleInner() map[string]any {
	return map[string]any{
		"document_id":    v.bundle.FQID.UUID,
		"bundle_uuid":    v.bundle.FQID.UUID,
		"bundle_version": v.bundle.FQID.Version,
	}
}

func (v *bundleView) projectRoots() []root {
	return roots(v.projects, innerProjects, project, false)
}

// sampleRoots and fileRoots skip entities stitched in from upstream bundles;
// those contribute through the bundle that owns them.
func (v *bundleView) sampleRoots() []root {
	return roots(v.samples, innerSamples, sample, true)
}

func (v *bundleView) fileRoots() []root {
	return roots(v.files, innerFiles, file, true)
}

func (v *bundleView) bundleRoots() []root {
	return []root{{id: v.bundle.FQID.UUID, kind: innerBundles, inner: v.bundleInner()}}
}

func roots(entities []domain.MetadataEntity, kind string, factory func(domain.MetadataEntity) map[string]any, skipStitched bool) []root {
	var out []root
	for _, e := range entities {
		if skipStitched && e.Stitched {
			continue
		}
		out = append(out, root{id: e.Ref.EntityID, kind: kind, inner: factory(e)})
	}
	return out
}

func inners(entities []domain.MetadataEntity, factory func(domain.MetadataEntity) map[string]any) []any {
	out := make([]any, len(entities))
	for i, e := range entities {
		out[i] = factory(e)
	}
	return out
}

func project(e domain.MetadataEntity) map[string]any {
	return map[string]any{
		"document_id":        e.Ref.EntityID,
		"project_short_name": text(e.Content, "project_core", "project_short_name"),
		"project_title":      text(e.Content, "project_core", "project_title"),
	}
}

func donor(e domain.MetadataEntity) map[string]any {
	return map[string]any{
		"document_id":    e.Ref.EntityID,
		"biological_sex": text(e.Content, "sex"),
		"genus_species":  text(e.Content, "genus_species", "text"),
	}
}

func sample(e domain.MetadataEntity) map[string]any {
	return map[string]any{
		"document_id": e.Ref.EntityID,
		"sample_type": string(e.Ref.EntityType),
		"organ":       text(e.Content, "organ", "text"),
	}
}

func file(e domain.MetadataEntity) map[string]any {
	return map[string]any{
		"document_id": e.Ref.EntityID,
		"file_type":   string(e.Ref.EntityType),
		"file_name":   text(e.Content, "file_core", "file_name"),
		"file_format": text(e.Content, "file_core", "format"),
		"file_size":   number(lookup(e.Content, "file_core", "file_size")),
	}
}

func lookup(content map[string]any, path ...string) any {
	var cur any = content
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func text(content map[string]any, path ...string) string {
	s, _ := lookup(content, path...).(string)
	return s
}

// number normalises decoded and literal numbers; anything else counts as 0.
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// summarizeFiles counts files and sums their sizes per format, ordered by
// format. Files without a format are summarised under "unknown".
func summarizeFiles(files []map[string]any) []any {
	type summary struct {
		count int
		size  float64
	}
	byFormat := make(map[string]*summary)
	for _, f := range files {
		format, _ := f["file_format"].(string)
		if format == "" {
			format = "unknown"
		}
		s, ok := byFormat[format]
		if !ok {
			s = &summary{}
			byFormat[format] = s
		}
		s.count++
		s.size += number(f["file_size"])
	}
	formats := make([]string, 0, len(byFormat))
	for format := range byFormat {
		formats = append(formats, format)
	}
	sort.Strings(formats)
	out := make([]any, len(formats))
	for i, format := range formats {
		out[i] = map[string]any{
			"format":     format,
			"count":      byFormat[format].count,
			"total_size": byFormat[format].size,
		}
	}
	return out
}
