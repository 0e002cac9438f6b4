package domain

import (
	"fmt"
	"sort"
	"strings"
)

// EntitySet is a set of entity references.
type EntitySet map[EntityReference]struct{}

// NewEntitySet builds a set from refs.
func NewEntitySet(refs ...EntityReference) EntitySet {
	s := make(EntitySet, len(refs))
	for _, r := range refs {
		s[r] = struct{}{}
	}
	return s
}

func (s EntitySet) Add(ref EntityReference) { s[ref] = struct{}{} }

func (s EntitySet) Has(ref EntityReference) bool {
	_, ok := s[ref]
	return ok
}

// Union adds every member of other to s.
func (s EntitySet) Union(other EntitySet) {
	for r := range other {
		s[r] = struct{}{}
	}
}

// Difference returns the members of s absent from other.
func (s EntitySet) Difference(other EntitySet) EntitySet {
	out := make(EntitySet)
	for r := range s {
		if !other.Has(r) {
			out[r] = struct{}{}
		}
	}
	return out
}

// Sorted returns the members ordered by type, then id.
func (s EntitySet) Sorted() []EntityReference {
	out := make([]EntityReference, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Link types understood by ParseLinks.
const (
	LinkTypeProcess           = "process_link"
	LinkTypeSupplementaryFile = "supplementary_file_link"
)

// EntityTypeSupplementaryFile is the type assigned to files attached to a
// project through a supplementary file link.
const EntityTypeSupplementaryFile EntityType = "supplementary_file"

// Links is the decoded form of one links document: the provenance graph of a
// single subgraph within a project.
type Links struct {
	Project            EntityReference
	Processes          EntitySet
	Protocols          EntitySet
	Inputs             EntitySet
	Outputs            EntitySet
	SupplementaryFiles EntitySet
}

func newLinks(project EntityReference) *Links {
	return &Links{
		Project:            project,
		Processes:          make(EntitySet),
		Protocols:          make(EntitySet),
		Inputs:             make(EntitySet),
		Outputs:            make(EntitySet),
		SupplementaryFiles: make(EntitySet),
	}
}

// ParseLinks decodes the content of a links document belonging to project.
func ParseLinks(project EntityReference, content map[string]any) (*Links, error) {
	raw, ok := content["links"].([]any)
	if !ok {
		return nil, fmt.Errorf("links document of %s has no links array", project)
	}
	l := newLinks(project)
	for i, item := range raw {
		link, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("link %d is not an object", i)
		}
		linkType, _ := link["link_type"].(string)
		switch linkType {
		case LinkTypeProcess:
			process, err := refFrom(link, "process")
			if err != nil {
				return nil, fmt.Errorf("link %d: %w", i, err)
			}
			l.Processes.Add(process)
			targets := map[string]EntitySet{"input": l.Inputs, "output": l.Outputs, "protocol": l.Protocols}
			for _, category := range []string{"input", "output", "protocol"} {
				entries, _ := link[category+"s"].([]any)
				for _, e := range entries {
					obj, ok := e.(map[string]any)
					if !ok {
						return nil, fmt.Errorf("link %d: malformed %s entry", i, category)
					}
					ref, err := refFrom(obj, category)
					if err != nil {
						return nil, fmt.Errorf("link %d: %w", i, err)
					}
					targets[category].Add(ref)
				}
			}
		case LinkTypeSupplementaryFile:
			entity, ok := link["entity"].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("link %d: supplementary file link without entity", i)
			}
			associate, err := refFrom(entity, "entity")
			if err != nil {
				return nil, fmt.Errorf("link %d: %w", i, err)
			}
			if associate != project {
				return nil, fmt.Errorf("supplementary file must be associated with project %s, not %s", project, associate)
			}
			files, _ := link["files"].([]any)
			for _, f := range files {
				obj, ok := f.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("link %d: malformed file entry", i)
				}
				id, _ := obj["file_id"].(string)
				if id == "" {
					return nil, fmt.Errorf("link %d: file entry without file_id", i)
				}
				l.SupplementaryFiles.Add(EntityReference{EntityType: EntityTypeSupplementaryFile, EntityID: id})
			}
		default:
			return nil, fmt.Errorf("unexpected link_type %q", linkType)
		}
	}
	return l, nil
}

func refFrom(obj map[string]any, prefix string) (EntityReference, error) {
	entityType, _ := obj[prefix+"_type"].(string)
	entityID, _ := obj[prefix+"_id"].(string)
	if entityType == "" || entityID == "" {
		return EntityReference{}, fmt.Errorf("missing %s_type or %s_id", prefix, prefix)
	}
	return EntityReference{EntityType: EntityType(entityType), EntityID: entityID}, nil
}

// AllEntities returns the project together with every referenced entity.
func (l *Links) AllEntities() EntitySet {
	out := NewEntitySet(l.Project)
	for _, s := range []EntitySet{l.Processes, l.Protocols, l.Inputs, l.Outputs, l.SupplementaryFiles} {
		out.Union(s)
	}
	return out
}

// DanglingInputs returns the file inputs neither produced within this links
// document nor attached as supplementary files.
func (l *Links) DanglingInputs() EntitySet {
	out := make(EntitySet)
	for in := range l.Inputs {
		if !strings.HasSuffix(string(in.EntityType), "_file") {
			continue
		}
		if l.Outputs.Has(in) || l.SupplementaryFiles.Has(in) {
			continue
		}
		out.Add(in)
	}
	return out
}
