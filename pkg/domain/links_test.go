package domain

import (
	"strings"
	"testing"
)

func testLinksContent() map[string]any {
	return map[string]any{
		"links": []any{
			map[string]any{
				"link_type":    "process_link",
				"process_type": "analysis_process",
				"process_id":   "proc1",
				"inputs": []any{
					map[string]any{"input_type": "sequence_file", "input_id": "raw1"},
					map[string]any{"input_type": "sequence_file", "input_id": "mid1"},
					map[string]any{"input_type": "cell_suspension", "input_id": "cs1"},
				},
				"outputs": []any{
					map[string]any{"output_type": "analysis_file", "output_id": "out1"},
				},
				"protocols": []any{
					map[string]any{"protocol_type": "analysis_protocol", "protocol_id": "prot1"},
				},
			},
			map[string]any{
				"link_type":    "process_link",
				"process_type": "analysis_process",
				"process_id":   "proc0",
				"inputs":       []any{},
				"outputs": []any{
					map[string]any{"output_type": "sequence_file", "output_id": "mid1"},
				},
				"protocols": []any{},
			},
			map[string]any{
				"link_type": "supplementary_file_link",
				"entity":    map[string]any{"entity_type": "project", "entity_id": "proj"},
				"files":     []any{map[string]any{"file_id": "supp1"}},
			},
		},
	}
}

func TestParseLinks(t *testing.T) {
	project := NewEntityReference("project", "proj")
	links, err := ParseLinks(project, testLinksContent())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(links.Processes) != 2 || len(links.Inputs) != 3 || len(links.Outputs) != 2 {
		t.Fatalf("unexpected link sets: %+v", links)
	}
	if !links.SupplementaryFiles.Has(NewEntityReference(EntityTypeSupplementaryFile, "supp1")) {
		t.Fatalf("supplementary file missing")
	}

	all := links.AllEntities()
	if !all.Has(project) || !all.Has(NewEntityReference("analysis_protocol", "prot1")) {
		t.Fatalf("all entities incomplete: %v", all.Sorted())
	}
	if len(all) != 9 {
		t.Fatalf("expected 9 entities, got %d", len(all))
	}

	dangling := links.DanglingInputs().Sorted()
	if len(dangling) != 1 || dangling[0] != NewEntityReference("sequence_file", "raw1") {
		t.Fatalf("unexpected dangling inputs %v", dangling)
	}
}

func TestParseLinksRejectsForeignSupplementaryFiles(t *testing.T) {
	content := map[string]any{"links": []any{
		map[string]any{
			"link_type": "supplementary_file_link",
			"entity":    map[string]any{"entity_type": "project", "entity_id": "other"},
			"files":     []any{},
		},
	}}
	_, err := ParseLinks(NewEntityReference("project", "proj"), content)
	if err == nil || !strings.Contains(err.Error(), "supplementary file") {
		t.Fatalf("expected association error, got %v", err)
	}
}

func TestParseLinksRejectsUnknownLinkType(t *testing.T) {
	content := map[string]any{"links": []any{map[string]any{"link_type": "mystery"}}}
	if _, err := ParseLinks(NewEntityReference("project", "proj"), content); err == nil {
		t.Fatalf("expected error for unknown link type")
	}
}

func TestBundleEntities(t *testing.T) {
	b := NewBundle(BundleFQID{UUID: "b", Version: "1"})
	if err := b.AddEntity("project_0.json", NewEntityReference("project", "p"), "1", map[string]any{"title": "x"}, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.AddEntity("sequence_file_0.json", NewEntityReference("sequence_file", "f"), "1", map[string]any{}, true); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.AddEntity("project_0.json", NewEntityReference("project", "q"), "1", nil, false); err == nil {
		t.Fatalf("duplicate key must fail")
	}
	if !b.HasEntityType("project") || b.HasEntityType("donor_organism") {
		t.Fatalf("unexpected type presence")
	}
	files := b.EntitiesOfType("sequence_file")
	if len(files) != 1 || !files[0].Stitched {
		t.Fatalf("stitched flag lost: %+v", files)
	}
	if len(b.Entities()) != 2 {
		t.Fatalf("expected 2 entities")
	}
}

func TestBundleFQIDValidate(t *testing.T) {
	ok := BundleFQID{UUID: "7c5c2a2e-2f7e-4e0d-9a4b-0a8c3b6c9f11", Version: "v"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := (BundleFQID{UUID: "nope", Version: "v"}).Validate(); err == nil {
		t.Fatalf("expected uuid error")
	}
	if err := (BundleFQID{UUID: ok.UUID}).Validate(); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestParseEntityReference(t *testing.T) {
	ref, err := ParseEntityReference("files/abc")
	if err != nil || ref != NewEntityReference("files", "abc") {
		t.Fatalf("parse: %v %v", ref, err)
	}
	if _, err := ParseEntityReference("files"); err == nil {
		t.Fatalf("expected error")
	}
}
