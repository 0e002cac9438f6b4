package plugins

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"metaindex/testutil"
)

// pluginImportForbidden admits pkg/domain and the core plugin API. Plugins
// must not reach for index backends, blob stores or repositories.
func pluginImportForbidden(path string) bool {
	if !strings.HasPrefix(path, "metaindex/internal/") {
		return false
	}
	return path != "metaindex/internal/core"
}

// TestPluginsUseOnlyThePluginAPI scans every plugin package directory.
func TestPluginsUseOnlyThePluginAPI(t *testing.T) {
	entries, err := os.ReadDir(".")
	if err != nil {
		t.Fatalf("read plugins dir: %v", err)
	}
	checked := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		testutil.AssertNoDirectImports(t, filepath.Join(".", e.Name()), pluginImportForbidden, "plugins depend on internal/core and pkg/domain only")
		checked++
	}
	if checked == 0 {
		t.Fatalf("no plugin packages found")
	}
}

func TestPluginImportForbidden(t *testing.T) {
	cases := map[string]bool{
		"metaindex/internal/core":            false,
		"metaindex/pkg/domain":               false,
		"fmt":                                false,
		"metaindex/internal/index":           true,
		"metaindex/internal/infra/index/sql": true,
		"metaindex/internal/repository":      true,
	}
	for path, want := range cases {
		if got := pluginImportForbidden(path); got != want {
			t.Fatalf("pluginImportForbidden(%q) = %v, want %v", path, got, want)
		}
	}
}
