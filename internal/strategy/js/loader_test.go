package js

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/coachpo/tally/errs"
)

const probeModule = `
module.exports = {
  metadata: { name: "probe", version: "1.0.0", description: "test probe" },
  create: function(env) {
    return { eval: function(event, snapshot) { return null; } };
  }
};
`

func writeModule(t *testing.T, dir, filename, source string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(source), 0o600); err != nil {
		t.Fatalf("write module: %v", err)
	}
}

func loadedLoader(t *testing.T, dir string) *Loader {
	t.Helper()
	loader, err := NewLoader(dir)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if err := loader.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return loader
}

func TestRefreshCatalogsModules(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "probe.js", probeModule)
	writeModule(t, dir, "README.md", "not a module")

	loader := loadedLoader(t, dir)
	summaries := loader.List()
	if len(summaries) != 1 {
		t.Fatalf("loaded %d modules, want 1", len(summaries))
	}
	got := summaries[0]
	if got.Name != "probe" || got.File != "probe.js" {
		t.Fatalf("summary = %+v", got)
	}
	if got.Hash == "" || got.Size == 0 {
		t.Fatalf("summary missing hash or size: %+v", got)
	}
	if got.Metadata.Version != "1.0.0" {
		t.Fatalf("metadata = %+v", got.Metadata)
	}

	module, err := loader.Get("PROBE")
	if err != nil {
		t.Fatalf("Get by upper name: %v", err)
	}
	if module.Program == nil {
		t.Fatal("module has no compiled program")
	}
}

func TestRefreshRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "one.js", probeModule)
	writeModule(t, dir, "two.js", probeModule)

	loader, err := NewLoader(dir)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if err := loader.Refresh(context.Background()); !errs.Is(err, errs.CodeConfig) {
		t.Fatalf("err = %v, want config error", err)
	}
}

func TestRefreshRejectsBrokenModules(t *testing.T) {
	cases := []struct {
		name   string
		source string
	}{
		{name: "syntax error", source: `module.exports = {`},
		{name: "missing metadata", source: `module.exports = { create: function() { return {}; } };`},
		{name: "blank name", source: `module.exports = { metadata: { name: "  " }, create: function() {} };`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeModule(t, dir, "bad.js", tc.source)
			loader, err := NewLoader(dir)
			if err != nil {
				t.Fatalf("NewLoader: %v", err)
			}
			if err := loader.Refresh(context.Background()); !errs.Is(err, errs.CodeConfig) {
				t.Fatalf("err = %v, want config error", err)
			}
		})
	}
}

func TestRefreshKeepsCatalogOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "probe.js", probeModule)
	loader := loadedLoader(t, dir)

	writeModule(t, dir, "broken.js", `module.exports = {`)
	if err := loader.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh failure")
	}
	if _, err := loader.Get("probe"); err != nil {
		t.Fatalf("previous catalog lost: %v", err)
	}
}

func TestGetUnknownModuleIsNotFound(t *testing.T) {
	loader := loadedLoader(t, t.TempDir())
	if _, err := loader.Get("ghost"); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestNewLoaderCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "scripts")
	loader, err := NewLoader(root)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if loader.Root() != root {
		t.Fatalf("root = %s", loader.Root())
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("root not created: %v", err)
	}
}
