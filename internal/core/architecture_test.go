package core

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestOnlyCoreAndDatasetImportPersistence ensures the persistence backends
// stay behind the mapping interface. Only the connection manager (which opens
// stores) and the dataset exporter (which materializes database artifacts)
// may import them; everything else depends on domain.Mapping.
func TestOnlyCoreAndDatasetImportPersistence(t *testing.T) {
	persistencePrefix := "flowbase/internal/infra/persistence"
	allowed := []string{
		"flowbase/internal/core",
		"flowbase/internal/dataset",
		"flowbase/cmd/flowbase",
		persistencePrefix,
	}

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "flowbase/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})

	for _, pkg := range pkgs {
		if isAllowed(pkg.PkgPath, allowed) {
			continue
		}
		for importPath := range pkg.Imports {
			if importPath == persistencePrefix || strings.HasPrefix(importPath, persistencePrefix+"/") {
				seen[pkg.PkgPath+": "+importPath] = struct{}{}
			}
		}
	}

	if len(seen) > 0 {
		violations := make([]string, 0, len(seen))
		for v := range seen {
			violations = append(violations, v)
		}
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import of persistence package: %s", v)
		}
		t.Fatalf("found %d forbidden imports of persistence packages", len(violations))
	}
}

func isAllowed(pkgPath string, allowed []string) bool {
	// Test binaries report paths like "pkg [pkg.test]"; strip the suffix.
	if i := strings.IndexByte(pkgPath, ' '); i >= 0 {
		pkgPath = pkgPath[:i]
	}
	pkgPath = strings.TrimSuffix(pkgPath, "_test")
	for _, prefix := range allowed {
		if pkgPath == prefix || strings.HasPrefix(pkgPath, prefix+"/") {
			return true
		}
	}
	return false
}
