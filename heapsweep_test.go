// ABOUTME: Checks the layering of the heapsweep subpackages described in the package docs
// ABOUTME: Parses each package's imports and rejects dependencies on higher layers

package heapsweep_test

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
)

const modulePath = "github.com/prateek/heapsweep"

// allowedImports lists, per package, the module packages it may import
var allowedImports = map[string][]string{
	"heap":       nil,
	"monitor":    nil,
	"isolate":    nil,
	"threadpool": nil,
	"trace":      nil,
	"freelist":   {"heap"},
	"sweep":      {"freelist", "heap", "isolate", "monitor", "threadpool"},
	"space":      {"freelist", "heap", "isolate", "monitor", "sweep", "threadpool"},
	"layout":     {"heap", "space", "trace"},
}

// moduleImports returns the module packages imported by the non-test
// files in dir
func moduleImports(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading %s: %v", dir, err)
	}
	seen := make(map[string]bool)
	fset := token.NewFileSet()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			t.Fatalf("parsing %s: %v", name, err)
		}
		for _, imp := range f.Imports {
			path, err := strconv.Unquote(imp.Path.Value)
			if err != nil {
				t.Fatalf("%s: bad import %s", name, imp.Path.Value)
			}
			if pkg, ok := strings.CutPrefix(path, modulePath+"/"); ok {
				seen[pkg] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for pkg := range seen {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

func TestPackageLayering(t *testing.T) {
	for pkg, allowed := range allowedImports {
		t.Run(pkg, func(t *testing.T) {
			ok := make(map[string]bool, len(allowed))
			for _, a := range allowed {
				ok[a] = true
			}
			for _, imp := range moduleImports(t, pkg) {
				if !ok[imp] {
					t.Errorf("%s imports %s, allowed: %v", pkg, imp, allowed)
				}
			}
		})
	}
}

func TestEveryPackageIsLayered(t *testing.T) {
	entries, err := os.ReadDir(".")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "testdata" {
			continue
		}
		if _, ok := allowedImports[name]; !ok {
			t.Errorf("package %s has no layer", name)
		}
	}
}
