package capability

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// testRegistry builds a registry directly, bypassing LoadRegistry, so
// resolver tests can exercise graphs that loading would reject.
func testRegistry(pkgs ...*Package) *Registry {
	reg := &Registry{packages: make(map[string]*Package)}
	for _, p := range pkgs {
		reg.packages[p.Name] = p
	}
	return reg
}

func TestResolveDependencyOrder(t *testing.T) {
	reg := testRegistry(
		&Package{Name: "a"},
		&Package{Name: "b", Deps: []string{"a"}},
	)

	plan, err := Resolve(reg, []string{"b"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(plan) != 2 || plan[0] != "a" || plan[1] != "b" {
		t.Errorf("plan = %v, want [a b]", plan)
	}
}

func TestResolveTopologicalProperties(t *testing.T) {
	// Diamond: d -> {b, c} -> a. Every name once, deps strictly first.
	reg := testRegistry(
		&Package{Name: "a"},
		&Package{Name: "b", Deps: []string{"a"}},
		&Package{Name: "c", Deps: []string{"a"}},
		&Package{Name: "d", Deps: []string{"b", "c"}},
	)

	plan, err := Resolve(reg, []string{"d", "b"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	pos := make(map[string]int)
	for i, name := range plan {
		if _, dup := pos[name]; dup {
			t.Fatalf("duplicate %q in plan %v", name, plan)
		}
		pos[name] = i
	}
	for _, name := range plan {
		for _, dep := range reg.Lookup(name).Deps {
			if pos[dep] >= pos[name] {
				t.Errorf("dependency %q does not precede %q in %v", dep, name, plan)
			}
		}
	}
	if len(plan) != 4 {
		t.Errorf("plan %v should contain the full closure", plan)
	}
}

func TestResolveUnknownCapability(t *testing.T) {
	reg := testRegistry(&Package{Name: "a"})

	_, err := Resolve(reg, []string{"ghost"})
	var rerr *ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if rerr.Name != "ghost" {
		t.Errorf("error must name the unresolved identifier, got %q", rerr.Name)
	}
}

func TestResolveCycle(t *testing.T) {
	tests := []struct {
		name string
		pkgs []*Package
	}{
		{"self-reference", []*Package{{Name: "a", Deps: []string{"a"}}}},
		{"two-cycle", []*Package{
			{Name: "a", Deps: []string{"b"}},
			{Name: "b", Deps: []string{"a"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := testRegistry(tt.pkgs...)
			_, err := Resolve(reg, []string{"a"})
			var rerr *ResolutionError
			if !errors.As(err, &rerr) {
				t.Fatalf("expected ResolutionError for cycle, got %v", err)
			}
		})
	}
}

func TestBuiltinRegistryResolves(t *testing.T) {
	reg := Builtin()

	plan, err := Resolve(reg, []string{"tabular"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(plan) != 2 || plan[0] != "numeric" || plan[1] != "tabular" {
		t.Errorf("plan = %v, want [numeric tabular]", plan)
	}

	// Link order must follow plan order: numeric's libraries first.
	libs := Libraries(reg, plan)
	if len(libs) == 0 || libs[0] != "sandbox-numeric/lib/libnumeric_core.a" {
		t.Errorf("numeric libraries must precede tabular's: %v", libs)
	}
	last := libs[len(libs)-1]
	if last != "sandbox-tabular/lib/libtabular.a" {
		t.Errorf("tabular library must come last: %v", libs)
	}
}

func TestBindingsDedup(t *testing.T) {
	reg := testRegistry(
		&Package{Name: "a", Modules: []ModuleBinding{{ModuleName: "m", EntrySymbol: "init_m"}}},
		&Package{Name: "b", Deps: []string{"a"}, Modules: []ModuleBinding{
			{ModuleName: "m", EntrySymbol: "init_m"}, // redundant redeclaration
			{ModuleName: "n", EntrySymbol: "init_n"},
		}},
	)

	plan, err := Resolve(reg, []string{"b"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	bindings, err := Bindings(reg, plan)
	if err != nil {
		t.Fatalf("Bindings: %v", err)
	}
	if len(bindings) != 2 {
		t.Fatalf("bindings = %v, want m then n exactly once", bindings)
	}
	if bindings[0].ModuleName != "m" || bindings[1].ModuleName != "n" {
		t.Errorf("bindings out of order: %v", bindings)
	}
}

func TestBindingsConflict(t *testing.T) {
	reg := testRegistry(
		&Package{Name: "a", Modules: []ModuleBinding{{ModuleName: "m", EntrySymbol: "init_m"}}},
		&Package{Name: "b", Modules: []ModuleBinding{{ModuleName: "m", EntrySymbol: "init_other"}}},
	)

	plan, err := Resolve(reg, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := Bindings(reg, plan); err == nil {
		t.Error("conflicting duplicate binding must be rejected")
	}
}

func TestValidateMissingArtifact(t *testing.T) {
	root := t.TempDir()
	reg := testRegistry(&Package{
		Name:       "a",
		Validation: []string{"a/lib/liba.a"},
	})

	err := Validate(reg, Plan{"a"}, root)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Capability != "a" || verr.Artifact != "a/lib/liba.a" {
		t.Errorf("unexpected error detail: %+v", verr)
	}

	// Materialize the artifact and validation passes.
	path := filepath.Join(root, "a", "lib", "liba.a")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("!<arch>\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Validate(reg, Plan{"a"}, root); err != nil {
		t.Errorf("Validate after materializing: %v", err)
	}
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capabilities.toml")
	body := `
[capabilities.xml]
modules = [{ module = "xmlcore.tree", symbol = "init_xmlcore_tree" }]
libraries = ["sandbox-xmlcore/lib/libxmlcore_tree.a"]
source-dirs = ["sandbox-xmlcore/source/xmlcore"]
validation = ["sandbox-xmlcore/lib/libxmlcore_tree.a"]

[capabilities.feeds]
deps = ["xml"]
source-dirs = ["sandbox-feeds/source/feeds"]
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	plan, err := Resolve(reg, []string{"feeds"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(plan) != 2 || plan[0] != "xml" || plan[1] != "feeds" {
		t.Errorf("plan = %v", plan)
	}
}

func TestLoadRegistryRejectsBadGraphs(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown dep", `
[capabilities.a]
deps = ["ghost"]
`},
		{"cycle", `
[capabilities.a]
deps = ["b"]
[capabilities.b]
deps = ["a"]
`},
		{"conflicting binding", `
[capabilities.a]
modules = [{ module = "m", symbol = "init_m" }]
[capabilities.b]
modules = [{ module = "m", symbol = "init_other" }]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "capabilities.toml")
			if err := os.WriteFile(path, []byte(tt.body), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadRegistry(path); err == nil {
				t.Error("expected load to fail")
			}
		})
	}
}
