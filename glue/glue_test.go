package glue

import (
	"strings"
	"testing"

	"github.com/chazu/sift/capability"
)

func TestGenerate(t *testing.T) {
	src, err := Generate("demo", []capability.ModuleBinding{
		{ModuleName: "numeric.core", EntrySymbol: "init_numeric_core"},
		{ModuleName: "tabular.frame", EntrySymbol: "init_tabular_frame"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	for _, want := range []string{
		`#define ENTRY_MODULE "demo"`,
		"extern void *init_numeric_core(void);",
		"extern void *init_tabular_frame(void);",
		`runtime_register_module("numeric.core", init_numeric_core)`,
		`failed to register numeric.core`,
	} {
		if !strings.Contains(src, want) {
			t.Errorf("generated source missing %q:\n%s", want, src)
		}
	}

	// Registration order follows binding order: numeric before tabular.
	if strings.Index(src, "numeric.core") > strings.Index(src, "tabular.frame") {
		t.Error("registrations out of plan order")
	}
	// Each failing registration returns immediately.
	if !strings.Contains(src, "return 1;") {
		t.Error("registration failures must abort")
	}
}

func TestGenerateEmptyBindings(t *testing.T) {
	src, err := Generate("demo", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(src, "int register_native_modules(void)") {
		t.Errorf("empty table must still define the registration hook:\n%s", src)
	}
	if strings.Contains(src, "extern") {
		t.Errorf("no extern declarations expected:\n%s", src)
	}
}

func TestGenerateRejectsDuplicateModule(t *testing.T) {
	_, err := Generate("demo", []capability.ModuleBinding{
		{ModuleName: "m", EntrySymbol: "init_m"},
		{ModuleName: "m", EntrySymbol: "init_m"},
	})
	if err == nil {
		t.Error("duplicate module name must be rejected")
	}
}
