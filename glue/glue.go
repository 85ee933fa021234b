// Package glue generates the C registration table binding guest module
// names to their native entry-point symbols.
//
// The generated source is the single translation unit the link driver
// compiles: it includes the embedded bundle header and exposes the bundle
// plus the entry module name to the guest runtime. Registration order
// follows the resolved capability plan; keeping that order intact matters
// for the same reason link order does.
package glue

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/chazu/sift/capability"
)

// Params feeds the glue template.
type Params struct {
	EntryModule string
	Bindings    []capability.ModuleBinding
}

var glueTemplate = template.Must(template.New("glue").Parse(`/* Generated registration table. Do not edit. */
#include <stddef.h>
#include <stdio.h>
#include "bundle.h"

#define ENTRY_MODULE "{{.EntryModule}}"

extern int runtime_register_module(const char *name, void *(*init)(void));

{{range .Bindings}}extern void *{{.EntrySymbol}}(void);
{{end}}
const unsigned char *module_bundle_data(size_t *size) {
    *size = BUNDLE_SIZE;
    return BUNDLE_DATA;
}

const char *module_entry_name(void) {
    return ENTRY_MODULE;
}

int register_native_modules(void) {
{{range .Bindings}}    if (runtime_register_module("{{.ModuleName}}", {{.EntrySymbol}}) != 0) {
        fprintf(stderr, "failed to register {{.ModuleName}}\n");
        return 1;
    }
{{end}}    return 0;
}
`))

// Generate renders the registration source for the given bindings. Every
// registration is checked: the first failing one aborts module startup
// with a diagnostic, since a partially registered runtime is unusable.
//
// Bindings must already be deduplicated (capability.Bindings does this);
// Generate rejects a duplicate module name outright because reaching this
// point with one is a configuration defect.
func Generate(entryModule string, bindings []capability.ModuleBinding) (string, error) {
	seen := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		if seen[b.ModuleName] {
			return "", fmt.Errorf("module %q appears twice in registration table", b.ModuleName)
		}
		seen[b.ModuleName] = true
	}

	var buf bytes.Buffer
	err := glueTemplate.Execute(&buf, Params{EntryModule: entryModule, Bindings: bindings})
	if err != nil {
		return "", fmt.Errorf("rendering glue source: %w", err)
	}
	return buf.String(), nil
}
