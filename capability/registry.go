// Package capability maintains the registry of native capability packages
// and resolves requested sets into dependency-ordered build plans.
//
// A capability is a named unit of native functionality (XML parsing,
// numeric arrays, ...) carrying the static libraries, pure-source support
// trees and module entry-point bindings a build must fold in when a guest
// project requests it.
package capability

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ModuleBinding associates a guest-visible module name with the native
// entry-point symbol the glue code registers for it.
type ModuleBinding struct {
	ModuleName  string `toml:"module"`
	EntrySymbol string `toml:"symbol"`
}

// Package describes one native capability. Packages are immutable after
// registry construction.
type Package struct {
	Name string `toml:"-"`

	// Modules are registered with the guest runtime in declaration order.
	Modules []ModuleBinding `toml:"modules"`

	// Libraries are static archives linked in declaration order,
	// relative to the prebuilt-dependency root.
	Libraries []string `toml:"libraries"`

	// SourceDirs are pure-source support trees bundled alongside the
	// guest project, installed under their terminal path component.
	SourceDirs []string `toml:"source-dirs"`

	// SourceFiles are single pure-source modules bundled at top level.
	SourceFiles []string `toml:"source-files"`

	// Deps names capabilities that must be resolved (and linked) first.
	Deps []string `toml:"deps"`

	// Validation lists files that must exist under the prebuilt root for
	// the capability to be considered built.
	Validation []string `toml:"validation"`
}

// Registry is a read-only table of capability packages, fixed at process
// start.
type Registry struct {
	packages map[string]*Package
}

// Builtin returns the registry of capabilities shipped with the builder.
func Builtin() *Registry {
	reg := &Registry{packages: map[string]*Package{
		"xml": {
			Name: "xml",
			Modules: []ModuleBinding{
				{ModuleName: "xmlcore.tree", EntrySymbol: "init_xmlcore_tree"},
			},
			Libraries: []string{
				"sandbox-xmlcore/lib/libxmlcore_tree.a",
				"sandbox-xsl/lib/libxsl.a",
				"sandbox-xml2/lib/libxml2.a",
			},
			SourceDirs: []string{"sandbox-xmlcore/source/xmlcore"},
			Validation: []string{
				"sandbox-xmlcore/lib/libxmlcore_tree.a",
				"sandbox-xml2/lib/libxml2.a",
			},
		},
		"numeric": {
			Name: "numeric",
			Modules: []ModuleBinding{
				{ModuleName: "numeric.core", EntrySymbol: "init_numeric_core"},
				{ModuleName: "numeric.random", EntrySymbol: "init_numeric_random"},
				{ModuleName: "numeric.linalg", EntrySymbol: "init_numeric_linalg"},
			},
			Libraries: []string{
				"sandbox-numeric/lib/libnumeric_core.a",
				"sandbox-numeric/lib/libnumeric_math.a",
			},
			SourceDirs: []string{"sandbox-numeric/source/numeric"},
			Validation: []string{"sandbox-numeric/lib/libnumeric_core.a"},
		},
		// tabular vendors an incompatible copy of part of numeric's ABI;
		// declaring the dependency keeps numeric's libraries first on the
		// link line, which is what resolves the symbol clash.
		"tabular": {
			Name: "tabular",
			Modules: []ModuleBinding{
				{ModuleName: "tabular.frame", EntrySymbol: "init_tabular_frame"},
				{ModuleName: "tabular.parsers", EntrySymbol: "init_tabular_parsers"},
			},
			Libraries:  []string{"sandbox-tabular/lib/libtabular.a"},
			SourceDirs: []string{"sandbox-tabular/source/tabular"},
			Deps:       []string{"numeric"},
			Validation: []string{"sandbox-tabular/lib/libtabular.a"},
		},
	}}
	return reg
}

// Lookup returns the named package, or nil.
func (r *Registry) Lookup(name string) *Package {
	return r.packages[name]
}

// Names returns all registered capability names, in no particular order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.packages))
	for name := range r.packages {
		names = append(names, name)
	}
	return names
}

// registryFile is the on-disk shape of a capability registry.
type registryFile struct {
	Capabilities map[string]*Package `toml:"capabilities"`
}

// LoadRegistry reads a capability registry from a TOML file and validates
// it: every declared dependency must exist, the dependency graph must be
// acyclic, and no two capabilities may bind the same module name to
// different entry symbols.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var file registryFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	reg := &Registry{packages: make(map[string]*Package, len(file.Capabilities))}
	for name, pkg := range file.Capabilities {
		pkg.Name = name
		reg.packages[name] = pkg
	}
	if err := reg.validate(); err != nil {
		return nil, fmt.Errorf("invalid registry %s: %w", path, err)
	}
	return reg, nil
}

// validate rejects unknown dependency names, cycles and conflicting module
// bindings. Cyclic declarations are a configuration defect and must never
// reach the resolver.
func (r *Registry) validate() error {
	bindings := make(map[string]string) // module name -> entry symbol
	for _, pkg := range r.packages {
		for _, dep := range pkg.Deps {
			if r.packages[dep] == nil {
				return &ResolutionError{Name: dep, Reason: fmt.Sprintf("declared by %q but not registered", pkg.Name)}
			}
		}
		for _, m := range pkg.Modules {
			if sym, seen := bindings[m.ModuleName]; seen && sym != m.EntrySymbol {
				return fmt.Errorf("module %q bound to both %q and %q", m.ModuleName, sym, m.EntrySymbol)
			} else if !seen {
				bindings[m.ModuleName] = m.EntrySymbol
			}
		}
	}

	// Full resolve over every package surfaces any cycle.
	for name := range r.packages {
		if _, err := Resolve(r, []string{name}); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that every capability in the plan has its prebuilt
// validation artifacts present under depsRoot.
func Validate(reg *Registry, plan Plan, depsRoot string) error {
	for _, name := range plan {
		pkg := reg.Lookup(name)
		if pkg == nil {
			return &ResolutionError{Name: name}
		}
		for _, rel := range pkg.Validation {
			full := filepath.Join(depsRoot, rel)
			if _, err := os.Stat(full); err != nil {
				return &ValidationError{Capability: name, Artifact: rel}
			}
		}
	}
	return nil
}
