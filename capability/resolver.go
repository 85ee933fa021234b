package capability

import (
	"fmt"
	"sort"
)

// Plan is a dependency-ordered sequence of capability names for one build.
// Every dependency precedes its dependents and each name appears exactly
// once. Downstream stages reuse this order verbatim: the glue generator
// registers modules in plan order and the link driver places static
// libraries in plan order. That ordering is load-bearing — it is what
// resolves symbol-versioning clashes between a capability and another one
// that vendors part of its ABI — so nothing may reorder a Plan.
type Plan []string

// ResolutionError reports an unknown or cyclic capability reference.
type ResolutionError struct {
	Name   string
	Reason string
}

func (e *ResolutionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot resolve capability %q: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("unknown capability %q", e.Name)
}

// ValidationError reports a capability whose prebuilt artifact is missing.
type ValidationError struct {
	Capability string
	Artifact   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("capability %q is not built: %s not found", e.Capability, e.Artifact)
}

// Resolve expands a requested capability set into a Plan. The request is
// order-insensitive; to keep plans deterministic the roots are visited in
// sorted order. Each capability's dependencies are appended before the
// capability itself; names reachable through several paths appear once.
func Resolve(reg *Registry, requested []string) (Plan, error) {
	roots := append([]string(nil), requested...)
	sort.Strings(roots)

	var plan Plan
	visited := make(map[string]bool)
	inProgress := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		if inProgress[name] {
			return &ResolutionError{Name: name, Reason: "cyclic dependency"}
		}
		pkg := reg.Lookup(name)
		if pkg == nil {
			return &ResolutionError{Name: name}
		}
		inProgress[name] = true
		for _, dep := range pkg.Deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(inProgress, name)
		visited[name] = true
		plan = append(plan, name)
		return nil
	}

	for _, name := range roots {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// Bindings returns the module bindings of every capability in plan order,
// deduplicated by module name with a first-seen policy. Two capabilities
// binding the same module name to different entry symbols is a
// configuration error.
func Bindings(reg *Registry, plan Plan) ([]ModuleBinding, error) {
	var out []ModuleBinding
	seen := make(map[string]string)
	for _, name := range plan {
		pkg := reg.Lookup(name)
		if pkg == nil {
			return nil, &ResolutionError{Name: name}
		}
		for _, m := range pkg.Modules {
			if sym, ok := seen[m.ModuleName]; ok {
				if sym != m.EntrySymbol {
					return nil, fmt.Errorf("module %q bound to both %q and %q", m.ModuleName, sym, m.EntrySymbol)
				}
				continue
			}
			seen[m.ModuleName] = m.EntrySymbol
			out = append(out, m)
		}
	}
	return out, nil
}

// Libraries returns the static link-library paths of every capability in
// plan order, relative to the prebuilt-dependency root.
func Libraries(reg *Registry, plan Plan) []string {
	var libs []string
	for _, name := range plan {
		if pkg := reg.Lookup(name); pkg != nil {
			libs = append(libs, pkg.Libraries...)
		}
	}
	return libs
}
