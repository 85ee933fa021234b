// Package bundle materializes one build's complete source+support tree and
// compacts it into its precompiled form.
//
// A Bundle is owned by a single build invocation: it is assembled into a
// scratch directory, precompiled in place, embedded into the artifact by
// the link driver, and discarded.
package bundle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/sift/capability"
	"github.com/chazu/sift/manifest"
)

var log = commonlog.GetLogger("sift.bundle")

// Env locates the fixed source trees an assembly draws from.
type Env struct {
	// GuestLib is the guest-facing runtime support library source tree.
	GuestLib string

	// DepsRoot holds the prebuilt capability trees (libraries, source
	// dirs, validation artifacts).
	DepsRoot string

	// Stubs holds sandbox-compatibility stub trees. Stubs are copied
	// last and shadow true source files with sandbox-safe replacements.
	Stubs string

	// Staged holds pure-source dependency packages already fetched and
	// unpacked by the build orchestrator.
	Staged string
}

// FromEnv builds an Env from SIFT_GUEST_LIB, SIFT_DEPS, SIFT_STUBS and
// SIFT_STAGED, with /opt/sift defaults matching the toolchain layout.
func FromEnv() Env {
	return Env{
		// The terminal path component is the guest import name;
		// guestlib/sift ships in-tree.
		GuestLib: envOr("SIFT_GUEST_LIB", "guestlib/sift"),
		DepsRoot: envOr("SIFT_DEPS", "/opt/sift/deps"),
		Stubs:    envOr("SIFT_STUBS", "/opt/sift/stubs"),
		Staged:   os.Getenv("SIFT_STAGED"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Assemble builds the bundle tree for one build under dest. The source
// project is never mutated. Steps run in a fixed order; the ordering is
// part of the contract — capability sources must not clobber the guest
// project, and stubs must be able to clobber everything.
func Assemble(dest string, m *manifest.Manifest, reg *capability.Registry, plan capability.Plan, env Env) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("creating bundle directory: %w", err)
	}

	// Guest-facing runtime support library.
	libName := filepath.Base(env.GuestLib)
	if err := copyTree(env.GuestLib, filepath.Join(dest, libName)); err != nil {
		return fmt.Errorf("bundling support library: %w", err)
	}

	// Guest project entry package.
	srcDir, err := m.EntrySourceDir()
	if err != nil {
		return err
	}
	if err := copyTree(srcDir, filepath.Join(dest, m.Module.Entry)); err != nil {
		return fmt.Errorf("bundling project source: %w", err)
	}

	// Capability support sources, in plan order. Install names are the
	// terminal path component; an already-installed name is skipped, so
	// the first writer wins.
	for _, name := range plan {
		pkg := reg.Lookup(name)
		if pkg == nil {
			return &capability.ResolutionError{Name: name}
		}
		for _, dir := range pkg.SourceDirs {
			src := filepath.Join(env.DepsRoot, dir)
			installed := filepath.Join(dest, filepath.Base(dir))
			if _, err := os.Stat(installed); err == nil {
				log.Debugf("skipping %s: name already installed", dir)
				continue
			}
			if err := copyTree(src, installed); err != nil {
				return fmt.Errorf("bundling capability %s: %w", name, err)
			}
		}
		for _, file := range pkg.SourceFiles {
			src := filepath.Join(env.DepsRoot, file)
			installed := filepath.Join(dest, filepath.Base(file))
			if _, err := os.Stat(installed); err == nil {
				continue
			}
			if err := copyFile(src, installed); err != nil {
				return fmt.Errorf("bundling capability %s: %w", name, err)
			}
		}
	}

	// Declared pure-source dependency packages, from the staging area.
	if len(m.Module.Dependencies) > 0 {
		if err := copyStagedDeps(env.Staged, dest, m.Module.Dependencies); err != nil {
			return fmt.Errorf("bundling dependencies: %w", err)
		}
	}

	// Stub trees go last so they can override true source files with
	// sandbox-safe replacements when both exist.
	if env.Stubs != "" {
		if _, err := os.Stat(env.Stubs); err == nil {
			if err := overlayTree(env.Stubs, dest); err != nil {
				return fmt.Errorf("bundling sandbox stubs: %w", err)
			}
		}
	}

	return nil
}

// copyStagedDeps installs the declared dependency packages from the
// staging area into dest. Undeclared staged entries and package-metadata
// directories are left behind; anything already installed is skipped.
func copyStagedDeps(staged, dest string, declared []string) error {
	entries, err := os.ReadDir(staged)
	if err != nil {
		return fmt.Errorf("listing staged dependencies: %w", err)
	}
	wanted := make(map[string]bool, len(declared))
	for _, dep := range declared {
		wanted[dep] = true
	}
	for _, e := range entries {
		name := e.Name()
		if isMetadataDir(name) {
			continue
		}
		// Directories match by package name, loose modules by filename
		// without the source extension.
		stem := name
		if !e.IsDir() {
			stem = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if !wanted[stem] {
			continue
		}
		target := filepath.Join(dest, name)
		if _, err := os.Stat(target); err == nil {
			continue
		}
		src := filepath.Join(staged, name)
		if e.IsDir() {
			if err := copyTree(src, target); err != nil {
				return err
			}
		} else {
			if err := copyFile(src, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func isMetadataDir(name string) bool {
	return filepath.Ext(name) == ".dist-info" || filepath.Ext(name) == ".egg-info"
}

// copyTree copies src recursively to dest. dest must not exist yet.
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}

// overlayTree copies src recursively onto dest, replacing files that
// already exist.
func overlayTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if _, err := os.Stat(target); err == nil {
			if err := os.Remove(target); err != nil {
				return err
			}
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
