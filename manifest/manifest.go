// Package manifest handles sift.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Manifest represents a sift.toml project descriptor.
type Manifest struct {
	Project Project `toml:"project"`
	Module  Module  `toml:"module"`

	// Dir is the directory containing the sift.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Module configures what goes into the sandboxed artifact.
type Module struct {
	// Entry is the guest entry package name. Defaults to the project
	// name with hyphens replaced by underscores.
	Entry string `toml:"entry"`

	// Dependencies are pure-source dependency packages bundled into the
	// artifact. No version solving happens here; each name must already
	// be staged under the build's dependency directory.
	Dependencies []string `toml:"dependencies"`

	// Capabilities are the native capability packages the module needs.
	Capabilities []string `toml:"capabilities"`
}

// ConfigError reports a malformed or incomplete project descriptor.
type ConfigError struct {
	Path   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid project config %s: %s", e.Path, e.Reason)
}

// Load parses a sift.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "sift.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, &ConfigError{Path: path, Reason: err.Error()}
	}

	if m.Project.Name == "" {
		return nil, &ConfigError{Path: path, Reason: "[project].name is required"}
	}
	if m.Module.Entry == "" {
		m.Module.Entry = strings.ReplaceAll(m.Project.Name, "-", "_")
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a sift.toml file, then loads
// and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "sift.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ArtifactName returns the artifact filename for this project, using the
// entry package name so hyphenated project names stay import-safe.
func (m *Manifest) ArtifactName() string {
	return m.Module.Entry + ".wasm"
}

// EntrySourceDir locates the entry package's source tree. Two layouts are
// supported, first match wins: src/<entry>/ and <entry>/ directly under
// the project root. Missing both is a configuration error.
func (m *Manifest) EntrySourceDir() (string, error) {
	candidates := []string{
		filepath.Join(m.Dir, "src", m.Module.Entry),
		filepath.Join(m.Dir, m.Module.Entry),
	}
	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", &ConfigError{
		Path:   filepath.Join(m.Dir, "sift.toml"),
		Reason: fmt.Sprintf("entry package source not found (tried src/%s and %s)", m.Module.Entry, m.Module.Entry),
	}
}
