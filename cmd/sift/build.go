package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/sift/bundle"
	"github.com/chazu/sift/capability"
	"github.com/chazu/sift/manifest"
	"github.com/chazu/sift/toolchain"
)

// cmdBuild drives the full pipeline: manifest, capability resolution and
// validation, bundle assembly, precompilation, compile and link.
func cmdBuild(args []string) error {
	fs := flag.NewFlagSet("sift build", flag.ExitOnError)
	out := fs.String("o", "", "Artifact output path (default <project>/<entry>.wasm)")
	registryPath := fs.String("registry", "", "Capability registry TOML (default built-in registry)")
	keepBundle := fs.Bool("keep-bundle", false, "Keep the assembled bundle directory for inspection")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sift build [options] [project-dir]\n\n")
		fmt.Fprintf(os.Stderr, "Builds the project at project-dir (default: nearest sift.toml upward from cwd).\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	var m *manifest.Manifest
	var err error
	if dir := fs.Arg(0); dir != "" {
		m, err = manifest.Load(dir)
	} else {
		wd, wdErr := os.Getwd()
		if wdErr != nil {
			return wdErr
		}
		m, err = manifest.FindAndLoad(wd)
		if err == nil && m == nil {
			err = &manifest.ConfigError{
				Path:   filepath.Join(wd, "sift.toml"),
				Reason: "no sift.toml found here or in any parent directory",
			}
		}
	}
	if err != nil {
		return err
	}

	reg := capability.Builtin()
	if *registryPath != "" {
		if reg, err = capability.LoadRegistry(*registryPath); err != nil {
			return err
		}
	}

	plan, err := capability.Resolve(reg, m.Module.Capabilities)
	if err != nil {
		return err
	}

	env := bundle.FromEnv()
	if env.Staged == "" {
		env.Staged = filepath.Join(m.Dir, "deps")
	}
	tc := toolchain.FromEnv()

	if err := capability.Validate(reg, plan, tc.DepsRoot); err != nil {
		return err
	}

	bundleDir, err := os.MkdirTemp("", "sift-bundle-")
	if err != nil {
		return fmt.Errorf("creating bundle directory: %w", err)
	}
	if *keepBundle {
		fmt.Fprintf(os.Stderr, "Bundle: %s\n", bundleDir)
	} else {
		defer os.RemoveAll(bundleDir)
	}

	ctx := context.Background()
	if err := bundle.Assemble(bundleDir, m, reg, plan, env); err != nil {
		return err
	}
	if _, err := bundle.DefaultPrecompiler().Run(ctx, bundleDir); err != nil {
		return err
	}

	outPath := *out
	if outPath == "" {
		outPath = filepath.Join(m.Dir, m.ArtifactName())
	}
	artifact, err := tc.Build(ctx, m, reg, plan, bundleDir, outPath)
	if err != nil {
		return err
	}

	fmt.Printf("Built %s (%s %s, capabilities: %v)\n",
		artifact.Path, artifact.Info.Project, artifact.Info.Version, plan)
	return nil
}
