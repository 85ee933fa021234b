package main

import (
	"errors"
	"os"
	"testing"

	"github.com/chazu/sift/manifest"
)

func TestBuildWithoutManifest(t *testing.T) {
	// t.Chdir requires Go 1.24; this toolchain is 1.21.
	oldwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(oldwd) })

	err = cmdBuild(nil)
	var cfgErr *manifest.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("cmdBuild = %v, want ConfigError", err)
	}
}
