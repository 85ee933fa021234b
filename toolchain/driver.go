// Package toolchain drives the WASI C toolchain that turns one assembled
// bundle plus generated glue into a deployable sandboxed artifact.
package toolchain

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/sift/capability"
	"github.com/chazu/sift/glue"
	"github.com/chazu/sift/manifest"
)

var log = commonlog.GetLogger("sift.toolchain")

// Sandbox resource parameters. These are fixed across all builds; the
// harness and the link step must agree on them.
const (
	initialMemoryBytes = 134217728 // 128 MB
	maxMemoryBytes     = 268435456 // 256 MB
	stackSizeBytes     = 8388608   // 8 MB, placed first in memory

	// EntryExport is the single designated export every artifact exposes
	// as its processing entry point.
	EntryExport = "process"
)

// CompileError reports a non-zero exit from the compile step. The
// toolchain's output is passed through verbatim.
type CompileError struct {
	Output string
	Err    error
}

func (e *CompileError) Error() string {
	return "compilation failed: " + e.Err.Error() + "\n" + strings.TrimSpace(e.Output)
}

func (e *CompileError) Unwrap() error { return e.Err }

// LinkError reports a non-zero exit from the link step, output verbatim.
type LinkError struct {
	Output string
	Err    error
}

func (e *LinkError) Error() string {
	return "linking failed: " + e.Err.Error() + "\n" + strings.TrimSpace(e.Output)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Toolchain locates the WASI SDK and the prebuilt trees a link draws from.
type Toolchain struct {
	// CC is the WASI clang driver.
	CC string

	// Sysroot is the WASI sysroot shipped with the SDK.
	Sysroot string

	// RuntimeRoot is the prebuilt guest interpreter: include/ for
	// headers, lib/ for its static libraries.
	RuntimeRoot string

	// DepsRoot holds the prebuilt capability and sandbox-support trees.
	DepsRoot string
}

// FromEnv builds a Toolchain from SIFT_WASI_SDK, SIFT_RUNTIME and
// SIFT_DEPS, with conventional defaults for anything unset.
func FromEnv() *Toolchain {
	sdk := os.Getenv("SIFT_WASI_SDK")
	if sdk == "" {
		sdk = "/opt/wasi-sdk"
	}
	runtime := os.Getenv("SIFT_RUNTIME")
	if runtime == "" {
		runtime = "/opt/sift/runtime"
	}
	deps := os.Getenv("SIFT_DEPS")
	if deps == "" {
		deps = "/opt/sift/deps"
	}
	return &Toolchain{
		CC:          filepath.Join(sdk, "bin", "clang"),
		Sysroot:     filepath.Join(sdk, "share", "wasi-sysroot"),
		RuntimeRoot: runtime,
		DepsRoot:    deps,
	}
}

func (tc *Toolchain) cflags(buildDir string) []string {
	return []string{
		"-O2",
		"-D_WASI_EMULATED_SIGNAL",
		"-D_WASI_EMULATED_GETPID",
		"-D_WASI_EMULATED_PROCESS_CLOCKS",
		"-I" + filepath.Join(tc.RuntimeRoot, "include"),
		"-I" + buildDir,
		"-fvisibility=default",
	}
}

func (tc *Toolchain) ldflags() []string {
	return []string{
		"-Wl,--allow-undefined",
		"-Wl,--export=" + EntryExport,
		fmt.Sprintf("-Wl,--initial-memory=%d", initialMemoryBytes),
		fmt.Sprintf("-Wl,--max-memory=%d", maxMemoryBytes),
		"-Wl,--no-entry",
		"-z", fmt.Sprintf("stack-size=%d", stackSizeBytes),
		"-Wl,--stack-first",
	}
}

// Build compiles the glue for the given bundle and links the artifact at
// outPath, returning its descriptor. Both toolchain invocations are
// deterministic given identical inputs, so failures are surfaced verbatim
// and never retried.
func (tc *Toolchain) Build(ctx context.Context, m *manifest.Manifest, reg *capability.Registry, plan capability.Plan, bundleDir, outPath string) (*Artifact, error) {
	buildDir, err := os.MkdirTemp("", "sift-build-")
	if err != nil {
		return nil, fmt.Errorf("creating build directory: %w", err)
	}
	defer os.RemoveAll(buildDir)

	// Pack the bundle and embed it as a header.
	packed, err := packBundle(bundleDir)
	if err != nil {
		return nil, err
	}
	if err := writeBundleHeader(filepath.Join(buildDir, "bundle.h"), packed); err != nil {
		return nil, fmt.Errorf("writing bundle header: %w", err)
	}
	log.Infof("packed bundle: %d bytes", len(packed))

	// Generate and write the glue translation unit.
	bindings, err := capability.Bindings(reg, plan)
	if err != nil {
		return nil, err
	}
	glueSrc, err := glue.Generate(m.Module.Entry, bindings)
	if err != nil {
		return nil, err
	}
	gluePath := filepath.Join(buildDir, "module_glue.c")
	if err := os.WriteFile(gluePath, []byte(glueSrc), 0644); err != nil {
		return nil, fmt.Errorf("writing glue source: %w", err)
	}

	// Compile.
	objPath := filepath.Join(buildDir, "module_glue.o")
	compileArgs := append(tc.cflags(buildDir), "-c", gluePath, "-o", objPath)
	cmd := exec.CommandContext(ctx, tc.CC, compileArgs...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, &CompileError{Output: string(out), Err: err}
	}

	// Link.
	linkArgs := tc.cflags(buildDir)
	linkArgs = append(linkArgs, objPath, "-o", outPath)
	linkArgs = append(linkArgs, tc.runtimeLibs()...)
	for _, lib := range capability.Libraries(reg, plan) {
		linkArgs = append(linkArgs, filepath.Join(tc.DepsRoot, lib))
	}
	linkArgs = append(linkArgs, tc.supportLibs()...)
	linkArgs = append(linkArgs, "-lm")
	linkArgs = append(linkArgs, tc.ldflags()...)
	cmd = exec.CommandContext(ctx, tc.CC, linkArgs...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, &LinkError{Output: string(out), Err: err}
	}

	art := &Artifact{
		Path: outPath,
		Info: ArtifactInfo{
			Project:      m.Project.Name,
			Version:      m.Project.Version,
			Entry:        m.Module.Entry,
			EntryExport:  EntryExport,
			Capabilities: plan,
			BuiltAt:      time.Now().UTC(),
		},
	}
	if err := art.WriteInfo(); err != nil {
		return nil, err
	}
	log.Infof("built artifact %s", outPath)
	return art, nil
}

// runtimeLibs returns the guest interpreter's static libraries. The
// interpreter library comes first; its bundled extension archives follow.
func (tc *Toolchain) runtimeLibs() []string {
	libDir := filepath.Join(tc.RuntimeRoot, "lib")
	libs := []string{
		"-L" + libDir,
		"-lpython3.13",
		filepath.Join(libDir, "libmpdec.a"),
		filepath.Join(libDir, "libexpat.a"),
		filepath.Join(libDir, "libsqlite3.a"),
	}
	// Crypto primitive archives are split per algorithm by the runtime
	// build; pick up whatever is there.
	if hacl, err := filepath.Glob(filepath.Join(libDir, "libHacl_*.a")); err == nil {
		libs = append(libs, hacl...)
	}
	return libs
}

// supportLibs returns the fixed sandbox-support archives every artifact
// links: compression libraries and the WASI emulation shims.
func (tc *Toolchain) supportLibs() []string {
	emu := filepath.Join(tc.Sysroot, "lib", "wasm32-wasip1")
	return []string{
		filepath.Join(tc.DepsRoot, "sandbox-zlib", "lib", "libz.a"),
		filepath.Join(tc.DepsRoot, "sandbox-bzip2", "lib", "libbz2.a"),
		filepath.Join(tc.DepsRoot, "sandbox-xz", "lib", "liblzma.a"),
		filepath.Join(emu, "libwasi-emulated-signal.a"),
		filepath.Join(emu, "libwasi-emulated-getpid.a"),
		filepath.Join(emu, "libwasi-emulated-process-clocks.a"),
	}
}
