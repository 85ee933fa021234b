package bundle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// PrecompileError reports a guest-compiler failure. The compiler's raw
// diagnostic is preserved verbatim; a crashed precompilation must abort
// the build rather than leave a half-compacted bundle behind.
type PrecompileError struct {
	Output string
	Err    error
}

func (e *PrecompileError) Error() string {
	msg := "precompilation failed: " + e.Err.Error()
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *PrecompileError) Unwrap() error { return e.Err }

// Precompiler compiles bundled guest source into its cached loadable form
// and strips originals, shrinking the artifact and skipping parse work at
// sandbox start.
type Precompiler struct {
	// Command is the guest compiler invocation; the bundle directory is
	// appended as its final argument. The command is expected to keep
	// going past individual files it cannot compile.
	Command []string

	// SourceSuffix and CacheSuffix identify source files and their
	// compiled siblings.
	SourceSuffix string
	CacheSuffix  string
}

// DefaultPrecompiler returns the stock guest-toolchain configuration.
func DefaultPrecompiler() *Precompiler {
	return &Precompiler{
		Command:      []string{"python3", "-m", "compileall", "-b", "-qq"},
		SourceSuffix: ".py",
		CacheSuffix:  ".pyc",
	}
}

// Run precompiles every source file under dir, then strips originals that
// gained a compiled sibling. Files the compiler skipped stay as source —
// they load slower but still load. A non-zero compiler exit aborts the
// build with the compiler's own diagnostic; the guest compiler is known to
// crash outright on some pathological source shapes and that is a build
// hazard, not a recoverable condition.
func (p *Precompiler) Run(ctx context.Context, dir string) (stripped int, err error) {
	args := append(append([]string(nil), p.Command[1:]...), dir)
	cmd := exec.CommandContext(ctx, p.Command[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, &PrecompileError{Output: string(out), Err: err}
	}

	stripped, err = StripSources(dir, p.SourceSuffix, p.CacheSuffix)
	if err != nil {
		return stripped, fmt.Errorf("stripping sources: %w", err)
	}
	log.Infof("precompiled bundle %s, stripped %d source files", dir, stripped)
	return stripped, nil
}

// StripSources deletes every file under dir with srcSuffix that has a
// sibling with cacheSuffix, and reports how many were removed.
func StripSources(dir, srcSuffix, cacheSuffix string) (int, error) {
	var stripped int
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, srcSuffix) {
			return nil
		}
		cached := strings.TrimSuffix(path, srcSuffix) + cacheSuffix
		if _, err := os.Stat(cached); err != nil {
			return nil // no compiled form, keep the source
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		stripped++
		return nil
	})
	return stripped, err
}
