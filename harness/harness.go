// Package harness executes sandboxed artifacts against untrusted input
// inside an isolated wazero runtime.
//
// A run walks a fixed progression: capsule provisioned, module
// instantiated, entry dispatched, then completed, trapped or timed out.
// Side effects are confined to the capsule; the guest sees no network, no
// host paths and no way to spawn anything.
package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"github.com/tliron/commonlog"

	"github.com/chazu/sift/protocol"
)

var log = commonlog.GetLogger("sift.harness")

// memoryLimitPages caps guest linear memory at 256 MB (64 KiB pages),
// matching the link-time maximum.
const memoryLimitPages = 4096

const (
	processExport    = "process"
	initializeExport = "_initialize"
	startExport      = "_start"
)

// EntryConvention identifies how an artifact expects to be driven. It is
// resolved once at load time from the module's exports, with a fixed
// precedence, rather than probed call-by-call.
type EntryConvention int

const (
	// ConventionNone means no recognized entry point is exported.
	ConventionNone EntryConvention = iota

	// ConventionReactor is the persistent-instance style: an optional
	// one-time initialization export followed by the processing export.
	// It takes precedence when both conventions' exports are present.
	ConventionReactor

	// ConventionCommand is the run-once style driven through the
	// program-start export.
	ConventionCommand
)

func (c EntryConvention) String() string {
	switch c {
	case ConventionReactor:
		return "reactor"
	case ConventionCommand:
		return "command"
	default:
		return "none"
	}
}

// Options bound one run.
type Options struct {
	// Timeout is the wall-clock budget; zero means unbounded. On expiry
	// the instance is torn down and nothing is decoded.
	Timeout time.Duration

	// MaxOutput caps captured stdout and stderr, each. Zero applies a
	// 1 MB default.
	MaxOutput int
}

// Runner holds one compiled artifact ready for any number of independent
// runs. Runs share nothing but the compiled code; each run gets a fresh
// anonymous instance and capsule, so a Runner is safe for concurrent use.
type Runner struct {
	runtime    wazero.Runtime
	compiled   wazero.CompiledModule
	convention EntryConvention
}

// NewRunner compiles an artifact into a reusable Runner and resolves its
// entry convention.
func NewRunner(ctx context.Context, moduleBytes []byte) (*Runner, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(memoryLimitPages))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiating WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, moduleBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compiling module: %w", err)
	}

	r := &Runner{runtime: rt, compiled: compiled}
	exports := compiled.ExportedFunctions()
	if _, ok := exports[processExport]; ok {
		r.convention = ConventionReactor
	} else if _, ok := exports[startExport]; ok {
		r.convention = ConventionCommand
	}
	log.Debugf("loaded module, entry convention %s", r.convention)
	return r, nil
}

// LoadArtifact reads a compiled artifact from disk and wraps it in a
// Runner.
func LoadArtifact(ctx context.Context, path string) (*Runner, error) {
	moduleBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return NewRunner(ctx, moduleBytes)
}

// Convention reports the entry convention resolved at load time.
func (r *Runner) Convention() EntryConvention { return r.convention }

// Close releases the runtime and compiled module.
func (r *Runner) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// RunFile executes the artifact against the file at samplePath. The
// returned error covers host-side input problems only; everything that
// happens inside the sandbox lands in the Result.
func (r *Runner) RunFile(ctx context.Context, samplePath, filename string, opts Options) (*Result, error) {
	input, err := os.ReadFile(samplePath)
	if err != nil {
		return nil, fmt.Errorf("reading sample: %w", err)
	}
	if filename == "" {
		filename = filepath.Base(samplePath)
	}
	return r.Run(ctx, input, filename, opts), nil
}

// Run executes the artifact against one input inside a fresh capsule and
// returns the result document. It never returns an error: any failure is
// reported through the document's error field.
func (r *Runner) Run(ctx context.Context, input []byte, filename string, opts Options) *Result {
	capsule, err := Provision(input, filename)
	if err != nil {
		return failure(KindTrap, "provisioning capsule: "+err.Error())
	}
	defer capsule.Destroy()

	if r.convention == ConventionNone {
		// Reject before instantiation; nothing of the guest runs.
		return failure(KindEntryPoint, "module exports neither a processing nor a start entry point")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	maxOutput := opts.MaxOutput
	if maxOutput <= 0 {
		maxOutput = 1 << 20
	}
	stdout := newLimitedBuffer(maxOutput)
	stderr := newLimitedBuffer(maxOutput)

	cfg := wazero.NewModuleConfig().
		WithName(""). // anonymous: runs of one Runner may overlap
		WithStdout(stdout).
		WithStderr(stderr).
		WithEnv(protocol.FilenameEnv, filename).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(capsule.Root, "/")).
		WithStartFunctions() // entry dispatch is explicit in call()

	mod, err := r.runtime.InstantiateModule(ctx, r.compiled, cfg)
	if err != nil {
		res := classify(ctx, err)
		attachOutput(res, stdout, stderr)
		return res
	}
	defer mod.Close(ctx)

	res := r.call(ctx, mod)
	attachOutput(res, stdout, stderr)
	if !res.Success {
		return res
	}

	tables, units, err := capsule.Decode()
	if err != nil {
		failed := failure(KindProtocol, err.Error())
		attachOutput(failed, stdout, stderr)
		return failed
	}
	res.Tables = tables
	res.SubContent = units
	return res
}

// call drives the instantiated module through its entry convention and
// classifies how it came back.
func (r *Runner) call(ctx context.Context, mod api.Module) *Result {
	switch r.convention {
	case ConventionReactor:
		if init := mod.ExportedFunction(initializeExport); init != nil {
			if _, err := init.Call(ctx); err != nil {
				return classify(ctx, err)
			}
		}
		ret, err := mod.ExportedFunction(processExport).Call(ctx)
		if err != nil {
			return classify(ctx, err)
		}
		// A conventional processing export returns a status code;
		// modules exporting a niladic signature report success
		// implicitly.
		if len(ret) > 0 && int32(ret[0]) != 0 {
			return &Result{
				Error:    &RunError{Kind: KindTrap, Message: fmt.Sprintf("processing returned status %d", int32(ret[0]))},
				ExitCode: int(int32(ret[0])),
			}
		}
		return &Result{Success: true}

	case ConventionCommand:
		if _, err := mod.ExportedFunction(startExport).Call(ctx); err != nil {
			return classify(ctx, err)
		}
		return &Result{Success: true}
	}
	return failure(KindEntryPoint, "no entry convention resolved")
}

// classify maps an execution error onto the run error taxonomy. Deadline
// expiry wins over whatever the runtime reported while tearing down.
func classify(ctx context.Context, err error) *Result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure(KindTimeout, "execution exceeded time budget")
	}

	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case 0:
			return &Result{Success: true}
		case sys.ExitCodeDeadlineExceeded:
			return failure(KindTimeout, "execution exceeded time budget")
		default:
			return &Result{
				Error:    &RunError{Kind: KindTrap, Message: fmt.Sprintf("module exited with status %d", exit.ExitCode())},
				ExitCode: int(int32(exit.ExitCode())),
			}
		}
	}
	return failure(KindTrap, err.Error())
}

func attachOutput(res *Result, stdout, stderr *limitedBuffer) {
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.StdoutTrunc = stdout.Truncated()
	res.StderrTrunc = stderr.Truncated()
}
