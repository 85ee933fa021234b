package harness

import (
	"context"
	"testing"
	"time"
)

// Hand-assembled wasm binaries keep these tests free of any toolchain
// dependency. Layout: magic+version, then type, function, export and
// code sections for a single niladic function.

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func wasmModule(exportName string, body []byte) []byte {
	mod := append([]byte{}, wasmHeader...)
	// type section: one type, () -> ()
	mod = append(mod, 0x01, 0x04, 0x01, 0x60, 0x00, 0x00)
	// function section: one function of type 0
	mod = append(mod, 0x03, 0x02, 0x01, 0x00)
	// export section: exportName as func 0
	exp := []byte{0x01, byte(len(exportName))}
	exp = append(exp, exportName...)
	exp = append(exp, 0x00, 0x00)
	mod = append(mod, 0x07, byte(len(exp)))
	mod = append(mod, exp...)
	// code section: one body with no locals
	code := []byte{0x01, byte(len(body) + 2), 0x00}
	code = append(code, body...)
	code = append(code, 0x0b)
	mod = append(mod, 0x0a, byte(len(code)))
	mod = append(mod, code...)
	return mod
}

var (
	// () -> () that returns immediately
	noopBody = []byte{}
	// unreachable
	trapBody = []byte{0x00}
	// loop { br 0 }
	spinBody = []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}
)

func newTestRunner(t *testing.T, moduleBytes []byte) *Runner {
	t.Helper()
	ctx := context.Background()
	r, err := NewRunner(ctx, moduleBytes)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	t.Cleanup(func() { r.Close(ctx) })
	return r
}

func TestEntryConventionDetection(t *testing.T) {
	tests := []struct {
		name   string
		module []byte
		want   EntryConvention
	}{
		{"reactor", wasmModule("process", noopBody), ConventionReactor},
		{"command", wasmModule("_start", noopBody), ConventionCommand},
		{"none", wasmHeader, ConventionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRunner(t, tt.module)
			if got := r.Convention(); got != tt.want {
				t.Fatalf("convention = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRunReactorSucceeds(t *testing.T) {
	r := newTestRunner(t, wasmModule("process", noopBody))
	res := r.Run(context.Background(), []byte("input"), "sample.bin", Options{})
	if !res.Success {
		t.Fatalf("run failed: %v", res.Error)
	}
	if len(res.Tables) != 0 || len(res.SubContent) != 0 {
		t.Fatalf("expected empty output, got %d tables, %d sub-content units",
			len(res.Tables), len(res.SubContent))
	}
}

func TestRunCommandSucceeds(t *testing.T) {
	r := newTestRunner(t, wasmModule("_start", noopBody))
	res := r.Run(context.Background(), []byte("input"), "sample.bin", Options{})
	if !res.Success {
		t.Fatalf("run failed: %v", res.Error)
	}
}

func TestRunWithoutEntryPoint(t *testing.T) {
	r := newTestRunner(t, wasmHeader)
	res := r.Run(context.Background(), []byte("input"), "sample.bin", Options{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error == nil || res.Error.Kind != KindEntryPoint {
		t.Fatalf("error = %+v, want kind %s", res.Error, KindEntryPoint)
	}
}

func TestRunTrapIsContained(t *testing.T) {
	r := newTestRunner(t, wasmModule("process", trapBody))
	res := r.Run(context.Background(), []byte("input"), "sample.bin", Options{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error == nil || res.Error.Kind != KindTrap {
		t.Fatalf("error = %+v, want kind %s", res.Error, KindTrap)
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", res.ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	r := newTestRunner(t, wasmModule("process", spinBody))
	start := time.Now()
	res := r.Run(context.Background(), []byte("input"), "sample.bin",
		Options{Timeout: 200 * time.Millisecond})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error == nil || res.Error.Kind != KindTimeout {
		t.Fatalf("error = %+v, want kind %s", res.Error, KindTimeout)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("teardown took %s", elapsed)
	}
}

func TestRunnerIsReusable(t *testing.T) {
	r := newTestRunner(t, wasmModule("process", noopBody))
	for i := 0; i < 3; i++ {
		res := r.Run(context.Background(), []byte("input"), "sample.bin", Options{})
		if !res.Success {
			t.Fatalf("run %d failed: %v", i, res.Error)
		}
	}
}

func TestLimitedBuffer(t *testing.T) {
	b := newLimitedBuffer(4)
	if _, err := b.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := b.String(); got != "abcd" {
		t.Fatalf("content = %q, want %q", got, "abcd")
	}
	if !b.Truncated() {
		t.Fatal("expected truncation flag")
	}
}
