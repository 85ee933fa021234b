package toolchain

import (
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical encoding so sidecars are byte-deterministic
// for identical inputs.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("toolchain: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ArtifactInfo describes one compiled artifact: what it was built from and
// how the harness should drive it. Immutable once written.
type ArtifactInfo struct {
	Project      string    `cbor:"project"`
	Version      string    `cbor:"version"`
	Entry        string    `cbor:"entry"`
	EntryExport  string    `cbor:"entry_export"`
	Capabilities []string  `cbor:"capabilities"`
	BuiltAt      time.Time `cbor:"built_at"`
}

// Artifact is a compiled sandboxed module plus its descriptor sidecar.
type Artifact struct {
	Path string
	Info ArtifactInfo
}

// SidecarPath returns the descriptor path next to the artifact.
func (a *Artifact) SidecarPath() string { return a.Path + ".info" }

// WriteInfo serializes the descriptor sidecar.
func (a *Artifact) WriteInfo() error {
	data, err := cborEncMode.Marshal(&a.Info)
	if err != nil {
		return fmt.Errorf("serializing artifact info: %w", err)
	}
	if err := os.WriteFile(a.SidecarPath(), data, 0644); err != nil {
		return fmt.Errorf("writing artifact info: %w", err)
	}
	return nil
}

// ReadArtifact loads an artifact descriptor from the sidecar next to
// wasmPath. A missing sidecar yields an Artifact with zero Info; older
// artifacts predate the sidecar format.
func ReadArtifact(wasmPath string) (*Artifact, error) {
	a := &Artifact{Path: wasmPath}
	data, err := os.ReadFile(a.SidecarPath())
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}
		return nil, fmt.Errorf("reading artifact info: %w", err)
	}
	if err := cbor.Unmarshal(data, &a.Info); err != nil {
		return nil, fmt.Errorf("artifact info corrupt: %w", err)
	}
	return a, nil
}
