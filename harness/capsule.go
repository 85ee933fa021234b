package harness

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/sift/protocol"
)

// Capsule is the ephemeral, least-privilege filesystem view exposed to one
// sandboxed run: exactly one input file and two writable output
// directories. A capsule belongs to a single run and is destroyed once the
// run's outputs are captured; it is never shared.
type Capsule struct {
	// Root is mounted as the guest's filesystem root.
	Root string

	// Filename is the original logical name of the input, passed to the
	// guest through the environment.
	Filename string
}

// Provision materializes a capsule holding the given input bytes.
func Provision(input []byte, filename string) (*Capsule, error) {
	root, err := os.MkdirTemp("", "sift-capsule-")
	if err != nil {
		return nil, fmt.Errorf("creating capsule: %w", err)
	}
	c := &Capsule{Root: root, Filename: filename}

	if err := os.WriteFile(c.InputPath(), input, 0644); err != nil {
		c.Destroy()
		return nil, fmt.Errorf("writing capsule input: %w", err)
	}
	for _, dir := range []string{c.MetadataDir(), c.SubContentDir()} {
		if err := os.Mkdir(dir, 0755); err != nil {
			c.Destroy()
			return nil, fmt.Errorf("creating capsule output dir: %w", err)
		}
	}
	return c, nil
}

// InputPath is the capsule-local input file, as seen from the host.
func (c *Capsule) InputPath() string { return filepath.Join(c.Root, protocol.InputFile) }

// MetadataDir is the metadata output directory, as seen from the host.
func (c *Capsule) MetadataDir() string { return filepath.Join(c.Root, protocol.MetadataDir) }

// SubContentDir is the sub-content output directory, as seen from the host.
func (c *Capsule) SubContentDir() string { return filepath.Join(c.Root, protocol.SubContentDir) }

// Decode parses the capsule's accumulated outputs.
func (c *Capsule) Decode() ([]*protocol.Table, []protocol.SubContent, error) {
	tables, err := protocol.DecodeMetadataDir(c.MetadataDir())
	if err != nil {
		return nil, nil, err
	}
	units, err := protocol.DecodeSubContentDir(c.SubContentDir())
	if err != nil {
		return nil, nil, err
	}
	return tables, units, nil
}

// Destroy removes the capsule tree. Nothing may reference the capsule
// afterwards.
func (c *Capsule) Destroy() {
	os.RemoveAll(c.Root)
}
