// Package guest is the support library linked into sandboxed modules.
//
// A module defines tables, inserts rows, flushes accumulated metadata into
// numbered segment files and emits sub-content byte payloads. All
// accumulation lives in a RunState created fresh per instantiation, so a
// reused instance can never leak tables or counters across runs.
//
// The package only touches the capsule mounts and is buildable with TinyGo
// for the wasm32/wasi target.
package guest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/sift/protocol"
)

// RunState owns one run's accumulated output. The zero value is not
// usable; create one with NewRunState.
type RunState struct {
	metadataDir   string
	subContentDir string
	inputPath     string

	defined map[string]protocol.TableDef
	tables  []protocol.TableDef // definition order, pending flush
	rows    []protocol.Row      // insertion order, pending flush

	flushCounter      int
	subContentCounter int
}

// NewRunState returns a RunState rooted at the standard capsule mounts.
func NewRunState() *RunState {
	return NewRunStateAt("/")
}

// NewRunStateAt returns a RunState rooted at an arbitrary directory.
// Modules use NewRunState; tests point this at a scratch directory.
func NewRunStateAt(root string) *RunState {
	return &RunState{
		metadataDir:   filepath.Join(root, protocol.MetadataDir),
		subContentDir: filepath.Join(root, protocol.SubContentDir),
		inputPath:     filepath.Join(root, protocol.InputFile),
		defined:       make(map[string]protocol.TableDef),
	}
}

// InputPath returns the path of the input file inside the capsule.
func (r *RunState) InputPath() string { return r.inputPath }

// Filename returns the original logical filename of the input, as supplied
// by the harness through the environment.
func (r *RunState) Filename() string {
	if name := os.Getenv(protocol.FilenameEnv); name != "" {
		return name
	}
	return "unknown"
}

// DefineTable declares a table with an ordered column schema. Redefining a
// name replaces its schema for rows inserted afterwards; rows already
// flushed are untouched.
func (r *RunState) DefineTable(name string, columns []protocol.Column) {
	def := protocol.TableDef{Name: name, Columns: columns}
	r.defined[name] = def
	r.tables = append(r.tables, def)
}

// InsertRow appends one ordered value tuple to a previously defined table.
// Inserting into an undefined table is an error and writes nothing.
func (r *RunState) InsertRow(tableName string, values []protocol.Value) error {
	def, ok := r.defined[tableName]
	if !ok {
		return fmt.Errorf("table %q not defined", tableName)
	}
	if len(values) != len(def.Columns) {
		return fmt.Errorf("table %q expects %d values, got %d", tableName, len(def.Columns), len(values))
	}
	r.rows = append(r.rows, protocol.Row{TableName: tableName, Values: values})
	return nil
}

// Flush serializes everything accumulated since the previous flush into
// the next numbered metadata segment and clears the accumulation. With
// nothing pending it writes no file at all.
func (r *RunState) Flush() error {
	if len(r.tables) == 0 && len(r.rows) == 0 {
		return nil
	}

	seg := protocol.Segment{Tables: r.tables, Rows: r.rows}
	if seg.Tables == nil {
		seg.Tables = []protocol.TableDef{}
	}
	if seg.Rows == nil {
		seg.Rows = []protocol.Row{}
	}
	data, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("serializing metadata segment: %w", err)
	}

	if err := os.MkdirAll(r.metadataDir, 0755); err != nil {
		return fmt.Errorf("creating metadata directory: %w", err)
	}
	path := filepath.Join(r.metadataDir, protocol.MetadataFileName(r.flushCounter))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing metadata segment: %w", err)
	}

	r.flushCounter++
	r.tables = nil
	r.rows = nil
	return nil
}

// EmitBytes writes one sub-content data file plus its metadata sibling
// carrying the suggested filename, then advances the sub-content counter.
// Emitted payloads are picked up by the host for recursive processing.
func (r *RunState) EmitBytes(data []byte, suggestedName string) error {
	if err := os.MkdirAll(r.subContentDir, 0755); err != nil {
		return fmt.Errorf("creating subcontent directory: %w", err)
	}

	n := r.subContentCounter
	dataPath := filepath.Join(r.subContentDir, protocol.SubContentDataName(n))
	if err := os.WriteFile(dataPath, data, 0644); err != nil {
		return fmt.Errorf("writing subcontent data: %w", err)
	}

	meta, err := json.Marshal(protocol.SubContentMeta{Filename: suggestedName})
	if err != nil {
		return fmt.Errorf("serializing subcontent metadata: %w", err)
	}
	metaPath := filepath.Join(r.subContentDir, protocol.SubContentMetaName(n))
	if err := os.WriteFile(metaPath, meta, 0644); err != nil {
		return fmt.Errorf("writing subcontent metadata: %w", err)
	}

	r.subContentCounter++
	return nil
}
