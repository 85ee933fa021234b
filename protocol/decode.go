package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ProtocolError reports a malformed or inconsistent output stream: bad
// JSON, a schema conflict between flush segments, or a row aimed at a
// table no segment defined.
type ProtocolError struct {
	File   string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.File == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error in %s: %s", e.File, e.Reason)
}

// Table is a decoded table merged across all flush segments of one run.
type Table struct {
	Name    string    `json:"name"`
	Columns []Column  `json:"columns"`
	Rows    [][]Value `json:"rows"`
}

// SubContent is one decoded sub-content unit. Filename is the suggested
// name from the metadata sibling; HasMeta is false when the data file had
// no sibling, which is not an error.
type SubContent struct {
	Index    int
	Filename string
	HasMeta  bool
	Data     []byte
}

// Size returns the payload size in bytes.
func (s SubContent) Size() int { return len(s.Data) }

// DecodeMetadataDir reads every metadata segment in dir in ascending
// numeric order and merges them into one ordered table list. Later
// segments may add rows to tables already seen and may restate a table's
// schema, but restating it with a different shape is a ProtocolError.
func DecodeMetadataDir(dir string) ([]*Table, error) {
	files, err := numberedFiles(dir, "output_", ".json")
	if err != nil {
		return nil, err
	}

	var order []*Table
	byName := make(map[string]*Table)

	for _, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("reading metadata segment: %w", err)
		}
		var seg Segment
		if err := json.Unmarshal(data, &seg); err != nil {
			return nil, &ProtocolError{File: filepath.Base(f.path), Reason: "malformed JSON: " + err.Error()}
		}

		for _, def := range seg.Tables {
			existing, ok := byName[def.Name]
			if !ok {
				t := &Table{Name: def.Name, Columns: def.Columns}
				byName[def.Name] = t
				order = append(order, t)
				continue
			}
			if !sameSchema(existing.Columns, def.Columns) {
				return nil, &ProtocolError{
					File:   filepath.Base(f.path),
					Reason: fmt.Sprintf("table %q redefined with a conflicting schema", def.Name),
				}
			}
		}

		for _, row := range seg.Rows {
			t, ok := byName[row.TableName]
			if !ok {
				return nil, &ProtocolError{
					File:   filepath.Base(f.path),
					Reason: fmt.Sprintf("row references undefined table %q", row.TableName),
				}
			}
			if len(row.Values) != len(t.Columns) {
				return nil, &ProtocolError{
					File: filepath.Base(f.path),
					Reason: fmt.Sprintf("table %q expects %d values per row, got %d",
						row.TableName, len(t.Columns), len(row.Values)),
				}
			}
			t.Rows = append(t.Rows, row.Values)
		}
	}

	return order, nil
}

// DecodeSubContentDir reads sub-content file pairs in ascending numeric
// order. Pairs are correlated strictly by index; a data file with no
// metadata sibling yields a unit with an absent suggested name.
func DecodeSubContentDir(dir string) ([]SubContent, error) {
	files, err := numberedFiles(dir, "data_", ".bin")
	if err != nil {
		return nil, err
	}

	var units []SubContent
	for _, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("reading sub-content data: %w", err)
		}
		unit := SubContent{Index: f.index, Data: data}

		metaPath := filepath.Join(dir, SubContentMetaName(f.index))
		if metaData, err := os.ReadFile(metaPath); err == nil {
			var meta SubContentMeta
			if err := json.Unmarshal(metaData, &meta); err != nil {
				return nil, &ProtocolError{File: filepath.Base(metaPath), Reason: "malformed JSON: " + err.Error()}
			}
			unit.Filename = meta.Filename
			unit.HasMeta = true
		}
		units = append(units, unit)
	}

	return units, nil
}

func sameSchema(a, b []Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].DataType != b[i].DataType {
			return false
		}
	}
	return true
}

type numberedFile struct {
	index int
	path  string
}

// numberedFiles lists dir entries shaped <prefix>N<suffix> sorted by N.
// A missing directory is treated as empty: a run that never flushed or
// emitted simply has no output.
func numberedFiles(dir, prefix, suffix string) ([]numberedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	var files []numberedFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
		n, err := strconv.Atoi(mid)
		if err != nil || n < 0 {
			continue
		}
		files = append(files, numberedFile{index: n, path: filepath.Join(dir, name)})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].index < files[j].index })
	return files, nil
}
