// Package protocol defines the structured output wire format shared by the
// guest-facing support library and the host-side decoder.
//
// A running module accumulates typed tables and emits them as numbered JSON
// metadata segments; extracted byte payloads are written as numbered
// sub-content file pairs. The decoder merges all segments of one run into a
// single result.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Capsule layout. These names are fixed by the module ABI: every guest
// module reads its input from InputFile and writes outputs under
// MetadataDir and SubContentDir, relative to the capsule root.
const (
	InputFile     = "data.bin"
	MetadataDir   = "metadata"
	SubContentDir = "subcontent"

	// FilenameEnv carries the original logical filename of the input,
	// since the capsule always exposes it as InputFile.
	FilenameEnv = "SIFT_FILENAME"
)

// MetadataFileName returns the metadata segment filename for flush index n.
func MetadataFileName(n int) string {
	return "output_" + strconv.Itoa(n) + ".json"
}

// SubContentDataName returns the sub-content data filename for index n.
func SubContentDataName(n int) string {
	return "data_" + strconv.Itoa(n) + ".bin"
}

// SubContentMetaName returns the sub-content metadata filename for index n.
func SubContentMetaName(n int) string {
	return "metadata_" + strconv.Itoa(n) + ".json"
}

// DataType identifies a column's declared type.
type DataType string

const (
	TypeString  DataType = "String"
	TypeInt64   DataType = "Int64"
	TypeFloat64 DataType = "Float64"
	TypeBool    DataType = "Bool"
	TypeBytes   DataType = "Bytes"
)

// Column is one entry of a table's ordered schema.
type Column struct {
	Name     string   `json:"name"`
	DataType DataType `json:"data_type"`
}

// TableDef declares a table and its column schema within one segment.
type TableDef struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Row is one ordered value tuple destined for a named table.
type Row struct {
	TableName string  `json:"table_name"`
	Values    []Value `json:"values"`
}

// Segment is the content of one metadata file: the tables defined and the
// rows inserted since the previous flush.
type Segment struct {
	Tables []TableDef `json:"tables"`
	Rows   []Row      `json:"rows"`
}

// Value is a tagged scalar. Only three tags exist on the wire: String,
// Int64 and Float64. Booleans are carried as Int64 0/1 and byte values as
// String; this narrowing is deliberate and both sides rely on it.
type Value struct {
	Kind  DataType
	Str   string
	Int   int64
	Float float64
}

// String returns a Value tagged String.
func String(s string) Value { return Value{Kind: TypeString, Str: s} }

// Int64 returns a Value tagged Int64.
func Int64(i int64) Value { return Value{Kind: TypeInt64, Int: i} }

// Float64 returns a Value tagged Float64.
func Float64(f float64) Value { return Value{Kind: TypeFloat64, Float: f} }

// Bool returns a Value carrying b as Int64 0 or 1.
func Bool(b bool) Value {
	if b {
		return Value{Kind: TypeInt64, Int: 1}
	}
	return Value{Kind: TypeInt64, Int: 0}
}

// Bytes returns a Value carrying b as a String tag.
func Bytes(b []byte) Value { return Value{Kind: TypeString, Str: string(b)} }

// MarshalJSON encodes the value as a single-key object, e.g. {"Int64":42}.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case TypeString:
		return json.Marshal(map[string]string{string(TypeString): v.Str})
	case TypeInt64:
		return json.Marshal(map[string]int64{string(TypeInt64): v.Int})
	case TypeFloat64:
		return json.Marshal(map[string]float64{string(TypeFloat64): v.Float})
	default:
		return nil, fmt.Errorf("value kind %q is not a wire tag", v.Kind)
	}
}

// UnmarshalJSON decodes a single-key tagged object into the value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return fmt.Errorf("value must have exactly one type tag, got %d", len(raw))
	}
	for tag, body := range raw {
		switch DataType(tag) {
		case TypeString:
			v.Kind = TypeString
			return json.Unmarshal(body, &v.Str)
		case TypeInt64:
			v.Kind = TypeInt64
			return json.Unmarshal(body, &v.Int)
		case TypeFloat64:
			v.Kind = TypeFloat64
			return json.Unmarshal(body, &v.Float)
		default:
			return fmt.Errorf("unknown value type tag %q", tag)
		}
	}
	return nil
}

// SubContentMeta is the sibling metadata file of one sub-content payload.
type SubContentMeta struct {
	Filename string `json:"filename"`
}
