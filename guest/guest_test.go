package guest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/sift/protocol"
)

func TestFlushWireFormat(t *testing.T) {
	root := t.TempDir()
	rs := NewRunStateAt(root)

	rs.DefineTable("t", []protocol.Column{{Name: "a", DataType: protocol.TypeString}})
	if err := rs.InsertRow("t", []protocol.Value{protocol.String("x")}); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	if err := rs.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, protocol.MetadataDir, "output_0.json"))
	if err != nil {
		t.Fatalf("reading segment: %v", err)
	}
	want := `{"tables":[{"name":"t","columns":[{"name":"a","data_type":"String"}]}],"rows":[{"table_name":"t","values":[{"String":"x"}]}]}`
	if string(data) != want {
		t.Errorf("segment mismatch\n got: %s\nwant: %s", data, want)
	}
}

func TestInsertRowUndefinedTable(t *testing.T) {
	root := t.TempDir()
	rs := NewRunStateAt(root)

	err := rs.InsertRow("missing", []protocol.Value{protocol.Int64(1)})
	if err == nil {
		t.Fatal("expected error for undefined table")
	}
	if err := rs.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, protocol.MetadataDir)); !os.IsNotExist(err) {
		t.Error("failed insert must write nothing")
	}
}

func TestFlushEmptyWritesNothing(t *testing.T) {
	root := t.TempDir()
	rs := NewRunStateAt(root)

	if err := rs.Flush(); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, protocol.MetadataDir)); !os.IsNotExist(err) {
		t.Error("empty flush must produce no metadata file")
	}
}

func TestFlushSegmentsNumberIndependently(t *testing.T) {
	root := t.TempDir()
	rs := NewRunStateAt(root)

	rs.DefineTable("t", []protocol.Column{{Name: "n", DataType: protocol.TypeInt64}})
	if err := rs.InsertRow("t", []protocol.Value{protocol.Int64(1)}); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	if err := rs.Flush(); err != nil {
		t.Fatalf("first Flush: %v", err)
	}
	// Table stays defined after a flush; only accumulation clears.
	if err := rs.InsertRow("t", []protocol.Value{protocol.Int64(2)}); err != nil {
		t.Fatalf("InsertRow after flush: %v", err)
	}
	if err := rs.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}

	tables, err := protocol.DecodeMetadataDir(filepath.Join(root, protocol.MetadataDir))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tables) != 1 {
		t.Fatalf("expected 1 merged table, got %d", len(tables))
	}
	if got := len(tables[0].Rows); got != 2 {
		t.Errorf("expected 2 rows merged across segments, got %d", got)
	}
}

func TestEmitBytesIndices(t *testing.T) {
	root := t.TempDir()
	rs := NewRunStateAt(root)

	if err := rs.EmitBytes([]byte("first"), "a.txt"); err != nil {
		t.Fatalf("EmitBytes: %v", err)
	}
	if err := rs.EmitBytes([]byte("second"), "b.txt"); err != nil {
		t.Fatalf("EmitBytes: %v", err)
	}

	units, err := protocol.DecodeSubContentDir(filepath.Join(root, protocol.SubContentDir))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	for i, want := range []struct {
		name string
		data string
	}{{"a.txt", "first"}, {"b.txt", "second"}} {
		u := units[i]
		if u.Index != i {
			t.Errorf("unit %d: index %d", i, u.Index)
		}
		if !u.HasMeta || u.Filename != want.name {
			t.Errorf("unit %d: filename %q, want %q", i, u.Filename, want.name)
		}
		if string(u.Data) != want.data {
			t.Errorf("unit %d: data %q, want %q", i, u.Data, want.data)
		}
	}
}

func TestBoolAndBytesNarrowing(t *testing.T) {
	if v := protocol.Bool(true); v.Kind != protocol.TypeInt64 || v.Int != 1 {
		t.Errorf("Bool(true) = %+v", v)
	}
	if v := protocol.Bool(false); v.Kind != protocol.TypeInt64 || v.Int != 0 {
		t.Errorf("Bool(false) = %+v", v)
	}
	if v := protocol.Bytes([]byte{0x68, 0x69}); v.Kind != protocol.TypeString || v.Str != "hi" {
		t.Errorf("Bytes = %+v", v)
	}
}
