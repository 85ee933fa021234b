package toolchain

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// packBundle compresses the bundle tree into one zip archive, the form the
// guest runtime mounts at startup.
func packBundle(bundleDir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := filepath.WalkDir(bundleDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bundleDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, fmt.Errorf("packing bundle: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("packing bundle: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBundleHeader emits the C header embedding the packed bundle as a
// static byte array, sixteen bytes per row.
func writeBundleHeader(path string, data []byte) error {
	var buf bytes.Buffer
	buf.WriteString("/* Generated bundle header. Do not edit. */\n\n")
	fmt.Fprintf(&buf, "static const size_t BUNDLE_SIZE = %d;\n\n", len(data))
	buf.WriteString("static const unsigned char BUNDLE_DATA[] = {\n")
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		buf.WriteString("    ")
		for j, b := range data[i:end] {
			if j > 0 {
				buf.WriteString(", ")
			}
			fmt.Fprintf(&buf, "0x%02x", b)
		}
		buf.WriteString(",\n")
	}
	buf.WriteString("};\n")
	return os.WriteFile(path, buf.Bytes(), 0644)
}
