package extension

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// doubleModule exports double(f64) f64.
var doubleModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x06, 0x01, 0x60, 0x01, 0x7c, 0x01, 0x7c,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, 0x64, 0x6f, 0x75, 0x62, 0x6c, 0x65, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x00, 0xa0, 0x0b,
}

func wasmManifest(name, valueType string) string {
	return fmt.Sprintf(`name: %s
version: 1.0.0
capabilities: [callbacks]
wasm:
  file: callbacks.wasm
  exports:
    - name: double
      closure_id: twice
      params: [%s]
      results: [f64]
`, name, valueType)
}

func writePack(t *testing.T, dir, manifest string, files map[string][]byte) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}
