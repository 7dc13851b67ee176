// Package testutil provides common test helpers for vmstate tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

// Segment returns the content-directory name and stored bytes for
// content under the compressed segment convention <id>-<len>.bin.zst.
func Segment(t *testing.T, id string, content []byte) (name string, stored []byte) {
	t.Helper()

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		t.Fatalf("failed to create zstd encoder: %v", err)
	}
	defer encoder.Close()

	return fmt.Sprintf("%s-%d.bin.zst", id, len(content)), encoder.EncodeAll(content, nil)
}

// WriteSegment stores content as a compressed segment in dir and
// returns its name.
func WriteSegment(t *testing.T, dir, id string, content []byte) string {
	t.Helper()

	name, stored := Segment(t, id, content)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create directory %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), stored, 0o644); err != nil {
		t.Fatalf("failed to write segment %s: %v", name, err)
	}
	return name
}
