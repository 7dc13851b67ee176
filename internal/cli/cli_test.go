package cli

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/javanstorm/vmstate/internal/manifest"
	"github.com/javanstorm/vmstate/pkg/hypervisor"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "vmstate ") || !strings.Contains(out, "(commit ") {
		t.Errorf("version output = %q", out)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, false).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug message logged without verbose: %q", buf.String())
	}

	newLogger(&buf, true).Debug("shown", "key", "value")
	if !strings.Contains(buf.String(), "msg=shown") || !strings.Contains(buf.String(), "key=value") {
		t.Errorf("verbose logger output = %q", buf.String())
	}
}

func TestPackCommand(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "rootfs.tar")

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := []byte("root:x:0:0:root:/root:/bin/ash\n")
	tw.WriteHeader(&tar.Header{Name: "etc/passwd", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))})
	tw.Write(content)
	tw.Close()
	if err := os.WriteFile(archive, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	contentDir := filepath.Join(dir, "flat")
	manifestPath := filepath.Join(dir, "fs.json")
	out, err := execute(t, "pack", archive, "--content-dir", contentDir, "--manifest", manifestPath)
	if err != nil {
		t.Fatalf("pack: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Packed 1 files: 1 segments written") {
		t.Errorf("pack output = %q", out)
	}

	m, err := manifest.Load(manifestPath)
	if err != nil {
		t.Fatalf("manifest.Load: %v", err)
	}
	entry, err := m.Lookup("/etc/passwd")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(contentDir, entry.ContentKey)); err != nil {
		t.Errorf("segment missing: %v", err)
	}
}

func TestBuildUnknownDriver(t *testing.T) {
	_, err := execute(t, "build", "--driver", "bochs")
	if !errors.Is(err, hypervisor.ErrUnknownDriver) {
		t.Errorf("build = %v, want ErrUnknownDriver", err)
	}
}
