package manifest

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const sample = `{
  "fsroot": [
    ["bin", 0, 1700000000, 16877, 0, 0, [
      ["busybox", 5, 1700000000, 33261, 0, 0, "aaaaaaaa-5.bin.zst"],
      ["sh", 7, 1700000000, 41471, 0, 0, "busybox"]
    ]],
    ["boot", 0, 1700000000, 16877, 0, 0, [
      ["vmlinuz-virt", 9, 1700000000, 33188, 0, 0, "bbbbbbbb-9.bin.zst"],
      ["vmlinuz-virt.old", 9, 1700000000, 33188, 0, 0, "cccccccc-9.bin.zst"],
      ["initramfs-virt", 4, 1700000000, 33188, 0, 0, "dddddddd-4.bin.zst"]
    ]],
    ["etc", 0, 1700000000, 16877, 0, 0, [
      ["empty", 0, 1700000000, 33188, 0, 0],
      ["loop", 4, 1700000000, 41471, 0, 0, "loop"]
    ]],
    ["lib", 3, 1700000000, 41471, 0, 0, "usr/lib"],
    ["usr", 0, 1700000000, 16877, 0, 0, [
      ["lib", 0, 1700000000, 16877, 0, 0, [
        ["libc.so", 3, 1700000000, 33261, 0, 0, "eeeeeeee-3.bin.zst"]
      ]]
    ]],
    ["dev", 0, 1700000000, 16877, 0, 0, [
      ["console", 0, 1700000000, 8576, 0, 0]
    ]]
  ],
  "version": 3,
  "size": 30
}`

func parseSample(t *testing.T) *Manifest {
	t.Helper()
	m, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return m
}

func TestParse(t *testing.T) {
	m := parseSample(t)
	if m.Size != 30 {
		t.Errorf("Size = %d", m.Size)
	}

	busybox, err := m.Lookup("/bin/busybox")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !busybox.IsRegular() || busybox.ContentKey != "aaaaaaaa-5.bin.zst" || busybox.Size != 5 {
		t.Errorf("busybox = %+v", busybox)
	}
	if busybox.Mode&0o777 != 0o755 {
		t.Errorf("busybox permissions = %o", busybox.Mode&0o777)
	}

	sh, err := m.Lookup("/bin/sh")
	if err != nil {
		t.Fatalf("Lookup(/bin/sh): %v", err)
	}
	if !sh.IsSymlink() || sh.LinkTarget != "busybox" {
		t.Errorf("sh = %+v", sh)
	}

	empty, err := m.Lookup("/etc/empty")
	if err != nil {
		t.Fatalf("Lookup(/etc/empty): %v", err)
	}
	if empty.ContentKey != "" || empty.Size != 0 {
		t.Errorf("empty = %+v", empty)
	}

	console, err := m.Lookup("/dev/console")
	if err != nil {
		t.Fatalf("Lookup(/dev/console): %v", err)
	}
	if console.IsRegular() || console.IsDir() || console.IsSymlink() {
		t.Errorf("console mode = %o", console.Mode)
	}
}

func TestResolve(t *testing.T) {
	m := parseSample(t)

	e, p, err := m.Resolve("/bin/sh")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p != "/bin/busybox" || e.ContentKey != "aaaaaaaa-5.bin.zst" {
		t.Errorf("Resolve(/bin/sh) = %s %+v", p, e)
	}

	// Symlinked intermediate directory.
	e, p, err = m.Resolve("/lib/libc.so")
	if err != nil {
		t.Fatalf("Resolve(/lib/libc.so): %v", err)
	}
	if p != "/usr/lib/libc.so" || e.ContentKey != "eeeeeeee-3.bin.zst" {
		t.Errorf("Resolve(/lib/libc.so) = %s %+v", p, e)
	}

	// Lookup follows intermediate links but not the last one.
	e, err = m.Lookup("/lib")
	if err != nil || !e.IsSymlink() {
		t.Errorf("Lookup(/lib) = %+v, %v", e, err)
	}

	if _, _, err := m.Resolve("/etc/loop"); !errors.Is(err, ErrSymlinkLoop) {
		t.Errorf("Resolve(loop) error = %v, want ErrSymlinkLoop", err)
	}
	if _, err := m.Lookup("/nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(/nope) error = %v, want ErrNotFound", err)
	}
	if _, err := m.Lookup("/bin/busybox/x"); !errors.Is(err, ErrNotDir) {
		t.Errorf("Lookup through file error = %v, want ErrNotDir", err)
	}
}

func TestReadDir(t *testing.T) {
	m := parseSample(t)
	children, err := m.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, c := range children {
		names = append(names, c.Name)
	}
	if got := strings.Join(names, ","); got != "bin,boot,etc,lib,usr,dev" {
		t.Errorf("root = %s", got)
	}

	if _, err := m.ReadDir("/bin/busybox"); !errors.Is(err, ErrNotDir) {
		t.Errorf("ReadDir(file) error = %v", err)
	}
}

func TestBootFiles(t *testing.T) {
	m := parseSample(t)
	kernel, initrd := m.BootFiles()
	if kernel != "/boot/vmlinuz-virt" {
		t.Errorf("kernel = %q", kernel)
	}
	if initrd != "/boot/initramfs-virt" {
		t.Errorf("initrd = %q", initrd)
	}

	if k, i := New().BootFiles(); k != "" || i != "" {
		t.Errorf("empty manifest boot files = %q, %q", k, i)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"version", `{"fsroot": [], "version": 2}`, ErrUnsupportedVersion},
		{"short entry", `{"fsroot": [["a", 0, 0]], "version": 3}`, ErrMalformed},
		{"bad name", `{"fsroot": [["a/b", 0, 0, 33188, 0, 0]], "version": 3}`, ErrMalformed},
		{"duplicate", `{"fsroot": [["a", 0, 0, 33188, 0, 0], ["a", 0, 0, 33188, 0, 0]], "version": 3}`, ErrMalformed},
		{"missing key", `{"fsroot": [["a", 10, 0, 33188, 0, 0]], "version": 3}`, ErrMalformed},
		{"symlink target", `{"fsroot": [["a", 1, 0, 41471, 0, 0]], "version": 3}`, ErrMalformed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.input))
			if !errors.Is(err, tc.want) {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestEncodeParse(t *testing.T) {
	m := parseSample(t)
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	again, err := Parse(&buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var before, after []string
	collect := func(out *[]string) func(string, *Entry) error {
		return func(p string, e *Entry) error {
			*out = append(*out, p+"|"+e.ContentKey+"|"+e.LinkTarget)
			return nil
		}
	}
	m.Walk(collect(&before))
	again.Walk(collect(&after))
	if strings.Join(before, "\n") != strings.Join(after, "\n") {
		t.Errorf("tree changed:\n%v\n%v", before, after)
	}
}

func TestMkdirAll(t *testing.T) {
	m := New()
	dir, err := m.MkdirAll("/usr/share/doc")
	if err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if !dir.IsDir() || dir.Name != "doc" {
		t.Errorf("dir = %+v", dir)
	}
	again, err := m.MkdirAll("usr/share/doc/")
	if err != nil || again != dir {
		t.Errorf("second MkdirAll = %p, %v; want %p", again, err, dir)
	}

	if err := dir.AddChild(&Entry{Name: "README", Mode: TypeRegular | 0o644}); err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	if _, err := m.MkdirAll("/usr/share/doc/README/x"); !errors.Is(err, ErrNotDir) {
		t.Errorf("MkdirAll through file error = %v", err)
	}
}

func TestSetChild(t *testing.T) {
	m := New()
	first := &Entry{Name: "a", Mode: TypeRegular | 0o644, Size: 1}
	second := &Entry{Name: "b", Mode: TypeRegular | 0o644}
	for _, e := range []*Entry{first, second} {
		if replaced, err := m.Root.SetChild(e); err != nil || replaced != nil {
			t.Fatalf("SetChild(%s) = %v, %v", e.Name, replaced, err)
		}
	}

	link := &Entry{Name: "a", Mode: TypeSymlink | 0o777, LinkTarget: "b"}
	replaced, err := m.Root.SetChild(link)
	if err != nil || replaced != first {
		t.Fatalf("SetChild(a) = %v, %v; want the first entry", replaced, err)
	}
	if len(m.Root.Children) != 2 || m.Root.Children[0] != link {
		t.Errorf("children = %v, want the link in place of a", m.Root.Children)
	}
	if got, _ := m.Root.Child("a"); got != link {
		t.Errorf("Child(a) = %+v", got)
	}
}
