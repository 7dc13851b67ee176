// Package manifest reads and writes the root filesystem manifest: the
// directory tree of the guest root, with every regular file pointing at
// a content file in the content directory.
//
// The on-disk format is the v86 fs.json layout, version 3:
//
//	{"fsroot": [entry...], "version": 3, "size": total}
//
// where each entry is the array
//
//	[name, size, mtime, mode, uid, gid, target]
//
// and target is the child list for directories, the content key for
// regular files and the link target for symlinks.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// Version is the only manifest version understood.
const Version = 3

// File type bits of Entry.Mode, as in stat(2).
const (
	TypeMask        = 0o170000
	TypeFIFO        = 0o010000
	TypeCharDevice  = 0o020000
	TypeDir         = 0o040000
	TypeBlockDevice = 0o060000
	TypeRegular     = 0o100000
	TypeSymlink     = 0o120000
	TypeSocket      = 0o140000
)

// maxSymlinkHops matches the Linux limit on nested symlink resolution.
const maxSymlinkHops = 40

var (
	ErrUnsupportedVersion = errors.New("manifest: unsupported version")
	ErrMalformed          = errors.New("manifest: malformed entry")
	ErrNotFound           = errors.New("manifest: no such file or directory")
	ErrNotDir             = errors.New("manifest: not a directory")
	ErrSymlinkLoop        = errors.New("manifest: too many levels of symbolic links")
)

// Entry is one node of the tree.
type Entry struct {
	Name  string
	Size  int64
	Mtime int64
	Mode  uint32
	UID   uint32
	GID   uint32

	// ContentKey names the file holding a regular file's contents,
	// relative to the content directory. Empty for empty files.
	ContentKey string

	// LinkTarget is the target of a symlink.
	LinkTarget string

	// Children of a directory, in manifest order.
	Children []*Entry

	byName map[string]*Entry
}

// IsDir reports whether e is a directory.
func (e *Entry) IsDir() bool { return e.Mode&TypeMask == TypeDir }

// IsRegular reports whether e is a regular file.
func (e *Entry) IsRegular() bool { return e.Mode&TypeMask == TypeRegular }

// IsSymlink reports whether e is a symbolic link.
func (e *Entry) IsSymlink() bool { return e.Mode&TypeMask == TypeSymlink }

// Child returns the named child of a directory entry.
func (e *Entry) Child(name string) (*Entry, bool) {
	child, ok := e.byName[name]
	return child, ok
}

// AddChild appends child to directory e. It fails on duplicate names.
func (e *Entry) AddChild(child *Entry) error {
	if !e.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDir, e.Name)
	}
	if err := validName(child.Name); err != nil {
		return err
	}
	if e.byName == nil {
		e.byName = make(map[string]*Entry)
	}
	if _, dup := e.byName[child.Name]; dup {
		return fmt.Errorf("%w: duplicate name %q in %q", ErrMalformed, child.Name, e.Name)
	}
	e.byName[child.Name] = child
	e.Children = append(e.Children, child)
	return nil
}

// SetChild adds child to directory e, replacing a child with the same
// name in place. It returns the replaced entry, or nil.
func (e *Entry) SetChild(child *Entry) (*Entry, error) {
	old, ok := e.Child(child.Name)
	if !ok {
		return nil, e.AddChild(child)
	}
	if !e.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, e.Name)
	}
	for i, c := range e.Children {
		if c == old {
			e.Children[i] = child
			break
		}
	}
	e.byName[child.Name] = child
	return old, nil
}

// Manifest is a parsed root filesystem tree.
type Manifest struct {
	Root *Entry

	// Size is the total size of all regular files, as recorded in the
	// manifest.
	Size int64
}

// New returns an empty manifest with a root directory.
func New() *Manifest {
	return &Manifest{Root: &Entry{Mode: TypeDir | 0o755}}
}

type document struct {
	FSRoot  []json.RawMessage `json:"fsroot"`
	Version int               `json:"version"`
	Size    int64             `json:"size"`
}

// Load parses the manifest file at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest.
func Parse(r io.Reader) (*Manifest, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}

	m := New()
	m.Size = doc.Size
	if err := decodeChildren(m.Root, doc.FSRoot, "/"); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeChildren(dir *Entry, raw []json.RawMessage, dirPath string) error {
	for _, item := range raw {
		entry, children, err := decodeEntry(item)
		if err != nil {
			return fmt.Errorf("%s: %w", dirPath, err)
		}
		if err := dir.AddChild(entry); err != nil {
			return fmt.Errorf("%s: %w", dirPath, err)
		}
		if entry.IsDir() {
			if err := decodeChildren(entry, children, path.Join(dirPath, entry.Name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeEntry(raw json.RawMessage) (*Entry, []json.RawMessage, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(fields) < 6 {
		return nil, nil, fmt.Errorf("%w: %d fields, want at least 6", ErrMalformed, len(fields))
	}

	e := &Entry{}
	targets := []any{&e.Name, &e.Size, &e.Mtime, &e.Mode, &e.UID, &e.GID}
	for i, target := range targets {
		if err := json.Unmarshal(fields[i], target); err != nil {
			return nil, nil, fmt.Errorf("%w: field %d: %w", ErrMalformed, i, err)
		}
	}

	var children []json.RawMessage
	switch {
	case e.IsDir():
		if len(fields) > 6 {
			if err := json.Unmarshal(fields[6], &children); err != nil {
				return nil, nil, fmt.Errorf("%w: %q: children: %w", ErrMalformed, e.Name, err)
			}
		}
	case e.IsRegular():
		if len(fields) > 6 {
			if err := json.Unmarshal(fields[6], &e.ContentKey); err != nil {
				return nil, nil, fmt.Errorf("%w: %q: content key: %w", ErrMalformed, e.Name, err)
			}
		}
		if e.ContentKey == "" && e.Size != 0 {
			return nil, nil, fmt.Errorf("%w: %q: non-empty file without content key", ErrMalformed, e.Name)
		}
	case e.IsSymlink():
		if len(fields) < 7 {
			return nil, nil, fmt.Errorf("%w: %q: symlink without target", ErrMalformed, e.Name)
		}
		if err := json.Unmarshal(fields[6], &e.LinkTarget); err != nil {
			return nil, nil, fmt.Errorf("%w: %q: link target: %w", ErrMalformed, e.Name, err)
		}
	}
	return e, children, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fmt.Errorf("%w: invalid name %q", ErrMalformed, name)
	}
	return nil
}

// Encode writes m in manifest format.
func (m *Manifest) Encode(w io.Writer) error {
	doc := struct {
		FSRoot  []any `json:"fsroot"`
		Version int   `json:"version"`
		Size    int64 `json:"size"`
	}{
		FSRoot:  encodeChildren(m.Root),
		Version: Version,
		Size:    m.Size,
	}
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return nil
}

func encodeChildren(dir *Entry) []any {
	out := make([]any, 0, len(dir.Children))
	for _, e := range dir.Children {
		fields := []any{e.Name, e.Size, e.Mtime, e.Mode, e.UID, e.GID}
		switch {
		case e.IsDir():
			fields = append(fields, encodeChildren(e))
		case e.IsRegular() && e.ContentKey != "":
			fields = append(fields, e.ContentKey)
		case e.IsSymlink():
			fields = append(fields, e.LinkTarget)
		}
		out = append(out, fields)
	}
	return out
}
