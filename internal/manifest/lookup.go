package manifest

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Lookup returns the entry at p without following a final symlink.
// Symlinks in intermediate components are followed.
func (m *Manifest) Lookup(p string) (*Entry, error) {
	e, _, err := m.walk(p, false, 0)
	return e, err
}

// Resolve returns the entry at p, following symlinks in every
// component, and the resolved absolute path.
func (m *Manifest) Resolve(p string) (*Entry, string, error) {
	return m.walk(p, true, 0)
}

// ReadDir returns the children of the directory at p.
func (m *Manifest) ReadDir(p string) ([]*Entry, error) {
	e, _, err := m.walk(p, true, 0)
	if err != nil {
		return nil, err
	}
	if !e.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, p)
	}
	return e.Children, nil
}

func (m *Manifest) walk(p string, followLast bool, hops int) (*Entry, string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return m.Root, "/", nil
	}

	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	current, currentPath := m.Root, "/"
	for i, name := range parts {
		if !current.IsDir() {
			return nil, "", fmt.Errorf("%w: %s", ErrNotDir, currentPath)
		}
		child, ok := current.Child(name)
		if !ok {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		childPath := path.Join(currentPath, name)

		last := i == len(parts)-1
		if child.IsSymlink() && (!last || followLast) {
			hops++
			if hops > maxSymlinkHops {
				return nil, "", fmt.Errorf("%w: %s", ErrSymlinkLoop, clean)
			}
			target := child.LinkTarget
			if !path.IsAbs(target) {
				target = path.Join(currentPath, target)
			}
			rest := strings.Join(parts[i+1:], "/")
			return m.walk(path.Join(target, rest), followLast, hops)
		}
		current, currentPath = child, childPath
	}
	return current, currentPath, nil
}

// Walk calls fn for every entry below the root in depth-first manifest
// order. Returning an error from fn stops the walk.
func (m *Manifest) Walk(fn func(p string, e *Entry) error) error {
	return walkDir("/", m.Root, fn)
}

func walkDir(dirPath string, dir *Entry, fn func(string, *Entry) error) error {
	for _, child := range dir.Children {
		p := path.Join(dirPath, child.Name)
		if err := fn(p, child); err != nil {
			return err
		}
		if child.IsDir() {
			if err := walkDir(p, child, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// MkdirAll returns the directory at p, creating missing directories
// with mode 0755.
func (m *Manifest) MkdirAll(p string) (*Entry, error) {
	clean := path.Clean("/" + p)
	current := m.Root
	if clean == "/" {
		return current, nil
	}
	for _, name := range strings.Split(strings.TrimPrefix(clean, "/"), "/") {
		child, ok := current.Child(name)
		if !ok {
			child = &Entry{Name: name, Mode: TypeDir | 0o755}
			if err := current.AddChild(child); err != nil {
				return nil, err
			}
		}
		if !child.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrNotDir, clean)
		}
		current = child
	}
	return current, nil
}

var (
	kernelPattern = regexp.MustCompile(`(?i)vmlinuz|bzimage`)
	initrdPattern = regexp.MustCompile(`(?i)initrd|initramfs`)
	stalePattern  = regexp.MustCompile(`(?i)old|fallback`)
)

// BootFiles locates the kernel and initial ramdisk inside the tree, the
// way the guest's bootloader would: names matching vmlinuz/bzImage and
// initrd/initramfs under / and /boot, where a later match replaces an
// earlier one unless it looks like an old or fallback image. Paths are
// returned as found; use Resolve to follow symlinks. Missing files yield
// empty strings.
func (m *Manifest) BootFiles() (kernel, initrd string) {
	var candidates []string
	for _, dir := range []string{"/", "/boot"} {
		children, err := m.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, child := range children {
			candidates = append(candidates, path.Join(dir, child.Name))
		}
	}

	for _, p := range candidates {
		stale := stalePattern.MatchString(p)
		if kernelPattern.MatchString(p) && (kernel == "" || !stale) {
			kernel = p
		}
		if initrdPattern.MatchString(p) && (initrd == "" || !stale) {
			initrd = p
		}
	}
	return kernel, initrd
}
