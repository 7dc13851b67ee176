//go:build linux || darwin

package rootfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/javanstorm/vmstate/internal/manifest"
)

// Options configures a mount.
type Options struct {
	// Mountpoint is created if it does not exist.
	Mountpoint string

	// Manifest describes the tree.
	Manifest *manifest.Manifest

	// Loader supplies regular file contents by content key.
	Loader Loader

	// AllowOther lets other users (such as a hypervisor running under a
	// different account) access the mount. Requires user_allow_other
	// in /etc/fuse.conf.
	AllowOther bool

	// Logger receives read failures. Defaults to discarding.
	Logger *slog.Logger
}

// Mount mounts the filesystem. gofuse.Mount returns once the kernel has
// the mount ready.
// The caller must Unmount the returned server.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, errors.New("rootfs: mountpoint is required")
	}
	if options.Manifest == nil {
		return nil, errors.New("rootfs: manifest is required")
	}
	if options.Loader == nil {
		return nil, errors.New("rootfs: loader is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("rootfs: create mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &dirNode{entry: options.Manifest.Root, options: &options}

	// The tree never changes, so the kernel may cache freely.
	timeout := time.Hour
	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &timeout,
		AttrTimeout:     &timeout,
		NegativeTimeout: &timeout,
		MountOptions: fuse.MountOptions{
			FsName:     "vmstate-rootfs",
			Name:       "vmstate",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("rootfs: mount %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("root filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// dirNode is a directory. Its children are created once, when the node
// is added to the tree.
type dirNode struct {
	gofuse.Inode
	entry   *manifest.Entry
	options *Options
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeOnAdder = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)

func (d *dirNode) OnAdd(ctx context.Context) {
	for _, child := range d.entry.Children {
		var node gofuse.InodeEmbedder
		switch {
		case child.IsDir():
			node = &dirNode{entry: child, options: d.options}
		case child.IsRegular():
			node = &fileNode{entry: child, options: d.options}
		case child.IsSymlink():
			node = &gofuse.MemSymlink{Data: []byte(child.LinkTarget), Attr: attrOf(child)}
		default:
			// Device nodes, fifos and sockets are listed but carry no data.
			node = &specialNode{entry: child}
		}
		inode := d.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: child.Mode & manifest.TypeMask})
		d.AddChild(child.Name, inode, false)
	}
}

func (d *dirNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Attr = attrOf(d.entry)
	return 0
}

// fileNode is a regular file whose contents are fetched from the
// Loader on open.
type fileNode struct {
	gofuse.Inode
	entry   *manifest.Entry
	options *Options
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Attr = attrOf(f.entry)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	// Contents are immutable.
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *fileNode) Read(ctx context.Context, fh gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, errno := f.contents(ctx)
	if errno != 0 {
		return nil, errno
	}
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), 0
}

func (f *fileNode) contents(ctx context.Context) ([]byte, syscall.Errno) {
	if f.entry.ContentKey == "" {
		return nil, 0
	}
	data, err := f.options.Loader.Load(ctx, f.entry.ContentKey)
	if err != nil {
		f.options.Logger.Error("read failed",
			"file", f.entry.Name,
			"key", f.entry.ContentKey,
			"error", err,
		)
		return nil, syscall.EIO
	}
	return data, 0
}

// specialNode represents device files and other entries without data.
type specialNode struct {
	gofuse.Inode
	entry *manifest.Entry
}

var _ gofuse.NodeGetattrer = (*specialNode)(nil)

func (s *specialNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Attr = attrOf(s.entry)
	return 0
}

func attrOf(e *manifest.Entry) fuse.Attr {
	attr := fuse.Attr{
		Mode:  e.Mode,
		Size:  uint64(e.Size),
		Mtime: uint64(e.Mtime),
		Atime: uint64(e.Mtime),
		Ctime: uint64(e.Mtime),
		Nlink: 1,
	}
	if e.IsDir() {
		attr.Size = 4096
		attr.Nlink = 2
	}
	attr.Uid = e.UID
	attr.Gid = e.GID
	attr.Blocks = (attr.Size + 511) / 512
	return attr
}
