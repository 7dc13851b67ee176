// Package rootfs exposes a manifest tree as a read-only FUSE filesystem
// whose file contents come from a Loader. The hypervisor drivers export
// the mountpoint to the guest as its root filesystem, so every file the
// guest opens turns into a Loader call.
package rootfs

import "context"

// Loader returns the contents stored under a content key.
type Loader interface {
	Load(ctx context.Context, key string) ([]byte, error)
}
