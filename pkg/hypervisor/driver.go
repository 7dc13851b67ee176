// Package hypervisor defines the contract between the build sequence
// and the machine it drives, and provides drivers for QEMU (Linux and
// macOS) and Virtualization.framework (macOS).
//
// A Machine exports a lazily loaded root filesystem to its guest, gives
// access to the guest serial console, and can serialize its complete
// runtime state.
package hypervisor

import (
	"context"
)

// FileLoader returns file contents by content key. The root filesystem
// calls it for every regular file the guest reads.
type FileLoader interface {
	Load(ctx context.Context, key string) ([]byte, error)
}

// Machine is one virtual machine instance, used once.
type Machine interface {
	// Info describes the driver.
	Info() Info

	// Capabilities reports what the driver supports.
	Capabilities() Capabilities

	// Start brings up the machine's filesystem subsystem and boots the
	// guest once a loader is installed. The returned channel receives
	// exactly one value when the machine stops: nil for a requested
	// shutdown, otherwise the cause.
	Start(ctx context.Context) (chan error, error)

	// FilesystemReady is closed once the root filesystem export exists
	// and InstallLoader may be called.
	FilesystemReady() <-chan struct{}

	// InstallLoader sets the handler for all file reads. Reads issued
	// before installation wait for it. A second call returns
	// ErrLoaderInstalled.
	InstallLoader(loader FileLoader) error

	// Output delivers serial console bytes in arrival order. It is
	// closed when the console reaches EOF.
	Output() <-chan byte

	// SendSerial writes text to the guest serial console.
	SendSerial(ctx context.Context, text string) error

	// SaveState captures the complete machine state. The guest is
	// paused afterwards.
	SaveState(ctx context.Context) ([]byte, error)

	// Destroy stops the machine and releases everything it holds. Safe
	// to call more than once and before Start.
	Destroy(ctx context.Context) error
}

// Capabilities describes driver feature support.
// Used for early validation before the machine is created.
type Capabilities struct {
	SharedDirs bool // root filesystem export over virtio-fs
	Networking bool // virtio-net or similar
	Snapshots  bool // full machine state capture
}

// Info contains driver metadata.
type Info struct {
	Name    string // "qemu" or "vz"
	Version string // Driver version
	Arch    string // "arm64" or "amd64"
}
