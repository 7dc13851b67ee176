package hypervisor

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/javanstorm/vmstate/internal/clock"
	"github.com/javanstorm/vmstate/internal/manifest"
)

// DefaultMountTag is the tag under which the root filesystem is
// exported; the kernel command line refers to it as root=host9p.
const DefaultMountTag = "host9p"

// MachineConfig holds machine configuration parameters.
type MachineConfig struct {
	// CPUs is the number of virtual CPUs.
	CPUs int

	// MemoryMB is the amount of memory in megabytes.
	MemoryMB int

	// Cmdline is the kernel command line.
	Cmdline string

	// Kernel and Initrd are optional host paths. When Kernel is empty
	// both are taken from the root filesystem (see
	// manifest.BootFiles), read through the installed loader.
	Kernel string
	Initrd string

	// Manifest is the root filesystem tree exported to the guest.
	Manifest *manifest.Manifest

	// MountTag names the root filesystem export inside the guest.
	MountTag string

	// WorkDir holds the mountpoint, control socket and boot files.
	// Empty means a temporary directory removed on Destroy.
	WorkDir string

	// EnableNetwork attaches a NAT network device.
	EnableNetwork bool

	// RouterIP and GuestIP place the guest on a /24 behind the NAT
	// router.
	RouterIP string
	GuestIP  string

	// MACAddress is an optional custom MAC address.
	// If empty, the driver picks one.
	MACAddress string

	// QEMUBinary is the emulator executable for the qemu driver.
	QEMUBinary string

	// VirtiofsdBinary serves the root filesystem to qemu over
	// vhost-user. It must support --migration-mode (1.11 or later).
	VirtiofsdBinary string

	// Accel is the qemu accelerator list, e.g. "kvm:tcg".
	Accel string

	// AllowOther exposes the FUSE mount to other users.
	AllowOther bool

	// Logger receives driver diagnostics. Nil discards them.
	Logger *slog.Logger

	// Clock drives polling. Nil uses the real clock.
	Clock clock.Clock
}

// Validate performs basic validation of the configuration and fills in
// defaults.
func (c *MachineConfig) Validate() error {
	if c.CPUs < 1 {
		return ErrInvalidCPUCount
	}
	if c.MemoryMB < 128 {
		return ErrInsufficientMemory
	}
	if c.Manifest == nil {
		return ErrMissingManifest
	}
	if c.MountTag == "" {
		c.MountTag = DefaultMountTag
	}
	if c.EnableNetwork {
		for _, addr := range []string{c.RouterIP, c.GuestIP} {
			if ip := net.ParseIP(addr); ip == nil || ip.To4() == nil {
				return fmt.Errorf("%w: %q", ErrInvalidNetwork, addr)
			}
		}
	}
	if c.MACAddress != "" {
		if _, err := net.ParseMAC(c.MACAddress); err != nil {
			return fmt.Errorf("hypervisor: parse MAC address: %w", err)
		}
	}
	return nil
}

// guestNetwork returns the /24 network containing the router address.
func (c *MachineConfig) guestNetwork() string {
	ip := net.ParseIP(c.RouterIP).To4()
	network := ip.Mask(net.CIDRMask(24, 32))
	return network.String() + "/24"
}
