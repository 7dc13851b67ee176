package hypervisor

import (
	"fmt"
	"runtime"
)

// Driver names accepted by NewMachine.
const (
	DriverQEMU = "qemu"
	DriverVZ   = "vz"
)

// SupportedPlatform returns true if the current platform has a machine driver.
func SupportedPlatform() bool {
	switch runtime.GOOS {
	case "darwin", "linux":
		return true
	default:
		return false
	}
}

// DefaultDriver returns the driver used when none is configured.
func DefaultDriver() string {
	return DriverQEMU
}

// NewMachine creates a machine using the named driver. The
// platform-specific constructors live in files with build tags.
func NewMachine(driver string, cfg *MachineConfig) (Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch driver {
	case DriverQEMU:
		return newQEMUMachine(cfg)
	case DriverVZ:
		return newVZMachine(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// DriverCapabilities reports the capabilities of a driver without
// creating a machine.
func DriverCapabilities(driver string) (Capabilities, error) {
	switch driver {
	case DriverQEMU:
		return qemuCapabilities, nil
	case DriverVZ:
		return vzCapabilities, nil
	default:
		return Capabilities{}, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

var (
	qemuCapabilities = Capabilities{
		SharedDirs: true, // virtiofsd serving the FUSE mount
		Networking: true, // user-mode NAT
		Snapshots:  true, // migrate to file, qemu 8.2 and later
	}
	vzCapabilities = Capabilities{
		SharedDirs: true, // virtio-fs share of the FUSE mount
		Networking: true, // NAT attachment
		Snapshots:  true, // SaveMachineStateToPath, macOS 14 and later
	}
)
