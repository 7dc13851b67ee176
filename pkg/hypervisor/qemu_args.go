package hypervisor

import (
	"runtime"
	"strconv"
)

// Defaults for the qemu driver.
const (
	DefaultQEMUBinary      = "qemu-system-x86_64"
	DefaultVirtiofsdBinary = "virtiofsd"
)

// DefaultAccel returns the accelerator list for the host.
func DefaultAccel() string {
	if runtime.GOOS == "darwin" {
		return "hvf:tcg"
	}
	return "kvm:tcg"
}

// qemuPaths are the host files a qemu invocation refers to.
type qemuPaths struct {
	Kernel    string
	Initrd    string
	QMPSocket string
	FSSocket  string // vhost-user socket served by virtiofsd
}

// virtiofsdArgs serves the mounted root filesystem read-only on socket.
// Migration support lets qemu include the device in a state capture;
// 9p exports block migration once the guest mounts them.
func virtiofsdArgs(socket, sharedDir string) []string {
	return []string{
		"--socket-path=" + socket,
		"--shared-dir=" + sharedDir,
		"--readonly",
		"--sandbox=none",
		"--cache=auto",
		"--migration-mode=find-paths",
		"--migration-on-error=guest-error",
	}
}

// qemuArgs builds the qemu command line. The guest serial console is
// wired to stdio; no display or default devices are created. Guest RAM
// is a shared memfd because vhost-user devices map it.
func qemuArgs(cfg *MachineConfig, paths qemuPaths) []string {
	accel := cfg.Accel
	if accel == "" {
		accel = DefaultAccel()
	}

	args := []string{
		"-nodefaults",
		"-no-user-config",
		"-no-reboot",
		"-display", "none",
		"-machine", "accel=" + accel,
		"-smp", strconv.Itoa(cfg.CPUs),
		"-m", strconv.Itoa(cfg.MemoryMB),
		"-object", "memory-backend-memfd,id=mem,size=" + strconv.Itoa(cfg.MemoryMB) + "M,share=on",
		"-numa", "node,memdev=mem",
		"-kernel", paths.Kernel,
	}
	if paths.Initrd != "" {
		args = append(args, "-initrd", paths.Initrd)
	}
	if cfg.Cmdline != "" {
		args = append(args, "-append", virtiofsCmdline(cfg.Cmdline))
	}

	args = append(args,
		"-serial", "stdio",
		"-qmp", "unix:"+paths.QMPSocket+",server=on,wait=off",
		"-chardev", "socket,id=rootfs,path="+paths.FSSocket,
		"-device", "vhost-user-fs-pci,chardev=rootfs,tag="+cfg.MountTag,
	)

	if cfg.EnableNetwork {
		netdev := "user,id=net0,net=" + cfg.guestNetwork() +
			",host=" + cfg.RouterIP +
			",dhcpstart=" + cfg.GuestIP
		device := "virtio-net-pci,netdev=net0"
		if cfg.MACAddress != "" {
			device += ",mac=" + cfg.MACAddress
		}
		args = append(args, "-netdev", netdev, "-device", device)
	}
	return args
}
