//go:build darwin

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/Code-Hex/vz/v3"
)

// vzMachine implements Machine using macOS Virtualization.framework.
// The root filesystem mount is shared over virtio-fs and state capture
// uses SaveMachineStateToPath.
type vzMachine struct {
	*machineBase

	ioMu         sync.Mutex
	vm           *vz.VirtualMachine
	inputWriter  *os.File
	outputReader *os.File
}

func newVZMachine(cfg *MachineConfig) (Machine, error) {
	return &vzMachine{machineBase: newMachineBase(cfg)}, nil
}

func (m *vzMachine) Info() Info {
	return Info{
		Name:    DriverVZ,
		Version: "1.0.0",
		Arch:    runtime.GOARCH,
	}
}

func (m *vzMachine) Capabilities() Capabilities {
	return vzCapabilities
}

func (m *vzMachine) Start(ctx context.Context) (chan error, error) {
	if err := m.prepare(); err != nil {
		return nil, err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.run(ctx)
	}()
	return errCh, nil
}

func (m *vzMachine) run(ctx context.Context) error {
	defer m.markExited()

	if err := m.waitForLoader(ctx); err != nil {
		return err
	}

	kernel, initrd, err := bootFiles(ctx, m.cfg, m.gate, m.workDir)
	if err != nil {
		return err
	}

	vm, err := m.create(kernel, initrd)
	if err != nil {
		return err
	}
	if err := vm.Start(); err != nil {
		return fmt.Errorf("vzMachine: start VM: %w", err)
	}
	m.setState(stateRunning)
	m.logger.Info("started virtual machine", "cpus", m.cfg.CPUs, "memory_mb", m.cfg.MemoryMB)

	for {
		select {
		case state := <-vm.StateChangedNotify():
			switch state {
			case vz.VirtualMachineStateStopped:
				return m.exitError(errors.New("vzMachine: guest exited"))
			case vz.VirtualMachineStateError:
				return m.exitError(errors.New("vzMachine: virtual machine entered error state"))
			}
		case <-m.done:
			return nil
		}
	}
}

func (m *vzMachine) exitError(err error) error {
	select {
	case <-m.done:
		return nil
	default:
		return err
	}
}

// create builds the VM configuration. The guest sees the root
// filesystem as a virtio-fs device tagged with MountTag.
func (m *vzMachine) create(kernel, initrd string) (*vz.VirtualMachine, error) {
	opts := []vz.LinuxBootLoaderOption{vz.WithCommandLine(virtiofsCmdline(m.cfg.Cmdline))}
	if initrd != "" {
		opts = append(opts, vz.WithInitrd(initrd))
	}
	bootLoader, err := vz.NewLinuxBootLoader(kernel, opts...)
	if err != nil {
		return nil, fmt.Errorf("vzMachine: create boot loader: %w", err)
	}

	vmCfg, err := vz.NewVirtualMachineConfiguration(
		bootLoader,
		uint(m.cfg.CPUs),
		uint64(m.cfg.MemoryMB)*1024*1024,
	)
	if err != nil {
		return nil, fmt.Errorf("vzMachine: create VM config: %w", err)
	}

	platform, err := vz.NewGenericPlatformConfiguration()
	if err != nil {
		return nil, fmt.Errorf("vzMachine: create platform config: %w", err)
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)

	// inputReader is read by the guest, outputWriter is written by it.
	inputReader, inputWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("vzMachine: create input pipe: %w", err)
	}
	outputReader, outputWriter, err := os.Pipe()
	if err != nil {
		inputReader.Close()
		inputWriter.Close()
		return nil, fmt.Errorf("vzMachine: create output pipe: %w", err)
	}
	attachment, err := vz.NewFileHandleSerialPortAttachment(inputReader, outputWriter)
	if err != nil {
		return nil, fmt.Errorf("vzMachine: create serial attachment: %w", err)
	}
	serialCfg, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(attachment)
	if err != nil {
		return nil, fmt.Errorf("vzMachine: create serial config: %w", err)
	}
	vmCfg.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{serialCfg})

	if m.cfg.EnableNetwork {
		netCfg, err := m.networkDevice()
		if err != nil {
			return nil, err
		}
		vmCfg.SetNetworkDevicesVirtualMachineConfiguration([]*vz.VirtioNetworkDeviceConfiguration{netCfg})
	}

	sharedDir, err := vz.NewSharedDirectory(m.mountpoint(), true)
	if err != nil {
		return nil, fmt.Errorf("vzMachine: create shared dir: %w", err)
	}
	dirShare, err := vz.NewSingleDirectoryShare(sharedDir)
	if err != nil {
		return nil, fmt.Errorf("vzMachine: create dir share: %w", err)
	}
	fsCfg, err := vz.NewVirtioFileSystemDeviceConfiguration(m.cfg.MountTag)
	if err != nil {
		return nil, fmt.Errorf("vzMachine: create fs config %s: %w", m.cfg.MountTag, err)
	}
	fsCfg.SetDirectoryShare(dirShare)
	vmCfg.SetDirectorySharingDevicesVirtualMachineConfiguration([]vz.DirectorySharingDeviceConfiguration{fsCfg})

	if ok, err := vmCfg.Validate(); !ok || err != nil {
		return nil, fmt.Errorf("vzMachine: invalid configuration: %w", err)
	}
	if ok, err := vmCfg.ValidateSaveRestoreSupport(); !ok || err != nil {
		return nil, fmt.Errorf("%w: save/restore not supported: %v", ErrCaptureFailed, err)
	}

	vm, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		return nil, fmt.Errorf("vzMachine: create VM: %w", err)
	}

	m.ioMu.Lock()
	m.vm = vm
	m.inputWriter = inputWriter
	m.outputReader = outputReader
	m.ioMu.Unlock()

	go pumpSerial(outputReader, m.output, m.done)
	return vm, nil
}

// networkDevice attaches a NAT device. Virtualization.framework picks
// the guest subnet itself, so RouterIP and GuestIP only reach the guest
// through its own configuration.
func (m *vzMachine) networkDevice() (*vz.VirtioNetworkDeviceConfiguration, error) {
	nat, err := vz.NewNATNetworkDeviceAttachment()
	if err != nil {
		return nil, fmt.Errorf("vzMachine: create NAT attachment: %w", err)
	}
	netCfg, err := vz.NewVirtioNetworkDeviceConfiguration(nat)
	if err != nil {
		return nil, fmt.Errorf("vzMachine: create network config: %w", err)
	}

	var mac *vz.MACAddress
	if m.cfg.MACAddress != "" {
		hwAddr, err := net.ParseMAC(m.cfg.MACAddress)
		if err != nil {
			return nil, fmt.Errorf("vzMachine: parse MAC address: %w", err)
		}
		mac, err = vz.NewMACAddress(hwAddr)
		if err != nil {
			return nil, fmt.Errorf("vzMachine: create MAC address: %w", err)
		}
	} else {
		mac, err = vz.NewRandomLocallyAdministeredMACAddress()
		if err != nil {
			return nil, fmt.Errorf("vzMachine: generate random MAC: %w", err)
		}
	}
	netCfg.SetMACAddress(mac)
	return netCfg, nil
}

func (m *vzMachine) SendSerial(ctx context.Context, text string) error {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	if m.inputWriter == nil || m.currentState() != stateRunning {
		return ErrNotRunning
	}
	if _, err := m.inputWriter.WriteString(text); err != nil {
		return fmt.Errorf("vzMachine: write serial: %w", err)
	}
	return nil
}

func (m *vzMachine) SaveState(ctx context.Context) ([]byte, error) {
	m.ioMu.Lock()
	vm := m.vm
	m.ioMu.Unlock()

	if vm == nil || m.currentState() != stateRunning {
		return nil, ErrNotRunning
	}

	if vm.CanPause() {
		if err := vm.Pause(); err != nil {
			return nil, fmt.Errorf("%w: pause: %w", ErrCaptureFailed, err)
		}
	}

	statePath := filepath.Join(m.workDir, "state.vzvmsave")
	if err := vm.SaveMachineStateToPath(statePath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}
	defer os.Remove(statePath)

	data, err := os.ReadFile(statePath)
	if err != nil {
		return nil, fmt.Errorf("%w: read state file: %w", ErrCaptureFailed, err)
	}
	return data, nil
}

func (m *vzMachine) Destroy(ctx context.Context) error {
	m.ioMu.Lock()
	vm := m.vm
	inputWriter, outputReader := m.inputWriter, m.outputReader
	m.vm = nil
	m.inputWriter = nil
	m.outputReader = nil
	m.ioMu.Unlock()

	m.doneOnce.Do(func() { close(m.done) })

	var errs []error
	if vm != nil && vm.CanStop() {
		if err := vm.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("vzMachine: force stop: %w", err))
		}
	}
	for _, f := range []*os.File{inputWriter, outputReader} {
		if f != nil {
			f.Close()
		}
	}
	if vm != nil {
		select {
		case <-m.exited:
		case <-ctx.Done():
		}
	}

	if err := m.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
