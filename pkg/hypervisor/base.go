//go:build linux || darwin

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/javanstorm/vmstate/internal/clock"
	"github.com/javanstorm/vmstate/internal/rootfs"
)

type driverState int

const (
	stateNew driverState = iota
	stateStarting
	stateRunning
	stateStopped
)

// machineBase holds what every driver shares: the work directory, the
// FUSE export of the root filesystem behind a LoaderGate, and the
// serial output channel.
type machineBase struct {
	cfg    *MachineConfig
	logger *slog.Logger
	clock  clock.Clock

	gate    *LoaderGate
	fsReady chan struct{}
	output  chan byte
	done    chan struct{} // closed by Destroy
	exited  chan struct{} // closed once the guest has stopped

	mu         sync.Mutex
	state      driverState
	workDir    string
	ownWorkDir bool
	share      *fuse.Server

	doneOnce   sync.Once
	exitedOnce sync.Once
}

func newMachineBase(cfg *MachineConfig) *machineBase {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &machineBase{
		cfg:     cfg,
		logger:  logger,
		clock:   clk,
		gate:    NewLoaderGate(),
		fsReady: make(chan struct{}),
		output:  make(chan byte, 4096),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// prepare creates the work directory and mounts the root filesystem,
// then signals FilesystemReady.
func (b *machineBase) prepare() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateNew {
		return ErrAlreadyStarted
	}

	b.workDir = b.cfg.WorkDir
	if b.workDir == "" {
		dir, err := os.MkdirTemp("", "vmstate-")
		if err != nil {
			return fmt.Errorf("hypervisor: create work dir: %w", err)
		}
		b.workDir = dir
		b.ownWorkDir = true
	} else if err := os.MkdirAll(b.workDir, 0o755); err != nil {
		return fmt.Errorf("hypervisor: create work dir: %w", err)
	}

	server, err := rootfs.Mount(rootfs.Options{
		Mountpoint: b.mountpoint(),
		Manifest:   b.cfg.Manifest,
		Loader:     b.gate,
		AllowOther: b.cfg.AllowOther,
		Logger:     b.logger,
	})
	if err != nil {
		return fmt.Errorf("hypervisor: export root filesystem: %w", err)
	}
	b.share = server
	b.state = stateStarting
	close(b.fsReady)
	return nil
}

func (b *machineBase) mountpoint() string { return filepath.Join(b.workDir, "rootfs") }

// FilesystemReady is closed once the root filesystem is exported.
func (b *machineBase) FilesystemReady() <-chan struct{} { return b.fsReady }

// InstallLoader releases reads held by the gate.
func (b *machineBase) InstallLoader(loader FileLoader) error { return b.gate.Install(loader) }

// Output returns the serial console byte stream.
func (b *machineBase) Output() <-chan byte { return b.output }

// waitForLoader blocks until a loader is installed.
func (b *machineBase) waitForLoader(ctx context.Context) error {
	select {
	case <-b.gate.Installed():
		return nil
	case <-b.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *machineBase) setState(state driverState) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

func (b *machineBase) currentState() driverState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// markExited records that the guest is gone.
func (b *machineBase) markExited() {
	b.exitedOnce.Do(func() {
		b.setState(stateStopped)
		close(b.exited)
	})
}

// release unmounts the export and removes a temporary work directory.
func (b *machineBase) release() error {
	b.doneOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	share, workDir, own := b.share, b.workDir, b.ownWorkDir
	b.share = nil
	b.workDir = ""
	b.mu.Unlock()

	var errs []error
	if share != nil {
		if err := share.Unmount(); err != nil {
			errs = append(errs, fmt.Errorf("unmount root filesystem: %w", err))
		}
	}
	if own && workDir != "" {
		if err := os.RemoveAll(workDir); err != nil {
			errs = append(errs, fmt.Errorf("remove work dir: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("hypervisor: release: %w", errors.Join(errs...))
	}
	return nil
}
