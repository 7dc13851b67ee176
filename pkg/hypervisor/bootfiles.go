package hypervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/javanstorm/vmstate/internal/manifest"
)

// bootFiles returns host paths for the kernel and initrd. Paths given
// in cfg are used as-is; otherwise both are read from the root
// filesystem through loader and written to dir, the way a guest
// bootloader would find them. initrd may be empty.
func bootFiles(ctx context.Context, cfg *MachineConfig, loader FileLoader, dir string) (kernel, initrd string, err error) {
	if cfg.Kernel != "" {
		return cfg.Kernel, cfg.Initrd, nil
	}

	kernelPath, initrdPath := cfg.Manifest.BootFiles()
	if kernelPath == "" {
		return "", "", ErrMissingBootFiles
	}

	kernel, err = extractFile(ctx, cfg.Manifest, loader, kernelPath, filepath.Join(dir, "kernel"))
	if err != nil {
		return "", "", err
	}
	if initrdPath != "" {
		initrd, err = extractFile(ctx, cfg.Manifest, loader, initrdPath, filepath.Join(dir, "initrd"))
		if err != nil {
			return "", "", err
		}
	}
	return kernel, initrd, nil
}

func extractFile(ctx context.Context, m *manifest.Manifest, loader FileLoader, guestPath, hostPath string) (string, error) {
	entry, resolved, err := m.Resolve(guestPath)
	if err != nil {
		return "", fmt.Errorf("hypervisor: resolve %s: %w", guestPath, err)
	}
	if !entry.IsRegular() || entry.ContentKey == "" {
		return "", fmt.Errorf("hypervisor: %s is not a regular file with contents", resolved)
	}

	data, err := loader.Load(ctx, entry.ContentKey)
	if err != nil {
		return "", fmt.Errorf("hypervisor: load %s: %w", resolved, err)
	}
	if err := os.WriteFile(hostPath, data, 0o644); err != nil {
		return "", fmt.Errorf("hypervisor: write %s: %w", hostPath, err)
	}
	return hostPath, nil
}
