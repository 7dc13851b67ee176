//go:build linux

package hypervisor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/javanstorm/vmstate/internal/clock"
)

// virtiofsd supervises the daemon that serves the root filesystem
// mount to qemu over a vhost-user socket.
type virtiofsd struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	exited chan struct{}
	err    error // valid after exited is closed
}

// startVirtiofsd launches binary and waits until it listens on socket.
func startVirtiofsd(ctx context.Context, clk clock.Clock, logger *slog.Logger, binary, socket, sharedDir string) (*virtiofsd, error) {
	args := virtiofsdArgs(socket, sharedDir)
	d := &virtiofsd{
		cmd:    exec.Command(binary, args...),
		stderr: newTailBuffer(4096),
		exited: make(chan struct{}),
	}
	d.cmd.Stderr = d.stderr

	logger.Info("starting virtiofsd", "binary", binary, "args", args)
	if err := d.cmd.Start(); err != nil {
		return nil, fmt.Errorf("virtiofsd: start: %w", err)
	}
	go func() {
		d.err = d.cmd.Wait()
		close(d.exited)
	}()

	ticker := clk.NewTicker(qmpPollInterval)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(socket); err == nil {
			return d, nil
		}
		select {
		case <-d.exited:
			return nil, fmt.Errorf("virtiofsd: exited before listening: %v: %s", d.err, bytes.TrimSpace(d.stderr.Bytes()))
		case <-ctx.Done():
			d.stop()
			return nil, fmt.Errorf("virtiofsd: wait for %s: %w", socket, ctx.Err())
		case <-ticker.C:
		}
	}
}

// stop kills the daemon if it is still running and waits for it.
// virtiofsd normally exits by itself once qemu disconnects.
func (d *virtiofsd) stop() {
	select {
	case <-d.exited:
		return
	default:
	}
	d.cmd.Process.Kill()
	<-d.exited
}
