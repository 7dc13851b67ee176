//go:build linux

package hypervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// qemuShutdownTimeout bounds how long Destroy waits for qemu to exit
// after "quit" before killing it.
const qemuShutdownTimeout = 5 * time.Second

// qemuMachine implements Machine by running qemu as a child process.
// The root filesystem is served by virtiofsd over vhost-user, the
// serial console is the process's stdio, and state capture uses QMP
// migration to a file.
type qemuMachine struct {
	*machineBase

	ioMu   sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	qmp    *qmpClient
	stderr *tailBuffer
}

func newQEMUMachine(cfg *MachineConfig) (Machine, error) {
	if cfg.QEMUBinary == "" {
		cfg.QEMUBinary = DefaultQEMUBinary
	}
	if _, err := exec.LookPath(cfg.QEMUBinary); err != nil {
		return nil, fmt.Errorf("qemuMachine: %s not found: %w", cfg.QEMUBinary, err)
	}
	fsBinary, err := findVirtiofsd(cfg.VirtiofsdBinary)
	if err != nil {
		return nil, err
	}
	cfg.VirtiofsdBinary = fsBinary
	return &qemuMachine{
		machineBase: newMachineBase(cfg),
		stderr:      newTailBuffer(8192),
	}, nil
}

func (m *qemuMachine) Info() Info {
	return Info{
		Name:    DriverQEMU,
		Version: "1.0.0",
		Arch:    runtime.GOARCH,
	}
}

func (m *qemuMachine) Capabilities() Capabilities {
	return qemuCapabilities
}

func (m *qemuMachine) Start(ctx context.Context) (chan error, error) {
	if err := m.prepare(); err != nil {
		return nil, err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.run(ctx)
	}()
	return errCh, nil
}

// run waits for the loader, boots qemu and returns when it exits.
func (m *qemuMachine) run(ctx context.Context) error {
	defer m.markExited()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := m.waitForLoader(ctx); err != nil {
		return err
	}

	kernel, initrd, err := bootFiles(ctx, m.cfg, m.gate, m.workDir)
	if err != nil {
		return err
	}

	fsSocket := filepath.Join(m.workDir, "virtiofs.sock")
	fsd, err := startVirtiofsd(ctx, m.clock, m.logger, m.cfg.VirtiofsdBinary, fsSocket, m.mountpoint())
	if err != nil {
		return m.exitError(nil, err)
	}
	defer fsd.stop()

	socket := filepath.Join(m.workDir, "qmp.sock")
	args := qemuArgs(m.cfg, qemuPaths{
		Kernel:    kernel,
		Initrd:    initrd,
		QMPSocket: socket,
		FSSocket:  fsSocket,
	})

	cmd := exec.Command(m.cfg.QEMUBinary, args...)
	cmd.Stderr = m.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("qemuMachine: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("qemuMachine: stdout pipe: %w", err)
	}

	m.logger.Info("starting qemu", "binary", m.cfg.QEMUBinary, "args", args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("qemuMachine: start: %w", err)
	}

	m.ioMu.Lock()
	m.cmd = cmd
	m.stdin = stdin
	m.ioMu.Unlock()
	m.setState(stateRunning)

	// Console output must be drained before Wait closes the pipe.
	waitErr := make(chan error, 1)
	processExited := make(chan struct{})
	go func() {
		pumpSerial(stdout, m.output, m.done)
		waitErr <- cmd.Wait()
		close(processExited)
	}()

	client, err := dialQMP(ctx, m.clock, socket, processExited)
	if err != nil {
		cmd.Process.Kill()
		<-processExited
		return m.exitError(<-waitErr, err)
	}
	m.ioMu.Lock()
	m.qmp = client
	m.ioMu.Unlock()

	return m.exitError(<-waitErr, nil)
}

// exitError describes why qemu stopped. An exit requested by Destroy is
// not an error.
func (m *qemuMachine) exitError(waitErr, cause error) error {
	select {
	case <-m.done:
		return nil
	default:
	}
	if cause != nil {
		return cause
	}
	if waitErr != nil {
		return fmt.Errorf("qemuMachine: exited: %w: %s", waitErr, bytes.TrimSpace(m.stderr.Bytes()))
	}
	return errors.New("qemuMachine: guest exited")
}

func (m *qemuMachine) SendSerial(ctx context.Context, text string) error {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	if m.stdin == nil || m.currentState() != stateRunning {
		return ErrNotRunning
	}
	if _, err := io.WriteString(m.stdin, text); err != nil {
		return fmt.Errorf("qemuMachine: write serial: %w", err)
	}
	return nil
}

func (m *qemuMachine) SaveState(ctx context.Context) ([]byte, error) {
	m.ioMu.Lock()
	client := m.qmp
	m.ioMu.Unlock()

	if client == nil || m.currentState() != stateRunning {
		return nil, ErrNotRunning
	}

	statePath := filepath.Join(m.workDir, "state.bin")
	if err := client.migrateToFile(ctx, statePath); err != nil {
		return nil, err
	}
	defer os.Remove(statePath)

	data, err := os.ReadFile(statePath)
	if err != nil {
		return nil, fmt.Errorf("%w: read migration file: %w", ErrCaptureFailed, err)
	}
	return data, nil
}

func (m *qemuMachine) Destroy(ctx context.Context) error {
	m.ioMu.Lock()
	cmd, client := m.cmd, m.qmp
	m.qmp = nil
	m.ioMu.Unlock()

	// Mark shutdown as requested before asking qemu to quit.
	m.doneOnce.Do(func() { close(m.done) })

	if client != nil {
		if err := client.quit(); err != nil {
			m.logger.Debug("qmp quit failed", "error", err)
		}
		client.close()
	}

	if cmd != nil && cmd.Process != nil {
		select {
		case <-m.exited:
		case <-ctx.Done():
			cmd.Process.Kill()
		case <-m.clock.After(qemuShutdownTimeout):
			m.logger.Warn("qemu did not exit, killing it")
			cmd.Process.Kill()
		}
		<-m.exited
	}

	return m.release()
}

// virtiofsdLocations are searched when the default binary is not on
// PATH; distributions install it outside the usual bin directories.
var virtiofsdLocations = []string{
	"/usr/libexec/virtiofsd",
	"/usr/lib/qemu/virtiofsd",
}

// findVirtiofsd resolves the virtiofsd executable. An explicit binary
// must exist as given.
func findVirtiofsd(binary string) (string, error) {
	if binary != "" && binary != DefaultVirtiofsdBinary {
		if _, err := exec.LookPath(binary); err != nil {
			return "", fmt.Errorf("qemuMachine: %s not found: %w", binary, err)
		}
		return binary, nil
	}
	if path, err := exec.LookPath(DefaultVirtiofsdBinary); err == nil {
		return path, nil
	}
	for _, path := range virtiofsdLocations {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("qemuMachine: %s not found in PATH or %v", DefaultVirtiofsdBinary, virtiofsdLocations)
}

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func newTailBuffer(n int) *tailBuffer { return &tailBuffer{n: n} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.n {
		t.buf = t.buf[len(t.buf)-t.n:]
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf...)
}
