package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/javanstorm/vmstate/pkg/hypervisor"
)

var _ hypervisor.Machine = (*FakeMachine)(nil)

// FakeMachine is a scriptable hypervisor.Machine. The test plays the
// guest: it writes console output with Emit, ends the machine with Exit
// and inspects what the caller did afterwards.
type FakeMachine struct {
	// StartErr, SendErr and SaveErr make the matching calls fail.
	StartErr error
	SendErr  error
	SaveErr  error

	// State is returned by SaveState.
	State []byte

	// HoldFilesystem keeps FilesystemReady open until ReleaseFilesystem.
	HoldFilesystem bool

	mu        sync.Mutex
	loader    hypervisor.FileLoader
	sent      []string
	starts    int
	saves     int
	destroys  int
	installs  int
	installed chan struct{}
	fsReady   chan struct{}
	fsOnce    sync.Once
	output    chan byte
	outOnce   sync.Once
	exit      chan error
}

// NewFakeMachine returns a machine whose SaveState yields state.
func NewFakeMachine(state []byte) *FakeMachine {
	return &FakeMachine{
		State:     state,
		installed: make(chan struct{}),
		fsReady:   make(chan struct{}),
		output:    make(chan byte, 1<<16),
		exit:      make(chan error, 1),
	}
}

func (m *FakeMachine) Info() hypervisor.Info {
	return hypervisor.Info{Name: "fake", Version: "test", Arch: "none"}
}

func (m *FakeMachine) Capabilities() hypervisor.Capabilities {
	return hypervisor.Capabilities{SharedDirs: true, Snapshots: true}
}

func (m *FakeMachine) Start(ctx context.Context) (chan error, error) {
	m.mu.Lock()
	m.starts++
	m.mu.Unlock()

	if m.StartErr != nil {
		return nil, m.StartErr
	}
	if !m.HoldFilesystem {
		m.ReleaseFilesystem()
	}
	return m.exit, nil
}

// ReleaseFilesystem signals FilesystemReady.
func (m *FakeMachine) ReleaseFilesystem() {
	m.fsOnce.Do(func() { close(m.fsReady) })
}

func (m *FakeMachine) FilesystemReady() <-chan struct{} { return m.fsReady }

func (m *FakeMachine) InstallLoader(loader hypervisor.FileLoader) error {
	if loader == nil {
		return hypervisor.ErrNilLoader
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.installs++
	if m.loader != nil {
		return hypervisor.ErrLoaderInstalled
	}
	m.loader = loader
	close(m.installed)
	return nil
}

// LoaderInstalled is closed once a loader is installed.
func (m *FakeMachine) LoaderInstalled() <-chan struct{} { return m.installed }

// Loader returns the installed loader, or nil.
func (m *FakeMachine) Loader() hypervisor.FileLoader {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loader
}

func (m *FakeMachine) Output() <-chan byte { return m.output }

// Emit queues console output from the guest.
func (m *FakeMachine) Emit(text string) {
	for i := 0; i < len(text); i++ {
		m.output <- text[i]
	}
}

// Exit ends the machine as if the guest had stopped on its own.
func (m *FakeMachine) Exit(err error) {
	select {
	case m.exit <- err:
	default:
	}
}

func (m *FakeMachine) SendSerial(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroys > 0 {
		return hypervisor.ErrNotRunning
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, text)
	return nil
}

// Sent returns every string written to the serial console.
func (m *FakeMachine) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *FakeMachine) SaveState(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	m.saves++
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.SaveErr != nil {
		return nil, m.SaveErr
	}
	if m.State == nil {
		return nil, errors.New("fake machine: no state")
	}
	return append([]byte(nil), m.State...), nil
}

func (m *FakeMachine) Destroy(ctx context.Context) error {
	m.mu.Lock()
	m.destroys++
	m.mu.Unlock()

	m.outOnce.Do(func() { close(m.output) })
	return nil
}

// Calls reports how often each lifecycle method ran.
func (m *FakeMachine) Calls() (starts, installs, saves, destroys int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts, m.installs, m.saves, m.destroys
}
