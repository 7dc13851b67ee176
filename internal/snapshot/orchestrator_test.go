package snapshot

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"testing/fstest"
	"time"

	"github.com/zeebo/blake3"

	"github.com/javanstorm/vmstate/internal/clock"
	"github.com/javanstorm/vmstate/internal/console"
	"github.com/javanstorm/vmstate/internal/fscache"
	"github.com/javanstorm/vmstate/internal/testutil"
	"github.com/javanstorm/vmstate/internal/timing"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	clock   *clock.FakeClock
	machine *testutil.FakeMachine
	monitor *console.Monitor
	root    fstest.MapFS
	output  string
	timer   *timing.Timer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	monitor, err := console.New(console.DefaultMarker, nil)
	if err != nil {
		t.Fatalf("console.New: %v", err)
	}
	clk := clock.Fake(epoch)
	return &harness{
		t:       t,
		clock:   clk,
		machine: testutil.NewFakeMachine([]byte("machine-state")),
		monitor: monitor,
		root:    fstest.MapFS{},
		output:  filepath.Join(t.TempDir(), "alpine-state.bin"),
		timer:   timing.NewWithClock(clk),
	}
}

func (h *harness) options() Options {
	return Options{
		Machine:    h.machine,
		Loader:     fscache.New(h.root),
		Monitor:    h.monitor,
		OutputPath: h.output,
		Clock:      h.clock,
		Timer:      h.timer,
	}
}

type runResult struct {
	result *Result
	err    error
}

// start runs the orchestrator in the background.
func (h *harness) start(ctx context.Context, o *Orchestrator) <-chan runResult {
	h.t.Helper()

	done := make(chan runResult, 1)
	go func() {
		result, err := o.Run(ctx)
		done <- runResult{result, err}
	}()
	return done
}

func (h *harness) newOrchestrator(options Options) *Orchestrator {
	h.t.Helper()
	o, err := New(options)
	if err != nil {
		h.t.Fatalf("New: %v", err)
	}
	return o
}

func waitResult(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return runResult{}
	}
}

func waitInstalled(t *testing.T, m *testutil.FakeMachine) {
	t.Helper()
	select {
	case <-m.LoaderInstalled():
	case <-time.After(5 * time.Second):
		t.Fatal("loader was not installed")
	}
}

func states(transitions []Transition) []State {
	var out []State
	for _, tr := range transitions {
		out = append(out, tr.To)
	}
	return out
}

func TestRunWritesSnapshot(t *testing.T) {
	h := newHarness(t)
	name, stored := testutil.Segment(t, "1a2b3c4d", []byte("#!/bin/busybox sh\n"))
	h.root[name] = &fstest.MapFile{Data: stored}

	o := h.newOrchestrator(h.options())
	done := h.start(context.Background(), o)

	waitInstalled(t, h.machine)
	data, err := h.machine.Loader().Load(context.Background(), name)
	if err != nil || string(data) != "#!/bin/busybox sh\n" {
		t.Fatalf("guest read = %q, %v", data, err)
	}

	h.machine.Emit("Welcome to Alpine Linux\r\nlocalhost:~# ")
	h.clock.WaitForTimers(1)

	if sent := h.machine.Sent(); len(sent) != 1 || sent[0] != DefaultFlushCommand {
		t.Fatalf("Sent() = %q, want one flush command", sent)
	}
	if got := o.State(); got != Settling {
		t.Fatalf("State() = %v, want settling", got)
	}

	h.clock.Advance(DefaultSettleDelay - time.Second)
	if _, _, saves, _ := h.machine.Calls(); saves != 0 {
		t.Fatal("state captured before the settle delay elapsed")
	}
	h.clock.Advance(time.Second)

	r := waitResult(t, done)
	if r.err != nil {
		t.Fatalf("Run: %v", r.err)
	}

	written, err := os.ReadFile(h.output)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(written) != "machine-state" {
		t.Errorf("snapshot = %q", written)
	}
	sum := blake3.Sum256(written)
	if r.result.Digest != hex.EncodeToString(sum[:]) || r.result.Size != int64(len(written)) || r.result.Path != h.output {
		t.Errorf("result = %+v", r.result)
	}

	want := []State{Booting, Settling, Snapshotting, Persisting, Done}
	if got := states(o.Transitions()); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if o.State() != Done {
		t.Errorf("State() = %v, want done", o.State())
	}

	var settle time.Duration
	for _, p := range r.result.Phases {
		if p.Name == Settling.String() {
			settle = p.Duration
		}
	}
	if settle != DefaultSettleDelay {
		t.Errorf("settling phase = %v, want %v", settle, DefaultSettleDelay)
	}

	starts, installs, saves, destroys := h.machine.Calls()
	if starts != 1 || installs != 1 || saves != 1 || destroys != 1 {
		t.Errorf("calls: starts=%d installs=%d saves=%d destroys=%d", starts, installs, saves, destroys)
	}
}

func TestRunFlushesOnce(t *testing.T) {
	h := newHarness(t)
	options := h.options()
	options.FlushCommand = "sync\n"
	options.SettleDelay = time.Second
	o := h.newOrchestrator(options)
	done := h.start(context.Background(), o)

	waitInstalled(t, h.machine)
	h.machine.Emit("localhost:~# ")
	h.clock.WaitForTimers(1)
	h.machine.Emit("sync\r\nlocalhost:~# ")
	h.clock.Advance(time.Second)

	if r := waitResult(t, done); r.err != nil {
		t.Fatalf("Run: %v", r.err)
	}
	if sent := h.machine.Sent(); !slices.Equal(sent, []string{"sync\n"}) {
		t.Errorf("Sent() = %q", sent)
	}
}

func TestRunWaitsForFilesystem(t *testing.T) {
	h := newHarness(t)
	h.machine.HoldFilesystem = true
	o := h.newOrchestrator(h.options())
	done := h.start(context.Background(), o)

	time.Sleep(20 * time.Millisecond)
	if _, installs, _, _ := h.machine.Calls(); installs != 0 {
		t.Fatal("loader installed before the filesystem was ready")
	}
	if o.State() != WaitingForInit {
		t.Fatalf("State() = %v, want waiting-for-init", o.State())
	}

	h.machine.ReleaseFilesystem()
	waitInstalled(t, h.machine)
	h.machine.Emit("localhost:~# ")
	h.clock.WaitForTimers(1)
	h.clock.Advance(DefaultSettleDelay)

	if r := waitResult(t, done); r.err != nil {
		t.Fatalf("Run: %v", r.err)
	}
}

func TestRunLoaderFailure(t *testing.T) {
	h := newHarness(t)
	_, stored := testutil.Segment(t, "1a2b3c4d", []byte("short"))
	// The name claims more bytes than the segment decodes to.
	bad := "1a2b3c4d-99.bin.zst"
	h.root[bad] = &fstest.MapFile{Data: stored}

	o := h.newOrchestrator(h.options())
	done := h.start(context.Background(), o)

	waitInstalled(t, h.machine)
	if _, err := h.machine.Loader().Load(context.Background(), bad); !errors.Is(err, fscache.ErrDecompress) {
		t.Fatalf("guest read = %v, want ErrDecompress", err)
	}

	r := waitResult(t, done)
	if !errors.Is(r.err, ErrLoad) || !errors.Is(r.err, fscache.ErrDecompress) {
		t.Fatalf("Run = %v, want ErrLoad wrapping ErrDecompress", r.err)
	}
	if o.State() != Failed {
		t.Errorf("State() = %v, want failed", o.State())
	}
	if slices.Contains(states(o.Transitions()), Snapshotting) {
		t.Error("run reached snapshotting after a load failure")
	}
	if _, _, saves, destroys := h.machine.Calls(); saves != 0 || destroys != 1 {
		t.Errorf("saves=%d destroys=%d", saves, destroys)
	}
	if _, err := os.Stat(h.output); !os.IsNotExist(err) {
		t.Errorf("output exists after failure: %v", err)
	}
}

func TestRunCaptureFailure(t *testing.T) {
	h := newHarness(t)
	h.machine.SaveErr = errors.New("migration failed")
	o := h.newOrchestrator(h.options())
	done := h.start(context.Background(), o)

	waitInstalled(t, h.machine)
	h.machine.Emit("localhost:~# ")
	h.clock.WaitForTimers(1)
	h.clock.Advance(DefaultSettleDelay)

	r := waitResult(t, done)
	if !errors.Is(r.err, ErrCapture) {
		t.Fatalf("Run = %v, want ErrCapture", r.err)
	}
	if _, err := os.Stat(h.output); !os.IsNotExist(err) {
		t.Errorf("output exists after failure: %v", err)
	}
	if _, _, _, destroys := h.machine.Calls(); destroys != 1 {
		t.Errorf("destroys = %d, want 1", destroys)
	}
}

type failingWriter struct{ calls int }

func (w *failingWriter) WriteState(path string, data []byte) error {
	w.calls++
	return errors.New("disk full")
}

func TestRunPersistFailure(t *testing.T) {
	h := newHarness(t)
	writer := &failingWriter{}
	options := h.options()
	options.Writer = writer
	o := h.newOrchestrator(options)
	done := h.start(context.Background(), o)

	waitInstalled(t, h.machine)
	h.machine.Emit("localhost:~# ")
	h.clock.WaitForTimers(1)
	h.clock.Advance(DefaultSettleDelay)

	r := waitResult(t, done)
	if !errors.Is(r.err, ErrPersist) {
		t.Fatalf("Run = %v, want ErrPersist", r.err)
	}
	if r.result != nil {
		t.Errorf("result = %+v, want nil", r.result)
	}
	if writer.calls != 1 {
		t.Errorf("writer calls = %d, want 1", writer.calls)
	}
	want := []State{Booting, Settling, Snapshotting, Persisting, Failed}
	if got := states(o.Transitions()); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if _, _, _, destroys := h.machine.Calls(); destroys != 1 {
		t.Errorf("destroys = %d, want 1", destroys)
	}
}

func TestRunOutputIsDirectory(t *testing.T) {
	h := newHarness(t)
	if err := os.Mkdir(h.output, 0o755); err != nil {
		t.Fatal(err)
	}
	o := h.newOrchestrator(h.options())
	done := h.start(context.Background(), o)

	waitInstalled(t, h.machine)
	h.machine.Emit("localhost:~# ")
	h.clock.WaitForTimers(1)
	h.clock.Advance(DefaultSettleDelay)

	if r := waitResult(t, done); !errors.Is(r.err, ErrPersist) {
		t.Fatalf("Run = %v, want ErrPersist", r.err)
	}
	if info, err := os.Stat(h.output); err != nil || !info.IsDir() {
		t.Errorf("output directory disturbed: %v", err)
	}
}

func TestRunMachineExit(t *testing.T) {
	h := newHarness(t)
	o := h.newOrchestrator(h.options())
	done := h.start(context.Background(), o)

	waitInstalled(t, h.machine)
	h.machine.Emit("Kernel panic - not syncing: VFS: Unable to mount root fs\r\n")
	h.machine.Exit(errors.New("exit status 1"))

	r := waitResult(t, done)
	if !errors.Is(r.err, ErrMachineExited) {
		t.Fatalf("Run = %v, want ErrMachineExited", r.err)
	}
	if len(h.machine.Sent()) != 0 {
		t.Errorf("flush sent without boot: %q", h.machine.Sent())
	}
	if _, _, _, destroys := h.machine.Calls(); destroys != 1 {
		t.Errorf("destroys = %d, want 1", destroys)
	}
}

func TestRunCanceled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	o := h.newOrchestrator(h.options())
	done := h.start(ctx, o)

	waitInstalled(t, h.machine)
	h.machine.Emit("localhost:~# ")
	h.clock.WaitForTimers(1)
	cancel()

	r := waitResult(t, done)
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", r.err)
	}
	if o.State() != Failed {
		t.Errorf("State() = %v, want failed", o.State())
	}
	if _, _, saves, destroys := h.machine.Calls(); saves != 0 || destroys != 1 {
		t.Errorf("saves=%d destroys=%d", saves, destroys)
	}
}

func TestRunStartFailure(t *testing.T) {
	h := newHarness(t)
	h.machine.StartErr = errors.New("no kvm")
	o := h.newOrchestrator(h.options())

	_, err := o.Run(context.Background())
	if err == nil || !errors.Is(err, h.machine.StartErr) {
		t.Fatalf("Run = %v, want start error", err)
	}
	if _, _, _, destroys := h.machine.Calls(); destroys != 1 {
		t.Errorf("destroys = %d, want 1", destroys)
	}
	if o.State() != Failed {
		t.Errorf("State() = %v, want failed", o.State())
	}
}

func TestRunOnce(t *testing.T) {
	h := newHarness(t)
	h.machine.StartErr = errors.New("no kvm")
	o := h.newOrchestrator(h.options())

	if _, err := o.Run(context.Background()); err == nil {
		t.Fatal("first Run should fail")
	}
	if _, err := o.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("second Run = %v, want ErrAlreadyRun", err)
	}
	if starts, _, _, _ := h.machine.Calls(); starts != 1 {
		t.Errorf("starts = %d, want 1", starts)
	}
}

func TestNewMissingOptions(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"machine", func(o *Options) { o.Machine = nil }},
		{"loader", func(o *Options) { o.Loader = nil }},
		{"monitor", func(o *Options) { o.Monitor = nil }},
		{"output", func(o *Options) { o.OutputPath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			options := h.options()
			tt.modify(&options)
			if _, err := New(options); !errors.Is(err, ErrMissingOption) {
				t.Errorf("New() = %v, want ErrMissingOption", err)
			}
		})
	}

	options := h.options()
	options.SettleDelay = -time.Second
	if _, err := New(options); err == nil {
		t.Error("New accepted a negative settle delay")
	}
}

func TestStateString(t *testing.T) {
	if Booting.String() != "booting" || Failed.String() != "failed" || State(99).String() != "unknown" {
		t.Error("unexpected state names")
	}
	if !Done.Terminal() || !Failed.Terminal() || Settling.Terminal() {
		t.Error("unexpected terminal states")
	}
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "state.bin")
	w := FileWriter{}

	if err := w.WriteState(path, []byte("first")); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	if err := w.WriteState(path, []byte("second")); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(data, []byte("second")) {
		t.Fatalf("ReadFile = %q, %v", data, err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestFileWriterDestinationIsDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.bin")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := (FileWriter{}).WriteState(path, []byte("x")); err == nil {
		t.Fatal("WriteState over a directory succeeded")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		t.Errorf("directory contents = %v, want only the destination", entries)
	}
}
