// Package snapshot drives a machine from cold boot to a persisted state
// file: it waits for the guest shell prompt, flushes guest caches, lets
// the guest settle and then captures and writes the machine state.
package snapshot

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/javanstorm/vmstate/internal/clock"
	"github.com/javanstorm/vmstate/internal/console"
	"github.com/javanstorm/vmstate/internal/timing"
	"github.com/javanstorm/vmstate/pkg/hypervisor"
)

// Defaults used when the corresponding option is zero.
const (
	DefaultFlushCommand = "sync;echo 3 >/proc/sys/vm/drop_caches\n"
	DefaultSettleDelay  = 10 * time.Second
)

// destroyTimeout bounds teardown once the run has finished.
const destroyTimeout = 30 * time.Second

// consoleTailSize is how much of the console transcript is logged when
// a run fails.
const consoleTailSize = 2048

// Options configures an Orchestrator.
type Options struct {
	// Machine is booted, captured and destroyed by the run. Required.
	Machine hypervisor.Machine

	// Loader serves the guest's root filesystem reads. Required.
	Loader hypervisor.FileLoader

	// Monitor watches the console for the boot marker. Required.
	Monitor *console.Monitor

	// FlushCommand is typed into the guest once it has booted.
	FlushCommand string

	// SettleDelay is the wait between the flush and the capture.
	SettleDelay time.Duration

	// OutputPath is where the state file is written. Required.
	OutputPath string

	// Writer persists the state. Nil uses FileWriter.
	Writer StateWriter

	// Clock drives the settle timer. Nil uses the real clock.
	Clock clock.Clock

	// Logger receives progress. Nil logs errors only, to stderr.
	Logger *slog.Logger

	// Timer, when set, gets a mark as each state is left.
	Timer *timing.Timer
}

// Result describes a written snapshot.
type Result struct {
	Path   string
	Size   int64
	Digest string // BLAKE3, hex
	Phases []timing.Phase
}

// Orchestrator sequences one snapshot build. It runs once.
type Orchestrator struct {
	machine hypervisor.Machine
	loader  *watchedLoader
	monitor *console.Monitor
	flush   string
	settle  time.Duration
	output  string
	writer  StateWriter
	clock   clock.Clock
	logger  *slog.Logger
	timer   *timing.Timer
	ran     atomic.Bool
	mu      sync.Mutex
	state   State
	history []Transition
}

// New validates options and returns an orchestrator in WaitingForInit.
func New(options Options) (*Orchestrator, error) {
	switch {
	case options.Machine == nil:
		return nil, fmt.Errorf("%w: machine", ErrMissingOption)
	case options.Loader == nil:
		return nil, fmt.Errorf("%w: loader", ErrMissingOption)
	case options.Monitor == nil:
		return nil, fmt.Errorf("%w: monitor", ErrMissingOption)
	case options.OutputPath == "":
		return nil, fmt.Errorf("%w: output path", ErrMissingOption)
	case options.SettleDelay < 0:
		return nil, fmt.Errorf("snapshot: negative settle delay %v", options.SettleDelay)
	}

	o := &Orchestrator{
		machine: options.Machine,
		loader:  newWatchedLoader(options.Loader),
		monitor: options.Monitor,
		flush:   options.FlushCommand,
		settle:  options.SettleDelay,
		output:  options.OutputPath,
		writer:  options.Writer,
		clock:   options.Clock,
		logger:  options.Logger,
		timer:   options.Timer,
		state:   WaitingForInit,
	}
	if o.flush == "" {
		o.flush = DefaultFlushCommand
	}
	if o.settle == 0 {
		o.settle = DefaultSettleDelay
	}
	if o.writer == nil {
		o.writer = FileWriter{}
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Transitions returns the state changes so far, oldest first.
func (o *Orchestrator) Transitions() []Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Transition(nil), o.history...)
}

func (o *Orchestrator) transition(to State) {
	now := o.clock.Now()

	o.mu.Lock()
	from := o.state
	o.state = to
	o.history = append(o.history, Transition{From: from, To: to, At: now})
	o.mu.Unlock()

	if o.timer != nil {
		o.timer.Mark(from.String())
	}
	o.logger.Info("state transition", "from", from, "to", to)
}

// Run boots the machine and writes its state. The machine is destroyed
// before Run returns, whatever the outcome. A run that does not reach
// Done ends in Failed and writes nothing.
func (o *Orchestrator) Run(ctx context.Context) (result *Result, err error) {
	if !o.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}

	runCtx, cancel := context.WithCancel(ctx)
	var consumer sync.WaitGroup
	defer func() {
		if err != nil {
			o.fail(err)
		}
		cancel()
		o.teardown(ctx)
		consumer.Wait()
	}()

	exited, err := o.machine.Start(runCtx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: start machine: %w", err)
	}

	if err := o.wait(runCtx, o.machine.FilesystemReady(), exited); err != nil {
		return nil, err
	}
	if err := o.machine.InstallLoader(o.loader); err != nil {
		return nil, fmt.Errorf("snapshot: install loader: %w", err)
	}
	consumer.Add(1)
	go func() {
		defer consumer.Done()
		o.monitor.Consume(runCtx, o.machine.Output())
	}()
	o.transition(Booting)

	if err := o.wait(runCtx, o.monitor.Booted(), exited); err != nil {
		return nil, err
	}
	o.logger.Info("guest booted, flushing caches")
	if err := o.machine.SendSerial(runCtx, o.flush); err != nil {
		return nil, fmt.Errorf("snapshot: send flush command: %w", err)
	}
	o.transition(Settling)

	o.logger.Debug("settling", "delay", o.settle)
	select {
	case <-o.clock.After(o.settle):
	case <-o.loader.failed:
		return nil, o.loader.err
	case exitErr := <-exited:
		return nil, machineExited(exitErr)
	case <-runCtx.Done():
		return nil, runCtx.Err()
	}
	if err := o.loader.failure(); err != nil {
		return nil, err
	}
	o.transition(Snapshotting)

	data, err := o.machine.SaveState(runCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	o.logger.Info("captured machine state", "bytes", len(data))
	o.transition(Persisting)

	if err := o.writer.WriteState(o.output, data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPersist, o.output, err)
	}
	sum := blake3.Sum256(data)
	o.transition(Done)

	result = &Result{
		Path:   o.output,
		Size:   int64(len(data)),
		Digest: hex.EncodeToString(sum[:]),
	}
	if o.timer != nil {
		result.Phases = o.timer.Phases()
	}
	o.logger.Info("snapshot written", "path", result.Path, "bytes", result.Size, "blake3", result.Digest)
	return result, nil
}

// wait blocks until ready is closed or the run is interrupted by a
// loader failure, machine exit or cancellation.
func (o *Orchestrator) wait(ctx context.Context, ready <-chan struct{}, exited <-chan error) error {
	select {
	case <-ready:
		return nil
	case <-o.loader.failed:
		return o.loader.err
	case exitErr := <-exited:
		return machineExited(exitErr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) fail(err error) {
	from := o.State()
	o.transition(Failed)
	o.logger.Error("snapshot build failed",
		"state", from,
		"error", err,
		"console_tail", o.monitor.Tail(consoleTailSize))
}

// teardown destroys the machine even when ctx is already canceled.
func (o *Orchestrator) teardown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
	defer cancel()

	if err := o.machine.Destroy(ctx); err != nil {
		o.logger.Warn("destroy machine", "error", err)
	}
}

func machineExited(err error) error {
	if err == nil {
		return ErrMachineExited
	}
	return fmt.Errorf("%w: %w", ErrMachineExited, err)
}

// watchedLoader forwards loads and remembers the first failure so the
// run can stop instead of waiting for a boot that will not complete.
type watchedLoader struct {
	loader hypervisor.FileLoader
	once   sync.Once
	failed chan struct{}
	err    error
}

func newWatchedLoader(loader hypervisor.FileLoader) *watchedLoader {
	return &watchedLoader{loader: loader, failed: make(chan struct{})}
}

func (w *watchedLoader) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := w.loader.Load(ctx, key)
	if err != nil && ctx.Err() == nil {
		w.once.Do(func() {
			w.err = fmt.Errorf("%w: %s: %w", ErrLoad, key, err)
			close(w.failed)
		})
	}
	return data, err
}

func (w *watchedLoader) failure() error {
	select {
	case <-w.failed:
		return w.err
	default:
		return nil
	}
}
