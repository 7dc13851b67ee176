package snapshot

import "errors"

var (
	// ErrAlreadyRun is returned when Run is called a second time.
	ErrAlreadyRun = errors.New("snapshot: orchestrator already run")

	// ErrCapture indicates the machine could not produce its state.
	ErrCapture = errors.New("snapshot: capture failed")

	// ErrPersist indicates the captured state could not be written.
	ErrPersist = errors.New("snapshot: persist failed")

	// ErrMachineExited indicates the machine stopped before the
	// snapshot was written.
	ErrMachineExited = errors.New("snapshot: machine exited")

	// ErrLoad indicates the root filesystem could not serve a file
	// to the guest.
	ErrLoad = errors.New("snapshot: file load failed")

	// ErrMissingOption is returned by New when a required option is
	// unset.
	ErrMissingOption = errors.New("snapshot: missing option")
)
