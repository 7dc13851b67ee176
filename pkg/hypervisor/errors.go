package hypervisor

import "errors"

// Configuration errors
var (
	ErrInvalidCPUCount    = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory = errors.New("hypervisor: memory must be at least 128MB")
	ErrMissingManifest    = errors.New("hypervisor: root filesystem manifest is required")
	ErrInvalidNetwork     = errors.New("hypervisor: router and guest addresses must be IPv4")
	ErrMissingBootFiles   = errors.New("hypervisor: kernel not found in root filesystem")
)

// Runtime errors
var (
	ErrAlreadyStarted  = errors.New("hypervisor: machine already started")
	ErrNotRunning      = errors.New("hypervisor: machine is not running")
	ErrLoaderInstalled = errors.New("hypervisor: file loader already installed")
	ErrNilLoader       = errors.New("hypervisor: file loader is nil")
	ErrCaptureFailed   = errors.New("hypervisor: state capture failed")
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
	ErrUnknownDriver       = errors.New("hypervisor: unknown driver")
)
