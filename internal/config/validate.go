package config

import (
	"fmt"
	"strings"

	"github.com/javanstorm/vmstate/pkg/hypervisor"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = will be ignored
}

// ValidateConfig checks configuration against driver capabilities.
// Returns a list of validation errors/warnings.
func ValidateConfig(cfg *Config, caps hypervisor.Capabilities) []ValidationError {
	var errors []ValidationError

	if !caps.Snapshots {
		errors = append(errors, ValidationError{
			Field:   "Driver",
			Message: fmt.Sprintf("driver %q cannot capture machine state", cfg.Driver),
			Fatal:   true,
		})
	}
	if !caps.SharedDirs {
		errors = append(errors, ValidationError{
			Field:   "Driver",
			Message: fmt.Sprintf("driver %q cannot export the root filesystem", cfg.Driver),
			Fatal:   true,
		})
	}
	if cfg.EnableNetwork && !caps.Networking {
		errors = append(errors, ValidationError{
			Field:   "EnableNetwork",
			Message: "networking not supported by this driver, the guest will boot without it",
			Fatal:   false,
		})
	}
	if cfg.Marker == "" {
		errors = append(errors, ValidationError{
			Field:   "Marker",
			Message: "boot marker must not be empty",
			Fatal:   true,
		})
	}
	if cfg.SettleDelay < 0 {
		errors = append(errors, ValidationError{
			Field:   "SettleDelay",
			Message: fmt.Sprintf("settle delay %v is negative", cfg.SettleDelay),
			Fatal:   true,
		})
	}
	if cfg.Output == "" {
		errors = append(errors, ValidationError{
			Field:   "Output",
			Message: "output path must be set",
			Fatal:   true,
		})
	}
	if cfg.Kernel == "" && cfg.Initrd != "" {
		errors = append(errors, ValidationError{
			Field:   "Initrd",
			Message: "initrd is ignored unless a kernel is also given",
			Fatal:   false,
		})
	}

	return errors
}

// HasFatal reports whether any error prevents a run.
func HasFatal(errors []ValidationError) bool {
	for _, e := range errors {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration problems:\n")
	for _, e := range errors {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
