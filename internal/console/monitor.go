// Package console watches the guest's serial output for the shell
// prompt that marks the end of boot.
package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// DefaultMarker is the tail of the root shell prompt printed by the
// guest once it accepts input.
const DefaultMarker = ":~# "

// ErrEmptyMarker is returned by New when no marker is given.
var ErrEmptyMarker = errors.New("console: boot marker must not be empty")

// Monitor accumulates console output and signals, once, when the
// accumulated text ends with the boot marker.
//
// Feed is meant to be called from a single goroutine (Consume does
// this). Booted, Transcript and Tail may be called from any goroutine.
type Monitor struct {
	marker []byte
	echo   io.Writer

	mu         sync.Mutex
	transcript []byte
	booted     bool
	bootedCh   chan struct{}
}

// New creates a Monitor for marker. If echo is non-nil every byte fed
// to the monitor is also written to it; echo write errors are ignored.
func New(marker string, echo io.Writer) (*Monitor, error) {
	if marker == "" {
		return nil, ErrEmptyMarker
	}
	return &Monitor{
		marker:   []byte(marker),
		echo:     echo,
		bootedCh: make(chan struct{}),
	}, nil
}

// Feed appends one output byte to the transcript. It returns true only
// for the byte that completes the first occurrence of the marker at the
// end of the transcript. Later bytes are still recorded but never
// signal again.
func (m *Monitor) Feed(b byte) bool {
	if m.echo != nil {
		m.echo.Write([]byte{b})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.transcript = append(m.transcript, b)
	if m.booted || !bytes.HasSuffix(m.transcript, m.marker) {
		return false
	}
	m.booted = true
	close(m.bootedCh)
	return true
}

// Consume feeds every byte from output, in order, until output is
// closed or ctx is done.
func (m *Monitor) Consume(ctx context.Context, output <-chan byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-output:
			if !ok {
				return
			}
			m.Feed(b)
		}
	}
}

// Booted returns a channel that is closed when the marker is first
// seen.
func (m *Monitor) Booted() <-chan struct{} {
	return m.bootedCh
}

// IsBooted reports whether the marker has been seen.
func (m *Monitor) IsBooted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.booted
}

// Transcript returns everything received so far.
func (m *Monitor) Transcript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.transcript)
}

// Tail returns at most the last n bytes of the transcript.
func (m *Monitor) Tail(n int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		return ""
	}
	if len(m.transcript) <= n {
		return string(m.transcript)
	}
	return string(m.transcript[len(m.transcript)-n:])
}
