package hypervisor

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"
)

func drain(t *testing.T, out <-chan byte) []byte {
	t.Helper()
	var got []byte
	timeout := time.After(time.Second)
	for {
		select {
		case b, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, b)
		case <-timeout:
			t.Fatal("output channel not closed")
			return nil
		}
	}
}

func TestPumpSerialPreservesOrder(t *testing.T) {
	text := strings.Repeat("Welcome to Alpine Linux\r\nlocalhost:~# ", 300)
	out := make(chan byte, 16)
	done := make(chan struct{})

	go pumpSerial(iotest.HalfReader(strings.NewReader(text)), out, done)

	if got := drain(t, out); string(got) != text {
		t.Errorf("pumped %d bytes, want %d in order", len(got), len(text))
	}
}

func TestPumpSerialReadError(t *testing.T) {
	r := io.MultiReader(strings.NewReader("abc"), iotest.ErrReader(errors.New("pipe closed")))
	out := make(chan byte, 16)

	go pumpSerial(r, out, make(chan struct{}))

	if got := drain(t, out); !bytes.Equal(got, []byte("abc")) {
		t.Errorf("got %q, want %q", got, "abc")
	}
}

func TestPumpSerialStopsOnDone(t *testing.T) {
	out := make(chan byte) // never read
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		pumpSerial(strings.NewReader("blocked"), out, done)
		close(finished)
	}()

	close(done)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("pumpSerial did not stop after done was closed")
	}
}
