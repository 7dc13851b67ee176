package hypervisor

import (
	"io"
)

// pumpSerial copies console output from r to out one byte at a time,
// preserving order, and closes out when r fails or reaches EOF. It
// stops early when done is closed.
func pumpSerial(r io.Reader, out chan<- byte, done <-chan struct{}) {
	defer close(out)

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			select {
			case out <- b:
			case <-done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}
