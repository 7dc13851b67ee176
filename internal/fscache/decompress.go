package fscache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// decoders holds synchronous stream decoders; each is used by one load
// at a time.
var decoders sync.Pool

func getDecoder() (*zstd.Decoder, error) {
	if d, ok := decoders.Get().(*zstd.Decoder); ok {
		return d, nil
	}
	return zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(MaxSegmentSize),
	)
}

// decompress decodes a zstd segment and checks it against the size
// declared in its name. Output is streamed into a buffer of exactly
// that size, so a segment that decodes to more fails after at most one
// extra byte.
func decompress(compressed []byte, seg Segment) ([]byte, error) {
	dec, err := getDecoder()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompress, err)
	}
	defer decoders.Put(dec)

	if err := dec.Reset(bytes.NewReader(compressed)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompress, err)
	}

	data := make([]byte, seg.Size)
	n, err := io.ReadFull(dec, data)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrDecompress, n, seg.Size)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrDecompress, err)
	}

	var extra [1]byte
	if n, err := dec.Read(extra[:]); n > 0 {
		return nil, fmt.Errorf("%w: more than %d bytes, expected %d", ErrDecompress, seg.Size, seg.Size)
	} else if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrDecompress, err)
	}
	return data, nil
}
