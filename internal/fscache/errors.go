package fscache

import "errors"

var (
	// ErrRead wraps failures reading a file from the content root.
	ErrRead = errors.New("fscache: read failed")

	// ErrDecompress wraps corrupt segments and segments whose decoded
	// length does not match the size in their name.
	ErrDecompress = errors.New("fscache: decompression failed")

	// ErrMalformedSegmentName is returned for names that end in the
	// segment extension but do not follow <id>-<size>[.<ext>].zst.
	ErrMalformedSegmentName = errors.New("fscache: malformed segment name")

	// ErrInvalidPath is returned for empty paths and paths that escape
	// the content root.
	ErrInvalidPath = errors.New("fscache: invalid path")
)
