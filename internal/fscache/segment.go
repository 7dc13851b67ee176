package fscache

import (
	"fmt"
	"strconv"
	"strings"
)

// SegmentExt is the extension of zstd-compressed segments.
const SegmentExt = ".zst"

// MaxSegmentSize bounds the decoded size a segment name may declare.
// It keeps a corrupt name from triggering a huge allocation.
const MaxSegmentSize = 1 << 30

// Segment is the parsed form of a compressed segment name such as
// "1a2b3c4d-20480.bin.zst".
type Segment struct {
	// ID is the part before the size, normally a truncated content hash.
	ID string

	// Size is the decoded length of the segment in bytes.
	Size int64
}

// SegmentName formats the name under which content with the given id
// and decoded size is stored.
func SegmentName(id string, size int64) string {
	return id + "-" + strconv.FormatInt(size, 10) + ".bin" + SegmentExt
}

// ParseSegmentName parses the base name of a content file. The boolean
// reports whether the name claims to be a compressed segment at all;
// when it is false the file is stored as-is and err is nil. A name that
// carries the segment extension but cannot be parsed returns an error
// wrapping ErrMalformedSegmentName.
func ParseSegmentName(name string) (Segment, bool, error) {
	if !strings.HasSuffix(name, SegmentExt) {
		return Segment{}, false, nil
	}

	stem := strings.TrimSuffix(name, SegmentExt)
	dash := strings.LastIndexByte(stem, '-')
	if dash <= 0 {
		return Segment{}, true, fmt.Errorf("%w: %q: missing <id>-<size>", ErrMalformedSegmentName, name)
	}

	id, digits := stem[:dash], stem[dash+1:]
	if dot := strings.IndexByte(digits, '.'); dot >= 0 {
		digits = digits[:dot]
	}
	if digits == "" {
		return Segment{}, true, fmt.Errorf("%w: %q: empty size", ErrMalformedSegmentName, name)
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return Segment{}, true, fmt.Errorf("%w: %q: size %q is not decimal", ErrMalformedSegmentName, name, digits)
		}
	}

	size, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || size > MaxSegmentSize {
		return Segment{}, true, fmt.Errorf("%w: %q: size %s out of range", ErrMalformedSegmentName, name, digits)
	}

	return Segment{ID: id, Size: size}, true, nil
}
