// Package firmware parses firmware artifacts (Intel HEX, raw binary, UF2)
// into a format-agnostic, paged representation strategies can program
// against without caring how the bytes arrived.
package firmware

import (
	"hash/crc32"
	"iter"

	"golang.org/x/exp/slices"
)

// Format identifies the artifact's on-disk shape.
type Format int

const (
	FormatIntelHex Format = iota
	FormatRawBinary
	FormatUF2
)

func (f Format) String() string {
	switch f {
	case FormatIntelHex:
		return "intel-hex"
	case FormatRawBinary:
		return "raw-binary"
	case FormatUF2:
		return "uf2"
	default:
		return "unknown"
	}
}

// ParseErrorKind enumerates the ways a firmware artifact can be rejected.
type ParseErrorKind string

const (
	InvalidChecksum   ParseErrorKind = "invalid_checksum"
	OutOfRange        ParseErrorKind = "out_of_range"
	UnsupportedRecord ParseErrorKind = "unsupported_record"
	Malformed         ParseErrorKind = "malformed"
)

// ParseError reports why parse failed. It never carries a partial image.
type ParseError struct {
	Kind ParseErrorKind
	Msg  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Msg != "" {
		return string(e.Kind) + ": " + e.Msg
	}
	return string(e.Kind)
}
func (e *ParseError) Unwrap() error { return e.Err }

// Segment is a contiguous, non-overlapping run of firmware bytes destined
// for a fixed address.
type Segment struct {
	Address uint32
	Bytes   []byte
}

// Image is the parsed, immutable result of Parse. It is created once per
// upload and discarded at upload end; nothing mutates it afterward.
type Image struct {
	Format       Format
	Segments     []Segment
	Linear       []byte // padded with 0xFF to the next page boundary
	StartAddress uint32
	EndAddress   uint32 // exclusive
	TotalBytes   int
	pageSize     int
}

// TotalImageBytes is the sum of actual (non-padding) firmware bytes across
// all segments.
func (img *Image) TotalImageBytes() int { return img.TotalBytes }

// CRC32 computes the IEEE CRC of the linearized image, used by verify
// policies that check a bootloader-reported checksum rather than reading
// flash back byte for byte.
func (img *Image) CRC32() uint32 {
	return crc32.ChecksumIEEE(img.Linear)
}

// PageIter yields (address, page) pairs covering the entire linear image,
// each page exactly pageSize bytes, addresses strictly ascending. Callers
// decide whether to skip all-0xFF pages; that is a strategy decision, not
// a parsing one.
func (img *Image) PageIter(pageSize int) iter.Seq2[uint32, []byte] {
	return func(yield func(uint32, []byte) bool) {
		for off := 0; off+pageSize <= len(img.Linear); off += pageSize {
			addr := img.StartAddress + uint32(off)
			if !yield(addr, img.Linear[off:off+pageSize]) {
				return
			}
		}
	}
}

// buildLinear lays out sorted, non-overlapping segments into a single
// 0xFF-padded byte slice sized to the next multiple of pageSize, per the
// FirmwareImage data-model invariant.
func buildLinear(segs []Segment, pageSize int) (linear []byte, start, end uint32, total int, err error) {
	if len(segs) == 0 {
		return nil, 0, 0, 0, &ParseError{Kind: Malformed, Msg: "no data records"}
	}

	slices.SortFunc(segs, func(a, b Segment) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		default:
			return 0
		}
	})

	for i := 1; i < len(segs); i++ {
		prevEnd := uint64(segs[i-1].Address) + uint64(len(segs[i-1].Bytes))
		if prevEnd > uint64(segs[i].Address) {
			return nil, 0, 0, 0, &ParseError{Kind: Malformed, Msg: "overlapping segments"}
		}
		total += len(segs[i-1].Bytes)
	}
	total += len(segs[len(segs)-1].Bytes)

	start = segs[0].Address
	lastEnd := uint64(segs[len(segs)-1].Address) + uint64(len(segs[len(segs)-1].Bytes))
	span := lastEnd - uint64(start)
	if pageSize > 0 {
		if rem := span % uint64(pageSize); rem != 0 {
			span += uint64(pageSize) - rem
		}
	}
	end = uint32(uint64(start) + span)

	linear = make([]byte, span)
	for i := range linear {
		linear[i] = 0xFF
	}
	for _, s := range segs {
		copy(linear[uint64(s.Address)-uint64(start):], s.Bytes)
	}
	return linear, start, end, total, nil
}

// Parse dispatches to the format-specific parser named by hint.
func Parse(data []byte, hint Format, pageSize int, flashBase, flashTotal uint32) (*Image, error) {
	switch hint {
	case FormatIntelHex:
		return parseIntelHex(data, pageSize, flashTotal)
	case FormatRawBinary:
		return parseRawBinary(data, pageSize, flashBase, flashTotal)
	case FormatUF2:
		return parseUF2(data)
	default:
		return nil, &ParseError{Kind: Malformed, Msg: "unknown format hint"}
	}
}
