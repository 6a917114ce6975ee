package firmware

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
)

const (
	recData              = 0x00
	recEOF               = 0x01
	recExtSegmentAddr    = 0x02
	recExtLinearAddr     = 0x04
	recStartSegmentAddr  = 0x03
	recStartLinearAddr   = 0x05
)

// parseIntelHex honors record types 00 (data), 01 (EOF), 02/04 (segment /
// linear address extension). Every record's checksum must validate before
// any byte from it is trusted; an invalid checksum fails the whole parse,
// never returning a partial image.
func parseIntelHex(data []byte, pageSize int, flashTotal uint32) (*Image, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<20)

	var (
		segs     []Segment
		base     uint32 // current extended-address base, added to each record's 16-bit offset
		sawEOF   bool
		lineNo   int
	)

	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != ':' {
			return nil, &ParseError{Kind: Malformed, Msg: fmt.Sprintf("line %d: missing ':' marker", lineNo)}
		}
		raw, err := hex.DecodeString(string(line[1:]))
		if err != nil || len(raw) < 5 {
			return nil, &ParseError{Kind: Malformed, Msg: fmt.Sprintf("line %d: malformed hex digits", lineNo), Err: err}
		}

		byteCount := int(raw[0])
		if len(raw) != byteCount+5 {
			return nil, &ParseError{Kind: Malformed, Msg: fmt.Sprintf("line %d: byte count mismatch", lineNo)}
		}
		addr := uint32(raw[1])<<8 | uint32(raw[2])
		recType := raw[3]
		payload := raw[4 : 4+byteCount]
		checksum := raw[4+byteCount]

		var sum byte
		for _, b := range raw[:len(raw)-1] {
			sum += b
		}
		if byte(^sum+1) != checksum {
			return nil, &ParseError{Kind: InvalidChecksum, Msg: fmt.Sprintf("line %d: checksum mismatch", lineNo)}
		}

		switch recType {
		case recData:
			if sawEOF {
				return nil, &ParseError{Kind: Malformed, Msg: fmt.Sprintf("line %d: data record after EOF", lineNo)}
			}
			full := base + addr
			if flashTotal > 0 && (uint64(full)+uint64(byteCount)) > uint64(flashTotal) {
				return nil, &ParseError{Kind: OutOfRange, Msg: fmt.Sprintf("line %d: address 0x%X exceeds flash range", lineNo, full)}
			}
			b := make([]byte, byteCount)
			copy(b, payload)
			segs = append(segs, Segment{Address: full, Bytes: b})
		case recEOF:
			sawEOF = true
		case recExtSegmentAddr:
			if byteCount != 2 {
				return nil, &ParseError{Kind: Malformed, Msg: fmt.Sprintf("line %d: bad segment-address record", lineNo)}
			}
			base = (uint32(payload[0])<<8 | uint32(payload[1])) << 4
		case recExtLinearAddr:
			if byteCount != 2 {
				return nil, &ParseError{Kind: Malformed, Msg: fmt.Sprintf("line %d: bad linear-address record", lineNo)}
			}
			base = (uint32(payload[0])<<8 | uint32(payload[1])) << 16
		case recStartSegmentAddr, recStartLinearAddr:
			// Start-address records describe where the CPU should begin
			// execution; the upload engine always enters via the
			// bootloader's own entry point, so these are accepted and
			// ignored rather than rejected as unsupported.
		default:
			return nil, &ParseError{Kind: UnsupportedRecord, Msg: fmt.Sprintf("line %d: record type 0x%02X", lineNo, recType)}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Kind: Malformed, Msg: "scan failure", Err: err}
	}
	if !sawEOF {
		return nil, &ParseError{Kind: Malformed, Msg: "missing EOF record"}
	}

	linear, start, end, total, err := buildLinear(segs, pageSize)
	if err != nil {
		return nil, err
	}
	return &Image{
		Format:       FormatIntelHex,
		Segments:     segs,
		Linear:       linear,
		StartAddress: start,
		EndAddress:   end,
		TotalBytes:   total,
		pageSize:     pageSize,
	}, nil
}
