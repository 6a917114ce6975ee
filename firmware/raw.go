package firmware

import "fmt"

// parseRawBinary loads a .bin artifact at the profile's flash base address.
func parseRawBinary(data []byte, pageSize int, flashBase, flashTotal uint32) (*Image, error) {
	if flashTotal > 0 && uint64(len(data)) > uint64(flashTotal) {
		return nil, &ParseError{Kind: OutOfRange, Msg: fmt.Sprintf("binary length %d exceeds flash total %d", len(data), flashTotal)}
	}
	b := make([]byte, len(data))
	copy(b, data)
	segs := []Segment{{Address: flashBase, Bytes: b}}

	linear, start, end, total, err := buildLinear(segs, pageSize)
	if err != nil {
		return nil, err
	}
	return &Image{
		Format:       FormatRawBinary,
		Segments:     segs,
		Linear:       linear,
		StartAddress: start,
		EndAddress:   end,
		TotalBytes:   total,
		pageSize:     pageSize,
	}, nil
}
