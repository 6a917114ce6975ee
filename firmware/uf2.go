package firmware

import (
	"encoding/binary"
	"fmt"
)

const (
	uf2BlockSize  = 512
	uf2MagicStart0 = 0x0A324655
	uf2MagicStart1 = 0x9E5D5157
	uf2MagicEnd    = 0x0AB16F30
)

// parseUF2 treats the artifact as an opaque blob for the mass-storage
// bootloader path: it is never programmed over serial, only validated and
// handed back to the caller. Validation is limited to the magic header and
// 512-byte block structure, per the external-interface contract.
func parseUF2(data []byte) (*Image, error) {
	if len(data) == 0 || len(data)%uf2BlockSize != 0 {
		return nil, &ParseError{Kind: Malformed, Msg: "uf2 artifact is not a multiple of the 512-byte block size"}
	}

	numBlocks := len(data) / uf2BlockSize
	for i := 0; i < numBlocks; i++ {
		block := data[i*uf2BlockSize : (i+1)*uf2BlockSize]
		start0 := binary.LittleEndian.Uint32(block[0:4])
		start1 := binary.LittleEndian.Uint32(block[4:8])
		end := binary.LittleEndian.Uint32(block[uf2BlockSize-4 : uf2BlockSize])
		if start0 != uf2MagicStart0 || start1 != uf2MagicStart1 || end != uf2MagicEnd {
			return nil, &ParseError{Kind: Malformed, Msg: fmt.Sprintf("block %d: bad uf2 magic", i)}
		}
	}

	b := make([]byte, len(data))
	copy(b, data)
	return &Image{
		Format:       FormatUF2,
		Segments:     []Segment{{Address: 0, Bytes: b}},
		Linear:       b,
		StartAddress: 0,
		EndAddress:   uint32(len(b)),
		TotalBytes:   len(b),
		pageSize:     uf2BlockSize,
	}, nil
}
