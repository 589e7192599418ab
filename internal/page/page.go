package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"pgbackup/internal/xlog"
)

// DefaultBlockSize is the page size of a stock cluster. The actual
// size comes from pg_control and is carried per backup.
const DefaultBlockSize = 8192

// HeaderSize is the fixed page header length.
const HeaderSize = 24

// Supported page layout versions. Unknown layouts are copied verbatim,
// never compacted.
var supportedLayouts = map[uint16]bool{4: true}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC is the checksum used for files, pages and header-map spans.
func CRC(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Header is the parsed fixed page header.
type Header struct {
	LSN      xlog.LSN
	Checksum uint16
	Flags    uint16
	Lower    uint16
	Upper    uint16
	Special  uint16
	PageSize uint16
	Layout   uint16
	PruneXID uint32
}

// ParseHeader decodes the header of a raw page image.
func ParseHeader(page []byte) (Header, error) {
	if len(page) < HeaderSize {
		return Header{}, fmt.Errorf("page too short: %d bytes", len(page))
	}
	sizeVersion := binary.LittleEndian.Uint16(page[18:20])
	return Header{
		LSN: xlog.LSN(uint64(binary.LittleEndian.Uint32(page[0:4]))<<32 |
			uint64(binary.LittleEndian.Uint32(page[4:8]))),
		Checksum: binary.LittleEndian.Uint16(page[8:10]),
		Flags:    binary.LittleEndian.Uint16(page[10:12]),
		Lower:    binary.LittleEndian.Uint16(page[12:14]),
		Upper:    binary.LittleEndian.Uint16(page[14:16]),
		Special:  binary.LittleEndian.Uint16(page[16:18]),
		PageSize: sizeVersion &^ 0x00FF,
		Layout:   sizeVersion & 0x00FF,
		PruneXID: binary.LittleEndian.Uint32(page[20:24]),
	}, nil
}

// WriteHeader encodes h into the first HeaderSize bytes of page.
func WriteHeader(page []byte, h Header) {
	binary.LittleEndian.PutUint32(page[0:4], uint32(uint64(h.LSN)>>32))
	binary.LittleEndian.PutUint32(page[4:8], uint32(uint64(h.LSN)))
	binary.LittleEndian.PutUint16(page[8:10], h.Checksum)
	binary.LittleEndian.PutUint16(page[10:12], h.Flags)
	binary.LittleEndian.PutUint16(page[12:14], h.Lower)
	binary.LittleEndian.PutUint16(page[14:16], h.Upper)
	binary.LittleEndian.PutUint16(page[16:18], h.Special)
	binary.LittleEndian.PutUint16(page[18:20], h.PageSize|h.Layout)
	binary.LittleEndian.PutUint32(page[20:24], h.PruneXID)
}

// State classifies a raw page image.
type State int

const (
	// StateValid: header sane, hole can be stripped.
	StateValid State = iota
	// StateZeroed: all-zero page (freshly extended relation). Stored as
	// an empty record; restore recreates it as zeroes.
	StateZeroed
	// StateUnknownLayout: header parses but the layout version is not
	// one we compact; copy verbatim.
	StateUnknownLayout
	// StateInvalid: header fails sanity checks (e.g. torn write at
	// EOF); copy verbatim.
	StateInvalid
)

// Classify applies the validity rules: page-size field equals the
// cluster block size, known layout, lower ≤ upper ≤ special ≤ size,
// special max-aligned, LSN non-zero.
func Classify(page []byte, blockSize uint32) (State, Header) {
	if isZeroed(page) {
		return StateZeroed, Header{}
	}
	h, err := ParseHeader(page)
	if err != nil {
		return StateInvalid, Header{}
	}
	if uint32(h.PageSize) != blockSize {
		return StateInvalid, h
	}
	if !supportedLayouts[h.Layout] {
		return StateUnknownLayout, h
	}
	if h.Lower < HeaderSize || h.Lower > h.Upper || h.Upper > h.Special ||
		uint32(h.Special) > blockSize || h.Special%8 != 0 {
		return StateInvalid, h
	}
	if !h.LSN.Valid() {
		return StateInvalid, h
	}
	return StateValid, h
}

func isZeroed(page []byte) bool {
	for _, b := range page {
		if b != 0 {
			return false
		}
	}
	return true
}

// Compact strips the hole between lower and upper:
// page[0:lower) ++ page[upper:size). The header stays in the prefix, so
// lower/upper are recoverable from the payload alone.
func Compact(page []byte, h Header) []byte {
	out := make([]byte, 0, int(h.Lower)+len(page)-int(h.Upper))
	out = append(out, page[:h.Lower]...)
	out = append(out, page[h.Upper:]...)
	return out
}

// Reconstruct rebuilds a full page from a compacted payload, zeroing
// the hole. The payload's embedded header drives the split.
func Reconstruct(payload []byte, blockSize uint32) ([]byte, error) {
	h, err := ParseHeader(payload)
	if err != nil {
		return nil, err
	}
	if int(h.Lower) > len(payload) || uint32(h.Upper) > blockSize {
		return nil, fmt.Errorf("compacted payload inconsistent: lower=%d upper=%d len=%d", h.Lower, h.Upper, len(payload))
	}
	tail := payload[h.Lower:]
	if int(h.Upper)+len(tail) != int(blockSize) {
		return nil, fmt.Errorf("compacted payload inconsistent: upper=%d tail=%d size=%d", h.Upper, len(tail), blockSize)
	}
	page := make([]byte, blockSize)
	copy(page, payload[:h.Lower])
	copy(page[h.Upper:], tail)
	return page, nil
}

// NormalizedCRC checksums a full page image with its hole zeroed, so
// source-side and restore-side computations agree even when the source
// hole held garbage. Invalid pages are checksummed as-is.
func NormalizedCRC(pageImage []byte, blockSize uint32) uint32 {
	state, h := Classify(pageImage, blockSize)
	if state != StateValid {
		return CRC(pageImage)
	}
	normalized := make([]byte, len(pageImage))
	copy(normalized, pageImage[:h.Lower])
	copy(normalized[h.Upper:], pageImage[h.Upper:])
	return CRC(normalized)
}
