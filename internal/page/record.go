package page

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// A datafile is stored in a backup as a sequence of
// (RecordHeader, payload) pairs in ascending block order, covering
// exactly the blocks in the entry's pagemap. The whole stream may be
// gzip-compressed (per-file, by suffix/flag).

// RecordHeaderSize is the fixed on-disk record header length.
const RecordHeaderSize = 16

// Record flags.
const (
	// RecCompacted: payload is a hole-stripped page.
	RecCompacted uint32 = 1 << 0
	// RecZeroed: payload is empty; the block is all zeroes.
	RecZeroed uint32 = 1 << 1
)

// RecordHeader precedes each page payload in a backup data file. CRC
// covers the reconstructed on-disk page image (hole zeroed), not the
// payload, so the same value serves file validation and
// checksum-incremental restore.
type RecordHeader struct {
	BlockNo     uint32
	PayloadSize int32
	CRC         uint32
	Flags       uint32
}

// WriteRecord emits one record to w.
func WriteRecord(w io.Writer, h RecordHeader, payload []byte) error {
	var buf [RecordHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.BlockNo)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.PayloadSize))
	binary.LittleEndian.PutUint32(buf[8:12], h.CRC)
	binary.LittleEndian.PutUint32(buf[12:16], h.Flags)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("failed to write record header for block %d: %w", h.BlockNo, err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write page payload for block %d: %w", h.BlockNo, err)
	}
	return nil
}

// ReadRecord reads the next record from r. Returns io.EOF cleanly at
// stream end.
func ReadRecord(r io.Reader) (RecordHeader, []byte, error) {
	var buf [RecordHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return RecordHeader{}, nil, io.EOF
		}
		return RecordHeader{}, nil, fmt.Errorf("failed to read record header: %w", err)
	}
	h := RecordHeader{
		BlockNo:     binary.LittleEndian.Uint32(buf[0:4]),
		PayloadSize: int32(binary.LittleEndian.Uint32(buf[4:8])),
		CRC:         binary.LittleEndian.Uint32(buf[8:12]),
		Flags:       binary.LittleEndian.Uint32(buf[12:16]),
	}
	if h.PayloadSize < 0 || h.PayloadSize > 1<<20 {
		return RecordHeader{}, nil, fmt.Errorf("block %d: implausible payload size %d", h.BlockNo, h.PayloadSize)
	}
	payload := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return RecordHeader{}, nil, fmt.Errorf("block %d: truncated payload: %w", h.BlockNo, err)
	}
	return h, payload, nil
}

// EncodePage turns a raw page image into its backup record. Valid
// pages are compacted, zero pages collapse to an empty payload, and
// everything else goes verbatim.
func EncodePage(blockNo uint32, pageImage []byte, blockSize uint32) (RecordHeader, []byte) {
	state, h := Classify(pageImage, blockSize)
	rec := RecordHeader{BlockNo: blockNo}
	switch state {
	case StateZeroed:
		rec.Flags = RecZeroed
		rec.CRC = CRC(make([]byte, blockSize))
		return rec, nil
	case StateValid:
		payload := Compact(pageImage, h)
		rec.Flags = RecCompacted
		rec.PayloadSize = int32(len(payload))
		rec.CRC = NormalizedCRC(pageImage, blockSize)
		return rec, payload
	default:
		payload := make([]byte, len(pageImage))
		copy(payload, pageImage)
		rec.PayloadSize = int32(len(payload))
		rec.CRC = CRC(pageImage)
		return rec, payload
	}
}

// DecodePage rebuilds the on-disk page image from a record.
func DecodePage(h RecordHeader, payload []byte, blockSize uint32) ([]byte, error) {
	var (
		img []byte
		err error
	)
	switch {
	case h.Flags&RecZeroed != 0:
		img = make([]byte, blockSize)
	case h.Flags&RecCompacted != 0:
		img, err = Reconstruct(payload, blockSize)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", h.BlockNo, err)
		}
	default:
		if uint32(len(payload)) != blockSize {
			return nil, fmt.Errorf("block %d: verbatim payload is %d bytes, want %d", h.BlockNo, len(payload), blockSize)
		}
		img = payload
	}
	if got := CRC(img); got != h.CRC {
		return nil, fmt.Errorf("block %d: page CRC mismatch: recorded %08x, computed %08x", h.BlockNo, h.CRC, got)
	}
	return img, nil
}
