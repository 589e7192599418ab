package walread

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"pgbackup/internal/xlog"
)

// WAL wire format. A segment is a run of fixed-size pages; every page
// starts with a page header (a long variant on the segment's first
// page), and records are packed back to back across pages, continuing
// into the next page or segment with the "contrecord" flag.

const (
	pageMagic uint16 = 0xD10D

	// page header info flags
	pageInfoContRecord uint16 = 0x0001
	pageInfoLong       uint16 = 0x0002

	pageHeaderSize     = 24
	longPageHeaderSize = 40

	recordHeaderSize = 24

	// record alignment within the stream
	recordAlign = 8
)

// Resource managers whose records the extractor understands. Only the
// ones with special handling are named; anything else just contributes
// its block references.
const (
	RmXLOG       uint8 = 0
	RmXact       uint8 = 1
	RmSMGR       uint8 = 2
	RmCLOG       uint8 = 3
	RmDatabase   uint8 = 4
	RmTablespace uint8 = 5
	RmMultiXact  uint8 = 6
	RmRelMap     uint8 = 7
	RmStandby    uint8 = 8
	RmHeap2      uint8 = 9
	RmHeap       uint8 = 10
	RmBtree      uint8 = 11
)

// xl_info low bits are flags, high bits the rmgr opcode.
const (
	infoSpecialRelUpdate uint8 = 0x01
	infoOpcodeMask       uint8 = 0xF0
)

// SMGR opcodes (file create / truncate, handled by size diffing).
const (
	smgrCreate   uint8 = 0x10
	smgrTruncate uint8 = 0x20
)

// Fork numbers of a block reference.
const (
	ForkMain uint8 = 0
	ForkFSM  uint8 = 1
	ForkVM   uint8 = 2
	ForkInit uint8 = 3
)

// Block-reference encoding inside a record body:
//
//	blockID   uint8   (0..31; 0xFF terminates the list)
//	forkFlags uint8   (fork in low 4 bits, flagSameRel bit)
//	blockNo   uint32
//	spcOid, dbOid, relNode uint32 each, absent with flagSameRel
//
// after the 0xFF terminator: mainDataLen uint32, main data bytes.
const (
	maxBlockID       = 31
	blockListEnd     = 0xFF
	blockFlagSameRel = 0x20
	blockForkMask    = 0x0F
)

var walCRCTable = crc32.MakeTable(crc32.Castagnoli)

// PageHeader is the per-page framing of the WAL stream.
type PageHeader struct {
	Magic    uint16
	Info     uint16
	TLI      xlog.TimelineID
	PageAddr xlog.LSN
	RemLen   uint32

	// long-header extension, first page of a segment only
	SystemID  uint64
	SegSize   uint32
	BlockSize uint32
}

func (h *PageHeader) headerSize() int {
	if h.Info&pageInfoLong != 0 {
		return longPageHeaderSize
	}
	return pageHeaderSize
}

func parsePageHeader(buf []byte) (PageHeader, error) {
	if len(buf) < pageHeaderSize {
		return PageHeader{}, fmt.Errorf("short WAL page: %d bytes", len(buf))
	}
	h := PageHeader{
		Magic:    binary.LittleEndian.Uint16(buf[0:2]),
		Info:     binary.LittleEndian.Uint16(buf[2:4]),
		TLI:      xlog.TimelineID(binary.LittleEndian.Uint32(buf[4:8])),
		PageAddr: xlog.LSN(binary.LittleEndian.Uint64(buf[8:16])),
		RemLen:   binary.LittleEndian.Uint32(buf[16:20]),
	}
	if h.Magic != pageMagic {
		return PageHeader{}, fmt.Errorf("bad WAL page magic %04x", h.Magic)
	}
	if h.Info&pageInfoLong != 0 {
		if len(buf) < longPageHeaderSize {
			return PageHeader{}, fmt.Errorf("short long WAL page header: %d bytes", len(buf))
		}
		h.SystemID = binary.LittleEndian.Uint64(buf[24:32])
		h.SegSize = binary.LittleEndian.Uint32(buf[32:36])
		h.BlockSize = binary.LittleEndian.Uint32(buf[36:40])
	}
	return h, nil
}

// BlockRef names one block touched by a record.
type BlockRef struct {
	SpcOid  uint32
	DbOid   uint32
	RelNode uint32
	Fork    uint8
	BlockNo uint32
}

// Record is one decoded WAL record.
type Record struct {
	// LSN is the record's start position; EndLSN the first byte after
	// it (not rounded up to the record alignment).
	LSN    xlog.LSN
	EndLSN xlog.LSN

	TotLen uint32
	XID    uint32
	Prev   xlog.LSN
	Info   uint8
	RmID   uint8

	Blocks   []BlockRef
	MainData []byte
}

// Opcode returns the rmgr-specific operation bits of xl_info.
func (r *Record) Opcode() uint8 {
	return r.Info & infoOpcodeMask
}

// decodeRecord parses a contiguous record image (header + body) located
// at lsn. The stored CRC covers the body and the first 20 header bytes.
func decodeRecord(lsn xlog.LSN, raw []byte) (*Record, error) {
	if len(raw) < recordHeaderSize {
		return nil, fmt.Errorf("record at %s: short header (%d bytes)", lsn, len(raw))
	}
	rec := &Record{
		LSN:    lsn,
		TotLen: binary.LittleEndian.Uint32(raw[0:4]),
		XID:    binary.LittleEndian.Uint32(raw[4:8]),
		Prev:   xlog.LSN(binary.LittleEndian.Uint64(raw[8:16])),
		Info:   raw[16],
		RmID:   raw[17],
	}
	storedCRC := binary.LittleEndian.Uint32(raw[20:24])
	if int(rec.TotLen) != len(raw) {
		return nil, fmt.Errorf("record at %s: length mismatch: header says %d, have %d", lsn, rec.TotLen, len(raw))
	}
	crc := crc32.Checksum(raw[recordHeaderSize:], walCRCTable)
	crc = crc32.Update(crc, walCRCTable, raw[0:20])
	if crc != storedCRC {
		return nil, fmt.Errorf("record at %s: CRC mismatch: stored %08x, computed %08x", lsn, storedCRC, crc)
	}

	body := raw[recordHeaderSize:]
	var last *BlockRef
	for {
		if len(body) < 1 {
			return nil, fmt.Errorf("record at %s: unterminated block list", lsn)
		}
		id := body[0]
		body = body[1:]
		if id == blockListEnd {
			break
		}
		if id > maxBlockID {
			return nil, fmt.Errorf("record at %s: bad block id %d", lsn, id)
		}
		if len(body) < 5 {
			return nil, fmt.Errorf("record at %s: truncated block reference", lsn)
		}
		ref := BlockRef{
			Fork:    body[0] & blockForkMask,
			BlockNo: binary.LittleEndian.Uint32(body[1:5]),
		}
		sameRel := body[0]&blockFlagSameRel != 0
		body = body[5:]
		if sameRel {
			if last == nil {
				return nil, fmt.Errorf("record at %s: same-rel reference without predecessor", lsn)
			}
			ref.SpcOid, ref.DbOid, ref.RelNode = last.SpcOid, last.DbOid, last.RelNode
		} else {
			if len(body) < 12 {
				return nil, fmt.Errorf("record at %s: truncated relation identifier", lsn)
			}
			ref.SpcOid = binary.LittleEndian.Uint32(body[0:4])
			ref.DbOid = binary.LittleEndian.Uint32(body[4:8])
			ref.RelNode = binary.LittleEndian.Uint32(body[8:12])
			body = body[12:]
		}
		rec.Blocks = append(rec.Blocks, ref)
		last = &rec.Blocks[len(rec.Blocks)-1]
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("record at %s: truncated main-data length", lsn)
	}
	mainLen := binary.LittleEndian.Uint32(body[0:4])
	body = body[4:]
	if int(mainLen) != len(body) {
		return nil, fmt.Errorf("record at %s: main data length mismatch: %d declared, %d present", lsn, mainLen, len(body))
	}
	rec.MainData = body
	return rec, nil
}

// alignRecord rounds a stream position up to the next record start.
func alignRecord(pos uint64) uint64 {
	return (pos + recordAlign - 1) &^ uint64(recordAlign-1)
}
