package walread

import (
	"errors"
	"fmt"

	"pgbackup/internal/xlog"
)

// Iteration sentinels.
var (
	// ErrNeedMoreSegment: the current record continues into the next
	// segment; feed it with FeedSegment and call NextRecord again.
	ErrNeedMoreSegment = errors.New("record continues in next segment")
	// ErrEndOfWAL: a zero record length marks the end of written WAL
	// (only legitimate past the requested range or in partials).
	ErrEndOfWAL = errors.New("end of WAL")
)

// WalIter walks records of one timeline's WAL starting inside one
// segment, cooperatively extending into following segments when a
// record crosses the boundary. It owns the current segment buffer and
// the partial-record state, so all switching logic lives here.
type WalIter struct {
	seg     []byte
	segNo   xlog.SegNo
	segSize uint64

	// pos is the byte offset within the current segment; LSNs address
	// raw segment bytes, page headers included.
	pos uint64

	// partial-record assembly across pages/segments
	pending    []byte
	pendingLSN xlog.LSN

	// set once the first page of a fresh segment has been entered
	skippedLead bool
}

// NewIter starts iteration at startLSN, which must be a record
// boundary (a backup start/stop LSN or a segment start). seg is the
// content of the segment containing startLSN.
func NewIter(seg []byte, segNo xlog.SegNo, segSize uint64, startLSN xlog.LSN) *WalIter {
	it := &WalIter{seg: seg, segNo: segNo, segSize: segSize}
	it.pos = xlog.SegmentOffset(startLSN, segSize)
	if it.pos != 0 {
		// mid-segment start: the caller vouches this is a boundary
		it.skippedLead = true
	}
	return it
}

// FeedSegment continues iteration into the next segment after
// ErrNeedMoreSegment, or after a clean segment end when the caller
// wants to keep reading sequentially.
func (it *WalIter) FeedSegment(seg []byte, segNo xlog.SegNo) {
	it.seg = seg
	it.segNo = segNo
	it.pos = 0
	if it.pending == nil {
		// fresh segment: the leading continuation (if any) belongs to
		// a record another reader finished; skip it on first use
		it.skippedLead = false
	}
}

// SegNo returns the segment currently being read.
func (it *WalIter) SegNo() xlog.SegNo {
	return it.segNo
}

// lsnAt converts a position in the current segment to an LSN.
func (it *WalIter) lsnAt(pos uint64) xlog.LSN {
	return xlog.SegmentStart(it.segNo, it.segSize) + xlog.LSN(pos)
}

// enterPage consumes the page header at pos when pos sits on a page
// boundary. Returns the page header when one was read.
func (it *WalIter) enterPage() (*PageHeader, error) {
	if it.pos%xlog.WalBlockSize != 0 {
		return nil, nil
	}
	if it.pos >= uint64(len(it.seg)) {
		return nil, ErrNeedMoreSegment
	}
	h, err := parsePageHeader(it.seg[it.pos:])
	if err != nil {
		return nil, fmt.Errorf("segment %d page at offset %d: %w", it.segNo, it.pos, err)
	}
	if h.PageAddr != it.lsnAt(it.pos) {
		return nil, fmt.Errorf("segment %d: page address %s does not match position %s", it.segNo, h.PageAddr, it.lsnAt(it.pos))
	}
	it.pos += uint64(h.headerSize())
	return &h, nil
}

// skipLeadingContinuation advances over a continuation that opens a
// freshly entered segment, using the page headers' remaining-length
// fields.
func (it *WalIter) skipLeadingContinuation() error {
	if it.skippedLead {
		return nil
	}
	it.skippedLead = true
	h, err := it.enterPage()
	if err != nil {
		return err
	}
	if h == nil || h.Info&pageInfoContRecord == 0 || h.RemLen == 0 {
		return nil
	}
	rem := uint64(h.RemLen)
	for rem > 0 {
		space := it.pageSpace()
		if space == 0 {
			if _, err := it.enterPage(); err != nil {
				return err
			}
			continue
		}
		step := min(rem, space)
		it.pos += step
		rem -= step
	}
	return nil
}

// pageSpace returns payload bytes left on the current page within the
// loaded segment.
func (it *WalIter) pageSpace() uint64 {
	pageEnd := (it.pos/xlog.WalBlockSize + 1) * xlog.WalBlockSize
	if pageEnd > uint64(len(it.seg)) {
		pageEnd = uint64(len(it.seg))
	}
	if pageEnd <= it.pos {
		return 0
	}
	return pageEnd - it.pos
}

// readBytes appends up to n payload bytes to it.pending, walking page
// headers. Returns ErrNeedMoreSegment at segment end.
func (it *WalIter) readBytes(n int) error {
	for len(it.pending) < n {
		if it.pos >= uint64(len(it.seg)) {
			return ErrNeedMoreSegment
		}
		if it.pos%xlog.WalBlockSize == 0 {
			if _, err := it.enterPage(); err != nil {
				return err
			}
			continue
		}
		space := it.pageSpace()
		take := uint64(n - len(it.pending))
		if take > space {
			take = space
		}
		it.pending = append(it.pending, it.seg[it.pos:it.pos+take]...)
		it.pos += take
	}
	return nil
}

// NextRecord decodes the next record. Returns ErrNeedMoreSegment when
// the record (or its header) continues past the loaded segment,
// ErrEndOfWAL at a zero length word.
func (it *WalIter) NextRecord() (*Record, error) {
	if it.pending == nil {
		if err := it.skipLeadingContinuation(); err != nil {
			return nil, err
		}
		// align to the next record start, hopping page headers
		it.pos = alignRecord(it.pos)
		for {
			if it.pos >= uint64(len(it.seg)) {
				return nil, ErrNeedMoreSegment
			}
			if it.pos%xlog.WalBlockSize == 0 {
				if _, err := it.enterPage(); err != nil {
					return nil, err
				}
				continue
			}
			if rem := it.pos % xlog.WalBlockSize; rem < pageHeaderSize {
				// aligned position landed inside a page header area
				it.pos += pageHeaderSize - rem
				continue
			}
			break
		}
		it.pendingLSN = it.lsnAt(it.pos)
		it.pending = make([]byte, 0, recordHeaderSize)
	}

	// assemble the fixed header first to learn the total length
	if err := it.readBytes(4); err != nil {
		return nil, err
	}
	totLen := uint32(it.pending[0]) | uint32(it.pending[1])<<8 |
		uint32(it.pending[2])<<16 | uint32(it.pending[3])<<24
	if totLen == 0 {
		it.pending = nil
		return nil, ErrEndOfWAL
	}
	if totLen < recordHeaderSize {
		return nil, fmt.Errorf("record at %s: implausible length %d", it.pendingLSN, totLen)
	}
	if err := it.readBytes(int(totLen)); err != nil {
		return nil, err
	}
	rec, err := decodeRecord(it.pendingLSN, it.pending)
	if err != nil {
		return nil, err
	}
	rec.EndLSN = it.lsnAt(it.pos)
	it.pending = nil
	return rec, nil
}

// LastPos returns the start position of the record most recently
// attempted; after ErrEndOfWAL this is where the zero length word was
// found.
func (it *WalIter) LastPos() xlog.LSN {
	return it.pendingLSN
}

// Pending reports whether a partially assembled record is in flight;
// true after ErrNeedMoreSegment when the current record crosses into
// the next segment (as opposed to the next record merely starting
// there).
func (it *WalIter) Pending() bool {
	return it.pending != nil
}
