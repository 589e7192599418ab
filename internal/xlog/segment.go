package xlog

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultSegmentSize is the compiled-in WAL segment size of a stock
	// server. The real size comes from pg_control and may differ.
	DefaultSegmentSize = 16 * 1024 * 1024

	// WalBlockSize is the page size of the WAL stream itself.
	WalBlockSize = 8192
)

// SegNo is the ordinal number of a WAL segment on some timeline.
type SegNo uint64

// SegmentNo returns the segment containing lsn.
func SegmentNo(lsn LSN, segSize uint64) SegNo {
	return SegNo(uint64(lsn) / segSize)
}

// SegmentStart returns the LSN of the first byte of segment n.
func SegmentStart(n SegNo, segSize uint64) LSN {
	return LSN(uint64(n) * segSize)
}

// SegmentOffset returns the byte offset of lsn within its segment.
func SegmentOffset(lsn LSN, segSize uint64) uint64 {
	return uint64(lsn) % segSize
}

// SegmentFileName builds the 24-hex-digit WAL file name for a segment.
// Layout is TTTTTTTTXXXXXXXXYYYYYYYY: timeline, log number, segment
// number within the log, where one "log" spans 0x100000000 bytes.
func SegmentFileName(tli TimelineID, n SegNo, segSize uint64) string {
	segsPerLog := uint64(0x100000000) / segSize
	return fmt.Sprintf("%08X%08X%08X", uint32(tli), uint64(n)/segsPerLog, uint64(n)%segsPerLog)
}

// ParseSegmentFileName is the inverse of SegmentFileName. Suffixes
// (".gz", ".partial") must be stripped by the caller.
func ParseSegmentFileName(name string, segSize uint64) (TimelineID, SegNo, error) {
	if len(name) != 24 {
		return 0, 0, fmt.Errorf("invalid WAL file name %q", name)
	}
	tli, err := strconv.ParseUint(name[0:8], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid WAL file name %q: %w", name, err)
	}
	logNo, err := strconv.ParseUint(name[8:16], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid WAL file name %q: %w", name, err)
	}
	segInLog, err := strconv.ParseUint(name[16:24], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid WAL file name %q: %w", name, err)
	}
	segsPerLog := uint64(0x100000000) / segSize
	if segInLog >= segsPerLog {
		return 0, 0, fmt.Errorf("WAL file name %q: segment %d out of range for %d byte segments", name, segInLog, segSize)
	}
	return TimelineID(tli), SegNo(logNo*segsPerLog + segInLog), nil
}

// IsWalFileName reports whether name looks like a plain WAL segment.
func IsWalFileName(name string) bool {
	if len(name) != 24 {
		return false
	}
	for _, c := range name {
		if !strings.ContainsRune("0123456789ABCDEF", c) {
			return false
		}
	}
	return true
}

// HistoryFileName returns the timeline history file name for tli.
func HistoryFileName(tli TimelineID) string {
	return fmt.Sprintf("%08X.history", uint32(tli))
}
