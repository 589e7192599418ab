package pg

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"pgbackup/internal/fsio"
	"pgbackup/internal/xlog"
)

// ControlFilePath is pg_control's location under the data directory.
const ControlFilePath = "global/pg_control"

// ControlFileSize is the fixed on-disk size; the tail past the data
// area is zero padding.
const ControlFileSize = 8192

// Field offsets of the control data the manager reads and (for the
// minimum recovery point) rewrites. The CRC covers everything before
// it.
const (
	cfOffSystemID        = 0  // uint64
	cfOffVersion         = 8  // uint32
	cfOffCheckpoint      = 16 // uint64 LSN
	cfOffRedo            = 24 // uint64 LSN
	cfOffTimeline        = 32 // uint32
	cfOffMinRecoveryLSN  = 40 // uint64 LSN
	cfOffMinRecoveryTLI  = 48 // uint32
	cfOffChecksumVersion = 52 // uint32
	cfOffBlockSize       = 56 // uint32
	cfOffWalBlockSize    = 60 // uint32
	cfOffWalSegSize      = 64 // uint32
	cfDataLen            = 68 // CRC position
)

var cfCRCTable = crc32.MakeTable(crc32.Castagnoli)

// ControlFile is the parsed subset of pg_control.
type ControlFile struct {
	SystemID        uint64
	Version         uint32
	Checkpoint      xlog.LSN
	Redo            xlog.LSN
	Timeline        xlog.TimelineID
	MinRecoveryLSN  xlog.LSN
	MinRecoveryTLI  xlog.TimelineID
	ChecksumVersion uint32
	BlockSize       uint32
	WalBlockSize    uint32
	WalSegSize      uint32
}

// ParseControlFile decodes and CRC-checks a pg_control image.
func ParseControlFile(data []byte) (*ControlFile, error) {
	if len(data) < cfDataLen+4 {
		return nil, fmt.Errorf("control file too short: %d bytes", len(data))
	}
	stored := binary.LittleEndian.Uint32(data[cfDataLen : cfDataLen+4])
	if got := crc32.Checksum(data[:cfDataLen], cfCRCTable); got != stored {
		return nil, fmt.Errorf("control file CRC mismatch: stored %08x, computed %08x", stored, got)
	}
	return &ControlFile{
		SystemID:        binary.LittleEndian.Uint64(data[cfOffSystemID:]),
		Version:         binary.LittleEndian.Uint32(data[cfOffVersion:]),
		Checkpoint:      xlog.LSN(binary.LittleEndian.Uint64(data[cfOffCheckpoint:])),
		Redo:            xlog.LSN(binary.LittleEndian.Uint64(data[cfOffRedo:])),
		Timeline:        xlog.TimelineID(binary.LittleEndian.Uint32(data[cfOffTimeline:])),
		MinRecoveryLSN:  xlog.LSN(binary.LittleEndian.Uint64(data[cfOffMinRecoveryLSN:])),
		MinRecoveryTLI:  xlog.TimelineID(binary.LittleEndian.Uint32(data[cfOffMinRecoveryTLI:])),
		ChecksumVersion: binary.LittleEndian.Uint32(data[cfOffChecksumVersion:]),
		BlockSize:       binary.LittleEndian.Uint32(data[cfOffBlockSize:]),
		WalBlockSize:    binary.LittleEndian.Uint32(data[cfOffWalBlockSize:]),
		WalSegSize:      binary.LittleEndian.Uint32(data[cfOffWalSegSize:]),
	}, nil
}

// MarshalControlFile encodes cf into a full-size image with a fresh
// CRC.
func MarshalControlFile(cf *ControlFile) []byte {
	data := make([]byte, ControlFileSize)
	binary.LittleEndian.PutUint64(data[cfOffSystemID:], cf.SystemID)
	binary.LittleEndian.PutUint32(data[cfOffVersion:], cf.Version)
	binary.LittleEndian.PutUint64(data[cfOffCheckpoint:], uint64(cf.Checkpoint))
	binary.LittleEndian.PutUint64(data[cfOffRedo:], uint64(cf.Redo))
	binary.LittleEndian.PutUint32(data[cfOffTimeline:], uint32(cf.Timeline))
	binary.LittleEndian.PutUint64(data[cfOffMinRecoveryLSN:], uint64(cf.MinRecoveryLSN))
	binary.LittleEndian.PutUint32(data[cfOffMinRecoveryTLI:], uint32(cf.MinRecoveryTLI))
	binary.LittleEndian.PutUint32(data[cfOffChecksumVersion:], cf.ChecksumVersion)
	binary.LittleEndian.PutUint32(data[cfOffBlockSize:], cf.BlockSize)
	binary.LittleEndian.PutUint32(data[cfOffWalBlockSize:], cf.WalBlockSize)
	binary.LittleEndian.PutUint32(data[cfOffWalSegSize:], cf.WalSegSize)
	crc := crc32.Checksum(data[:cfDataLen], cfCRCTable)
	binary.LittleEndian.PutUint32(data[cfDataLen:], crc)
	return data
}

// ReadControlFile loads pg_control from a data directory.
func ReadControlFile(pgdata string) (*ControlFile, error) {
	path := filepath.Join(pgdata, filepath.FromSlash(ControlFilePath))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	cf, err := ParseControlFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cf, nil
}

// WriteControlFile rewrites a data directory's pg_control atomically
// with fsync.
func WriteControlFile(pgdata string, cf *ControlFile) error {
	path := filepath.Join(pgdata, filepath.FromSlash(ControlFilePath))
	return fsio.WriteFileAtomic(path, MarshalControlFile(cf), 0600, true)
}
