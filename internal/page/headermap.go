package page

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// The header map is a per-backup side file coalescing every datafile's
// record headers. Each span is N*RecordHeaderSize bytes of headers
// followed by a 4-byte CRC of those bytes; the owning FileEntry stores
// (offset, length) of its span.

// HeaderMapWriter appends spans; writers from concurrent file-copy
// workers are serialized by the internal mutex.
type HeaderMapWriter struct {
	mu  sync.Mutex
	f   *os.File
	off int64
}

// CreateHeaderMap opens (truncates) the header map for writing.
func CreateHeaderMap(path string) (*HeaderMapWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create header map: %w", err)
	}
	return &HeaderMapWriter{f: f}, nil
}

// Append writes one file's headers and returns its span.
func (w *HeaderMapWriter) Append(headers []RecordHeader) (off int64, length int32, err error) {
	data := make([]byte, len(headers)*RecordHeaderSize+4)
	for i, h := range headers {
		p := data[i*RecordHeaderSize:]
		binary.LittleEndian.PutUint32(p[0:4], h.BlockNo)
		binary.LittleEndian.PutUint32(p[4:8], uint32(h.PayloadSize))
		binary.LittleEndian.PutUint32(p[8:12], h.CRC)
		binary.LittleEndian.PutUint32(p[12:16], h.Flags)
	}
	binary.LittleEndian.PutUint32(data[len(data)-4:], CRC(data[:len(data)-4]))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.WriteAt(data, w.off); err != nil {
		return 0, 0, fmt.Errorf("failed to append header map span: %w", err)
	}
	off = w.off
	w.off += int64(len(data))
	return off, int32(len(data)), nil
}

// Close fsyncs and closes the map. sync=false skips the fsync
// (--no-sync runs).
func (w *HeaderMapWriter) Close(sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sync {
		if err := w.f.Sync(); err != nil {
			w.f.Close()
			return fmt.Errorf("failed to fsync header map: %w", err)
		}
	}
	return w.f.Close()
}

// ReadHeaderSpan loads and verifies one file's span from the map.
func ReadHeaderSpan(path string, off int64, length int32) ([]RecordHeader, error) {
	if length < 4 || (length-4)%RecordHeaderSize != 0 {
		return nil, fmt.Errorf("header map span has bad length %d", length)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open header map: %w", err)
	}
	defer f.Close()
	data := make([]byte, length)
	if _, err := f.ReadAt(data, off); err != nil {
		return nil, fmt.Errorf("failed to read header map span at %d: %w", off, err)
	}
	body := data[:len(data)-4]
	want := binary.LittleEndian.Uint32(data[len(data)-4:])
	if got := CRC(body); got != want {
		return nil, fmt.Errorf("header map span at %d: CRC mismatch: stored %08x, computed %08x", off, want, got)
	}
	headers := make([]RecordHeader, len(body)/RecordHeaderSize)
	for i := range headers {
		p := body[i*RecordHeaderSize:]
		headers[i] = RecordHeader{
			BlockNo:     binary.LittleEndian.Uint32(p[0:4]),
			PayloadSize: int32(binary.LittleEndian.Uint32(p[4:8])),
			CRC:         binary.LittleEndian.Uint32(p[8:12]),
			Flags:       binary.LittleEndian.Uint32(p[12:16]),
		}
	}
	return headers, nil
}
