package page

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"pgbackup/internal/fileset"
	"pgbackup/internal/xlog"
)

// ErrInterrupted is returned when the caller's cancellation hook fires
// between pages or files.
var ErrInterrupted = errors.New("interrupted")

// BackupResult accounts one datafile copy.
type BackupResult struct {
	Headers    []RecordHeader
	PageMap    *fileset.PageMap
	NBlocks    int32
	ReadBytes  int64
	WriteBytes int64
	UncompSize int64
	FileCRC    uint32
	Path       string
}

// BackupDatafile copies the changed pages of one relation-segment file
// into dst. threshold is the parent's LSN cutoff (invalid = copy all);
// preselect, when non-nil, names the only candidate blocks (PAGE and
// PTRACK modes) so unlisted pages are skipped without reading.
// interrupted is polled on every page boundary.
func BackupDatafile(src, dst string, blockSize uint32, threshold xlog.LSN,
	preselect *fileset.PageMap, alg string, level int, sync bool,
	interrupted func() bool) (*BackupResult, error) {

	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open source %s: %w", src, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", src, err)
	}
	nBlocks := int32(info.Size() / int64(blockSize))
	if info.Size()%int64(blockSize) != 0 {
		// torn extension at EOF still holds data; the trailing short
		// block is copied verbatim, padded with zeroes
		nBlocks++
	}

	out, finalPath, err := CreateBackupFile(dst, alg, level)
	if err != nil {
		return nil, err
	}

	res := &BackupResult{PageMap: &fileset.PageMap{}, NBlocks: nBlocks, Path: finalPath}
	fileCRC := crc32.New(castagnoli)
	stream := io.MultiWriter(out, fileCRC)
	buf := make([]byte, blockSize)

	for blockNo := int32(0); blockNo < nBlocks; blockNo++ {
		if interrupted != nil && interrupted() {
			out.Abort()
			return nil, ErrInterrupted
		}
		if preselect != nil && !preselect.IsSet(uint32(blockNo)) {
			continue
		}
		n, err := in.ReadAt(buf, int64(blockNo)*int64(blockSize))
		if err != nil && !errors.Is(err, io.EOF) {
			out.Abort()
			return nil, fmt.Errorf("failed to read block %d of %s: %w", blockNo, src, err)
		}
		if n == 0 {
			break
		}
		for i := n; i < int(blockSize); i++ {
			buf[i] = 0
		}
		res.ReadBytes += int64(blockSize)

		if threshold.Valid() {
			if state, h := Classify(buf, blockSize); state == StateValid && h.LSN < threshold {
				continue
			}
		}

		hdr, payload := EncodePage(uint32(blockNo), buf, blockSize)
		if err := WriteRecord(stream, hdr, payload); err != nil {
			out.Abort()
			return nil, fmt.Errorf("%s: %w", src, err)
		}
		res.Headers = append(res.Headers, hdr)
		res.PageMap.Set(uint32(blockNo))
		res.UncompSize += int64(RecordHeaderSize) + int64(len(payload))
	}

	if err := out.Close(sync); err != nil {
		os.Remove(finalPath)
		return nil, fmt.Errorf("%s: %w", dst, err)
	}
	res.WriteBytes = out.WrittenBytes()
	res.FileCRC = fileCRC.Sum32()
	return res, nil
}

// ApplyDatafileRecords reads a stored datafile stream and writes each
// page into out at its block offset. skip, when non-nil, suppresses
// individual blocks (incremental restore). Returns bytes written.
func ApplyDatafileRecords(r io.Reader, out *os.File, blockSize uint32, skip func(blockNo uint32) bool) (int64, error) {
	var written int64
	for {
		hdr, payload, err := ReadRecord(r)
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		if skip != nil && skip(hdr.BlockNo) {
			continue
		}
		img, err := DecodePage(hdr, payload, blockSize)
		if err != nil {
			return written, err
		}
		if _, err := out.WriteAt(img, int64(hdr.BlockNo)*int64(blockSize)); err != nil {
			return written, fmt.Errorf("failed to write block %d: %w", hdr.BlockNo, err)
		}
		written += int64(blockSize)
	}
}

// CopyPlainFile copies a non-datafile into the backup whole, returning
// (final path, CRC of uncompressed content, bytes written).
func CopyPlainFile(src, dst, alg string, level int, sync bool) (string, uint32, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, 0, fmt.Errorf("failed to open source %s: %w", src, err)
	}
	defer in.Close()

	out, finalPath, err := CreateBackupFile(dst, alg, level)
	if err != nil {
		return "", 0, 0, err
	}
	fileCRC := crc32.New(castagnoli)
	if _, err := io.Copy(io.MultiWriter(out, fileCRC), in); err != nil {
		out.Abort()
		return "", 0, 0, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(sync); err != nil {
		os.Remove(finalPath)
		return "", 0, 0, fmt.Errorf("%s: %w", dst, err)
	}
	return finalPath, fileCRC.Sum32(), out.WrittenBytes(), nil
}

// ChecksumStoredFile re-reads a stored file (decompressing as needed)
// and returns the CRC of its uncompressed content.
func ChecksumStoredFile(path string) (uint32, error) {
	rc, err := OpenBackupFile(path)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	fileCRC := crc32.New(castagnoli)
	if _, err := io.Copy(fileCRC, rc); err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return fileCRC.Sum32(), nil
}
