package walread

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pgbackup/internal/xlog"
)

// ErrSegmentMissing reports that no variant of a segment file exists
// in the archive. Inside a required range this is fatal: skipping a
// segment would silently drop page modifications.
var ErrSegmentMissing = errors.New("WAL segment missing")

// segment variants are probed in order: plain name first, then
// compressed, then partials left by an interrupted wal receiver.
var segmentSuffixes = []string{"", ".gz", ".partial", ".gz.partial"}

// openSegment loads one segment's content, decompressing when needed.
// Partial segments come back shorter than segSize; readers treat the
// missing tail as end of stream.
func openSegment(archiveDir string, tli xlog.TimelineID, segNo xlog.SegNo, segSize uint64) ([]byte, string, error) {
	base := filepath.Join(archiveDir, xlog.SegmentFileName(tli, segNo, segSize))
	var lastErr error
	for _, suffix := range segmentSuffixes {
		path := base + suffix
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, "", fmt.Errorf("failed to open %s: %w", path, err)
		}
		var r io.Reader = f
		if filepath.Ext(trimPartial(path)) == ".gz" {
			gz, err := gzip.NewReader(f)
			if err != nil {
				f.Close()
				return nil, "", fmt.Errorf("failed to open gzip stream %s: %w", path, err)
			}
			r = gz
		}
		data, err := io.ReadAll(io.LimitReader(r, int64(segSize)))
		f.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read %s: %w", path, err)
			continue
		}
		return data, path, nil
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	return nil, "", fmt.Errorf("%s: %w", base, ErrSegmentMissing)
}

func trimPartial(path string) string {
	if filepath.Ext(path) == ".partial" {
		return path[:len(path)-len(".partial")]
	}
	return path
}

// segmentExists reports whether any variant of the segment is present.
func segmentExists(archiveDir string, tli xlog.TimelineID, segNo xlog.SegNo, segSize uint64) bool {
	base := filepath.Join(archiveDir, xlog.SegmentFileName(tli, segNo, segSize))
	for _, suffix := range segmentSuffixes {
		if _, err := os.Stat(base + suffix); err == nil {
			return true
		}
	}
	return false
}
