package restore

import (
	"errors"
	"fmt"
	"io"
	"os"

	"pgbackup/internal/fileset"
	"pgbackup/internal/page"
	"pgbackup/internal/pg"
	"pgbackup/internal/walread"
	"pgbackup/internal/xlog"
)

// computeShiftLSN derives the cutoff for LSN-based incremental
// restore: the stop LSN of the newest chain member that is an ancestor
// of the destination directory's current redo point on a compatible
// timeline. Pages whose on-disk LSN is below it cannot have diverged
// from what the chain would write.
func (p *restorePlan) computeShiftLSN() error {
	cf, err := pg.ReadControlFile(p.destDir)
	if err != nil {
		return fmt.Errorf("%w: destination has no readable control file: %v", ErrLSNRefused, err)
	}
	redo := cf.Redo
	if cf.MinRecoveryLSN > redo {
		redo = cf.MinRecoveryLSN
	}

	var history *xlog.TimelineHistory
	for i := len(p.members) - 1; i >= 0; i-- {
		b := p.members[i].backup
		if b.StopLSN > redo {
			continue
		}
		if b.TLI != cf.Timeline {
			if history == nil {
				history, err = walread.LoadHistory(p.engine.cfg.WalDir(), cf.Timeline)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrLSNRefused, err)
				}
			}
			if !history.Contains(b.TLI) {
				continue
			}
		}
		p.shiftLSN = b.StopLSN
		return nil
	}
	return fmt.Errorf("%w: no chain member is an ancestor of the destination's redo point %s on timeline %d",
		ErrLSNRefused, redo, cf.Timeline)
}

// buildSkipFunc computes, once per file, the bitmap of blocks whose
// on-disk copy can be kept; restore then writes only the rest.
func (p *restorePlan) buildSkipFunc(entry *fileset.Entry, dst string, srcs []chainSource) (func(uint32) bool, error) {
	f, err := os.Open(dst)
	if err != nil {
		if os.IsNotExist(err) {
			// nothing on disk yet; nothing to reuse
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	blockSize := p.target.BlockSize
	if blockSize == 0 {
		blockSize = page.DefaultBlockSize
	}

	var expected map[uint32]uint32
	if p.opts.Incremental == IncrementalChecksum {
		expected = make(map[uint32]uint32)
		// oldest first: the newest record for a block wins
		for _, src := range srcs {
			if src.entry.HdrLen == 0 {
				continue
			}
			headers, err := page.ReadHeaderSpan(p.engine.cat.HeaderMapPath(src.member.backup.ID),
				src.entry.HdrOff, src.entry.HdrLen)
			if err != nil {
				return nil, err
			}
			for _, h := range headers {
				expected[h.BlockNo] = h.CRC
			}
		}
	}

	keep := make(map[uint32]bool)
	buf := make([]byte, blockSize)
	for blockNo := uint32(0); ; blockNo++ {
		n, err := f.ReadAt(buf, int64(blockNo)*int64(blockSize))
		if n < int(blockSize) {
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to read existing block %d: %w", blockNo, err)
			}
			break
		}
		switch p.opts.Incremental {
		case IncrementalChecksum:
			if want, ok := expected[blockNo]; ok && page.NormalizedCRC(buf, blockSize) == want {
				keep[blockNo] = true
			}
		case IncrementalLSN:
			if state, h := page.Classify(buf, blockSize); state == page.StateValid && h.LSN < p.shiftLSN {
				keep[blockNo] = true
			}
		}
	}
	if len(keep) == 0 {
		return nil, nil
	}
	return func(blockNo uint32) bool { return keep[blockNo] }, nil
}
