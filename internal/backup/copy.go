package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pgbackup/internal/catalog"
	"pgbackup/internal/fileset"
	"pgbackup/internal/page"
	"pgbackup/internal/xlog"
)

// ErrClockRewind aborts a run whose wall clock sits before a source
// file's mtime; the mtime fast path cannot be trusted then.
var ErrClockRewind = errors.New("system clock is behind source file modification time")

// copyPlan is the read-only context shared by copy workers.
type copyPlan struct {
	mode       catalog.Mode
	blockSize  uint32
	threshold  xlog.LSN // parent start LSN for DELTA/PAGE/PTRACK
	parentList fileset.List
	pgdata     string
	external   []string
	destDir    string // backup directory
	compress   string
	level      int
	sync       bool

	interrupted *atomic.Bool
	headerMap   *page.HeaderMapWriter

	readBytes  atomic.Int64
	writeBytes atomic.Int64

	progress func(int64)
}

func (p *copyPlan) sourcePath(e *fileset.Entry) string {
	if e.ExternalDir == 0 {
		return filepath.Join(p.pgdata, filepath.FromSlash(e.Path))
	}
	return filepath.Join(p.external[e.ExternalDir-1], filepath.FromSlash(e.Path))
}

func (p *copyPlan) destPath(e *fileset.Entry) string {
	if e.ExternalDir == 0 {
		return filepath.Join(p.destDir, catalog.DatabaseDirName, filepath.FromSlash(e.Path))
	}
	return filepath.Join(p.destDir, catalog.ExternalDirName,
		fmt.Sprintf("%d", e.ExternalDir), filepath.FromSlash(e.Path))
}

func (p *copyPlan) isInterrupted() bool {
	return p.interrupted != nil && p.interrupted.Load()
}

// copyEntry copies one claimed entry per the incremental rules.
func (p *copyPlan) copyEntry(e *fileset.Entry) error {
	if p.isInterrupted() {
		return page.ErrInterrupted
	}
	if e.IsDir() || e.LinkTarget != "" {
		// directories and links are materialized by the driver
		return nil
	}

	src := p.sourcePath(e)
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			// vanished between listing and copy: inherit from the
			// parent chain, nothing to write
			e.WriteSize = fileset.InvalidWriteSize
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	// mtime sanity: a clock behind the file defeats the fast path; a
	// file modified this very second may still be written to, so wait
	// out the second before reading
	now := time.Now()
	if now.Before(info.ModTime().Truncate(time.Second)) {
		return fmt.Errorf("%s: %w", src, ErrClockRewind)
	}
	if now.Truncate(time.Second).Equal(info.ModTime().Truncate(time.Second)) {
		time.Sleep(time.Until(info.ModTime().Truncate(time.Second).Add(time.Second)))
	}
	e.Size = info.Size()
	e.MTime = info.ModTime()

	if !e.IsDatafile || e.IsCFS {
		return p.copyPlain(e, src)
	}
	return p.copyDatafile(e, src)
}

// copyPlain handles non-datafiles (and verbatim CFS files): unchanged
// mtime against the parent skips the copy entirely.
func (p *copyPlan) copyPlain(e *fileset.Entry, src string) error {
	if p.mode != catalog.ModeFull && p.parentList != nil {
		if parent := p.parentList.Search(e.Path, e.ExternalDir); parent != nil &&
			parent.WriteSize != fileset.InvalidWriteSize &&
			!e.MTime.After(parent.MTime) && e.Size == parent.Size {
			e.WriteSize = fileset.InvalidWriteSize
			e.CRC = parent.CRC
			return nil
		}
	}
	dst := p.destPath(e)
	_, crc, written, err := page.CopyPlainFile(src, dst, p.compress, p.level, p.sync)
	if err != nil {
		return err
	}
	e.CRC = crc
	e.ReadSize = e.Size
	e.WriteSize = written
	p.readBytes.Add(e.Size)
	p.writeBytes.Add(written)
	if p.progress != nil {
		p.progress(e.Size)
	}
	return nil
}

// copyDatafile applies the per-page selection. PAGE/PTRACK modes have
// a pre-built pagemap on the entry; an empty one means no page
// changed and the file is recorded with zero write size.
func (p *copyPlan) copyDatafile(e *fileset.Entry, src string) error {
	preselect := e.PageMap
	switch p.mode {
	case catalog.ModeFull, catalog.ModeDelta:
		preselect = nil
	case catalog.ModePage, catalog.ModePtrack:
		if preselect == nil || preselect.Empty() {
			// nothing changed; size differences (truncate/extend) are
			// still visible through NBlocks
			e.WriteSize = 0
			e.ReadSize = 0
			e.PageMap = &fileset.PageMap{}
			e.NBlocks = int32((e.Size + int64(p.blockSize) - 1) / int64(p.blockSize))
			return nil
		}
	}

	threshold := p.threshold
	if p.mode == catalog.ModeFull {
		threshold = xlog.InvalidLSN
	}

	res, err := page.BackupDatafile(src, p.destPath(e), p.blockSize, threshold,
		preselect, p.compress, p.level, p.sync, p.isInterrupted)
	if err != nil {
		return err
	}
	off, length, err := p.headerMap.Append(res.Headers)
	if err != nil {
		return err
	}
	e.PageMap = res.PageMap
	e.NBlocks = res.NBlocks
	e.ReadSize = res.ReadBytes
	e.WriteSize = res.WriteBytes
	e.UncompSize = res.UncompSize
	e.CRC = res.FileCRC
	e.HdrOff = off
	e.HdrLen = length
	p.readBytes.Add(res.ReadBytes)
	p.writeBytes.Add(res.WriteBytes)
	if p.progress != nil {
		p.progress(e.Size)
	}
	return nil
}

// writeRaw stores an in-memory image as e's backup file through the
// usual compression path, returning (bytes written, content CRC).
func (p *copyPlan) writeRaw(e *fileset.Entry, data []byte) (int64, uint32, error) {
	out, finalPath, err := page.CreateBackupFile(p.destPath(e), p.compress, p.level)
	if err != nil {
		return 0, 0, err
	}
	if _, err := out.Write(data); err != nil {
		out.Abort()
		return 0, 0, fmt.Errorf("failed to write %s: %w", e.Path, err)
	}
	if err := out.Close(p.sync); err != nil {
		os.Remove(finalPath)
		return 0, 0, err
	}
	return out.WrittenBytes(), page.CRC(data), nil
}

// runPool fans workers out over the list. Entries are claimed in
// size-descending order for load balance; pg_control is left to the
// orchestrator, which copies it strictly last.
func (p *copyPlan) runPool(jobs int, list fileset.List) error {
	work := make(fileset.List, 0, len(list))
	for _, e := range list {
		if e.ExternalDir == 0 && e.Path == pgControlPath {
			continue
		}
		work = append(work, e)
	}
	work.SortBySizeDesc()
	work.ResetClaims()

	var g errgroup.Group
	for w := 0; w < jobs; w++ {
		g.Go(func() error {
			for _, e := range work {
				if !e.Claim() {
					continue
				}
				if err := p.copyEntry(e); err != nil {
					return fmt.Errorf("file %s: %w", e.Path, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
