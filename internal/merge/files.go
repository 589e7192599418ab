package merge

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"pgbackup/internal/catalog"
	"pgbackup/internal/fileset"
	"pgbackup/internal/fsio"
	"pgbackup/internal/page"
	"pgbackup/internal/xlog"
)

// mergeState is the shared context of one file-folding pass.
type mergeState struct {
	engine  *Engine
	full    *catalog.Backup
	dest    *catalog.Backup
	chain   []*catalog.Backup
	lists   []fileset.List // content per chain member, chain order
	newHM   *page.HeaderMapWriter
	oldHM   string // full's previous header map path
	fullDir string
}

// mergeFiles folds the destination's file list into the FULL backup's
// directory and rewrites the FULL's content and header map. The result
// directory is byte-equivalent to a FULL backup taken at the
// destination's start time.
func (e *Engine) mergeFiles(ctx context.Context, full, dest *catalog.Backup, chain []*catalog.Backup) error {
	lists := make([]fileset.List, len(chain))
	for i, b := range chain {
		list, err := e.cat.ReadContent(b.ID)
		if err != nil {
			return err
		}
		list.SortByPathAsc()
		lists[i] = list
	}
	destList := lists[len(lists)-1]

	hmTmp := e.cat.HeaderMapPath(full.ID) + ".tmp"
	newHM, err := page.CreateHeaderMap(hmTmp)
	if err != nil {
		return err
	}
	st := &mergeState{
		engine:  e,
		full:    full,
		dest:    dest,
		chain:   chain,
		lists:   lists,
		newHM:   newHM,
		oldHM:   e.cat.HeaderMapPath(full.ID),
		fullDir: e.cat.BackupDir(full.ID),
	}

	// directories first, ascending, so workers never race a mkdir
	for _, entry := range destList {
		if entry.IsDir() || entry.LinkTarget != "" {
			if err := os.MkdirAll(st.destPath(entry), 0700); err != nil {
				newHM.Close(false)
				return err
			}
		}
	}

	work := make(fileset.List, 0, len(destList))
	for _, entry := range destList {
		if entry.IsDir() || entry.LinkTarget != "" {
			continue
		}
		work = append(work, entry)
	}
	work.SortBySizeDesc()
	work.ResetClaims()

	jobs := e.cfg.Jobs
	if jobs < 1 {
		jobs = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < jobs; w++ {
		g.Go(func() error {
			for _, entry := range work {
				if !entry.Claim() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := st.mergeEntry(entry); err != nil {
					return fmt.Errorf("file %s: %w", entry.Path, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		newHM.Close(false)
		return err
	}
	if err := newHM.Close(!e.cfg.NoSync); err != nil {
		return err
	}
	if err := os.Rename(hmTmp, st.oldHM); err != nil {
		return fmt.Errorf("failed to install merged header map: %w", err)
	}

	// drop files the FULL had but the destination no longer has,
	// bottom-up so directories empty before removal
	fullList := lists[0]
	stale := make(fileset.List, 0)
	for _, entry := range fullList {
		if destList.Search(entry.Path, entry.ExternalDir) == nil {
			stale = append(stale, entry)
		}
	}
	stale.SortByPathDesc()
	for _, entry := range stale {
		path := st.destPath(entry)
		if err := os.Remove(path); err != nil {
			// compressed variant
			if err2 := os.Remove(path + page.GzipSuffix); err2 != nil && !os.IsNotExist(err2) {
				return fmt.Errorf("failed to remove stale %s: %w", entry.Path, err)
			}
		}
	}

	// the merged catalog entry describes the destination's cluster
	// state served from the FULL's directory
	full.StartLSN = dest.StartLSN
	full.StopLSN = dest.StopLSN
	full.TLI = dest.TLI
	full.RecoveryXID = dest.RecoveryXID
	full.RecoveryTime = dest.RecoveryTime
	full.DataBytes = dest.DataBytes
	full.Stream = dest.Stream
	full.FromReplica = dest.FromReplica
	full.ExternalDirs = dest.ExternalDirs
	var writeBytes int64
	for _, entry := range destList {
		if entry.WriteSize > 0 {
			writeBytes += entry.WriteSize
		}
	}
	full.WriteBytes = writeBytes

	destList.SortByPathAsc()
	if err := e.cat.WriteContent(full.ID, destList); err != nil {
		return err
	}
	if !e.cfg.NoSync {
		return fsio.SyncDir(st.fullDir)
	}
	return nil
}

func (st *mergeState) destPath(entry *fileset.Entry) string {
	if entry.ExternalDir == 0 {
		return filepath.Join(st.fullDir, catalog.DatabaseDirName, filepath.FromSlash(entry.Path))
	}
	return filepath.Join(st.fullDir, catalog.ExternalDirName,
		fmt.Sprintf("%d", entry.ExternalDir), filepath.FromSlash(entry.Path))
}

// storedPath locates entry's stored file within chain member i.
func (st *mergeState) storedPath(i int, entry *fileset.Entry) string {
	b := st.chain[i]
	if entry.ExternalDir == 0 {
		return filepath.Join(st.engine.cat.DatabaseDir(b.ID), filepath.FromSlash(entry.Path))
	}
	return filepath.Join(st.engine.cat.ExternalDir(b.ID, entry.ExternalDir), filepath.FromSlash(entry.Path))
}

// mergeEntry folds one destination entry. The entry is mutated in
// place to describe its post-merge representation.
func (st *mergeState) mergeEntry(entry *fileset.Entry) error {
	if entry.WriteSize == 0 && entry.Size == 0 {
		// genuinely empty file; nothing stored anywhere in the chain
		return nil
	}

	// fast path: unchanged through every incremental (a zero write
	// size on a non-empty datafile means "no page changed"), FULL
	// holds the bytes already; only the header map span moves
	if entry.WriteSize == fileset.InvalidWriteSize || entry.WriteSize == 0 {
		fullEntry := st.lists[0].Search(entry.Path, entry.ExternalDir)
		if fullEntry == nil || fullEntry.WriteSize == fileset.InvalidWriteSize {
			return fmt.Errorf("unchanged file has no FULL copy: %w", catalog.ErrChainBroken)
		}
		unchanged := true
		for i := 1; i < len(st.lists)-1; i++ {
			if mid := st.lists[i].Search(entry.Path, entry.ExternalDir); mid != nil &&
				mid.WriteSize != fileset.InvalidWriteSize {
				unchanged = false
				break
			}
		}
		if !unchanged {
			return st.rebuildEntry(entry)
		}
		entry.WriteSize = fullEntry.WriteSize
		entry.ReadSize = fullEntry.ReadSize
		entry.CRC = fullEntry.CRC
		entry.UncompSize = fullEntry.UncompSize
		entry.PageMap = fullEntry.PageMap
		entry.NBlocks = fullEntry.NBlocks
		if entry.IsDatafile && !entry.IsCFS && fullEntry.HdrLen > 0 {
			headers, err := page.ReadHeaderSpan(st.oldHM, fullEntry.HdrOff, fullEntry.HdrLen)
			if err != nil {
				return err
			}
			off, length, err := st.newHM.Append(headers)
			if err != nil {
				return err
			}
			entry.HdrOff, entry.HdrLen = off, length
		}
		return nil
	}

	return st.rebuildEntry(entry)
}

// rebuildEntry reconstructs the file from the chain into a temp image
// (*_tmp1), repackages it as a FULL-style backup file (*_tmp2), and
// renames it into place. The rename is the commit point; reruns after
// a crash simply redo the work.
func (st *mergeState) rebuildEntry(entry *fileset.Entry) error {
	finalBase := st.destPath(entry)
	tmp1 := finalBase + "_tmp1"
	tmp2Base := finalBase + "_tmp2"
	defer os.Remove(tmp1)

	if err := st.reconstructImage(entry, tmp1); err != nil {
		return err
	}

	blockSize := st.full.BlockSize
	if blockSize == 0 {
		blockSize = page.DefaultBlockSize
	}

	if entry.IsDatafile && !entry.IsCFS {
		res, err := page.BackupDatafile(tmp1, tmp2Base, blockSize, xlog.InvalidLSN, nil,
			st.full.CompressAlg, st.full.CompressLevel, !st.engine.cfg.NoSync, nil)
		if err != nil {
			return err
		}
		off, length, err := st.newHM.Append(res.Headers)
		if err != nil {
			os.Remove(res.Path)
			return err
		}
		entry.WriteSize = res.WriteBytes
		entry.ReadSize = res.ReadBytes
		entry.CRC = res.FileCRC
		entry.UncompSize = res.UncompSize
		entry.PageMap = res.PageMap
		entry.NBlocks = res.NBlocks
		entry.HdrOff, entry.HdrLen = off, length
		return st.commit(res.Path, finalBase, tmp2Base)
	}

	finalPath, crc, written, err := page.CopyPlainFile(tmp1, tmp2Base,
		st.full.CompressAlg, st.full.CompressLevel, !st.engine.cfg.NoSync)
	if err != nil {
		return err
	}
	entry.WriteSize = written
	entry.ReadSize = entry.Size
	entry.CRC = crc
	return st.commit(finalPath, finalBase, tmp2Base)
}

// commit renames the rebuilt temp into its final name, deriving the
// compressed suffix from what the writer produced.
func (st *mergeState) commit(tmpWritten, finalBase, tmp2Base string) error {
	final := finalBase + tmpWritten[len(tmp2Base):]
	// both suffix variants of the old file go away so a compression
	// change never leaves two generations behind
	os.Remove(finalBase)
	os.Remove(finalBase + page.GzipSuffix)
	if err := os.Rename(tmpWritten, final); err != nil {
		return fmt.Errorf("failed to rename %s into place: %w", tmpWritten, err)
	}
	return nil
}

// reconstructImage materializes the file's current content from the
// chain into path.
func (st *mergeState) reconstructImage(entry *fileset.Entry, path string) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	blockSize := st.full.BlockSize
	if blockSize == 0 {
		blockSize = page.DefaultBlockSize
	}

	if entry.IsDatafile && !entry.IsCFS {
		for i, list := range st.lists {
			me := list.Search(entry.Path, entry.ExternalDir)
			if me == nil || me.WriteSize == fileset.InvalidWriteSize || me.WriteSize == 0 {
				continue
			}
			rc, err := page.OpenBackupFile(st.storedPath(i, me))
			if err != nil {
				out.Close()
				return err
			}
			if _, err := page.ApplyDatafileRecords(rc, out, blockSize, nil); err != nil {
				rc.Close()
				out.Close()
				return err
			}
			rc.Close()
		}
		if err := out.Truncate(entry.Size); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}

	// non-datafile: newest stored copy wins outright
	for i := len(st.lists) - 1; i >= 0; i-- {
		me := st.lists[i].Search(entry.Path, entry.ExternalDir)
		if me == nil || me.WriteSize == fileset.InvalidWriteSize || me.WriteSize == 0 {
			continue
		}
		rc, err := page.OpenBackupFile(st.storedPath(i, me))
		if err != nil {
			out.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}
	out.Close()
	return fmt.Errorf("no chain member holds a copy: %w", catalog.ErrChainBroken)
}
