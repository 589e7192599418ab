package restore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pgbackup/internal/catalog"
	"pgbackup/internal/fileset"
	"pgbackup/internal/page"
	"pgbackup/internal/progress"
	"pgbackup/internal/xlog"
)

const controlFilePath = "global/pg_control"

// chainMember pairs a chain backup with its loaded, path-sorted file
// list.
type chainMember struct {
	backup *catalog.Backup
	list   fileset.List
}

// restorePlan carries the per-run state shared by restore workers.
type restorePlan struct {
	engine  *Engine
	target  *catalog.Backup
	chain   []*catalog.Backup // oldest (FULL) first
	members []chainMember     // same order
	list    fileset.List      // target's content, path-sorted
	destDir string
	opts    *Options

	bar      *progress.Bar
	shiftLSN xlog.LSN
}

// loadChainContents reads every chain member's file list once.
func (p *restorePlan) loadChainContents() error {
	p.members = make([]chainMember, 0, len(p.chain))
	for _, b := range p.chain {
		list, err := p.engine.cat.ReadContent(b.ID)
		if err != nil {
			return err
		}
		list.SortByPathAsc()
		p.members = append(p.members, chainMember{backup: b, list: list})
	}
	return nil
}

// storedPath locates an entry's backup file inside one chain member.
func (p *restorePlan) storedPath(b *catalog.Backup, entry *fileset.Entry) string {
	if entry.ExternalDir == 0 {
		return filepath.Join(p.engine.cat.DatabaseDir(b.ID), filepath.FromSlash(entry.Path))
	}
	return filepath.Join(p.engine.cat.ExternalDir(b.ID, entry.ExternalDir), filepath.FromSlash(entry.Path))
}

// destPath resolves an entry's destination.
func (p *restorePlan) destPath(entry *fileset.Entry) (string, error) {
	root, err := p.opts.destRoot(p.destDir, entry.ExternalDir, p.target.ExternalDirs)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(entry.Path)), nil
}

// createDirs materializes the directory skeleton and symlinks in
// ascending path order before any file worker runs.
func (p *restorePlan) createDirs() error {
	for _, entry := range p.list {
		dst, err := p.destPath(entry)
		if err != nil {
			return err
		}
		switch {
		case entry.IsDir():
			if err := os.MkdirAll(dst, entry.Mode.Perm()|0700); err != nil {
				return fmt.Errorf("failed to create %s: %w", entry.Path, err)
			}
		case entry.LinkTarget != "":
			if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
				return err
			}
			target := entry.LinkTarget
			if remapped, ok := p.opts.TablespaceRemap[target]; ok {
				target = remapped
			}
			if err := os.MkdirAll(target, 0700); err != nil {
				return fmt.Errorf("failed to create tablespace location %s: %w", target, err)
			}
			if err := os.Symlink(target, dst); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s: %w", entry.Path, err)
			}
		}
	}
	return nil
}

// sources collects, oldest-first, the chain copies contributing to one
// entry: every member where the file was actually written. The walk
// stops being interesting below the newest full copy of a
// non-datafile, but datafiles accumulate page records from the whole
// chain.
func (p *restorePlan) sources(entry *fileset.Entry) []chainSource {
	var out []chainSource
	for _, m := range p.members {
		me := m.list.Search(entry.Path, entry.ExternalDir)
		if me == nil || me.WriteSize == fileset.InvalidWriteSize || me.WriteSize == 0 {
			continue
		}
		out = append(out, chainSource{member: m, entry: me})
	}
	return out
}

type chainSource struct {
	member chainMember
	entry  *fileset.Entry
}

// restoreEntry materializes one regular file.
func (p *restorePlan) restoreEntry(entry *fileset.Entry) error {
	dst, err := p.destPath(entry)
	if err != nil {
		return err
	}
	if p.opts.excludedDB(fileset.DBOidOf(entry.Path)) {
		// excluded database: zero-length placeholder instead of
		// omission, so WAL replay does not trip over a missing file
		f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return err
		}
		return f.Close()
	}

	defer p.bar.Add(entry.Size)
	if !entry.IsDatafile {
		return p.restorePlain(entry, dst)
	}
	return p.restoreDatafile(entry, dst)
}

// restorePlain copies the newest stored version of a non-datafile.
func (p *restorePlan) restorePlain(entry *fileset.Entry, dst string) error {
	srcs := p.sources(entry)
	if len(srcs) == 0 {
		if entry.Size == 0 || entry.WriteSize == 0 {
			f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, entry.Mode.Perm())
			if err != nil {
				return err
			}
			return f.Close()
		}
		return fmt.Errorf("no chain member holds a copy: %w", catalog.ErrChainBroken)
	}
	src := srcs[len(srcs)-1]
	rc, err := page.OpenBackupFile(p.storedPath(src.member.backup, src.entry))
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, entry.Mode.Perm()|0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return closeAndSync(out, !p.engine.cfg.NoSync)
}

// restoreDatafile folds the chain's page records, FULL first, into the
// destination file, then truncates to the target's recorded file size.
func (p *restorePlan) restoreDatafile(entry *fileset.Entry, dst string) error {
	srcs := p.sources(entry)
	blockSize := p.target.BlockSize
	if blockSize == 0 {
		blockSize = page.DefaultBlockSize
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, entry.Mode.Perm()|0600)
	if err != nil {
		return err
	}

	var skip func(uint32) bool
	if p.opts.Incremental != IncrementalNone {
		skip, err = p.buildSkipFunc(entry, dst, srcs)
		if err != nil {
			out.Close()
			return err
		}
	}

	for _, src := range srcs {
		// in LSN mode an on-disk page below the shift LSN already
		// matches the chain state at that point, so records from
		// members at or below it are redundant; members past the
		// shift carry genuinely newer pages and always write
		memberSkip := skip
		if p.opts.Incremental == IncrementalLSN &&
			src.member.backup.StopLSN > p.shiftLSN {
			memberSkip = nil
		}
		rc, err := page.OpenBackupFile(p.storedPath(src.member.backup, src.entry))
		if err != nil {
			out.Close()
			return err
		}
		if _, err := page.ApplyDatafileRecords(rc, out, blockSize, memberSkip); err != nil {
			rc.Close()
			out.Close()
			return fmt.Errorf("applying %s from %s: %w", entry.Path, src.member.backup.ID, err)
		}
		rc.Close()
	}

	// the relation may have shrunk between chain members, and the
	// source file need not end on a block boundary
	if err := out.Truncate(entry.Size); err != nil {
		out.Close()
		return fmt.Errorf("failed to truncate %s: %w", dst, err)
	}
	return closeAndSync(out, !p.engine.cfg.NoSync)
}

// finalizeControlFile writes pg_control after every other file landed.
func (p *restorePlan) finalizeControlFile() error {
	entry := p.list.Search(controlFilePath, 0)
	if entry == nil {
		return fmt.Errorf("backup %s has no pg_control in its file list", p.target.ID)
	}
	dst, err := p.destPath(entry)
	if err != nil {
		return err
	}
	if err := p.restorePlain(entry, dst); err != nil {
		return err
	}
	return nil
}

func closeAndSync(f *os.File, sync bool) error {
	if sync {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
