// Package testutil fabricates catalog fixtures for engine tests: it
// builds real backup directories (control file, content file, data
// records, header map) from a source directory tree, standing in for
// the orchestrator's server-driven path.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pgbackup/internal/catalog"
	"pgbackup/internal/fileset"
	"pgbackup/internal/logger"
	"pgbackup/internal/page"
	"pgbackup/internal/pg"
	"pgbackup/internal/xlog"
)

// BlockSize used by all fixtures.
const BlockSize = page.DefaultBlockSize

// MakePage fabricates a valid page image: header with the given LSN, a
// hole between lower and upper, and a recognizable fill derived from
// seed outside the hole.
func MakePage(lsn xlog.LSN, seed byte) []byte {
	img := make([]byte, BlockSize)
	h := page.Header{
		LSN:      lsn,
		Lower:    page.HeaderSize + 64,
		Upper:    BlockSize - 256,
		Special:  BlockSize - 8,
		PageSize: BlockSize,
		Layout:   4,
	}
	page.WriteHeader(img, h)
	for i := page.HeaderSize; i < int(h.Lower); i++ {
		img[i] = seed
	}
	for i := int(h.Upper); i < BlockSize; i++ {
		img[i] = seed + 1
	}
	return img
}

// WriteRelation writes nBlocks pages into a relation file, each page
// carrying lsn and a per-block seed.
func WriteRelation(t *testing.T, path string, nBlocks int, lsn xlog.LSN) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for i := 0; i < nBlocks; i++ {
		img := MakePage(lsn, byte(i))
		if _, err := f.WriteAt(img, int64(i)*BlockSize); err != nil {
			t.Fatal(err)
		}
	}
}

// TouchPages rewrites selected blocks of a relation file with a newer
// LSN so DELTA/PAGE backups see them as changed.
func TouchPages(t *testing.T, path string, lsn xlog.LSN, blocks ...uint32) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for _, b := range blocks {
		img := MakePage(lsn, byte(b)+100)
		if _, err := f.WriteAt(img, int64(b)*BlockSize); err != nil {
			t.Fatal(err)
		}
	}
}

// WriteControlFileFixture drops a parseable pg_control into a data
// directory.
func WriteControlFileFixture(t *testing.T, pgdata string, cf *pg.ControlFile) {
	t.Helper()
	if cf.BlockSize == 0 {
		cf.BlockSize = BlockSize
	}
	if cf.WalSegSize == 0 {
		cf.WalSegSize = xlog.DefaultSegmentSize
	}
	if cf.WalBlockSize == 0 {
		cf.WalBlockSize = xlog.WalBlockSize
	}
	if err := os.MkdirAll(filepath.Join(pgdata, "global"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := pg.WriteControlFile(pgdata, cf); err != nil {
		t.Fatal(err)
	}
}

// BackupSpec drives BuildBackup.
type BackupSpec struct {
	ID        catalog.ID
	Mode      catalog.Mode
	Parent    *BuiltBackup
	Threshold xlog.LSN // page-LSN cutoff for incremental modes
	StartLSN  xlog.LSN
	StopLSN   xlog.LSN
	TLI       xlog.TimelineID
	Compress  string
}

// BuiltBackup is the result handed back for chaining.
type BuiltBackup struct {
	Backup *catalog.Backup
	List   fileset.List
}

// BuildBackup copies srcDir into the catalog as one backup, applying
// the given threshold the way the backup engine would. Non-datafiles
// unchanged against the parent (same mtime and size) are recorded as
// inherited.
func BuildBackup(t *testing.T, cat *catalog.Catalog, srcDir string, spec BackupSpec) *BuiltBackup {
	t.Helper()

	b := &catalog.Backup{
		ID:             spec.ID,
		Mode:           spec.Mode,
		Status:         catalog.StatusRunning,
		TLI:            spec.TLI,
		StartLSN:       spec.StartLSN,
		StopLSN:        spec.StopLSN,
		BlockSize:      BlockSize,
		WalBlockSize:   xlog.WalBlockSize,
		WalSegSize:     xlog.DefaultSegmentSize,
		CompressAlg:    orNone(spec.Compress),
		CompressLevel:  1,
		ProgramVersion: "test",
	}
	b.StartTime, _ = spec.ID.Time()
	if spec.Parent != nil {
		b.Parent = spec.Parent.Backup.ID
	}
	if b.TLI == 0 {
		b.TLI = 1
	}

	if err := os.MkdirAll(cat.DatabaseDir(b.ID), 0700); err != nil {
		t.Fatal(err)
	}
	if err := cat.Write(b, true); err != nil {
		t.Fatal(err)
	}

	hm, err := page.CreateHeaderMap(cat.HeaderMapPath(b.ID))
	if err != nil {
		t.Fatal(err)
	}

	var list fileset.List
	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, werr error) error {
		if werr != nil || path == srcDir {
			return werr
		}
		rel, _ := filepath.Rel(srcDir, path)
		rel = filepath.ToSlash(rel)
		e := &fileset.Entry{Path: rel, Mode: info.Mode(), MTime: info.ModTime(), Size: info.Size()}
		dst := filepath.Join(cat.DatabaseDir(b.ID), rel)
		switch {
		case info.IsDir():
			if err := os.MkdirAll(dst, 0700); err != nil {
				return err
			}
		case fileset.IsDatafilePath(rel):
			e.IsDatafile = true
			res, err := page.BackupDatafile(path, dst, BlockSize, spec.Threshold, nil,
				b.CompressAlg, b.CompressLevel, false, nil)
			if err != nil {
				return err
			}
			off, length, err := hm.Append(res.Headers)
			if err != nil {
				return err
			}
			e.PageMap = res.PageMap
			e.NBlocks = res.NBlocks
			e.ReadSize = res.ReadBytes
			e.WriteSize = res.WriteBytes
			e.UncompSize = res.UncompSize
			e.CRC = res.FileCRC
			e.HdrOff, e.HdrLen = off, length
		default:
			if spec.Parent != nil {
				if pe := spec.Parent.List.Search(rel, 0); pe != nil &&
					pe.Size == e.Size && !e.MTime.After(pe.MTime) &&
					pe.WriteSize != fileset.InvalidWriteSize {
					e.WriteSize = fileset.InvalidWriteSize
					e.CRC = pe.CRC
					list = append(list, e)
					return nil
				}
			}
			_, crc, written, err := page.CopyPlainFile(path, dst, b.CompressAlg, b.CompressLevel, false)
			if err != nil {
				return err
			}
			e.CRC = crc
			e.ReadSize = e.Size
			e.WriteSize = written
		}
		list = append(list, e)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := hm.Close(false); err != nil {
		t.Fatal(err)
	}

	list.SortByPathAsc()
	if err := cat.WriteContent(b.ID, list); err != nil {
		t.Fatal(err)
	}
	b.DataBytes = list.TotalSize()
	if err := cat.SetStatus(b, catalog.StatusOK); err != nil {
		t.Fatal(err)
	}
	return &BuiltBackup{Backup: b, List: list}
}

func orNone(alg string) string {
	if alg == "" {
		return page.CompressAlgNone
	}
	return alg
}

// NewCatalog creates an instance directory and catalog handle.
func NewCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "backups", "test")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	return catalog.New(dir, logger.NewNullLogger())
}

// SourceDir fabricates a small cluster-like tree: one relation with
// nBlocks pages at baseLSN, a pg_control, and a couple of plain files.
func SourceDir(t *testing.T, nBlocks int, baseLSN xlog.LSN) string {
	t.Helper()
	dir := t.TempDir()
	WriteRelation(t, filepath.Join(dir, "base", "13003", "16384"), nBlocks, baseLSN)
	WriteControlFileFixture(t, dir, &pg.ControlFile{
		SystemID: 42,
		Timeline: 1,
		Redo:     baseLSN,
	})
	if err := os.WriteFile(filepath.Join(dir, "PG_VERSION"), []byte("16\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "pg_wal"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "postgresql.conf"), []byte("# test\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return dir
}

// ID returns a catalog ID offset minutes from a fixed base, keeping
// chains strictly ordered.
func ID(minutes int) catalog.ID {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	return catalog.MakeID(base.Add(time.Duration(minutes) * time.Minute))
}

// CorruptFile flips one byte at off in path.
func CorruptFile(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var buf [1]byte
	if _, err := f.ReadAt(buf[:], off); err != nil {
		t.Fatal(err)
	}
	buf[0] ^= 0xFF
	if _, err := f.WriteAt(buf[:], off); err != nil {
		t.Fatal(err)
	}
}

// ReadFileBytes is a fatal-on-error ReadFile.
func ReadFileBytes(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
