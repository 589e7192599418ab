package validate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"pgbackup/internal/catalog"
	"pgbackup/internal/config"
	"pgbackup/internal/fileset"
	"pgbackup/internal/logger"
	"pgbackup/internal/page"
	"pgbackup/internal/walread"
)

// ErrCorrupt is wrapped into every validation failure that demotes a
// backup to CORRUPT.
var ErrCorrupt = errors.New("backup is corrupt")

// Engine validates backups: file presence, sizes, CRCs, per-page
// sanity, and WAL reachability between start and stop LSN.
type Engine struct {
	cat *catalog.Catalog
	cfg *config.Config
	log logger.Logger
}

// New creates a validation engine.
func New(cat *catalog.Catalog, cfg *config.Config, log logger.Logger) *Engine {
	return &Engine{cat: cat, cfg: cfg, log: log}
}

// Validate checks one backup and promotes DONE → OK on success. On
// failure the backup goes CORRUPT and its descendants ORPHAN. target,
// when non-nil, additionally verifies that the recovery target is
// reachable from this backup's WAL; an unreachable target is returned
// as an error without changing the backup's status.
func (e *Engine) Validate(ctx context.Context, b *catalog.Backup, target *walread.Target) error {
	op := e.log.StartOperation("validate")

	if b.Status != catalog.StatusOK && b.Status != catalog.StatusDone &&
		b.Status != catalog.StatusOrphan && b.Status != catalog.StatusMerging &&
		b.Status != catalog.StatusMerged {
		return fmt.Errorf("backup %s has status %s and cannot be validated: %w", b.ID, b.Status, ErrCorrupt)
	}

	list, err := e.cat.ReadContent(b.ID)
	if err != nil {
		return e.demote(b, fmt.Errorf("%w: %v", ErrCorrupt, err))
	}

	if err := e.validateFiles(ctx, b, list); err != nil {
		return e.demote(b, err)
	}
	if err := e.validateWAL(ctx, b, target); err != nil {
		if !errors.Is(err, ErrCorrupt) {
			// unreachable recovery target: the backup itself is intact
			return err
		}
		return e.demote(b, err)
	}

	if b.Status == catalog.StatusDone {
		if err := e.cat.SetStatus(b, catalog.StatusOK); err != nil {
			return err
		}
	}
	op.Complete("backup is valid", "backup", b.ID)
	return nil
}

// demote marks the backup CORRUPT and orphans its descendants.
func (e *Engine) demote(b *catalog.Backup, cause error) error {
	e.log.Error("Validation failed", "backup", b.ID, "error", cause)
	if err := e.cat.SetStatus(b, catalog.StatusCorrupt); err != nil {
		e.log.Error("Failed to record CORRUPT status", "backup", b.ID, "error", err)
	}
	if arena, err := e.cat.LoadArena(); err == nil {
		if err := e.cat.Orphanize(arena, b); err != nil {
			e.log.Error("Failed to orphan descendants", "backup", b.ID, "error", err)
		}
	}
	return cause
}

// validateFiles checks every regular file in parallel. All files are
// examined; the first error wins but the scan keeps going so the log
// names every corrupt file.
func (e *Engine) validateFiles(ctx context.Context, b *catalog.Backup, list fileset.List) error {
	work := make(fileset.List, 0, len(list))
	for _, entry := range list {
		if entry.IsDir() || entry.LinkTarget != "" {
			continue
		}
		if entry.WriteSize == fileset.InvalidWriteSize || entry.WriteSize == 0 {
			// inherited or empty: nothing stored in this backup
			continue
		}
		work = append(work, entry)
	}
	work.ResetClaims()

	jobs := e.cfg.Jobs
	if jobs < 1 {
		jobs = 1
	}
	var g errgroup.Group
	var firstErr error
	errOnce := make(chan error, len(work))
	for w := 0; w < jobs; w++ {
		g.Go(func() error {
			for _, entry := range work {
				if !entry.Claim() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := e.validateFile(b, entry); err != nil {
					e.log.Warn("Invalid file in backup", "backup", b.ID, "file", entry.Path, "error", err)
					errOnce <- err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	close(errOnce)
	for err := range errOnce {
		if firstErr == nil {
			firstErr = fmt.Errorf("%w: file %v", ErrCorrupt, err)
		}
	}
	return firstErr
}

// validateFile checks one stored file: existence, stored size, content
// CRC, and for datafiles the per-page records against the header map.
func (e *Engine) validateFile(b *catalog.Backup, entry *fileset.Entry) error {
	stored := e.storedPath(b, entry)
	info, err := os.Stat(stored)
	if err != nil {
		if os.IsNotExist(err) {
			info, err = os.Stat(stored + page.GzipSuffix)
		}
		if err != nil {
			return fmt.Errorf("%s: missing from backup: %v", entry.Path, err)
		}
	}
	if info.Size() != entry.WriteSize {
		return fmt.Errorf("%s: stored size %d does not match recorded %d", entry.Path, info.Size(), entry.WriteSize)
	}

	if !entry.IsDatafile || entry.IsCFS {
		crc, err := page.ChecksumStoredFile(stored)
		if err != nil {
			return fmt.Errorf("%s: %v", entry.Path, err)
		}
		if crc != entry.CRC {
			return fmt.Errorf("%s: CRC mismatch: recorded %08x, computed %08x", entry.Path, entry.CRC, crc)
		}
		return nil
	}
	return e.validateDatafile(b, entry, stored)
}

// validateDatafile walks the record stream, cross-checking each record
// against its header-map span and verifying every page decodes with a
// matching CRC.
func (e *Engine) validateDatafile(b *catalog.Backup, entry *fileset.Entry, stored string) error {
	headers, err := page.ReadHeaderSpan(e.cat.HeaderMapPath(b.ID), entry.HdrOff, entry.HdrLen)
	if err != nil {
		return fmt.Errorf("%s: header map: %v", entry.Path, err)
	}

	rc, err := page.OpenBackupFile(stored)
	if err != nil {
		return err
	}
	defer rc.Close()

	blockSize := b.BlockSize
	if blockSize == 0 {
		blockSize = page.DefaultBlockSize
	}

	i := 0
	lastBlock := int64(-1)
	for {
		hdr, payload, err := page.ReadRecord(rc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: %v", entry.Path, err)
		}
		if i >= len(headers) {
			return fmt.Errorf("%s: more records than header map entries", entry.Path)
		}
		if headers[i] != hdr {
			return fmt.Errorf("%s: record %d disagrees with header map", entry.Path, i)
		}
		if int64(hdr.BlockNo) <= lastBlock {
			return fmt.Errorf("%s: blocks out of order at record %d", entry.Path, i)
		}
		lastBlock = int64(hdr.BlockNo)
		if !entry.PageMap.IsSet(hdr.BlockNo) {
			return fmt.Errorf("%s: block %d outside the recorded pagemap", entry.Path, hdr.BlockNo)
		}
		if _, err := page.DecodePage(hdr, payload, blockSize); err != nil {
			return fmt.Errorf("%s: %v", entry.Path, err)
		}
		i++
	}
	if i != len(headers) {
		return fmt.Errorf("%s: %d records, header map has %d", entry.Path, i, len(headers))
	}
	if i != entry.PageMap.Count() {
		return fmt.Errorf("%s: %d records, pagemap marks %d blocks", entry.Path, i, entry.PageMap.Count())
	}
	return nil
}

func (e *Engine) storedPath(b *catalog.Backup, entry *fileset.Entry) string {
	if entry.ExternalDir == 0 {
		return filepath.Join(e.cat.DatabaseDir(b.ID), filepath.FromSlash(entry.Path))
	}
	return filepath.Join(e.cat.ExternalDir(b.ID, entry.ExternalDir), filepath.FromSlash(entry.Path))
}

// validateWAL replays (without applying) the backup's WAL range to
// prove the stop LSN — and optionally a recovery target — is
// reachable. Missing segments make the backup CORRUPT.
func (e *Engine) validateWAL(ctx context.Context, b *catalog.Backup, target *walread.Target) error {
	if !b.StartLSN.Valid() || !b.StopLSN.Valid() {
		// the orchestrator records both before DONE; their absence
		// means the metadata cannot be trusted
		return fmt.Errorf("%w: backup has no recorded WAL range (start %s, stop %s)",
			ErrCorrupt, b.StartLSN, b.StopLSN)
	}
	if b.StartLSN == b.StopLSN {
		// nothing happened during the backup; an empty range is
		// trivially reachable
		return nil
	}
	archiveDir := e.cfg.WalDir()
	if b.Stream {
		archiveDir = filepath.Join(e.cat.DatabaseDir(b.ID), "pg_wal")
	}
	reader := &walread.Reader{
		ArchiveDir: archiveDir,
		SegSize:    b.WalSegSize,
		Jobs:       e.cfg.Jobs,
		Log:        e.log,
	}
	iv := walread.Interval{TLI: b.TLI, Start: b.StartLSN, End: b.StopLSN}
	info, err := reader.Scan(ctx, iv, target, nil)
	if err != nil {
		return fmt.Errorf("%w: WAL between %s and %s unusable (possible WAL corruption): %v",
			ErrCorrupt, b.StartLSN, b.StopLSN, err)
	}
	if target != nil && !info.Found {
		if info.EndLSN < b.StopLSN {
			return fmt.Errorf("%w: WAL ends at %s before stop LSN %s", ErrCorrupt, info.EndLSN, b.StopLSN)
		}
		return fmt.Errorf("recovery target is beyond backup %s", b.ID)
	}
	if target == nil && info.EndLSN < b.StopLSN {
		return fmt.Errorf("%w: last WAL record ends at %s, stop LSN %s unreachable", ErrCorrupt, info.EndLSN, b.StopLSN)
	}
	return nil
}
