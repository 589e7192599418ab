package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"pgbackup/internal/catalog"
	"pgbackup/internal/config"
	"pgbackup/internal/fileset"
	"pgbackup/internal/fsio"
	"pgbackup/internal/logger"
	"pgbackup/internal/page"
	"pgbackup/internal/pg"
	"pgbackup/internal/progress"
	"pgbackup/internal/validate"
	"pgbackup/internal/walread"
	"pgbackup/internal/xlog"
)

// pgControlPath is copied strictly last: its checkpoint makes the rest
// of the image meaningful, so it must never land before the files it
// points into.
const pgControlPath = "global/pg_control"

// ErrNoParent: an incremental mode was requested but no usable parent
// exists. Never silently degraded to FULL; the operator asked for an
// incremental and must learn the chain is unusable.
var ErrNoParent = errors.New("no valid parent backup for incremental mode")

// ErrTimelineSwitch: the cluster moved to a new timeline since the
// parent backup in a way the mode cannot bridge.
var ErrTimelineSwitch = errors.New("parent backup is on a different timeline")

// Orchestrator drives one backup run through its state machine.
type Orchestrator struct {
	cfg *config.Config
	cat *catalog.Catalog
	log logger.Logger

	conn *pg.Conn

	// Interrupted is polled by workers on file and page boundaries;
	// the signal handler sets it.
	Interrupted atomic.Bool
}

// New creates a backup orchestrator.
func New(cfg *config.Config, cat *catalog.Catalog, conn *pg.Conn, log logger.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, cat: cat, conn: conn, log: log}
}

// Options for one run.
type Options struct {
	Mode     catalog.Mode
	Validate bool
	// ExpireTime pins the backup against retention until then.
	ExpireTime time.Time
}

// Run executes a backup:
//
//	INIT → LOCKED → STARTED → LISTED → PAGEMAP_READY →
//	       COPYING → STOPPED → FINALIZED → (VALIDATED → OK)
//
// Any failure past STARTED issues a best-effort stop-backup and moves
// the catalog entry to ERROR.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (b *catalog.Backup, err error) {
	op := o.log.StartOperation("backup")

	lock, err := o.cat.LockInstance()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	arena, err := o.cat.LoadArena()
	if err != nil {
		return nil, err
	}

	cf, err := pg.ReadControlFile(o.cfg.PGData)
	if err != nil {
		return nil, err
	}
	if err := o.checkCompatibility(ctx, cf); err != nil {
		return nil, err
	}

	b = &catalog.Backup{
		ID:              o.cat.NextID(arena),
		Mode:            opts.Mode,
		Status:          catalog.StatusRunning,
		BlockSize:       cf.BlockSize,
		WalBlockSize:    cf.WalBlockSize,
		WalSegSize:      uint64(cf.WalSegSize),
		ChecksumVersion: cf.ChecksumVersion,
		SystemID:        cf.SystemID,
		CompressAlg:     o.cfg.CompressAlg,
		CompressLevel:   o.cfg.CompressLevel,
		Stream:          o.cfg.Stream,
		ProgramVersion:  o.cfg.Version,
		ExpireTime:      opts.ExpireTime,
		ExternalDirs:    o.cfg.ExternalDirs,
	}
	b.StartTime, _ = b.ID.Time()

	if err := os.MkdirAll(o.cat.DatabaseDir(b.ID), 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	if err := o.cat.Write(b, true); err != nil {
		return nil, err
	}
	// from here on, failures demote the entry instead of leaving it
	// RUNNING forever
	defer func() {
		if err != nil {
			o.log.Error("Backup failed", "backup", b.ID, "error", err)
			if serr := o.cat.SetStatus(b, catalog.StatusError); serr != nil {
				o.log.Error("Failed to record ERROR status", "backup", b.ID, "error", serr)
			}
			op.Fail("backup aborted", "backup", b.ID)
		}
	}()

	// stream mode: launch the WAL-streaming helper before the backup
	// starts, so every record from start_lsn onward is captured under
	// the image's pg_wal
	var recv *walReceiver
	if o.cfg.Stream {
		recv = newWALReceiver(o.cfg, filepath.Join(o.cat.DatabaseDir(b.ID), "pg_wal"), o.log)
		if err = recv.Start(ctx); err != nil {
			return b, err
		}
		defer recv.Stop()
	}

	// start backup on the server
	fromReplica, err := o.conn.IsInRecovery(ctx)
	if err != nil {
		return b, err
	}
	b.FromReplica = fromReplica
	start, err := o.conn.Starter().StartBackup(ctx, "pgbackup "+string(b.ID), true)
	if err != nil {
		return b, err
	}
	b.StartLSN, b.TLI = start.LSN, start.TLI
	stopIssued := false
	defer func() {
		if err != nil && !stopIssued {
			// best-effort: leave the server out of backup mode
			if _, serr := o.conn.Starter().StopBackup(context.WithoutCancel(ctx)); serr != nil {
				o.log.Warn("stop-backup cleanup failed", "error", serr)
			}
		}
	}()
	o.log.Info("Backup started", "backup", b.ID, "mode", b.Mode, "tli", b.TLI, "start_lsn", b.StartLSN)

	// out-of-PGDATA tablespaces are only carried as links; their
	// content is not traversed, so surface them loudly
	if spcs, terr := o.conn.Tablespaces(ctx); terr == nil {
		for _, spc := range spcs {
			if !strings.HasPrefix(spc.Location, o.cfg.PGData) {
				o.log.Warn("Tablespace outside the data directory is not copied",
					"oid", spc.Oid, "location", spc.Location)
			}
		}
	}

	// parent resolution for incremental modes
	var (
		parent     *catalog.Backup
		parentList fileset.List
	)
	if opts.Mode != catalog.ModeFull {
		parent, parentList, err = o.resolveParent(arena, b)
		if err != nil {
			return b, err
		}
		b.Parent = parent.ID
	}

	// enumerate source files
	list, err := listCluster(o.cfg.PGData, o.cfg.ExternalDirs)
	if err != nil {
		return b, err
	}
	b.DataBytes = list.TotalSize()
	if err := o.cat.Write(b, false); err != nil {
		return b, err
	}

	// the datname map enables partial restore by name after the
	// server is long gone
	if dbs, derr := o.conn.DatabaseOIDs(ctx); derr != nil {
		o.log.Warn("Failed to record database map", "error", derr)
	} else if err := o.cat.WriteDatabaseMap(b.ID, dbs); err != nil {
		return b, err
	}

	// page-map preselection
	switch opts.Mode {
	case catalog.ModePage:
		if err := o.buildPageMapFromWAL(ctx, b, parent, list); err != nil {
			return b, err
		}
	case catalog.ModePtrack:
		if err := o.buildPageMapFromPtrack(ctx, parent, list); err != nil {
			return b, err
		}
	}

	// materialize directories ascending, then fan out workers
	if err := o.createDirs(b, list); err != nil {
		return b, err
	}
	hm, err := page.CreateHeaderMap(o.cat.HeaderMapPath(b.ID))
	if err != nil {
		return b, err
	}
	plan := &copyPlan{
		mode:        opts.Mode,
		blockSize:   b.BlockSize,
		parentList:  parentList,
		pgdata:      o.cfg.PGData,
		external:    o.cfg.ExternalDirs,
		destDir:     o.cat.BackupDir(b.ID),
		compress:    o.cfg.CompressAlg,
		level:       o.cfg.CompressLevel,
		sync:        !o.cfg.NoSync,
		interrupted: &o.Interrupted,
		headerMap:   hm,
	}
	if parent != nil {
		plan.threshold = parent.StartLSN
	}
	bar := progress.New(o.cfg.Progress, "backup", b.DataBytes)
	plan.progress = bar.Add
	poolErr := plan.runPool(o.cfg.Jobs, list)
	bar.Done()
	if poolErr != nil {
		hm.Close(false)
		return b, poolErr
	}

	// stop backup, then wait for the stop segment to reach the archive
	stop, err := o.conn.Starter().StopBackup(ctx)
	stopIssued = true
	if err != nil {
		hm.Close(false)
		return b, err
	}
	b.StopLSN = stop.LSN
	b.RecoveryTime = time.Now()
	if err := o.writeBackupLabel(b, stop); err != nil {
		hm.Close(false)
		return b, err
	}
	if err := o.waitWALArchived(ctx, b); err != nil {
		hm.Close(false)
		return b, err
	}
	if recv != nil {
		// join the streaming helper, then promote its trailing
		// .partial so the stream's tail carries the regular name
		if err := recv.Stop(); err != nil {
			hm.Close(false)
			return b, err
		}
		if err := finalizePartialWAL(filepath.Join(o.cat.DatabaseDir(b.ID), "pg_wal")); err != nil {
			hm.Close(false)
			return b, err
		}
	}

	// pg_control goes last, after every other file is complete
	if ctrl := list.Search(pgControlPath, 0); ctrl != nil {
		if err := o.copyControlFile(b, plan, ctrl); err != nil {
			hm.Close(false)
			return b, err
		}
	}
	if err := hm.Close(!o.cfg.NoSync); err != nil {
		return b, err
	}

	b.WriteBytes = plan.writeBytes.Load()
	b.EndTime = time.Now()
	list.SortByPathAsc()
	if err := o.cat.WriteContent(b.ID, list); err != nil {
		return b, err
	}
	if !o.cfg.NoSync {
		if err := fsio.SyncDir(o.cat.BackupDir(b.ID)); err != nil {
			return b, err
		}
	}
	if err := o.cat.SetStatus(b, catalog.StatusDone); err != nil {
		return b, err
	}
	o.log.Info("Backup completed", "backup", b.ID, "stop_lsn", b.StopLSN,
		"data_bytes", b.DataBytes, "write_bytes", b.WriteBytes)

	if opts.Validate {
		v := validate.New(o.cat, o.cfg, o.log)
		if err := v.Validate(ctx, b, nil); err != nil {
			return b, err
		}
	}
	op.Complete("backup done", "backup", b.ID)
	return b, nil
}

// checkCompatibility refuses to mix clusters or builds in one catalog.
func (o *Orchestrator) checkCompatibility(ctx context.Context, cf *pg.ControlFile) error {
	ic, err := config.LoadInstanceConfig(o.cat.Dir)
	if err != nil {
		return err
	}
	if ic != nil && ic.SystemID != 0 && ic.SystemID != cf.SystemID {
		return fmt.Errorf("system identifier mismatch: instance registered with %d, cluster reports %d",
			ic.SystemID, cf.SystemID)
	}
	sysid, err := o.conn.SystemID(ctx)
	if err != nil {
		return err
	}
	if sysid != cf.SystemID {
		return fmt.Errorf("system identifier mismatch: connection reports %d, pg_control has %d; is PGDATA pointing at the right cluster?",
			sysid, cf.SystemID)
	}
	return nil
}

// resolveParent picks the newest usable backup as parent and loads its
// file list. PAGE additionally requires the parent's timeline to be an
// ancestor of (or equal to) the current one; DELTA and PTRACK require
// equality.
func (o *Orchestrator) resolveParent(arena catalog.Arena, b *catalog.Backup) (*catalog.Backup, fileset.List, error) {
	var parent *catalog.Backup
	for _, cand := range arena {
		if cand.ID >= b.ID || !cand.Status.Usable() {
			continue
		}
		if parent == nil || cand.ID > parent.ID {
			parent = cand
		}
	}
	if parent == nil {
		return nil, nil, ErrNoParent
	}
	if res, bad := catalog.ScanChain(arena, parent); res != catalog.ChainOK {
		if bad != nil {
			return nil, nil, fmt.Errorf("parent chain through %s unusable: %w", bad.ID, ErrNoParent)
		}
		return nil, nil, ErrNoParent
	}
	if parent.TLI != b.TLI && b.Mode != catalog.ModePage {
		return nil, nil, fmt.Errorf("parent %s on timeline %d, current timeline %d: %w",
			parent.ID, parent.TLI, b.TLI, ErrTimelineSwitch)
	}
	list, err := o.cat.ReadContent(parent.ID)
	if err != nil {
		return nil, nil, err
	}
	list.SortByPathAsc()
	return parent, list, nil
}

// buildPageMapFromWAL scans [parent.stop, current.start) — across
// timelines when the cluster was promoted since the parent — and marks
// every touched main-fork block on the candidate file list.
func (o *Orchestrator) buildPageMapFromWAL(ctx context.Context, b, parent *catalog.Backup, list fileset.List) error {
	intervals, err := walread.ComputeIntervals(o.cfg.WalDir(), b.TLI, parent.TLI, parent.StopLSN, b.StartLSN)
	if err != nil {
		return err
	}
	builder := walread.NewPageMapBuilder(list)
	reader := &walread.Reader{
		ArchiveDir: o.cfg.WalDir(),
		SegSize:    b.WalSegSize,
		Jobs:       o.cfg.Jobs,
		Log:        o.log,
	}
	for _, iv := range intervals {
		o.log.Info("Extracting page map from WAL", "tli", iv.TLI, "start", iv.Start, "end", iv.End)
		if _, err := reader.Scan(ctx, iv, nil, func(rec *walread.Record) error {
			builder.Apply(rec)
			return nil
		}); err != nil {
			return fmt.Errorf("page map extraction failed: %w", err)
		}
	}
	if builder.Unmatched > 0 {
		o.log.Debug("WAL referenced relations outside the file list", "blocks", builder.Unmatched)
	}
	return nil
}

// buildPageMapFromPtrack asks the ptrack extension for changed blocks
// since the parent's start.
func (o *Orchestrator) buildPageMapFromPtrack(ctx context.Context, parent *catalog.Backup, list fileset.List) error {
	version, err := o.conn.PtrackVersion(ctx)
	if err != nil {
		return err
	}
	if version == "" {
		return fmt.Errorf("ptrack extension is not installed on the server")
	}
	maps, err := o.conn.PtrackPageMaps(ctx, parent.StartLSN)
	if err != nil {
		return err
	}
	for relPath, pm := range maps {
		if e := list.Search(relPath, 0); e != nil {
			if e.PageMap == nil {
				e.PageMap = &fileset.PageMap{}
			}
			e.PageMap.Union(pm)
		}
	}
	return nil
}

// createDirs materializes directories and symlink placeholders in
// ascending path order before any worker runs.
func (o *Orchestrator) createDirs(b *catalog.Backup, list fileset.List) error {
	plan := &copyPlan{destDir: o.cat.BackupDir(b.ID)}
	for _, e := range list {
		switch {
		case e.IsDir():
			if err := os.MkdirAll(plan.destPath(e), 0700); err != nil {
				return fmt.Errorf("failed to create %s: %w", e.Path, err)
			}
		case e.LinkTarget != "":
			// tablespace links become plain directories in the image;
			// restore re-links them from the entry
			if err := os.MkdirAll(plan.destPath(e), 0700); err != nil {
				return fmt.Errorf("failed to create %s: %w", e.Path, err)
			}
		}
	}
	return nil
}

// writeBackupLabel stores the server-provided label and tablespace map
// inside the image so a restored directory can begin recovery.
func (o *Orchestrator) writeBackupLabel(b *catalog.Backup, stop pg.StopResult) error {
	if stop.Label == "" {
		return nil
	}
	dir := o.cat.DatabaseDir(b.ID)
	if err := fsio.WriteFileAtomic(filepath.Join(dir, "backup_label"), []byte(stop.Label), 0600, !o.cfg.NoSync); err != nil {
		return err
	}
	if stop.TablespaceMap != "" {
		return fsio.WriteFileAtomic(filepath.Join(dir, "tablespace_map"), []byte(stop.TablespaceMap), 0600, !o.cfg.NoSync)
	}
	return nil
}

// waitWALArchived blocks until the segment containing stop LSN shows
// up in the archive (or, for stream backups, under the image's pg_wal),
// bounded by the configured timeout.
func (o *Orchestrator) waitWALArchived(ctx context.Context, b *catalog.Backup) error {
	segNo := xlog.SegmentNo(b.StopLSN, b.WalSegSize)
	name := xlog.SegmentFileName(b.TLI, segNo, b.WalSegSize)
	var dirs []string
	if b.Stream {
		dirs = []string{filepath.Join(o.cat.DatabaseDir(b.ID), "pg_wal")}
	} else {
		dirs = []string{o.cfg.WalDir()}
	}
	// nudge the server so the stop segment leaves pg_wal now rather
	// than at the next natural switch; the receiver (or archiver)
	// completes it on that switch
	if _, serr := o.conn.SwitchWAL(ctx); serr != nil {
		o.log.Debug("pg_switch_wal failed (replica?)", "error", serr)
	}
	// a stream backup's last segment may legitimately stay .partial
	// until the receiver is joined
	return waitForWALFile(ctx, dirs, name, b.Stream, &o.Interrupted, o.cfg.ArchiveTimeout)
}

// waitForWALFile polls dirs until name (or an accepted variant of it)
// shows up, bounded by timeout and the interrupt flag.
func waitForWALFile(ctx context.Context, dirs []string, name string, acceptPartial bool,
	interrupted *atomic.Bool, timeout time.Duration) error {

	suffixes := []string{"", page.GzipSuffix}
	if acceptPartial {
		suffixes = append(suffixes, ".partial")
	}
	deadline := time.Now().Add(timeout)
	for {
		for _, dir := range dirs {
			for _, suffix := range suffixes {
				if _, err := os.Stat(filepath.Join(dir, name+suffix)); err == nil {
					return nil
				}
			}
		}
		if interrupted != nil && interrupted.Load() {
			return page.ErrInterrupted
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("WAL segment %s was not archived within %s", name, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// copyControlFile snapshots pg_control after everything else. For a
// replica-sourced backup the minimum recovery point is bumped to the
// stop LSN before the image copy is written, so the stored file is
// already consistent.
func (o *Orchestrator) copyControlFile(b *catalog.Backup, plan *copyPlan, e *fileset.Entry) error {
	src := filepath.Join(o.cfg.PGData, filepath.FromSlash(pgControlPath))
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if b.FromReplica {
		cf, err := pg.ParseControlFile(data)
		if err != nil {
			return err
		}
		cf.MinRecoveryLSN = b.StopLSN
		cf.MinRecoveryTLI = b.TLI
		data = pg.MarshalControlFile(cf)
	}
	written, crc, err := plan.writeRaw(e, data)
	if err != nil {
		return err
	}
	e.Size = int64(len(data))
	e.ReadSize = int64(len(data))
	e.WriteSize = written
	e.CRC = crc
	e.MTime = time.Now()
	plan.readBytes.Add(e.ReadSize)
	plan.writeBytes.Add(written)
	return nil
}
