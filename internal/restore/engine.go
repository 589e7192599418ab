package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"pgbackup/internal/catalog"
	"pgbackup/internal/config"
	"pgbackup/internal/fileset"
	"pgbackup/internal/fsio"
	"pgbackup/internal/logger"
	"pgbackup/internal/progress"
	"pgbackup/internal/validate"
)

// IncrementalMode selects how an existing destination directory is
// reused.
type IncrementalMode int

const (
	// IncrementalNone: fresh restore into an empty directory.
	IncrementalNone IncrementalMode = iota
	// IncrementalChecksum: skip pages whose on-disk checksum matches
	// the backup's page record.
	IncrementalChecksum
	// IncrementalLSN: skip pages older than the shift LSN.
	IncrementalLSN
)

// Sentinel errors.
var (
	ErrDestNotEmpty = errors.New("destination directory is not empty")
	ErrLSNRefused   = errors.New("LSN-based incremental restore is not applicable to this destination")
)

// Options configures one restore run.
type Options struct {
	TargetID    catalog.ID
	DestDir     string
	Incremental IncrementalMode
	// Recovery, when non-nil, writes recovery directives after files
	// are in place.
	Recovery *RecoveryOptions
	// DBExclude/DBInclude filter database OIDs; excluded databases
	// leave zero-length placeholder files behind.
	DBExclude []uint32
	DBInclude []uint32
	// ExternalRemap maps external-directory index to a new root.
	ExternalRemap map[int]string
	// TablespaceRemap maps a tablespace OID's old location to a new
	// one; pg_tblspc symlinks are rewritten accordingly.
	TablespaceRemap map[string]string
	NoValidate      bool
	// Force allows restoring into a non-empty directory in fresh mode
	// after the operator confirmed a cleanup.
	Force bool
}

// Engine rebuilds a data directory from a backup chain.
type Engine struct {
	cfg *config.Config
	cat *catalog.Catalog
	log logger.Logger

	// Interrupted is polled on file and page boundaries.
	Interrupted atomic.Bool
}

// New creates a restore engine.
func New(cfg *config.Config, cat *catalog.Catalog, log logger.Logger) *Engine {
	return &Engine{cfg: cfg, cat: cat, log: log}
}

// Run restores the chain ending at opts.TargetID into opts.DestDir.
func (e *Engine) Run(ctx context.Context, opts Options) error {
	op := e.log.StartOperation("restore")

	arena, err := e.cat.LoadArena()
	if err != nil {
		return err
	}
	target, ok := arena[opts.TargetID]
	if !ok {
		return fmt.Errorf("backup %s: %w", opts.TargetID, catalog.ErrNotFound)
	}
	chain, err := catalog.Chain(arena, target)
	if err != nil {
		return err
	}

	// shared locks over the whole chain: merges and deletes stay out,
	// other readers stay welcome
	for _, b := range chain {
		lock, err := e.cat.LockBackup(b.ID, true)
		if err != nil {
			return err
		}
		defer lock.Unlock()
	}

	if !opts.NoValidate {
		v := validate.New(e.cat, e.cfg, e.log)
		for _, b := range chain {
			if err := v.Validate(ctx, b, nil); err != nil {
				return fmt.Errorf("chain member %s failed validation: %w", b.ID, err)
			}
		}
	}

	list, err := e.cat.ReadContent(target.ID)
	if err != nil {
		return err
	}
	list.SortByPathAsc()

	plan := &restorePlan{
		engine:  e,
		target:  target,
		chain:   chain,
		list:    list,
		destDir: opts.DestDir,
		opts:    &opts,
	}
	if err := plan.loadChainContents(); err != nil {
		return err
	}

	switch opts.Incremental {
	case IncrementalNone:
		if err := checkDestEmpty(opts.DestDir, opts.Force); err != nil {
			return err
		}
	case IncrementalLSN:
		if err := plan.computeShiftLSN(); err != nil {
			return err
		}
		e.log.Info("LSN-based incremental restore", "shift_lsn", plan.shiftLSN)
	case IncrementalChecksum:
		if target.ChecksumVersion == 0 {
			return fmt.Errorf("checksum-based incremental restore requires block checksums on the source cluster")
		}
	}

	if err := plan.createDirs(); err != nil {
		return err
	}
	plan.bar = progress.New(e.cfg.Progress, "restore", list.TotalSize())
	err = plan.restoreFiles(ctx, e.cfg.Jobs)
	plan.bar.Done()
	if err != nil {
		return err
	}
	// pg_control is finalized strictly last; until then a crashed
	// restore leaves no directory the server would mistake for whole
	if err := plan.finalizeControlFile(); err != nil {
		return err
	}
	if opts.Recovery != nil {
		if err := e.writeRecoveryConf(opts.DestDir, target, opts.Recovery); err != nil {
			return err
		}
	}
	if !e.cfg.NoSync {
		if err := fsio.SyncDir(opts.DestDir); err != nil {
			return err
		}
	}
	op.Complete("restore done", "backup", target.ID, "dest", opts.DestDir)
	return nil
}

// checkDestEmpty enforces the fresh-mode precondition.
func checkDestEmpty(dir string, force bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0700)
		}
		return fmt.Errorf("failed to read destination %s: %w", dir, err)
	}
	if len(entries) == 0 {
		return nil
	}
	if !force {
		return fmt.Errorf("%s: %w", dir, ErrDestNotEmpty)
	}
	for _, ent := range entries {
		if err := os.RemoveAll(filepath.Join(dir, ent.Name())); err != nil {
			return fmt.Errorf("failed to clean destination: %w", err)
		}
	}
	return nil
}

// excludedDB reports whether a database OID is filtered out.
func (o *Options) excludedDB(oid uint32) bool {
	if oid == 0 {
		return false
	}
	for _, x := range o.DBExclude {
		if x == oid {
			return true
		}
	}
	if len(o.DBInclude) > 0 {
		for _, x := range o.DBInclude {
			if x == oid {
				return false
			}
		}
		return true
	}
	return false
}

// destRoot resolves where an entry lands, honoring external remaps.
func (o *Options) destRoot(destDir string, externalDir int, fallback []string) (string, error) {
	if externalDir == 0 {
		return destDir, nil
	}
	if remapped, ok := o.ExternalRemap[externalDir]; ok {
		return remapped, nil
	}
	if externalDir <= len(fallback) {
		return fallback[externalDir-1], nil
	}
	return "", fmt.Errorf("external directory %d has no destination (use a remap)", externalDir)
}

// restoreFiles fans workers over the target's file list.
func (p *restorePlan) restoreFiles(ctx context.Context, jobs int) error {
	work := make(fileset.List, 0, len(p.list))
	for _, entry := range p.list {
		if entry.IsDir() || entry.LinkTarget != "" {
			continue
		}
		if entry.ExternalDir == 0 && entry.Path == controlFilePath {
			continue
		}
		work = append(work, entry)
	}
	work.SortBySizeDesc()
	work.ResetClaims()

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
				if p.engine.Interrupted.Load() {
					return fmt.Errorf("restore interrupted")
				}
				if err := p.restoreEntry(entry); err != nil {
					return fmt.Errorf("file %s: %w", entry.Path, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
