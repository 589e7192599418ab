package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pgbackup/internal/catalog"
	"pgbackup/internal/config"
	"pgbackup/internal/fsio"
	"pgbackup/internal/logger"
	"pgbackup/internal/validate"
)

// ErrIncompatibleChain refuses merges across mixed compression
// settings; folding a gzip incremental into a plain FULL in place
// would leave a backup whose recorded algorithm matches only half its
// files.
var ErrIncompatibleChain = errors.New("chain members have incompatible storage settings")

// Engine folds an incremental backup down into its FULL ancestor. The
// FULL backup is mutated in place and finally assumes the incremental's
// identity. Every step is resumable: the pair of statuses
// (FULL=MERGING/MERGED, merge_dest) plus directory existence pins down
// how far a crashed merge got.
type Engine struct {
	cfg *config.Config
	cat *catalog.Catalog
	log logger.Logger
}

// New creates a merge engine.
func New(cfg *config.Config, cat *catalog.Catalog, log logger.Logger) *Engine {
	return &Engine{cfg: cfg, cat: cat, log: log}
}

// Run merges the chain [FULL … dest] into one FULL backup with dest's
// identity. destID may name a backup that no longer exists when
// resuming a crashed merge past its deletion point.
func (e *Engine) Run(ctx context.Context, destID catalog.ID) error {
	op := e.log.StartOperation("merge")

	lock, err := e.cat.LockInstance()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	arena, err := e.cat.LoadArena()
	if err != nil {
		return err
	}

	dest, destExists := arena[destID]
	if !destExists {
		// the only legitimate way to ask for a missing backup is a
		// crashed merge whose destination was already consumed
		full := findInterruptedMerge(arena, destID)
		if full == nil {
			return fmt.Errorf("backup %s: %w", destID, catalog.ErrNotFound)
		}
		e.log.Warn("Resuming interrupted merge past destination deletion", "full", full.ID, "dest", destID)
		return e.finalize(full, nil, destID)
	}

	chain, err := catalog.Chain(arena, dest)
	if err != nil {
		return err
	}
	full := chain[0]
	if full.ID == dest.ID {
		return fmt.Errorf("backup %s is already a FULL backup", dest.ID)
	}
	for _, b := range chain {
		if b.CompressAlg != full.CompressAlg {
			return fmt.Errorf("%s uses %q, FULL uses %q: %w", b.ID, b.CompressAlg, full.CompressAlg, ErrIncompatibleChain)
		}
		if b.BlockSize != full.BlockSize {
			return fmt.Errorf("%s block size %d, FULL %d: %w", b.ID, b.BlockSize, full.BlockSize, ErrIncompatibleChain)
		}
	}

	resuming := full.Status == catalog.StatusMerging || full.Status == catalog.StatusMerged
	if resuming && full.MergeDest != dest.ID {
		return fmt.Errorf("FULL %s has an unfinished merge with %s, not %s", full.ID, full.MergeDest, dest.ID)
	}

	// validate the whole chain before touching anything, unless a
	// previous attempt already tore the statuses
	if !resuming {
		v := validate.New(e.cat, e.cfg, e.log)
		for _, b := range chain {
			if err := v.Validate(ctx, b, nil); err != nil {
				return fmt.Errorf("chain member %s failed validation: %w", b.ID, err)
			}
		}
	}

	if full.Status != catalog.StatusMerged {
		// mark: FULL first (with merge_dest), then the rest, so a
		// crash always leaves the destination discoverable
		full.MergeDest = dest.ID
		if err := e.cat.SetStatus(full, catalog.StatusMerging); err != nil {
			return err
		}
		for _, b := range chain[1:] {
			if b.Status != catalog.StatusMerging {
				if err := e.cat.SetStatus(b, catalog.StatusMerging); err != nil {
					return err
				}
			}
		}

		if err := e.mergeFiles(ctx, full, dest, chain); err != nil {
			return err
		}
		if err := e.cat.SetStatus(full, catalog.StatusMerged); err != nil {
			return err
		}
	}

	if err := e.finalize(full, chain[1:], dest.ID); err != nil {
		return err
	}
	op.Complete("merge done", "backup", dest.ID)
	return nil
}

// findInterruptedMerge locates a FULL whose merge_dest names destID.
func findInterruptedMerge(arena catalog.Arena, destID catalog.ID) *catalog.Backup {
	for _, b := range arena {
		if b.Mode == catalog.ModeFull && b.MergeDest == destID &&
			(b.Status == catalog.StatusMerging || b.Status == catalog.StatusMerged) {
			return b
		}
	}
	return nil
}

// finalize runs the post-MERGED tail: delete consumed incrementals
// bottom-up, rename the FULL directory to the destination's id, and
// rewrite its identity. Each step is a no-op when a previous attempt
// already did it.
func (e *Engine) finalize(full *catalog.Backup, consumed []*catalog.Backup, destID catalog.ID) error {
	for _, b := range consumed {
		if _, err := os.Stat(e.cat.BackupDir(b.ID)); os.IsNotExist(err) {
			continue
		}
		e.log.Info("Removing merged incremental", "backup", b.ID)
		if err := e.cat.DeleteFiles(b); err != nil {
			return err
		}
	}

	oldDir := e.cat.BackupDir(full.ID)
	newDir := e.cat.BackupDir(destID)
	if _, err := os.Stat(oldDir); err == nil {
		if err := os.Rename(oldDir, newDir); err != nil {
			return fmt.Errorf("failed to rename merged backup: %w", err)
		}
		if err := fsio.SyncDir(filepath.Dir(newDir)); err != nil {
			return err
		}
	}

	// the FULL assumes the destination's identity
	merged := *full
	merged.ID = destID
	merged.Mode = catalog.ModeFull
	merged.Parent = catalog.NoID
	merged.MergeDest = catalog.NoID
	merged.Status = catalog.StatusOK
	merged.StartTime, _ = destID.Time()
	if err := e.cat.Write(&merged, true); err != nil {
		return err
	}
	e.log.Info("Merge complete", "backup", destID)
	return nil
}
