package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ChainResult classifies a walk from a backup to its FULL ancestor.
type ChainResult int

const (
	// ChainOK: every ancestor exists and is usable.
	ChainOK ChainResult = iota
	// ChainInvalid: an ancestor exists but is not OK/DONE.
	ChainInvalid
	// ChainBroken: an ancestor is missing from the catalog.
	ChainBroken
)

// FindFullAncestor follows parent pointers until a FULL backup.
// Returns ErrChainBroken when an intermediate parent is absent.
func FindFullAncestor(arena Arena, b *Backup) (*Backup, error) {
	cur := b
	for cur.Mode != ModeFull {
		parent, ok := arena[cur.Parent]
		if !ok {
			return nil, fmt.Errorf("backup %s: parent %s: %w", cur.ID, cur.Parent, ErrChainBroken)
		}
		cur = parent
	}
	return cur, nil
}

// ScanChain walks b's ancestry and reports the defect together with
// the oldest offending backup: for a break, the oldest backup still
// present; otherwise the oldest unusable ancestor. During merge
// recovery MERGING and MERGED parents still count as usable.
func ScanChain(arena Arena, b *Backup) (ChainResult, *Backup) {
	cur := b
	var invalid *Backup
	for cur.Mode != ModeFull {
		parent, ok := arena[cur.Parent]
		if !ok {
			return ChainBroken, cur
		}
		if !parent.Status.Usable() && parent.Status != StatusMerging && parent.Status != StatusMerged {
			invalid = parent
		}
		cur = parent
	}
	if invalid != nil {
		return ChainInvalid, invalid
	}
	return ChainOK, nil
}

// Chain collects [FULL, ..., b] oldest-first. Fails on any break;
// ancestor statuses are not checked (ScanChain does that).
func Chain(arena Arena, b *Backup) ([]*Backup, error) {
	var rev []*Backup
	cur := b
	for {
		rev = append(rev, cur)
		if cur.Mode == ModeFull {
			break
		}
		parent, ok := arena[cur.Parent]
		if !ok {
			return nil, fmt.Errorf("backup %s: parent %s: %w", cur.ID, cur.Parent, ErrChainBroken)
		}
		cur = parent
	}
	// reverse into oldest-first
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev, nil
}

// Descendants returns every backup whose ancestry includes parent,
// oldest-first.
func Descendants(arena Arena, parent *Backup) []*Backup {
	var out []*Backup
	for _, b := range arena {
		for cur := b; cur.Parent != NoID; {
			if cur.Parent == parent.ID {
				out = append(out, b)
				break
			}
			next, ok := arena[cur.Parent]
			if !ok {
				break
			}
			cur = next
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Orphanize marks every OK/DONE descendant of parent as ORPHAN and
// persists the change. Called when parent is invalidated (CORRUPT,
// ERROR, deletion).
func (c *Catalog) Orphanize(arena Arena, parent *Backup) error {
	for _, d := range Descendants(arena, parent) {
		if !d.Status.Usable() {
			continue
		}
		c.log.Warn("Orphaning descendant backup", "backup", d.ID, "invalidated_parent", parent.ID)
		if err := c.SetStatus(d, StatusOrphan); err != nil {
			return err
		}
	}
	return nil
}

// DeleteFiles removes a backup's directory bottom-up after marking it
// DELETING. The caller owns status bookkeeping in the arena.
func (c *Catalog) DeleteFiles(b *Backup) error {
	if err := c.SetStatus(b, StatusDeleting); err != nil {
		return err
	}
	dir := c.BackupDir(b.ID)
	// Collect paths depth-first so files go before their directories.
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("backup %s: failed to walk directory: %w", b.ID, err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("backup %s: failed to remove %s: %w", b.ID, p, err)
		}
	}
	b.Status = StatusDeleted
	return nil
}
