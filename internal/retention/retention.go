package retention

import (
	"fmt"
	"sort"
	"time"

	"pgbackup/internal/catalog"
	"pgbackup/internal/logger"
)

// Policy defines the retention rules applied by delete --expired.
type Policy struct {
	// Redundancy keeps at least this many FULL backups (with their
	// chains) regardless of age. Zero disables the rule.
	Redundancy int
	// WindowDays keeps every backup younger than the window. Zero
	// disables the rule.
	WindowDays int
	DryRun     bool
}

// Enabled reports whether any rule is active.
func (p Policy) Enabled() bool {
	return p.Redundancy > 0 || p.WindowDays > 0
}

// Result describes one enforcement pass.
type Result struct {
	Deleted []catalog.ID
	Kept    []catalog.ID
}

// Apply enforces the policy. A backup is deleted only when it is
// expired, unpinned, and no live backup depends on it — a FULL with a
// retained descendant survives however old it is.
func Apply(cat *catalog.Catalog, arena catalog.Arena, policy Policy, now time.Time, log logger.Logger) (*Result, error) {
	if !policy.Enabled() {
		return nil, fmt.Errorf("no retention policy configured")
	}

	// newest-first ordering over all backups
	all := make([]*catalog.Backup, 0, len(arena))
	for _, b := range arena {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	cutoff := time.Time{}
	if policy.WindowDays > 0 {
		cutoff = now.AddDate(0, 0, -policy.WindowDays)
	}

	keep := make(map[catalog.ID]bool)
	fullsKept := 0
	for _, b := range all {
		switch {
		case b.Pinned(now):
			keep[b.ID] = true
		case policy.Redundancy > 0 && b.Mode == catalog.ModeFull && fullsKept < policy.Redundancy:
			keep[b.ID] = true
		case !cutoff.IsZero() && b.StartTime.After(cutoff):
			keep[b.ID] = true
		}
		if keep[b.ID] && b.Mode == catalog.ModeFull {
			fullsKept++
		}
	}

	// a kept backup keeps its whole ancestry
	for _, b := range all {
		if !keep[b.ID] {
			continue
		}
		for cur := b; cur.Parent != catalog.NoID; {
			parent, ok := arena[cur.Parent]
			if !ok {
				break
			}
			keep[parent.ID] = true
			cur = parent
		}
	}

	res := &Result{}
	// delete newest-first so a descendant is never left pointing at a
	// vanished parent mid-pass
	for _, b := range all {
		if keep[b.ID] {
			res.Kept = append(res.Kept, b.ID)
			continue
		}
		res.Deleted = append(res.Deleted, b.ID)
		if policy.DryRun {
			log.Info("Would delete expired backup", "backup", b.ID, "mode", b.Mode)
			continue
		}
		log.Info("Deleting expired backup", "backup", b.ID, "mode", b.Mode)
		if err := cat.DeleteFiles(b); err != nil {
			return res, err
		}
		delete(arena, b.ID)
	}
	return res, nil
}
