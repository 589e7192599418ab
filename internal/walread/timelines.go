package walread

import (
	"fmt"
	"os"
	"path/filepath"

	"pgbackup/internal/xlog"
)

// Interval is a WAL range to scan on one timeline. End may be invalid
// for "to the latest available".
type Interval struct {
	TLI   xlog.TimelineID
	Start xlog.LSN
	End   xlog.LSN
}

// LoadHistory reads a timeline's history file from the archive.
// Timeline 1 has no history file and yields an empty ancestry.
func LoadHistory(archiveDir string, tli xlog.TimelineID) (*xlog.TimelineHistory, error) {
	if tli == 1 {
		return &xlog.TimelineHistory{TLI: 1}, nil
	}
	path := filepath.Join(archiveDir, xlog.HistoryFileName(tli))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline history: %w", err)
	}
	defer f.Close()
	return xlog.ParseHistory(tli, f)
}

// ComputeIntervals splits [start, end) into per-timeline ranges by
// walking the current timeline's history oldest-first, from fromTLI
// up to currentTLI. Used when a PAGE backup's parent lives on an older
// timeline.
func ComputeIntervals(archiveDir string, currentTLI, fromTLI xlog.TimelineID,
	start, end xlog.LSN) ([]Interval, error) {

	if currentTLI == fromTLI {
		return []Interval{{TLI: currentTLI, Start: start, End: end}}, nil
	}
	history, err := LoadHistory(archiveDir, currentTLI)
	if err != nil {
		return nil, err
	}
	if !history.Contains(fromTLI) {
		return nil, fmt.Errorf("timeline %d is not an ancestor of timeline %d", fromTLI, currentTLI)
	}

	// ancestry on the path from fromTLI up to currentTLI, with each
	// timeline's end bounded by the next switch point
	var intervals []Interval
	lo := start
	for _, e := range history.Entries {
		if e.TLI < fromTLI {
			continue
		}
		hi := e.SwitchPoint
		if hi > lo {
			intervals = append(intervals, Interval{TLI: e.TLI, Start: lo, End: hi})
			lo = hi
		}
	}
	intervals = append(intervals, Interval{TLI: currentTLI, Start: lo, End: end})
	return intervals, nil
}
