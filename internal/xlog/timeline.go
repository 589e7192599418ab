package xlog

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// HistoryEntry is one line of a timeline history file: the ancestor
// timeline and the LSN at which the child diverged from it.
type HistoryEntry struct {
	TLI         TimelineID
	SwitchPoint LSN
}

// TimelineHistory is the ancestry of one timeline, oldest first. The
// owning timeline itself is not listed; it begins at the last entry's
// switch point.
type TimelineHistory struct {
	TLI     TimelineID
	Entries []HistoryEntry
}

// ParseHistory parses the content of a .history file.
// Format per line: <parentTLI> <switchpoint> <reason>; comment lines
// start with '#'. The reason is free text and is ignored.
func ParseHistory(tli TimelineID, r io.Reader) (*TimelineHistory, error) {
	h := &TimelineHistory{TLI: tli}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("timeline %d history: malformed line %q", tli, line)
		}
		parent, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("timeline %d history: bad timeline id in %q: %w", tli, line, err)
		}
		lsn, err := ParseLSN(fields[1])
		if err != nil {
			return nil, fmt.Errorf("timeline %d history: %w", tli, err)
		}
		h.Entries = append(h.Entries, HistoryEntry{TLI: TimelineID(parent), SwitchPoint: lsn})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("timeline %d history: %w", tli, err)
	}
	sort.Slice(h.Entries, func(i, j int) bool { return h.Entries[i].TLI < h.Entries[j].TLI })
	return h, nil
}

// ParentAt returns the timeline that owns lsn according to the history:
// the first ancestor whose switch point lies beyond lsn, or the history's
// own timeline when lsn is past every switch point.
func (h *TimelineHistory) ParentAt(lsn LSN) TimelineID {
	for _, e := range h.Entries {
		if lsn < e.SwitchPoint {
			return e.TLI
		}
	}
	return h.TLI
}

// SwitchPointOf returns the LSN where child diverged from its parent,
// or InvalidLSN when child does not appear in the history.
func (h *TimelineHistory) SwitchPointOf(child TimelineID) LSN {
	if child == h.TLI && len(h.Entries) > 0 {
		return h.Entries[len(h.Entries)-1].SwitchPoint
	}
	for i, e := range h.Entries {
		if e.TLI == child && i > 0 {
			return h.Entries[i-1].SwitchPoint
		}
	}
	return InvalidLSN
}

// Contains reports whether ancestor appears in the history chain
// (the owning timeline counts as contained).
func (h *TimelineHistory) Contains(ancestor TimelineID) bool {
	if ancestor == h.TLI {
		return true
	}
	for _, e := range h.Entries {
		if e.TLI == ancestor {
			return true
		}
	}
	return false
}
