package walread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pgbackup/internal/logger"
	"pgbackup/internal/xlog"
)

// ErrSpecialRelUpdate flags a record that announces a special relation
// update and comes from a resource manager this reader does not know
// (an rmgr id above RmBtree); ignoring it could lose a page
// modification, so the run fails. Opcodes of known resource managers
// are not checked.
var ErrSpecialRelUpdate = errors.New("unrecognized record with special relation update")

// Target is a recovery target to validate reachability of. Exactly one
// of Time, XID, LSN is set; the zero Target means "scan everything".
type Target struct {
	Time time.Time
	XID  uint32
	LSN  xlog.LSN
}

func (t *Target) empty() bool {
	return t == nil || (t.Time.IsZero() && t.XID == 0 && !t.LSN.Valid())
}

// satisfiedBy reports whether rec reaches the target.
func (t *Target) satisfiedBy(rec *Record, recTime time.Time) bool {
	switch {
	case !t.Time.IsZero():
		return !recTime.IsZero() && !recTime.Before(t.Time)
	case t.XID != 0:
		return rec.XID == t.XID
	case t.LSN.Valid():
		return rec.EndLSN >= t.LSN
	default:
		return false
	}
}

// RecordInfo describes the record a scan stopped at (target hit) or
// the last valid record seen.
type RecordInfo struct {
	LSN    xlog.LSN
	EndLSN xlog.LSN
	XID    uint32
	Time   time.Time
	Found  bool
}

// Reader drives concurrent WAL scans over an archive directory.
type Reader struct {
	ArchiveDir string
	SegSize    uint64
	Jobs       int
	Log        logger.Logger
}

// segState tracks completion of claimed segments so a failing thread
// can apply the consistency rule: wait for all lower segments, then
// decide whether its own failure is real corruption or collateral.
type segState struct {
	mu    sync.Mutex
	cond  *sync.Cond
	done  map[xlog.SegNo]error
	first xlog.SegNo
}

func newSegState(first xlog.SegNo) *segState {
	s := &segState{done: make(map[xlog.SegNo]error), first: first}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *segState) finish(n xlog.SegNo, err error) {
	s.mu.Lock()
	s.done[n] = err
	s.mu.Unlock()
	s.cond.Broadcast()
}

// waitLower blocks until every segment in [first, n) finished; returns
// the first error among them, if any.
func (s *segState) waitLower(n xlog.SegNo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		pending := false
		for seg := s.first; seg < n; seg++ {
			err, ok := s.done[seg]
			if !ok {
				pending = true
				break
			}
			if err != nil {
				return err
			}
		}
		if !pending {
			return nil
		}
		s.cond.Wait()
	}
}

// Scan reads every record of one interval, invoking handle for each.
// With a non-empty target it stops at the first satisfying record.
// Returns info about the terminating (or last) record.
//
// Segments are claimed by atomic counter; each claimant reads records
// that *start* in its segment, cooperatively extending into the next
// segment when a record crosses the boundary.
func (r *Reader) Scan(ctx context.Context, iv Interval, target *Target, handle func(*Record) error) (RecordInfo, error) {
	segSize := r.SegSize
	if segSize == 0 {
		segSize = xlog.DefaultSegmentSize
	}
	jobs := r.Jobs
	if jobs < 1 {
		jobs = 1
	}

	firstSeg := xlog.SegmentNo(iv.Start, segSize)
	haveEnd := iv.End.Valid()
	var lastSeg xlog.SegNo
	if haveEnd {
		lastSeg = xlog.SegmentNo(iv.End-1, segSize)
	}

	var (
		nextSeg   atomic.Uint64
		targetSeg atomic.Uint64 // segment where the target was found + 1; 0 = not found
		state     = newSegState(firstSeg)

		resMu   sync.Mutex
		found   RecordInfo
		last    RecordInfo
		scanErr error
	)
	nextSeg.Store(uint64(firstSeg))

	noteLast := func(info RecordInfo) {
		resMu.Lock()
		if info.EndLSN > last.EndLSN {
			last = info
		}
		resMu.Unlock()
	}
	noteFound := func(info RecordInfo, seg xlog.SegNo) {
		resMu.Lock()
		if !found.Found || info.LSN < found.LSN {
			found = info
		}
		resMu.Unlock()
		// terminate readers of higher segments
		for {
			cur := targetSeg.Load()
			if cur != 0 && cur <= uint64(seg)+1 {
				return
			}
			if targetSeg.CompareAndSwap(cur, uint64(seg)+1) {
				return
			}
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for t := 0; t < jobs; t++ {
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				seg := xlog.SegNo(nextSeg.Add(1) - 1)
				if haveEnd && seg > lastSeg {
					return nil
				}
				if ts := targetSeg.Load(); ts != 0 && seg >= xlog.SegNo(ts) {
					// moot segment: mark it done so the consistency
					// rule never waits on it
					state.finish(seg, nil)
					return nil
				}
				err := r.scanSegment(ctx, iv, target, segSize, seg, firstSeg, haveEnd, handle, noteLast, noteFound)
				state.finish(seg, err)
				if err != nil {
					if errors.Is(err, ErrSegmentMissing) && !haveEnd {
						// open-ended scan ran past the archive tip
						return nil
					}
					// consistency rule: only report our failure when
					// every lower segment made it through cleanly
					if lowerErr := state.waitLower(seg); lowerErr != nil {
						return lowerErr
					}
					resMu.Lock()
					if scanErr == nil {
						scanErr = err
					}
					resMu.Unlock()
					return err
				}
			}
		})
	}
	err := g.Wait()
	resMu.Lock()
	defer resMu.Unlock()
	if scanErr != nil {
		err = scanErr
	}
	if err != nil {
		return last, err
	}
	if found.Found {
		return found, nil
	}
	return last, nil
}

// scanSegment processes the records starting in one claimed segment.
func (r *Reader) scanSegment(ctx context.Context, iv Interval, target *Target,
	segSize uint64, seg, firstSeg xlog.SegNo, haveEnd bool,
	handle func(*Record) error,
	noteLast func(RecordInfo), noteFound func(RecordInfo, xlog.SegNo)) error {

	data, path, err := openSegment(r.ArchiveDir, iv.TLI, seg, segSize)
	if err != nil {
		return err
	}
	r.Log.Debug("Scanning WAL segment", "segment", path)

	startLSN := xlog.SegmentStart(seg, segSize)
	if seg == firstSeg && iv.Start > startLSN {
		startLSN = iv.Start
	}
	it := NewIter(data, seg, segSize, startLSN)

	var segLast RecordInfo
	defer func() {
		if segLast.EndLSN.Valid() {
			noteLast(segLast)
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, err := it.NextRecord()
		if errors.Is(err, ErrNeedMoreSegment) {
			// a record that merely *starts* in a later segment belongs
			// to that segment's claimant; only one crossing out of our
			// claim is ours to finish
			if !it.Pending() {
				return nil
			}
			next := it.SegNo() + 1
			if haveEnd && xlog.SegmentStart(next, segSize) >= iv.End {
				return nil
			}
			nextData, _, err := openSegment(r.ArchiveDir, iv.TLI, next, segSize)
			if err != nil {
				return err
			}
			it.FeedSegment(nextData, next)
			continue
		}
		if errors.Is(err, ErrEndOfWAL) {
			if haveEnd && it.LastPos() < iv.End {
				return fmt.Errorf("segment %s: WAL ends at %s before %s: possible WAL corruption", path, it.LastPos(), iv.End)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if rec.LSN >= xlog.SegmentStart(seg+1, segSize) {
			// the record belongs to the next claimant
			return nil
		}
		if haveEnd && rec.LSN >= iv.End {
			return nil
		}
		if rec.Info&infoSpecialRelUpdate != 0 && !knownRmgr(rec.RmID) {
			return fmt.Errorf("record at %s rmgr %d opcode %02x: %w", rec.LSN, rec.RmID, rec.Opcode(), ErrSpecialRelUpdate)
		}
		if handle != nil {
			if err := handle(rec); err != nil {
				return err
			}
		}
		recTime := recordTime(rec)
		segLast = RecordInfo{LSN: rec.LSN, EndLSN: rec.EndLSN, XID: rec.XID, Time: recTime}
		if !target.empty() && target.satisfiedBy(rec, recTime) {
			info := segLast
			info.Found = true
			noteFound(info, seg)
			return nil
		}
	}
}

func knownRmgr(rm uint8) bool {
	return rm <= RmBtree
}

// recordTime extracts the commit/abort timestamp carried by
// transaction records (microseconds since the Unix epoch, first eight
// bytes of main data).
func recordTime(rec *Record) time.Time {
	if rec.RmID != RmXact || len(rec.MainData) < 8 {
		return time.Time{}
	}
	micros := int64(uint64(rec.MainData[0]) | uint64(rec.MainData[1])<<8 |
		uint64(rec.MainData[2])<<16 | uint64(rec.MainData[3])<<24 |
		uint64(rec.MainData[4])<<32 | uint64(rec.MainData[5])<<40 |
		uint64(rec.MainData[6])<<48 | uint64(rec.MainData[7])<<56)
	return time.UnixMicro(micros)
}
