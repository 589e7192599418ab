package walread

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgbackup/internal/fileset"
	"pgbackup/internal/logger"
	"pgbackup/internal/xlog"
)

// small segments keep fixtures fast while still exercising page and
// segment crossings
const testSegSize = 64 * 1024

func testReader(dir string, jobs int) *Reader {
	return &Reader{ArchiveDir: dir, SegSize: testSegSize, Jobs: jobs, Log: logger.NewNullLogger()}
}

func relBlock(rel uint32, blk uint32) BlockRef {
	return BlockRef{SpcOid: 1663, DbOid: 13003, RelNode: rel, Fork: ForkMain, BlockNo: blk}
}

func TestScanCollectsRecords(t *testing.T) {
	dir := t.TempDir()
	w := newWalWriter(t, 1, testSegSize, 1)
	start := w.lsn()
	w.add(100, []BlockRef{relBlock(16384, 0)}, 16)
	w.add(101, []BlockRef{relBlock(16384, 7), relBlock(16384, 9)}, 16)
	w.add(102, []BlockRef{relBlock(16399, 2)}, 16)
	end := w.lsn()
	w.flush(dir)

	var seen []xlog.LSN
	info, err := testReader(dir, 1).Scan(context.Background(),
		Interval{TLI: 1, Start: start, End: end}, nil,
		func(rec *Record) error {
			seen = append(seen, rec.LSN)
			return nil
		})
	require.NoError(t, err)
	assert.Len(t, seen, 3)
	assert.Equal(t, end, info.EndLSN)
	assert.Equal(t, uint32(102), info.XID)
}

func TestScanBuildsPageMap(t *testing.T) {
	dir := t.TempDir()
	w := newWalWriter(t, 1, testSegSize, 1)
	start := w.lsn()
	w.add(100, []BlockRef{relBlock(16384, 0)}, 16)
	w.add(101, []BlockRef{relBlock(16384, 99), {SpcOid: 1663, DbOid: 13003, RelNode: 16384, Fork: ForkVM, BlockNo: 1}}, 16)
	// block beyond the first relation segment file lands in ".1"
	w.add(102, []BlockRef{relBlock(16384, RelSegBlocks+5)}, 16)
	w.addCommit(102, time.Now().UnixMicro())
	end := w.lsn()
	w.flush(dir)

	files := fileset.List{
		{Path: "base/13003/16384", IsDatafile: true},
		{Path: "base/13003/16384.1", IsDatafile: true, SegNo: 1},
	}
	files.SortByPathAsc()
	builder := NewPageMapBuilder(files)

	_, err := testReader(dir, 2).Scan(context.Background(),
		Interval{TLI: 1, Start: start, End: end}, nil,
		func(rec *Record) error {
			builder.Apply(rec)
			return nil
		})
	require.NoError(t, err)

	main := files.Search("base/13003/16384", 0)
	require.NotNil(t, main)
	assert.Equal(t, []uint32{0, 99}, main.PageMap.Blocks())

	seg1 := files.Search("base/13003/16384.1", 0)
	require.NotNil(t, seg1)
	assert.Equal(t, []uint32{5}, seg1.PageMap.Blocks())
}

func TestScanIdempotent(t *testing.T) {
	dir := t.TempDir()
	w := newWalWriter(t, 1, testSegSize, 1)
	start := w.lsn()
	for i := uint32(0); i < 50; i++ {
		w.add(100+i, []BlockRef{relBlock(16384, i%7)}, 32)
	}
	end := w.lsn()
	w.flush(dir)

	run := func() []uint32 {
		files := fileset.List{{Path: "base/13003/16384", IsDatafile: true}}
		builder := NewPageMapBuilder(files)
		_, err := testReader(dir, 3).Scan(context.Background(),
			Interval{TLI: 1, Start: start, End: end}, nil,
			func(rec *Record) error { builder.Apply(rec); return nil })
		require.NoError(t, err)
		return files[0].PageMap.Blocks()
	}
	first := run()
	second := run()
	assert.Equal(t, first, second)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6}, first)
}

func TestRecordCrossesSegmentBoundary(t *testing.T) {
	dir := t.TempDir()
	w := newWalWriter(t, 1, testSegSize, 1)
	start := w.lsn()
	// first a filler, then a record bigger than a segment
	w.add(100, []BlockRef{relBlock(16384, 1)}, 64)
	big := w.add(101, []BlockRef{relBlock(16384, 2)}, int(testSegSize)+5000)
	w.add(102, []BlockRef{relBlock(16384, 3)}, 64)
	end := w.lsn()
	w.flush(dir)

	require.Greater(t, uint64(end), uint64(xlog.SegmentStart(2, testSegSize)), "fixture must span segments")

	for _, jobs := range []int{1, 4} {
		var mu sync.Mutex
		var lsns []xlog.LSN
		_, err := testReader(dir, jobs).Scan(context.Background(),
			Interval{TLI: 1, Start: start, End: end}, nil,
			func(rec *Record) error {
				mu.Lock()
				lsns = append(lsns, rec.LSN)
				mu.Unlock()
				return nil
			})
		require.NoError(t, err, "jobs=%d", jobs)
		assert.Len(t, lsns, 3, "jobs=%d", jobs)
		assert.Contains(t, lsns, big)
	}
}

func TestScanGzipSegments(t *testing.T) {
	dir := t.TempDir()
	w := newWalWriter(t, 1, testSegSize, 1)
	start := w.lsn()
	for i := uint32(0); i < 400; i++ {
		w.add(100+i, []BlockRef{relBlock(16384, i)}, 128)
	}
	end := w.lsn()
	// compress every other segment
	firstSeg := xlog.SegmentNo(start, testSegSize)
	lastSeg := xlog.SegmentNo(end-1, testSegSize)
	var gzSegs []xlog.SegNo
	for s := firstSeg; s <= lastSeg; s += 2 {
		gzSegs = append(gzSegs, s)
	}
	w.flush(dir, gzSegs...)

	var count atomic.Int64
	_, err := testReader(dir, 2).Scan(context.Background(),
		Interval{TLI: 1, Start: start, End: end}, nil,
		func(rec *Record) error { count.Add(1); return nil })
	require.NoError(t, err)
	assert.Equal(t, int64(400), count.Load())
}

func TestMissingSegmentIsFatal(t *testing.T) {
	dir := t.TempDir()
	w := newWalWriter(t, 1, testSegSize, 1)
	start := w.lsn()
	for i := uint32(0); i < 300; i++ {
		w.add(100+i, []BlockRef{relBlock(16384, i)}, 512)
	}
	end := w.lsn()
	w.flush(dir)

	firstSeg := xlog.SegmentNo(start, testSegSize)
	lastSeg := xlog.SegmentNo(end-1, testSegSize)
	require.Greater(t, lastSeg, firstSeg+1, "fixture must span at least three segments")
	victim := filepath.Join(dir, xlog.SegmentFileName(1, firstSeg+1, testSegSize))
	require.NoError(t, os.Remove(victim))

	_, err := testReader(dir, 3).Scan(context.Background(),
		Interval{TLI: 1, Start: start, End: end}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSegmentMissing)
}

func TestTargetLSNFound(t *testing.T) {
	dir := t.TempDir()
	w := newWalWriter(t, 1, testSegSize, 1)
	start := w.lsn()
	w.add(100, []BlockRef{relBlock(16384, 0)}, 16)
	mid := w.add(101, []BlockRef{relBlock(16384, 1)}, 16)
	w.add(102, []BlockRef{relBlock(16384, 2)}, 16)
	end := w.lsn()
	w.flush(dir)

	info, err := testReader(dir, 1).Scan(context.Background(),
		Interval{TLI: 1, Start: start, End: end},
		&Target{LSN: mid + 1}, nil)
	require.NoError(t, err)
	assert.True(t, info.Found)
	assert.Equal(t, uint32(101), info.XID)

	// target past the very last record's end is unreachable
	info, err = testReader(dir, 1).Scan(context.Background(),
		Interval{TLI: 1, Start: start, End: end},
		&Target{LSN: end + 1}, nil)
	require.NoError(t, err)
	assert.False(t, info.Found)
	assert.Equal(t, end, info.EndLSN)

	// target exactly at the last record's end is reachable
	info, err = testReader(dir, 1).Scan(context.Background(),
		Interval{TLI: 1, Start: start, End: end},
		&Target{LSN: end}, nil)
	require.NoError(t, err)
	assert.True(t, info.Found)
}

func TestTargetTimeAndXID(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	w := newWalWriter(t, 1, testSegSize, 1)
	start := w.lsn()
	w.add(100, []BlockRef{relBlock(16384, 0)}, 16)
	w.addCommit(100, base.UnixMicro())
	w.add(101, []BlockRef{relBlock(16384, 1)}, 16)
	w.addCommit(101, base.Add(time.Minute).UnixMicro())
	end := w.lsn()
	w.flush(dir)

	info, err := testReader(dir, 1).Scan(context.Background(),
		Interval{TLI: 1, Start: start, End: end},
		&Target{Time: base.Add(30 * time.Second)}, nil)
	require.NoError(t, err)
	assert.True(t, info.Found)
	assert.Equal(t, uint32(101), info.XID)

	info, err = testReader(dir, 1).Scan(context.Background(),
		Interval{TLI: 1, Start: start, End: end},
		&Target{XID: 101}, nil)
	require.NoError(t, err)
	assert.True(t, info.Found)
}

func TestSpecialRelUpdateUnknownRmgrFatal(t *testing.T) {
	dir := t.TempDir()
	w := newWalWriter(t, 1, testSegSize, 1)
	start := w.lsn()
	w.appendRecord(w.encodeRecord(100, 200, infoSpecialRelUpdate|0x30, nil, nil))
	end := w.lsn()
	w.flush(dir)

	_, err := testReader(dir, 1).Scan(context.Background(),
		Interval{TLI: 1, Start: start, End: end}, nil, nil)
	assert.ErrorIs(t, err, ErrSpecialRelUpdate)
}

func TestIgnoredRmgrsProduceNoPages(t *testing.T) {
	dir := t.TempDir()
	w := newWalWriter(t, 1, testSegSize, 1)
	start := w.lsn()
	w.appendRecord(w.encodeRecord(100, RmDatabase, 0x00, []BlockRef{relBlock(16384, 4)}, nil))
	w.appendRecord(w.encodeRecord(101, RmSMGR, smgrCreate, []BlockRef{relBlock(16384, 5)}, nil))
	w.appendRecord(w.encodeRecord(102, RmSMGR, smgrTruncate, []BlockRef{relBlock(16384, 6)}, nil))
	end := w.lsn()
	w.flush(dir)

	files := fileset.List{{Path: "base/13003/16384", IsDatafile: true}}
	builder := NewPageMapBuilder(files)
	_, err := testReader(dir, 1).Scan(context.Background(),
		Interval{TLI: 1, Start: start, End: end}, nil,
		func(rec *Record) error { builder.Apply(rec); return nil })
	require.NoError(t, err)
	assert.True(t, files[0].PageMap == nil || files[0].PageMap.Empty())
}

func TestComputeIntervals(t *testing.T) {
	dir := t.TempDir()
	sw, _ := xlog.ParseLSN("0/5000000")
	history := "1\t0/5000000\tpromotion\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, xlog.HistoryFileName(2)), []byte(history), 0600))

	start, _ := xlog.ParseLSN("0/4000000")
	end, _ := xlog.ParseLSN("0/6000000")
	ivs, err := ComputeIntervals(dir, 2, 1, start, end)
	require.NoError(t, err)
	require.Len(t, ivs, 2)
	assert.Equal(t, Interval{TLI: 1, Start: start, End: sw}, ivs[0])
	assert.Equal(t, Interval{TLI: 2, Start: sw, End: end}, ivs[1])

	// same timeline collapses to one interval
	ivs, err = ComputeIntervals(dir, 2, 2, start, end)
	require.NoError(t, err)
	require.Len(t, ivs, 1)

	// unrelated timeline is rejected
	_, err = ComputeIntervals(dir, 2, 7, start, end)
	assert.Error(t, err)
}
