package walread

import (
	"compress/gzip"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pgbackup/internal/xlog"
)

// walWriter builds a synthetic WAL stream for one timeline, starting
// at a segment boundary, with correct page framing and continuation
// bookkeeping, then splits it into segment files.
type walWriter struct {
	t       *testing.T
	tli     xlog.TimelineID
	segSize uint64
	start   xlog.LSN
	data    []byte
	prev    xlog.LSN
}

func newWalWriter(t *testing.T, tli xlog.TimelineID, segSize uint64, firstSeg xlog.SegNo) *walWriter {
	return &walWriter{t: t, tli: tli, segSize: segSize, start: xlog.SegmentStart(firstSeg, segSize)}
}

func (w *walWriter) lsn() xlog.LSN {
	return w.start + xlog.LSN(len(w.data))
}

// pageHeaderIfNeeded inserts a page header at a page boundary. rem is
// the number of record bytes still pending (0 when between records).
func (w *walWriter) pageHeaderIfNeeded(rem uint32) {
	if uint64(w.lsn())%xlog.WalBlockSize != 0 {
		return
	}
	long := uint64(w.lsn())%w.segSize == 0
	size := pageHeaderSize
	info := uint16(0)
	if long {
		info |= pageInfoLong
		size = longPageHeaderSize
	}
	if rem > 0 {
		info |= pageInfoContRecord
	}
	hdr := make([]byte, size)
	binary.LittleEndian.PutUint16(hdr[0:2], pageMagic)
	binary.LittleEndian.PutUint16(hdr[2:4], info)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(w.tli))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(w.lsn()))
	binary.LittleEndian.PutUint32(hdr[16:20], rem)
	if long {
		binary.LittleEndian.PutUint64(hdr[24:32], 42)
		binary.LittleEndian.PutUint32(hdr[32:36], uint32(w.segSize))
		binary.LittleEndian.PutUint32(hdr[36:40], xlog.WalBlockSize)
	}
	w.data = append(w.data, hdr...)
}

func (w *walWriter) pageSpace() int {
	pos := uint64(w.lsn())
	pageEnd := (pos/xlog.WalBlockSize + 1) * xlog.WalBlockSize
	return int(pageEnd - pos)
}

// appendRecord frames one encoded record into the stream and returns
// its start LSN.
func (w *walWriter) appendRecord(rec []byte) xlog.LSN {
	// records start 8-aligned, never inside a page header
	w.pageHeaderIfNeeded(0)
	for uint64(w.lsn())%8 != 0 {
		w.data = append(w.data, 0)
		w.pageHeaderIfNeeded(0)
	}
	w.pageHeaderIfNeeded(0)
	start := w.lsn()

	rem := len(rec)
	for rem > 0 {
		w.pageHeaderIfNeeded(uint32(rem))
		space := w.pageSpace()
		n := rem
		if n > space {
			n = space
		}
		w.data = append(w.data, rec[len(rec)-rem:len(rec)-rem+n]...)
		rem -= n
	}
	w.prev = start
	return start
}

// encodeRecord builds a record image the decoder accepts.
func (w *walWriter) encodeRecord(xid uint32, rmID, info uint8, blocks []BlockRef, mainData []byte) []byte {
	var body []byte
	var last *BlockRef
	for i := range blocks {
		ref := blocks[i]
		sameRel := last != nil && last.SpcOid == ref.SpcOid && last.DbOid == ref.DbOid && last.RelNode == ref.RelNode
		forkFlags := ref.Fork & blockForkMask
		if sameRel {
			forkFlags |= blockFlagSameRel
		}
		body = append(body, uint8(i), forkFlags)
		var blk [4]byte
		binary.LittleEndian.PutUint32(blk[:], ref.BlockNo)
		body = append(body, blk[:]...)
		if !sameRel {
			var rel [12]byte
			binary.LittleEndian.PutUint32(rel[0:4], ref.SpcOid)
			binary.LittleEndian.PutUint32(rel[4:8], ref.DbOid)
			binary.LittleEndian.PutUint32(rel[8:12], ref.RelNode)
			body = append(body, rel[:]...)
		}
		last = &blocks[i]
	}
	body = append(body, blockListEnd)
	var mlen [4]byte
	binary.LittleEndian.PutUint32(mlen[:], uint32(len(mainData)))
	body = append(body, mlen[:]...)
	body = append(body, mainData...)

	rec := make([]byte, recordHeaderSize+len(body))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(len(rec)))
	binary.LittleEndian.PutUint32(rec[4:8], xid)
	binary.LittleEndian.PutUint64(rec[8:16], uint64(w.prev))
	rec[16] = info
	rec[17] = rmID
	copy(rec[recordHeaderSize:], body)
	crc := crc32.Checksum(body, walCRCTable)
	crc = crc32.Update(crc, walCRCTable, rec[0:20])
	binary.LittleEndian.PutUint32(rec[20:24], crc)
	return rec
}

// add appends a heap-style record touching the given blocks.
func (w *walWriter) add(xid uint32, blocks []BlockRef, mainLen int) xlog.LSN {
	return w.appendRecord(w.encodeRecord(xid, RmHeap, 0x10, blocks, make([]byte, mainLen)))
}

// addCommit appends a transaction record carrying a commit timestamp
// (microseconds).
func (w *walWriter) addCommit(xid uint32, unixMicro int64) xlog.LSN {
	md := make([]byte, 8)
	binary.LittleEndian.PutUint64(md, uint64(unixMicro))
	return w.appendRecord(w.encodeRecord(xid, RmXact, 0x00, nil, md))
}

// flush writes the stream into segment files under dir, zero-padding
// the last segment. gzSegs lists segment numbers stored compressed.
func (w *walWriter) flush(dir string, gzSegs ...xlog.SegNo) {
	w.t.Helper()
	gz := map[xlog.SegNo]bool{}
	for _, s := range gzSegs {
		gz[s] = true
	}
	firstSeg := xlog.SegmentNo(w.start, w.segSize)
	nSegs := (uint64(len(w.data)) + w.segSize - 1) / w.segSize
	for i := uint64(0); i < nSegs; i++ {
		seg := firstSeg + xlog.SegNo(i)
		content := make([]byte, w.segSize)
		lo := i * w.segSize
		hi := lo + w.segSize
		if hi > uint64(len(w.data)) {
			hi = uint64(len(w.data))
		}
		copy(content, w.data[lo:hi])
		name := filepath.Join(dir, xlog.SegmentFileName(w.tli, seg, w.segSize))
		if gz[seg] {
			f, err := os.Create(name + ".gz")
			require.NoError(w.t, err)
			zw := gzip.NewWriter(f)
			_, err = zw.Write(content)
			require.NoError(w.t, err)
			require.NoError(w.t, zw.Close())
			require.NoError(w.t, f.Close())
		} else {
			require.NoError(w.t, os.WriteFile(name, content, 0600))
		}
	}
}
