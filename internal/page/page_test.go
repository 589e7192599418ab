package page

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgbackup/internal/fileset"
	"pgbackup/internal/xlog"
)

func validPage(lsn xlog.LSN, seed byte) []byte {
	img := make([]byte, DefaultBlockSize)
	h := Header{
		LSN:      lsn,
		Lower:    HeaderSize + 32,
		Upper:    DefaultBlockSize - 128,
		Special:  DefaultBlockSize - 16,
		PageSize: DefaultBlockSize,
		Layout:   4,
	}
	WriteHeader(img, h)
	for i := HeaderSize; i < int(h.Lower); i++ {
		img[i] = seed
	}
	for i := int(h.Upper); i < DefaultBlockSize; i++ {
		img[i] = seed ^ 0x5A
	}
	return img
}

func TestHeaderRoundTrip(t *testing.T) {
	img := make([]byte, DefaultBlockSize)
	want := Header{
		LSN: 0x1_0000_2000, Checksum: 7, Flags: 1,
		Lower: 48, Upper: 8000, Special: 8184,
		PageSize: DefaultBlockSize, Layout: 4, PruneXID: 99,
	}
	WriteHeader(img, want)
	got, err := ParseHeader(img)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestClassify(t *testing.T) {
	valid := validPage(100, 1)
	state, h := Classify(valid, DefaultBlockSize)
	assert.Equal(t, StateValid, state)
	assert.Equal(t, xlog.LSN(100), h.LSN)

	zero := make([]byte, DefaultBlockSize)
	state, _ = Classify(zero, DefaultBlockSize)
	assert.Equal(t, StateZeroed, state)

	// zero LSN invalidates
	noLSN := validPage(0, 1)
	state, _ = Classify(noLSN, DefaultBlockSize)
	assert.Equal(t, StateInvalid, state)

	// unknown layout is copied verbatim, not rejected
	odd := validPage(100, 1)
	h2, _ := ParseHeader(odd)
	h2.Layout = 9
	WriteHeader(odd, h2)
	state, _ = Classify(odd, DefaultBlockSize)
	assert.Equal(t, StateUnknownLayout, state)

	// lower > upper is torn
	torn := validPage(100, 1)
	h3, _ := ParseHeader(torn)
	h3.Lower = h3.Upper + 8
	WriteHeader(torn, h3)
	state, _ = Classify(torn, DefaultBlockSize)
	assert.Equal(t, StateInvalid, state)
}

func TestCompactReconstructRoundTrip(t *testing.T) {
	img := validPage(0x500, 9)
	// scribble garbage into the hole; reconstruction zeroes it
	h, _ := ParseHeader(img)
	for i := int(h.Lower); i < int(h.Upper); i++ {
		img[i] = 0xCC
	}
	payload := Compact(img, h)
	back, err := Reconstruct(payload, DefaultBlockSize)
	require.NoError(t, err)

	assert.Equal(t, img[:h.Lower], back[:h.Lower])
	assert.Equal(t, img[h.Upper:], back[h.Upper:])
	for i := int(h.Lower); i < int(h.Upper); i++ {
		assert.Zero(t, back[i], "hole byte %d", i)
	}
}

func TestEncodeDecodePage(t *testing.T) {
	img := validPage(0x900, 3)
	hdr, payload := EncodePage(7, img, DefaultBlockSize)
	assert.Equal(t, uint32(7), hdr.BlockNo)
	assert.NotZero(t, hdr.Flags&RecCompacted)
	assert.Less(t, len(payload), DefaultBlockSize)

	back, err := DecodePage(hdr, payload, DefaultBlockSize)
	require.NoError(t, err)
	assert.Equal(t, NormalizedCRC(img, DefaultBlockSize), CRC(back))

	// zero page collapses to empty payload
	zhdr, zpayload := EncodePage(1, make([]byte, DefaultBlockSize), DefaultBlockSize)
	assert.NotZero(t, zhdr.Flags&RecZeroed)
	assert.Empty(t, zpayload)
	zback, err := DecodePage(zhdr, zpayload, DefaultBlockSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, DefaultBlockSize), zback)

	// corrupt payload is caught by the page CRC
	hdr2, payload2 := EncodePage(2, validPage(0x901, 4), DefaultBlockSize)
	payload2[HeaderSize] ^= 0xFF
	_, err = DecodePage(hdr2, payload2, DefaultBlockSize)
	assert.Error(t, err)
}

func TestRecordStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h1, p1 := EncodePage(0, validPage(10, 1), DefaultBlockSize)
	h2, p2 := EncodePage(5, validPage(20, 2), DefaultBlockSize)
	require.NoError(t, WriteRecord(&buf, h1, p1))
	require.NoError(t, WriteRecord(&buf, h2, p2))

	g1, b1, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, h1, g1)
	assert.Equal(t, p1, b1)
	g2, _, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, h2, g2)
	_, _, err = ReadRecord(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestHeaderMapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page_header_map")
	w, err := CreateHeaderMap(path)
	require.NoError(t, err)

	span1 := []RecordHeader{{BlockNo: 0, PayloadSize: 10, CRC: 1, Flags: RecCompacted}}
	span2 := []RecordHeader{
		{BlockNo: 3, PayloadSize: 20, CRC: 2},
		{BlockNo: 9, PayloadSize: 30, CRC: 3},
	}
	off1, len1, err := w.Append(span1)
	require.NoError(t, err)
	off2, len2, err := w.Append(span2)
	require.NoError(t, err)
	require.NoError(t, w.Close(false))

	got1, err := ReadHeaderSpan(path, off1, len1)
	require.NoError(t, err)
	assert.Equal(t, span1, got1)
	got2, err := ReadHeaderSpan(path, off2, len2)
	require.NoError(t, err)
	assert.Equal(t, span2, got2)

	// flip a byte inside span2; its CRC must fail, span1 stays fine
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[off2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0600))
	_, err = ReadHeaderSpan(path, off2, len2)
	assert.Error(t, err)
	_, err = ReadHeaderSpan(path, off1, len1)
	assert.NoError(t, err)
}

func writeSourceFile(t *testing.T, path string, pages [][]byte, tail []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, p := range pages {
		_, err = f.Write(p)
		require.NoError(t, err)
	}
	if tail != nil {
		_, err = f.Write(tail)
		require.NoError(t, err)
	}
}

func TestBackupDatafileFullRoundTrip(t *testing.T) {
	for _, alg := range []string{CompressAlgNone, CompressAlgGzip} {
		t.Run(alg, func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "src")
			pages := [][]byte{validPage(10, 0), validPage(20, 1), make([]byte, DefaultBlockSize)}
			writeSourceFile(t, src, pages, nil)

			res, err := BackupDatafile(src, filepath.Join(dir, "bak"), DefaultBlockSize,
				xlog.InvalidLSN, nil, alg, 1, false, nil)
			require.NoError(t, err)
			assert.Equal(t, int32(3), res.NBlocks)
			assert.Equal(t, 3, res.PageMap.Count())
			assert.Len(t, res.Headers, 3)

			rc, err := OpenBackupFile(filepath.Join(dir, "bak"))
			require.NoError(t, err)
			defer rc.Close()
			out, err := os.Create(filepath.Join(dir, "restored"))
			require.NoError(t, err)
			_, err = ApplyDatafileRecords(rc, out, DefaultBlockSize, nil)
			require.NoError(t, err)
			require.NoError(t, out.Close())

			restored, err := os.ReadFile(filepath.Join(dir, "restored"))
			require.NoError(t, err)
			// holes come back zeroed; source holes were zero already
			srcBytes, _ := os.ReadFile(src)
			assert.Equal(t, srcBytes, restored)
		})
	}
}

func TestBackupDatafileDeltaThreshold(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	pages := [][]byte{validPage(10, 0), validPage(500, 1), validPage(20, 2), validPage(501, 3)}
	writeSourceFile(t, src, pages, nil)

	res, err := BackupDatafile(src, filepath.Join(dir, "bak"), DefaultBlockSize,
		xlog.LSN(100), nil, CompressAlgNone, 0, false, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3}, res.PageMap.Blocks())
	assert.Equal(t, int32(4), res.NBlocks)
}

func TestBackupDatafilePreselect(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	pages := [][]byte{validPage(500, 0), validPage(500, 1), validPage(500, 2)}
	writeSourceFile(t, src, pages, nil)

	pre := pageMapOf(t, 2)
	res, err := BackupDatafile(src, filepath.Join(dir, "bak"), DefaultBlockSize,
		xlog.LSN(100), pre, CompressAlgNone, 0, false, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, res.PageMap.Blocks())
	// unlisted pages were never read
	assert.Equal(t, int64(DefaultBlockSize), res.ReadBytes)
}

func TestBackupDatafileShortTail(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	// one full page plus a 100-byte torn tail
	writeSourceFile(t, src, [][]byte{validPage(10, 0)}, bytes.Repeat([]byte{0xAB}, 100))

	res, err := BackupDatafile(src, filepath.Join(dir, "bak"), DefaultBlockSize,
		xlog.InvalidLSN, nil, CompressAlgNone, 0, false, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), res.NBlocks)
	assert.Equal(t, 2, res.PageMap.Count())

	rc, err := OpenBackupFile(filepath.Join(dir, "bak"))
	require.NoError(t, err)
	defer rc.Close()
	out, err := os.Create(filepath.Join(dir, "restored"))
	require.NoError(t, err)
	_, err = ApplyDatafileRecords(rc, out, DefaultBlockSize, nil)
	require.NoError(t, err)
	// the torn tail restores padded; callers truncate to recorded size
	require.NoError(t, out.Truncate(int64(DefaultBlockSize)+100))
	require.NoError(t, out.Close())

	srcBytes, _ := os.ReadFile(src)
	restored, _ := os.ReadFile(filepath.Join(dir, "restored"))
	assert.Equal(t, srcBytes, restored)
}

func TestCopyPlainFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "conf")
	content := []byte("shared_buffers = 128MB\n")
	require.NoError(t, os.WriteFile(src, content, 0600))

	finalPath, crc, written, err := CopyPlainFile(src, filepath.Join(dir, "bak"), CompressAlgGzip, 5, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "bak")+GzipSuffix, finalPath)
	assert.Positive(t, written)
	assert.Equal(t, CRC(content), crc)

	got, err := ChecksumStoredFile(filepath.Join(dir, "bak"))
	require.NoError(t, err)
	assert.Equal(t, crc, got)

	rc, err := OpenBackupFile(filepath.Join(dir, "bak"))
	require.NoError(t, err)
	defer rc.Close()
	back, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, back)
}

func pageMapOf(t *testing.T, blocks ...uint32) *fileset.PageMap {
	t.Helper()
	return fileset.PageMapOf(blocks...)
}
