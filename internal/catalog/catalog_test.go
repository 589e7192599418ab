package catalog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgbackup/internal/fileset"
	"pgbackup/internal/logger"
	"pgbackup/internal/xlog"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "backups", "main")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return New(dir, logger.NewNullLogger())
}

func sampleBackup(id ID, mode Mode, parent ID) *Backup {
	b := &Backup{
		ID:              id,
		Mode:            mode,
		Status:          StatusOK,
		TLI:             1,
		StartLSN:        0x1000000,
		StopLSN:         0x1000F00,
		BlockSize:       8192,
		WalBlockSize:    8192,
		WalSegSize:      16 * 1024 * 1024,
		ChecksumVersion: 1,
		SystemID:        42,
		CompressAlg:     "none",
		ProgramVersion:  "test",
		Parent:          parent,
		DataBytes:       12345,
		WriteBytes:      2345,
	}
	b.StartTime, _ = id.Time()
	b.RecoveryTime = b.StartTime.Add(time.Minute)
	return b
}

func TestControlRoundTrip(t *testing.T) {
	orig := sampleBackup("20250310T120500", ModePage, "20250310T120000")
	orig.Stream = true
	orig.FromReplica = true
	orig.ExpireTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	orig.ExternalDirs = []string{"/etc/pg", "/var/lib/custom"}
	orig.MergeDest = "20250310T121000"

	var buf bytes.Buffer
	require.NoError(t, WriteControl(&buf, orig))

	parsed, err := ParseControl(orig.ID, &buf)
	require.NoError(t, err)
	assert.Equal(t, orig.Mode, parsed.Mode)
	assert.Equal(t, orig.Status, parsed.Status)
	assert.Equal(t, orig.TLI, parsed.TLI)
	assert.Equal(t, orig.StartLSN, parsed.StartLSN)
	assert.Equal(t, orig.StopLSN, parsed.StopLSN)
	assert.Equal(t, orig.Parent, parsed.Parent)
	assert.Equal(t, orig.MergeDest, parsed.MergeDest)
	assert.Equal(t, orig.SystemID, parsed.SystemID)
	assert.Equal(t, orig.Stream, parsed.Stream)
	assert.Equal(t, orig.FromReplica, parsed.FromReplica)
	assert.Equal(t, orig.DataBytes, parsed.DataBytes)
	assert.Equal(t, orig.WriteBytes, parsed.WriteBytes)
	assert.Equal(t, orig.ExternalDirs, parsed.ExternalDirs)
	assert.True(t, orig.ExpireTime.Equal(parsed.ExpireTime))
	assert.True(t, orig.StartTime.Equal(parsed.StartTime))
	assert.True(t, orig.RecoveryTime.Equal(parsed.RecoveryTime))
}

func TestWriteReadList(t *testing.T) {
	cat := newTestCatalog(t)

	ids := []ID{"20250310T120000", "20250310T121000", "20250310T122000"}
	require.NoError(t, os.MkdirAll(cat.BackupDir(ids[0]), 0700))
	require.NoError(t, cat.Write(sampleBackup(ids[0], ModeFull, NoID), true))
	require.NoError(t, os.MkdirAll(cat.BackupDir(ids[1]), 0700))
	require.NoError(t, cat.Write(sampleBackup(ids[1], ModeDelta, ids[0]), true))
	require.NoError(t, os.MkdirAll(cat.BackupDir(ids[2]), 0700))
	b3 := sampleBackup(ids[2], ModePage, ids[1])
	b3.Status = StatusError
	require.NoError(t, cat.Write(b3, true))

	// a directory with an unparseable control file is skipped, not fatal
	junk := filepath.Join(cat.Dir, "20250310T123000")
	require.NoError(t, os.MkdirAll(junk, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(junk, ControlFileName), []byte("<garbage"), 0600))

	all, err := cat.List(ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// newest first
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)

	okOnly, err := cat.List(ListOptions{Statuses: []Status{StatusOK}})
	require.NoError(t, err)
	assert.Len(t, okOnly, 2)

	since, _ := ids[1].Time()
	ranged, err := cat.List(ListOptions{Since: since})
	require.NoError(t, err)
	assert.Len(t, ranged, 2)
}

func TestContentRoundTrip(t *testing.T) {
	cat := newTestCatalog(t)
	id := ID("20250310T120000")
	require.NoError(t, os.MkdirAll(cat.BackupDir(id), 0700))

	list := fileset.List{
		{Path: "base/1/10", Mode: 0600, Size: 8192, WriteSize: 100, IsDatafile: true,
			PageMap: fileset.PageMapOf(0), MTime: time.Now()},
	}
	require.NoError(t, cat.WriteContent(id, list))
	got, err := cat.ReadContent(id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "base/1/10", got[0].Path)
}

func TestChainOps(t *testing.T) {
	full := sampleBackup("20250310T120000", ModeFull, NoID)
	mid := sampleBackup("20250310T121000", ModeDelta, full.ID)
	leaf := sampleBackup("20250310T122000", ModePage, mid.ID)
	arena := Arena{full.ID: full, mid.ID: mid, leaf.ID: leaf}

	anc, err := FindFullAncestor(arena, leaf)
	require.NoError(t, err)
	assert.Equal(t, full.ID, anc.ID)

	res, bad := ScanChain(arena, leaf)
	assert.Equal(t, ChainOK, res)
	assert.Nil(t, bad)

	chain, err := Chain(arena, leaf)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, full.ID, chain[0].ID)
	assert.Equal(t, leaf.ID, chain[2].ID)

	// invalid intermediate
	mid.Status = StatusError
	res, bad = ScanChain(arena, leaf)
	assert.Equal(t, ChainInvalid, res)
	assert.Equal(t, mid.ID, bad.ID)
	mid.Status = StatusOK

	// missing intermediate
	delete(arena, mid.ID)
	_, err = FindFullAncestor(arena, leaf)
	assert.ErrorIs(t, err, ErrChainBroken)
	res, bad = ScanChain(arena, leaf)
	assert.Equal(t, ChainBroken, res)
	assert.Equal(t, leaf.ID, bad.ID)
}

func TestDescendantsAndOrphanize(t *testing.T) {
	cat := newTestCatalog(t)

	full := sampleBackup("20250310T120000", ModeFull, NoID)
	mid := sampleBackup("20250310T121000", ModeDelta, full.ID)
	leaf := sampleBackup("20250310T122000", ModePage, mid.ID)
	other := sampleBackup("20250310T123000", ModeFull, NoID)
	for _, b := range []*Backup{full, mid, leaf, other} {
		require.NoError(t, os.MkdirAll(cat.BackupDir(b.ID), 0700))
		require.NoError(t, cat.Write(b, true))
	}
	arena := Arena{full.ID: full, mid.ID: mid, leaf.ID: leaf, other.ID: other}

	desc := Descendants(arena, full)
	require.Len(t, desc, 2)
	assert.Equal(t, mid.ID, desc[0].ID)

	require.NoError(t, cat.Orphanize(arena, full))
	reread, err := cat.Read(mid.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOrphan, reread.Status)
	reread, err = cat.Read(leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOrphan, reread.Status)
	// unrelated backup untouched
	reread, err = cat.Read(other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, reread.Status)
}

func TestValidateInvariants(t *testing.T) {
	b := sampleBackup("20250310T120000", ModeFull, NoID)
	require.NoError(t, b.Validate())

	b.Parent = "20250309T000000"
	assert.Error(t, b.Validate(), "FULL with parent")

	d := sampleBackup("20250310T120000", ModeDelta, NoID)
	assert.Error(t, d.Validate(), "incremental without parent")

	d2 := sampleBackup("20250310T120000", ModeDelta, "20250311T000000")
	assert.Error(t, d2.Validate(), "parent newer than child")

	rev := sampleBackup("20250310T120000", ModeFull, NoID)
	rev.StartLSN, rev.StopLSN = xlog.LSN(100), xlog.LSN(50)
	assert.Error(t, rev.Validate(), "start beyond stop")
}

func TestLockInstanceExclusive(t *testing.T) {
	cat := newTestCatalog(t)
	l1, err := cat.LockInstance()
	require.NoError(t, err)
	defer l1.Unlock()

	_, err = cat.LockInstance()
	assert.ErrorIs(t, err, ErrLocked)
}

func TestLockBackupSharedVsExclusive(t *testing.T) {
	cat := newTestCatalog(t)
	id := ID("20250310T120000")
	require.NoError(t, os.MkdirAll(cat.BackupDir(id), 0700))

	s1, err := cat.LockBackup(id, true)
	require.NoError(t, err)
	s2, err := cat.LockBackup(id, true)
	require.NoError(t, err)
	s1.Unlock()
	s2.Unlock()

	ex, err := cat.LockBackup(id, false)
	require.NoError(t, err)
	defer ex.Unlock()
	_, err = cat.LockBackup(id, true)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestDeleteFiles(t *testing.T) {
	cat := newTestCatalog(t)
	b := sampleBackup("20250310T120000", ModeFull, NoID)
	require.NoError(t, os.MkdirAll(filepath.Join(cat.DatabaseDir(b.ID), "base", "1"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(cat.DatabaseDir(b.ID), "base", "1", "10"), []byte("x"), 0600))
	require.NoError(t, cat.Write(b, true))

	require.NoError(t, cat.DeleteFiles(b))
	assert.Equal(t, StatusDeleted, b.Status)
	_, err := os.Stat(cat.BackupDir(b.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestNextIDMonotonic(t *testing.T) {
	cat := newTestCatalog(t)
	arena := Arena{}
	id1 := cat.NextID(arena)
	arena[id1] = sampleBackup(id1, ModeFull, NoID)
	id2 := cat.NextID(arena)
	assert.Greater(t, string(id2), string(id1))
}

func TestDatabaseMapRoundTrip(t *testing.T) {
	cat := newTestCatalog(t)
	id := ID("20250310T120000")
	require.NoError(t, os.MkdirAll(cat.BackupDir(id), 0700))

	dbs := map[string]uint32{"postgres": 13003, "app": 16401, "template1": 1}
	require.NoError(t, cat.WriteDatabaseMap(id, dbs))
	back, err := cat.ReadDatabaseMap(id)
	require.NoError(t, err)
	assert.Equal(t, dbs, back)

	// missing map reads as empty, not as an error
	empty, err := cat.ReadDatabaseMap(ID("20250310T999999"))
	require.NoError(t, err)
	assert.Empty(t, empty)
}
