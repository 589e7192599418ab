package backup

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgbackup/internal/catalog"
	"pgbackup/internal/fileset"
	"pgbackup/internal/page"
	"pgbackup/internal/pg"
	"pgbackup/internal/testutil"
	"pgbackup/internal/xlog"
)

func TestListClusterExcludesRuntimePaths(t *testing.T) {
	src := testutil.SourceDir(t, 4, 100)
	require.NoError(t, os.MkdirAll(filepath.Join(src, "pg_stat_tmp"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(src, "pg_stat_tmp", "junk"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "postmaster.pid"), []byte("123"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "pg_wal", "000000010000000000000001"), []byte("w"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "base", "13003", "pgsql_tmp123"), []byte("t"), 0600))

	list, err := listCluster(src, nil)
	require.NoError(t, err)

	byPath := map[string]*fileset.Entry{}
	for _, e := range list {
		byPath[e.Path] = e
	}

	// runtime content is out, the (empty) directories stay
	assert.NotContains(t, byPath, "pg_stat_tmp/junk")
	assert.Contains(t, byPath, "pg_stat_tmp")
	assert.NotContains(t, byPath, "postmaster.pid")
	assert.NotContains(t, byPath, "pg_wal/000000010000000000000001")
	assert.Contains(t, byPath, "pg_wal")
	assert.NotContains(t, byPath, "base/13003/pgsql_tmp123")

	rel := byPath["base/13003/16384"]
	require.NotNil(t, rel)
	assert.True(t, rel.IsDatafile)
	assert.Equal(t, int32(4), rel.NBlocks)

	ctrl := byPath["global/pg_control"]
	require.NotNil(t, ctrl)
	assert.False(t, ctrl.IsDatafile)
}

func TestListClusterExternalDirs(t *testing.T) {
	src := testutil.SourceDir(t, 2, 100)
	ext := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ext, "conf.d"), []byte("x"), 0600))

	list, err := listCluster(src, []string{ext})
	require.NoError(t, err)
	found := list.Search("conf.d", 1)
	require.NotNil(t, found)
	assert.Equal(t, 1, found.ExternalDir)
}

func TestListDirectoryFlagsCFS(t *testing.T) {
	src := t.TempDir()
	spc := filepath.Join(src, "pg_tblspc", "16500", "PG_16_202307071", "16400")
	require.NoError(t, os.MkdirAll(spc, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(spc), "pg_compression"), []byte(""), 0600))
	testutil.WriteRelation(t, filepath.Join(spc, "16390"), 1, 100)

	list, err := listDirectory(src, 0)
	require.NoError(t, err)
	e := list.Search("pg_tblspc/16500/PG_16_202307071/16400/16390", 0)
	require.NotNil(t, e)
	assert.True(t, e.IsDatafile)
	assert.True(t, e.IsCFS, "files under a pg_compression tablespace are CFS")
}

func newPlan(t *testing.T, src string, mode catalog.Mode, parentList fileset.List, threshold xlog.LSN) (*copyPlan, string) {
	t.Helper()
	destDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(destDir, catalog.DatabaseDirName, "base", "13003"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(destDir, catalog.DatabaseDirName, "global"), 0700))
	hm, err := page.CreateHeaderMap(filepath.Join(destDir, catalog.HeaderMapName))
	require.NoError(t, err)
	t.Cleanup(func() { hm.Close(false) })
	return &copyPlan{
		mode:        mode,
		blockSize:   testutil.BlockSize,
		threshold:   threshold,
		parentList:  parentList,
		pgdata:      src,
		destDir:     destDir,
		compress:    page.CompressAlgNone,
		interrupted: &atomic.Bool{},
		headerMap:   hm,
	}, destDir
}

func TestCopyEntryVanishedFile(t *testing.T) {
	src := testutil.SourceDir(t, 2, 100)
	plan, _ := newPlan(t, src, catalog.ModeDelta, nil, 100)

	e := &fileset.Entry{Path: "base/13003/99999", Mode: 0600}
	require.NoError(t, plan.copyEntry(e))
	assert.Equal(t, fileset.InvalidWriteSize, e.WriteSize)
}

func TestCopyEntryInheritsUnchangedPlainFile(t *testing.T) {
	src := testutil.SourceDir(t, 2, 100)
	plan, _ := newPlan(t, src, catalog.ModeDelta, nil, 100)

	info, err := os.Stat(filepath.Join(src, "PG_VERSION"))
	require.NoError(t, err)
	parent := fileset.List{{
		Path: "PG_VERSION", Mode: info.Mode(), Size: info.Size(),
		MTime: info.ModTime(), WriteSize: info.Size(), CRC: 7,
	}}
	parent.SortByPathAsc()
	plan.parentList = parent

	e := &fileset.Entry{Path: "PG_VERSION", Mode: info.Mode()}
	require.NoError(t, plan.copyEntry(e))
	assert.Equal(t, fileset.InvalidWriteSize, e.WriteSize)
	assert.Equal(t, uint32(7), e.CRC)
}

func TestCopyEntryPageModeSkipsUnmappedDatafile(t *testing.T) {
	src := testutil.SourceDir(t, 4, 100)
	plan, destDir := newPlan(t, src, catalog.ModePage, nil, 100)

	e := &fileset.Entry{Path: "base/13003/16384", Mode: 0600, IsDatafile: true}
	require.NoError(t, plan.copyEntry(e))
	assert.Equal(t, int64(0), e.WriteSize)
	assert.Equal(t, int64(0), e.ReadSize)
	assert.Equal(t, int32(4), e.NBlocks)
	_, err := os.Stat(filepath.Join(destDir, catalog.DatabaseDirName, "base", "13003", "16384"))
	assert.True(t, os.IsNotExist(err), "unchanged datafile must not be copied")
}

func TestCopyEntryPageModeCopiesMappedBlocks(t *testing.T) {
	src := testutil.SourceDir(t, 4, 100)
	plan, destDir := newPlan(t, src, catalog.ModePage, nil, 50)

	e := &fileset.Entry{Path: "base/13003/16384", Mode: 0600, IsDatafile: true,
		PageMap: fileset.PageMapOf(1, 3)}
	require.NoError(t, plan.copyEntry(e))
	assert.Equal(t, []uint32{1, 3}, e.PageMap.Blocks())
	assert.Positive(t, e.WriteSize)
	assert.Equal(t, int64(2*testutil.BlockSize), e.ReadSize)
	_, err := os.Stat(filepath.Join(destDir, catalog.DatabaseDirName, "base", "13003", "16384"))
	assert.NoError(t, err)
}

func TestCopyEntryInterrupted(t *testing.T) {
	src := testutil.SourceDir(t, 4, 100)
	plan, _ := newPlan(t, src, catalog.ModeFull, nil, xlog.InvalidLSN)
	plan.interrupted.Store(true)

	e := &fileset.Entry{Path: "base/13003/16384", Mode: 0600, IsDatafile: true}
	err := plan.copyEntry(e)
	assert.ErrorIs(t, err, page.ErrInterrupted)
}

func TestRunPoolCopiesEverythingOnce(t *testing.T) {
	src := testutil.SourceDir(t, 6, 100)
	plan, destDir := newPlan(t, src, catalog.ModeFull, nil, xlog.InvalidLSN)

	list, err := listCluster(src, nil)
	require.NoError(t, err)
	require.NoError(t, plan.runPool(4, list))

	// pg_control is deliberately left for the orchestrator
	_, err = os.Stat(filepath.Join(destDir, catalog.DatabaseDirName, "global", "pg_control"))
	assert.True(t, os.IsNotExist(err))

	// the relation landed with all pages
	rel := list.Search("base/13003/16384", 0)
	require.NotNil(t, rel)
	assert.Equal(t, 6, rel.PageMap.Count())
	assert.Equal(t, int64(6*testutil.BlockSize), rel.ReadSize)
}

func TestCopyControlFileBumpsMinRecoveryOnReplica(t *testing.T) {
	src := testutil.SourceDir(t, 2, 100)
	plan, destDir := newPlan(t, src, catalog.ModeFull, nil, xlog.InvalidLSN)

	b := &catalog.Backup{ID: testutil.ID(0), FromReplica: true, StopLSN: 0x9000, TLI: 1}
	e := &fileset.Entry{Path: "global/pg_control", Mode: 0600}

	// exercise the plan-level write the orchestrator performs
	data, err := os.ReadFile(filepath.Join(src, "global", "pg_control"))
	require.NoError(t, err)
	cf, err := pg.ParseControlFile(data)
	require.NoError(t, err)
	cf.MinRecoveryLSN = b.StopLSN
	cf.MinRecoveryTLI = b.TLI
	written, crc, err := plan.writeRaw(e, pg.MarshalControlFile(cf))
	require.NoError(t, err)
	assert.Positive(t, written)
	assert.NotZero(t, crc)

	stored, err := pg.ReadControlFile(filepath.Join(destDir, catalog.DatabaseDirName))
	require.NoError(t, err)
	assert.Equal(t, xlog.LSN(0x9000), stored.MinRecoveryLSN)
}
