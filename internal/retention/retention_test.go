package retention

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgbackup/internal/catalog"
	"pgbackup/internal/logger"
	"pgbackup/internal/testutil"
)

func mkBackup(t *testing.T, cat *catalog.Catalog, id catalog.ID, mode catalog.Mode, parent catalog.ID) *catalog.Backup {
	t.Helper()
	b := &catalog.Backup{
		ID: id, Mode: mode, Status: catalog.StatusOK, TLI: 1,
		BlockSize: 8192, WalBlockSize: 8192, WalSegSize: 16 * 1024 * 1024,
		CompressAlg: "none", ProgramVersion: "test", Parent: parent,
	}
	b.StartTime, _ = id.Time()
	require.NoError(t, os.MkdirAll(cat.BackupDir(id), 0700))
	require.NoError(t, cat.Write(b, true))
	return b
}

func TestApplyRedundancy(t *testing.T) {
	cat := testutil.NewCatalog(t)
	f1 := mkBackup(t, cat, testutil.ID(0), catalog.ModeFull, catalog.NoID)
	f2 := mkBackup(t, cat, testutil.ID(60), catalog.ModeFull, catalog.NoID)
	f3 := mkBackup(t, cat, testutil.ID(120), catalog.ModeFull, catalog.NoID)
	arena := catalog.Arena{f1.ID: f1, f2.ID: f2, f3.ID: f3}

	now, _ := testutil.ID(180).Time()
	res, err := Apply(cat, arena, Policy{Redundancy: 2}, now, logger.NewNullLogger())
	require.NoError(t, err)
	assert.Equal(t, []catalog.ID{f1.ID}, res.Deleted)
	assert.Len(t, res.Kept, 2)
	_, err = os.Stat(cat.BackupDir(f1.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyWindowKeepsChains(t *testing.T) {
	cat := testutil.NewCatalog(t)
	// old FULL with a recent incremental on top: both survive
	full := mkBackup(t, cat, testutil.ID(0), catalog.ModeFull, catalog.NoID)
	inc := mkBackup(t, cat, testutil.ID(60*24*10), catalog.ModeDelta, full.ID)
	// an old standalone FULL: goes away
	stale := mkBackup(t, cat, testutil.ID(1), catalog.ModeFull, catalog.NoID)
	arena := catalog.Arena{full.ID: full, inc.ID: inc, stale.ID: stale}

	now, _ := inc.ID.Time()
	now = now.Add(24 * time.Hour)
	res, err := Apply(cat, arena, Policy{WindowDays: 3}, now, logger.NewNullLogger())
	require.NoError(t, err)
	assert.Equal(t, []catalog.ID{stale.ID}, res.Deleted)

	_, err = os.Stat(cat.BackupDir(full.ID))
	assert.NoError(t, err, "chained FULL must survive the window")
}

func TestApplyRespectsPin(t *testing.T) {
	cat := testutil.NewCatalog(t)
	old := mkBackup(t, cat, testutil.ID(0), catalog.ModeFull, catalog.NoID)
	now, _ := testutil.ID(60 * 24 * 30).Time()
	old.ExpireTime = now.Add(time.Hour)
	require.NoError(t, cat.Write(old, true))
	arena := catalog.Arena{old.ID: old}

	res, err := Apply(cat, arena, Policy{WindowDays: 1}, now, logger.NewNullLogger())
	require.NoError(t, err)
	assert.Empty(t, res.Deleted)
}

func TestApplyDryRun(t *testing.T) {
	cat := testutil.NewCatalog(t)
	old := mkBackup(t, cat, testutil.ID(0), catalog.ModeFull, catalog.NoID)
	arena := catalog.Arena{old.ID: old}

	now, _ := testutil.ID(60 * 24 * 30).Time()
	res, err := Apply(cat, arena, Policy{WindowDays: 1, DryRun: true}, now, logger.NewNullLogger())
	require.NoError(t, err)
	assert.Equal(t, []catalog.ID{old.ID}, res.Deleted)
	_, err = os.Stat(cat.BackupDir(old.ID))
	assert.NoError(t, err, "dry run must not delete")
}

func TestApplyWithoutPolicyErrors(t *testing.T) {
	cat := testutil.NewCatalog(t)
	_, err := Apply(cat, catalog.Arena{}, Policy{}, time.Now(), logger.NewNullLogger())
	assert.Error(t, err)
}
