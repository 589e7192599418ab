package checkdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgbackup/internal/config"
	"pgbackup/internal/logger"
	"pgbackup/internal/testutil"
)

func testEngine(t *testing.T, pgdata string) *Engine {
	t.Helper()
	cfg := config.New()
	cfg.PGData = pgdata
	cfg.Jobs = 2
	return New(cfg, logger.NewNullLogger())
}

func TestCheckdbCleanCluster(t *testing.T) {
	src := testutil.SourceDir(t, 8, 100)
	res, err := testEngine(t, src).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.FilesScanned)
	assert.Equal(t, int64(8), res.PagesScanned)
	assert.Zero(t, res.BadPages)
}

func TestCheckdbFindsBadPage(t *testing.T) {
	src := testutil.SourceDir(t, 8, 100)
	rel := filepath.Join(src, "base", "13003", "16384")

	// wreck one page header: page-size field becomes garbage
	f, err := os.OpenFile(rel, os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF}, 3*testutil.BlockSize+18)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := testEngine(t, src).Run(context.Background())
	assert.ErrorIs(t, err, ErrPagesCorrupt)
	require.NotNil(t, res)
	assert.Equal(t, int64(1), res.BadPages)
}
