package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgbackup/internal/config"
	"pgbackup/internal/logger"
)

func testManager(t *testing.T) (*Manager, *config.Config) {
	t.Helper()
	cfg := config.New()
	cfg.CatalogPath = t.TempDir()
	cfg.Instance = "main"
	cfg.CompressLevel = 5
	return New(cfg, logger.NewNullLogger()), cfg
}

const segName = "000000010000000000000003"

func writeSegment(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, segName)
	content := bytes.Repeat([]byte{0xA5}, 32*1024)
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

func TestPushAndGetRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "gzip"}[compress], func(t *testing.T) {
			m, cfg := testManager(t)
			src := writeSegment(t, t.TempDir())

			require.NoError(t, m.Push(src, segName, compress, false))
			if compress {
				_, err := os.Stat(filepath.Join(cfg.WalDir(), segName+".gz"))
				assert.NoError(t, err)
			}

			dest := filepath.Join(t.TempDir(), "restored_wal")
			require.NoError(t, m.Get(segName, dest))
			want, _ := os.ReadFile(src)
			got, _ := os.ReadFile(dest)
			assert.Equal(t, want, got)
		})
	}
}

func TestPushIdempotentOnIdenticalContent(t *testing.T) {
	m, _ := testManager(t)
	src := writeSegment(t, t.TempDir())
	require.NoError(t, m.Push(src, segName, false, false))
	assert.NoError(t, m.Push(src, segName, false, false))
}

func TestPushRefusesDifferingDuplicate(t *testing.T) {
	m, _ := testManager(t)
	dir := t.TempDir()
	src := writeSegment(t, dir)
	require.NoError(t, m.Push(src, segName, false, false))

	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte{0x11}, 1024), 0600))
	err := m.Push(src, segName, false, false)
	assert.Error(t, err)

	// --overwrite wins
	assert.NoError(t, m.Push(src, segName, false, true))
}

func TestPushRejectsNonWalNames(t *testing.T) {
	m, _ := testManager(t)
	src := writeSegment(t, t.TempDir())
	err := m.Push(src, "not-a-wal-file", false, false)
	assert.Error(t, err)
}

func TestPushAcceptsHistoryFiles(t *testing.T) {
	m, _ := testManager(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "00000002.history")
	require.NoError(t, os.WriteFile(path, []byte("1\t0/5000000\tpromotion\n"), 0600))
	assert.NoError(t, m.Push(path, "00000002.history", false, false))
}

func TestGetMissingSegment(t *testing.T) {
	m, _ := testManager(t)
	err := m.Get(segName, filepath.Join(t.TempDir(), "out"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
