package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgbackup/internal/config"
	"pgbackup/internal/logger"
	"pgbackup/internal/page"
)

const streamSegName = "000000010000000000000007"

func TestWaitForWALFileFindsLateArrival(t *testing.T) {
	dir := t.TempDir()
	go func() {
		time.Sleep(300 * time.Millisecond)
		os.WriteFile(filepath.Join(dir, streamSegName), []byte("w"), 0600)
	}()
	err := waitForWALFile(context.Background(), []string{dir}, streamSegName,
		false, nil, 5*time.Second)
	assert.NoError(t, err)
}

func TestWaitForWALFileAcceptsVariants(t *testing.T) {
	// compressed archive entry counts in either mode
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, streamSegName+page.GzipSuffix), []byte("w"), 0600))
	assert.NoError(t, waitForWALFile(context.Background(), []string{dir}, streamSegName,
		false, nil, time.Second))

	// a .partial satisfies only the streaming wait
	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, streamSegName+".partial"), []byte("w"), 0600))
	assert.NoError(t, waitForWALFile(context.Background(), []string{dir}, streamSegName,
		true, nil, time.Second))
	err := waitForWALFile(context.Background(), []string{dir}, streamSegName,
		false, nil, 400*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), streamSegName)
}

func TestWaitForWALFileTimesOut(t *testing.T) {
	err := waitForWALFile(context.Background(), []string{t.TempDir()}, streamSegName,
		false, nil, 300*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "was not archived")
}

func TestFinalizePartialWAL(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000000010000000000000006"), []byte("done"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, streamSegName+".partial"), []byte("tail"), 0600))

	require.NoError(t, finalizePartialWAL(dir))
	got, err := os.ReadFile(filepath.Join(dir, streamSegName))
	require.NoError(t, err)
	assert.Equal(t, []byte("tail"), got)
	_, err = os.Stat(filepath.Join(dir, streamSegName+".partial"))
	assert.True(t, os.IsNotExist(err))

	// idempotent on a directory with no partials
	assert.NoError(t, finalizePartialWAL(dir))
}

func TestFinalizePartialWALDropsStalePartial(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, streamSegName), []byte("complete"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, streamSegName+".partial"), []byte("stale"), 0600))

	require.NoError(t, finalizePartialWAL(dir))
	got, err := os.ReadFile(filepath.Join(dir, streamSegName))
	require.NoError(t, err)
	assert.Equal(t, []byte("complete"), got)
	_, err = os.Stat(filepath.Join(dir, streamSegName+".partial"))
	assert.True(t, os.IsNotExist(err))
}

func TestWALReceiverFailsFastWithoutBinary(t *testing.T) {
	// an empty PATH means pg_receivewal cannot be found; stream mode
	// must refuse up front instead of timing out later
	t.Setenv("PATH", t.TempDir())

	cfg := config.New()
	cfg.Host, cfg.Port, cfg.User = "localhost", 5432, "postgres"
	recv := newWALReceiver(cfg, filepath.Join(t.TempDir(), "pg_wal"), logger.NewNullLogger())

	err := recv.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pg_receivewal")

	// stopping a receiver that never started is a no-op
	assert.NoError(t, recv.Stop())
}
