package archive

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"pgbackup/internal/config"
	"pgbackup/internal/fsio"
	"pgbackup/internal/logger"
	"pgbackup/internal/page"
	"pgbackup/internal/xlog"
)

// Manager copies WAL segments between the server and the catalog's
// archive; it is what archive_command and restore_command invoke.
type Manager struct {
	cfg *config.Config
	log logger.Logger
}

// New creates an archive manager.
func New(cfg *config.Config, log logger.Logger) *Manager {
	return &Manager{cfg: cfg, log: log}
}

// Push archives one WAL file (archive_command: %p is walPath, %f is
// walName). Already-archived identical content succeeds idempotently;
// a name collision with different content fails unless overwrite is
// set.
func (m *Manager) Push(walPath, walName string, compress, overwrite bool) error {
	if !xlog.IsWalFileName(walName) && !strings.HasSuffix(walName, ".history") &&
		!strings.HasSuffix(walName, ".partial") && !strings.HasSuffix(walName, ".backup") {
		return fmt.Errorf("refusing to archive %q: not a WAL file name", walName)
	}
	if err := os.MkdirAll(m.cfg.WalDir(), 0700); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	dst := filepath.Join(m.cfg.WalDir(), walName)
	if compress {
		dst += page.GzipSuffix
	}
	if info, err := os.Stat(dst); err == nil && !overwrite {
		srcInfo, err := os.Stat(walPath)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", walPath, err)
		}
		srcCRC, err := checksumPlain(walPath)
		if err != nil {
			return err
		}
		dstCRC, err := page.ChecksumStoredFile(dst)
		if err == nil && srcCRC == dstCRC {
			m.log.Info("WAL segment already archived", "wal", walName)
			return nil
		}
		return fmt.Errorf("%s already exists in archive (%d bytes) and differs from %s (%d bytes)",
			dst, info.Size(), walPath, srcInfo.Size())
	}

	in, err := os.Open(walPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", walPath, err)
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	var w io.Writer = out
	var gz *gzip.Writer
	if compress {
		gz, err = gzip.NewWriterLevel(out, m.cfg.CompressLevel)
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return err
		}
		w = gz
	}
	if _, err := io.Copy(w, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy %s: %w", walPath, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			out.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit archived segment: %w", err)
	}
	if err := fsio.SyncDir(m.cfg.WalDir()); err != nil {
		return err
	}
	m.log.Info("WAL segment archived", "wal", walName, "compressed", compress)
	return nil
}

// Get fetches one WAL file from the archive into destPath
// (restore_command: %f is walName, %p is destPath). Compressed and
// partial variants are tried after the plain name.
func (m *Manager) Get(walName, destPath string) error {
	base := filepath.Join(m.cfg.WalDir(), walName)
	rc, err := page.OpenBackupFile(base)
	if err != nil {
		// a .partial left by an interrupted receiver is better than
		// nothing for the last segment of a timeline
		f, perr := os.Open(base + ".partial")
		if perr != nil {
			return fmt.Errorf("%s: %w", walName, os.ErrNotExist)
		}
		rc = f
	}
	defer rc.Close()

	tmp := destPath + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to restore %s: %w", walName, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return err
	}
	m.log.Info("WAL segment restored from archive", "wal", walName)
	return nil
}

func checksumPlain(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, err
	}
	return page.CRC(data), nil
}
