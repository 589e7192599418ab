package page

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
)

// CompressAlgGzip is the only stream compression we produce; "none"
// passes bytes through. Decompression on read is keyed off the file
// suffix so mixed catalogs stay readable.
const (
	CompressAlgNone = "none"
	CompressAlgGzip = "gzip"
	GzipSuffix      = ".gz"
)

// countingWriter tracks bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// BackupFileWriter writes one backup data/regular file, applying
// per-file stream compression and accounting raw vs written bytes.
type BackupFileWriter struct {
	f       *os.File
	counted *countingWriter
	gz      *gzip.Writer
	w       io.Writer
}

// CreateBackupFile opens the destination; with gzip the path gains the
// .gz suffix. Returns the writer and the final path.
func CreateBackupFile(path, alg string, level int) (*BackupFileWriter, string, error) {
	if alg == CompressAlgGzip {
		path += GzipSuffix
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create backup file: %w", err)
	}
	bw := &BackupFileWriter{f: f, counted: &countingWriter{w: f}}
	if alg == CompressAlgGzip {
		gz, err := gzip.NewWriterLevel(bw.counted, level)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, "", fmt.Errorf("invalid gzip level %d: %w", level, err)
		}
		bw.gz = gz
		bw.w = gz
	} else {
		bw.w = bw.counted
	}
	return bw, path, nil
}

func (b *BackupFileWriter) Write(p []byte) (int, error) {
	return b.w.Write(p)
}

// WrittenBytes reports bytes that reached the file (post-compression).
// Accurate only after Close.
func (b *BackupFileWriter) WrittenBytes() int64 {
	return b.counted.n
}

// Close finalizes the stream; sync fsyncs before closing.
func (b *BackupFileWriter) Close(sync bool) error {
	if b.gz != nil {
		if err := b.gz.Close(); err != nil {
			b.f.Close()
			return fmt.Errorf("failed to finish gzip stream: %w", err)
		}
	}
	if sync {
		if err := b.f.Sync(); err != nil {
			b.f.Close()
			return fmt.Errorf("failed to fsync backup file: %w", err)
		}
	}
	return b.f.Close()
}

// Abort closes and unlinks a half-written file on the error path.
func (b *BackupFileWriter) Abort() {
	if b.gz != nil {
		b.gz.Close()
	}
	name := b.f.Name()
	b.f.Close()
	os.Remove(name)
}

// OpenBackupFile opens a stored file for reading, transparently
// decompressing by suffix. The plain path is tried first, then the
// .gz variant.
func OpenBackupFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		f, err = os.Open(path + GzipSuffix)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
	}
	if strings.HasSuffix(f.Name(), GzipSuffix) {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", f.Name(), err)
		}
		return &gzipReadCloser{gz: gz, f: f}, nil
	}
	return f, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReadCloser) Close() error {
	err := g.gz.Close()
	if cerr := g.f.Close(); err == nil {
		err = cerr
	}
	return err
}
