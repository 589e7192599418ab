package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"pgbackup/internal/fileset"
	"pgbackup/internal/fsio"
	"pgbackup/internal/logger"
)

// Well-known names inside a backup directory.
const (
	ControlFileName = "backup.control"
	ContentFileName = "backup_content.control"
	DatabaseDirName = "database"
	ExternalDirName = "external"
	HeaderMapName   = "page_header_map"
	backupLockName  = "backup.lock"
	instanceLock    = "instance.lock"
)

// Sentinel errors callers branch on.
var (
	ErrNotFound    = errors.New("backup not found")
	ErrLocked      = errors.New("instance is used by another process")
	ErrChainBroken = errors.New("backup chain is broken")
)

// Catalog provides access to one instance's backups on disk.
type Catalog struct {
	// Dir is backups/<instance> under the catalog root.
	Dir string
	log logger.Logger
}

// New opens a catalog handle for an instance directory.
func New(instanceDir string, log logger.Logger) *Catalog {
	return &Catalog{Dir: instanceDir, log: log}
}

// BackupDir returns the directory of one backup.
func (c *Catalog) BackupDir(id ID) string {
	return filepath.Join(c.Dir, string(id))
}

// DatabaseDir returns the data-directory image inside a backup.
func (c *Catalog) DatabaseDir(id ID) string {
	return filepath.Join(c.BackupDir(id), DatabaseDirName)
}

// ExternalDir returns the root of the n-th external directory copy.
func (c *Catalog) ExternalDir(id ID, n int) string {
	return filepath.Join(c.BackupDir(id), ExternalDirName, fmt.Sprintf("%d", n))
}

// HeaderMapPath returns the per-backup page header map file.
func (c *Catalog) HeaderMapPath(id ID) string {
	return filepath.Join(c.BackupDir(id), HeaderMapName)
}

// ListOptions filters enumeration.
type ListOptions struct {
	// Statuses limits results; empty means all.
	Statuses []Status
	// Since/Until bound start times; zero means unbounded.
	Since time.Time
	Until time.Time
}

func (o *ListOptions) match(b *Backup) bool {
	if len(o.Statuses) > 0 {
		ok := false
		for _, s := range o.Statuses {
			if b.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !o.Since.IsZero() && b.StartTime.Before(o.Since) {
		return false
	}
	if !o.Until.IsZero() && b.StartTime.After(o.Until) {
		return false
	}
	return true
}

// List enumerates backups newest-first. Directories with corrupt or
// unreadable metadata are logged and skipped, never fatal.
func (c *Catalog) List(opts ListOptions) ([]*Backup, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("instance directory %s: %w", c.Dir, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read instance directory %s: %w", c.Dir, err)
	}

	var backups []*Backup
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := ID(e.Name()).Time(); err != nil {
			continue
		}
		b, err := c.Read(ID(e.Name()))
		if err != nil {
			c.log.Warn("Skipping backup with unreadable metadata", "backup", e.Name(), "error", err)
			continue
		}
		if opts.match(b) {
			backups = append(backups, b)
		}
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].ID > backups[j].ID })
	return backups, nil
}

// Arena is the in-memory index of an instance's backups, keyed by ID.
type Arena map[ID]*Backup

// LoadArena lists everything and indexes it.
func (c *Catalog) LoadArena() (Arena, error) {
	list, err := c.List(ListOptions{})
	if err != nil {
		return nil, err
	}
	arena := make(Arena, len(list))
	for _, b := range list {
		arena[b.ID] = b
	}
	return arena, nil
}

// Read loads one backup's metadata.
func (c *Catalog) Read(id ID) (*Backup, error) {
	path := filepath.Join(c.BackupDir(id), ControlFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("backup %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	b, err := ParseControl(id, f)
	if err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Write persists a backup's metadata atomically. strict controls
// whether the temp file is fsynced before the rename and the directory
// after it; status transitions use strict=true, the size refresh after
// file enumeration uses strict=false.
func (c *Catalog) Write(b *Backup, strict bool) error {
	var buf bytes.Buffer
	if err := WriteControl(&buf, b); err != nil {
		return fmt.Errorf("backup %s: failed to serialize control: %w", b.ID, err)
	}
	path := filepath.Join(c.BackupDir(b.ID), ControlFileName)
	if err := fsio.WriteFileAtomic(path, buf.Bytes(), 0600, strict); err != nil {
		return fmt.Errorf("backup %s: %w", b.ID, err)
	}
	return nil
}

// SetStatus transitions and persists in one step.
func (c *Catalog) SetStatus(b *Backup, status Status) error {
	b.Status = status
	return c.Write(b, true)
}

// ReadContent loads the file list of a backup.
func (c *Catalog) ReadContent(id ID) (fileset.List, error) {
	path := filepath.Join(c.BackupDir(id), ContentFileName)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("backup %s: failed to open content file: %w", id, err)
	}
	defer f.Close()
	list, err := fileset.ParseContent(f)
	if err != nil {
		return nil, fmt.Errorf("backup %s: %w", id, err)
	}
	return list, nil
}

// WriteContent persists the file list atomically.
func (c *Catalog) WriteContent(id ID, list fileset.List) error {
	var buf bytes.Buffer
	if err := fileset.WriteContent(&buf, list); err != nil {
		return fmt.Errorf("backup %s: %w", id, err)
	}
	path := filepath.Join(c.BackupDir(id), ContentFileName)
	if err := fsio.WriteFileAtomic(path, buf.Bytes(), 0600, true); err != nil {
		return fmt.Errorf("backup %s: %w", id, err)
	}
	return nil
}

// NextID allocates a start-time ID strictly greater than every existing
// backup's, waiting out the clock when a backup was taken this second.
func (c *Catalog) NextID(arena Arena) ID {
	id := MakeID(time.Now())
	for {
		newest := NoID
		for existing := range arena {
			if existing > newest {
				newest = existing
			}
		}
		if id > newest {
			return id
		}
		time.Sleep(time.Second)
		id = MakeID(time.Now())
	}
}
