package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock wraps an acquired advisory lock.
type Lock struct {
	fl *flock.Flock
}

// Unlock releases the lock; safe to call once.
func (l *Lock) Unlock() error {
	return l.fl.Unlock()
}

// LockInstance takes the instance-wide exclusive lock serializing
// destructive operations (backup, merge, delete). Fails fast with
// ErrLocked when another process holds it.
func (c *Catalog) LockInstance() (*Lock, error) {
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create instance directory: %w", err)
	}
	fl := flock.New(filepath.Join(c.Dir, instanceLock))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock instance: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lock{fl: fl}, nil
}

// LockBackup takes a per-backup lock. Read-only operations (validate,
// show, restore) pass shared=true; an exclusive holder makes them fail
// fast rather than wait behind a merge or delete.
func (c *Catalog) LockBackup(id ID, shared bool) (*Lock, error) {
	fl := flock.New(filepath.Join(c.BackupDir(id), backupLockName))
	var (
		ok  bool
		err error
	)
	if shared {
		ok, err = fl.TryRLock()
	} else {
		ok, err = fl.TryLock()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock backup %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("backup %s: %w", id, ErrLocked)
	}
	return &Lock{fl: fl}, nil
}
