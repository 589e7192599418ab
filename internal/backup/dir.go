package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pgbackup/internal/fileset"
	"pgbackup/internal/page"
)

// Paths below the data directory that never enter a backup: runtime
// state the server rebuilds or owns while running.
var excludedDirs = map[string]bool{
	"pg_wal":       true, // archived or streamed separately
	"pg_xlog":      true,
	"pg_replslot":  true,
	"pg_dynshmem":  true,
	"pg_notify":    true,
	"pg_serial":    true,
	"pg_snapshots": true,
	"pg_stat_tmp":  true,
	"pg_subtrans":  true,
	"log":          true,
	"pg_log":       true,
}

var excludedFiles = map[string]bool{
	"postmaster.pid":   true,
	"postmaster.opts":  true,
	"pg_internal.init": true,
	"recovery.signal":  true,
	"standby.signal":   true,
	"backup_label.old": true,
	"current_logfiles": true,
}

// cfsSentinel marks a tablespace living on a compressed filesystem;
// files below it are copied verbatim, never compacted.
const cfsSentinel = "pg_compression"

func excluded(relPath string, isDir bool) bool {
	parts := strings.Split(relPath, "/")
	if isDir && len(parts) == 1 && excludedDirs[parts[0]] {
		return true
	}
	if len(parts) > 1 && excludedDirs[parts[0]] {
		return true
	}
	name := parts[len(parts)-1]
	if !isDir && excludedFiles[name] {
		return true
	}
	// server temp files
	if strings.HasPrefix(name, "pgsql_tmp") {
		return true
	}
	return false
}

// listDirectory walks one root and produces entries relative to it.
// externalDir 0 is the data directory; higher numbers are configured
// external directories, which take no exclusion rules at all.
func listDirectory(root string, externalDir int) (fileset.List, error) {
	var list fileset.List
	cfsRoots := map[string]bool{}

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if externalDir == 0 && excluded(rel, info.IsDir()) {
			if info.IsDir() {
				// keep the (empty) directory itself so restore can
				// recreate it with the right mode
				list = append(list, &fileset.Entry{
					Path:  rel,
					Mode:  info.Mode(),
					MTime: info.ModTime(),
				})
				return filepath.SkipDir
			}
			return nil
		}

		e := &fileset.Entry{
			Path:        rel,
			ExternalDir: externalDir,
			Mode:        info.Mode(),
			MTime:       info.ModTime(),
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", path, err)
			}
			e.LinkTarget = target
		case info.Mode().IsRegular():
			e.Size = info.Size()
			if filepath.Base(rel) == cfsSentinel {
				cfsRoots[filepath.ToSlash(filepath.Dir(rel))] = true
			}
			if externalDir == 0 && fileset.IsDatafilePath(rel) {
				e.IsDatafile = true
				_, e.SegNo, _ = fileset.ParseDatafileName(filepath.Base(rel))
				e.NBlocks = int32((info.Size() + page.DefaultBlockSize - 1) / page.DefaultBlockSize)
			}
		}
		list = append(list, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}

	// second pass: flag datafiles under compressed-filesystem
	// tablespaces so the copier never compacts them
	if len(cfsRoots) > 0 {
		for _, e := range list {
			dir := filepath.ToSlash(filepath.Dir(e.Path))
			for root := range cfsRoots {
				if dir == root || strings.HasPrefix(dir, root+"/") {
					e.IsCFS = true
					break
				}
			}
		}
	}

	list.SortByPathAsc()
	return list, nil
}

// listCluster enumerates the data directory plus external directories.
func listCluster(pgdata string, externalDirs []string) (fileset.List, error) {
	list, err := listDirectory(pgdata, 0)
	if err != nil {
		return nil, err
	}
	for i, dir := range externalDirs {
		ext, err := listDirectory(dir, i+1)
		if err != nil {
			return nil, err
		}
		list = append(list, ext...)
	}
	list.SortByPathAsc()
	return list, nil
}
