package catalog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"pgbackup/internal/fsio"
)

// DatabaseMapName records the datname → oid map observed at backup
// time, so partial restore can take database names while the server is
// down.
const DatabaseMapName = "database_map"

// WriteDatabaseMap persists the map into a backup directory.
func (c *Catalog) WriteDatabaseMap(id ID, dbs map[string]uint32) error {
	names := make([]string, 0, len(dbs))
	for name := range dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%d %s\n", dbs[name], name)
	}
	path := filepath.Join(c.BackupDir(id), DatabaseMapName)
	return fsio.WriteFileAtomic(path, []byte(b.String()), 0600, true)
}

// ReadDatabaseMap loads the map; a missing file yields an empty map,
// since older backups did not record one.
func (c *Catalog) ReadDatabaseMap(id ID) (map[string]uint32, error) {
	path := filepath.Join(c.BackupDir(id), DatabaseMapName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]uint32{}, nil
		}
		return nil, fmt.Errorf("backup %s: failed to open database map: %w", id, err)
	}
	defer f.Close()

	dbs := map[string]uint32{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		oidStr, name, ok := strings.Cut(scanner.Text(), " ")
		if !ok {
			continue
		}
		oid, err := strconv.ParseUint(oidStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("backup %s: bad database map line %q", id, scanner.Text())
		}
		dbs[name] = uint32(oid)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("backup %s: failed to read database map: %w", id, err)
	}
	return dbs, nil
}
