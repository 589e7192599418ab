package catalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"pgbackup/internal/xlog"
)

// backup.control is line-oriented KEY=VALUE with ISO-8601 timestamps.
// Unknown keys are ignored on read so older binaries can open newer
// catalogs.

const timeLayout = time.RFC3339

// WriteControl serializes b to w in control-file form.
func WriteControl(w io.Writer, b *Backup) error {
	bw := bufio.NewWriter(w)
	put := func(key, value string) {
		fmt.Fprintf(bw, "%s = %s\n", key, value)
	}
	fmt.Fprintln(bw, "#Configuration")
	put("BACKUP_MODE", b.Mode.String())
	put("STREAM", strconv.FormatBool(b.Stream))
	put("COMPRESS_ALG", b.CompressAlg)
	put("COMPRESS_LEVEL", strconv.Itoa(b.CompressLevel))
	if len(b.ExternalDirs) > 0 {
		put("EXTERNAL_DIRS", strings.Join(b.ExternalDirs, string(os.PathListSeparator)))
	}
	fmt.Fprintln(bw, "#Compatibility")
	put("BLOCK_SIZE", strconv.FormatUint(uint64(b.BlockSize), 10))
	put("XLOG_BLOCK_SIZE", strconv.FormatUint(uint64(b.WalBlockSize), 10))
	put("XLOG_SEG_SIZE", strconv.FormatUint(b.WalSegSize, 10))
	put("CHECKSUM_VERSION", strconv.FormatUint(uint64(b.ChecksumVersion), 10))
	put("SYSTEM_IDENTIFIER", strconv.FormatUint(b.SystemID, 10))
	put("PROGRAM_VERSION", b.ProgramVersion)
	fmt.Fprintln(bw, "#Result")
	put("TIMELINEID", strconv.FormatUint(uint64(b.TLI), 10))
	put("START_LSN", b.StartLSN.String())
	put("STOP_LSN", b.StopLSN.String())
	put("START_TIME", b.StartTime.UTC().Format(timeLayout))
	if !b.EndTime.IsZero() {
		put("END_TIME", b.EndTime.UTC().Format(timeLayout))
	}
	put("RECOVERY_XID", strconv.FormatUint(uint64(b.RecoveryXID), 10))
	if !b.RecoveryTime.IsZero() {
		put("RECOVERY_TIME", b.RecoveryTime.UTC().Format(timeLayout))
	}
	put("DATA_BYTES", strconv.FormatInt(b.DataBytes, 10))
	put("WRITE_BYTES", strconv.FormatInt(b.WriteBytes, 10))
	put("FROM_REPLICA", strconv.FormatBool(b.FromReplica))
	put("STATUS", b.Status.String())
	if b.Parent != NoID {
		put("PARENT_BACKUP", string(b.Parent))
	}
	if b.MergeDest != NoID {
		put("MERGE_DEST", string(b.MergeDest))
	}
	if !b.ExpireTime.IsZero() {
		put("EXPIRE_TIME", b.ExpireTime.UTC().Format(timeLayout))
	}
	return bw.Flush()
}

// ParseControl reads a control file. id is the directory name the file
// was found under and becomes the backup's identity.
func ParseControl(id ID, r io.Reader) (*Backup, error) {
	b := &Backup{ID: id}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("backup %s control line %d: no separator in %q", id, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var err error
		switch key {
		case "BACKUP_MODE":
			b.Mode, err = ParseMode(value)
		case "STATUS":
			b.Status, err = ParseStatus(value)
		case "STREAM":
			b.Stream, err = strconv.ParseBool(value)
		case "COMPRESS_ALG":
			b.CompressAlg = value
		case "COMPRESS_LEVEL":
			b.CompressLevel, err = strconv.Atoi(value)
		case "EXTERNAL_DIRS":
			b.ExternalDirs = strings.Split(value, string(os.PathListSeparator))
		case "BLOCK_SIZE":
			var v uint64
			v, err = strconv.ParseUint(value, 10, 32)
			b.BlockSize = uint32(v)
		case "XLOG_BLOCK_SIZE":
			var v uint64
			v, err = strconv.ParseUint(value, 10, 32)
			b.WalBlockSize = uint32(v)
		case "XLOG_SEG_SIZE":
			b.WalSegSize, err = strconv.ParseUint(value, 10, 64)
		case "CHECKSUM_VERSION":
			var v uint64
			v, err = strconv.ParseUint(value, 10, 32)
			b.ChecksumVersion = uint32(v)
		case "SYSTEM_IDENTIFIER":
			b.SystemID, err = strconv.ParseUint(value, 10, 64)
		case "PROGRAM_VERSION":
			b.ProgramVersion = value
		case "TIMELINEID":
			var v uint64
			v, err = strconv.ParseUint(value, 10, 32)
			b.TLI = xlog.TimelineID(v)
		case "START_LSN":
			b.StartLSN, err = xlog.ParseLSN(value)
		case "STOP_LSN":
			b.StopLSN, err = xlog.ParseLSN(value)
		case "START_TIME":
			b.StartTime, err = time.Parse(timeLayout, value)
		case "END_TIME":
			b.EndTime, err = time.Parse(timeLayout, value)
		case "RECOVERY_XID":
			var v uint64
			v, err = strconv.ParseUint(value, 10, 32)
			b.RecoveryXID = uint32(v)
		case "RECOVERY_TIME":
			b.RecoveryTime, err = time.Parse(timeLayout, value)
		case "DATA_BYTES":
			b.DataBytes, err = strconv.ParseInt(value, 10, 64)
		case "WRITE_BYTES":
			b.WriteBytes, err = strconv.ParseInt(value, 10, 64)
		case "FROM_REPLICA":
			b.FromReplica, err = strconv.ParseBool(value)
		case "PARENT_BACKUP":
			b.Parent = ID(value)
		case "MERGE_DEST":
			b.MergeDest = ID(value)
		case "EXPIRE_TIME":
			b.ExpireTime, err = time.Parse(timeLayout, value)
		}
		if err != nil {
			return nil, fmt.Errorf("backup %s control line %d: %s: %w", id, lineNo, key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("backup %s: failed to read control file: %w", id, err)
	}
	if b.Mode == ModeInvalid || b.Status == StatusInvalid {
		return nil, fmt.Errorf("backup %s: control file missing mode or status", id)
	}
	return b, nil
}
