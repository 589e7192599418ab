package fileset

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"
	"time"
)

// Content file format: one line per entry, pipe-separated fields in a
// fixed order, pagemap base64 last. Field count is versioned only by
// appending; readers must accept longer lines than they know.
//
//	path|extdir|mode|size|read|write|crc|flags|segno|nblocks|uncsize|hdroff|hdrlen|mtime|pagemap
const contentFields = 15

const (
	flagDatafile = 1 << 0
	flagCFS      = 1 << 1
	flagSymlink  = 1 << 2
)

// WriteContent serializes the list to w in its current order.
func WriteContent(w io.Writer, list List) error {
	bw := bufio.NewWriter(w)
	for _, e := range list {
		flags := 0
		if e.IsDatafile {
			flags |= flagDatafile
		}
		if e.IsCFS {
			flags |= flagCFS
		}
		if e.LinkTarget != "" {
			flags |= flagSymlink
		}
		pathField := e.Path
		if e.LinkTarget != "" {
			pathField = e.Path + "->" + e.LinkTarget
		}
		_, err := fmt.Fprintf(bw, "%s|%d|%o|%d|%d|%d|%d|%d|%d|%d|%d|%d|%d|%d|%s\n",
			pathField, e.ExternalDir, uint32(e.Mode), e.Size, e.ReadSize, e.WriteSize,
			e.CRC, flags, e.SegNo, e.NBlocks, e.UncompSize, e.HdrOff, e.HdrLen,
			e.MTime.UnixNano(), e.PageMap.EncodeBase64())
		if err != nil {
			return fmt.Errorf("failed to write content line for %s: %w", e.Path, err)
		}
	}
	return bw.Flush()
}

// ParseContent reads a content file back into a list, preserving order.
func ParseContent(r io.Reader) (List, error) {
	var list List
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < contentFields {
			return nil, fmt.Errorf("content line %d: %d fields, want at least %d", lineNo, len(fields), contentFields)
		}
		e := &Entry{}
		e.Path = fields[0]
		if p, target, ok := strings.Cut(fields[0], "->"); ok {
			e.Path, e.LinkTarget = p, target
		}
		var err error
		if e.ExternalDir, err = strconv.Atoi(fields[1]); err != nil {
			return nil, fmt.Errorf("content line %d: extdir: %w", lineNo, err)
		}
		mode, err := strconv.ParseUint(fields[2], 8, 32)
		if err != nil {
			return nil, fmt.Errorf("content line %d: mode: %w", lineNo, err)
		}
		e.Mode = fs.FileMode(mode)
		if e.Size, err = strconv.ParseInt(fields[3], 10, 64); err != nil {
			return nil, fmt.Errorf("content line %d: size: %w", lineNo, err)
		}
		if e.ReadSize, err = strconv.ParseInt(fields[4], 10, 64); err != nil {
			return nil, fmt.Errorf("content line %d: read size: %w", lineNo, err)
		}
		if e.WriteSize, err = strconv.ParseInt(fields[5], 10, 64); err != nil {
			return nil, fmt.Errorf("content line %d: write size: %w", lineNo, err)
		}
		crc, err := strconv.ParseUint(fields[6], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("content line %d: crc: %w", lineNo, err)
		}
		e.CRC = uint32(crc)
		flags, err := strconv.Atoi(fields[7])
		if err != nil {
			return nil, fmt.Errorf("content line %d: flags: %w", lineNo, err)
		}
		e.IsDatafile = flags&flagDatafile != 0
		e.IsCFS = flags&flagCFS != 0
		if e.SegNo, err = strconv.Atoi(fields[8]); err != nil {
			return nil, fmt.Errorf("content line %d: segno: %w", lineNo, err)
		}
		nblocks, err := strconv.ParseInt(fields[9], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("content line %d: nblocks: %w", lineNo, err)
		}
		e.NBlocks = int32(nblocks)
		if e.UncompSize, err = strconv.ParseInt(fields[10], 10, 64); err != nil {
			return nil, fmt.Errorf("content line %d: uncompressed size: %w", lineNo, err)
		}
		if e.HdrOff, err = strconv.ParseInt(fields[11], 10, 64); err != nil {
			return nil, fmt.Errorf("content line %d: header offset: %w", lineNo, err)
		}
		hdrLen, err := strconv.ParseInt(fields[12], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("content line %d: header length: %w", lineNo, err)
		}
		e.HdrLen = int32(hdrLen)
		mtimeNs, err := strconv.ParseInt(fields[13], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("content line %d: mtime: %w", lineNo, err)
		}
		e.MTime = time.Unix(0, mtimeNs)
		if e.PageMap, err = DecodePageMap(fields[14]); err != nil {
			return nil, fmt.Errorf("content line %d: pagemap: %w", lineNo, err)
		}
		list = append(list, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read content file: %w", err)
	}
	return list, nil
}
