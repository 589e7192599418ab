package walread

import (
	"sync"

	"pgbackup/internal/fileset"
)

// RelSegBlocks is how many blocks fit one relation segment file before
// the relation spills into "<relfilenode>.1" and so on.
const RelSegBlocks = 131072

// PageMapBuilder accumulates touched blocks into the file list of the
// backup being planned. Blocks for relations absent from the list
// (created and dropped between backups) are counted in Unmatched so
// the caller can ignore them knowingly.
type PageMapBuilder struct {
	mu sync.Mutex
	// files must be in SortByPathAsc order
	files fileset.List
	// Unmatched counts blocks that resolved to no list entry.
	Unmatched int
}

// NewPageMapBuilder wraps a path-sorted file list.
func NewPageMapBuilder(files fileset.List) *PageMapBuilder {
	return &PageMapBuilder{files: files}
}

// Apply folds one record's block references into the pagemaps. Only
// main-fork blocks mark pages; other forks are copied whole by the
// file walk. Bit OR makes updates commutative, so thread order never
// matters.
func (b *PageMapBuilder) Apply(rec *Record) {
	switch rec.RmID {
	case RmDatabase:
		// whole databases are created/dropped by file traversal
		return
	case RmSMGR:
		// file create/truncate shows up as a size difference
		return
	case RmXact:
		// commit/abort touch no data pages
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ref := range rec.Blocks {
		if ref.Fork != ForkMain {
			continue
		}
		segNo := int(ref.BlockNo / RelSegBlocks)
		relPath := fileset.RelPathOf(ref.DbOid, ref.RelNode, segNo)
		entry := b.files.Search(relPath, 0)
		if entry == nil {
			b.Unmatched++
			continue
		}
		if entry.PageMap == nil {
			entry.PageMap = &fileset.PageMap{}
		}
		entry.PageMap.Set(ref.BlockNo % RelSegBlocks)
	}
}
