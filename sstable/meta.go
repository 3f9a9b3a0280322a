package sstable

import (
	"github.com/kessler-db/lsmkv/bloom"
)

// BlockMeta describes one compressed block within an sstable's data file:
// how many entries it holds, its logical (key+value, header excluded) and
// compressed sizes, the first key it contains, and where its compressed
// bytes start in the data file.
type BlockMeta struct {
	Count          int    `yaml:"count"`
	Size           uint32 `yaml:"size"`
	SizeCompressed uint32 `yaml:"size_compressed"`
	StartKey       []byte `yaml:"start_key"`
	StartOffset    uint64 `yaml:"start_offset"`
}

// TableMeta is the sidecar metadata document written alongside an
// sstable's data file: the block index, the table's membership filter, its
// creation timestamp, and the level it was flushed or compacted into.
type TableMeta struct {
	Blocks    []BlockMeta  `yaml:"blocks"`
	Filter    *bloom.Filter `yaml:"filter"`
	Timestamp int64        `yaml:"timestamp"`
	Level     int          `yaml:"level"`
}

// CompressedSize sums the compressed size of every block, the figure
// compaction's per-level threshold check compares against.
func (m *TableMeta) CompressedSize() uint64 {
	var total uint64
	for _, b := range m.Blocks {
		total += uint64(b.SizeCompressed)
	}
	return total
}
