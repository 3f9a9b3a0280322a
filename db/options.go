package db

import (
	"time"

	"go.uber.org/zap"
)

// Options configures an Engine. Loading options from a file or environment
// is out of scope here; callers construct this struct directly, typically
// starting from DefaultOptions.
type Options struct {
	DataDir string // directory holding WAL and sstable files

	MemtableMaxCount int    // rotate the writable memtable once it holds more than this many keys
	SSTableBlockSize uint32 // target uncompressed block size in bytes

	CompactionThreshold    uint64        // per-level compressed bytes triggering compaction
	CompactionCheckPeriod  time.Duration // compactor loop period
	CompactionMaxLevels    int           // number of levels; the compactor works levels 0..CompactionMaxLevels-1

	// SyncOnWrite controls whether WAL appends fsync. DefaultOptions sets
	// it true; with false, a Put or Delete returns before its WAL record is
	// fsync'd. The CLI exposes it as the --sync flag.
	SyncOnWrite bool

	Logger *zap.SugaredLogger
}

// DefaultOptions returns sane defaults for an on-disk engine rooted at dir.
func DefaultOptions(dir string) Options {
	return Options{
		DataDir:               dir,
		MemtableMaxCount:      1000,
		SSTableBlockSize:      4096,
		CompactionThreshold:   1 << 20,
		CompactionCheckPeriod: 30 * time.Second,
		CompactionMaxLevels:   4,
		SyncOnWrite:           true,
	}
}

func (o *Options) withDefaults() {
	if o.MemtableMaxCount <= 0 {
		o.MemtableMaxCount = 1000
	}
	if o.SSTableBlockSize == 0 {
		o.SSTableBlockSize = 4096
	}
	if o.CompactionMaxLevels <= 0 {
		o.CompactionMaxLevels = 4
	}
	if o.CompactionCheckPeriod <= 0 {
		o.CompactionCheckPeriod = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
}
