// Package compaction implements the periodic per-level merge that keeps
// the number of sstables at each level bounded: once a level's tables
// reach its configured threshold of compressed bytes, they are merged into
// one new table one level deeper.
package compaction

import (
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/kessler-db/lsmkv/errs"
	"github.com/kessler-db/lsmkv/memtable"
	"github.com/kessler-db/lsmkv/sstable"
	"github.com/kessler-db/lsmkv/wal"
)

// IsFlushing reports whether table id still has a live WAL file in dataDir.
// A table in this state was written by a flush that has not yet deleted
// its source WAL, so compaction must leave it alone until the flush
// finishes (§4.6 step 1).
func IsFlushing(dataDir, id string) bool {
	_, err := os.Stat(wal.Path(dataDir, id))
	return err == nil
}

// candidates returns the non-flushing tables at level, newest first by
// creation timestamp.
func candidates(dataDir string, reg *sstable.Registry, level int) []*sstable.Table {
	all := reg.TablesAtLevel(level)
	out := make([]*sstable.Table, 0, len(all))
	for _, t := range all {
		if IsFlushing(dataDir, t.ID) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Meta.Timestamp > out[j].Meta.Timestamp
	})
	return out
}

// Run checks level for compaction eligibility and, if its non-flushing
// tables' total compressed size reaches threshold bytes, merges them into a
// single new table at level+1 (at level itself when isLastLevel is true).
// It reports whether a merge happened.
//
// isLastLevel controls tombstone handling: a tombstone merged into the
// final level is dropped rather than carried forward, since there is no
// deeper level left for it to shadow (§9). Merging anywhere else keeps
// tombstones so they continue to shadow older data once it compacts down.
func Run(dataDir string, reg *sstable.Registry, level int, threshold uint64, blockSize uint32, nowMillis int64, isLastLevel bool, logger *zap.SugaredLogger) (bool, error) {
	cands := candidates(dataDir, reg, level)
	if len(cands) == 0 {
		return false, nil
	}
	var totalCompressed uint64
	for _, t := range cands {
		totalCompressed += t.Meta.CompressedSize()
	}
	if totalCompressed < threshold {
		return false, nil
	}

	merged := memtable.New()
	// cands is newest-first; walk oldest-to-newest so a later candidate's
	// entry for a given key overwrites an earlier one, matching the
	// newest-wins overlay rule used everywhere else in the engine.
	for i := len(cands) - 1; i >= 0; i-- {
		next := cands[i].Scan()
		for {
			e, ok, err := next()
			if err != nil {
				return false, err
			}
			if !ok {
				break
			}
			if e.Value.Tombstone {
				merged.Delete(e.Key)
				continue
			}
			merged.Insert(e.Key, e.Value.Bytes)
		}
	}
	// Tombstones first shadow older values inside the merge; at the final
	// level they are then left out of the output.
	if isLastLevel {
		live := memtable.NewWithID(merged.ID)
		for _, e := range merged.Entries() {
			if !e.Value.Tombstone {
				live.Insert(e.Key, e.Value.Bytes)
			}
		}
		merged = live
	}

	// The final level has nowhere deeper to promote into; its compaction
	// output stays at the same level so future passes can still find and
	// re-merge it instead of producing an ever-growing, unreachable tail.
	newLevel := level + 1
	if isLastLevel {
		newLevel = level
	}
	if _, err := sstable.Flush(dataDir, merged, newLevel, blockSize, nowMillis); err != nil {
		return false, err
	}
	newTable, err := sstable.LoadTable(dataDir, merged.ID)
	if err != nil {
		return false, err
	}

	// Register the merge's output before removing its inputs: a concurrent
	// reader must never observe a window where neither the old tables nor
	// the new one are visible.
	reg.Add(newTable)

	for _, t := range cands {
		reg.Remove(t.ID)
		if err := os.Remove(t.DataPath); err != nil && !os.IsNotExist(err) {
			return false, errs.Wrap(errs.IO, err, "compaction: remove old data file")
		}
		if err := os.Remove(t.MetaPath); err != nil && !os.IsNotExist(err) {
			return false, errs.Wrap(errs.IO, err, "compaction: remove old meta file")
		}
	}

	if logger != nil {
		logger.Infow("compaction: merged level", "level", level, "inputs", len(cands), "new_table", merged.ID, "new_level", newLevel)
	}
	return true, nil
}

// RunAll walks every populated level from 0 up to maxLevels-1 and runs one
// compaction pass per level, returning the number of levels that merged.
func RunAll(dataDir string, reg *sstable.Registry, threshold uint64, maxLevels int, blockSize uint32, nowMillis int64, logger *zap.SugaredLogger) (int, error) {
	merges := 0
	for level := 0; level < maxLevels; level++ {
		isLast := level == maxLevels-1
		did, err := Run(dataDir, reg, level, threshold, blockSize, nowMillis, isLast, logger)
		if err != nil {
			return merges, err
		}
		if did {
			merges++
		}
	}
	return merges, nil
}
