package db

import (
	"os"
	"time"

	"github.com/kessler-db/lsmkv/compaction"
	"github.com/kessler-db/lsmkv/errs"
	"github.com/kessler-db/lsmkv/sstable"
)

// flushLoop is the single long-running worker that serializes sealed
// memtables to sstables. It consumes flushCh until stopCh closes.
func (e *Engine) flushLoop() {
	defer e.wg.Done()
	for {
		select {
		case job := <-e.flushCh:
			if err := e.flushOne(job); err != nil {
				e.log.Errorw("db: flush failed, will retry on next start", "memtable", job.mt.ID, "error", err)
			}
		case <-e.stopCh:
			return
		}
	}
}

// flushOne writes job's memtable to a level-0 sstable, registers it, and
// deletes its source WAL. If the data and metadata files already exist —
// the signature of a flush that completed before a previous crash — it
// skips straight to registering and does not attempt to recreate them,
// since sstable.Flush's exclusive-create would otherwise fail. A data file
// left without its metadata file is removed and the table written again.
func (e *Engine) flushOne(job *flushJob) error {
	dataPath := sstable.DataPath(e.opts.DataDir, job.mt.ID)
	metaPath := sstable.MetaPath(e.opts.DataDir, job.mt.ID)

	_, dataErr := os.Stat(dataPath)
	_, metaErr := os.Stat(metaPath)
	alreadyFlushed := dataErr == nil && metaErr == nil

	if !alreadyFlushed {
		if dataErr == nil {
			if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
				return errs.Wrap(errs.IO, err, "db: remove half-written sstable data file")
			}
		}
		if _, err := sstable.Flush(e.opts.DataDir, job.mt, 0, e.opts.SSTableBlockSize, time.Now().UnixMilli()); err != nil {
			return err
		}
	}

	tbl, err := sstable.LoadTable(e.opts.DataDir, job.mt.ID)
	if err != nil {
		return err
	}
	e.reg.Add(tbl)

	e.mu.Lock()
	for i, j := range e.flushing {
		if j == job {
			e.flushing = append(e.flushing[:i], e.flushing[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	if err := os.Remove(job.walPath); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IO, err, "db: delete flushed wal")
	}
	return nil
}

// compactLoop runs the periodic compactor until stopCh closes.
func (e *Engine) compactLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.CompactionCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, err := compaction.RunAll(e.opts.DataDir, e.reg, e.opts.CompactionThreshold, e.opts.CompactionMaxLevels, e.opts.SSTableBlockSize, time.Now().UnixMilli(), e.log)
			if err != nil {
				e.log.Errorw("db: compaction pass failed", "error", err)
			}
		case <-e.stopCh:
			return
		}
	}
}
