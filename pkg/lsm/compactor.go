package lsm

import (
	"container/heap"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

func sstFileName(fileNumber uint64) string { return fmt.Sprintf("%d.sst", fileNumber) }

// CompactionJob names the inputs for a single leveled compaction:
// merge every file at level into one (or more, here: one) file at
// level+1.
type CompactionJob struct {
	Level  int
	Inputs []FileMetaData
}

// CompactorStats mirrors the reference engine's Compactor::Stats.
type CompactorStats struct {
	BytesRead           uint64
	BytesWritten        uint64
	FilesCompacted      uint64
	CompactionsCompleted uint64
}

// Compactor owns the single background goroutine that keeps level
// sizes within their triggers, running one compaction job at a time.
type Compactor struct {
	opts Options
	vs   *VersionSet

	openTable func(fileNumber uint64) (*tableReader, error)
	onResult  func(job CompactionJob, out FileMetaData)

	mu                 sync.Mutex
	cond               *sync.Cond
	running            bool
	pendingCompaction  bool
	stopCh             chan struct{}
	wg                 sync.WaitGroup
	stats              CompactorStats
	log                Logger
}

// NewCompactor wires a Compactor to a VersionSet. openTable resolves a
// file number to an open reader (the DB owns the actual file handle
// cache); onResult is called after a job's manifest update so the DB
// can swap its in-memory reader set to match.
func NewCompactor(opts Options, vs *VersionSet, openTable func(uint64) (*tableReader, error), onResult func(CompactionJob, FileMetaData), log Logger) *Compactor {
	c := &Compactor{opts: opts, vs: vs, openTable: openTable, onResult: onResult, log: log}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Compactor) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.backgroundLoop()
}

func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()
	c.cond.Broadcast()
	c.wg.Wait()
}

// MaybeScheduleCompaction marks a compaction check as pending and
// broadcasts on c.cond. The background loop does not wait on c.cond, so
// it is not woken early: it re-checks every level's trigger on its next
// 1-second tick.
func (c *Compactor) MaybeScheduleCompaction() {
	c.mu.Lock()
	c.pendingCompaction = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Compactor) GetStats() CompactorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Compactor) backgroundLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		c.pendingCompaction = false
		c.mu.Unlock()

		for level := 0; level < c.opts.MaxLevels-1; level++ {
			if !c.vs.NeedsCompaction(level, c.opts.Level0CompactionTrigger, c.opts.BaseLevelBytes, c.opts.LevelSizeMultiplier) {
				continue
			}
			job, ok := c.pickCompaction(level)
			if !ok {
				continue
			}
			if err := c.doCompaction(job); err != nil && c.log != nil {
				c.log.Errorf("compaction at level %d failed: %v", level, err)
			}
			break
		}
	}
}

// pickCompaction takes every file currently at level — the simplest
// possible strategy, matching the reference engine, which compacts a
// whole level at once rather than picking a minimal overlapping subset.
func (c *Compactor) pickCompaction(level int) (CompactionJob, bool) {
	inputs := c.vs.GetFilesAtLevel(level)
	if len(inputs) == 0 {
		return CompactionJob{}, false
	}
	return CompactionJob{Level: level, Inputs: inputs}, true
}

// CompactLevel runs one compaction job synchronously for the given
// level (DB.CompactLevel(-1) tries every level in turn).
func (c *Compactor) CompactLevel(level int) error {
	if level < 0 {
		for l := 0; l < c.opts.MaxLevels-1; l++ {
			job, ok := c.pickCompaction(l)
			if !ok {
				continue
			}
			if err := c.doCompaction(job); err != nil {
				return err
			}
		}
		return nil
	}
	job, ok := c.pickCompaction(level)
	if !ok {
		return nil
	}
	return c.doCompaction(job)
}

// doCompaction merges every input file's entries into one new file at
// level+1. Per the reference merger, entries are not deduplicated or
// tombstone-filtered here — every version that existed in the inputs
// survives the merge untouched; reads above still apply seq-based
// visibility when they consult this file.
func (c *Compactor) doCompaction(job CompactionJob) error {
	readers := make([]*tableReader, 0, len(job.Inputs))
	for _, f := range job.Inputs {
		tr, err := c.openTable(f.FileNumber)
		if err != nil {
			return err
		}
		readers = append(readers, tr)
	}

	outputNumber := c.vs.NextFileNumber()
	outPath := filepath.Join(c.opts.Dir, sstFileName(outputNumber))
	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return IOErrorWrap("create compaction output", err)
	}
	tw, err := NewTableWriter(outFile, c.opts)
	if err != nil {
		_ = outFile.Close()
		return err
	}

	sources := make([]internalSource, 0, len(readers))
	for _, tr := range readers {
		it := &tableIter{tr: tr}
		it.First()
		if it.Valid() {
			sources = append(sources, tableInternalSource{it: it})
		}
	}

	var h mergeHeap
	for i, s := range sources {
		heap.Push(&h, mergeHeapItem{src: s, sourceIdx: i})
	}
	var smallest, largest []byte
	var entries uint64
	for h.Len() > 0 {
		item := heap.Pop(&h).(mergeHeapItem)
		ik := item.src.InternalKey()
		if smallest == nil {
			smallest = append([]byte(nil), ik.UserKey...)
		}
		largest = append([]byte(nil), ik.UserKey...)
		if err := tw.Add(ik, item.src.Value()); err != nil {
			_ = tw.Close()
			return err
		}
		entries++
		item.src.Next()
		if item.src.Valid() {
			heap.Push(&h, item)
		}
	}

	if _, err := tw.Finish(); err != nil {
		_ = tw.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	st, err := os.Stat(outPath)
	if err != nil {
		return IOErrorWrap("stat compaction output", err)
	}

	outMeta := FileMetaData{
		FileNumber:      outputNumber,
		FileSize:        uint64(st.Size()),
		Filename:        outPath,
		SmallestUserKey: smallest,
		LargestUserKey:  largest,
		NumEntries:      entries,
		Level:           job.Level + 1,
	}

	deleted := make([]uint64, 0, len(job.Inputs))
	for _, f := range job.Inputs {
		deleted = append(deleted, f.FileNumber)
	}
	c.vs.RemoveFiles(job.Level, deleted)
	c.vs.AddFile(job.Level+1, outMeta)
	if err := c.vs.WriteManifest(); err != nil {
		return err
	}

	for _, f := range job.Inputs {
		_ = os.Remove(f.Filename)
	}

	c.mu.Lock()
	for _, f := range job.Inputs {
		c.stats.BytesRead += f.FileSize
	}
	c.stats.BytesWritten += outMeta.FileSize
	c.stats.FilesCompacted += uint64(len(job.Inputs))
	c.stats.CompactionsCompleted++
	c.mu.Unlock()

	if c.onResult != nil {
		c.onResult(job, outMeta)
	}
	return nil
}
