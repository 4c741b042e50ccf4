package lsm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DB is the user-facing interface.
type DB interface {
	Get(ctx context.Context, key []byte, ro *ReadOptions) ([]byte, bool, error)
	Put(ctx context.Context, key, value []byte, wo *WriteOptions) error
	Delete(ctx context.Context, key []byte, wo *WriteOptions) error
	Write(ctx context.Context, batch *WriteBatch, wo *WriteOptions) error
	NewIterator(ro *ReadOptions) Iterator
	NewSnapshot() *Snapshot
	ReleaseSnapshot(*Snapshot)
	Flush(ctx context.Context) error
	CompactLevel(level int) error
	GetStats() Stats
	Close() error
}

// WriteBatchOp is one mutation queued in a WriteBatch.
type WriteBatchOp struct {
	Kind  uint8 // KindPut or KindDel
	Key   []byte
	Value []byte
}

// WriteBatch groups several mutations that DB.Write commits together
// under one write lock, the way the reference engine's WriteBatch
// commits as a single unit. Each op still gets its own sequence number,
// assigned in batch order.
type WriteBatch struct {
	ops []WriteBatchOp
}

func (b *WriteBatch) Put(key, value []byte) {
	b.ops = append(b.ops, WriteBatchOp{Kind: KindPut, Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
}

func (b *WriteBatch) Delete(key []byte) {
	b.ops = append(b.ops, WriteBatchOp{Kind: KindDel, Key: append([]byte(nil), key...)})
}

func (b *WriteBatch) Len() int { return len(b.ops) }

type dbImpl struct {
	opts Options
	log  Logger

	mu     sync.RWMutex // guards memTable, flushQueue, closed
	seq    atomic.Uint64
	closed bool

	wal         *Wal // nil when opts.DisableWAL
	walMgr      *WalManager
	memTable    MemTable
	flushQueue  []ImmutableMemTable
	flushSignal chan struct{}
	stopChan    chan struct{}
	flushWg     sync.WaitGroup

	vs        *VersionSet
	compactor *Compactor

	sstMu      sync.RWMutex
	sstReaders map[uint64]*tableReader

	stats Stats
}

// Open loads any existing manifest and WAL segments, replays them into
// a fresh memtable, removes orphaned SSTable files left by a crash
// mid-flush or mid-compaction, and starts the background flush and
// compaction loops.
func Open(opts Options) (DB, error) {
	opts = opts.withDefaults()
	if opts.Dir == "" {
		opts.Dir = "./data"
	}

	if opts.CreateIfMissing {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, IOErrorWrap("create db directory", err)
		}
	}
	if _, err := os.Stat(opts.Dir); err != nil {
		if os.IsNotExist(err) {
			return nil, NotFoundf("db directory %s does not exist and CreateIfMissing is false", opts.Dir)
		}
		return nil, IOErrorWrap("stat db directory", err)
	}

	isNew := true
	if _, err := os.Stat(manifestPath(opts.Dir)); err == nil {
		isNew = false
	} else if !os.IsNotExist(err) {
		return nil, IOErrorWrap("stat manifest", err)
	}
	if !isNew && opts.ErrorIfExists {
		return nil, AlreadyExistsf("database already exists at %s", opts.Dir)
	}

	db := &dbImpl{
		opts:        opts,
		log:         NewStdLogger(),
		memTable:    newMemTable(),
		flushQueue:  make([]ImmutableMemTable, 0),
		flushSignal: make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		sstReaders:  make(map[uint64]*tableReader),
	}

	vs, err := LoadManifest(opts.Dir, opts.MaxLevels)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	db.vs = vs

	if err := db.replayWAL(); err != nil {
		return nil, err
	}

	if !opts.DisableWAL {
		w, err := OpenWAL(WalOptions{
			Dir:         opts.Dir,
			FileId:      int(db.seq.Load()) + 1,
			RollSize:    int64(opts.WALRollSize),
			FsyncPolicy: opts.FsyncPolicy,
		})
		if err != nil {
			return nil, err
		}
		db.wal = w
		db.walMgr = NewWalManager(opts.Dir)
	}

	if err := db.openTrackedTables(); err != nil {
		return nil, err
	}
	db.collectOrphans()

	db.compactor = NewCompactor(opts, db.vs, db.openTableFor, db.onCompactionResult, db.log)
	db.compactor.Start()

	db.flushWg.Add(1)
	go db.flushLoop()

	return db, nil
}

// replayWAL applies every *.wal segment in the directory, oldest first,
// advancing db.seq past the highest sequence number it finds. A torn
// tail record is handled by ReplayFile itself (truncate, no error).
func (db *dbImpl) replayWAL() error {
	entries, err := os.ReadDir(db.opts.Dir)
	if err != nil {
		return IOErrorWrap("read db directory", err)
	}

	type walEnt struct {
		seq  uint64
		path string
	}
	var wals []walEnt
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".wal") {
			continue
		}
		seqStr := strings.TrimSuffix(e.Name(), ".wal")
		var seq uint64
		if _, err := fmt.Sscanf(seqStr, "%d", &seq); err != nil {
			continue
		}
		wals = append(wals, walEnt{seq: seq, path: filepath.Join(db.opts.Dir, e.Name())})
	}
	sort.Slice(wals, func(i, j int) bool { return wals[i].seq < wals[j].seq })

	apply := func(rec *WalRecord) error {
		switch rec.Op {
		case KindPut:
			return db.memTable.Put(rec.Key, rec.Value, rec.Seq)
		case KindDel:
			return db.memTable.Delete(rec.Key, rec.Seq)
		}
		return InvalidArgf("unknown wal op %d", rec.Op)
	}

	var maxSeq uint64
	for _, we := range wals {
		f, err := os.OpenFile(we.path, os.O_RDWR, 0o644)
		if err != nil {
			return IOErrorWrap("open wal segment for replay", err)
		}
		fileMaxSeq, rerr := ReplayFile(f, apply)
		_ = f.Close()
		if rerr != nil {
			return rerr
		}
		if fileMaxSeq > maxSeq {
			maxSeq = fileMaxSeq
		}
	}
	db.seq.Store(maxSeq)
	return nil
}

// openTrackedTables opens a reader for every SSTable the manifest
// knows about.
func (db *dbImpl) openTrackedTables() error {
	for _, f := range db.vs.AllFiles() {
		if _, err := db.openTableFor(f.FileNumber); err != nil {
			return err
		}
	}
	return nil
}

// openTableFor returns a cached reader for fileNumber, opening and
// caching one on first use.
func (db *dbImpl) openTableFor(fileNumber uint64) (*tableReader, error) {
	db.sstMu.RLock()
	if tr, ok := db.sstReaders[fileNumber]; ok {
		db.sstMu.RUnlock()
		return tr, nil
	}
	db.sstMu.RUnlock()

	path := filepath.Join(db.opts.Dir, sstFileName(fileNumber))
	f, err := os.Open(path)
	if err != nil {
		return nil, IOErrorWrap("open sstable", err)
	}
	tr, err := OpenTable(f, db.opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	db.sstMu.Lock()
	db.sstReaders[fileNumber] = tr
	db.sstMu.Unlock()
	return tr, nil
}

// onCompactionResult drops cached readers for files a compaction just
// removed; the files themselves are already deleted from disk by the
// compactor.
func (db *dbImpl) onCompactionResult(job CompactionJob, out FileMetaData) {
	db.sstMu.Lock()
	for _, f := range job.Inputs {
		if tr, ok := db.sstReaders[f.FileNumber]; ok {
			_ = tr.Close()
			delete(db.sstReaders, f.FileNumber)
		}
	}
	db.sstMu.Unlock()
}

// collectOrphans removes *.sst files on disk that the manifest does not
// track (a flush or compaction that crashed after writing its output
// but before the manifest update) and any leftover *.sst.tmp files.
func (db *dbImpl) collectOrphans() {
	entries, err := os.ReadDir(db.opts.Dir)
	if err != nil {
		return
	}
	tracked := make(map[string]bool)
	for _, f := range db.vs.AllFiles() {
		tracked[sstFileName(f.FileNumber)] = true
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".sst.tmp") {
			_ = os.Remove(filepath.Join(db.opts.Dir, name))
			continue
		}
		if strings.HasSuffix(name, ".sst") && !tracked[name] {
			db.log.Infof("removing orphaned sstable %s", name)
			_ = os.Remove(filepath.Join(db.opts.Dir, name))
		}
	}
}

func (db *dbImpl) Get(ctx context.Context, key []byte, ro *ReadOptions) ([]byte, bool, error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, false, ErrClosed
	}

	seqLimit := ^uint64(0)
	if ro != nil && ro.Snapshot != nil {
		seqLimit = ro.Snapshot.Seq
	}

	mem := db.memTable
	queue := make([]ImmutableMemTable, len(db.flushQueue))
	copy(queue, db.flushQueue)
	db.mu.RUnlock()

	atomic.AddUint64(&db.stats.NumReads, 1)

	if val, ok, err := mem.Get(key, seqLimit); err != nil {
		return nil, false, err
	} else if ok {
		return val, true, nil
	}

	for i := len(queue) - 1; i >= 0; i-- {
		if val, ok, err := queue[i].Get(key, seqLimit); err != nil {
			return nil, false, err
		} else if ok {
			return val, true, nil
		}
	}

	for level := 0; level < db.opts.MaxLevels; level++ {
		files := db.vs.GetFilesAtLevel(level)
		if level == 0 {
			// L0 files may overlap in key range; search newest first.
			for i := len(files) - 1; i >= 0; i-- {
				if val, ok, err := db.getFromFile(files[i], key, seqLimit); err == nil && ok {
					return val, true, nil
				}
			}
			continue
		}
		// Levels above 0 hold disjoint files, so a true binary search
		// by key range would do fewer comparisons than this linear
		// scan; Overlaps at least skips opening files that can't
		// contain key.
		for _, f := range files {
			if !f.Overlaps(key, key) {
				continue
			}
			if val, ok, err := db.getFromFile(f, key, seqLimit); err == nil && ok {
				return val, true, nil
			}
		}
	}

	return nil, false, nil
}

func (db *dbImpl) getFromFile(f FileMetaData, key []byte, seqLimit uint64) ([]byte, bool, error) {
	tr, err := db.openTableFor(f.FileNumber)
	if err != nil {
		return nil, false, err
	}
	val, ok, err := tr.Get(key, seqLimit)
	if !ok || err != nil {
		return nil, false, err
	}
	return append([]byte(nil), val...), true, nil
}

func (db *dbImpl) Put(ctx context.Context, key, value []byte, wo *WriteOptions) error {
	var b WriteBatch
	b.Put(key, value)
	return db.Write(ctx, &b, wo)
}

func (db *dbImpl) Delete(ctx context.Context, key []byte, wo *WriteOptions) error {
	var b WriteBatch
	b.Delete(key)
	return db.Write(ctx, &b, wo)
}

// Write commits every op in batch to the WAL and memtable before
// returning, so readers either see all of them or none.
func (db *dbImpl) Write(ctx context.Context, batch *WriteBatch, wo *WriteOptions) error {
	if batch == nil || len(batch.ops) == 0 {
		return nil
	}
	wantSync := db.opts.SyncWrites || (wo != nil && wo.Sync)

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	// Each op in the batch gets its own sequence number (spec.md §4.13:
	// "Batched writes allocate a sequence per operation, not per
	// batch"), assigned in ascending order so the batch's relative
	// order is preserved under the internal-key ordering.
	seqs := make([]uint64, len(batch.ops))
	for i := range batch.ops {
		seqs[i] = db.seq.Add(1)
	}

	if db.wal != nil {
		for i, op := range batch.ops {
			rec := &WalRecord{Seq: seqs[i], Op: op.Kind, Key: op.Key, Value: op.Value}
			forceSync := wantSync && i == len(batch.ops)-1
			if err := db.wal.Append(rec, forceSync); err != nil {
				return err
			}
		}
	}

	for i, op := range batch.ops {
		switch op.Kind {
		case KindPut:
			if err := db.memTable.Put(op.Key, op.Value, seqs[i]); err != nil {
				return err
			}
			atomic.AddUint64(&db.stats.NumWrites, 1)
		case KindDel:
			if err := db.memTable.Delete(op.Key, seqs[i]); err != nil {
				return err
			}
			atomic.AddUint64(&db.stats.NumDeletes, 1)
		default:
			return InvalidArgf("unknown write batch op %d", op.Kind)
		}
	}

	if db.opts.MemTableSize > 0 && db.memTable.ApproxSize() >= int64(db.opts.MemTableSize) {
		imm, err := db.memTable.Freeze()
		if err != nil {
			return err
		}
		db.memTable = newMemTable()
		db.flushQueue = append(db.flushQueue, imm)

		// Close the segment the frozen memtable was written against and
		// open a fresh one for the new active memtable, so the closed
		// segment maps to exactly one flush and TrimBelow can reclaim it
		// once that flush's manifest update commits.
		if db.wal != nil {
			if err := db.wal.Rotate(db.seq.Load() + 1); err != nil {
				return err
			}
		}

		select {
		case db.flushSignal <- struct{}{}:
		default:
		}
	}

	return nil
}

func (db *dbImpl) NewIterator(ro *ReadOptions) Iterator {
	db.mu.RLock()
	seqLimit := ^uint64(0)
	var prefix []byte
	if ro != nil {
		if ro.Snapshot != nil {
			seqLimit = ro.Snapshot.Seq
		}
		prefix = ro.Prefix
	}

	var sources []internalSource
	sources = append(sources, db.memTable.NewInternalIterator().(internalSource))
	for i := len(db.flushQueue) - 1; i >= 0; i-- {
		sources = append(sources, db.flushQueue[i].NewInternalIterator().(internalSource))
	}
	for level := 0; level < db.opts.MaxLevels; level++ {
		files := db.vs.GetFilesAtLevel(level)
		if level == 0 {
			for i := len(files) - 1; i >= 0; i-- {
				if src := db.internalSourceForFile(files[i]); src != nil {
					sources = append(sources, src)
				}
			}
			continue
		}
		for _, f := range files {
			if src := db.internalSourceForFile(f); src != nil {
				sources = append(sources, src)
			}
		}
	}
	db.mu.RUnlock()

	return newMergingIterator(sources, seqLimit, prefix)
}

func (db *dbImpl) internalSourceForFile(f FileMetaData) internalSource {
	tr, err := db.openTableFor(f.FileNumber)
	if err != nil {
		return nil
	}
	return tableInternalSource{it: &tableIter{tr: tr}}
}

func (db *dbImpl) NewSnapshot() *Snapshot {
	return &Snapshot{Seq: db.seq.Load()}
}

func (db *dbImpl) ReleaseSnapshot(_ *Snapshot) {}

// Flush forces every pending immutable memtable out to an SSTable and
// blocks until the queue drains.
func (db *dbImpl) Flush(ctx context.Context) error {
	db.mu.Lock()
	if db.memTable.NumEntries() > 0 {
		imm, err := db.memTable.Freeze()
		if err != nil {
			db.mu.Unlock()
			return err
		}
		db.memTable = newMemTable()
		db.flushQueue = append(db.flushQueue, imm)
		if db.wal != nil {
			if err := db.wal.Rotate(db.seq.Load() + 1); err != nil {
				db.mu.Unlock()
				return err
			}
		}
	}
	queue := db.flushQueue
	db.flushQueue = nil
	db.mu.Unlock()

	for _, imm := range queue {
		if err := db.flushImmutableMemTable(imm); err != nil {
			return err
		}
	}
	db.compactor.MaybeScheduleCompaction()
	return nil
}

func (db *dbImpl) CompactLevel(level int) error {
	return db.compactor.CompactLevel(level)
}

func (db *dbImpl) GetStats() Stats {
	db.sstMu.RLock()
	numSST := len(db.sstReaders)
	db.sstMu.RUnlock()

	var diskUsage int64
	for _, f := range db.vs.AllFiles() {
		diskUsage += int64(f.FileSize)
	}

	return Stats{
		NumReads:    atomic.LoadUint64(&db.stats.NumReads),
		NumWrites:   atomic.LoadUint64(&db.stats.NumWrites),
		NumDeletes:  atomic.LoadUint64(&db.stats.NumDeletes),
		CacheHits:   atomic.LoadUint64(&db.stats.CacheHits),
		CacheMisses: atomic.LoadUint64(&db.stats.CacheMisses),
		NumEntries:  uint64(db.memTable.NumEntries()),
		NumSSTables: numSST,
		DiskUsage:   diskUsage,
	}
}

func (db *dbImpl) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	close(db.stopChan)
	db.flushWg.Wait()
	db.compactor.Stop()

	var firstErr error
	if db.wal != nil {
		if err := db.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	db.sstMu.Lock()
	for _, tr := range db.sstReaders {
		if err := tr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	db.sstMu.Unlock()

	return firstErr
}

// flushLoop drains the flush queue either on a timer or as soon as a
// write signals it (MemTableSize exceeded), whichever comes first.
func (db *dbImpl) flushLoop() {
	defer db.flushWg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopChan:
			db.drainFlushQueue()
			return
		case <-ticker.C:
			db.drainFlushQueue()
		case <-db.flushSignal:
			db.drainFlushQueue()
		}
	}
}

func (db *dbImpl) drainFlushQueue() {
	for {
		db.mu.Lock()
		if len(db.flushQueue) == 0 {
			db.mu.Unlock()
			return
		}
		imm := db.flushQueue[0]
		db.flushQueue = db.flushQueue[1:]
		db.mu.Unlock()

		if err := db.flushImmutableMemTable(imm); err != nil {
			db.log.Errorf("flush failed: %v", err)
			continue
		}
		db.compactor.MaybeScheduleCompaction()
	}
}

// flushImmutableMemTable writes imm out as a new L0 SSTable, registers
// it with the manifest, and caches a reader for it.
func (db *dbImpl) flushImmutableMemTable(imm ImmutableMemTable) error {
	tmpFile, err := os.CreateTemp(db.opts.Dir, "flush-*.sst.tmp")
	if err != nil {
		return IOErrorWrap("create flush temp file", err)
	}
	tmpPath := tmpFile.Name()

	tw, err := NewTableWriter(tmpFile, db.opts)
	if err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	it := imm.NewInternalIterator()
	it.First()
	var smallest, largest []byte
	var entries uint64
	var maxSeq uint64
	for it.Valid() {
		ik := it.InternalKey()
		if smallest == nil {
			smallest = append([]byte(nil), ik.UserKey...)
		}
		largest = append([]byte(nil), ik.UserKey...)
		if ik.Seq > maxSeq {
			maxSeq = ik.Seq
		}
		if err := tw.Add(ik, it.Value()); err != nil {
			_ = tw.Close()
			_ = os.Remove(tmpPath)
			return err
		}
		entries++
		it.Next()
	}
	_ = it.Close()

	if _, err := tw.Finish(); err != nil {
		_ = tw.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tw.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	fileNumber := db.vs.NextFileNumber()
	finalPath := filepath.Join(db.opts.Dir, sstFileName(fileNumber))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return IOErrorWrap("rename flushed sstable into place", err)
	}

	st, err := os.Stat(finalPath)
	if err != nil {
		return IOErrorWrap("stat flushed sstable", err)
	}

	meta := FileMetaData{
		FileNumber:      fileNumber,
		FileSize:        uint64(st.Size()),
		Filename:        finalPath,
		SmallestUserKey: smallest,
		LargestUserKey:  largest,
		NumEntries:      entries,
		Level:           0,
	}
	db.vs.AddFile(0, meta)
	if err := db.vs.WriteManifest(); err != nil {
		return err
	}

	if _, err := db.openTableFor(fileNumber); err != nil {
		return err
	}

	// Everything just written to this SSTable is durable under maxSeq;
	// any WAL segment whose records are all below it can go.
	if db.walMgr != nil {
		if _, err := db.walMgr.TrimBelow(maxSeq); err != nil {
			db.log.Errorf("wal trim failed: %v", err)
		}
	}
	return nil
}
