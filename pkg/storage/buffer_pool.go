package storage

import "sync"

// BufferPool caches up to poolSize pages from a DiskManager in a fixed
// set of frames, evicting via LRU-K when full (spec.md §4.4). All
// public methods are serialized by one mutex; the invariants on the
// page table, replacer, and frame metadata hold across every call.
type BufferPool struct {
	mu sync.Mutex

	disk     *DiskManager
	replacer *LRUKReplacer

	frames    []*Page
	pageTable map[PageID]FrameID
	freeList  []FrameID
}

// NewBufferPool allocates poolSize frames backed by disk, with an
// LRU-K replacer using history depth k.
func NewBufferPool(disk *DiskManager, poolSize int, k int) *BufferPool {
	bp := &BufferPool{
		disk:      disk,
		replacer:  NewLRUKReplacer(k),
		frames:    make([]*Page, poolSize),
		pageTable: make(map[PageID]FrameID, poolSize),
	}
	for i := 0; i < poolSize; i++ {
		bp.frames[i] = &Page{}
		bp.freeList = append(bp.freeList, FrameID(i))
	}
	return bp
}

// PoolSize returns the fixed number of frames the pool manages.
func (bp *BufferPool) PoolSize() int {
	return len(bp.frames)
}

// victim returns a frame to reuse: the free list first, then the
// replacer. If the chosen frame holds a dirty page it is written back
// before its mapping is dropped. Caller must hold bp.mu.
func (bp *BufferPool) victim() (FrameID, bool) {
	if n := len(bp.freeList); n > 0 {
		fid := bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
		return fid, true
	}
	fid, ok := bp.replacer.Evict()
	if !ok {
		return 0, false
	}
	pg := bp.frames[fid]
	if pg.Dirty {
		_ = bp.disk.WritePage(pg.PageID(), pg.Buf[:])
	}
	delete(bp.pageTable, pg.PageID())
	return fid, true
}

// FetchPage returns the frame holding pageID, pinning it and reading it
// from disk first if it is not already resident. It returns nil if the
// pool has no evictable frame to make room.
func (bp *BufferPool) FetchPage(pageID PageID) *Page {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if fid, ok := bp.pageTable[pageID]; ok {
		pg := bp.frames[fid]
		pg.PinCount++
		bp.replacer.RecordAccess(fid)
		bp.replacer.SetEvictable(fid, false)
		return pg
	}

	fid, ok := bp.victim()
	if !ok {
		return nil
	}
	pg := bp.frames[fid]
	pg.Reset(pageID)
	pg.Dirty = false
	if err := bp.disk.ReadPage(pageID, pg.Buf[:]); err != nil {
		// Leave the frame free rather than publish a half-read page.
		bp.freeList = append(bp.freeList, fid)
		return nil
	}
	if pg.freeSpacePointer() == 0 {
		// A never-written page reads back as all zeros; give it an empty
		// header so its stored page id is pageID, which victim relies on.
		pg.Reset(pageID)
		pg.Dirty = false
	}
	bp.pageTable[pageID] = fid
	pg.PinCount = 1
	bp.replacer.RecordAccess(fid)
	bp.replacer.SetEvictable(fid, false)
	return pg
}

// NewPage allocates a fresh page id and a frame for it without reading
// from disk; the page is born empty and dirty.
func (bp *BufferPool) NewPage() (PageID, *Page) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.victim()
	if !ok {
		return InvalidPageID, nil
	}
	id := bp.disk.AllocatePage()
	pg := bp.frames[fid]
	pg.Reset(id)
	pg.Dirty = true
	pg.PinCount = 1
	bp.pageTable[id] = fid
	bp.replacer.RecordAccess(fid)
	bp.replacer.SetEvictable(fid, false)
	return id, pg
}

// Unpin decrements pageID's pin count (floored at 0), ORs in dirtyBit,
// and marks the frame evictable once the pin count reaches zero.
func (bp *BufferPool) Unpin(pageID PageID, dirtyBit bool) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable[pageID]
	if !ok {
		return false
	}
	pg := bp.frames[fid]
	if pg.PinCount > 0 {
		pg.PinCount--
	}
	if dirtyBit {
		pg.Dirty = true
	}
	if pg.PinCount == 0 {
		bp.replacer.SetEvictable(fid, true)
	}
	return true
}

// FlushPage writes pageID back to disk if resident, clearing its dirty
// flag regardless of pin state.
func (bp *BufferPool) FlushPage(pageID PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	fid, ok := bp.pageTable[pageID]
	if !ok {
		return ErrPageNotFound
	}
	pg := bp.frames[fid]
	if err := bp.disk.WritePage(pageID, pg.Buf[:]); err != nil {
		return err
	}
	pg.Dirty = false
	return nil
}

// FlushAll writes back every dirty resident page.
func (bp *BufferPool) FlushAll() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for pageID, fid := range bp.pageTable {
		pg := bp.frames[fid]
		if !pg.Dirty {
			continue
		}
		if err := bp.disk.WritePage(pageID, pg.Buf[:]); err != nil {
			return err
		}
		pg.Dirty = false
	}
	return nil
}

// DeletePage removes pageID from the pool and deallocates it on disk.
// It fails with ErrPagePinned if the page is currently pinned.
func (bp *BufferPool) DeletePage(pageID PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	fid, ok := bp.pageTable[pageID]
	if !ok {
		bp.disk.DeallocatePage(pageID)
		return nil
	}
	pg := bp.frames[fid]
	if pg.PinCount > 0 {
		return ErrPagePinned
	}
	delete(bp.pageTable, pageID)
	bp.replacer.Remove(fid)
	bp.freeList = append(bp.freeList, fid)
	bp.disk.DeallocatePage(pageID)
	return nil
}

// Close writes back every dirty frame before the pool is discarded,
// mirroring the destructor behavior spec.md §4.4 requires.
func (bp *BufferPool) Close() error {
	return bp.FlushAll()
}
