package storage

import (
	"path/filepath"
	"testing"
)

func newTestPool(t *testing.T, poolSize, k int) *BufferPool {
	t.Helper()
	dm, err := OpenDiskManager(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("OpenDiskManager: %v", err)
	}
	t.Cleanup(func() { dm.Close() })
	return NewBufferPool(dm, poolSize, k)
}

func TestBufferPool_NewFetchUnpin(t *testing.T) {
	bp := newTestPool(t, 4, 2)

	id, pg := bp.NewPage()
	if pg == nil {
		t.Fatalf("NewPage returned nil")
	}
	if pg.PinCount != 1 {
		t.Fatalf("PinCount = %d, want 1", pg.PinCount)
	}
	copy(pg.Buf[headerSize:], []byte("payload"))
	if !bp.Unpin(id, true) {
		t.Fatalf("Unpin returned false")
	}

	pg2 := bp.FetchPage(id)
	if pg2 == nil {
		t.Fatalf("FetchPage returned nil")
	}
	if string(pg2.Buf[headerSize:headerSize+7]) != "payload" {
		t.Fatalf("FetchPage did not return the same contents")
	}
	bp.Unpin(id, false)
}

func TestBufferPool_DirtyWriteBackOnEviction(t *testing.T) {
	bp := newTestPool(t, 1, 2)

	id0, pg0 := bp.NewPage()
	copy(pg0.Buf[headerSize:], []byte("dirty-data"))
	bp.Unpin(id0, true)

	// Pool has exactly one frame; fetching a second page must evict id0,
	// writing it back first.
	id1, pg1 := bp.NewPage()
	if pg1 == nil {
		t.Fatalf("NewPage for second page returned nil")
	}
	bp.Unpin(id1, false)

	pg0Again := bp.FetchPage(id0)
	if pg0Again == nil {
		t.Fatalf("FetchPage(id0) after eviction returned nil")
	}
	if string(pg0Again.Buf[headerSize:headerSize+10]) != "dirty-data" {
		t.Fatalf("dirty page contents lost across eviction")
	}
	bp.Unpin(id0, false)
}

func TestBufferPool_PinnedFrameIsNotEvicted(t *testing.T) {
	bp := newTestPool(t, 1, 2)

	id0, _ := bp.NewPage()
	// id0 stays pinned (no Unpin); the pool has no evictable frame.
	id1, pg1 := bp.NewPage()
	_ = id1
	if pg1 != nil {
		t.Fatalf("NewPage should fail with no evictable frame, got a page")
	}

	pg0 := bp.FetchPage(id0)
	if pg0 == nil {
		t.Fatalf("the still-pinned page should remain fetchable")
	}
}

func TestBufferPool_DeletePageRequiresUnpinned(t *testing.T) {
	bp := newTestPool(t, 2, 2)

	id, _ := bp.NewPage()
	if err := bp.DeletePage(id); err != ErrPagePinned {
		t.Fatalf("DeletePage on pinned page = %v, want ErrPagePinned", err)
	}
	bp.Unpin(id, false)
	if err := bp.DeletePage(id); err != nil {
		t.Fatalf("DeletePage: %v", err)
	}
	// After deletion the page id is free; fetching it returns a fresh
	// (zeroed) page rather than the deleted one's frame, since nothing
	// maps the id anymore.
}

// TestBufferPool_LRUKEviction reproduces spec.md §8 scenario S6 with
// K=2 in a 6-frame pool, so pages 0-5 fill every frame and fetching
// page 6 has to go through the replacer (free frames are used first).
// Pages 0-4 are each fetched twice, page 5 once; with everything
// unpinned, fetching page 6 must evict page 5 (infinite backward
// distance) rather than any of 0-4 (finite, equal-count distance).
func TestBufferPool_LRUKEviction(t *testing.T) {
	bp := newTestPool(t, 6, 2)

	fetchUnpin := func(id PageID) {
		pg := bp.FetchPage(id)
		if pg == nil {
			t.Fatalf("FetchPage(%d) returned nil", id)
		}
		bp.Unpin(id, false)
	}

	for round := 0; round < 2; round++ {
		for id := PageID(0); id <= 4; id++ {
			fetchUnpin(id)
		}
	}
	fetchUnpin(5)

	pg6 := bp.FetchPage(6)
	if pg6 == nil {
		t.Fatalf("FetchPage(6) returned nil; pool should have evicted page 5")
	}
	bp.Unpin(6, false)

	if _, resident := bp.pageTable[5]; resident {
		t.Fatalf("page 5 should have been evicted, still resident")
	}
	for id := PageID(0); id <= 4; id++ {
		if _, resident := bp.pageTable[id]; !resident {
			t.Fatalf("page %d should still be resident, was evicted instead of page 5", id)
		}
	}
}

func TestBufferPool_FlushAll(t *testing.T) {
	bp := newTestPool(t, 4, 2)

	id, pg := bp.NewPage()
	copy(pg.Buf[headerSize:], []byte("flush-me"))
	bp.Unpin(id, true)

	if err := bp.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if bp.frames[bp.pageTable[id]].Dirty {
		t.Fatalf("page still marked dirty after FlushAll")
	}
}
