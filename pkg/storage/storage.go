// Package storage implements the page-oriented buffer manager described in
// spec.md components 1-4: a fixed-size paged file, a slotted-page layout,
// an LRU-K replacer, and a buffer pool tying them together. Nothing in
// pkg/lsm depends on this package; it exists for secondary structures
// (B+ tree indexes, catalogs, and similar) that need page-granular,
// cached access to a file, matching the reference engine's buffer_pool
// and disk_manager split.
package storage

import "errors"

// PageSize is the fixed size of every page, matching spec.md §3's
// buffer-pool unit and the 4 KiB page used throughout the reference
// engine's bustub-derived buffer manager.
const PageSize = 4096

// InvalidPageID is the id BufferPool.NewPage returns when it has no
// frame to give out.
const InvalidPageID PageID = -1

// PageID identifies a page within a paged file. Allocation hands out
// non-negative ids; -1 is reserved as "no page".
type PageID int32

// FrameID identifies a frame slot within a BufferPool.
type FrameID int

var (
	ErrNoFreeFrames = errors.New("storage: no free frame available for eviction")
	ErrPagePinned   = errors.New("storage: page still pinned")
	ErrPageNotFound = errors.New("storage: page not resident in buffer pool")
	ErrClosed       = errors.New("storage: disk manager closed")
	ErrPageFull     = errors.New("storage: page has insufficient free space")
)
