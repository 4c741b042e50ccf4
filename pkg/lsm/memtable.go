package lsm

import (
	"bytes"
	"sync"

	"github.com/huandu/skiplist"
)

// MemTable is the mutable in-memory index backing the active write
// buffer. Writers have already appended to the WAL before calling Put
// or Delete here.
type MemTable interface {
	Put(userKey, value []byte, seq uint64) error
	Delete(userKey []byte, seq uint64) error

	// Get looks up userKey within this table only, honoring
	// snapshot visibility (only versions with seq <= seqLimit apply).
	Get(userKey []byte, seqLimit uint64) (val []byte, ok bool, err error)

	// NewIterator returns an ascending-by-userKey iterator over the
	// newest <= seqLimit non-tombstone version of each key.
	NewIterator(seqLimit uint64, prefix []byte) Iterator

	ApproxSize() int64
	NumEntries() int64

	// NewInternalIterator exposes every version in InternalKey order,
	// tombstones included, for the DB-level merged read iterator.
	NewInternalIterator() InternalIterator

	// Freeze returns a read-only snapshot of the current contents and
	// resets this table to empty; callers are responsible for
	// installing a fresh MemTable as the new write target.
	Freeze() (ImmutableMemTable, error)
}

// ImmutableMemTable is a frozen, read-only view produced by Freeze,
// used both for point lookups during the flush race and as the flush
// source itself.
type ImmutableMemTable interface {
	Get(userKey []byte, seqLimit uint64) (val []byte, ok bool, err error)
	NewIterator(seqLimit uint64, prefix []byte) Iterator

	// NewInternalIterator exposes the raw InternalKey order (every
	// version, tombstones included) for flushing into an SSTable.
	NewInternalIterator() InternalIterator

	ApproxSize() int64
	NumEntries() int64
}

// InternalIterator walks entries in InternalKey order: userKey
// ascending, then seq descending.
type InternalIterator interface {
	First()
	SeekInternal(ikey InternalKey) // seeks to the flush/merge starting point
	Next()
	Valid() bool

	InternalKey() InternalKey
	Value() []byte
	Close() error
}

// --- Internal storage types (Step 1: core structures) ---

// internalOrdKey defines the ordering in the skiplist: userKey asc, seq desc.
type internalOrdKey struct {
	userKey []byte
	seq     uint64
}

// entryVal stores the value kind and payload for an internal entry.
type entryVal struct {
	kind  uint8
	value []byte
}

// memTable is the mutable in-memory table backed by a skiplist.
type memTable struct {
	mu         sync.RWMutex
	list       *skiplist.SkipList
	approxSize int64
	numEntries int64
}

// immutableMemTable is a read-only snapshot used for flush.
type immutableMemTable struct {
	list       *skiplist.SkipList
	approxSize int64
	numEntries int64
}

// --- Core comparator and constructor (mutable table) ---

// compareInternal defines composite ordering: userKey asc, then seq desc.
func compareInternal(a, b interface{}) int {
	ka := a.(internalOrdKey)
	kb := b.(internalOrdKey)
	if c := bytes.Compare(ka.userKey, kb.userKey); c != 0 {
		if c > 0 {
			return 1
		}
		return -1
	}
	if ka.seq > kb.seq {
		return -1
	}
	if ka.seq < kb.seq {
		return 1
	}
	return 0
}

func newMemTable() *memTable {
	return &memTable{
		list: skiplist.New(skiplist.GreaterThanFunc(compareInternal)),
	}
}

/*
This is needed because:
Purpose: Account for non-payload memory so ApproxSize() tracks real RAM use and triggers Freeze()
near Options.MemTableSize.
Includes Interface boxing, Allocator/GC Overhead, etc.
*/
const memEntryOverhead = 32 // approximate per-entry overhead in bytes

// --- Mutable memTable operations ---

func (m *memTable) Put(userKey, value []byte, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list.Set(internalOrdKey{userKey: userKey, seq: seq}, entryVal{kind: KindPut, value: value})
	m.approxSize += int64(len(userKey)) + int64(len(value)) + memEntryOverhead
	m.numEntries++
	return nil
}

func (m *memTable) Delete(userKey []byte, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list.Set(internalOrdKey{userKey: userKey, seq: seq}, entryVal{kind: KindDel})
	m.approxSize += int64(len(userKey)) + memEntryOverhead
	m.numEntries++
	return nil
}

func (m *memTable) Get(userKey []byte, seqLimit uint64) (val []byte, ok bool, err error) {
	m.mu.RLock()
	if m.list == nil {
		m.mu.RUnlock()
		return nil, false, nil
	}
	res := m.list.Find(internalOrdKey{userKey: userKey, seq: seqLimit})
	if res == nil {
		m.mu.RUnlock()
		return nil, false, nil
	}
	k := res.Key().(internalOrdKey)
	if !bytes.Equal(k.userKey, userKey) {
		m.mu.RUnlock()
		return nil, false, nil
	}
	if k.seq > seqLimit {
		m.mu.RUnlock()
		return nil, false, nil
	}
	val = res.Value.(entryVal).value

	// Handling tombstone
	if res.Value.(entryVal).kind == KindDel {
		m.mu.RUnlock()
		return nil, false, nil
	}
	m.mu.RUnlock()
	return val, true, nil
}

func (m *memTable) ApproxSize() int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	sz := m.approxSize
	m.mu.RUnlock()
	return sz
}

func (m *memTable) NumEntries() int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	n := m.numEntries
	m.mu.RUnlock()
	return n
}

// NewIterator walks the skiplist once, collapsing each run of
// same-userKey entries down to the newest version with seq <= seqLimit,
// dropping tombstones from the visible stream.
func (m *memTable) NewIterator(seqLimit uint64, prefix []byte) Iterator {
	m.mu.RLock()
	list := m.list
	m.mu.RUnlock()
	return newSkiplistUserIter(list, seqLimit, prefix)
}

func (m *memTable) NewInternalIterator() InternalIterator {
	m.mu.RLock()
	list := m.list
	m.mu.RUnlock()
	return &skiplistInternalIter{list: list}
}

// Freeze swaps in a fresh empty skiplist and hands the old one off as
// an immutable snapshot; m itself is left empty and still accepts
// writes.
func (m *memTable) Freeze() (ImmutableMemTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	imm := &immutableMemTable{
		list:       m.list,
		approxSize: m.approxSize,
		numEntries: m.numEntries,
	}
	m.list = skiplist.New(skiplist.GreaterThanFunc(compareInternal))
	m.approxSize = 0
	m.numEntries = 0
	return imm, nil
}

// --- immutableMemTable operations ---

func (imm *immutableMemTable) Get(userKey []byte, seqLimit uint64) (val []byte, ok bool, err error) {
	res := imm.list.Find(internalOrdKey{userKey: userKey, seq: seqLimit})
	if res == nil {
		return nil, false, nil
	}
	k := res.Key().(internalOrdKey)
	if !bytes.Equal(k.userKey, userKey) || k.seq > seqLimit {
		return nil, false, nil
	}
	ev := res.Value.(entryVal)
	if ev.kind == KindDel {
		return nil, false, nil
	}
	return ev.value, true, nil
}

func (imm *immutableMemTable) NewIterator(seqLimit uint64, prefix []byte) Iterator {
	return newSkiplistUserIter(imm.list, seqLimit, prefix)
}

func (imm *immutableMemTable) NewInternalIterator() InternalIterator {
	return &skiplistInternalIter{list: imm.list}
}

func (imm *immutableMemTable) ApproxSize() int64 { return imm.approxSize }

func (imm *immutableMemTable) NumEntries() int64 { return imm.numEntries }

// skiplistInternalIter walks every version in InternalKey order
// (userKey asc, seq desc), tombstones included — the view a flush needs.
type skiplistInternalIter struct {
	list *skiplist.SkipList
	elem *skiplist.Element
}

func (it *skiplistInternalIter) First() { it.elem = it.list.Front() }

func (it *skiplistInternalIter) SeekInternal(ikey InternalKey) {
	it.elem = it.list.Find(internalOrdKey{userKey: ikey.UserKey, seq: ikey.Seq})
}

func (it *skiplistInternalIter) Next() {
	if it.elem != nil {
		it.elem = it.elem.Next()
	}
}

func (it *skiplistInternalIter) Valid() bool { return it.elem != nil }

func (it *skiplistInternalIter) InternalKey() InternalKey {
	k := it.elem.Key().(internalOrdKey)
	ev := it.elem.Value.(entryVal)
	return InternalKey{UserKey: k.userKey, Seq: k.seq, Kind: ev.kind}
}

func (it *skiplistInternalIter) Value() []byte {
	return it.elem.Value.(entryVal).value
}

func (it *skiplistInternalIter) Close() error { return nil }

// skiplistUserIter walks the skiplist collapsing multiple versions of
// the same userKey into the newest one with seq <= seqLimit, skipping
// tombstones, and optionally restricting to keys sharing prefix.
type skiplistUserIter struct {
	list     *skiplist.SkipList
	seqLimit uint64
	prefix   []byte

	elem *skiplist.Element
	key  []byte
	val  []byte
	ok   bool
}

func newSkiplistUserIter(list *skiplist.SkipList, seqLimit uint64, prefix []byte) *skiplistUserIter {
	return &skiplistUserIter{list: list, seqLimit: seqLimit, prefix: prefix}
}

func (it *skiplistUserIter) inPrefix(k []byte) bool {
	return len(it.prefix) == 0 || bytes.HasPrefix(k, it.prefix)
}

// advanceToVisible scans forward from it.elem, skipping all but the
// first (newest <= seqLimit) version of each distinct userKey, and
// skipping keys whose newest visible version is a tombstone.
func (it *skiplistUserIter) advanceToVisible() {
	it.ok = false
	for it.elem != nil {
		k := it.elem.Key().(internalOrdKey)
		if !it.inPrefix(k.userKey) {
			it.elem = nil
			return
		}
		if k.seq > it.seqLimit {
			it.elem = it.elem.Next()
			continue
		}
		ev := it.elem.Value.(entryVal)
		curKey := append([]byte(nil), k.userKey...)
		// advance past every remaining version of this userKey
		next := it.elem.Next()
		for next != nil {
			nk := next.Key().(internalOrdKey)
			if !bytes.Equal(nk.userKey, curKey) {
				break
			}
			next = next.Next()
		}
		it.elem = next
		if ev.kind == KindDel {
			continue
		}
		it.key = curKey
		it.val = ev.value
		it.ok = true
		return
	}
}

func (it *skiplistUserIter) First() {
	it.elem = it.list.Front()
	it.advanceToVisible()
}

func (it *skiplistUserIter) Seek(key []byte) {
	it.elem = it.list.Find(internalOrdKey{userKey: key, seq: it.seqLimit})
	it.advanceToVisible()
}

func (it *skiplistUserIter) Next() { it.advanceToVisible() }

func (it *skiplistUserIter) Valid() bool { return it.ok }

func (it *skiplistUserIter) Key() []byte {
	if !it.ok {
		return nil
	}
	return it.key
}

func (it *skiplistUserIter) Value() []byte {
	if !it.ok {
		return nil
	}
	return it.val
}

func (it *skiplistUserIter) Close() error { return nil }
