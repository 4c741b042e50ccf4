package lsm

import (
	"bytes"
	"container/heap"
)

// Iterator is the external, user-key-level cursor returned by
// NewIterator: every version collapsing and tombstone dropping has
// already happened by the time a caller sees Key/Value pairs.
type Iterator interface {
	Seek(key []byte)
	First()
	Next()
	Valid() bool
	Key() []byte
	Value() []byte
	Close() error
}

// internalSource is the common shape of anything the merging iterator
// can read from: a memtable's internal iterator or an SSTable's block
// iterator, both already ordered by InternalKey (userKey asc, seq desc).
type internalSource interface {
	First()
	Next()
	Valid() bool
	InternalKey() InternalKey
	Value() []byte
	Close() error
}

// heap item/order: sources compare by their current InternalKey so the
// globally smallest InternalKey (newest version of the smallest
// userKey) is always at the heap's root. Ties are broken by sourceIdx
// so the lowest-index source (conventionally the newest: active
// memtable > immutables > L0 newest-to-oldest > L1..Lmax) wins,
// matching the read path's own precedence order.
type mergeHeapItem struct {
	src       internalSource
	sourceIdx int
}

type mergeHeap []mergeHeapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := compareInternalKey(h[i].src.InternalKey(), h[j].src.InternalKey())
	if c != 0 {
		return c < 0
	}
	return h[i].sourceIdx < h[j].sourceIdx
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(mergeHeapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergingIterator produces a single ascending-by-userKey stream across
// N internalSources, yielding only the newest version with seq <=
// seqLimit for each userKey and dropping tombstones, the same
// visibility rule memtable.Get and tableReader.Get apply individually.
type mergingIterator struct {
	sources  []internalSource
	seqLimit uint64
	prefix   []byte

	h mergeHeap

	key   []byte
	value []byte
	ok    bool
}

// newMergingIterator takes sources ordered newest-first (the order the
// read path already searches in); that order is only used to break
// ties between sources that happen to hold the exact same InternalKey,
// which should not occur in practice since sequence numbers are
// globally unique, but is preserved for determinism.
func newMergingIterator(sources []internalSource, seqLimit uint64, prefix []byte) *mergingIterator {
	return &mergingIterator{sources: sources, seqLimit: seqLimit, prefix: prefix}
}

func (m *mergingIterator) inPrefix(k []byte) bool {
	return len(m.prefix) == 0 || bytes.HasPrefix(k, m.prefix)
}

func (m *mergingIterator) rebuildHeap(afterFirst bool) {
	m.h = m.h[:0]
	for i, s := range m.sources {
		if !afterFirst {
			s.First()
		}
		if s.Valid() {
			heap.Push(&m.h, mergeHeapItem{src: s, sourceIdx: i})
		}
	}
}

// advance pops entries off the heap, skipping versions newer than
// seqLimit and collapsing every remaining version of a userKey into
// the first (newest-visible) one, dropping it if that version is a
// tombstone, until a visible Put is found or the heap is exhausted.
func (m *mergingIterator) advance() {
	m.ok = false
	for m.h.Len() > 0 {
		top := m.h[0]
		ik := top.src.InternalKey()

		if !m.inPrefix(ik.UserKey) {
			return
		}

		curKey := append([]byte(nil), ik.UserKey...)
		// Pull every queued version of curKey off the heap, keeping the
		// first one with seq <= seqLimit as the visible candidate.
		var visibleIK InternalKey
		var visibleVal []byte
		haveVisible := false
		for m.h.Len() > 0 && bytes.Equal(m.h[0].src.InternalKey().UserKey, curKey) {
			item := heap.Pop(&m.h).(mergeHeapItem)
			ik := item.src.InternalKey()
			if !haveVisible && ik.Seq <= m.seqLimit {
				visibleIK = ik
				visibleVal = append([]byte(nil), item.src.Value()...)
				haveVisible = true
			}
			item.src.Next()
			if item.src.Valid() {
				heap.Push(&m.h, item)
			}
		}
		if haveVisible && visibleIK.Kind != KindDel {
			m.key = curKey
			m.value = visibleVal
			m.ok = true
			return
		}
		// either nothing visible yet, or the newest visible version is
		// a tombstone: move on to the next distinct userKey.
	}
}

func (m *mergingIterator) First() {
	m.rebuildHeap(false)
	m.advance()
}

func (m *mergingIterator) Seek(key []byte) {
	m.h = m.h[:0]
	for i, s := range m.sources {
		if ts, ok := s.(seekableSource); ok {
			ts.SeekInternal(InternalKey{UserKey: key, Seq: ^uint64(0), Kind: KindPut})
		} else {
			s.First()
			for s.Valid() && bytes.Compare(s.InternalKey().UserKey, key) < 0 {
				s.Next()
			}
		}
		if s.Valid() {
			heap.Push(&m.h, mergeHeapItem{src: s, sourceIdx: i})
		}
	}
	m.advance()
}

func (m *mergingIterator) Next() { m.advance() }

func (m *mergingIterator) Valid() bool { return m.ok }

func (m *mergingIterator) Key() []byte {
	if !m.ok {
		return nil
	}
	return m.key
}

func (m *mergingIterator) Value() []byte {
	if !m.ok {
		return nil
	}
	return m.value
}

func (m *mergingIterator) Close() error {
	for _, s := range m.sources {
		_ = s.Close()
	}
	return nil
}

// seekableSource is implemented by sources that can jump directly to
// an InternalKey rather than scanning from First.
type seekableSource interface {
	SeekInternal(ik InternalKey)
}

// tableInternalSource adapts a tableIter (which iterates userKey
// bytes via Key()) to internalSource, and supports seeking by userKey.
type tableInternalSource struct{ it *tableIter }

func (s tableInternalSource) First()                   { s.it.First() }
func (s tableInternalSource) Next()                     { s.it.Next() }
func (s tableInternalSource) Valid() bool                { return s.it.Valid() }
func (s tableInternalSource) InternalKey() InternalKey   { return s.it.InternalKey() }
func (s tableInternalSource) Value() []byte              { return s.it.Value() }
func (s tableInternalSource) Close() error                { return s.it.Close() }
func (s tableInternalSource) SeekInternal(ik InternalKey) { s.it.Seek(ik.UserKey) }
