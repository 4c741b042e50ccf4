package storage

import "sync"

// defaultK is the K (number of most-recent accesses tracked per frame)
// NewLRUKReplacer uses when given k < 1.
const defaultK = 2

// frameHistory is a bounded ring of the last K access timestamps for one
// frame, plus whether the frame may currently be evicted.
type frameHistory struct {
	accesses  []uint64 // oldest first, capped at k entries
	evictable bool
}

// LRUKReplacer selects eviction victims by backward K-distance
// (spec.md §4.3): the frame whose K-th most recent access is furthest
// in the past loses first. Frames with fewer than K accesses have
// infinite backward distance and are evicted before any frame with a
// finite one, earliest-first-access (FIFO) among themselves; ties
// among finite distances go to the lowest frame id.
type LRUKReplacer struct {
	mu      sync.Mutex
	k       int
	clock   uint64
	history map[FrameID]*frameHistory
}

// NewLRUKReplacer builds a replacer tracking the last k accesses per
// frame. k must be >= 1.
func NewLRUKReplacer(k int) *LRUKReplacer {
	if k < 1 {
		k = defaultK
	}
	return &LRUKReplacer{k: k, history: make(map[FrameID]*frameHistory)}
}

// RecordAccess logs an access to fid at the current logical clock tick,
// advancing the clock.
func (r *LRUKReplacer) RecordAccess(fid FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock++
	h, ok := r.history[fid]
	if !ok {
		h = &frameHistory{}
		r.history[fid] = h
	}
	h.accesses = append(h.accesses, r.clock)
	if len(h.accesses) > r.k {
		h.accesses = h.accesses[len(h.accesses)-r.k:]
	}
}

// SetEvictable marks fid as a candidate (or not) for Evict. A frame
// pinned by the buffer pool must be marked non-evictable.
func (r *LRUKReplacer) SetEvictable(fid FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.history[fid]; ok {
		h.evictable = evictable
	}
}

// Evict picks a victim frame per the backward-K-distance rule, removes
// its tracking state, and returns it. ok is false if no frame is
// currently evictable.
func (r *LRUKReplacer) Evict() (fid FrameID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		bestInf     FrameID
		haveInf     bool
		bestInfTime uint64
		bestFin     FrameID
		haveFin     bool
		bestFinDist uint64
	)

	for f, h := range r.history {
		if !h.evictable {
			continue
		}
		if len(h.accesses) < r.k {
			first := h.accesses[0]
			if !haveInf || first < bestInfTime || (first == bestInfTime && f < bestInf) {
				haveInf = true
				bestInfTime = first
				bestInf = f
			}
			continue
		}
		kth := h.accesses[len(h.accesses)-r.k]
		dist := r.clock - kth
		if !haveFin || dist > bestFinDist || (dist == bestFinDist && f < bestFin) {
			haveFin = true
			bestFinDist = dist
			bestFin = f
		}
	}

	if haveInf {
		delete(r.history, bestInf)
		return bestInf, true
	}
	if haveFin {
		delete(r.history, bestFin)
		return bestFin, true
	}
	return 0, false
}

// Remove drops fid's tracking state entirely, regardless of
// evictability. Used when a frame's page is explicitly deleted.
func (r *LRUKReplacer) Remove(fid FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.history, fid)
}

// Size returns the number of frames currently marked evictable.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.history {
		if h.evictable {
			n++
		}
	}
	return n
}
