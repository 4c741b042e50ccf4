package storage

import (
	"encoding/binary"
	"hash/crc32"
)

// Slotted-page layout (spec.md §3, §4.2):
//
//	[ header: pageID(4) lsn(4) tupleCount(2) freeSpacePointer(2) slotArrayEnd(2) reserved(2) checksum(4) ]
//	[ slot directory, growing upward from the header            ]
//	...free space...
//	[ record data, growing downward from the page tail          ]
//
// Each slot is 5 bytes: offset(2) length(2) isValid(1).
const (
	headerSize = 20
	slotSize   = 5
)

// Slot describes one record's location within a Page.
type Slot struct {
	Offset  uint16
	Length  uint16
	IsValid bool
}

// Page is the in-memory form of one slotted page. Buf is always exactly
// PageSize bytes and is the only part that round-trips through the
// DiskManager; PinCount/Dirty are buffer-pool bookkeeping kept outside
// the serialized form.
type Page struct {
	Buf [PageSize]byte

	PinCount int
	Dirty    bool
}

// NewPage returns a freshly reset page for pageID.
func NewPage(id PageID) *Page {
	p := &Page{}
	p.Reset(id)
	return p
}

// Reset zeroes the buffer and reinitializes the header for id, as if the
// page were newly allocated.
func (p *Page) Reset(id PageID) {
	for i := range p.Buf {
		p.Buf[i] = 0
	}
	binary.LittleEndian.PutUint32(p.Buf[0:4], uint32(int32(id)))
	binary.LittleEndian.PutUint32(p.Buf[4:8], 0) // lsn
	binary.LittleEndian.PutUint16(p.Buf[8:10], 0)
	binary.LittleEndian.PutUint16(p.Buf[10:12], uint16(PageSize))
	binary.LittleEndian.PutUint16(p.Buf[12:14], uint16(headerSize))
	p.updateChecksum()
	p.Dirty = true
}

func (p *Page) PageID() PageID {
	return PageID(int32(binary.LittleEndian.Uint32(p.Buf[0:4])))
}

func (p *Page) LSN() uint32 { return binary.LittleEndian.Uint32(p.Buf[4:8]) }

func (p *Page) SetLSN(lsn uint32) {
	binary.LittleEndian.PutUint32(p.Buf[4:8], lsn)
	p.updateChecksum()
	p.Dirty = true
}

func (p *Page) TupleCount() int {
	return int(binary.LittleEndian.Uint16(p.Buf[8:10]))
}

func (p *Page) freeSpacePointer() uint16 {
	return binary.LittleEndian.Uint16(p.Buf[10:12])
}

func (p *Page) slotArrayEnd() uint16 {
	return binary.LittleEndian.Uint16(p.Buf[12:14])
}

func (p *Page) Checksum() uint32 {
	return binary.LittleEndian.Uint32(p.Buf[16:20])
}

// updateChecksum recomputes the header checksum over everything after
// the header (slot directory + free space + data region), the same
// "checksum covers the rest" shape WAL records use. The header fields
// themselves are not covered.
func (p *Page) updateChecksum() {
	sum := crc32.ChecksumIEEE(p.Buf[headerSize:])
	binary.LittleEndian.PutUint32(p.Buf[16:20], sum)
}

// VerifyChecksum reports whether the stored checksum matches the
// current contents; call after ReadPage to detect torn or corrupted
// pages.
func (p *Page) VerifyChecksum() bool {
	return p.Checksum() == crc32.ChecksumIEEE(p.Buf[headerSize:])
}

func (p *Page) freeSpace() int {
	return int(p.freeSpacePointer()) - int(p.slotArrayEnd())
}

func (p *Page) readSlot(i int) Slot {
	off := headerSize + i*slotSize
	return Slot{
		Offset:  binary.LittleEndian.Uint16(p.Buf[off : off+2]),
		Length:  binary.LittleEndian.Uint16(p.Buf[off+2 : off+4]),
		IsValid: p.Buf[off+4] != 0,
	}
}

func (p *Page) writeSlot(i int, s Slot) {
	off := headerSize + i*slotSize
	binary.LittleEndian.PutUint16(p.Buf[off:off+2], s.Offset)
	binary.LittleEndian.PutUint16(p.Buf[off+2:off+4], s.Length)
	if s.IsValid {
		p.Buf[off+4] = 1
	} else {
		p.Buf[off+4] = 0
	}
}

// Insert places rec in the page's free space and appends a slot
// pointing to it, returning the new slot index. It returns
// ErrPageFull if there is not enough contiguous free space for the
// record plus its slot entry.
func (p *Page) Insert(rec []byte) (int, error) {
	need := len(rec) + slotSize
	if need > p.freeSpace() {
		return 0, ErrPageFull
	}
	fsp := p.freeSpacePointer()
	newFsp := fsp - uint16(len(rec))
	copy(p.Buf[newFsp:fsp], rec)

	idx := p.TupleCount()
	p.writeSlot(idx, Slot{Offset: newFsp, Length: uint16(len(rec)), IsValid: true})

	binary.LittleEndian.PutUint16(p.Buf[8:10], uint16(idx+1))
	binary.LittleEndian.PutUint16(p.Buf[10:12], newFsp)
	binary.LittleEndian.PutUint16(p.Buf[12:14], p.slotArrayEnd()+slotSize)
	p.updateChecksum()
	p.Dirty = true
	return idx, nil
}

// Get returns a copy of the record addressed by slotIndex, or ok=false
// if the index is out of range or the slot has been deleted.
func (p *Page) Get(slotIndex int) (rec []byte, ok bool) {
	if slotIndex < 0 || slotIndex >= p.TupleCount() {
		return nil, false
	}
	s := p.readSlot(slotIndex)
	if !s.IsValid {
		return nil, false
	}
	out := make([]byte, s.Length)
	copy(out, p.Buf[s.Offset:s.Offset+s.Length])
	return out, true
}

// Delete marks slotIndex invalid without reclaiming its space; compaction
// of slotted pages is out of scope per spec.md §4.2.
func (p *Page) Delete(slotIndex int) bool {
	if slotIndex < 0 || slotIndex >= p.TupleCount() {
		return false
	}
	s := p.readSlot(slotIndex)
	if !s.IsValid {
		return false
	}
	s.IsValid = false
	p.writeSlot(slotIndex, s)
	p.updateChecksum()
	p.Dirty = true
	return true
}
