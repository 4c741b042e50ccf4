package lsm

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"
)

// An SSTable file is laid out as [data blocks][index block][bloom
// filter block][footer]. Every on-disk key is a full encoded
// InternalKey (user_key+seq+kind), so a table never needs a side
// channel for tombstones: the kind byte travels with the key.

const sstMagic uint32 = 0x4D594442

// BlockHandle addresses a [offset, length) byte range within the file.
type BlockHandle struct {
	Offset uint64
	Length uint64
}

func (h BlockHandle) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.Offset)
	binary.LittleEndian.PutUint64(buf[8:16], h.Length)
}

func decodeBlockHandle(buf []byte) BlockHandle {
	return BlockHandle{
		Offset: binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// Footer is the fixed 60-byte trailer: three 16-byte block handles
// (data, index, bloom filter), an 8-byte entry count, and a 4-byte
// magic number.
type Footer struct {
	DataHandle   BlockHandle
	IndexHandle  BlockHandle
	FilterHandle BlockHandle
	EntryCount   uint64
	Magic        uint32
}

const footerEncodedLen = 16 + 16 + 16 + 8 + 4

func (f Footer) encode() []byte {
	buf := make([]byte, footerEncodedLen)
	f.DataHandle.encode(buf[0:16])
	f.IndexHandle.encode(buf[16:32])
	f.FilterHandle.encode(buf[32:48])
	binary.LittleEndian.PutUint64(buf[48:56], f.EntryCount)
	binary.LittleEndian.PutUint32(buf[56:60], f.Magic)
	return buf
}

func decodeFooter(buf []byte) (Footer, error) {
	if len(buf) < footerEncodedLen {
		return Footer{}, Corruptionf("sstable footer too short: %d bytes", len(buf))
	}
	f := Footer{
		DataHandle:   decodeBlockHandle(buf[0:16]),
		IndexHandle:  decodeBlockHandle(buf[16:32]),
		FilterHandle: decodeBlockHandle(buf[32:48]),
		EntryCount:   binary.LittleEndian.Uint64(buf[48:56]),
		Magic:        binary.LittleEndian.Uint32(buf[56:60]),
	}
	if f.Magic != sstMagic {
		return Footer{}, Corruptionf("sstable magic mismatch: got %x want %x", f.Magic, sstMagic)
	}
	return f, nil
}

// --- data block entry encoding: [ikeylen u32][ikey][vallen u32][val] ---

func appendBlockEntry(buf []byte, ikeyBytes, value []byte) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(ikeyBytes)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, ikeyBytes...)
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(value)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, value...)
	return buf
}

// parseBlockEntry reads one entry starting at off, returning the next
// offset, or ok=false if there's no complete entry left in data.
func parseBlockEntry(data []byte, off int) (ikeyBytes, value []byte, next int, ok bool) {
	if off+4 > len(data) {
		return nil, nil, 0, false
	}
	klen := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if off+klen+4 > len(data) {
		return nil, nil, 0, false
	}
	ikeyBytes = data[off : off+klen]
	off += klen
	vlen := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if off+vlen > len(data) {
		return nil, nil, 0, false
	}
	value = data[off : off+vlen]
	off += vlen
	return ikeyBytes, value, off, true
}

// indexEntry records a data block's starting InternalKey plus its
// location, so a point lookup can binary-search straight to the
// candidate block.
type indexEntry struct {
	firstKey []byte // encoded InternalKey
	handle   BlockHandle
}

func encodeIndexEntry(e indexEntry) []byte {
	var buf []byte
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(e.firstKey)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, e.firstKey...)
	var hdl [16]byte
	e.handle.encode(hdl[:])
	buf = append(buf, hdl[:]...)
	return buf
}

func decodeIndexEntry(data []byte, off int) (indexEntry, int, bool) {
	if off+4 > len(data) {
		return indexEntry{}, 0, false
	}
	klen := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if off+klen+16 > len(data) {
		return indexEntry{}, 0, false
	}
	firstKey := append([]byte(nil), data[off:off+klen]...)
	off += klen
	handle := decodeBlockHandle(data[off : off+16])
	off += 16
	return indexEntry{firstKey: firstKey, handle: handle}, off, true
}

// --- table writer ---

// tableWriter builds one SSTable file from InternalKey-ordered input.
// Callers must Add entries in ascending InternalKey order (userKey
// asc, seq desc within a userKey).
type tableWriter struct {
	f    *os.File
	opts Options

	blockSize int
	buf       []byte // current data block, accumulating
	blockFirstKey []byte

	index      []indexEntry
	bloomKeys  [][]byte
	numEntries uint64
	offset     uint64
}

// NewTableWriter begins a new SSTable in f. Block offsets are counted
// from 0, so f must be empty and positioned at its start. Writes go
// straight to f with no buffering and no fsync; Close closes f.
func NewTableWriter(f *os.File, opts Options) (*tableWriter, error) {
	bs := opts.BlockSize
	if bs <= 0 {
		bs = DefaultBlockSize
	}
	return &tableWriter{f: f, opts: opts, blockSize: bs}, nil
}

// Add expects ik to be the next InternalKey in ascending order.
func (tw *tableWriter) Add(ik InternalKey, value []byte) error {
	ikBytes := ik.encodeAppend(nil)
	if len(tw.buf) == 0 {
		tw.blockFirstKey = append([]byte(nil), ikBytes...)
	}
	tw.buf = appendBlockEntry(tw.buf, ikBytes, value)
	tw.bloomKeys = append(tw.bloomKeys, append([]byte(nil), ik.UserKey...))
	tw.numEntries++

	if len(tw.buf) >= tw.blockSize {
		return tw.flushBlock()
	}
	return nil
}

func (tw *tableWriter) flushBlock() error {
	if len(tw.buf) == 0 {
		return nil
	}
	n, err := tw.f.Write(tw.buf)
	if err != nil {
		return IOErrorWrap("sstable write data block", err)
	}
	tw.index = append(tw.index, indexEntry{
		firstKey: tw.blockFirstKey,
		handle:   BlockHandle{Offset: tw.offset, Length: uint64(n)},
	})
	tw.offset += uint64(n)
	tw.buf = tw.buf[:0]
	tw.blockFirstKey = nil
	return nil
}

// Finish flushes any pending block plus the index, bloom filter, and
// footer, and returns the footer that was written.
func (tw *tableWriter) Finish() (Footer, error) {
	dataStart := uint64(0)
	if err := tw.flushBlock(); err != nil {
		return Footer{}, err
	}
	dataEnd := tw.offset

	indexOff := tw.offset
	var indexBuf []byte
	for _, e := range tw.index {
		indexBuf = append(indexBuf, encodeIndexEntry(e)...)
	}
	if n, err := tw.f.Write(indexBuf); err != nil {
		return Footer{}, IOErrorWrap("sstable write index block", err)
	} else {
		tw.offset += uint64(n)
	}
	indexLen := tw.offset - indexOff

	bloomOff := tw.offset
	bitsPerKey := tw.opts.BloomBitsPerKey
	if bitsPerKey <= 0 {
		bitsPerKey = DefaultBloomBitsPerKey
	}
	bf := NewBloomFilter(len(tw.bloomKeys), bitsPerKey)
	for _, k := range tw.bloomKeys {
		bf.AddKey(k)
	}
	bloomBuf := bf.EncodeTo()
	if n, err := tw.f.Write(bloomBuf); err != nil {
		return Footer{}, IOErrorWrap("sstable write bloom block", err)
	} else {
		tw.offset += uint64(n)
	}
	bloomLen := tw.offset - bloomOff

	footer := Footer{
		DataHandle:   BlockHandle{Offset: dataStart, Length: dataEnd - dataStart},
		IndexHandle:  BlockHandle{Offset: indexOff, Length: indexLen},
		FilterHandle: BlockHandle{Offset: bloomOff, Length: bloomLen},
		EntryCount:   tw.numEntries,
		Magic:        sstMagic,
	}
	if _, err := tw.f.Write(footer.encode()); err != nil {
		return Footer{}, IOErrorWrap("sstable write footer", err)
	}
	return footer, nil
}

func (tw *tableWriter) Close() error {
	return tw.f.Close()
}

// --- table reader ---

// tableReader holds a table's index and bloom filter in memory and
// reads data blocks from the backing file on demand.
type tableReader struct {
	f      *os.File
	opts   Options
	footer Footer
	index  []indexEntry
	bloom  *BloomFilter

	smallestKey []byte
	largestKey  []byte
}

// OpenTable reads the footer, index, and bloom filter from rf and
// leaves the data blocks unread until iterated or queried.
func OpenTable(rf *os.File, opts Options) (*tableReader, error) {
	st, err := rf.Stat()
	if err != nil {
		return nil, IOErrorWrap("stat sstable", err)
	}
	if st.Size() < footerEncodedLen {
		return nil, Corruptionf("sstable file too small: %d bytes", st.Size())
	}
	footerBuf := make([]byte, footerEncodedLen)
	if _, err := rf.ReadAt(footerBuf, st.Size()-footerEncodedLen); err != nil {
		return nil, IOErrorWrap("read sstable footer", err)
	}
	footer, err := decodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	tr := &tableReader{f: rf, opts: opts, footer: footer}

	indexBuf := make([]byte, footer.IndexHandle.Length)
	if footer.IndexHandle.Length > 0 {
		if _, err := rf.ReadAt(indexBuf, int64(footer.IndexHandle.Offset)); err != nil {
			return nil, IOErrorWrap("read sstable index", err)
		}
	}
	off := 0
	for off < len(indexBuf) {
		e, next, ok := decodeIndexEntry(indexBuf, off)
		if !ok {
			break
		}
		tr.index = append(tr.index, e)
		off = next
	}

	if footer.FilterHandle.Length > 0 {
		bloomBuf := make([]byte, footer.FilterHandle.Length)
		if _, err := rf.ReadAt(bloomBuf, int64(footer.FilterHandle.Offset)); err != nil {
			return nil, IOErrorWrap("read sstable bloom filter", err)
		}
		tr.bloom = DecodeBloomFilter(bloomBuf)
	}

	if len(tr.index) > 0 {
		tr.smallestKey = tr.index[0].firstKey
		lastBlock, err := tr.readBlock(tr.index[len(tr.index)-1].handle)
		if err == nil {
			off := 0
			for {
				ikBytes, _, next, ok := parseBlockEntry(lastBlock, off)
				if !ok {
					break
				}
				tr.largestKey = ikBytes
				off = next
			}
		}
	}

	return tr, nil
}

func (tr *tableReader) readBlock(h BlockHandle) ([]byte, error) {
	buf := make([]byte, h.Length)
	if h.Length == 0 {
		return buf, nil
	}
	if _, err := tr.f.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, IOErrorWrap("read sstable data block", err)
	}
	return buf, nil
}

// findBlock returns the index of the last block whose firstKey is
// <= the target encoded key (or 0 if the target precedes every block).
//
// The index is ordered by InternalKey order (user_key asc, seq desc),
// not by the bytewise order of the encoded key: the seq field is
// little-endian, so two entries sharing a user_key but differing in
// seq do not compare the same way as raw bytes as they do decoded.
// Comparing encoded bytes directly breaks sort.Search's sorted-slice
// precondition whenever a user key's versions span more than one
// block, so every comparison here decodes first.
func (tr *tableReader) findBlock(targetEncoded []byte) int {
	if len(tr.index) == 0 {
		return -1
	}
	target := decodeInternalKey(targetEncoded)
	i := sort.Search(len(tr.index), func(i int) bool {
		return compareInternalKey(decodeInternalKey(tr.index[i].firstKey), target) > 0
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// Get returns the newest value for userKey visible at seqLimit, or
// ok=false if no such value exists (including when the newest visible
// version is a tombstone).
func (tr *tableReader) Get(userKey []byte, seqLimit uint64) ([]byte, bool, error) {
	if tr.bloom != nil && !tr.bloom.MayContain(userKey) {
		return nil, false, nil
	}
	target := InternalKey{UserKey: userKey, Seq: seqLimit, Kind: KindPut}.encodeAppend(nil)
	bi := tr.findBlock(target)
	for bi >= 0 && bi < len(tr.index) {
		block, err := tr.readBlock(tr.index[bi].handle)
		if err != nil {
			return nil, false, err
		}
		off := 0
		for {
			ikBytes, value, next, ok := parseBlockEntry(block, off)
			if !ok {
				break
			}
			ik := decodeInternalKey(ikBytes)
			if !bytes.Equal(ik.UserKey, userKey) {
				if bytes.Compare(ik.UserKey, userKey) > 0 {
					return nil, false, nil
				}
				off = next
				continue
			}
			if ik.Seq <= seqLimit {
				if ik.Kind == KindDel {
					return nil, false, nil
				}
				return append([]byte(nil), value...), true, nil
			}
			off = next
		}
		bi++
	}
	return nil, false, nil
}

func (tr *tableReader) Close() error { return tr.f.Close() }

// tableIter walks a table's data blocks in InternalKey order.
type tableIter struct {
	tr *tableReader

	blockIdx int
	block    []byte
	off      int

	ikBytes []byte
	value   []byte
	valid   bool
}

func (it *tableIter) loadBlock(idx int) {
	if idx < 0 || idx >= len(it.tr.index) {
		it.block = nil
		it.valid = false
		return
	}
	b, err := it.tr.readBlock(it.tr.index[idx].handle)
	if err != nil {
		it.block = nil
		it.valid = false
		return
	}
	it.blockIdx = idx
	it.block = b
	it.off = 0
}

func (it *tableIter) parseAt() {
	ikBytes, value, next, ok := parseBlockEntry(it.block, it.off)
	if !ok {
		it.valid = false
		return
	}
	it.ikBytes = ikBytes
	it.value = value
	it.off = next
	it.valid = true
}

func (it *tableIter) advancePastBlock() {
	for {
		it.blockIdx++
		if it.blockIdx >= len(it.tr.index) {
			it.valid = false
			return
		}
		it.loadBlock(it.blockIdx)
		if len(it.block) > 0 {
			it.parseAt()
			return
		}
	}
}

func (it *tableIter) First() {
	if len(it.tr.index) == 0 {
		it.valid = false
		return
	}
	it.loadBlock(0)
	it.parseAt()
}

func (it *tableIter) Seek(userKey []byte) {
	target := InternalKey{UserKey: userKey, Seq: ^uint64(0), Kind: KindPut}.encodeAppend(nil)
	bi := it.tr.findBlock(target)
	if bi < 0 {
		bi = 0
	}
	it.loadBlock(bi)
	it.parseAt()
	for it.valid {
		if bytes.Compare(decodeInternalKey(it.ikBytes).UserKey, userKey) >= 0 {
			return
		}
		it.Next()
	}
}

func (it *tableIter) Next() {
	if !it.valid {
		return
	}
	if it.off >= len(it.block) {
		it.advancePastBlock()
		return
	}
	ikBytes, value, next, ok := parseBlockEntry(it.block, it.off)
	if !ok {
		it.advancePastBlock()
		return
	}
	it.ikBytes = ikBytes
	it.value = value
	it.off = next
	it.valid = true
}

func (it *tableIter) Valid() bool { return it.valid }

func (it *tableIter) Key() []byte {
	if !it.valid {
		return nil
	}
	return decodeInternalKey(it.ikBytes).UserKey
}

func (it *tableIter) InternalKey() InternalKey {
	return decodeInternalKey(it.ikBytes)
}

func (it *tableIter) Value() []byte {
	if !it.valid {
		return nil
	}
	return it.value
}

func (it *tableIter) Close() error { return nil }
