package lsm

import (
	"encoding/binary"
	"math"

	"github.com/bits-and-blooms/bitset"
)

// murmur3_32 is the 32-bit MurmurHash3 finalizer/body used for both
// hash functions in the filter's double-hashing scheme.
func murmur3_32(key []byte, seed uint32) uint32 {
	const c1 = 0xcc9e2d51
	const c2 = 0x1b873593
	h1 := seed
	nblocks := len(key) / 4

	for i := 0; i < nblocks; i++ {
		k1 := binary.LittleEndian.Uint32(key[i*4:])
		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2
		h1 ^= k1
		h1 = (h1 << 13) | (h1 >> 19)
		h1 = h1*5 + 0xe6546b64
	}

	tail := key[nblocks*4:]
	var k1 uint32
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2
		h1 ^= k1
	}

	h1 ^= uint32(len(key))
	h1 ^= h1 >> 16
	h1 *= 0x85ebca6b
	h1 ^= h1 >> 13
	h1 *= 0xc2b2ae35
	h1 ^= h1 >> 16
	return h1
}

// BloomFilter is a per-SSTable filter block. Membership testing uses
// double hashing (h1 + i*h2, both derived from MurmurHash3_32) over a
// bitset.BitSet, the wire-compatible layout being [num_hashes
// u32][bits...] so a filter block is addressable straight out of the
// footer's handle with no extra framing.
type BloomFilter struct {
	bits      *bitset.BitSet
	numHashes uint32
	numKeys   int
}

// NewBloomFilter sizes the filter for numKeys entries at bitsPerKey,
// following the same sizing rule as the reference filter: round the
// bit budget up to a whole byte, floor it at 64 bits, and pick
// num_hashes = ceil(bitsPerKey * ln2) clamped to [1, 30].
func NewBloomFilter(numKeys int, bitsPerKey int) *BloomFilter {
	if numKeys < 0 {
		numKeys = 0
	}
	numBits := numKeys * bitsPerKey
	numBytes := (numBits + 7) / 8
	if numBytes < 8 {
		numBytes = 8
	}
	numBits = numBytes * 8

	numHashes := int(math.Ceil(float64(bitsPerKey) * 0.693147))
	if numHashes < 1 {
		numHashes = 1
	}
	if numHashes > 30 {
		numHashes = 30
	}

	return &BloomFilter{
		bits:      bitset.New(uint(numBits)),
		numHashes: uint32(numHashes),
		numKeys:   numKeys,
	}
}

func (f *BloomFilter) hashPair(key []byte) (uint32, uint32) {
	h1 := murmur3_32(key, 0)
	h2 := murmur3_32(key, h1)
	return h1, h2
}

// AddKey sets the numHashes bit positions derived from key.
func (f *BloomFilter) AddKey(key []byte) {
	h1, h2 := f.hashPair(key)
	n := uint(f.bits.Len())
	for i := uint32(0); i < f.numHashes; i++ {
		pos := (uint(h1) + uint(i)*uint(h2)) % n
		f.bits.Set(pos)
	}
}

// MayContain returns false only when key is definitely absent.
func (f *BloomFilter) MayContain(key []byte) bool {
	if f == nil || f.bits == nil || f.bits.Len() == 0 {
		return true
	}
	h1, h2 := f.hashPair(key)
	n := uint(f.bits.Len())
	for i := uint32(0); i < f.numHashes; i++ {
		pos := (uint(h1) + uint(i)*uint(h2)) % n
		if !f.bits.Test(pos) {
			return false
		}
	}
	return true
}

// FalsePositiveRate estimates p = (1 - e^(-kn/m))^k, where n is the key
// count the filter was created for. It returns 0 when that count is 0,
// which includes every filter built by DecodeBloomFilter.
func (f *BloomFilter) FalsePositiveRate() float64 {
	if f.numKeys == 0 {
		return 0
	}
	k := float64(f.numHashes)
	n := float64(f.numKeys)
	m := float64(f.bits.Len())
	return math.Pow(1.0-math.Exp(-k*n/m), k)
}

// EncodeTo serializes the filter as [num_hashes u32 LE][bit words...],
// matching the engine's bloom block layout exactly.
func (f *BloomFilter) EncodeTo() []byte {
	raw := bitsetBytes(f.bits)
	buf := make([]byte, 4+len(raw))
	binary.LittleEndian.PutUint32(buf[:4], f.numHashes)
	copy(buf[4:], raw)
	return buf
}

// DecodeBloomFilter parses a block produced by EncodeTo. The bit length
// is recovered from the byte count, which is exact because
// NewBloomFilter always sizes the filter to a whole number of bytes.
// The key count is not stored, so the result's FalsePositiveRate is 0.
func DecodeBloomFilter(data []byte) *BloomFilter {
	if len(data) < 4 {
		return &BloomFilter{bits: bitset.New(64), numHashes: 1}
	}
	numHashes := binary.LittleEndian.Uint32(data[:4])
	raw := data[4:]
	b := bitset.New(uint(len(raw)) * 8)
	for byteIdx, by := range raw {
		for bit := 0; bit < 8; bit++ {
			if by&(1<<bit) != 0 {
				b.Set(uint(byteIdx*8 + bit))
			}
		}
	}
	return &BloomFilter{bits: b, numHashes: numHashes}
}

// bitsetBytes packs a bitset.BitSet into the minimal little-endian
// byte slice covering its declared length, bit i in byte i/8 at
// position i%8 — the layout the reference filter's C++ byte array uses.
func bitsetBytes(b *bitset.BitSet) []byte {
	n := (b.Len() + 7) / 8
	out := make([]byte, n)
	for i := uint(0); i < b.Len(); i++ {
		if b.Test(i) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}
