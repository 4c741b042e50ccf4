package lsm

import (
	"bytes"
	"encoding/binary"
)

const (
	KindPut uint8 = 1
	KindDel uint8 = 2
)

// InternalKey is the (user_key, sequence, kind) triple every on-disk and
// in-memory record is ordered by: user_key ascending, then sequence
// descending, so the newest version of a key always sorts first.
type InternalKey struct {
	UserKey []byte
	Seq     uint64
	Kind    uint8
}

// compareInternalKey implements the composite order: user_key asc, then
// seq desc. Equal user_key and seq compare by kind only to keep the
// order a strict total order (kind never actually differs for equal
// seq in practice, but this avoids ambiguity).
func compareInternalKey(a, b InternalKey) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	if a.Seq != b.Seq {
		if a.Seq > b.Seq {
			return -1
		}
		return 1
	}
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}
	return 0
}

// encodedLen is the size of the on-disk encoding of ik: the user key,
// an 8-byte sequence, and a 1-byte kind tag.
func (ik InternalKey) encodedLen() int { return len(ik.UserKey) + 9 }

// encode writes [user_key][seq u64 LE][kind u8] into buf, which must be
// at least encodedLen() bytes.
func (ik InternalKey) encode(buf []byte) {
	n := copy(buf, ik.UserKey)
	binary.LittleEndian.PutUint64(buf[n:n+8], ik.Seq)
	buf[n+8] = ik.Kind
}

// encodeAppend appends the encoding of ik to dst and returns the result.
func (ik InternalKey) encodeAppend(dst []byte) []byte {
	dst = append(dst, ik.UserKey...)
	var tail [9]byte
	binary.LittleEndian.PutUint64(tail[:8], ik.Seq)
	tail[8] = ik.Kind
	return append(dst, tail[:]...)
}

// decodeInternalKey parses the trailing seq+kind off of a blob produced
// by encode/encodeAppend.
func decodeInternalKey(b []byte) InternalKey {
	n := len(b) - 9
	return InternalKey{
		UserKey: b[:n],
		Seq:     binary.LittleEndian.Uint64(b[n : n+8]),
		Kind:    b[n+8],
	}
}
