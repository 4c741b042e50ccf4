package lsm

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// FileMetaData describes one SSTable tracked by the manifest.
type FileMetaData struct {
	FileNumber      uint64
	FileSize        uint64
	Filename        string
	SmallestUserKey []byte
	LargestUserKey  []byte
	NumEntries      uint64
	Level           int
}

// Overlaps reports whether this file's user-key range intersects
// [minKey, maxKey]. Comparing raw user keys (rather than encoded
// InternalKeys, whose trailing seq is little-endian) keeps this a
// plain bytewise comparison.
func (f FileMetaData) Overlaps(minKey, maxKey []byte) bool {
	if len(f.LargestUserKey) > 0 && bytes.Compare(f.LargestUserKey, minKey) < 0 {
		return false
	}
	if len(f.SmallestUserKey) > 0 && bytes.Compare(f.SmallestUserKey, maxKey) > 0 {
		return false
	}
	return true
}

// VersionSet tracks the live SSTables at each level and the manifest
// that persists that set across restarts.
type VersionSet struct {
	dbPath string

	mu             sync.Mutex
	levels         [][]FileMetaData
	nextFileNumber atomic.Uint64

	manifestMu sync.Mutex // serializes WriteManifest's write+rename
}

func NewVersionSet(dbPath string, maxLevels int) *VersionSet {
	vs := &VersionSet{dbPath: dbPath, levels: make([][]FileMetaData, maxLevels)}
	vs.nextFileNumber.Store(1)
	return vs
}

func (vs *VersionSet) GetFilesAtLevel(level int) []FileMetaData {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if level < 0 || level >= len(vs.levels) {
		return nil
	}
	out := make([]FileMetaData, len(vs.levels[level]))
	copy(out, vs.levels[level])
	return out
}

func (vs *VersionSet) AddFile(level int, f FileMetaData) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if level < 0 || level >= len(vs.levels) {
		return
	}
	vs.levels[level] = append(vs.levels[level], f)
}

func (vs *VersionSet) RemoveFiles(level int, fileNumbers []uint64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if level < 0 || level >= len(vs.levels) {
		return
	}
	remove := make(map[uint64]bool, len(fileNumbers))
	for _, n := range fileNumbers {
		remove[n] = true
	}
	kept := vs.levels[level][:0]
	for _, f := range vs.levels[level] {
		if !remove[f.FileNumber] {
			kept = append(kept, f)
		}
	}
	vs.levels[level] = kept
}

func (vs *VersionSet) NumFilesAtLevel0() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if len(vs.levels) == 0 {
		return 0
	}
	return len(vs.levels[0])
}

func (vs *VersionSet) LevelSize(level int) uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if level < 0 || level >= len(vs.levels) {
		return 0
	}
	var total uint64
	for _, f := range vs.levels[level] {
		total += f.FileSize
	}
	return total
}

// NeedsCompaction applies the trigger rule: level 0 compacts once it
// holds trigger-or-more files; level L>=1 compacts once its total size
// exceeds baseBytes * multiplier^(L-1).
func (vs *VersionSet) NeedsCompaction(level int, trigger int, baseBytes int64, multiplier int) bool {
	if level == 0 {
		return vs.NumFilesAtLevel0() >= trigger
	}
	target := uint64(baseBytes)
	for i := 1; i < level; i++ {
		target *= uint64(multiplier)
	}
	return vs.LevelSize(level) > target
}

func (vs *VersionSet) NextFileNumber() uint64 {
	return vs.nextFileNumber.Add(1) - 1
}

func (vs *VersionSet) PeekNextFileNumber() uint64 {
	return vs.nextFileNumber.Load()
}

// AllFiles returns every tracked file across every level, used by the
// orphan-file janitor at startup.
func (vs *VersionSet) AllFiles() []FileMetaData {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	var out []FileMetaData
	for _, lvl := range vs.levels {
		out = append(out, lvl...)
	}
	return out
}

// --- MANIFEST binary encode/decode ---
//
// [next_file_number u64][num_levels u32]
// per level: [num_files u32]
//   per file: [file_number u64][file_size u64]
//             [fn_len u32][filename][sk_len u32][smallest_key]
//             [lk_len u32][largest_key][num_entries u64]

func (vs *VersionSet) encode() []byte {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	buf := make([]byte, 0, 4096)
	var u64 [8]byte
	var u32 [4]byte

	binary.LittleEndian.PutUint64(u64[:], vs.nextFileNumber.Load())
	buf = append(buf, u64[:]...)
	binary.LittleEndian.PutUint32(u32[:], uint32(len(vs.levels)))
	buf = append(buf, u32[:]...)

	for _, lvl := range vs.levels {
		binary.LittleEndian.PutUint32(u32[:], uint32(len(lvl)))
		buf = append(buf, u32[:]...)
		for _, f := range lvl {
			binary.LittleEndian.PutUint64(u64[:], f.FileNumber)
			buf = append(buf, u64[:]...)
			binary.LittleEndian.PutUint64(u64[:], f.FileSize)
			buf = append(buf, u64[:]...)

			binary.LittleEndian.PutUint32(u32[:], uint32(len(f.Filename)))
			buf = append(buf, u32[:]...)
			buf = append(buf, f.Filename...)

			binary.LittleEndian.PutUint32(u32[:], uint32(len(f.SmallestUserKey)))
			buf = append(buf, u32[:]...)
			buf = append(buf, f.SmallestUserKey...)

			binary.LittleEndian.PutUint32(u32[:], uint32(len(f.LargestUserKey)))
			buf = append(buf, u32[:]...)
			buf = append(buf, f.LargestUserKey...)

			binary.LittleEndian.PutUint64(u64[:], f.NumEntries)
			buf = append(buf, u64[:]...)
		}
	}
	return buf
}

func decodeVersionSet(dbPath string, data []byte) (*VersionSet, error) {
	if len(data) < 12 {
		return nil, Corruptionf("manifest too short: %d bytes", len(data))
	}
	off := 0
	nextNum := binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	numLevels := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4

	vs := &VersionSet{dbPath: dbPath, levels: make([][]FileMetaData, numLevels)}
	vs.nextFileNumber.Store(nextNum)

	readU32 := func() (uint32, bool) {
		if off+4 > len(data) {
			return 0, false
		}
		v := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		return v, true
	}
	readU64 := func() (uint64, bool) {
		if off+8 > len(data) {
			return 0, false
		}
		v := binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
		return v, true
	}
	readBytes := func(n int) ([]byte, bool) {
		if off+n > len(data) {
			return nil, false
		}
		v := append([]byte(nil), data[off:off+n]...)
		off += n
		return v, true
	}

	for l := 0; l < numLevels; l++ {
		numFiles, ok := readU32()
		if !ok {
			return nil, Corruptionf("manifest truncated reading level %d file count", l)
		}
		for i := uint32(0); i < numFiles; i++ {
			var f FileMetaData
			f.Level = l
			var ok bool
			if f.FileNumber, ok = readU64(); !ok {
				return nil, Corruptionf("manifest truncated")
			}
			if f.FileSize, ok = readU64(); !ok {
				return nil, Corruptionf("manifest truncated")
			}
			fnLen, ok := readU32()
			if !ok {
				return nil, Corruptionf("manifest truncated")
			}
			fn, ok := readBytes(int(fnLen))
			if !ok {
				return nil, Corruptionf("manifest truncated")
			}
			f.Filename = string(fn)
			skLen, ok := readU32()
			if !ok {
				return nil, Corruptionf("manifest truncated")
			}
			if f.SmallestUserKey, ok = readBytes(int(skLen)); !ok {
				return nil, Corruptionf("manifest truncated")
			}
			lkLen, ok := readU32()
			if !ok {
				return nil, Corruptionf("manifest truncated")
			}
			if f.LargestUserKey, ok = readBytes(int(lkLen)); !ok {
				return nil, Corruptionf("manifest truncated")
			}
			if f.NumEntries, ok = readU64(); !ok {
				return nil, Corruptionf("manifest truncated")
			}
			vs.levels[l] = append(vs.levels[l], f)
		}
	}
	return vs, nil
}

func manifestPath(dbPath string) string { return filepath.Join(dbPath, "MANIFEST") }

// WriteManifest persists the current version set via write-temp-then-
// rename so a crash mid-write never leaves a torn MANIFEST behind.
func (vs *VersionSet) WriteManifest() error {
	vs.manifestMu.Lock()
	defer vs.manifestMu.Unlock()
	tmp := manifestPath(vs.dbPath) + ".tmp"
	if err := os.WriteFile(tmp, vs.encode(), 0o644); err != nil {
		return IOErrorWrap("write manifest temp file", err)
	}
	if err := os.Rename(tmp, manifestPath(vs.dbPath)); err != nil {
		return IOErrorWrap("rename manifest into place", err)
	}
	return nil
}

// LoadManifest reads an existing MANIFEST, or returns a fresh empty
// VersionSet (and ErrNotFound) if none exists yet.
func LoadManifest(dbPath string, maxLevels int) (*VersionSet, error) {
	data, err := os.ReadFile(manifestPath(dbPath))
	if os.IsNotExist(err) {
		return NewVersionSet(dbPath, maxLevels), ErrNotFound
	}
	if err != nil {
		return nil, IOErrorWrap("read manifest", err)
	}
	return decodeVersionSet(dbPath, data)
}
