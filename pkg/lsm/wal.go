package lsm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record wire format, fixed by the engine this package models:
//
//	[ crc32  : 4 bytes ]  IEEE 802.3 poly, over every byte that follows
//	[ seq    : 8 bytes ]
//	[ op     : 1 byte  ]
//	[ klen   : 4 bytes ]
//	[ key    : klen bytes ]
//	[ vlen   : 4 bytes ]
//	[ value  : vlen bytes ]  (absent, vlen=0, for KindDel)
//
// There is no outer length prefix: the record is self-delimiting from
// klen/vlen alone, so a reader only needs to know where the crc32 field
// starts.
const walRecordHeaderLen = 4 + 8 + 1 + 4 // crc + seq + op + klen, before key bytes

func walFileName(seq uint64) string { return fmt.Sprintf("%d.wal", seq) }

// encodePayload serializes everything after the crc32 field.
func encodePayload(rec *WalRecord) []byte {
	n := 8 + 1 + 4 + len(rec.Key) + 4 + len(rec.Value)
	buf := make([]byte, n)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:off+8], rec.Seq)
	off += 8
	buf[off] = rec.Op
	off++
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(rec.Key)))
	off += 4
	copy(buf[off:], rec.Key)
	off += len(rec.Key)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(rec.Value)))
	off += 4
	copy(buf[off:], rec.Value)
	return buf
}

func decodePayload(p []byte) *WalRecord {
	off := 0
	seq := binary.LittleEndian.Uint64(p[off : off+8])
	off += 8
	op := p[off]
	off++
	klen := int(binary.LittleEndian.Uint32(p[off : off+4]))
	off += 4
	key := append([]byte(nil), p[off:off+klen]...)
	off += klen
	vlen := int(binary.LittleEndian.Uint32(p[off : off+4]))
	off += 4
	val := append([]byte(nil), p[off:off+vlen]...)
	return &WalRecord{Seq: seq, Op: op, Key: key, Value: val}
}

var crcTab = crc32.MakeTable(crc32.IEEE)

type WalOptions struct {
	Dir         string
	FileId      int
	RollSize    int64
	FsyncPolicy string // "always"|"every_sec"|"none"
}

type Wal struct {
	dir      string
	rollSize int64
	policy   string

	curFile *os.File
	curSize int64
	curBufw *bufio.Writer
	fileId  int

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

type WalRecord struct {
	Seq   uint64
	Op    uint8
	Key   []byte
	Value []byte
}

type WalReader struct{ r *bufio.Reader }

func NewWalReader(f *os.File) *WalReader { return &WalReader{r: bufio.NewReader(f)} }

func OpenWAL(opts WalOptions) (*Wal, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	id := opts.FileId
	if id <= 0 {
		id = 1
	}
	w := &Wal{
		dir:      opts.Dir,
		rollSize: opts.RollSize,
		policy:   opts.FsyncPolicy,
		fileId:   id,
	}
	path := filepath.Join(w.dir, walFileName(uint64(w.fileId)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	w.curFile = f
	w.curBufw = bufio.NewWriterSize(f, 1<<20)
	if w.policy == "every_sec" {
		w.stopChan = make(chan struct{})
		w.wg.Add(1)
		go w.bgSync()
	}
	return w, nil
}

func (w *Wal) Close() error {
	if w.stopChan != nil {
		close(w.stopChan)
		w.wg.Wait()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	if w.curBufw != nil {
		if err := w.curBufw.Flush(); err != nil {
			firstErr = err
		}
	}
	if w.curFile != nil {
		if err := w.curFile.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := w.curFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.curFile = nil
	}
	return firstErr
}

func (w *Wal) Append(record *WalRecord, forceSync bool) error {
	payload := encodePayload(record)
	crc := crc32.Checksum(payload, crcTab)
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], crc)

	need := int64(len(payload) + 4)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rollSize > 0 && w.curSize+need >= w.rollSize {
		if err := w.rotate(record.Seq); err != nil {
			return err
		}
	}

	if _, err := w.curBufw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.curBufw.Write(payload); err != nil {
		return err
	}

	w.curSize += need

	if forceSync || w.policy == "always" {
		if err := w.curBufw.Flush(); err != nil {
			return err
		}
		if err := w.curFile.Sync(); err != nil {
			return err
		}
	}

	return nil
}

// Rotate closes the active segment and opens a fresh one named after
// nextSeq. db.go calls this when it freezes the active memtable, so
// the closed segment corresponds exactly to one flushable memtable and
// becomes safe to trim once that memtable's flush commits.
func (w *Wal) Rotate(nextSeq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotate(nextSeq)
}

// rotate closes the current file and opens a new one named after the
// sequence number of the record that triggered the roll, matching the
// engine's convention of naming a WAL segment after its first sequence.
func (w *Wal) rotate(nextSeq uint64) error {
	if w.curBufw != nil {
		if err := w.curBufw.Flush(); err != nil {
			return err
		}
	}
	if w.curFile != nil {
		if err := w.curFile.Sync(); err != nil {
			return err
		}
		_ = w.curFile.Close()
	}
	w.fileId = int(nextSeq)
	path := filepath.Join(w.dir, walFileName(nextSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.curFile = f
	w.curBufw = bufio.NewWriterSize(f, 1<<20)
	w.curSize = 0
	return nil
}

// Next reads one record. It distinguishes a clean EOF (nothing more to
// read) from a torn or corrupted tail (io.ErrUnexpectedEOF or a CRC
// mismatch) so ReplayFile can truncate precisely at the last good
// record boundary.
func (rd *WalReader) Next() (*WalRecord, int64, error) {
	var crcBuf [4]byte
	if _, err := io.ReadFull(rd.r, crcBuf[:]); err != nil {
		return nil, 0, err
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])

	var fixed [walRecordHeaderLen - 4]byte
	if _, err := io.ReadFull(rd.r, fixed[:]); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	klen := int(binary.LittleEndian.Uint32(fixed[9:13]))
	key := make([]byte, klen)
	if _, err := io.ReadFull(rd.r, key); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	var vlenBuf [4]byte
	if _, err := io.ReadFull(rd.r, vlenBuf[:]); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	vlen := int(binary.LittleEndian.Uint32(vlenBuf[:]))
	val := make([]byte, vlen)
	if _, err := io.ReadFull(rd.r, val); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}

	payload := make([]byte, 0, 8+1+4+klen+4+vlen)
	payload = append(payload, fixed[:]...)
	payload = append(payload, key...)
	payload = append(payload, vlenBuf[:]...)
	payload = append(payload, val...)

	gotCRC := crc32.Checksum(payload, crcTab)
	if gotCRC != wantCRC {
		return nil, 0, Corruptionf("wal record crc mismatch: got %x want %x", gotCRC, wantCRC)
	}

	rec := decodePayload(payload)
	n := int64(4 + len(payload))
	return rec, n, nil
}

// ReplayFile applies every complete, valid record in order. A torn or
// corrupted tail record is treated as "nothing written past here yet"
// rather than a fatal error: the file is truncated to the last good
// record boundary and replay stops cleanly.
func ReplayFile(f *os.File, apply func(*WalRecord) error) (maxSeq uint64, err error) {
	rd := NewWalReader(f)
	var offset int64
	for {
		rec, n, rerr := rd.Next()
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			_ = f.Truncate(offset)
			break
		}
		offset += n
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		if aerr := apply(rec); aerr != nil {
			return maxSeq, aerr
		}
	}
	return maxSeq, nil
}

// WalManager holds the WAL directory and retires segments once their
// contents are durable elsewhere: it enumerates and numerically sorts
// the existing *.wal files by the sequence embedded in their name and
// deletes every segment whose records are entirely below a threshold.
type WalManager struct {
	dir string
}

func NewWalManager(dir string) *WalManager { return &WalManager{dir: dir} }

type walSegment struct {
	seq  uint64
	path string
}

// listSegments returns every *.wal file in the directory, sorted
// ascending by the sequence number embedded in its name.
func (m *WalManager) listSegments() ([]walSegment, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, IOErrorWrap("read wal directory", err)
	}
	var segs []walSegment
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".wal") {
			continue
		}
		seqStr := strings.TrimSuffix(e.Name(), ".wal")
		var seq uint64
		if _, err := fmt.Sscanf(seqStr, "%d", &seq); err != nil {
			continue
		}
		segs = append(segs, walSegment{seq: seq, path: filepath.Join(m.dir, e.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].seq < segs[j].seq })
	return segs, nil
}

// TrimBelow deletes every WAL segment whose records are all known to
// be <= threshold. A segment starting at seq S holds every record up
// to (but not including) the seq the next segment started at, so
// segment i is safe to delete once segment i+1's starting seq is
// <= threshold+1; the newest segment is never deleted, since it
// is still the active write target.
func (m *WalManager) TrimBelow(threshold uint64) ([]string, error) {
	segs, err := m.listSegments()
	if err != nil {
		return nil, err
	}
	var deleted []string
	for i := 0; i+1 < len(segs); i++ {
		// segment i holds records with seq in [segs[i].seq, segs[i+1].seq),
		// so it is entirely durable once segs[i+1].seq-1 <= threshold.
		if segs[i+1].seq > threshold+1 {
			break
		}
		if err := os.Remove(segs[i].path); err != nil && !os.IsNotExist(err) {
			return deleted, IOErrorWrap("remove trimmed wal segment", err)
		}
		deleted = append(deleted, segs[i].path)
	}
	return deleted, nil
}

func (w *Wal) bgSync() {
	defer w.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.curBufw != nil {
				_ = w.curBufw.Flush()
			}
			if w.curFile != nil {
				_ = w.curFile.Sync()
			}
			w.mu.Unlock()
		}
	}
}
