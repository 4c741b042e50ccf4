package lsm

import (
	"os"
	"testing"
)

func TestBloomFilter_RoundTrip(t *testing.T) {
	keys := [][]byte{
		[]byte("alpha"),
		[]byte("beta"),
		[]byte("gamma"),
	}
	bf := NewBloomFilter(len(keys), DefaultBloomBitsPerKey)
	for _, k := range keys {
		bf.AddKey(k)
	}
	buf := bf.EncodeTo()
	if len(buf) == 0 {
		t.Fatalf("serialized bloom is empty")
	}

	restored := DecodeBloomFilter(buf)
	for _, k := range keys {
		if !restored.MayContain(k) {
			t.Fatalf("restored bloom missing known key %q", string(k))
		}
	}
}

func TestTableReader_Get_WithBloom_HitAndMiss(t *testing.T) {
	tmpDir := t.TempDir()
	f, err := os.CreateTemp(tmpDir, "SST-*.sst")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}

	opts := Options{BlockSize: 128, BloomBitsPerKey: 10}
	tw, err := NewTableWriter(f, opts)
	if err != nil {
		f.Close()
		t.Fatalf("NewTableWriter: %v", err)
	}
	if err := tw.Add(InternalKey{UserKey: []byte("a"), Seq: 2, Kind: KindPut}, []byte("va")); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if err := tw.Add(InternalKey{UserKey: []byte("b"), Seq: 1, Kind: KindPut}, []byte("vb")); err != nil {
		t.Fatalf("Add b: %v", err)
	}
	if _, err := tw.Finish(); err != nil {
		_ = tw.Close()
		t.Fatalf("Finish: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close writer: %v", err)
	}

	rf, err := os.Open(f.Name())
	if err != nil {
		t.Fatalf("Open for read: %v", err)
	}
	defer rf.Close()
	tr, err := OpenTable(rf, Options{BloomBitsPerKey: 10})
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	defer tr.Close()

	if val, ok, err := tr.Get([]byte("a"), ^uint64(0)); err != nil {
		t.Fatalf("Get(a) error: %v", err)
	} else if !ok {
		t.Fatalf("Get(a) not found")
	} else if string(val) != "va" {
		t.Fatalf("Get(a) value mismatch: got %q want %q", string(val), "va")
	}

	if _, ok, err := tr.Get([]byte("z"), ^uint64(0)); err != nil {
		t.Fatalf("Get(z) error: %v", err)
	} else if ok {
		t.Fatalf("Get(z) unexpectedly found")
	}
}
