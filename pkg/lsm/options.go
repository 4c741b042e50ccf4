package lsm

// Default tuning constants, carried over from the C++ engine's
// config.hpp rather than re-derived: 64 MiB memtables, 4 KiB blocks,
// 10 bits/key bloom filters, a level-0 compaction trigger at 4 files,
// 7 levels total, and a 10x per-level size multiplier.
const (
	DefaultMemTableSize    = 64 << 20
	DefaultBlockSize       = 4 << 10
	DefaultBloomBitsPerKey = 10
	DefaultWALRollSize     = 32 << 10
	DefaultLevel0Trigger   = 4
	DefaultMaxLevels       = 7
	DefaultLevelMultiplier = 10
	DefaultBaseLevelBytes  = 10 << 20
)

// Options configures a DB opened with Open.
type Options struct {
	Dir string

	// CreateIfMissing makes Open create Dir (and its parents) when it
	// does not already exist; otherwise Open fails with a NotFound-kind
	// error. ErrorIfExists makes Open fail with an AlreadyExists-kind
	// error when Dir already holds a database (a MANIFEST file).
	CreateIfMissing bool
	ErrorIfExists   bool

	MemTableSize int
	SyncWrites   bool

	// DisableWAL skips the write-ahead log entirely: writes only land
	// in the memtable, so they do not survive a crash before their
	// memtable is flushed. Named the way pebble names its equivalent
	// knob, so the zero value (false, WAL enabled) is the safe default.
	DisableWAL bool

	CompactionThreads int
	FlushThreads      int

	EnableBloomFilter bool
	BloomBitsPerKey   int
	BloomFpRate       float64 // advisory; actual sizing is bits-per-key driven

	BlockSize   int
	WALRollSize int
	Compression string // "snappy"|"zstd"|"none"

	MaxOpenFiles int
	FsyncPolicy  string // "always"|"every_sec"|"none"

	Level0CompactionTrigger int
	MaxLevels                int
	LevelSizeMultiplier      int
	BaseLevelBytes           int64
}

// withDefaults fills zero-valued fields with the engine's defaults;
// Open calls this once so every internal consumer can assume the
// fields below are always populated.
func (o Options) withDefaults() Options {
	if o.MemTableSize <= 0 {
		o.MemTableSize = DefaultMemTableSize
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BloomBitsPerKey <= 0 {
		o.BloomBitsPerKey = DefaultBloomBitsPerKey
	}
	if o.WALRollSize <= 0 {
		o.WALRollSize = DefaultWALRollSize
	}
	if o.FsyncPolicy == "" {
		o.FsyncPolicy = "every_sec"
	}
	if o.Compression == "" {
		o.Compression = "none"
	}
	if o.Level0CompactionTrigger <= 0 {
		o.Level0CompactionTrigger = DefaultLevel0Trigger
	}
	if o.MaxLevels <= 0 {
		o.MaxLevels = DefaultMaxLevels
	}
	if o.LevelSizeMultiplier <= 0 {
		o.LevelSizeMultiplier = DefaultLevelMultiplier
	}
	if o.BaseLevelBytes <= 0 {
		o.BaseLevelBytes = DefaultBaseLevelBytes
	}
	if o.CompactionThreads <= 0 {
		o.CompactionThreads = 1
	}
	return o
}

// ReadOptions tunes a single Get or NewIterator call.
type ReadOptions struct {
	Snapshot *Snapshot
	Prefix   []byte
}

// WriteOptions tunes a single Put/Delete/Write call.
type WriteOptions struct {
	Sync bool // override FsyncPolicy for this write
}

// Snapshot pins a sequence number so reads against it never observe
// writes committed afterward.
type Snapshot struct{ Seq uint64 }

// Stats mirrors the reference engine's Database::Stats: counters meant
// for GetStats(), not for any correctness path.
type Stats struct {
	NumReads    uint64
	NumWrites   uint64
	NumDeletes  uint64
	CacheHits   uint64
	CacheMisses uint64
	NumEntries  uint64
	NumSSTables int
	DiskUsage   int64
}
