package maple

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/ValentinKolb/dSMR/lib/db"
	"github.com/ValentinKolb/dSMR/lib/db/engines/maple/internal"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	magicNum     = "MAPLEDB\x00" // File format identifier
	mapleVersion = 4             // Database version

	entryOverhead = 8 * 3 // expireAt, deleteAt, index
)

const flagExpired uint8 = 1

// --------------------------------------------------------------------------
// Core Maple database structure
// --------------------------------------------------------------------------

// mapleImpl is an in-memory database with sharded data. Expired values and
// deleted keys are reclaimed synchronously whenever the write index advances.
type mapleImpl struct {
	shards    []*internal.Shard
	currIndex atomic.Uint64
}

// DBOptions configures the mapleImpl behavior during initialization
type DBOptions struct {
	NumShards int // Number of shards (0 = number of CPUs)
}

// DefaultOptions returns the default mapleImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		NumShards: runtime.NumCPU(),
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewMapleDB creates a new MapleDB instance with the specified options (optional)
func NewMapleDB(opts *DBOptions) db.KVDB {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.NumShards <= 0 {
		opts.NumShards = runtime.NumCPU()
	}

	return &mapleImpl{
		shards: newShards(opts.NumShards),
	}
}

func newShards(n int) []*internal.Shard {
	shards := make([]*internal.Shard, n)
	for i := range shards {
		shards[i] = internal.NewShard()
	}
	return shards
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Write Operations
// --------------------------------------------------------------------------

// Set inserts or updates an entry. An existing entry loses its deadlines.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Set(key string, value []byte, writeIdx uint64) {
	maple.compute(key, value, writeIdx, 0, 0, func(new, _ internal.Entry, _ bool) (internal.Entry, bool) {
		return new, false
	})
}

// SetE stores a value for a key with relative deadlines.
//
//   - expireIn: the value expires expireIn indices after writeIndex (0 = never), the key is still found by Has()
//   - deleteIn: the key is deleted deleteIn indices after writeIndex (0 = never)
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) SetE(key string, value []byte, writeIndex uint64, expireIn, deleteIn uint64) {
	maple.compute(key, value, writeIndex, expireIn, deleteIn, func(new, _ internal.Entry, _ bool) (internal.Entry, bool) {
		return new, false
	})
}

// SetEIfUnset behaves like SetE but keeps an existing (not deleted) entry untouched.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) SetEIfUnset(key string, value []byte, writeIndex uint64, expireIn, deleteIn uint64) {
	maple.compute(key, value, writeIndex, expireIn, deleteIn, func(new, old internal.Entry, loaded bool) (internal.Entry, bool) {
		if loaded {
			return old, false
		}
		return new, false
	})
}

// Expire drops the value of key immediately. The key stays findable with Has().
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Expire(key string, writeIndex uint64) {
	maple.compute(key, nil, writeIndex, 0, 0, func(_, old internal.Entry, loaded bool) (internal.Entry, bool) {
		if !loaded {
			return old, true
		}
		old.Value = nil
		old.Expired = true
		old.Index = writeIndex
		return old, false
	})
}

// Delete removes key immediately.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Delete(key string, writeIndex uint64) {
	maple.compute(key, nil, writeIndex, 0, 0, func(_, old internal.Entry, _ bool) (internal.Entry, bool) {
		return old, true
	})
}

// compute is the shared write path. fn gets the new entry and the old one
// (loaded is false if there was none or it is logically deleted) and returns
// the entry to store or true to remove the key. Writes with an index older
// than the stored entry are ignored.
func (maple *mapleImpl) compute(key string, value []byte, writeIndex uint64, expireIn, deleteIn uint64, fn func(new, old internal.Entry, loaded bool) (entry internal.Entry, delete bool)) {
	maple.SetWriteIdx(writeIndex)

	shard := internal.GetShard(key, maple.shards)

	var valueCopy []byte
	if value != nil {
		valueCopy = make([]byte, len(value))
		copy(valueCopy, value)
	}

	var expireAt, deleteAt uint64
	if expireIn > 0 {
		expireAt = writeIndex + expireIn
	}
	if deleteIn > 0 {
		deleteAt = writeIndex + deleteIn
	}

	shard.Data.Compute(key, func(old internal.Entry, exists bool) (internal.Entry, bool) {
		if exists && writeIndex < old.Index {
			return old, false
		}

		loaded := exists
		if exists {
			expired, deleted := old.TTLInfo(writeIndex)
			loaded = !deleted
			if expired {
				old.Value = nil
				old.Expired = true
			}
		}

		entry, del := fn(internal.Entry{
			Value:    valueCopy,
			ExpireAt: expireAt,
			DeleteAt: deleteAt,
			Index:    writeIndex,
		}, old, loaded)

		shard.Mu.Lock()
		defer shard.Mu.Unlock()
		if del {
			shard.Unschedule(key)
			return old, true
		}
		shard.Schedule(key, entry)
		return entry, false
	})
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Read Operations
// --------------------------------------------------------------------------

// Get returns a copy of the value of key, unless the key is expired or deleted.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Get(key string) ([]byte, bool) {
	e, ok := internal.GetShard(key, maple.shards).Data.Load(key)
	if !ok {
		return nil, false
	}
	if expired, _ := e.TTLInfo(maple.currIndex.Load()); expired {
		return nil, false
	}

	data := make([]byte, len(e.Value))
	copy(data, e.Value)
	return data, true
}

// Has reports whether key exists. Expired keys exist, deleted keys do not.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Has(key string) bool {
	e, ok := internal.GetShard(key, maple.shards).Data.Load(key)
	if !ok {
		return false
	}
	_, deleted := e.TTLInfo(maple.currIndex.Load())
	return !deleted
}

// --------------------------------------------------------------------------
// Garbage Collection
// --------------------------------------------------------------------------

// collect reclaims everything that is due at writeIdx. Every entry is checked
// again before it is touched because it may have been rewritten after its
// deadline was popped.
func (maple *mapleImpl) collect(writeIdx uint64) {
	for _, shard := range maple.shards {
		expired, deleted := shard.Due(writeIdx)

		for _, key := range expired {
			shard.Data.Compute(key, func(e internal.Entry, loaded bool) (internal.Entry, bool) {
				if !loaded {
					return e, true
				}
				if isExpired, _ := e.TTLInfo(writeIdx); !isExpired {
					return e, false
				}
				e.Value = nil
				e.Expired = true
				return e, false
			})
		}

		for _, key := range deleted {
			shard.Data.Compute(key, func(e internal.Entry, loaded bool) (internal.Entry, bool) {
				if !loaded {
					return e, true
				}
				_, isDeleted := e.TTLInfo(writeIdx)
				return e, isDeleted
			})
		}
	}
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

type savedEntry struct {
	key   string
	entry internal.Entry
}

// snapshot returns the logical content of the database sorted by key.
// Deleted entries are left out and expired entries carry no value, no matter
// whether the gc already got to them.
func (maple *mapleImpl) snapshot() (uint64, []savedEntry) {
	writeIdx := maple.currIndex.Load()

	var entries []savedEntry
	for _, shard := range maple.shards {
		shard.Data.Range(func(key string, e internal.Entry) bool {
			expired, deleted := e.TTLInfo(writeIdx)
			if deleted {
				return true
			}
			if expired {
				e.Value = nil
				e.Expired = true
			}
			entries = append(entries, savedEntry{key: key, entry: e})
			return true
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	return writeIdx, entries
}

// Save writes the logical content of the database to w. Equal logical
// states produce equal bytes.
//
// Thread-safety: Save may run concurrently with writes, it then captures a
// fuzzy state. Replicated state machines call it between applies.
func (maple *mapleImpl) Save(w io.Writer) error {
	bw := bufio.NewWriterSize(w, 1024*1024)
	writeIdx, entries := maple.snapshot()

	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint8(mapleVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, writeIdx); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(entries))); err != nil {
		return err
	}

	for _, item := range entries {
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(item.key))); err != nil {
			return err
		}
		if _, err := bw.WriteString(item.key); err != nil {
			return err
		}

		var flags uint8
		if item.entry.Expired {
			flags |= flagExpired
		}
		header := []interface{}{item.entry.ExpireAt, item.entry.DeleteAt, item.entry.Index, flags, uint32(len(item.entry.Value))}
		for _, field := range header {
			if err := binary.Write(bw, binary.LittleEndian, field); err != nil {
				return err
			}
		}

		if _, err := bw.Write(item.entry.Value); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// Load replaces the content of the database with data written by Save.
//
// Thread-safety: This function is not thread-safe and should not be called concurrently
func (maple *mapleImpl) Load(r io.Reader) error {
	br := bufio.NewReaderSize(r, 1024*1024)

	magicBytes := make([]byte, len(magicNum))
	if _, err := io.ReadFull(br, magicBytes); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if string(magicBytes) != magicNum {
		return fmt.Errorf("invalid file format: magic number mismatch")
	}

	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return err
	}
	if int(version) != mapleVersion {
		return fmt.Errorf("unsupported version: %d (expected %d)", version, mapleVersion)
	}

	var writeIdx, count uint64
	if err := binary.Read(br, binary.LittleEndian, &writeIdx); err != nil {
		return err
	}
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return err
	}

	shards := newShards(len(maple.shards))
	for i := uint64(0); i < count; i++ {
		var keyLen uint32
		if err := binary.Read(br, binary.LittleEndian, &keyLen); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(br, key); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}

		var (
			e        internal.Entry
			flags    uint8
			valueLen uint32
		)
		for _, field := range []interface{}{&e.ExpireAt, &e.DeleteAt, &e.Index, &flags, &valueLen} {
			if err := binary.Read(br, binary.LittleEndian, field); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}
		e.Expired = flags&flagExpired != 0
		if !e.Expired {
			e.Value = make([]byte, valueLen)
			if _, err := io.ReadFull(br, e.Value); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}

		shard := internal.GetShard(string(key), shards)
		shard.Data.Store(string(key), e)
		shard.Schedule(string(key), e)
	}

	maple.shards = shards
	maple.currIndex.Store(writeIdx)
	return nil
}

// --------------------------------------------------------------------------
// KVDB Interface Implementation - Features and Metadata
// --------------------------------------------------------------------------

// GetInfo returns exact statistics about the database
func (maple *mapleImpl) GetInfo() db.DatabaseInfo {
	writeIdx := maple.currIndex.Load()

	meta := &struct {
		ShardCount  int   `json:"shard_count"`
		ShardSizes  []int `json:"shard_sizes"`
		ExpiredKeys int   `json:"expired_keys"`
		Pending     int   `json:"pending_deadlines"`
	}{
		ShardCount: len(maple.shards),
		ShardSizes: make([]int, len(maple.shards)),
	}

	var keys, size int
	for i, shard := range maple.shards {
		shard.Data.Range(func(key string, e internal.Entry) bool {
			expired, deleted := e.TTLInfo(writeIdx)
			if deleted {
				return true
			}
			if expired {
				meta.ExpiredKeys++
			} else {
				size += len(e.Value)
			}
			keys++
			size += len(key) + entryOverhead
			return true
		})
		meta.ShardSizes[i] = shard.Data.Size()

		shard.Mu.Lock()
		meta.Pending += shard.ExpireHeap.Len() + shard.DeleteHeap.Len()
		shard.Mu.Unlock()
	}

	return db.DatabaseInfo{
		Keys:       keys,
		SizeBytes:  size,
		WriteIndex: writeIdx,
		DbType:     db.ImplMaple,
		SupportedFeatures: []db.Feature{
			db.FeatureSet, db.FeatureSetE, db.FeatureSetEIfUnset,
			db.FeatureExpire, db.FeatureDelete,
			db.FeatureGet, db.FeatureHas,
			db.FeatureSave, db.FeatureLoad,
		},
		Metadata: meta,
	}
}

// SupportsFeature checks if this implementation supports a specific KVDB feature
func (maple *mapleImpl) SupportsFeature(feature db.Feature) bool {
	supportedFeatures := db.FeatureSet |
		db.FeatureSetE |
		db.FeatureSetEIfUnset |
		db.FeatureGet |
		db.FeatureExpire |
		db.FeatureDelete |
		db.FeatureHas |
		db.FeatureSave |
		db.FeatureLoad
	return supportedFeatures&feature == feature
}

// Close is a no-op, maple holds no resources besides memory.
func (maple *mapleImpl) Close() error {
	return nil
}

// --------------------------------------------------------------------------
// Index Management
// --------------------------------------------------------------------------

// SetWriteIdx advances the write index and reclaims everything that became
// due. Lower indices are ignored.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) SetWriteIdx(newIdx uint64) {
	for {
		currIdx := maple.currIndex.Load()
		if newIdx <= currIdx {
			return
		}
		if maple.currIndex.CompareAndSwap(currIdx, newIdx) {
			maple.collect(newIdx)
			return
		}
	}
}

// WriteIdx returns the current index of the database
func (maple *mapleImpl) WriteIdx() uint64 {
	return maple.currIndex.Load()
}
