package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dSMR/lib/smr"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")

	metaView      = []byte("view")
	metaVotedFor  = []byte("voted_for")
	metaCommit    = []byte("commit")
	metaCompacted = []byte("compacted")
)

// BoltOptions configures the bbolt backed log store.
type BoltOptions struct {
	// NoSync skips fsync on commit. Only useful for benchmarks, it voids durability.
	NoSync bool
	// OpenTimeout bounds waiting for the file lock.
	OpenTimeout time.Duration
}

// boltStore persists the log in a bbolt file: one bucket with entries keyed
// by big endian index, one bucket with the hard state.
type boltStore struct {
	db *bolt.DB

	mu        sync.RWMutex // guards the cached bounds below
	last      uint64
	compacted uint64
}

// OpenBolt opens (or creates) the log store at path.
func OpenBolt(path string, opts *BoltOptions) (Store, error) {
	if opts == nil {
		opts = &BoltOptions{}
	}
	if opts.OpenTimeout == 0 {
		opts.OpenTimeout = time.Second
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.OpenTimeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("failed to open log store %s: %w", path, err)
	}

	s := &boltStore{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		entries, err := tx.CreateBucketIfNotExists(bucketEntries)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		s.compacted = getUint64(meta, metaCompacted)
		s.last = s.compacted
		if k, _ := entries.Cursor().Last(); k != nil {
			s.last = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize log store: %w", err)
	}

	Logger.Infof("opened log store %s (compacted=%d, last=%d)", path, s.compacted, s.last)
	return s, nil
}

// --------------------------------------------------------------------------
// Durable batches
// --------------------------------------------------------------------------

// boltWriter applies mutations inside one bolt transaction. The cached
// bounds are only published after the transaction committed.
type boltWriter struct {
	tx        *bolt.Tx
	last      uint64
	compacted uint64
}

func (s *boltStore) DurableSync(fn func(w Writer) error) error {
	s.mu.RLock()
	w := &boltWriter{last: s.last, compacted: s.compacted}
	s.mu.RUnlock()

	var fnErr error
	err := s.db.Update(func(tx *bolt.Tx) error {
		w.tx = tx
		fnErr = fn(w)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return smr.NewError(smr.CodeDurability, "log store commit failed: %v", err)
	}

	s.mu.Lock()
	s.last, s.compacted = w.last, w.compacted
	s.mu.Unlock()
	return nil
}

func (w *boltWriter) Append(entries ...smr.LogEntry) error {
	b := w.tx.Bucket(bucketEntries)
	for _, e := range entries {
		if e.Index != w.last+1 {
			return smr.NewError(smr.CodeLogCorruption, "append at %d leaves a gap after %d", e.Index, w.last)
		}
		if err := b.Put(key(e.Index), encodeRecord(e)); err != nil {
			return smr.NewError(smr.CodeDurability, "failed to write entry %d: %v", e.Index, err)
		}
		w.last = e.Index
	}
	return nil
}

func (w *boltWriter) Put(e smr.LogEntry) error {
	if e.Index <= w.compacted || e.Index > w.last {
		return smr.NewError(smr.CodeLogCorruption, "put at %d outside of log [%d,%d]", e.Index, w.compacted+1, w.last)
	}
	if err := w.tx.Bucket(bucketEntries).Put(key(e.Index), encodeRecord(e)); err != nil {
		return smr.NewError(smr.CodeDurability, "failed to rewrite entry %d: %v", e.Index, err)
	}
	return nil
}

func (w *boltWriter) TruncateFrom(index uint64) error {
	if index <= w.compacted {
		return smr.NewError(smr.CodeLogCorruption, "truncate at %d below compaction point %d", index, w.compacted)
	}
	if err := deleteRange(w.tx.Bucket(bucketEntries), index, w.last); err != nil {
		return err
	}
	if index-1 < w.last {
		w.last = index - 1
	}
	return nil
}

func (w *boltWriter) MarkCommitted(index uint64) error {
	meta := w.tx.Bucket(bucketMeta)
	if index <= getUint64(meta, metaCommit) {
		return nil
	}
	return putUint64(meta, metaCommit, index)
}

func (w *boltWriter) SetHardState(view uint64, votedFor smr.ReplicaID) error {
	meta := w.tx.Bucket(bucketMeta)
	if err := putUint64(meta, metaView, view); err != nil {
		return err
	}
	return putUint64(meta, metaVotedFor, uint64(votedFor))
}

func (w *boltWriter) CompactTo(index uint64) error {
	if index <= w.compacted {
		return nil
	}
	if err := deleteRange(w.tx.Bucket(bucketEntries), w.compacted+1, index); err != nil {
		return err
	}
	if err := putUint64(w.tx.Bucket(bucketMeta), metaCompacted, index); err != nil {
		return err
	}
	w.compacted = index
	if w.last < index {
		w.last = index
	}
	return nil
}

// deleteRange removes the keys [from, to]. Keys are collected first because
// deleting while iterating a bolt cursor skips elements.
func deleteRange(b *bolt.Bucket, from, to uint64) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(key(from)); k != nil && binary.BigEndian.Uint64(k) <= to; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return smr.NewError(smr.CodeDurability, "failed to delete entry %d: %v", binary.BigEndian.Uint64(k), err)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Single-operation batches
// --------------------------------------------------------------------------

func (s *boltStore) Append(entries ...smr.LogEntry) error {
	return s.DurableSync(func(w Writer) error { return w.Append(entries...) })
}

func (s *boltStore) Put(entry smr.LogEntry) error {
	return s.DurableSync(func(w Writer) error { return w.Put(entry) })
}

func (s *boltStore) TruncateFrom(index uint64) error {
	return s.DurableSync(func(w Writer) error { return w.TruncateFrom(index) })
}

func (s *boltStore) MarkCommitted(index uint64) error {
	return s.DurableSync(func(w Writer) error { return w.MarkCommitted(index) })
}

func (s *boltStore) SetHardState(view uint64, votedFor smr.ReplicaID) error {
	return s.DurableSync(func(w Writer) error { return w.SetHardState(view, votedFor) })
}

func (s *boltStore) CompactTo(index uint64) error {
	return s.DurableSync(func(w Writer) error { return w.CompactTo(index) })
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

func (s *boltStore) Get(index uint64) (smr.LogEntry, bool, error) {
	var (
		entry smr.LogEntry
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get(key(index))
		if data == nil {
			return nil
		}
		e, err := decodeRecord(index, data)
		if err != nil {
			return err
		}
		entry, found = e, true
		return nil
	})
	return entry, found, err
}

func (s *boltStore) Scan(from uint64, fn func(entry smr.LogEntry) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		expected := uint64(0)
		for k, v := c.Seek(key(from)); k != nil; k, v = c.Next() {
			index := binary.BigEndian.Uint64(k)
			if expected != 0 && index != expected {
				return smr.NewError(smr.CodeLogCorruption, "gap in log: expected %d, found %d", expected, index)
			}
			e, err := decodeRecord(index, v)
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
			expected = index + 1
		}
		return nil
	})
}

func (s *boltStore) FirstIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compacted + 1
}

func (s *boltStore) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *boltStore) CompactedIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compacted
}

func (s *boltStore) HardState() (HardState, error) {
	hs := HardState{VotedFor: smr.NoReplica}
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		hs.View = getUint64(meta, metaView)
		hs.Commit = getUint64(meta, metaCommit)
		if v := meta.Get(metaVotedFor); v != nil {
			hs.VotedFor = smr.ReplicaID(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return hs, err
}

func (s *boltStore) Close() error {
	if err := s.db.Close(); err != nil && !errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func getUint64(b *bolt.Bucket, k []byte) uint64 {
	v := b.Get(k)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putUint64(b *bolt.Bucket, k []byte, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	if err := b.Put(k, buf[:]); err != nil {
		return smr.NewError(smr.CodeDurability, "failed to write %s: %v", k, err)
	}
	return nil
}
