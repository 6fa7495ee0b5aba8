package wal

import (
	"sync"

	"github.com/ValentinKolb/dSMR/lib/smr"
)

// memoryStore keeps the log in memory. It implements the full Store contract
// (including all-or-nothing batches) but nothing survives the process.
type memoryStore struct {
	mu        sync.RWMutex
	entries   []smr.LogEntry // entries[i] has index compacted+1+i
	compacted uint64
	hs        HardState
}

// NewMemory creates an empty in-memory log store.
func NewMemory() Store {
	return &memoryStore{hs: HardState{VotedFor: smr.NoReplica}}
}

// memoryWriter stages a batch on a copy of the store state.
type memoryWriter struct {
	entries   []smr.LogEntry
	compacted uint64
	hs        HardState
}

func (s *memoryStore) DurableSync(fn func(w Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &memoryWriter{
		entries:   append([]smr.LogEntry(nil), s.entries...),
		compacted: s.compacted,
		hs:        s.hs,
	}
	if err := fn(w); err != nil {
		return err
	}
	s.entries, s.compacted, s.hs = w.entries, w.compacted, w.hs
	return nil
}

func (w *memoryWriter) last() uint64 {
	return w.compacted + uint64(len(w.entries))
}

func (w *memoryWriter) Append(entries ...smr.LogEntry) error {
	for _, e := range entries {
		if e.Index != w.last()+1 {
			return smr.NewError(smr.CodeLogCorruption, "append at %d leaves a gap after %d", e.Index, w.last())
		}
		w.entries = append(w.entries, persisted(e))
	}
	return nil
}

func (w *memoryWriter) Put(e smr.LogEntry) error {
	if e.Index <= w.compacted || e.Index > w.last() {
		return smr.NewError(smr.CodeLogCorruption, "put at %d outside of log [%d,%d]", e.Index, w.compacted+1, w.last())
	}
	w.entries[e.Index-w.compacted-1] = persisted(e)
	return nil
}

func (w *memoryWriter) TruncateFrom(index uint64) error {
	if index <= w.compacted {
		return smr.NewError(smr.CodeLogCorruption, "truncate at %d below compaction point %d", index, w.compacted)
	}
	if index <= w.last() {
		w.entries = w.entries[:index-w.compacted-1]
	}
	return nil
}

func (w *memoryWriter) MarkCommitted(index uint64) error {
	if index > w.hs.Commit {
		w.hs.Commit = index
	}
	return nil
}

func (w *memoryWriter) SetHardState(view uint64, votedFor smr.ReplicaID) error {
	w.hs.View, w.hs.VotedFor = view, votedFor
	return nil
}

func (w *memoryWriter) CompactTo(index uint64) error {
	if index <= w.compacted {
		return nil
	}
	if index >= w.last() {
		w.entries = nil
	} else {
		w.entries = append([]smr.LogEntry(nil), w.entries[index-w.compacted:]...)
	}
	w.compacted = index
	return nil
}

// persisted mimics what the durable stores keep: shards and metadata, no payload.
func persisted(e smr.LogEntry) smr.LogEntry {
	e.Payload = nil
	e.Shards = e.Shards.Clone()
	return e
}

func (s *memoryStore) Append(entries ...smr.LogEntry) error {
	return s.DurableSync(func(w Writer) error { return w.Append(entries...) })
}

func (s *memoryStore) Put(entry smr.LogEntry) error {
	return s.DurableSync(func(w Writer) error { return w.Put(entry) })
}

func (s *memoryStore) TruncateFrom(index uint64) error {
	return s.DurableSync(func(w Writer) error { return w.TruncateFrom(index) })
}

func (s *memoryStore) MarkCommitted(index uint64) error {
	return s.DurableSync(func(w Writer) error { return w.MarkCommitted(index) })
}

func (s *memoryStore) SetHardState(view uint64, votedFor smr.ReplicaID) error {
	return s.DurableSync(func(w Writer) error { return w.SetHardState(view, votedFor) })
}

func (s *memoryStore) CompactTo(index uint64) error {
	return s.DurableSync(func(w Writer) error { return w.CompactTo(index) })
}

func (s *memoryStore) Get(index uint64) (smr.LogEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index <= s.compacted || index > s.compacted+uint64(len(s.entries)) {
		return smr.LogEntry{}, false, nil
	}
	return persisted(s.entries[index-s.compacted-1]), true, nil
}

func (s *memoryStore) Scan(from uint64, fn func(entry smr.LogEntry) error) error {
	s.mu.RLock()
	entries := append([]smr.LogEntry(nil), s.entries...)
	compacted := s.compacted
	s.mu.RUnlock()

	for i, e := range entries {
		if compacted+1+uint64(i) < from {
			continue
		}
		if err := fn(persisted(e)); err != nil {
			return err
		}
	}
	return nil
}

func (s *memoryStore) FirstIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compacted + 1
}

func (s *memoryStore) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compacted + uint64(len(s.entries))
}

func (s *memoryStore) CompactedIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compacted
}

func (s *memoryStore) HardState() (HardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hs, nil
}

func (s *memoryStore) Close() error {
	return nil
}
