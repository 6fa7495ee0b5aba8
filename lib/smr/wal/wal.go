package wal

import (
	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("wal")

// HardState is the protocol state that must survive a crash next to the log.
type HardState struct {
	View     uint64
	VotedFor smr.ReplicaID
	Commit   uint64
}

// Writer groups the mutating log operations. Inside Store.DurableSync all
// calls on the Writer form one batch that is flushed to stable storage before
// DurableSync returns.
type Writer interface {
	// Append adds entries at the tail. The first entry must carry index LastIndex()+1
	// and the entries must be contiguous, otherwise smr.ErrLogCorruption is returned.
	Append(entries ...smr.LogEntry) error

	// Put overwrites the stored entry at the same index. The index must exist.
	Put(entry smr.LogEntry) error

	// TruncateFrom discards all entries with index >= index.
	TruncateFrom(index uint64) error

	// MarkCommitted persists the commit marker. The marker never moves backwards.
	MarkCommitted(index uint64) error

	// SetHardState persists the current view and vote.
	SetHardState(view uint64, votedFor smr.ReplicaID) error

	// CompactTo drops all entries with index <= index. They are covered by a snapshot.
	CompactTo(index uint64) error
}

// Store is the durable, append-only log of one replica.
//
// Every Writer method called directly on the Store is its own durable batch.
// Use DurableSync to group several mutations into one flush.
//
// A Store is owned by a single writer (the replica event loop); reads may
// happen concurrently.
type Store interface {
	Writer

	// DurableSync runs fn and flushes everything fn wrote to stable storage
	// before returning, on every exit path. If fn fails nothing is written.
	// A failure of the medium is reported as smr.ErrDurability.
	DurableSync(fn func(w Writer) error) error

	// Get returns the entry at index. Compacted or missing entries yield ok=false.
	Get(index uint64) (entry smr.LogEntry, ok bool, err error)

	// Scan calls fn for all entries with index >= from in index order.
	Scan(from uint64, fn func(entry smr.LogEntry) error) error

	// FirstIndex returns the lowest retained index (CompactedIndex()+1).
	FirstIndex() uint64

	// LastIndex returns the highest stored index, or CompactedIndex() if the log is empty.
	LastIndex() uint64

	// CompactedIndex returns the highest index dropped by CompactTo.
	CompactedIndex() uint64

	// HardState returns the persisted view, vote and commit marker.
	HardState() (HardState, error)

	Close() error
}
