package recovery

import (
	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/snapshot"
	"github.com/ValentinKolb/dSMR/lib/smr/wal"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("recovery")

// Restored is the state reconstructed from durable storage at startup.
type Restored struct {
	Snapshot  snapshot.Meta
	HardState wal.HardState
	// Entries holds every log entry above the snapshot, in index order.
	Entries []smr.LogEntry
}

// Restore loads the latest snapshot into the state machine (through load),
// validates it against the log and collects the log entries above it.
//
// A log that was compacted past the snapshot (entries lost) or a snapshot
// that cannot be read are reported as smr.ErrLogCorruption. Entries at or
// below the snapshot index (left over by a crash between snapshot and
// compaction) are compacted away.
func Restore(log wal.Store, snaps snapshot.Store, load func(checkpoint []byte) error) (*Restored, error) {
	meta, checkpoint, ok, err := snaps.Load()
	if err != nil {
		return nil, err
	}
	if ok {
		if err := load(checkpoint); err != nil {
			return nil, smr.NewError(smr.CodeLogCorruption, "failed to load snapshot at %d: %v", meta.Index, err)
		}
		Logger.Infof("loaded snapshot at index %d (view %d, %d bytes)", meta.Index, meta.View, len(checkpoint))
	}

	if compacted := log.CompactedIndex(); compacted > meta.Index {
		return nil, smr.NewError(smr.CodeLogCorruption,
			"log compacted to %d but snapshot only covers %d", compacted, meta.Index)
	}
	if log.CompactedIndex() < meta.Index {
		if err := log.CompactTo(meta.Index); err != nil {
			return nil, err
		}
	}

	hs, err := log.HardState()
	if err != nil {
		return nil, err
	}

	r := &Restored{Snapshot: meta, HardState: hs}
	err = log.Scan(meta.Index+1, func(e smr.LogEntry) error {
		r.Entries = append(r.Entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	Logger.Infof("restored log: snapshot=%d entries=%d view=%d commit=%d",
		meta.Index, len(r.Entries), hs.View, hs.Commit)
	return r, nil
}

// --------------------------------------------------------------------------
// Snapshot policy
// --------------------------------------------------------------------------

// Policy decides when the applied prefix of the log is folded into a snapshot.
type Policy struct {
	// Threshold is the number of applied entries above the last snapshot that
	// triggers a new one. 0 disables snapshots.
	Threshold uint64
}

// ShouldSnapshot reports whether a snapshot is due.
func (p Policy) ShouldSnapshot(applied, lastSnapshot uint64) bool {
	return p.Threshold > 0 && applied > lastSnapshot && applied-lastSnapshot >= p.Threshold
}

// TakeSnapshot persists checkpoint as the snapshot of everything up to meta.Index
// and then compacts the log below it. The snapshot is durable before any log
// entry is dropped.
func TakeSnapshot(log wal.Store, snaps snapshot.Store, meta snapshot.Meta, checkpoint []byte) error {
	if err := snaps.Save(meta, checkpoint); err != nil {
		return err
	}
	if err := log.CompactTo(meta.Index); err != nil {
		return err
	}
	Logger.Infof("took snapshot at index %d (view %d, %d bytes)", meta.Index, meta.View, len(checkpoint))
	return nil
}
