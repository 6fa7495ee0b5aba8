package recovery

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/snapshot"
	"github.com/ValentinKolb/dSMR/lib/smr/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendEntries(t *testing.T, log wal.Store, from, to uint64) {
	for i := from; i <= to; i++ {
		set := smr.NewShardSet(1, 0, 1)
		set.Shards[0] = []byte{byte(i)}
		require.NoError(t, log.Append(smr.LogEntry{Index: i, View: 1, Shards: set}))
	}
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	log := wal.NewMemory()
	appendEntries(t, log, 1, 3)
	require.NoError(t, log.MarkCommitted(2))

	loaded := false
	r, err := Restore(log, snapshot.NewMemory(), func([]byte) error { loaded = true; return nil })
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Len(t, r.Entries, 3)
	assert.Equal(t, uint64(2), r.HardState.Commit)
}

func TestRestoreCompactsLeftovers(t *testing.T) {
	log := wal.NewMemory()
	snaps := snapshot.NewMemory()
	appendEntries(t, log, 1, 6)
	// crash after the snapshot was written but before compaction
	require.NoError(t, snaps.Save(snapshot.Meta{Index: 4, View: 1}, []byte("cp")))

	var got []byte
	r, err := Restore(log, snaps, func(cp []byte) error { got = cp; return nil })
	require.NoError(t, err)
	assert.Equal(t, []byte("cp"), got)
	assert.Equal(t, uint64(4), r.Snapshot.Index)
	require.Len(t, r.Entries, 2)
	assert.Equal(t, uint64(5), r.Entries[0].Index)
	assert.Equal(t, uint64(5), log.FirstIndex())
}

func TestRestoreDetectsLostEntries(t *testing.T) {
	log := wal.NewMemory()
	appendEntries(t, log, 1, 6)
	require.NoError(t, log.CompactTo(5))

	_, err := Restore(log, snapshot.NewMemory(), func([]byte) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, smr.ErrLogCorruption))
}

func TestTakeSnapshot(t *testing.T) {
	log := wal.NewMemory()
	snaps := snapshot.NewMemory()
	appendEntries(t, log, 1, 10)

	p := Policy{Threshold: 5}
	assert.False(t, p.ShouldSnapshot(4, 0))
	assert.True(t, p.ShouldSnapshot(5, 0))
	assert.False(t, p.ShouldSnapshot(9, 5))
	assert.False(t, Policy{}.ShouldSnapshot(100, 0))

	require.NoError(t, TakeSnapshot(log, snaps, snapshot.Meta{Index: 7, View: 1}, []byte("state")))
	assert.Equal(t, uint64(8), log.FirstIndex())

	meta, cp, ok, err := snaps.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), meta.Index)
	assert.Equal(t, []byte("state"), cp)
}
