package wal

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func boltFactory(t *testing.T) Store {
	s, err := OpenBolt(filepath.Join(t.TempDir(), "wal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func memoryFactory(_ *testing.T) Store {
	return NewMemory()
}

func entry(index, view uint64, shard string) smr.LogEntry {
	set := smr.NewShardSet(1, 2, uint32(len(shard)))
	set.Shards[0] = []byte(shard)
	return smr.LogEntry{Index: index, View: view, Shards: set, Status: smr.StatusAccepted, Payload: []byte(shard)}
}

func TestStores(t *testing.T) {
	for name, factory := range map[string]storeFactory{"bolt": boltFactory, "memory": memoryFactory} {
		t.Run(name, func(t *testing.T) {
			t.Run("AppendGet", func(t *testing.T) { testAppendGet(t, factory(t)) })
			t.Run("Gap", func(t *testing.T) { testGap(t, factory(t)) })
			t.Run("TruncateFrom", func(t *testing.T) { testTruncate(t, factory(t)) })
			t.Run("HardState", func(t *testing.T) { testHardState(t, factory(t)) })
			t.Run("Compact", func(t *testing.T) { testCompact(t, factory(t)) })
			t.Run("BatchIsAtomic", func(t *testing.T) { testBatchAtomic(t, factory(t)) })
			t.Run("Put", func(t *testing.T) { testPut(t, factory(t)) })
		})
	}
}

func testAppendGet(t *testing.T, s Store) {
	assert.Equal(t, uint64(0), s.LastIndex())
	assert.Equal(t, uint64(1), s.FirstIndex())

	require.NoError(t, s.Append(entry(1, 1, "a"), entry(2, 1, "b"), entry(3, 2, "c")))
	assert.Equal(t, uint64(3), s.LastIndex())

	e, ok, err := s.Get(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.View)
	assert.Equal(t, []byte("b"), e.Shards.Shards[0])
	assert.Nil(t, e.Payload, "payload is never persisted")
	assert.Equal(t, uint8(1), e.Shards.K)
	assert.Equal(t, uint8(2), e.Shards.M)

	_, ok, err = s.Get(4)
	require.NoError(t, err)
	assert.False(t, ok)

	var seen []uint64
	require.NoError(t, s.Scan(2, func(e smr.LogEntry) error {
		seen = append(seen, e.Index)
		return nil
	}))
	assert.Equal(t, []uint64{2, 3}, seen)
}

func testGap(t *testing.T, s Store) {
	require.NoError(t, s.Append(entry(1, 1, "a")))
	err := s.Append(entry(3, 1, "c"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, smr.ErrLogCorruption))
	assert.Equal(t, uint64(1), s.LastIndex())
}

func testTruncate(t *testing.T, s Store) {
	require.NoError(t, s.Append(entry(1, 1, "a"), entry(2, 1, "b"), entry(3, 1, "c")))
	require.NoError(t, s.TruncateFrom(2))
	assert.Equal(t, uint64(1), s.LastIndex())

	_, ok, err := s.Get(2)
	require.NoError(t, err)
	assert.False(t, ok)

	// the slot can be refilled with a higher view
	require.NoError(t, s.Append(entry(2, 3, "x")))
	e, ok, err := s.Get(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), e.View)

	// truncating beyond the tail is a no-op
	require.NoError(t, s.TruncateFrom(10))
	assert.Equal(t, uint64(2), s.LastIndex())
}

func testHardState(t *testing.T, s Store) {
	hs, err := s.HardState()
	require.NoError(t, err)
	assert.Equal(t, smr.NoReplica, hs.VotedFor)

	require.NoError(t, s.SetHardState(7, 2))
	require.NoError(t, s.MarkCommitted(5))
	require.NoError(t, s.MarkCommitted(3)) // never moves backwards

	hs, err = s.HardState()
	require.NoError(t, err)
	assert.Equal(t, HardState{View: 7, VotedFor: 2, Commit: 5}, hs)
}

func testCompact(t *testing.T, s Store) {
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Append(entry(i, 1, "v")))
	}
	require.NoError(t, s.CompactTo(3))
	assert.Equal(t, uint64(4), s.FirstIndex())
	assert.Equal(t, uint64(5), s.LastIndex())
	assert.Equal(t, uint64(3), s.CompactedIndex())

	_, ok, err := s.Get(3)
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.TruncateFrom(2)
	assert.True(t, errors.Is(err, smr.ErrLogCorruption))

	// compacting past the tail empties the log
	require.NoError(t, s.CompactTo(9))
	assert.Equal(t, uint64(9), s.LastIndex())
	require.NoError(t, s.Append(entry(10, 2, "n")))
}

func testBatchAtomic(t *testing.T, s Store) {
	require.NoError(t, s.Append(entry(1, 1, "a")))
	err := s.DurableSync(func(w Writer) error {
		if err := w.Append(entry(2, 1, "b")); err != nil {
			return err
		}
		if err := w.SetHardState(9, 1); err != nil {
			return err
		}
		return w.Append(entry(4, 1, "gap"))
	})
	require.Error(t, err)

	assert.Equal(t, uint64(1), s.LastIndex())
	hs, err := s.HardState()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), hs.View)
}

func testPut(t *testing.T, s Store) {
	require.NoError(t, s.Append(entry(1, 1, "a")))
	e := entry(1, 1, "a")
	e.Shards.Shards[1] = []byte("a")
	e.Status = smr.StatusCommitted
	require.NoError(t, s.Put(e))

	got, ok, err := s.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.Shards.Count())
	assert.Equal(t, smr.StatusCommitted, got.Status)

	assert.Error(t, s.Put(entry(2, 1, "b")))
}

func TestBoltReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.db")
	s, err := OpenBolt(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append(entry(1, 1, "a"), entry(2, 1, "b")))
	require.NoError(t, s.CompactTo(1))
	require.NoError(t, s.SetHardState(4, 0))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, uint64(2), s.FirstIndex())
	assert.Equal(t, uint64(2), s.LastIndex())
	hs, err := s.HardState()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), hs.View)
	assert.Equal(t, smr.ReplicaID(0), hs.VotedFor)
}

func TestRecordChecksum(t *testing.T) {
	data := encodeRecord(entry(1, 1, "abc"))
	e, err := decodeRecord(1, data)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), e.Shards.Shards[0])

	data[5] ^= 0xff
	_, err = decodeRecord(1, data)
	assert.True(t, errors.Is(err, smr.ErrLogCorruption))
}
