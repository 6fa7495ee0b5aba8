package dstore

import (
	"bytes"
	"testing"

	"github.com/ValentinKolb/dSMR/lib/db"
	"github.com/ValentinKolb/dSMR/lib/db/engines/maple"
	"github.com/ValentinKolb/dSMR/lib/store"
	"github.com/ValentinKolb/dSMR/lib/store/dstore/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMapleFSM() *KVStateMachine {
	return NewStateMachine(func() db.KVDB { return maple.NewMapleDB(nil) })
}

// apply runs cmd at index and decodes the result.
func apply(t *testing.T, fsm *KVStateMachine, index uint64, cmd internal.Command) internal.Result {
	t.Helper()
	res, err := internal.DeserializeResult(fsm.Apply(index, cmd.Serialize()))
	require.NoError(t, err)
	return res
}

func TestStateMachineApply(t *testing.T) {
	fsm := newMapleFSM()

	res := apply(t, fsm, 1, internal.Command{Type: internal.CommandTSet, Key: "a", Value: []byte("1")})
	require.NoError(t, res.Err())

	res = apply(t, fsm, 2, internal.Command{Type: internal.CommandTGet, Key: "a"})
	require.NoError(t, res.Err())
	assert.True(t, res.Ok)
	assert.Equal(t, []byte("1"), res.Data)

	apply(t, fsm, 3, internal.Command{Type: internal.CommandTExpire, Key: "a"})
	res = apply(t, fsm, 4, internal.Command{Type: internal.CommandTGet, Key: "a"})
	assert.False(t, res.Ok)
	res = apply(t, fsm, 5, internal.Command{Type: internal.CommandTHas, Key: "a"})
	assert.True(t, res.Ok)

	apply(t, fsm, 6, internal.Command{Type: internal.CommandTDelete, Key: "a"})
	res = apply(t, fsm, 7, internal.Command{Type: internal.CommandTHas, Key: "a"})
	assert.False(t, res.Ok)

	assert.Equal(t, uint64(7), fsm.Info().WriteIndex)
}

func TestStateMachineDeadlinesFollowTheLog(t *testing.T) {
	fsm := newMapleFSM()
	apply(t, fsm, 10, internal.Command{Type: internal.CommandTSetE, Key: "k", Value: []byte("v"), ExpireIn: 2, DeleteIn: 4})

	tests := []struct {
		index    uint64
		wantGet  bool
		wantHas  bool
		describe string
	}{
		{11, true, true, "before expiry"},
		{12, false, true, "expired"},
		{14, false, false, "deleted"},
	}
	for _, tt := range tests {
		get := apply(t, fsm, tt.index, internal.Command{Type: internal.CommandTGet, Key: "k"})
		has := apply(t, fsm, tt.index, internal.Command{Type: internal.CommandTHas, Key: "k"})
		assert.Equal(t, tt.wantGet, get.Ok, tt.describe)
		assert.Equal(t, tt.wantHas, has.Ok, tt.describe)
	}
}

func TestStateMachineRejectsInvalidCommands(t *testing.T) {
	fsm := newMapleFSM()

	res, err := internal.DeserializeResult(fsm.Apply(1, nil))
	require.NoError(t, err)
	assert.Equal(t, store.RetCInvalidOperation, res.Code)

	res, err = internal.DeserializeResult(fsm.Apply(2, []byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, store.RetCInvalidOperation, res.Code)

	res = apply(t, fsm, 3, internal.Command{Type: internal.CommandType(99), Key: "x"})
	assert.Equal(t, store.RetCInvalidOperation, res.Code)
}

func TestStateMachineQuery(t *testing.T) {
	fsm := newMapleFSM()
	query := func(cmd internal.Command) ([]byte, bool) { return fsm.Query(cmd.Serialize()) }
	apply(t, fsm, 1, internal.Command{Type: internal.CommandTSet, Key: "a", Value: []byte("1")})

	out, ok := query(internal.Command{Type: internal.CommandTGet, Key: "a"})
	require.True(t, ok)
	res, err := internal.DeserializeResult(out)
	require.NoError(t, err)
	assert.True(t, res.Ok)
	assert.Equal(t, []byte("1"), res.Data)

	out, ok = query(internal.Command{Type: internal.CommandTHas, Key: "b"})
	require.True(t, ok)
	res, err = internal.DeserializeResult(out)
	require.NoError(t, err)
	assert.False(t, res.Ok)

	_, ok = query(internal.Command{Type: internal.CommandTSet, Key: "a", Value: []byte("2")})
	assert.False(t, ok, "writes need a log index")
	_, ok = fsm.Query([]byte{1, 2, 3})
	assert.False(t, ok)

	// queries do not move the logical clock
	assert.Equal(t, uint64(1), fsm.Info().WriteIndex)
}

// readOnlyDB hides the write features of the wrapped database.
type readOnlyDB struct{ db.KVDB }

func (r readOnlyDB) SupportsFeature(f db.Feature) bool {
	return f&(db.FeatureGet|db.FeatureHas) == f
}

func TestStateMachineChecksFeatures(t *testing.T) {
	fsm := NewStateMachine(func() db.KVDB { return readOnlyDB{maple.NewMapleDB(nil)} })

	res := apply(t, fsm, 1, internal.Command{Type: internal.CommandTSet, Key: "a", Value: []byte("1")})
	assert.Equal(t, store.RetCUnsupportedOperation, res.Code)

	res = apply(t, fsm, 2, internal.Command{Type: internal.CommandTHas, Key: "a"})
	require.NoError(t, res.Err())
	assert.False(t, res.Ok)

	var buf bytes.Buffer
	assert.Error(t, fsm.Save(&buf))
	assert.Error(t, fsm.Load(&buf))
}

func TestStateMachineSaveLoad(t *testing.T) {
	a := newMapleFSM()
	apply(t, a, 1, internal.Command{Type: internal.CommandTSet, Key: "x", Value: []byte("1")})
	apply(t, a, 2, internal.Command{Type: internal.CommandTSetE, Key: "y", Value: []byte("2"), DeleteIn: 10})

	var snap bytes.Buffer
	require.NoError(t, a.Save(&snap))

	b := newMapleFSM()
	require.NoError(t, b.Load(bytes.NewReader(snap.Bytes())))

	// both replicas continue identically
	for _, fsm := range []*KVStateMachine{a, b} {
		apply(t, fsm, 3, internal.Command{Type: internal.CommandTSet, Key: "z", Value: []byte("3")})
	}
	var sa, sb bytes.Buffer
	require.NoError(t, a.Save(&sa))
	require.NoError(t, b.Save(&sb))
	assert.Equal(t, sa.Bytes(), sb.Bytes())

	res := apply(t, b, 12, internal.Command{Type: internal.CommandTHas, Key: "y"})
	assert.False(t, res.Ok)
}
