package server

import (
	"encoding/json"
	"testing"

	"github.com/ValentinKolb/dSMR/lib/db"
	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/store"
	"github.com/ValentinKolb/dSMR/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapStore is a minimal store.IStore without deadlines
type mapStore struct {
	data map[string][]byte
	err  error
}

func newMapStore() *mapStore { return &mapStore{data: map[string][]byte{}} }

func (m *mapStore) Set(key string, value []byte) error {
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}
func (m *mapStore) SetE(key string, value []byte, _, _ uint64) error { return m.Set(key, value) }
func (m *mapStore) SetEIfUnset(key string, value []byte, _, _ uint64) error {
	if _, ok := m.data[key]; ok {
		return m.err
	}
	return m.Set(key, value)
}
func (m *mapStore) Expire(key string) error { return m.Delete(key) }
func (m *mapStore) Delete(key string) error {
	if m.err != nil {
		return m.err
	}
	delete(m.data, key)
	return nil
}
func (m *mapStore) Get(key string) ([]byte, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}
func (m *mapStore) Has(key string) (bool, error) {
	_, ok, err := m.Get(key)
	return ok, err
}
func (m *mapStore) GetDBInfo() (db.DatabaseInfo, error) {
	return db.DatabaseInfo{Keys: len(m.data), WriteIndex: 42}, m.err
}

var _ store.IStore = (*mapStore)(nil)

func TestAdapterDispatch(t *testing.T) {
	adapter := NewIStoreServerAdapter()
	s := newMapStore()

	resp := adapter.Handle(common.NewSetRequest("a", []byte("1")), s)
	assert.Equal(t, common.MsgTKVSet, resp.MsgType)
	assert.Empty(t, resp.Err)

	resp = adapter.Handle(common.NewGetRequest("a"), s)
	assert.Equal(t, common.MsgTKVGet, resp.MsgType)
	assert.True(t, resp.Ok)
	assert.Equal(t, []byte("1"), resp.Value)

	resp = adapter.Handle(common.NewHasRequest("b"), s)
	assert.False(t, resp.Ok)

	resp = adapter.Handle(common.NewDeleteRequest("a"), s)
	assert.Empty(t, resp.Err)
	resp = adapter.Handle(common.NewHasRequest("a"), s)
	assert.False(t, resp.Ok)

	resp = adapter.Handle(common.NewInfoRequest(), s)
	require.Empty(t, resp.Err)
	var info db.DatabaseInfo
	require.NoError(t, json.Unmarshal(resp.Meta, &info))
	assert.Equal(t, uint64(42), info.WriteIndex)
}

func TestAdapterErrors(t *testing.T) {
	adapter := NewIStoreServerAdapter()

	resp := adapter.Handle(common.NewGetRequest("a"), nil)
	assert.Equal(t, common.MsgTError, resp.MsgType)

	resp = adapter.Handle(&common.Message{MsgType: common.MsgTSuccess}, newMapStore())
	assert.Equal(t, common.MsgTError, resp.MsgType)
	assert.Equal(t, common.ErrCInvalidOperation, resp.ErrCode)

	s := newMapStore()
	s.err = smr.NotLeader(1)
	resp = adapter.Handle(common.NewSetRequest("a", nil), s)
	assert.Equal(t, common.MsgTKVSet, resp.MsgType)
	assert.Equal(t, common.ErrCNotLeader, resp.ErrCode)
	assert.NotEmpty(t, resp.Err)

	s.err = store.NewError(store.RetCUnsupportedOperation, "no deadlines")
	resp = adapter.Handle(common.NewSetERequest("a", nil, 1, 2), s)
	assert.Equal(t, common.ErrCUnsupportedOperation, resp.ErrCode)
}
