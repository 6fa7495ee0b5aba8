package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/rpc/common"
	"github.com/ValentinKolb/dSMR/rpc/serializer"
	"github.com/ValentinKolb/dSMR/rpc/server"
	"github.com/ValentinKolb/dSMR/rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeEndpoint(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func startServers(t *testing.T, protocol string, n int) []string {
	peers := map[smr.ReplicaID]string{}
	clients := map[smr.ReplicaID]string{}
	for i := 0; i < n; i++ {
		peers[smr.ReplicaID(i)] = freeEndpoint(t)
		clients[smr.ReplicaID(i)] = freeEndpoint(t)
	}
	if n == 1 {
		peers = nil
	}

	endpoints := make([]string, n)
	for i := range endpoints {
		id := smr.ReplicaID(i)
		endpoints[i] = clients[id]

		s := server.NewRPCServer(common.ServerConfig{
			ReplicaID:       id,
			Protocol:        protocol,
			Peers:           peers,
			ClientEndpoints: clients,
			TickMillisecond: 5,
			TimeoutSecond:   5,
			LogLevel:        "warn",
			Transport:       common.ServerTransportConfig{Endpoint: clients[id], WorkersPerConn: 8},
		}, tcp.NewTCPDefaultServerTransport(), serializer.NewBinarySerializer())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Serve(ctx) }()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	return endpoints
}

func connect(t *testing.T, endpoints ...string) *RPCStore {
	var s *RPCStore
	require.Eventually(t, func() bool {
		var err error
		s, err = NewRPCStore(common.ClientConfig{
			TimeoutSecond: 2,
			Transport:     common.ClientTransportConfig{Endpoints: endpoints, RetryCount: 20},
		}, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRPCStoreOperations(t *testing.T) {
	s := connect(t, startServers(t, "repnothing", 1)...)

	require.NoError(t, s.Set("a", []byte("1")))
	val, found, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("1"), val)

	require.NoError(t, s.SetEIfUnset("a", []byte("2"), 0, 0))
	val, _, err = s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)

	require.NoError(t, s.Expire("a"))
	_, found, err = s.Get("a")
	require.NoError(t, err)
	assert.False(t, found)
	found, err = s.Has("a")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, s.Delete("a"))
	found, err = s.Has("a")
	require.NoError(t, err)
	assert.False(t, found)

	// expires after three more writes
	require.NoError(t, s.SetE("b", []byte("x"), 3, 0))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Set("filler", nil))
	}
	_, found, err = s.Get("b")
	require.NoError(t, err)
	assert.False(t, found)

	info, err := s.GetDBInfo()
	require.NoError(t, err)
	assert.Equal(t, 2, info.Keys)
	assert.NotZero(t, info.WriteIndex)
}

func TestRPCStoreFindsLeader(t *testing.T) {
	endpoints := startServers(t, "raft", 3)

	// a client that only knows one replica follows its redirect
	for i, ep := range endpoints {
		s := connect(t, ep)
		key := string(rune('a' + i))
		require.NoError(t, s.Set(key, []byte(ep)))
		val, found, err := s.Get(key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte(ep), val)
	}
}
