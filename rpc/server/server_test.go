package server

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/rpc/common"
	"github.com/ValentinKolb/dSMR/rpc/serializer"
	"github.com/ValentinKolb/dSMR/rpc/transport"
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

// startCluster runs n servers in-process and returns their client endpoints
func startCluster(t *testing.T, protocol string, n int) []string {
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
	for i := 0; i < n; i++ {
		id := smr.ReplicaID(i)
		endpoints[i] = clients[id]

		s := NewRPCServer(common.ServerConfig{
			ReplicaID:       id,
			Protocol:        protocol,
			Peers:           peers,
			ClientEndpoints: clients,
			TickMillisecond: 5,
			SnapshotEntries: 100,
			DataDir:         t.TempDir(),
			TimeoutSecond:   5,
			TimeoutPolicy:   "keep",
			LogLevel:        "warn",
			Transport:       common.ServerTransportConfig{Endpoint: clients[id], WorkersPerConn: 8},
		}, tcp.NewTCPDefaultServerTransport(), serializer.NewBinarySerializer())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Serve(ctx) }()
		t.Cleanup(func() {
			cancel()
			assert.NoError(t, <-done)
		})
	}
	return endpoints
}

type rawClient struct {
	t          *testing.T
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

func newRawClient(t *testing.T, endpoints []string) *rawClient {
	c := &rawClient{t: t, transport: tcp.NewTCPClientTransport(), serializer: serializer.NewBinarySerializer()}
	require.Eventually(t, func() bool {
		return c.transport.Connect(common.ClientConfig{
			TimeoutSecond: 5,
			Transport:     common.ClientTransportConfig{Endpoints: endpoints},
		}) == nil
	}, 5*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { c.transport.Close() })
	return c
}

func (c *rawClient) send(endpoint string, req *common.Message) (*common.Message, error) {
	data, err := c.serializer.Serialize(*req)
	require.NoError(c.t, err)
	respBytes, err := c.transport.Send(endpoint, data)
	if err != nil {
		return nil, err
	}
	var resp common.Message
	require.NoError(c.t, c.serializer.Deserialize(respBytes, &resp))
	return &resp, nil
}

// leader waits until one endpoint accepts writes
func (c *rawClient) leader(endpoints []string) string {
	var leader string
	require.Eventually(c.t, func() bool {
		for _, ep := range endpoints {
			resp, err := c.send(ep, common.NewHasRequest("probe"))
			if err == nil && resp.Err == "" {
				leader = ep
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)
	return leader
}

func TestServerSingleReplica(t *testing.T) {
	endpoints := startCluster(t, "repnothing", 1)
	c := newRawClient(t, endpoints)
	ep := c.leader(endpoints)

	resp, err := c.send(ep, common.NewSetRequest("a", []byte("1")).WithIdentity(7, 1, 0))
	require.NoError(t, err)
	require.Empty(t, resp.Err)

	resp, err = c.send(ep, common.NewGetRequest("a").WithIdentity(7, 2, 1))
	require.NoError(t, err)
	assert.True(t, resp.Ok)
	assert.Equal(t, []byte("1"), resp.Value)

	resp, err = c.send(ep, common.NewInfoRequest())
	require.NoError(t, err)
	assert.Empty(t, resp.Err)
	assert.Contains(t, string(resp.Meta), `"keys":1`)

	resp, err = c.send(ep, &common.Message{MsgType: common.MsgTUnknown})
	require.NoError(t, err)
	assert.Equal(t, common.MsgTError, resp.MsgType)
}

func TestServerAppliesRetriesOnce(t *testing.T) {
	endpoints := startCluster(t, "repnothing", 1)
	c := newRawClient(t, endpoints)
	ep := c.leader(endpoints)

	first := common.NewSetRequest("k", []byte("first")).WithIdentity(9, 1, 0)
	_, err := c.send(ep, first)
	require.NoError(t, err)
	_, err = c.send(ep, common.NewSetRequest("k", []byte("second")).WithIdentity(9, 2, 1))
	require.NoError(t, err)

	// a late retry of the first request must not overwrite the second
	_, err = c.send(ep, first)
	require.NoError(t, err)

	resp, err := c.send(ep, common.NewGetRequest("k").WithIdentity(9, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), resp.Value)
}

func TestServerRedirectsToLeader(t *testing.T) {
	for _, protocol := range []string{"raft", "craft"} {
		t.Run(protocol, func(t *testing.T) {
			endpoints := startCluster(t, protocol, 3)
			c := newRawClient(t, endpoints)
			leader := c.leader(endpoints)

			for i, ep := range endpoints {
				if ep == leader {
					continue
				}
				require.Eventually(t, func() bool {
					resp, err := c.send(ep, common.NewSetRequest("x", nil).WithIdentity(3, uint64(i+1), 0))
					return err == nil && resp.ErrCode == common.ErrCNotLeader && resp.Redirect == leader
				}, 5*time.Second, 20*time.Millisecond, fmt.Sprintf("follower %s", ep))
			}

			resp, err := c.send(leader, common.NewSetRequest("x", []byte("v")).WithIdentity(3, 10, 0))
			require.NoError(t, err)
			assert.Empty(t, resp.Err)
		})
	}
}
