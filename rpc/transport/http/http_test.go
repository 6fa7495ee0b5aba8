package http

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dSMR/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080/rpc", endpointURL("127.0.0.1:8080"))
	assert.Equal(t, "http://host:1/rpc", endpointURL("http://host:1/"))
	assert.Equal(t, "https://host/rpc", endpointURL("https://host"))
}

func TestHttpRoundTrip(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	endpoint := l.Addr().String()
	require.NoError(t, l.Close())

	srv := NewHttpServerTransport()
	srv.RegisterHandler(func(req []byte) []byte {
		return append([]byte("echo:"), req...)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Listen(ctx, common.ServerConfig{
			TimeoutSecond: 5,
			Transport:     common.ServerTransportConfig{Endpoint: endpoint},
		})
	}()

	client := NewHttpClientTransport()
	require.NoError(t, client.Connect(common.ClientConfig{
		TimeoutSecond: 2,
		Transport:     common.ClientTransportConfig{Endpoints: []string{endpoint}},
	}))
	defer client.Close()

	require.Eventually(t, func() bool {
		resp, err := client.Send(endpoint, []byte("ping"))
		return err == nil && string(resp) == "echo:ping"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
