package transport

import (
	"context"

	"github.com/ValentinKolb/dSMR/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is called by a server transport for every received request
// and returns the response to send back. It may be called concurrently and
// must not keep req after it returned.
type ServerHandleFunc func(req []byte) (resp []byte)

// IRPCServerTransport is the client-facing listener of a replica
type IRPCServerTransport interface {
	// RegisterHandler registers the handler for incoming requests.
	// It must be called before Listen.
	RegisterHandler(handler ServerHandleFunc)
	// Listen accepts requests on config.Transport.Endpoint until ctx is done.
	// It returns nil after a shutdown caused by ctx.
	Listen(ctx context.Context, config common.ServerConfig) error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport sends requests to the replicas of a cluster
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration.
	// It fails if none of the configured endpoints is reachable.
	Connect(config common.ClientConfig) error
	// Send sends a request to the replica listening on endpoint and returns
	// its response. The endpoint does not have to be one of the configured
	// endpoints (leader redirects may point elsewhere).
	Send(endpoint string, req []byte) (resp []byte, err error)
	// Close closes all connections
	Close() error
}
