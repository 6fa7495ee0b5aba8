// Package unix implements the transport between dSMR clients and a replica on
// the same machine over Unix domain sockets.
//
// It plugs Unix socket connectors into the base package, so framing, pooling
// and request correlation are the same as for TCP. The server removes a stale
// socket file before it listens. The default server buffer size is 64 KB.
package unix
