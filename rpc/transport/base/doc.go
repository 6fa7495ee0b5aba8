// Package base implements the framed, multiplexed transport shared by the tcp
// and unix transports. Protocol specific parts (dialing, listening, socket
// options) are injected through IClientConnector and IServerConnector.
//
// Frame format (big endian):
//
//	8 bytes  request id, chosen by the client and echoed by the server
//	4 bytes  payload length (at most 64 MiB)
//	N bytes  payload
//
// Client:
//
//   - Every endpoint has a pool of ConnectionsPerEndpoint connections used
//     round robin. Pools of endpoints learned from redirects are created on
//     first use and connections are dialed lazily.
//
//   - Many requests share one connection. A reader goroutine hands responses
//     to the waiting requests by request id, responses arriving after their
//     request timed out are dropped.
//
//   - A broken connection fails all requests waiting on it. The next request
//     dials a new one. Retrying is left to the caller.
//
// Server:
//
//   - Each connection gets a reader goroutine and up to WorkersPerConn
//     concurrent workers, so responses may be written out of order.
//
//   - Request buffers come from a sync.Pool. The handler must not keep the
//     request slice after it returned.
//
//   - Cancelling the Listen context closes the listener and all connections,
//     then waits for the connection goroutines to finish.
package base
