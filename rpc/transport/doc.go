// Package transport defines how serialized messages travel between dSMR
// clients and the client-facing endpoint of a replica.
//
// Key Components:
//
//   - IRPCServerTransport: accepts requests on a replica's endpoint and passes
//     them to a ServerHandleFunc until its context is cancelled.
//
//   - IRPCClientTransport: sends a request to a named endpoint and returns the
//     response. Addressing each request explicitly lets the client follow
//     leader redirects to endpoints it was not configured with.
//
// Implementations live in the subpackages: tcp and unix (framed, multiplexed
// connections built on base) and http.
package transport
