// Package rpc connects clients to the replicas of a dSMR cluster.
//
// The package is organized into several subpackages:
//
//   - common: the Message protocol, error codes, configuration structures
//     and the shared logger.
//
//   - transport: request/response transports with pluggable implementations
//     (TCP, Unix sockets, HTTP). Requests are addressed by endpoint.
//
//   - serializer: Message encodings (binary, JSON, GOB).
//
//   - server: runs a replica and serves its key-value store.
//
//   - client: a store.IStore that talks to a cluster, follows leader
//     redirects and retries with the same request identity.
package rpc
