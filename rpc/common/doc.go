// Package common provides the data structures shared by the RPC server, the
// client and the transports.
//
// Key Components:
//
//   - Message: the single structure of all client requests and responses. A
//     request carries the client identity (client id, request id and the
//     acknowledgement watermark) next to the key-value operation, a response
//     carries the result, an ErrorCode and, for NotLeader errors, the client
//     endpoint of the current leader.
//
//   - ErrorCode: classifies failed requests so that clients can tell retryable
//     replication errors (NotLeader, Timeout, Unavailable) from errors of the
//     store itself.
//
//   - ServerConfig: configuration of one replica process: cluster layout,
//     protocol parameters, storage and the client listener.
//
//   - ClientConfig: endpoints, timeouts and retry behavior of a client.
//
//   - Logger: a logger.ILogger implementation that is installed as factory of
//     the dragonboat logger package, so all packages log in the same format.
package common
