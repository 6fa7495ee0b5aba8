// Package tcp implements the TCP transport between dSMR clients and replicas.
// It plugs TCP specific connectors into the base package, which provides the
// framing, connection pooling and request correlation.
//
// Both sides apply the socket options of common.SocketConf and common.TCPConf
// (no delay, buffer sizes, keep alive, linger) to every connection.
//
// The default server buffer size is 512 KB, requests larger than that get a
// dedicated buffer.
package tcp
