// Package http implements the transport between dSMR clients and replicas on
// top of net/http.
//
// Every request is a POST of the serialized message to /rpc on the replica's
// endpoint, the response body is the serialized reply. Endpoints may be given
// as host:port (like for the tcp transport and in leader redirects) or as a
// full http:// URL.
//
// The client relies on the connection pooling of http.Transport and applies
// the configured timeout to each request. Retries and leader redirects are
// handled by the rpc client, not here. With log level debug the server logs
// every request with its status and duration.
package http
