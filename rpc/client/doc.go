// Package client implements store.IStore for remote dSMR clusters.
//
// NewRPCStore connects a transport to the configured endpoints and returns an
// RPCStore. Every operation is one request through the replicated log of the
// cluster, GetDBInfo excepted.
//
// Requests carry an identity (client id, request id and acknowledgement
// watermark from a session.Sequencer) that stays the same across retries, so
// a request that is sent twice is still applied once. An attempt is retried
// with exponential backoff (cenkalti/backoff) when
//
//   - the replica is not the leader: the client follows the redirect, or
//     tries the next endpoint if the replica does not know the leader,
//   - the request timed out or the cluster is unavailable: the same replica
//     is asked again,
//   - the transport failed: the next endpoint is tried.
//
// The endpoint that answered last is used first for the next request.
// Transport.RetryCount bounds the number of attempts.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  TimeoutSecond: 5,
//	  Transport: common.ClientTransportConfig{
//	    Endpoints:  []string{"10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080"},
//	    RetryCount: 5,
//	  },
//	}
//
//	kv, err := client.NewRPCStore(config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	if err != nil {
//	  return err
//	}
//	defer kv.Close()
//
//	kv.Set("mykey", []byte("myvalue"))
//	value, exists, _ := kv.Get("mykey")
//
// RPCStore is safe for concurrent use.
package client
