// Package server runs one replica of the replicated key-value store and
// serves it to remote clients.
//
// NewRPCServer wires a process together from a common.ServerConfig: the
// write-ahead log and snapshot store (bbolt and files in DataDir, or memory
// when DataDir is empty), the key-value state machine, the replication
// protocol selected by Protocol, the peer transport between replicas and a
// session that turns client requests into log commands. Serve starts all of
// it and blocks until the context is cancelled or the replica fails.
//
// Requests:
//
//	Every decoded request is dispatched by an IRPCServerAdapter against a
//	store.IStore. Requests that carry a client identity (ClientID and
//	RequestID) are applied at most once, a retry of an applied request returns
//	the original result. Requests without identity get a fresh one from the
//	server and are therefore not deduplicated across retries.
//
//	A follower answers with ErrCNotLeader and, if ClientEndpoints is
//	configured, puts the client endpoint of the leader it knows into
//	Message.Redirect.
//
// Observability:
//
//	With MetricsEndpoint set the server also serves GET /metrics (Prometheus
//	text format, replica, session and process metrics) and GET /status (the
//	replica state as JSON).
//
// Usage:
//
//	s := server.NewRPCServer(
//		config,
//		tcp.NewTCPDefaultServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := s.Serve(ctx); err != nil {
//		log.Fatal(err)
//	}
package server
