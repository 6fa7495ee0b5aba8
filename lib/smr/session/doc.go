// Package session implements the client front-end of a replica.
//
// A Session sits between client transports and a running replica.Replica:
// Submit proposes a request and blocks until the replica applied it, reports
// NotLeader errors with a leader hint so clients can redirect, and gives up
// with ErrTimeout when the caller's deadline passes. What happens to a
// request whose client gave up is decided by the TimeoutPolicy.
//
// Results of recently applied requests are kept in an LRU cache so that a
// client retrying after a lost reply gets the original result without another
// round through the log. The replica's dedup table remains the authority,
// the cache only saves work.
//
// Sequencer is the client-side counterpart: it assigns request ids and the
// acknowledgement watermark that lets replicas drop old dedup records.
package session
