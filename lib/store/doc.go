// Package store defines the client-facing interface of the replicated
// key-value store.
//
// Key Components:
//
//   - IStore Interface: the operations a client can run against the store.
//     Reads and writes are ordered through the replicated log, so a Get
//     observes every write that completed before it started.
//
//   - Error System: a *Error carries a RetCode when the database rejected a
//     command. Replication failures (not leader, timeout) are reported as
//     *smr.Error and keep their leader hint, so callers can redirect.
//
//   - DBFactory: creates the db.KVDB instance a state machine applies
//     commands to.
//
// The implementation lives in the dstore package. The rpc packages expose an
// IStore over the network and provide a client implementing the same
// interface.
package store
