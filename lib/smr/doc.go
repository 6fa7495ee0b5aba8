/*
Package smr holds the shared vocabulary of the dSMR replication engine.

The engine turns a stream of client commands into a durable, totally ordered,
fault-tolerant log, replicates that log across peers (optionally erasure coded)
and applies committed entries to a deterministic state machine.

The package focuses on:
  - Core data types: LogEntry, ShardSet, ReplicaState, ClientRequest, ClusterView
  - The error taxonomy shared by all engine components (Error, ErrCode)
  - The ApplyTarget contract implemented by state machines
  - The payload format of a log entry (a batch of client requests)

Key Components:

  - LogEntry: One slot of the replicated log. A strictly higher view wins at the
    same index; committed entries are immutable.

  - ShardSet: The erasure-coded fragments of an entry payload. Full replication
    is the degenerate case K=1 where every shard is a full copy.

  - ClusterView: An immutable, versioned membership snapshot. Views are replaced
    as a whole (pointer swap), never mutated.

  - Error: Typed errors with codes. NotLeader carries a leader hint; Durability
    and LogCorruption are fatal and stop the replica.

Sub-packages:

  - codec: Reed-Solomon encoding and decoding of entry payloads
  - wal: the durable log store
  - snapshot: persisted state machine checkpoints
  - recovery: restore at startup and snapshot/compaction policy
  - wire: the versioned binary peer protocol
  - peer: peer transports (TCP and an in-memory network)
  - replica: the protocol state machine and the replica event loop
  - session: the client session front-end (dedup, redirects, timeouts)
  - manager: cluster view distribution
*/
package smr
