// Package maple implements the in-memory db.KVDB engine behind the replicated
// key-value state machine.
//
// Key Components:
//
//   - mapleImpl: the database. It partitions keys into shards and keeps a
//     write index that only moves forward. The caller supplies write indices
//     (the log index of the command being applied); maple never generates
//     them itself.
//
//   - Shard: a partition of the key space with an xsync.MapOf for the data and
//     two deadline heaps (util.MapHeap) for expiration and deletion. Keys are
//     placed by an unseeded FNV-1a hash, so every replica shards identically.
//
//   - Entry: the value plus its expiration and deletion deadlines, the index
//     of its last write and an expired flag.
//
// Internal Mechanisms:
//
//   - Logical time: deadlines are write indices. An entry written at index i
//     with expireIn=e is expired from index i+e on: Get returns false, Has
//     still returns true. With deleteIn=d it is gone from index i+d on.
//
//   - Stale writes: a write whose index is lower than the stored entry's index
//     is ignored.
//
//   - Garbage collection: whenever the write index advances, all deadlines up
//     to the new index are popped from the heaps and the affected entries are
//     rechecked and reclaimed in place. There is no background goroutine, so
//     the physical state only changes when a write or SetWriteIdx happens.
//     Reads never depend on the gc having run: they evaluate deadlines against
//     the current write index.
//
//   - Persistence format (little endian):
//     1. magic "MAPLEDB\x00", version (currently 4), write index, entry count
//     2. per entry, sorted by key: key length + key, expireAt, deleteAt, index,
//     flags, value length + value
//     Deleted entries are never written and expired entries are written without
//     value, so Save is a pure function of the logical state. Snapshots of a
//     replicated state machine can therefore be compared byte for byte across
//     replicas.
package maple
