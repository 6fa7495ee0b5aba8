// Package db defines the KVDB interface, the storage engine behind the
// replicated key-value state machine.
//
// A KVDB is driven exclusively by committed log entries. Each write carries
// the log index of its command (the write index), which doubles as the
// database clock:
//   - SetE deadlines are relative to the write index, so an entry written at
//     index 10 with expireIn=5 is expired from index 15 on, on every replica.
//   - Reads never take an index. They observe the state at the latest write
//     index, which only advances (SetWriteIdx ignores older indices).
//   - Expired entries keep their key (Has is true, Get is false); deleted
//     entries are gone.
//
// Because all time is logical, replicas that applied the same prefix of the
// log hold the same state. Save must therefore be deterministic: the same
// logical state produces the same bytes regardless of insertion order or of
// how much garbage the engine has already reclaimed.
//
// Feature flags let callers check at runtime which operations an engine
// supports. The engines/maple package provides the default in-memory engine,
// the testing package a shared test suite for engines.
package db
