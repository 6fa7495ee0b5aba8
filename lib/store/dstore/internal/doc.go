// Package internal defines the commands of the replicated key-value state
// machine and the encoding of their results.
//
// Command Format (big endian):
//
//   - 1 byte: Command type (Set, SetE, SetIfUnset, Expire, Delete, Get, Has)
//   - 8 bytes: ExpireIn
//   - 8 bytes: DeleteIn
//   - 4 bytes: Key length
//   - N bytes: Key
//   - M bytes: Value (only for Set-type operations)
//
// Result Format:
//
//   - 1 byte: store.RetCode
//   - 1 byte: ok flag (Get and Has)
//   - N bytes: value of a Get, or the error message of a failed command
//
// Serialized commands are the payload of smr.ClientRequest and end up in the
// replicated log, so the format must never change for existing type values.
package internal
