// Package serializer encodes the common.Message exchanged between dSMR clients
// and replicas.
//
// Key Components:
//
//   - IRPCSerializer: the interface every format implements. New picks one by
//     name ("binary", "json" or "gob"); client and server must agree.
//
//   - binarySerializerImpl: a compact format. One byte message type, a 16 bit
//     presence mask, then only the fields that are set. Strings and byte
//     slices carry a 4 byte length prefix, integers are fixed 8 bytes, all
//     big endian. Deserialize reuses the Value and Meta buffers of the target
//     message when they are large enough.
//
//   - jsonSerializerImpl: encoding/json, readable on the wire and handy for
//     debugging. MessageType is written as its name.
//
//   - gobSerializerImpl: encoding/gob. Kept for comparison in the benchmarks,
//     it is the slowest and largest of the three.
//
// All implementations are stateless and safe for concurrent use. Deserialize
// always resets the target message first, so a message can be reused across
// calls.
package serializer
