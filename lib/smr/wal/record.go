package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/ValentinKolb/dSMR/lib/smr"
)

const recordVersion = 1

const flagFullCopy = 1 << 0

// encodeRecord serializes an entry (without its index, which is the storage key).
// The payload is never persisted, only the shards this replica holds.
//
// Format (big endian):
//   - 1 byte: version
//   - 8 bytes: view
//   - 1 byte: status
//   - 1 byte: flags
//   - 1 byte: k, 1 byte: m
//   - 4 bytes: payload size
//   - 1 byte: number of shards present
//   - per shard: 1 byte shard index, 4 bytes length, N bytes shard
//   - 4 bytes: crc32 of all previous bytes
func encodeRecord(e smr.LogEntry) []byte {
	size := 18
	for _, sh := range e.Shards.Shards {
		if sh != nil {
			size += 5 + len(sh)
		}
	}
	size += 4

	buf := make([]byte, size)
	buf[0] = recordVersion
	binary.BigEndian.PutUint64(buf[1:9], e.View)
	buf[9] = byte(e.Status)
	if e.FullCopy {
		buf[10] |= flagFullCopy
	}
	buf[11] = e.Shards.K
	buf[12] = e.Shards.M
	binary.BigEndian.PutUint32(buf[13:17], e.Shards.Size)
	buf[17] = byte(e.Shards.Count())

	pos := 18
	for i, sh := range e.Shards.Shards {
		if sh == nil {
			continue
		}
		buf[pos] = byte(i)
		binary.BigEndian.PutUint32(buf[pos+1:pos+5], uint32(len(sh)))
		pos += 5
		pos += copy(buf[pos:], sh)
	}
	binary.BigEndian.PutUint32(buf[pos:], crc32.ChecksumIEEE(buf[:pos]))
	return buf
}

// decodeRecord parses a record written by encodeRecord. Any inconsistency is
// reported as smr.ErrLogCorruption. The returned entry does not alias data.
func decodeRecord(index uint64, data []byte) (smr.LogEntry, error) {
	if len(data) < 22 {
		return smr.LogEntry{}, smr.NewError(smr.CodeLogCorruption, "record %d too short", index)
	}
	body := data[:len(data)-4]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(data[len(data)-4:]) {
		return smr.LogEntry{}, smr.NewError(smr.CodeLogCorruption, "record %d checksum mismatch", index)
	}
	if body[0] != recordVersion {
		return smr.LogEntry{}, smr.NewError(smr.CodeLogCorruption, "record %d has unknown version %d", index, body[0])
	}

	e := smr.LogEntry{
		Index:    index,
		View:     binary.BigEndian.Uint64(body[1:9]),
		Status:   smr.EntryStatus(body[9]),
		FullCopy: body[10]&flagFullCopy != 0,
		Shards:   smr.NewShardSet(body[11], body[12], binary.BigEndian.Uint32(body[13:17])),
	}
	count := int(body[17])
	pos := 18
	for i := 0; i < count; i++ {
		if len(body) < pos+5 {
			return smr.LogEntry{}, smr.NewError(smr.CodeLogCorruption, "record %d: shard header %d truncated", index, i)
		}
		idx := int(body[pos])
		l := int(binary.BigEndian.Uint32(body[pos+1 : pos+5]))
		pos += 5
		if len(body) < pos+l || idx >= e.Shards.Total() {
			return smr.LogEntry{}, smr.NewError(smr.CodeLogCorruption, "record %d: shard %d malformed", index, i)
		}
		e.Shards.Shards[idx] = append(make([]byte, 0, l), body[pos:pos+l]...)
		pos += l
	}
	return e, nil
}

// key encodes an index as a big endian bolt key so keys sort by index.
func key(index uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], index)
	return k[:]
}
