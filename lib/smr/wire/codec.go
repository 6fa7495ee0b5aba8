package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	magic = 'S'
	// Version is the wire protocol version. Peers reject any other version.
	Version byte = 1

	headerSize = 48 // magic, version, type, flags, 5x uint64, entry count
	entryHdr   = 24 // index, view, flags, k, m, size, shard count
)

const (
	flagSuccess  byte = 1 << 0
	flagFullCopy byte = 1 << 0
)

// ErrUnsupportedVersion is returned for messages encoded with another protocol version.
var ErrUnsupportedVersion = errors.New("unsupported wire protocol version")

// Marshal encodes a message into its binary wire format.
//
// Format (big endian):
//   - 1 byte: magic 'S'
//   - 1 byte: version
//   - 1 byte: type
//   - 1 byte: flags (bit 0: success)
//   - 8 bytes each: view, index, log view, commit, hint
//   - 4 bytes: entry count
//   - per entry: 8 bytes index, 8 bytes view, 1 byte flags, 1 byte k, 1 byte m,
//     4 bytes payload size, 1 byte shard count,
//     per shard: 1 byte shard index, 4 bytes length, N bytes shard
//   - 4 bytes: data length, N bytes data
func Marshal(m *Message) []byte {
	result := make([]byte, sizeBytes(m))

	result[0] = magic
	result[1] = Version
	result[2] = byte(m.Type)
	if m.Success {
		result[3] |= flagSuccess
	}
	binary.BigEndian.PutUint64(result[4:12], m.View)
	binary.BigEndian.PutUint64(result[12:20], m.Index)
	binary.BigEndian.PutUint64(result[20:28], m.LogView)
	binary.BigEndian.PutUint64(result[28:36], m.Commit)
	binary.BigEndian.PutUint64(result[36:44], m.Hint)
	binary.BigEndian.PutUint32(result[44:48], uint32(len(m.Entries)))

	pos := headerSize
	for _, e := range m.Entries {
		binary.BigEndian.PutUint64(result[pos:pos+8], e.Index)
		binary.BigEndian.PutUint64(result[pos+8:pos+16], e.View)
		if e.FullCopy {
			result[pos+16] |= flagFullCopy
		}
		result[pos+17] = e.Shards.K
		result[pos+18] = e.Shards.M
		binary.BigEndian.PutUint32(result[pos+19:pos+23], e.Shards.Size)
		result[pos+23] = byte(e.Shards.Count())
		pos += entryHdr

		for i, sh := range e.Shards.Shards {
			if sh == nil {
				continue
			}
			result[pos] = byte(i)
			binary.BigEndian.PutUint32(result[pos+1:pos+5], uint32(len(sh)))
			pos += 5
			pos += copy(result[pos:], sh)
		}
	}

	binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(m.Data)))
	pos += 4
	copy(result[pos:], m.Data)

	return result
}

// Unmarshal decodes a message produced by Marshal. The returned message does
// not alias data.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) < headerSize+4 {
		return nil, fmt.Errorf("data too short for message header")
	}
	if data[0] != magic {
		return nil, fmt.Errorf("invalid magic byte 0x%02x", data[0])
	}
	if data[1] != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, data[1], Version)
	}

	m := &Message{
		Type:    MsgType(data[2]),
		Success: data[3]&flagSuccess != 0,
		View:    binary.BigEndian.Uint64(data[4:12]),
		Index:   binary.BigEndian.Uint64(data[12:20]),
		LogView: binary.BigEndian.Uint64(data[20:28]),
		Commit:  binary.BigEndian.Uint64(data[28:36]),
		Hint:    binary.BigEndian.Uint64(data[36:44]),
	}
	if m.Type < MsgVote || m.Type > MsgInstallSnapshot {
		return nil, fmt.Errorf("unknown message type %d", data[2])
	}

	count := binary.BigEndian.Uint32(data[44:48])
	pos := headerSize
	// every entry needs at least its header, so a larger count is corrupt
	if uint64(count)*entryHdr > uint64(len(data)-pos) {
		return nil, fmt.Errorf("entry count %d exceeds message size %d", count, len(data))
	}
	if count > 0 {
		m.Entries = make([]Entry, 0, count)
	}
	for i := uint32(0); i < count; i++ {
		if len(data) < pos+entryHdr {
			return nil, fmt.Errorf("data too short for entry header %d", i)
		}
		e := Entry{
			Index:    binary.BigEndian.Uint64(data[pos : pos+8]),
			View:     binary.BigEndian.Uint64(data[pos+8 : pos+16]),
			FullCopy: data[pos+16]&flagFullCopy != 0,
		}
		k, mm := data[pos+17], data[pos+18]
		size := binary.BigEndian.Uint32(data[pos+19 : pos+23])
		shardCount := int(data[pos+23])
		pos += entryHdr

		e.Shards.K, e.Shards.M, e.Shards.Size = k, mm, size
		e.Shards.Shards = make([][]byte, int(k)+int(mm))
		for j := 0; j < shardCount; j++ {
			if len(data) < pos+5 {
				return nil, fmt.Errorf("data too short for shard header %d of entry %d", j, i)
			}
			idx := int(data[pos])
			l := int(binary.BigEndian.Uint32(data[pos+1 : pos+5]))
			pos += 5
			if idx >= len(e.Shards.Shards) {
				return nil, fmt.Errorf("shard index %d out of range for entry %d", idx, i)
			}
			if len(data) < pos+l {
				return nil, fmt.Errorf("data too short for shard %d of entry %d", j, i)
			}
			e.Shards.Shards[idx] = append(make([]byte, 0, l), data[pos:pos+l]...)
			pos += l
		}
		m.Entries = append(m.Entries, e)
	}

	if len(data) < pos+4 {
		return nil, fmt.Errorf("data too short for data length")
	}
	dataLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if len(data) < pos+dataLen {
		return nil, fmt.Errorf("data too short for data")
	}
	if dataLen > 0 {
		m.Data = append([]byte(nil), data[pos:pos+dataLen]...)
	}
	return m, nil
}

// sizeBytes calculates the exact encoded size of a message.
func sizeBytes(m *Message) int {
	size := headerSize + 4 + len(m.Data)
	for _, e := range m.Entries {
		size += entryHdr
		for _, sh := range e.Shards.Shards {
			if sh != nil {
				size += 5 + len(sh)
			}
		}
	}
	return size
}
