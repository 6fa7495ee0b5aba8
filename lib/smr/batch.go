package smr

import (
	"encoding/binary"
	"fmt"
)

const batchVersion = 1

// EncodeBatch serializes a batch of client requests into an entry payload.
//
// Format (big endian):
//   - 1 byte: version
//   - 4 bytes: request count
//   - per request: 8 bytes client id, 8 bytes request id, 8 bytes acked-up-to,
//     4 bytes command length, N bytes command
func EncodeBatch(reqs []ClientRequest) []byte {
	size := 5
	for _, r := range reqs {
		size += 28 + len(r.Command)
	}
	buf := make([]byte, size)
	buf[0] = batchVersion
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(reqs)))
	pos := 5
	for _, r := range reqs {
		binary.BigEndian.PutUint64(buf[pos:], r.ClientID)
		binary.BigEndian.PutUint64(buf[pos+8:], r.RequestID)
		binary.BigEndian.PutUint64(buf[pos+16:], r.AckedUpTo)
		binary.BigEndian.PutUint32(buf[pos+24:], uint32(len(r.Command)))
		pos += 28
		pos += copy(buf[pos:], r.Command)
	}
	return buf
}

// DecodeBatch parses a payload produced by EncodeBatch.
func DecodeBatch(data []byte) ([]ClientRequest, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("data too short for batch header")
	}
	if data[0] != batchVersion {
		return nil, fmt.Errorf("unsupported batch version: %d", data[0])
	}
	count := binary.BigEndian.Uint32(data[1:5])
	pos := 5
	reqs := make([]ClientRequest, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < pos+28 {
			return nil, fmt.Errorf("data too short for request header %d", i)
		}
		r := ClientRequest{
			ClientID:  binary.BigEndian.Uint64(data[pos:]),
			RequestID: binary.BigEndian.Uint64(data[pos+8:]),
			AckedUpTo: binary.BigEndian.Uint64(data[pos+16:]),
		}
		cmdLen := int(binary.BigEndian.Uint32(data[pos+24:]))
		pos += 28
		if len(data) < pos+cmdLen {
			return nil, fmt.Errorf("data too short for command of request %d", i)
		}
		r.Command = append([]byte(nil), data[pos:pos+cmdLen]...)
		pos += cmdLen
		reqs = append(reqs, r)
	}
	return reqs, nil
}
