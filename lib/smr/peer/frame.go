package peer

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/ValentinKolb/dSMR/lib/smr/wire"
)

// maxFrameSize bounds a single peer frame (snapshots included).
const maxFrameSize = 256 << 20

// writeFrame writes a frame to the connection with the format:
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func writeFrame(conn net.Conn, data []byte) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads a frame from the connection. The returned slice is freshly
// allocated and owned by the caller.
func readFrame(conn net.Conn, header []byte) ([]byte, error) {
	if len(header) < 4 {
		header = make([]byte, 4)
	}
	if _, err := io.ReadFull(conn, header[:4]); err != nil {
		return nil, err
	}
	contentLength := binary.BigEndian.Uint32(header[:4])
	if contentLength > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", contentLength)
	}

	data := make([]byte, contentLength)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

// helloFrame is the first frame on every peer connection: the sender's id and wire version.
func helloFrame(from uint8) []byte {
	return []byte{'H', from, wire.Version}
}

func parseHello(data []byte) (uint8, error) {
	if len(data) != 3 || data[0] != 'H' {
		return 0, fmt.Errorf("invalid hello frame")
	}
	if data[2] != wire.Version {
		return 0, fmt.Errorf("peer speaks wire version %d, want %d", data[2], wire.Version)
	}
	return data[1], nil
}
