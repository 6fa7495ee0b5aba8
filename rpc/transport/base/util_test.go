package base

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payloads := [][]byte{[]byte("hello"), {}, bytes.Repeat([]byte{7}, 4096)}
	go func() {
		for i, p := range payloads {
			_ = writeFrame(client, uint64(i+1), p)
		}
	}()

	buf := make([]byte, 64)
	for i, p := range payloads {
		id, data, err := readFrame(server, buf)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), id)
		assert.Equal(t, p, data)
	}
}

func TestReadFrameRejectsOversizedFrames(t *testing.T) {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint64(header[:8], 1)
	binary.BigEndian.PutUint32(header[8:], maxFrameSize+1)

	_, _, err := readFrame(bytes.NewReader(header), nil)
	assert.Error(t, err)
}

func TestReadFrameTruncated(t *testing.T) {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header[8:], 10)

	_, _, err := readFrame(bytes.NewReader(append(header, 1, 2, 3)), nil)
	assert.Error(t, err)

	_, _, err = readFrame(bytes.NewReader(header[:5]), nil)
	assert.Error(t, err)
}
