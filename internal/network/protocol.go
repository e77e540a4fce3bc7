package network

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// maxMessageSize bounds a frame payload.
	maxMessageSize = 4 << 20

	// headerSize is the length prefix plus the routing byte.
	headerSize = 5
)

// Topic routes one-way messages sent on unidirectional streams.
type Topic byte

// Protocol routes request/response exchanges on bidirectional streams.
type Protocol byte

// writeMessage writes a routed, length-prefixed frame.
// Format: [4B big-endian length of route+payload][1B route][payload]
func writeMessage(w io.Writer, route byte, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	buf := make([]byte, headerSize, headerSize+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)+1))
	buf[4] = route
	buf = append(buf, data...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// readMessage reads one routed frame.
func readMessage(r io.Reader) (byte, []byte, error) {
	var header [headerSize]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("read header:\n%w", err)
	}

	length := binary.BigEndian.Uint32(header[:4])
	if length == 0 || length-1 > maxMessageSize {
		return 0, nil, fmt.Errorf("invalid frame length %d", length)
	}

	data := make([]byte, length-1)

	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, fmt.Errorf("read payload:\n%w", err)
	}

	return header[4], data, nil
}
