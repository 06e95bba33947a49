package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// MaxFrameLen bounds a single frame on a LAN link.
const MaxFrameLen = 64 * 1024

func WriteFrame(conn net.Conn, data []byte) error {
	if len(data) > MaxFrameLen {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func ReadFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameLen {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return payload, nil
}
