package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single framed message.
const MaxFrameSize = 4 << 20

// WriteFrame writes data prefixed with its length as 4-byte big-endian
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(data), MaxFrameSize)
	}
	var lengthBytes [4]byte
	binary.BigEndian.PutUint32(lengthBytes[:], uint32(len(data)))

	if _, err := w.Write(lengthBytes[:]); err != nil {
		return err
	}

	_, err := w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed message
func ReadFrame(r io.Reader) ([]byte, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(r, lengthBytes[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBytes[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", length, MaxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}
