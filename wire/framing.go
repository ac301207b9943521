package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single length-prefixed frame (64 MiB).
const MaxFrameSize = 64 << 20

// WriteFrame writes payload with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrMalformed, len(payload), MaxFrameSize)
	}

	lengthPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthPrefix, uint32(len(payload)))

	if _, err := w.Write(lengthPrefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload. Returns io.EOF on a clean end
// of stream.
func ReadFrame(r io.Reader) ([]byte, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read length prefix: %w", err)
	}

	msgLength := binary.BigEndian.Uint32(lengthBuf)
	if msgLength > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrMalformed, msgLength, MaxFrameSize)
	}

	payload := make([]byte, msgLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame (expected %d bytes): %w", msgLength, err)
	}
	return payload, nil
}
