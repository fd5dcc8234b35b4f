package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum allowed frame payload (16 MiB).
const MaxFrameSize = 16 << 20

const headerSize = 4

// ErrFrameTooLarge is returned for frames whose payload exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame writes v as a length-prefixed JSON frame: a 4-byte big-endian
// length followed by the payload. The frame is written with a single Write.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	buf := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[headerSize:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r and decodes it into v.
// A clean EOF before the header is returned as io.EOF.
func ReadFrame(r io.Reader, v any) error {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return fmt.Errorf("%w: %d exceeds maximum %d", ErrFrameTooLarge, length, MaxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
