// Package wire implements the broker's length-prefixed, typed framing and
// the ASCII command encoding described by the protocol: a 4-byte magic
// identifier followed by a stream of [size|type|payload] frames.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is sent once, immediately after the TCP connection is established
// and before any frame is read or written.
const Magic = "  V2"

// FrameType identifies the kind of payload carried by a frame.
type FrameType int32

const (
	FrameTypeResponse FrameType = 0
	FrameTypeError    FrameType = 1
	FrameTypeMessage  FrameType = 2
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeResponse:
		return "response"
	case FrameTypeError:
		return "error"
	case FrameTypeMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// ErrIO wraps truncated-frame, oversized-frame, and socket errors the codec
// surfaces while reading.
type ErrIO struct {
	Op  string
	Err error
}

func (e *ErrIO) Error() string { return fmt.Sprintf("wire: io error during %s: %v", e.Op, e.Err) }
func (e *ErrIO) Unwrap() error { return e.Err }

// DefaultMaxFrameSize caps a single frame's payload to guard against a
// corrupt or hostile size field allocating unbounded memory.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// ReadFrame blocks until it has read one complete frame from r. maxSize
// bounds the payload length (total-size field minus the 4-byte type field);
// a non-positive maxSize falls back to DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize int64) (FrameType, []byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, &ErrIO{Op: "read frame header", Err: err}
	}

	size := binary.BigEndian.Uint32(header[:4])
	if size < 4 {
		return 0, nil, &ErrIO{Op: "read frame header", Err: errors.New("frame size smaller than type field")}
	}
	payloadLen := int64(size) - 4
	if payloadLen > maxSize {
		return 0, nil, &ErrIO{Op: "read frame payload", Err: fmt.Errorf("frame payload %d exceeds max %d", payloadLen, maxSize)}
	}

	frameType := FrameType(int32(binary.BigEndian.Uint32(header[4:8])))

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, &ErrIO{Op: "read frame payload", Err: err}
		}
	}

	return frameType, payload, nil
}

// WriteFrame writes one frame: a 4-byte big-endian total size (which
// includes the 4-byte type field), the 4-byte type, then payload.
func WriteFrame(w io.Writer, frameType FrameType, payload []byte) error {
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)+4))
	binary.BigEndian.PutUint32(header[4:8], uint32(int32(frameType)))

	if _, err := w.Write(header); err != nil {
		return &ErrIO{Op: "write frame header", Err: err}
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return &ErrIO{Op: "write frame payload", Err: err}
		}
	}
	return nil
}

// WriteMagic sends the protocol version identifier. Must be the first
// thing written on a freshly dialed connection, before any framing.
func WriteMagic(w io.Writer) error {
	if _, err := w.Write([]byte(Magic)); err != nil {
		return &ErrIO{Op: "write magic", Err: err}
	}
	return nil
}
