// ABOUTME: Length-prefixed binary framing for the agent wire protocol.
// ABOUTME: Encodes and decodes CONTROL, CHUNK and CHUNK_END frames over a byte stream.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Kind identifies what a frame carries.
type Kind byte

const (
	// KindControl frames carry a CBOR-encoded Control message.
	KindControl Kind = 0x01
	// KindChunk frames carry raw bytes of an in-progress transfer.
	KindChunk Kind = 0x02
	// KindChunkEnd carries the final bytes of a transfer and finalizes it.
	KindChunkEnd Kind = 0x03
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindChunk:
		return "chunk"
	case KindChunkEnd:
		return "chunk_end"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

func (k Kind) valid() bool {
	return k == KindControl || k == KindChunk || k == KindChunkEnd
}

// HeaderSize is kind(1) + command id(16) + payload length(4).
const HeaderSize = 1 + 16 + 4

// MaxPayload is the default upper bound on a single frame's payload.
const MaxPayload = 16 << 20

// DefaultChunkSize is the transfer chunk size used by both ends of the protocol
// unless configured otherwise.
const DefaultChunkSize = 32 << 10

// Frame is the smallest unit on the wire.
// CommandID is uuid.Nil for session-level control messages (hello, heartbeat).
type Frame struct {
	Kind      Kind
	CommandID uuid.UUID
	Payload   []byte
}

// IsChunk reports whether the frame belongs to a streamed payload.
func (f Frame) IsChunk() bool {
	return f.Kind == KindChunk || f.Kind == KindChunkEnd
}

// ErrFrameTooLarge is wrapped by FrameError when a length prefix exceeds the limit.
var ErrFrameTooLarge = errors.New("frame payload too large")

// ErrUnknownKind is wrapped by FrameError when the kind byte is not recognised.
var ErrUnknownKind = errors.New("unknown frame kind")

// FrameError reports malformed or truncated wire data.
// The owning session must be closed when one is returned.
type FrameError struct {
	Op  string
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %s: %v", e.Op, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Encode serializes a frame into a single buffer.
func Encode(f Frame) ([]byte, error) {
	if !f.Kind.valid() {
		return nil, &FrameError{Op: "encode", Err: fmt.Errorf("%w: %s", ErrUnknownKind, f.Kind)}
	}
	if len(f.Payload) > MaxPayload {
		return nil, &FrameError{Op: "encode", Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))}
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Kind)
	copy(buf[1:17], f.CommandID[:])
	binary.BigEndian.PutUint32(buf[17:HeaderSize], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// WriteFrame encodes f and writes it to w in one call so concurrent writers
// serialized by the caller never interleave partial frames.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame blocks until one full frame has been read from r.
// A clean end of stream before any header byte returns io.EOF unwrapped;
// anything else that prevents a complete frame returns a *FrameError.
// maxPayload <= 0 selects MaxPayload.
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	if maxPayload <= 0 {
		maxPayload = MaxPayload
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, &FrameError{Op: "read header", Err: err}
	}

	kind := Kind(header[0])
	if !kind.valid() {
		return Frame{}, &FrameError{Op: "read header", Err: fmt.Errorf("%w: %s", ErrUnknownKind, kind)}
	}

	length := binary.BigEndian.Uint32(header[17:HeaderSize])
	if uint64(length) > uint64(maxPayload) {
		return Frame{}, &FrameError{Op: "read header", Err: fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxPayload)}
	}

	f := Frame{Kind: kind}
	copy(f.CommandID[:], header[1:17])

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, &FrameError{Op: "read payload", Err: err}
	}
	return f, nil
}
