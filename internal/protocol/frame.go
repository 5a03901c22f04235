// Package protocol defines the wire formats spoken by rpcbridge.
//
// Local clients exchange length-prefixed frames: a little-endian uint32
// opcode, a little-endian uint32 payload length, then the payload bytes.
// HANDSHAKE, FRAME and CLOSE payloads are JSON objects. Bridge endpoints
// exchange one JSON envelope per websocket text message (see bridge.go).
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode identifies the kind of a frame.
type Opcode uint32

const (
	OpHandshake Opcode = 0
	OpFrame     Opcode = 1
	OpClose     Opcode = 2
	OpPing      Opcode = 3
	OpPong      Opcode = 4
)

// Known reports whether o is one of the five opcodes with defined semantics.
func (o Opcode) Known() bool { return o <= OpPong }

func (o Opcode) String() string {
	switch o {
	case OpHandshake:
		return "HANDSHAKE"
	case OpFrame:
		return "FRAME"
	case OpClose:
		return "CLOSE"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	}
	return fmt.Sprintf("OPCODE(%d)", uint32(o))
}

// HeaderSize is the size of the opcode and length fields.
const HeaderSize = 8

// DefaultMaxFrameSize bounds the payload length a peer may declare.
const DefaultMaxFrameSize = 64 << 10

// MaxFrameSizeLimit is the largest frame size a relay may be configured with.
const MaxFrameSizeLimit = 16 << 20

var (
	// ErrNeedMoreData means the buffer ends before a complete frame.
	ErrNeedMoreData = errors.New("protocol: need more data")
	// ErrFrameTooLarge means the header declared a payload above the limit.
	// It is never recoverable by reading more bytes.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	// ErrUnknownOpcode is reported for frames whose opcode is not Known.
	ErrUnknownOpcode = errors.New("protocol: unknown opcode")
)

// Frame is one opcode-tagged unit of wire data.
type Frame struct {
	Op      Opcode
	Payload []byte
}

// Decode decodes the frame at the start of buf and reports how many bytes
// it occupied. The returned payload aliases buf.
//
// ErrNeedMoreData is returned while buf holds only part of a frame.
// ErrFrameTooLarge is returned as soon as the header is visible if the
// declared length exceeds max (max == 0 disables the check). A frame with an
// unknown opcode is still decoded: the frame and its size are returned
// together with an error wrapping ErrUnknownOpcode so the caller can skip it.
func Decode(buf []byte, max uint32) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrNeedMoreData
	}
	op := Opcode(binary.LittleEndian.Uint32(buf[0:4]))
	size := binary.LittleEndian.Uint32(buf[4:8])
	if max > 0 && size > max {
		return Frame{}, 0, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, size, max)
	}
	total := HeaderSize + int(size)
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMoreData
	}
	f := Frame{Op: op, Payload: buf[HeaderSize:total:total]}
	if !op.Known() {
		return f, total, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint32(op))
	}
	return f, total, nil
}

// AppendFrame appends the wire encoding of f to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(f.Op))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(f.Payload)))
	return append(dst, f.Payload...)
}

// Encode returns the wire encoding of f.
func Encode(f Frame) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f)
}

// Decoder decodes frames from a byte stream delivered in arbitrary chunks.
// The zero value uses DefaultMaxFrameSize.
type Decoder struct {
	// MaxFrameSize overrides DefaultMaxFrameSize when non-zero.
	MaxFrameSize uint32

	buf []byte
	off int
}

// Write appends a chunk of stream data.
func (d *Decoder) Write(p []byte) {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Next decodes the next buffered frame. It returns the same errors as
// Decode; after ErrUnknownOpcode the frame has already been consumed. The
// returned payload is owned by the caller.
func (d *Decoder) Next() (Frame, error) {
	max := d.MaxFrameSize
	if max == 0 {
		max = DefaultMaxFrameSize
	}
	f, n, err := Decode(d.buf[d.off:], max)
	if n > 0 {
		f.Payload = bytes.Clone(f.Payload)
		d.off += n
		if d.off == len(d.buf) {
			d.buf = d.buf[:0]
			d.off = 0
		}
	}
	return f, err
}

// Buffered returns the number of undecoded bytes.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }
