// Package packet defines the opaque unit handed to a socket for sending and a
// small length-prefixed frame codec used by the hub and the frame server.
//
// A socket never looks inside a Packet. It only asks for the serialized bytes
// and the size. The frame format is:
//
//   - 4 bytes: payload length (uint32, big endian)
//   - N bytes: payload
package packet

import (
	"errors"
	"fmt"
	"io"

	"github.com/lithdew/bytesutil"
)

const (
	// MaxPacketSize is the largest serialized packet a socket accepts (16 KB)
	MaxPacketSize = 16 * 1024

	// HeaderSize is the size of the frame header
	HeaderSize = 4

	// MaxPayloadSize is the largest payload that fits into a single frame
	MaxPayloadSize = MaxPacketSize - HeaderSize
)

var (
	// ErrFrameTooLarge is returned when a frame header announces more than MaxPayloadSize bytes
	ErrFrameTooLarge = errors.New("frame too large")
)

// Packet is the interface of everything that can be queued on a socket
type Packet interface {
	// AppendTo appends the serialized packet to dst and returns the extended slice
	AppendTo(dst []byte) []byte
	// Size returns the number of bytes AppendTo will append
	Size() int
}

// Releaser is implemented by packets that want to be notified once all of
// their bytes have been written to the socket (or the socket was closed)
type Releaser interface {
	Release()
}

// Raw is an already serialized packet, it is written as is
type Raw []byte

func (r Raw) AppendTo(dst []byte) []byte { return append(dst, r...) }
func (r Raw) Size() int                  { return len(r) }

// Frame is a length prefixed payload
type Frame struct {
	Payload []byte
}

// NewFrame creates a frame and checks the payload size
func NewFrame(payload []byte) (Frame, error) {
	if len(payload) > MaxPayloadSize {
		return Frame{}, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(payload), MaxPayloadSize)
	}
	return Frame{Payload: payload}, nil
}

func (f Frame) AppendTo(dst []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(len(f.Payload)))
	return append(dst, f.Payload...)
}

func (f Frame) Size() int {
	return HeaderSize + len(f.Payload)
}

// UnmarshalFrame parses one frame from the start of buf.
// It returns the frame and the number of bytes it occupies. If buf does not
// contain a complete frame io.ErrUnexpectedEOF is returned. The payload
// aliases buf.
func UnmarshalFrame(buf []byte) (Frame, int, error) {
	var frame Frame
	if len(buf) < HeaderSize {
		return frame, 0, io.ErrUnexpectedEOF
	}

	size := bytesutil.Uint32BE(buf[:HeaderSize])
	if size > MaxPayloadSize {
		return frame, 0, fmt.Errorf("%w: header announces %d bytes", ErrFrameTooLarge, size)
	}

	end := HeaderSize + int(size)
	if len(buf) < end {
		return frame, 0, io.ErrUnexpectedEOF
	}

	frame.Payload = buf[HeaderSize:end]
	return frame, end, nil
}
