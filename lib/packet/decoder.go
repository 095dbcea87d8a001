package packet

import (
	"errors"
	"io"
)

// Decoder extracts complete packets from the front of a byte stream
type Decoder interface {
	// Decode parses as many complete frames as possible from buf and returns
	// them together with the number of bytes they occupied. Trailing partial
	// frames are left untouched. The returned frames must not alias buf.
	Decode(buf []byte) (frames []Frame, consumed int, err error)
}

// FrameDecoder decodes length prefixed frames
type FrameDecoder struct{}

// NewFrameDecoder creates a new frame decoder
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

func (d *FrameDecoder) Decode(buf []byte) ([]Frame, int, error) {
	var frames []Frame
	consumed := 0

	for {
		frame, n, err := UnmarshalFrame(buf[consumed:])
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return frames, consumed, nil
		}
		if err != nil {
			// everything before the corrupt frame was parsed fine
			return frames, consumed, err
		}

		// copy, the source region is shifted by the next compaction
		payload := make([]byte, len(frame.Payload))
		copy(payload, frame.Payload)
		frames = append(frames, Frame{Payload: payload})

		consumed += n
	}
}
