package socket

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSock/lib/packet"
	"github.com/ValentinKolb/dSock/lib/queue"
)

// --------------------------------------------------------------------------
// Inbound
// --------------------------------------------------------------------------

// RecvFromSock reads from the connection into the inbound buffer until the
// kernel has nothing more to give or the buffer is full.
//
// It returns true while the connection is usable, including when nothing was
// available or the inbound buffer is full. It returns false once the peer
// closed the connection or a read failed; the socket is closed in that case.
func (s *Socket) RecvFromSock() bool {
	sc := s.sys.Load()
	if sc == nil || s.closed.Load() {
		return false
	}

	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	for {
		free := s.inBuf.Free()
		if free == 0 {
			// backpressure, the consumer has to compact first
			s.getMetrics().bufferFull.Inc()
			return true
		}

		// the syscall runs without the buffer lock, the consumer keeps parsing meanwhile
		n, err := sc.read(s.scratch[:min(free, len(s.scratch))])
		if errors.Is(err, ErrWouldBlock) {
			return true
		}
		if err != nil {
			s.fail(fmt.Errorf("read: %w", err))
			return false
		}
		if n == 0 {
			s.fail(ErrPeerClosed)
			return false
		}

		// only RecvFromSock appends and recvMu serializes it, so free can only have grown
		s.inBuf.Append(s.scratch[:n])
		s.getMetrics().bytesIn.Add(n)
	}
}

// CompactInBuf drops the first consumed bytes of the inbound buffer. The
// consumer calls it after parsing whole packets from the front.
func (s *Socket) CompactInBuf(consumed int) error {
	return s.inBuf.Compact(consumed)
}

// Consume hands the buffered inbound bytes to fn and compacts by what fn reports as consumed
func (s *Socket) Consume(fn func(active []byte) int) (int, error) {
	return s.inBuf.Consume(fn)
}

// ReadPackets decodes all complete packets buffered so far and compacts the
// inbound buffer by their size. A stream that cannot be decoded, or a full
// buffer without a single complete packet, closes the socket.
func (s *Socket) ReadPackets(dec packet.Decoder) ([]packet.Frame, error) {
	var frames []packet.Frame
	var decodeErr error

	_, err := s.inBuf.Consume(func(active []byte) int {
		var consumed int
		frames, consumed, decodeErr = dec.Decode(active)
		return consumed
	})
	if err != nil {
		return frames, err
	}

	if decodeErr != nil {
		err := fmt.Errorf("%w: %v", ErrCorruptStream, decodeErr)
		s.fail(err)
		return frames, err
	}

	if len(frames) == 0 && s.inBuf.Full() {
		err := fmt.Errorf("%w: inbound buffer full without a complete packet", ErrCorruptStream)
		s.fail(err)
		return nil, err
	}

	return frames, nil
}

// --------------------------------------------------------------------------
// Outbound
// --------------------------------------------------------------------------

// SendPacket appends p to the send queue. It never blocks and never touches
// the network, FlushSendQueue does the writing.
func (s *Socket) SendPacket(p packet.Packet) error {
	if s.stop.Load() || s.closed.Load() {
		s.getMetrics().packetsRejected.Inc()
		return ErrClosed
	}

	if size := p.Size(); size > packet.MaxPacketSize {
		s.getMetrics().packetsRejected.Inc()
		return fmt.Errorf("%w: %d > %d bytes", ErrPacketTooLarge, size, packet.MaxPacketSize)
	}

	if err := s.queue.Push(p); err != nil {
		s.getMetrics().packetsRejected.Inc()
		if errors.Is(err, queue.ErrClosed) {
			return ErrClosed
		}
		return err
	}

	s.getMetrics().packetsQueued.Inc()
	return nil
}

// FlushSendQueue writes as much of the send queue as the kernel accepts
// without blocking. Bytes of a partially written packet are always sent
// before the next packet. It returns false if the socket is closed or the
// write failed; the socket is closed in the latter case.
func (s *Socket) FlushSendQueue() bool {
	sc := s.sys.Load()
	if sc == nil || s.closed.Load() {
		return false
	}

	n, err := s.queue.Flush(sc.write)
	if n > 0 {
		s.getMetrics().bytesOut.Add(n)
	}
	if errors.Is(err, queue.ErrClosed) {
		return false
	}
	if err != nil {
		s.fail(fmt.Errorf("write: %w", err))
		return false
	}
	return true
}

// HasAvailable reports whether a RecvFromSock call would find data, an EOF or
// an error without blocking. It never blocks itself.
func (s *Socket) HasAvailable() bool {
	sc := s.sys.Load()
	if sc == nil || s.closed.Load() {
		return false
	}

	readable, err := sc.readable()
	if err != nil {
		s.fail(fmt.Errorf("poll: %w", err))
		return false
	}
	return readable
}
