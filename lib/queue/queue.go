// Package queue implements the outbound packet queue of a socket.
//
// Producers Push packets from any goroutine. A single drain goroutine calls
// Flush whenever the socket is writable. Flush serializes queued packets into
// an output buffer and writes as much of it as the writer accepts; bytes that
// were not accepted stay at the head and are written before anything else.
// The byte stream handed to the writer is therefore always the concatenation
// of the serialized packets in Push order, regardless of partial writes.
package queue

import (
	"errors"
	"sync"

	"github.com/ValentinKolb/dSock/lib/packet"
	"github.com/valyala/bytebufferpool"
)

const (
	// DefaultOutBufferSize is the default soft limit of the serialization buffer (8 KB)
	DefaultOutBufferSize = 8 * 1024
)

var (
	// ErrQueueFull is returned by Push if the queue is bounded and the bound is reached
	ErrQueueFull = errors.New("send queue full")
	// ErrClosed is returned by Push after Close
	ErrClosed = errors.New("send queue closed")
	// ErrWouldBlock is returned by a WriteFunc that cannot accept bytes right now
	ErrWouldBlock = errors.New("write would block")
)

// WriteFunc writes bytes to the network. It returns the number of bytes
// accepted. Returning ErrWouldBlock (with n possibly > 0) ends the current
// Flush without an error.
type WriteFunc func(p []byte) (n int, err error)

// inflight is a packet whose bytes are in the output buffer
type inflight struct {
	p   packet.Packet
	end int // offset in the output buffer after the last byte of p
}

// Config holds the tuning parameters of a SendQueue
type Config struct {
	// MaxQueued bounds the number of queued packets, 0 means unbounded
	MaxQueued int
	// OutBufferSize is the soft limit of the serialization buffer. A single
	// packet larger than the limit is still serialized as a whole.
	OutBufferSize int
}

// SendQueue is a FIFO of packets waiting to be written
type SendQueue struct {
	config Config

	// producer side
	mu     sync.Mutex
	items  []packet.Packet
	head   int
	closed bool

	// drain side, only touched while flushMu is held
	flushMu  sync.Mutex
	out      *bytebufferpool.ByteBuffer
	off      int
	inflight []inflight
}

// New creates a new SendQueue
func New(config Config) *SendQueue {
	if config.OutBufferSize <= 0 {
		config.OutBufferSize = DefaultOutBufferSize
	}
	return &SendQueue{config: config}
}

// Push appends p to the tail of the queue. The queue owns p until its bytes
// were written or the queue was closed.
func (q *SendQueue) Push(p packet.Packet) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.config.MaxQueued > 0 && len(q.items)-q.head >= q.config.MaxQueued {
		return ErrQueueFull
	}

	q.items = append(q.items, p)
	return nil
}

// pop removes the head of the queue, q.mu must be held
func (q *SendQueue) pop() (packet.Packet, bool) {
	if q.head == len(q.items) {
		return nil, false
	}

	p := q.items[q.head]
	q.items[q.head] = nil // help gc
	q.head++

	// reuse the backing array once everything was consumed,
	// otherwise shift when the dead prefix gets large
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return p, true
}

// Len returns the number of packets that were not yet serialized
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Pending reports whether there are queued packets or unwritten bytes
func (q *SendQueue) Pending() bool {
	if q.Len() > 0 {
		return true
	}

	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	return q.out != nil && q.off < len(q.out.B)
}

// Snapshot returns a copy of the packets that were not yet serialized, in send order
func (q *SendQueue) Snapshot() []packet.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]packet.Packet, len(q.items)-q.head)
	copy(out, q.items[q.head:])
	return out
}

// fill serializes queued packets into the (empty) output buffer until the
// soft limit is reached. q.flushMu must be held.
func (q *SendQueue) fill() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.out.B) < q.config.OutBufferSize {
		p, ok := q.pop()
		if !ok {
			return
		}
		q.out.B = p.AppendTo(q.out.B)
		q.inflight = append(q.inflight, inflight{p: p, end: len(q.out.B)})
	}
}

// releaseWritten releases every packet whose last byte was written. q.flushMu must be held.
func (q *SendQueue) releaseWritten() {
	i := 0
	for ; i < len(q.inflight) && q.inflight[i].end <= q.off; i++ {
		release(q.inflight[i].p)
		q.inflight[i] = inflight{}
	}
	q.inflight = q.inflight[i:]
}

// Flush writes queued bytes with write until the queue is empty, write
// reports ErrWouldBlock or write fails. It returns the number of bytes written
// and the error of write (ErrWouldBlock is not reported as an error).
//
// Flush must not be called concurrently with itself from several goroutines
// expecting a particular interleaving, it serializes callers internally.
func (q *SendQueue) Flush(write WriteFunc) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	if q.Closed() {
		return 0, ErrClosed
	}
	if q.out == nil {
		q.out = bytebufferpool.Get()
	}

	written := 0
	for {
		// output buffer drained: refill from the queue
		if q.off == len(q.out.B) {
			q.out.Reset()
			q.off = 0
			q.inflight = q.inflight[:0]
			q.fill()
			if len(q.out.B) == 0 {
				return written, nil
			}
		}

		n, err := write(q.out.B[q.off:])
		if n > 0 {
			q.off += n
			written += n
			q.releaseWritten()
		}

		if errors.Is(err, ErrWouldBlock) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		if n == 0 {
			// writer made no progress and gave no reason, try again on the next call
			return written, nil
		}
	}
}

// Close drops every queued and partially written packet and rejects further pushes.
// Close is idempotent.
func (q *SendQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.items[q.head:]
	q.items = nil
	q.head = 0
	q.mu.Unlock()

	for _, p := range dropped {
		release(p)
	}

	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	for _, f := range q.inflight {
		release(f.p)
	}
	q.inflight = nil
	if q.out != nil {
		bytebufferpool.Put(q.out)
		q.out = nil
	}
	q.off = 0
}

// Closed reports whether Close was called
func (q *SendQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func release(p packet.Packet) {
	if r, ok := p.(packet.Releaser); ok {
		r.Release()
	}
}
