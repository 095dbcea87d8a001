package buffer

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// DefaultCapacity is the default size of an inbound buffer (64 KB)
	DefaultCapacity = 64 * 1024
)

var (
	// ErrInvalidCompaction is returned when a consumer tries to remove more bytes than are buffered
	ErrInvalidCompaction = errors.New("invalid compaction")
)

// InBuffer is a fixed capacity compacting byte buffer
type InBuffer struct {
	mu  sync.Mutex
	buf []byte // backing array, len(buf) == capacity
	n   int    // number of valid unread bytes at buf[0:n]
}

// New creates a new InBuffer with the given capacity.
// A capacity <= 0 falls back to DefaultCapacity.
func New(capacity int) *InBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &InBuffer{buf: make([]byte, capacity)}
}

// Cap returns the fixed capacity of the buffer
func (b *InBuffer) Cap() int {
	return len(b.buf)
}

// Len returns the number of buffered bytes
func (b *InBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Free returns the number of bytes that can still be appended
func (b *InBuffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.n
}

// Full reports whether no more bytes can be appended until the consumer drains
func (b *InBuffer) Full() bool {
	return b.Free() == 0
}

// Append copies as much of p as fits into the free space and returns the number
// of bytes copied. Bytes that do not fit are NOT buffered; the caller decides
// whether to keep them or to drop the connection.
func (b *InBuffer) Append(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := copy(b.buf[b.n:], p)
	b.n += n
	return n
}

// Compact removes the first consumed bytes and shifts the rest to the front.
// consumed must be within [0, Len()].
func (b *InBuffer) Compact(consumed int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.compact(consumed)
}

// compact does the actual work, b.mu must be held
func (b *InBuffer) compact(consumed int) error {
	if consumed < 0 || consumed > b.n {
		return fmt.Errorf("%w: consumed=%d buffered=%d", ErrInvalidCompaction, consumed, b.n)
	}
	if consumed == 0 {
		return nil
	}

	// copy handles the overlapping regions like memmove
	copy(b.buf, b.buf[consumed:b.n])
	b.n -= consumed
	return nil
}

// Consume calls fn with the active region while holding the lock and then
// compacts the buffer by the number of bytes fn reports as consumed.
//
// The slice passed to fn is only valid for the duration of the call, fn must
// copy everything it wants to keep. fn must only report whole, fully parsed
// units as consumed.
func (b *InBuffer) Consume(fn func(active []byte) int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	consumed := fn(b.buf[:b.n:b.n])
	if err := b.compact(consumed); err != nil {
		return 0, err
	}
	return consumed, nil
}

// Bytes returns a copy of the buffered bytes
func (b *InBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, b.n)
	copy(out, b.buf[:b.n])
	return out
}
