// Package util provides a lock-free Multi-Producer Single-Consumer (MPSC) queue
// used to hand events from the hub's polling goroutine to event consumers, and
// a bucketed size histogram for frame statistics.
//
// MPSC Features and Guarantees:
//
//   - Lock-Free Push: producers append with atomic operations only
//   - Unbounded Size: the queue grows as needed, limited only by available memory
//   - Channel Delivery: a single internal goroutine forwards items to Recv()
//   - Ordered per Producer: items pushed by one goroutine are received in push order
//   - Graceful Close: items pushed before Close are still delivered, then Recv() is closed
package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// MPSC is a lock-free multi-producer single-consumer queue backed by a linked
// list of nodes. The head always points at an already consumed sentinel.
type MPSC[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	out    chan T
	closed atomic.Bool
	size   atomic.Int64
	// producers between their closed check and the append, forward waits for them
	pushing atomic.Int64

	// mu + cond park the forwarding goroutine while the list is empty
	mu   sync.Mutex
	cond *sync.Cond
	done chan struct{}
}

// NewMPSC creates a new queue and starts its forwarding goroutine
func NewMPSC[T any]() *MPSC[T] {
	sentinel := &node[T]{}

	q := &MPSC[T]{
		out:  make(chan T),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.forward()

	return q
}

// Push adds an item to the queue.
// Returns false if the queue is closed.
func (q *MPSC[T]) Push(value T) bool {
	// announce before the closed check, forward only exits once pushing is 0
	q.pushing.Add(1)
	defer q.pushing.Add(-1)

	if q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var spins uint8

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()

		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// may fail if another producer already moved the tail, that is fine
				q.tail.CompareAndSwap(tailNode, newNode)
				q.size.Add(1)
				q.wake()
				return true
			}
		} else {
			// another producer appended but has not moved the tail yet, help it
			q.tail.CompareAndSwap(tailNode, next)
		}

		// exponential backoff under contention
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// wake signals the forwarding goroutine. Taking the mutex closes the window
// between its emptiness check and cond.Wait.
func (q *MPSC[T]) wake() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// forward moves items from the list to the output channel
func (q *MPSC[T]) forward() {
	defer close(q.done)
	defer close(q.out)

	var zero T
	for {
		head := q.head.Load()
		next := head.next.Load()

		if next != nil {
			value := next.value
			q.head.Store(next)
			next.value = zero // help gc, next is the new sentinel
			q.size.Add(-1)
			q.out <- value
			continue
		}

		if q.closed.Load() {
			// a producer that passed the closed check before Close still appends
			if q.pushing.Load() == 0 && q.head.Load().next.Load() == nil {
				return
			}
			runtime.Gosched()
			continue
		}

		q.mu.Lock()
		if q.head.Load().next.Load() == nil && !q.closed.Load() {
			q.cond.Wait()
		}
		q.mu.Unlock()
	}
}

// Recv returns the channel the items are delivered on. It is closed after
// Close once every queued item was received.
func (q *MPSC[T]) Recv() <-chan T {
	return q.out
}

// Close stops accepting new items. Items already queued are still delivered.
func (q *MPSC[T]) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.wake()
}

// Done is closed once the forwarding goroutine exited
func (q *MPSC[T]) Done() <-chan struct{} {
	return q.done
}

// IsClosed returns true if the queue is closed.
func (q *MPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of items not yet handed to the output channel
func (q *MPSC[T]) Len() int {
	return int(q.size.Load())
}
