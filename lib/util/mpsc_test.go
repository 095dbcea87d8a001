package util

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// drain reads everything until the output channel is closed
func drain[T any](q *MPSC[T]) {
	for range q.Recv() {
	}
}

// TestBasicOperations tests basic push and receive functionality
func TestBasicOperations(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMPSC[int]()
	defer drain(q)
	defer q.Close()

	for i := 0; i < 10; i++ {
		if !q.Push(i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case val := <-q.Recv():
			if val != i {
				t.Errorf("Expected %d, got %v", i, val)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}

	select {
	case val := <-q.Recv():
		t.Errorf("Queue should be empty, but got %v", val)
	case <-time.After(10 * time.Millisecond):
	}
}

// TestConcurrentProducers checks that nothing is lost or duplicated and that
// every producer's own order is kept
func TestConcurrentProducers(t *testing.T) {
	defer goleak.VerifyNone(t)

	type item struct{ producer, seq int }

	q := NewMPSC[item]()

	const numProducers = 8
	const itemsPerProducer = 2000

	var wg sync.WaitGroup
	wg.Add(numProducers)
	for p := 0; p < numProducers; p++ {
		go func(producer int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				if !q.Push(item{producer, i}) {
					t.Errorf("Producer %d failed to push item %d", producer, i)
				}
				if i%100 == 0 {
					runtime.Gosched()
				}
			}
		}(p)
	}

	go func() {
		wg.Wait()
		q.Close()
	}()

	next := make([]int, numProducers)
	received := 0
	for it := range q.Recv() {
		if it.seq != next[it.producer] {
			t.Fatalf("producer %d: expected seq %d, got %d", it.producer, next[it.producer], it.seq)
		}
		next[it.producer]++
		received++
	}

	if received != numProducers*itemsPerProducer {
		t.Errorf("Expected %d items, got %d", numProducers*itemsPerProducer, received)
	}
	<-q.Done()
}

// TestCloseDeliversPending verifies closing behavior
func TestCloseDeliversPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMPSC[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	q.Close()
	q.Close()

	if q.Push(100) {
		t.Error("Should not be able to push after queue is closed")
	}
	if !q.IsClosed() {
		t.Error("IsClosed should report true")
	}

	for i := 0; i < 5; i++ {
		select {
		case val := <-q.Recv():
			if val != i {
				t.Errorf("Expected %d, got %v", i, val)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for item %d after close", i)
		}
	}

	if _, ok := <-q.Recv(); ok {
		t.Error("Channel should be closed but is still open")
	}
	<-q.Done()
}

// TestCloseWhilePushing closes the queue while producers are still pushing,
// every accepted item has to reach the receiver before Recv is closed
func TestCloseWhilePushing(t *testing.T) {
	defer goleak.VerifyNone(t)

	for round := 0; round < 50; round++ {
		q := NewMPSC[int]()

		var accepted atomic.Int64
		var wg sync.WaitGroup
		start := make(chan struct{})

		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for i := 0; i < 100; i++ {
					if q.Push(i) {
						accepted.Add(1)
					}
				}
			}()
		}

		received := make(chan int, 1)
		go func() {
			n := 0
			for range q.Recv() {
				n++
			}
			received <- n
		}()

		close(start)
		runtime.Gosched()
		q.Close()
		wg.Wait()

		select {
		case n := <-received:
			if int64(n) != accepted.Load() {
				t.Fatalf("round %d: %d items accepted but %d received", round, accepted.Load(), n)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: receiver did not finish", round)
		}
		<-q.Done()
	}
}

// TestWakeUpAfterIdle pushes into an idle queue repeatedly, a lost wake up
// would stall one of the receives
func TestWakeUpAfterIdle(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMPSC[int]()
	defer drain(q)
	defer q.Close()

	for i := 0; i < 200; i++ {
		q.Push(i)
		select {
		case val := <-q.Recv():
			if val != i {
				t.Fatalf("Expected %d, got %d", i, val)
			}
		case <-time.After(time.Second):
			t.Fatalf("Consumer was not woken up for item %d", i)
		}
	}

	if q.Len() != 0 {
		t.Errorf("Expected empty queue, Len() = %d", q.Len())
	}
}

// BenchmarkMultiProducer benchmarks the queue with multiple producers
func BenchmarkMultiProducer(b *testing.B) {
	q := NewMPSC[int]()
	defer q.Close()

	go func() {
		for range q.Recv() {
		}
	}()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			q.Push(i)
			i++
		}
	})
}
