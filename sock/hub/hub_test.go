package hub

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSock/sock/common"
	"github.com/ValentinKolb/dSock/sock/socket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// the meters of go-metrics share one global ticker goroutine
var ignoreMeterTicker = goleak.IgnoreAnyFunction("github.com/rcrowley/go-metrics.(*meterArbiter).tick")

// echoServer writes every received byte back
type echoServer struct {
	ln    net.Listener
	wg    sync.WaitGroup
	mu    sync.Mutex
	conns []net.Conn
}

func startEcho(t *testing.T) (*echoServer, int) {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &echoServer{ln: ln}
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.mu.Lock()
			srv.conns = append(srv.conns, conn)
			srv.mu.Unlock()

			srv.wg.Add(1)
			go func() {
				defer srv.wg.Done()
				io.Copy(conn, conn)
			}()
		}
	}()

	return srv, ln.Addr().(*net.TCPAddr).Port
}

// dropConns closes the server side of all accepted connections
func (srv *echoServer) dropConns() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, conn := range srv.conns {
		conn.Close()
	}
	srv.conns = nil
}

func (srv *echoServer) close() {
	srv.ln.Close()
	srv.dropConns()
	srv.wg.Wait()
}

// nextEvent returns the next event of the hub or fails the test
func nextEvent(t *testing.T, h *Hub) Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event within 5 seconds")
		return Event{}
	}
}

// closeHub closes h and drains the remaining events
func closeHub(h *Hub) {
	h.Close()
	for range h.Events() {
	}
}

func newSocket(t *testing.T, port int, tag int, blockSec int) *socket.Socket {
	t.Helper()
	config := common.DefaultSocketConfig("127.0.0.1", port)
	config.Tag = tag
	config.BlockSecond = blockSec
	s := socket.New(config)
	s.Start()
	return s
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(common.HubConfig{PollIntervalMillisecond: 0})
	require.Error(t, err)
}

func TestHubLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreMeterTicker)

	srv, port := startEcho(t)
	defer srv.close()

	h, err := New(common.DefaultHubConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.Run(ctx) }()
	defer func() {
		cancel()
		require.ErrorIs(t, <-runDone, context.Canceled)
		closeHub(h)
	}()

	s := newSocket(t, port, 1, 0)
	require.NoError(t, h.Register(s))

	ev := nextEvent(t, h)
	require.Equal(t, EventConnected, ev.Type)
	require.Equal(t, 1, ev.Tag)

	require.NoError(t, h.Send(1, []byte("hello")))
	require.NoError(t, h.Send(1, []byte("world")))

	ev = nextEvent(t, h)
	require.Equal(t, EventFrame, ev.Type)
	require.Equal(t, "hello", string(ev.Frame.Payload))

	ev = nextEvent(t, h)
	require.Equal(t, EventFrame, ev.Type)
	require.Equal(t, "world", string(ev.Frame.Payload))

	srv.dropConns()

	ev = nextEvent(t, h)
	require.Equal(t, EventDisconnected, ev.Type)
	require.Equal(t, 1, ev.Tag)
	require.ErrorIs(t, ev.Err, socket.ErrPeerClosed)

	require.Eventually(t, func() bool { return h.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	stats := h.Stats()
	require.Equal(t, int64(2), stats.FramesIn)
	require.Equal(t, int64(2), stats.FramesOut)
	require.Equal(t, int64(1), stats.Disconnects)
	require.Equal(t, 5, stats.FrameSizeMean)
	require.Equal(t, 8, stats.FrameSizeP50)
	require.Equal(t, []int{16, 64, 256, 1024, 4096, 16384}, stats.FrameSizeBounds)
	require.Equal(t, []float64{100, 0, 0, 0, 0, 0, 0}, stats.FrameSizeShares)
	require.Zero(t, stats.Sockets)
}

func TestHubConnectFailed(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreMeterTicker)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	h, err := New(common.HubConfig{PollIntervalMillisecond: 10})
	require.NoError(t, err)
	defer closeHub(h)

	s := newSocket(t, port, 5, 2)
	require.True(t, s.Closed())
	require.NoError(t, h.Register(s))

	require.NoError(t, h.Step(10*time.Millisecond))

	ev := nextEvent(t, h)
	require.Equal(t, EventConnectFailed, ev.Type)
	require.Equal(t, 5, ev.Tag)
	require.Error(t, ev.Err)

	// RemoveClosed is off, the socket stays but is reported only once
	require.Equal(t, 1, h.Len())
	require.NoError(t, h.Step(10*time.Millisecond))
	require.Zero(t, h.events.Len())
}

func TestHubRegistry(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreMeterTicker)

	srv, port := startEcho(t)
	defer srv.close()

	h, err := New(common.DefaultHubConfig())
	require.NoError(t, err)

	a := newSocket(t, port, 2, 2)
	b := newSocket(t, port, 1, 2)
	dup := newSocket(t, port, 2, 2)
	defer dup.Stop()

	require.NoError(t, h.Register(a))
	require.NoError(t, h.Register(b))
	require.ErrorIs(t, h.Register(dup), ErrDuplicateTag)
	require.Equal(t, []int{1, 2}, h.Tags())

	got, ok := h.Get(2)
	require.True(t, ok)
	require.Same(t, a, got)

	require.ErrorIs(t, h.Send(9, []byte("x")), ErrUnknownTag)

	// unregister does not close the socket
	removed, ok := h.Unregister(1)
	require.True(t, ok)
	require.Same(t, b, removed)
	require.True(t, b.Connected())
	_, ok = h.Unregister(1)
	require.False(t, ok)
	b.Stop()

	closeHub(h)

	// close stops the registered sockets
	require.True(t, a.Stopped())
	require.False(t, a.Connected())
	require.Zero(t, h.Len())

	require.ErrorIs(t, h.Register(dup), ErrHubClosed)
	require.ErrorIs(t, h.Send(2, []byte("x")), ErrHubClosed)
	require.ErrorIs(t, h.Step(time.Millisecond), ErrHubClosed)
	require.NoError(t, h.Run(context.Background()))

	// idempotent
	h.Close()
}

func TestEventTypeString(t *testing.T) {
	require.Equal(t, "connected", EventConnected.String())
	require.Equal(t, "connect-failed", EventConnectFailed.String())
	require.Equal(t, "frame", EventFrame.String())
	require.Equal(t, "disconnected", EventDisconnected.String())
	require.Equal(t, "unknown(42)", EventType(42).String())
}
