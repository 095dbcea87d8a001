package socket

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSock/lib/packet"
	"github.com/ValentinKolb/dSock/sock/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// listen starts a loopback listener and returns it together with its port
func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

// accept returns the next connection of ln or fails the test after a few seconds
func accept(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		t.Cleanup(func() { r.conn.Close() })
		return r.conn
	case <-time.After(5 * time.Second):
		t.Fatal("accept timed out")
		return nil
	}
}

// connectPair returns a connected socket and the server side of its connection
func connectPair(t *testing.T, config common.SocketConfig) (*Socket, net.Conn) {
	t.Helper()

	ln, port := listen(t)
	config.Hostname = "127.0.0.1"
	config.Port = port
	config.BlockSecond = 2

	s := New(config)
	t.Cleanup(s.Stop)
	require.True(t, s.Start(), "connect failed: %v", s.Err())

	return s, accept(t, ln)
}

// recvUntil calls RecvFromSock until the inbound buffer holds n bytes
func recvUntil(t *testing.T, s *Socket, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.RecvFromSock()
		return s.InBuffer().Len() >= n
	}, 5*time.Second, 5*time.Millisecond)
}

func TestInitRejectsInvalidArguments(t *testing.T) {
	_, port := listen(t)

	s := New(common.DefaultSocketConfig("", 0))
	t.Cleanup(s.Stop)

	require.False(t, s.Init("", port, 1, 1, false))
	require.ErrorIs(t, s.Err(), ErrInvalidArgument)

	require.False(t, s.Init("127.0.0.1", 0, 1, 1, false))
	require.ErrorIs(t, s.Err(), ErrInvalidArgument)

	require.False(t, s.Init("127.0.0.1", 70000, 1, 1, false))
	require.ErrorIs(t, s.Err(), ErrInvalidArgument)

	require.False(t, s.Init("127.0.0.1", port, 1, -1, false))
	require.ErrorIs(t, s.Err(), ErrInvalidArgument)

	// an argument error is not terminal, the caller may retry
	require.False(t, s.Closed())
	require.True(t, s.Init("127.0.0.1", port, 1, 1, false))
	require.True(t, s.Connected())
	require.NoError(t, s.Err())
}

func TestInitTwice(t *testing.T) {
	s, _ := connectPair(t, common.DefaultSocketConfig("", 0))
	require.False(t, s.Init(s.Hostname(), s.Port(), 3, 1, false))
	require.True(t, s.Connected())
}

func TestInitConcurrent(t *testing.T) {
	ln, port := listen(t)

	s := New(common.DefaultSocketConfig("127.0.0.1", port))
	t.Cleanup(s.Stop)

	const callers = 8
	winners := make(chan int, callers)

	var wg sync.WaitGroup
	for tag := 0; tag < callers; tag++ {
		wg.Add(1)
		go func(tag int) {
			defer wg.Done()
			if s.Init("127.0.0.1", port, tag, 0, false) {
				winners <- tag
			}
		}(tag)
	}
	wg.Wait()
	close(winners)

	var won []int
	for tag := range winners {
		won = append(won, tag)
	}
	require.Len(t, won, 1)

	// the losing calls must not touch the configuration of the winner
	require.Equal(t, won[0], s.Tag())
	require.Equal(t, won[0], s.Config().Tag)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitConnected(ctx))
	accept(t, ln)
}

func TestInitNonBlocking(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, port := listen(t)
	defer ln.Close()

	s := New(common.DefaultSocketConfig("127.0.0.1", port))
	defer s.Stop()

	start := time.Now()
	require.True(t, s.Init("127.0.0.1", port, 7, 0, true))
	require.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitConnected(ctx))

	require.True(t, s.Connected())
	require.GreaterOrEqual(t, s.Fd(), 0)
	require.Equal(t, 7, s.Tag())
	require.Equal(t, "127.0.0.1", s.Hostname())
	require.Equal(t, port, s.Port())

	conn := accept(t, ln)
	defer conn.Close()
}

func TestInitBlockingConnects(t *testing.T) {
	ln, port := listen(t)

	s := New(common.DefaultSocketConfig("127.0.0.1", port))
	t.Cleanup(s.Stop)

	require.True(t, s.Init("127.0.0.1", port, 1, 2, false))
	require.True(t, s.Connected())

	// Done is closed before a blocking Init returns
	select {
	case <-s.Done():
	default:
		t.Fatal("connect goroutine still running")
	}

	accept(t, ln)
}

func TestInitConnectRefused(t *testing.T) {
	ln, port := listen(t)
	require.NoError(t, ln.Close())

	s := New(common.DefaultSocketConfig("127.0.0.1", port))
	t.Cleanup(s.Stop)

	require.False(t, s.Init("127.0.0.1", port, 1, 2, false))
	require.False(t, s.Connected())
	require.True(t, s.Closed())
	require.Error(t, s.Err())
	require.Equal(t, -1, s.Fd())
}

func TestStopBeforeInit(t *testing.T) {
	s := New(common.DefaultSocketConfig("127.0.0.1", 80))
	s.Stop()

	require.False(t, s.Init("127.0.0.1", 80, 1, 1, false))
	require.ErrorIs(t, s.Err(), ErrStopped)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, s.WaitConnected(ctx), ErrStopped)
}

func TestCreate(t *testing.T) {
	ln, port := listen(t)

	s, err := Create("127.0.0.1", port, 4, 2, true)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	require.True(t, s.Connected())
	require.True(t, s.Config().KeepAlive)
	accept(t, ln)

	_, err = Create("", port, 4, 2, true)
	require.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, ln.Close())
	_, err = Create("127.0.0.1", port, 4, 2, true)
	require.ErrorIs(t, err, ErrConnectFailed)
}

func TestCloseSocketIdempotent(t *testing.T) {
	s, _ := connectPair(t, common.DefaultSocketConfig("", 0))

	s.CloseSocket()
	first := []any{s.Connected(), s.Closed(), s.Fd()}
	s.CloseSocket()
	second := []any{s.Connected(), s.Closed(), s.Fd()}

	require.Equal(t, first, second)
	require.Equal(t, []any{false, true, -1}, second)

	require.False(t, s.RecvFromSock())
	require.False(t, s.FlushSendQueue())
	require.False(t, s.HasAvailable())
	require.ErrorIs(t, s.SendPacket(packet.Raw("x")), ErrClosed)

	s.Stop()
	s.Stop()
	require.True(t, s.Stopped())
}

func TestRecvFromSockAndPeerClose(t *testing.T) {
	s, conn := connectPair(t, common.DefaultSocketConfig("", 0))

	// nothing sent yet: would block, still fine
	require.True(t, s.RecvFromSock())
	require.Zero(t, s.InBuffer().Len())

	_, err := conn.Write([]byte("hello world"))
	require.NoError(t, err)

	recvUntil(t, s, 11)
	require.Equal(t, []byte("hello world"), s.InBuffer().Bytes())

	require.NoError(t, s.CompactInBuf(6))
	require.Equal(t, []byte("world"), s.InBuffer().Bytes())
	require.Error(t, s.CompactInBuf(6))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return !s.RecvFromSock()
	}, 5*time.Second, 5*time.Millisecond)

	require.False(t, s.Connected())
	require.True(t, s.Closed())
	require.ErrorIs(t, s.Err(), ErrPeerClosed)
}

func TestRecvFromSockBackpressure(t *testing.T) {
	config := common.DefaultSocketConfig("", 0)
	config.InBufferSize = 16
	s, conn := connectPair(t, config)

	stream := []byte("0123456789abcdefghijklmnopqrstuvwxyzABCD")
	_, err := conn.Write(stream)
	require.NoError(t, err)

	recvUntil(t, s, 16)

	// full buffer is not an error, nothing is lost
	require.True(t, s.RecvFromSock())
	require.Equal(t, 16, s.InBuffer().Len())
	require.True(t, s.Connected())

	var received []byte
	require.Eventually(t, func() bool {
		s.RecvFromSock()
		if _, err := s.Consume(func(active []byte) int {
			received = append(received, active...)
			return len(active)
		}); err != nil {
			return false
		}
		return len(received) >= len(stream)
	}, 5*time.Second, 5*time.Millisecond)

	require.Equal(t, stream, received)
}

func TestHasAvailable(t *testing.T) {
	s, conn := connectPair(t, common.DefaultSocketConfig("", 0))

	require.False(t, s.HasAvailable())

	_, err := conn.Write([]byte{1})
	require.NoError(t, err)

	require.Eventually(t, s.HasAvailable, 5*time.Second, 5*time.Millisecond)
	require.True(t, s.RecvFromSock())
	require.False(t, s.HasAvailable())

	// a pending EOF counts as available
	require.NoError(t, conn.Close())
	require.Eventually(t, s.HasAvailable, 5*time.Second, 5*time.Millisecond)
}

func TestHasAvailableNeverConnected(t *testing.T) {
	s := New(common.DefaultSocketConfig("127.0.0.1", 80))
	require.False(t, s.HasAvailable())
	require.False(t, s.RecvFromSock())
	require.False(t, s.FlushSendQueue())
}

func TestSendPacketsInOrder(t *testing.T) {
	s, conn := connectPair(t, common.DefaultSocketConfig("", 0))

	var expected []byte
	for i := 0; i < 200; i++ {
		frame, err := packet.NewFrame(bytes.Repeat([]byte{byte(i)}, 100+i*37))
		require.NoError(t, err)
		require.NoError(t, s.SendPacket(frame))
		expected = frame.AppendTo(expected)
	}
	require.Len(t, s.SendQueue(), 200)

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(expected))
		_, err := io.ReadFull(conn, buf)
		if err != nil {
			t.Errorf("read failed: %v", err)
		}
		received <- buf
	}()

	require.Eventually(t, func() bool {
		return s.FlushSendQueue() && !s.HasPending()
	}, 5*time.Second, time.Millisecond)

	select {
	case got := <-received:
		require.Equal(t, expected, got)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive all bytes")
	}
}

func TestSendPacketBeforeConnect(t *testing.T) {
	s := New(common.DefaultSocketConfig("127.0.0.1", 80))
	require.NoError(t, s.SendPacket(packet.Raw("queued")))
	require.True(t, s.HasPending())
	require.Equal(t, []packet.Packet{packet.Raw("queued")}, s.SendQueue())
}

func TestSendPacketTooLarge(t *testing.T) {
	s := New(common.DefaultSocketConfig("127.0.0.1", 80))
	err := s.SendPacket(packet.Raw(make([]byte, packet.MaxPacketSize+1)))
	require.ErrorIs(t, err, ErrPacketTooLarge)
	require.False(t, s.HasPending())

	require.NoError(t, s.SendPacket(packet.Raw(make([]byte, packet.MaxPacketSize))))
}

func TestReadPackets(t *testing.T) {
	s, conn := connectPair(t, common.DefaultSocketConfig("", 0))
	dec := packet.NewFrameDecoder()

	var wire []byte
	for _, payload := range []string{"first", "second", "third"} {
		frame, err := packet.NewFrame([]byte(payload))
		require.NoError(t, err)
		wire = frame.AppendTo(wire)
	}

	// two complete frames and a part of the third
	split := len(wire) - 3
	_, err := conn.Write(wire[:split])
	require.NoError(t, err)
	recvUntil(t, s, split)

	frames, err := s.ReadPackets(dec)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, "first", string(frames[0].Payload))
	require.Equal(t, "second", string(frames[1].Payload))
	require.Equal(t, 4+len("third")-3, s.InBuffer().Len())

	_, err = conn.Write(wire[split:])
	require.NoError(t, err)
	recvUntil(t, s, 4+len("third"))

	frames, err = s.ReadPackets(dec)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, "third", string(frames[0].Payload))
	require.Zero(t, s.InBuffer().Len())
}

func TestReadPacketsCorruptStream(t *testing.T) {
	s, conn := connectPair(t, common.DefaultSocketConfig("", 0))

	_, err := conn.Write([]byte{0xff, 0xff, 0xff, 0xff, 1, 2, 3})
	require.NoError(t, err)
	recvUntil(t, s, 7)

	_, err = s.ReadPackets(packet.NewFrameDecoder())
	require.ErrorIs(t, err, ErrCorruptStream)
	require.True(t, s.Closed())
	require.False(t, s.Connected())
}

func TestPoll(t *testing.T) {
	a, connA := connectPair(t, common.DefaultSocketConfig("", 0))
	b, _ := connectPair(t, common.DefaultSocketConfig("", 0))
	unconnected := New(common.DefaultSocketConfig("127.0.0.1", 80))

	sockets := []*Socket{a, b, unconnected}

	ready, err := Poll(sockets, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []Readiness{{}, {}, {}}, ready)

	_, err = connA.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, b.SendPacket(packet.Raw("pong")))

	require.Eventually(t, func() bool {
		ready, err = Poll(sockets, 100*time.Millisecond)
		return err == nil && ready[0].Readable
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, err)

	require.False(t, ready[1].Readable)
	require.True(t, ready[1].Writable)
	require.Equal(t, Readiness{}, ready[2])
}
