//go:build unix

package socket

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// sysConn performs non-blocking syscalls on the descriptor of an established
// connection. The callbacks passed to syscall.RawConn always report "done",
// so the runtime poller never parks the calling goroutine. RawConn keeps the
// descriptor alive for the duration of each callback, a concurrent close
// makes the next call fail instead of touching a reused descriptor.
type sysConn struct {
	conn *net.TCPConn
	raw  syscall.RawConn
	fd   int
}

func newSysConn(conn *net.TCPConn) (*sysConn, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return nil, err
	}

	return &sysConn{conn: conn, raw: raw, fd: fd}, nil
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// read reads whatever is available right now. It returns ErrWouldBlock if
// nothing is available and (0, nil) if the peer closed the connection.
func (c *sysConn) read(p []byte) (int, error) {
	var n int
	var err error

	if rerr := c.raw.Read(func(fd uintptr) bool {
		for {
			n, err = unix.Read(int(fd), p)
			if err != unix.EINTR {
				return true
			}
		}
	}); rerr != nil {
		return 0, rerr
	}

	if isWouldBlock(err) {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// write writes as much of p as the kernel accepts right now
func (c *sysConn) write(p []byte) (int, error) {
	var n int
	var err error

	if werr := c.raw.Write(func(fd uintptr) bool {
		for {
			n, err = unix.Write(int(fd), p)
			if err != unix.EINTR {
				return true
			}
		}
	}); werr != nil {
		return 0, werr
	}

	if isWouldBlock(err) {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// readable reports whether a read would not block (data, EOF or an error is pending)
func (c *sysConn) readable() (bool, error) {
	var revents int16
	var perr error

	if err := c.raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			_, perr = unix.Poll(fds, 0)
			if perr != unix.EINTR {
				break
			}
		}
		revents = fds[0].Revents
	}); err != nil {
		return false, err
	}
	if perr != nil {
		return false, perr
	}

	return revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0, nil
}

func (c *sysConn) close() error {
	return c.conn.Close()
}

// Poll waits up to timeout until at least one of the sockets is ready and
// reports the readiness of each of them. Sockets that are not connected are
// reported as not ready. Write readiness is only requested for sockets with
// pending outbound bytes.
//
// The descriptors are polled without holding them, a socket closed during the
// poll may be reported ready; the following RecvFromSock/FlushSendQueue call
// then reports the closed state.
func Poll(sockets []*Socket, timeout time.Duration) ([]Readiness, error) {
	ready := make([]Readiness, len(sockets))
	fds := make([]unix.PollFd, 0, len(sockets))
	index := make([]int, 0, len(sockets))

	for i, s := range sockets {
		sc := s.sys.Load()
		if sc == nil || !s.Connected() {
			continue
		}
		events := int16(unix.POLLIN)
		if s.HasPending() {
			events |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(sc.fd), Events: events})
		index = append(index, i)
	}

	ms := int(timeout.Milliseconds())
	if len(fds) == 0 {
		// nothing to wait for, behave like a poll without descriptors
		time.Sleep(timeout)
		return ready, nil
	}

	if _, err := unix.Poll(fds, ms); err != nil {
		if err == unix.EINTR {
			return ready, nil
		}
		return nil, err
	}

	for j, pfd := range fds {
		r := &ready[index[j]]
		r.Readable = pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
		r.Writable = pfd.Revents&unix.POLLOUT != 0
	}
	return ready, nil
}
