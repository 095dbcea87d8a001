//go:build !unix

package socket

import (
	"errors"
	"net"
	"time"
)

var errUnsupported = errors.New("non-blocking socket io is only supported on unix systems")

type sysConn struct {
	conn *net.TCPConn
	fd   int
}

func newSysConn(conn *net.TCPConn) (*sysConn, error) {
	return nil, errUnsupported
}

func (c *sysConn) read(p []byte) (int, error)  { return 0, errUnsupported }
func (c *sysConn) write(p []byte) (int, error) { return 0, errUnsupported }
func (c *sysConn) readable() (bool, error)     { return false, errUnsupported }
func (c *sysConn) close() error                { return c.conn.Close() }

// Poll is not supported on this platform
func Poll(sockets []*Socket, timeout time.Duration) ([]Readiness, error) {
	return nil, errUnsupported
}
