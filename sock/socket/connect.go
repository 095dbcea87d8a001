package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ValentinKolb/dSock/sock/common"
)

// connect runs on its own goroutine, it is the only place that blocks
func (s *Socket) connect(ctx context.Context) {
	defer close(s.done)

	start := time.Now()
	endpoint := s.config.Endpoint()

	if s.config.BlockSecond > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.config.BlockSecond)*time.Second)
		defer cancel()
	}

	ip, err := resolveIPv4(ctx, s.config.Hostname)
	if err != nil {
		s.connectFailed(ctx, err)
		return
	}

	// keep alive is applied by upgradeConnection according to the config
	dialer := net.Dialer{KeepAlive: -1}
	conn, err := dialer.DialContext(ctx, "tcp4", net.JoinHostPort(ip.String(), strconv.Itoa(s.config.Port)))
	if err != nil {
		s.connectFailed(ctx, err)
		return
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		s.connectFailed(ctx, fmt.Errorf("unexpected connection type %T", conn))
		return
	}

	if err := upgradeConnection(tcpConn, s.config); err != nil {
		tcpConn.Close()
		s.connectFailed(ctx, fmt.Errorf("failed to upgrade connection: %w", err))
		return
	}

	sc, err := newSysConn(tcpConn)
	if err != nil {
		tcpConn.Close()
		s.connectFailed(ctx, err)
		return
	}

	s.fd.Store(int64(sc.fd))
	s.sys.Store(sc)
	s.established.Store(true)
	s.connected.Store(true)

	// Stop or CloseSocket may have run while we were dialing
	if s.stop.Load() || s.closed.Load() {
		s.CloseSocket()
		return
	}

	s.getMetrics().connects.Inc()
	Logger.Infof("socket %d: connected to %s (fd %d) in %s", s.config.Tag, endpoint, sc.fd, time.Since(start))
}

// connectFailed records why the connect failed and moves the socket into its terminal state
func (s *Socket) connectFailed(ctx context.Context, err error) {
	switch {
	case s.stop.Load():
		err = ErrStopped
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w after %d sec: %v", ErrConnectTimeout, s.config.BlockSecond, err)
	}

	s.getMetrics().connectFailures.Inc()
	s.setErr(err, false)
	Logger.Warningf("socket %d: failed to connect to %s: %v", s.config.Tag, s.config.Endpoint(), err)
	s.CloseSocket()
}

// resolveIPv4 returns hostname if it is an ipv4 literal, otherwise the first
// ipv4 address of a single blocking lookup
func resolveIPv4(ctx context.Context, hostname string) (net.IP, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, fmt.Errorf("%s is not an ipv4 address", hostname)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", hostname, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no ipv4 address found for %s", hostname)
	}
	return ips[0], nil
}

// upgradeConnection applies the tcp options of the config to an established connection
func upgradeConnection(conn *net.TCPConn, config common.SocketConfig) error {
	if err := conn.SetNoDelay(config.NoDelay); err != nil {
		return err
	}

	if err := conn.SetKeepAlive(config.KeepAlive); err != nil {
		return err
	}

	if config.KeepAlive && config.KeepAliveSec > 0 {
		keepAlivePeriod := time.Duration(config.KeepAliveSec) * time.Second
		if err := conn.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
			return err
		}
	}

	return nil
}
