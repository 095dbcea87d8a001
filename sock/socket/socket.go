package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSock/lib/buffer"
	"github.com/ValentinKolb/dSock/lib/packet"
	"github.com/ValentinKolb/dSock/lib/queue"
	"github.com/ValentinKolb/dSock/sock/common"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger(common.LoggerSocket)

// connectGrace is added to the block time when Init waits for the connect
// goroutine, name resolution and the tcp options may take a moment after the
// dial itself timed out
const connectGrace = 500 * time.Millisecond

var (
	// ErrInvalidArgument wraps validation errors of Init
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAlreadyInitialized is reported if Init is called twice
	ErrAlreadyInitialized = errors.New("socket already initialized")
	// ErrConnectTimeout is reported if the connect did not finish within the block time
	ErrConnectTimeout = errors.New("connect timed out")
	// ErrConnectFailed is returned by Create if the socket could not connect
	ErrConnectFailed = errors.New("connect failed")
	// ErrStopped is reported if the socket was stopped
	ErrStopped = errors.New("socket stopped")
	// ErrClosed is returned by operations on a closed socket
	ErrClosed = errors.New("socket closed")
	// ErrPeerClosed is reported if the remote side closed the connection
	ErrPeerClosed = errors.New("connection closed by peer")
	// ErrPacketTooLarge is returned by SendPacket for packets above packet.MaxPacketSize
	ErrPacketTooLarge = errors.New("packet too large")
	// ErrCorruptStream is reported if the inbound bytes cannot be decoded
	ErrCorruptStream = errors.New("corrupt inbound stream")
	// ErrWouldBlock signals that a non-blocking syscall could not make progress
	ErrWouldBlock = queue.ErrWouldBlock
)

// Readiness is the result of Poll for one socket
type Readiness struct {
	Readable bool
	Writable bool
}

// Socket owns a single TCP connection. See the package documentation for the
// lifecycle and the threading rules.
type Socket struct {
	config common.SocketConfig

	initialized atomic.Bool
	established atomic.Bool // the connect succeeded, stays set after close
	connected   atomic.Bool
	stop        atomic.Bool
	closed      atomic.Bool

	sys  atomic.Pointer[sysConn]
	fd   atomic.Int64
	done chan struct{}

	// mu protects config until Init won, cancel, err and metrics
	mu      sync.Mutex
	cancel  context.CancelFunc
	err     error
	metrics *socketMetrics

	inBuf   *buffer.InBuffer
	recvMu  sync.Mutex // serializes RecvFromSock callers, protects scratch
	scratch []byte

	queue *queue.SendQueue
}

// New creates an unconnected socket. Nothing happens on the network until Init or Start.
func New(config common.SocketConfig) *Socket {
	inBuf := buffer.New(config.InBufferSize)

	s := &Socket{
		config:  config,
		done:    make(chan struct{}),
		metrics: newSocketMetrics(config.Tag),
		inBuf:   inBuf,
		scratch: make([]byte, min(inBuf.Cap(), packet.MaxPacketSize)),
		queue: queue.New(queue.Config{
			MaxQueued:     config.MaxQueued,
			OutBufferSize: config.OutBufferSize,
		}),
	}
	s.fd.Store(-1)
	return s
}

// Create creates a socket with the default buffer sizes and initializes it.
// It returns an error if the arguments are invalid or, when blockSec > 0,
// if the connect failed within blockSec seconds.
func Create(hostname string, port int, tag int, blockSec int, keepAlive bool) (*Socket, error) {
	s := New(common.DefaultSocketConfig(hostname, port))
	if !s.Init(hostname, port, tag, blockSec, keepAlive) {
		err := s.Err()
		if errors.Is(err, ErrInvalidArgument) {
			return nil, err
		}
		s.Stop()
		config := s.Config()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, config.Endpoint(), err)
	}
	return s, nil
}

// Init sets the endpoint and connect parameters and starts the connect.
//
// It returns false right away if the arguments are invalid; the caller may
// retry with corrected arguments. Otherwise the connect runs on its own
// goroutine:
//
//   - blockSec == 0: Init returns true immediately, the outcome is observed
//     through Connected, Done or WaitConnected.
//   - blockSec > 0: Init waits for the connect (bounded by blockSec) and
//     returns whether the socket is connected.
func (s *Socket) Init(hostname string, port int, tag int, blockSec int, keepAlive bool) bool {
	if s.initialized.Load() {
		Logger.Warningf("socket %d: %v", tag, ErrAlreadyInitialized)
		return false
	}

	config := s.Config()
	config.Hostname = hostname
	config.Port = port
	config.Tag = tag
	config.BlockSecond = blockSec
	config.KeepAlive = keepAlive

	return s.start(config)
}

// Start starts the connect with the configuration given to New
func (s *Socket) Start() bool {
	return s.start(s.Config())
}

// start validates config and spawns the connect goroutine. config becomes the
// socket configuration only if this call wins the initialization.
func (s *Socket) start(config common.SocketConfig) bool {
	if s.initialized.Load() {
		Logger.Warningf("socket %d: %v", config.Tag, ErrAlreadyInitialized)
		return false
	}

	if err := common.ValidateSocketConfig(config); err != nil {
		s.setErr(fmt.Errorf("%w: %v", ErrInvalidArgument, err), true)
		Logger.Warningf("socket %d: %v", config.Tag, err)
		return false
	}

	if !s.initialized.CompareAndSwap(false, true) {
		Logger.Warningf("socket %d: %v", config.Tag, ErrAlreadyInitialized)
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.config = config
	s.cancel = cancel
	s.err = nil // argument errors of earlier attempts
	s.metrics = newSocketMetrics(config.Tag)
	s.mu.Unlock()

	if s.stop.Load() {
		cancel()
		s.setErr(ErrStopped, false)
		close(s.done)
		return false
	}

	go s.connect(ctx)

	if config.BlockSecond == 0 {
		return true
	}

	// join with timeout
	timer := time.NewTimer(time.Duration(config.BlockSecond)*time.Second + connectGrace)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		Logger.Warningf("socket %d: connect to %s still running after %d sec", config.Tag, config.Endpoint(), config.BlockSecond)
	}

	return s.connected.Load()
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Fd returns the OS descriptor of the connection, -1 if not connected
func (s *Socket) Fd() int { return int(s.fd.Load()) }

// Tag returns the caller supplied tag
func (s *Socket) Tag() int { return s.Config().Tag }

// Hostname returns the remote host name
func (s *Socket) Hostname() string { return s.Config().Hostname }

// Port returns the remote port
func (s *Socket) Port() int { return s.Config().Port }

// Config returns a copy of the socket configuration
func (s *Socket) Config() common.SocketConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Connected reports whether the connection is established and not closed
func (s *Socket) Connected() bool { return s.connected.Load() }

// Established reports whether the connect succeeded, even if the socket closed since
func (s *Socket) Established() bool { return s.established.Load() }

// Stopped reports whether Stop was called
func (s *Socket) Stopped() bool { return s.stop.Load() }

// Closed reports whether the socket reached its terminal state
func (s *Socket) Closed() bool { return s.closed.Load() }

// Done is closed once the connect attempt finished, successful or not
func (s *Socket) Done() <-chan struct{} { return s.done }

// InBuffer gives consumers direct access to the inbound buffer
func (s *Socket) InBuffer() *buffer.InBuffer { return s.inBuf }

// SendQueue returns the packets that were queued but not yet serialized, in send order
func (s *Socket) SendQueue() []packet.Packet { return s.queue.Snapshot() }

// HasPending reports whether outbound bytes are waiting for FlushSendQueue
func (s *Socket) HasPending() bool { return s.queue.Pending() }

// Err returns the error that moved the socket into its current state, if any
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// setErr records err. The first terminal error wins unless overwrite is set.
func (s *Socket) setErr(err error, overwrite bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil || overwrite {
		s.err = err
	}
}

func (s *Socket) getMetrics() *socketMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// WaitConnected blocks until the connect attempt finished or ctx is done
func (s *Socket) WaitConnected(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.connected.Load() {
		return nil
	}
	if err := s.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// --------------------------------------------------------------------------
// Teardown
// --------------------------------------------------------------------------

// Stop requests a cooperative stop: a running connect is cancelled and the
// socket is closed. Stop is idempotent.
func (s *Socket) Stop() {
	if s.stop.Swap(true) {
		return
	}
	s.setErr(ErrStopped, false)
	s.CloseSocket()
}

// CloseSocket releases the descriptor and moves the socket into its terminal
// state. It is idempotent and safe to call from any goroutine.
func (s *Socket) CloseSocket() {
	s.connected.Store(false)
	first := !s.closed.Swap(true)

	s.mu.Lock()
	cancel := s.cancel
	config := s.config
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if sc := s.sys.Swap(nil); sc != nil {
		s.fd.Store(-1)
		if err := sc.close(); err != nil {
			Logger.Debugf("socket %d: close: %v", config.Tag, err)
		}
		s.getMetrics().closes.Inc()
		Logger.Infof("socket %d: closed connection to %s", config.Tag, config.Endpoint())
	}

	if first {
		s.queue.Close()
	}
}

// fail records a terminal error and closes the socket
func (s *Socket) fail(err error) {
	s.setErr(err, false)
	if !s.closed.Load() {
		Logger.Warningf("socket %d: %v", s.Tag(), err)
	}
	s.CloseSocket()
}
