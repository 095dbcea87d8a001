package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSock/lib/packet"
	"github.com/ValentinKolb/dSock/sock/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lithdew/bytesutil"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/valyala/bytebufferpool"
)

var Logger = logger.GetLogger(common.LoggerServer)

// ErrServerClosed is returned by Listen and Serve after Close
var ErrServerClosed = errors.New("server closed")

// HandleFunc processes the payload of one frame. A nil result sends no reply.
// The payload is only valid during the call.
type HandleFunc func(payload []byte) []byte

// Echo replies with the received payload
func Echo(payload []byte) []byte {
	return payload
}

// Sink swallows every frame
func Sink(payload []byte) []byte {
	return nil
}

var (
	framesInTotal  = metrics.NewCounter(`dsock_server_frames_received_total`)
	framesOutTotal = metrics.NewCounter(`dsock_server_frames_sent_total`)
	connsTotal     = metrics.NewCounter(`dsock_server_connections_total`)
	connsActive    atomic.Int64
	_              = metrics.NewGauge(`dsock_server_connections_active`, func() float64 {
		return float64(connsActive.Load())
	})
)

// Server accepts connections and answers length prefixed frames with a HandleFunc.
// Each connection is served by its own goroutine, replies keep the request order.
type Server struct {
	config  common.ServerConfig
	handler HandleFunc

	mu            sync.Mutex
	listener      net.Listener
	metricsServer *http.Server
	metricsAddr   net.Addr
	conns         map[net.Conn]struct{}
	closed        bool

	wg         sync.WaitGroup
	bufferPool *sync.Pool
}

// New creates a server, nothing is bound until Listen
func New(config common.ServerConfig, handler HandleFunc) (*Server, error) {
	if err := common.ValidateServerConfig(config); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("handler must not be nil")
	}

	return &Server{
		config:  config,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, packet.MaxPacketSize)
			},
		},
	}, nil
}

// Listen binds the frame endpoint and, if configured, the metrics endpoint
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return fmt.Errorf("already listening on %s", s.listener.Addr())
	}

	listener, err := net.Listen("tcp", s.config.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}
	s.listener = listener

	if s.config.MetricsEndpoint != "" {
		if err := s.listenMetrics(); err != nil {
			listener.Close()
			s.listener = nil
			return err
		}
	}

	Logger.Infof("Starting frame server on %s", listener.Addr())
	return nil
}

// listenMetrics serves the prometheus text format on /metrics, s.mu must be held
func (s *Server) listenMetrics() error {
	metricsListener, err := net.Listen("tcp", s.config.MetricsEndpoint)
	if err != nil {
		return fmt.Errorf("failed to create metrics listener: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	s.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.metricsAddr = metricsListener.Addr()

	s.wg.Add(1)
	go func(srv *http.Server) {
		defer s.wg.Done()
		if err := srv.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics server failed: %v", err)
		}
	}(s.metricsServer)

	Logger.Infof("Serving metrics on http://%s/metrics", metricsListener.Addr())
	return nil
}

// Addr returns the address of the frame listener, nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// MetricsAddr returns the address of the metrics endpoint, nil if it is disabled
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricsAddr
}

// Serve accepts connections until Close is called. It returns ErrServerClosed after Close.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				Logger.Warningf("Accept error: %v", err)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}

		go s.handleConnection(conn)
	}
}

// ListenAndServe combines Listen and Serve
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Close stops accepting, closes every open connection and waits for their goroutines
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	Logger.Infof("Frame server stopped")
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// track registers an accepted connection, false if the server is closing
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// handleConnection answers the frames of one connection in order
func (s *Server) handleConnection(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	connsTotal.Inc()
	connsActive.Add(1)
	defer connsActive.Add(-1)

	if err := upgradeConnection(conn, s.config); err != nil {
		Logger.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
	}

	Logger.Debugf("Accepted connection from %s", conn.RemoteAddr())

	// Timeout in seconds
	timeout := time.Duration(s.config.TimeoutSecond) * time.Second

	buf := s.bufferPool.Get().([]byte)
	defer s.bufferPool.Put(buf)

	for {
		if timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				Logger.Errorf("Failed to set read deadline: %v", err)
				return
			}
		}

		payload, err := readFrame(conn, buf)

		// Case EOF: Connection closed by client
		if err == io.EOF {
			Logger.Debugf("Connection closed by client %s", conn.RemoteAddr())
			return
		}

		// Case error: log and close connection
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				Logger.Infof("Closing idle connection from %s", conn.RemoteAddr())
			} else if !s.isClosed() {
				Logger.Warningf("Error reading frame from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		framesInTotal.Inc()

		resp := s.handler(payload)
		if resp == nil {
			continue
		}

		if timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				Logger.Errorf("Failed to set write deadline: %v", err)
				return
			}
		}

		if err := writeFrame(conn, resp); err != nil {
			Logger.Warningf("Failed to write response to %s: %v", conn.RemoteAddr(), err)
			return
		}
		framesOutTotal.Inc()
	}
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// readFrame reads one frame into buf, which must hold packet.MaxPacketSize bytes
func readFrame(conn net.Conn, buf []byte) ([]byte, error) {
	if _, err := io.ReadFull(conn, buf[:packet.HeaderSize]); err != nil {
		return nil, err
	}

	size := bytesutil.Uint32BE(buf[:packet.HeaderSize])
	if size > packet.MaxPayloadSize {
		return nil, fmt.Errorf("%w: header announces %d bytes", packet.ErrFrameTooLarge, size)
	}

	payload := buf[:size]
	if _, err := io.ReadFull(conn, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// writeFrame serializes the frame into a pooled buffer and writes it with a single call
func writeFrame(conn net.Conn, payload []byte) error {
	frame, err := packet.NewFrame(payload)
	if err != nil {
		return err
	}

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	bb.B = frame.AppendTo(bb.B)
	_, err = conn.Write(bb.B)
	return err
}

// upgradeConnection applies the tcp options of the config to an accepted connection
func upgradeConnection(conn net.Conn, config common.ServerConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a tcp connection, nothing to upgrade
	}

	if err := tcpConn.SetNoDelay(config.NoDelay); err != nil {
		return err
	}

	if config.KeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		keepAlivePeriod := time.Duration(config.KeepAliveSec) * time.Second
		if err := tcpConn.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
			return err
		}
	}

	return nil
}
