package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSock/lib/packet"
	"github.com/ValentinKolb/dSock/lib/util"
	"github.com/ValentinKolb/dSock/sock/common"
	"github.com/ValentinKolb/dSock/sock/socket"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger(common.LoggerHub)

var (
	// ErrHubClosed is returned by operations on a closed hub
	ErrHubClosed = errors.New("hub closed")
	// ErrDuplicateTag is returned by Register if the tag is already taken
	ErrDuplicateTag = errors.New("tag already registered")
	// ErrUnknownTag is returned if no socket is registered under the tag
	ErrUnknownTag = errors.New("unknown tag")
)

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// EventType tells what happened to a socket
type EventType int

const (
	// EventConnected is published once the connect of a socket succeeded
	EventConnected EventType = iota
	// EventConnectFailed is published if a socket closed without ever connecting
	EventConnectFailed
	// EventFrame carries one inbound frame
	EventFrame
	// EventDisconnected is published once a connected socket closed
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect-failed"
	case EventFrame:
		return "frame"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Event is published by the hub for every state change and every inbound frame
type Event struct {
	Type  EventType
	Tag   int
	Frame packet.Frame // only set for EventFrame
	Err   error        // why the socket closed, if known
}

// Stats is a snapshot of the hub counters
type Stats struct {
	Sockets       int
	Connected     int
	FramesIn      int64
	FramesInRate  float64 // per second, one minute moving average
	FramesOut     int64
	FramesOutRate float64
	Disconnects   int64

	// payload sizes of the received frames in bytes, estimated from buckets
	FrameSizeMean int
	FrameSizeP50  int
	FrameSizeP99  int

	// FrameSizeShares[i] is the percentage of frames up to FrameSizeBounds[i]
	// bytes (and above the previous bound), the last share holds larger frames
	FrameSizeBounds []int
	FrameSizeShares []float64
}

// --------------------------------------------------------------------------
// Hub
// --------------------------------------------------------------------------

// entry is the hub side state of a registered socket. It is only touched by
// the goroutine running Step.
type entry struct {
	sock      *socket.Socket
	dec       packet.Decoder
	announced bool // EventConnected was published
	finished  bool // the terminal event was published
}

// Hub drives many sockets from a single goroutine: it polls their
// descriptors, pumps bytes in and out and publishes what happened as events.
type Hub struct {
	config  common.HubConfig
	sockets *xsync.MapOf[int, *entry]
	events  *util.MPSC[Event]

	stepMu sync.Mutex // one Step at a time, Close waits for a running Step
	closed atomic.Bool

	registry    gometrics.Registry
	framesIn    gometrics.Meter
	framesOut   gometrics.Meter
	disconnects gometrics.Counter
	frameSizes  *util.SizeHistogram
}

// New creates a hub. The caller must read Events until the hub is closed.
func New(config common.HubConfig) (*Hub, error) {
	if err := common.ValidateHubConfig(config); err != nil {
		return nil, err
	}

	registry := gometrics.NewRegistry()

	return &Hub{
		config:      config,
		sockets:     xsync.NewMapOf[int, *entry](),
		events:      util.NewMPSC[Event](),
		registry:    registry,
		framesIn:    gometrics.GetOrRegisterMeter("frames.in", registry),
		framesOut:   gometrics.GetOrRegisterMeter("frames.out", registry),
		disconnects: gometrics.GetOrRegisterCounter("disconnects", registry),
		frameSizes:  util.NewSizeHistogram(util.DefaultFrameSizeBoundaries...),
	}, nil
}

// Register adds a socket under its tag. The socket may still be connecting.
func (h *Hub) Register(s *socket.Socket) error {
	if h.closed.Load() {
		return ErrHubClosed
	}

	_, loaded := h.sockets.LoadOrStore(s.Tag(), &entry{sock: s, dec: packet.NewFrameDecoder()})
	if loaded {
		return fmt.Errorf("%w: %d", ErrDuplicateTag, s.Tag())
	}

	Logger.Debugf("registered socket %d (%s:%d)", s.Tag(), s.Hostname(), s.Port())
	return nil
}

// Unregister removes the socket with the given tag from the hub without closing it
func (h *Hub) Unregister(tag int) (*socket.Socket, bool) {
	e, ok := h.sockets.LoadAndDelete(tag)
	if !ok {
		return nil, false
	}
	Logger.Debugf("unregistered socket %d", tag)
	return e.sock, true
}

// Get returns the socket registered under tag
func (h *Hub) Get(tag int) (*socket.Socket, bool) {
	e, ok := h.sockets.Load(tag)
	if !ok {
		return nil, false
	}
	return e.sock, true
}

// Len returns the number of registered sockets
func (h *Hub) Len() int {
	return h.sockets.Size()
}

// Tags returns the registered tags in ascending order
func (h *Hub) Tags() []int {
	tags := make([]int, 0, h.sockets.Size())
	h.sockets.Range(func(tag int, _ *entry) bool {
		tags = append(tags, tag)
		return true
	})
	sort.Ints(tags)
	return tags
}

// Send queues payload as one frame on the socket registered under tag. The
// bytes are written by the next Step that finds the socket writable.
func (h *Hub) Send(tag int, payload []byte) error {
	if h.closed.Load() {
		return ErrHubClosed
	}

	e, ok := h.sockets.Load(tag)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}

	frame, err := packet.NewFrame(payload)
	if err != nil {
		return err
	}
	if err := e.sock.SendPacket(frame); err != nil {
		return err
	}

	h.framesOut.Mark(1)
	return nil
}

// Events returns the channel the hub publishes on. It is closed after Close.
func (h *Hub) Events() <-chan Event {
	return h.events.Recv()
}

// Step runs one iteration of the readiness loop: it waits up to timeout for
// any registered socket to become ready, performs the reads and writes and
// publishes the resulting events.
func (h *Hub) Step(timeout time.Duration) error {
	h.stepMu.Lock()
	defer h.stepMu.Unlock()

	if h.closed.Load() {
		return ErrHubClosed
	}

	var entries []*entry
	h.sockets.Range(func(_ int, e *entry) bool {
		entries = append(entries, e)
		return true
	})

	// state changes that happened outside of the loop (connect goroutine, Stop)
	h.checkStates(entries)

	sockets := make([]*socket.Socket, len(entries))
	for i, e := range entries {
		sockets[i] = e.sock
	}

	ready, err := socket.Poll(sockets, timeout)
	if err != nil {
		return fmt.Errorf("poll failed: %w", err)
	}

	for i, r := range ready {
		e := entries[i]

		if r.Writable {
			e.sock.FlushSendQueue()
		}

		if r.Readable {
			e.sock.RecvFromSock()
			// frames received before a close are still delivered
			h.readFrames(e)
		}
	}

	h.checkStates(entries)
	return nil
}

// readFrames publishes all complete frames buffered by the socket
func (h *Hub) readFrames(e *entry) {
	frames, err := e.sock.ReadPackets(e.dec)
	for _, frame := range frames {
		h.frameSizes.Add(len(frame.Payload))
		h.publish(Event{Type: EventFrame, Tag: e.sock.Tag(), Frame: frame})
	}
	h.framesIn.Mark(int64(len(frames)))

	if err != nil {
		Logger.Warningf("socket %d: %v", e.sock.Tag(), err)
	}
}

// checkStates publishes connect and close transitions
func (h *Hub) checkStates(entries []*entry) {
	for _, e := range entries {
		if e.finished {
			continue
		}

		tag := e.sock.Tag()

		if !e.announced && e.sock.Established() {
			e.announced = true
			h.publish(Event{Type: EventConnected, Tag: tag})
		}

		if !e.sock.Closed() {
			continue
		}

		e.finished = true
		if e.announced {
			h.disconnects.Inc(1)
			h.publish(Event{Type: EventDisconnected, Tag: tag, Err: e.sock.Err()})
		} else {
			h.publish(Event{Type: EventConnectFailed, Tag: tag, Err: e.sock.Err()})
		}

		if h.config.RemoveClosed {
			h.sockets.Compute(tag, func(old *entry, loaded bool) (*entry, bool) {
				// keep a socket that was registered under the same tag meanwhile
				return old, !loaded || old == e
			})
		}
	}
}

func (h *Hub) publish(ev Event) {
	if !h.events.Push(ev) {
		Logger.Debugf("dropped %s event of socket %d, hub closed", ev.Type, ev.Tag)
	}
}

// Run calls Step until ctx is done or the hub is closed
func (h *Hub) Run(ctx context.Context) error {
	interval := time.Duration(h.config.PollIntervalMillisecond) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := h.Step(interval); err != nil {
			if errors.Is(err, ErrHubClosed) {
				return nil
			}
			return err
		}
	}
}

// Close stops every registered socket and closes the event channel once all
// pending events were received. Close is idempotent.
func (h *Hub) Close() {
	if h.closed.Swap(true) {
		return
	}

	// wait for a running Step, it may still publish
	h.stepMu.Lock()
	defer h.stepMu.Unlock()

	h.sockets.Range(func(tag int, e *entry) bool {
		e.sock.Stop()
		return true
	})
	h.sockets.Clear()

	h.events.Close()
	h.framesIn.Stop()
	h.framesOut.Stop()
	h.registry.UnregisterAll()

	Logger.Infof("hub closed")
}

// Stats returns a snapshot of the hub counters
func (h *Hub) Stats() Stats {
	stats := Stats{
		FramesIn:      h.framesIn.Count(),
		FramesInRate:  h.framesIn.Rate1(),
		FramesOut:     h.framesOut.Count(),
		FramesOutRate: h.framesOut.Rate1(),
		Disconnects:   h.disconnects.Count(),
		FrameSizeMean: h.frameSizes.Mean(),
		FrameSizeP50:  h.frameSizes.Percentile(50),
		FrameSizeP99:  h.frameSizes.Percentile(99),
	}
	stats.FrameSizeBounds, stats.FrameSizeShares = h.frameSizes.Distribution()

	h.sockets.Range(func(_ int, e *entry) bool {
		stats.Sockets++
		if e.sock.Connected() {
			stats.Connected++
		}
		return true
	})
	return stats
}
