package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/avlink/internal/framing"
)

// ErrClosed is returned by operations on a channel after Close.
var ErrClosed = errors.New("channel: closed")

// ErrFrameDropped is returned by SendFrame when the frame was not delivered
// but the channel is still usable.
var ErrFrameDropped = errors.New("channel: frame dropped")

// State is the connection state of a Channel.
type State int32

// Channel states. The socket is held iff the state is Connected.
const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of channel counters.
type Stats struct {
	State         string `json:"state"`
	Session       string `json:"session,omitempty"`
	FramesSent    int64  `json:"framesSent"`
	FramesDropped int64  `json:"framesDropped"`
	BytesSent     int64  `json:"bytesSent"`
	Attempts      int64  `json:"connectAttempts"`
	Reconnects    int64  `json:"reconnects"`
}

// Channel owns one TCP connection and writes framed payloads to it. Sends and
// connects are serialized; Close may be called from any goroutine and unblocks
// an in-flight connect or write.
type Channel struct {
	log       *slog.Logger
	cfg       Config
	connector *Connector

	// mu serializes SendFrame and Connect.
	mu  sync.Mutex
	buf []byte

	// connMu guards conn and session.
	connMu  sync.Mutex
	conn    net.Conn
	session string
	state   atomic.Int32

	closed      atomic.Bool
	closeOnce   sync.Once
	closeCtx    context.Context
	closeCancel context.CancelFunc

	framesSent    atomic.Int64
	framesDropped atomic.Int64
	bytesSent     atomic.Int64
	reconnects    atomic.Int64
}

// New creates a disconnected Channel. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		log:         log.With("component", "channel", "channel", cfg.Name),
		cfg:         cfg,
		connector:   NewConnector(cfg, log),
		closeCtx:    ctx,
		closeCancel: cancel,
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	c.connMu.Lock()
	session := c.session
	c.connMu.Unlock()
	return Stats{
		State:         c.State().String(),
		Session:       session,
		FramesSent:    c.framesSent.Load(),
		FramesDropped: c.framesDropped.Load(),
		BytesSent:     c.bytesSent.Load(),
		Attempts:      c.connector.Attempts(),
		Reconnects:    c.reconnects.Load(),
	}
}

// Connect blocks until the channel is connected. It returns ErrClosed if the
// channel is closed first, or ctx.Err() if ctx is cancelled first.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Channel) connectLocked(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.current() != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.closeCtx, cancel)
	defer stop()

	c.state.Store(int32(Connecting))
	conn, err := c.connector.Connect(ctx)
	if err != nil {
		c.state.Store(int32(Disconnected))
		if c.closed.Load() {
			return ErrClosed
		}
		return err
	}

	c.connMu.Lock()
	if c.closed.Load() {
		c.connMu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.session = uuid.NewString()
	c.state.Store(int32(Connected))
	session := c.session
	c.connMu.Unlock()

	c.log.Debug("session started", "session", session, "addr", c.cfg.Addr)
	return nil
}

// SendFrame writes payload as one frame. When the connection is broken the
// socket is closed, the channel reconnects before returning, and the frame is
// dropped. Other write failures drop the frame without reconnecting. Both
// cases return ErrFrameDropped and leave the channel ready for the next frame.
// Any other error means the channel is closed, ctx is cancelled, or payload
// cannot be framed.
func (c *Channel) SendFrame(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.connectLocked(ctx); err != nil {
		return err
	}

	buf, err := framing.Encode(c.buf[:0], payload)
	if err != nil {
		c.framesDropped.Add(1)
		return err
	}
	c.buf = buf

	conn := c.current()
	if conn == nil {
		c.framesDropped.Add(1)
		return ErrClosed
	}
	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}

	n, err := conn.Write(buf)
	if err == nil {
		c.framesSent.Add(1)
		c.bytesSent.Add(int64(n))
		return nil
	}

	c.framesDropped.Add(1)
	if c.closed.Load() {
		return ErrClosed
	}

	// A partially written frame desynchronizes the stream, so it is handled
	// like a broken connection.
	if isBroken(err) || n > 0 {
		c.log.Warn("connection lost, reconnecting", "addr", c.cfg.Addr, "written", n, "error", err)
		c.dropConn()
		c.reconnects.Add(1)
		if err := c.connectLocked(ctx); err != nil {
			return err
		}
		return ErrFrameDropped
	}

	c.log.Warn("send failed, frame dropped", "size", len(payload), "error", err)
	return ErrFrameDropped
}

// ReceiveFrame reads one frame from the current connection. It does not
// reconnect; a read error closes the socket and leaves the channel
// Disconnected so the next Connect or SendFrame dials again.
func (c *Channel) ReceiveFrame() ([]byte, error) {
	conn := c.current()
	if conn == nil {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		return nil, net.ErrClosed
	}
	payload, err := framing.NewReader(conn, 0).ReadFrame()
	if err != nil {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		c.dropConn()
		return nil, err
	}
	return payload, nil
}

// Close releases the socket and stops any in-flight connect. It is safe to
// call more than once; later calls are no-ops.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeCancel()
		err = c.dropConn()
		c.log.Debug("closed", "frames_sent", c.framesSent.Load(), "frames_dropped", c.framesDropped.Load())
	})
	return err
}

func (c *Channel) current() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// dropConn closes and forgets the socket, leaving the channel Disconnected.
func (c *Channel) dropConn() error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.session = ""
	c.state.Store(int32(Disconnected))
	c.connMu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// isBroken reports whether err means the peer is gone rather than a
// transient stall.
func isBroken(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
