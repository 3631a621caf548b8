// Package alert carries short text alerts over UDP: a Sidecar that listens
// for datagrams and hands each one to a Sink, and a Notifier that sends them
// once per detection episode.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultAddr is the sidecar listen address.
const DefaultAddr = ":5005"

// MaxDatagramSize is the largest UDP payload over IPv4. The receive buffer
// has this size so no datagram is cut short.
const MaxDatagramSize = 65507

// Message is one received alert.
type Message struct {
	Text string    `json:"text"`
	From string    `json:"from"`
	At   time.Time `json:"at"`
}

// Sidecar receives alert datagrams and delivers their text to a Sink.
type Sidecar struct {
	log     *slog.Logger
	addr    string
	bufSize int
	sink    Sink

	mu     sync.Mutex
	conn   net.PacketConn
	closed bool

	received atomic.Int64
	ignored  atomic.Int64
}

// NewSidecar creates a Sidecar for addr. If log is nil, slog.Default() is
// used.
func NewSidecar(addr string, sink Sink, log *slog.Logger) *Sidecar {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		addr = DefaultAddr
	}
	return &Sidecar{
		log:     log.With("component", "alert-sidecar"),
		addr:    addr,
		bufSize: MaxDatagramSize,
		sink:    sink,
	}
}

// Listen binds the UDP socket. A bind failure is returned so the caller can
// report it and run without alerts.
func (s *Sidecar) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	if s.conn != nil {
		return nil
	}
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("alert listen on %s: %w", s.addr, err)
	}
	s.conn = conn
	s.log.Info("listening", "addr", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Sidecar) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve receives datagrams until ctx is cancelled or Close is called. It
// calls Listen first if needed. Receive errors are logged and the loop
// continues.
func (s *Sidecar) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	// Closing the socket is what unblocks the pending receive.
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	buf := make([]byte, s.bufSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.log.Info("alert listener stopped", "received", s.received.Load())
				return nil
			}
			s.log.Warn("receive failed", "error", err)
			continue
		}
		text, ok := Decode(buf[:n])
		if !ok {
			s.ignored.Add(1)
			continue
		}
		s.received.Add(1)
		s.log.Info("alert received", "from", from.String(), "text", text)
		s.sink.Alert(Message{Text: text, From: from.String(), At: time.Now()})
	}
}

// Close closes the socket. It is safe to call more than once.
func (s *Sidecar) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Received returns the number of alerts delivered to the sink.
func (s *Sidecar) Received() int64 { return s.received.Load() }

// Ignored returns the number of empty datagrams skipped.
func (s *Sidecar) Ignored() int64 { return s.ignored.Load() }

// Decode converts a datagram to alert text. Invalid UTF-8 is replaced,
// trailing line endings are trimmed, and blank payloads report false.
func Decode(b []byte) (string, bool) {
	text := strings.ToValidUTF8(string(b), "�")
	text = strings.TrimRight(text, "\r\n")
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}
