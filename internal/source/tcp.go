package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/zsiec/avlink/internal/channel"
	"github.com/zsiec/avlink/internal/framing"
)

type tcpSource struct {
	locator string
	addr    string
	opts    Options
	log     *slog.Logger
}

func (s *tcpSource) Locator() string { return s.locator }
func (s *tcpSource) Scheme() string  { return SchemeTCP }
func (s *tcpSource) Close() error    { return nil }

func (s *tcpSource) Open(ctx context.Context) (Capture, error) {
	conn, err := channel.Dial(ctx, &net.Dialer{}, s.addr, s.opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	return newConnCapture(conn, s.opts.MaxFrameSize), nil
}

func newConnCapture(conn net.Conn, limit uint32) *framedCapture {
	return &framedCapture{
		rc:     conn,
		r:      framing.NewReader(conn, limit),
		remote: conn.RemoteAddr().String(),
	}
}

// listenSource binds its port on the first Open and keeps it for the life of
// the source; each Open accepts one sender.
type listenSource struct {
	locator string
	addr    string
	opts    Options
	log     *slog.Logger

	mu     sync.Mutex
	ln     *net.TCPListener
	closed bool
}

func (s *listenSource) Locator() string { return s.locator }
func (s *listenSource) Scheme() string  { return SchemeTCPListen }

// Addr returns the bound address, or nil before the first Open.
func (s *listenSource) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *listenSource) listener(ctx context.Context) (*net.TCPListener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, net.ErrClosed
	}
	if s.ln != nil {
		return s.ln, nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln.(*net.TCPListener)
	s.log.Info("listening", "addr", s.ln.Addr().String())
	return s.ln, nil
}

func (s *listenSource) Open(ctx context.Context) (Capture, error) {
	ln, err := s.listener(ctx)
	if err != nil {
		return nil, err
	}

	// An expired deadline unblocks Accept when ctx is cancelled. It is
	// cleared first because a previous Open may have left one behind.
	_ = ln.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = ln.SetDeadline(time.Now()) })
	conn, err := ln.AcceptTCP()
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept on %s: %w", s.addr, err)
	}
	channel.SetNoDelay(conn)
	s.log.Info("sender connected", "remote", conn.RemoteAddr().String())
	return newConnCapture(conn, s.opts.MaxFrameSize), nil
}

// Close releases the listening socket. Later Opens fail.
func (s *listenSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
