// Package channel implements the sender side of an avlink link: a connection
// manager that dials with unbounded fixed-delay retry, and a framed channel
// that writes length-prefixed payloads and reconnects when the peer goes away.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultRetryDelay  = 3 * time.Second
	DefaultDialTimeout = 5 * time.Second
)

// Dialer is satisfied by *net.Dialer. Tests inject failing or fault-injecting
// dialers through it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config describes one logical stream direction (video or audio).
type Config struct {
	// Name labels log lines, e.g. "video" or "audio".
	Name string
	// Addr is the receiver endpoint as host:port.
	Addr string
	// RetryDelay is the fixed pause between failed connect attempts.
	RetryDelay time.Duration
	// DialTimeout bounds a single connect attempt.
	DialTimeout time.Duration
	// WriteTimeout, when non-zero, bounds a single frame write.
	WriteTimeout time.Duration
	Dialer       Dialer
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{Timeout: c.DialTimeout}
	}
	if c.Name == "" {
		c.Name = "channel"
	}
	return c
}

// Connector dials the configured endpoint until it succeeds.
type Connector struct {
	log      *slog.Logger
	cfg      Config
	attempts atomic.Int64
}

// NewConnector creates a Connector. If log is nil, slog.Default() is used.
func NewConnector(cfg Config, log *slog.Logger) *Connector {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Connector{
		log: log.With("component", "connector", "channel", cfg.Name),
		cfg: cfg,
	}
}

// Attempts returns the number of dial attempts made so far.
func (c *Connector) Attempts() int64 {
	return c.attempts.Load()
}

// Connect blocks until a TCP connection is established, retrying forever with
// the fixed RetryDelay and logging every failure. It returns an error only when
// ctx is done.
func (c *Connector) Connect(ctx context.Context) (net.Conn, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.attempts.Add(1)
		conn, err := Dial(ctx, c.cfg.Dialer, c.cfg.Addr, c.cfg.DialTimeout)
		if err == nil {
			c.log.Info("connected", "addr", c.cfg.Addr, "attempt", attempt)
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.log.Warn("connect failed, retrying",
			"addr", c.cfg.Addr,
			"attempt", attempt,
			"retry_in", c.cfg.RetryDelay,
			"error", err,
		)

		timer := time.NewTimer(c.cfg.RetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Dial makes a single TCP connect attempt bounded by timeout and disables
// Nagle's algorithm on the result so small frames are not delayed.
func Dial(ctx context.Context, d Dialer, addr string, timeout time.Duration) (net.Conn, error) {
	if addr == "" {
		return nil, errors.New("channel: address is required")
	}
	if d == nil {
		d = &net.Dialer{}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	SetNoDelay(conn)
	return conn, nil
}

// SetNoDelay disables Nagle's algorithm when conn is a TCP connection.
func SetNoDelay(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}
