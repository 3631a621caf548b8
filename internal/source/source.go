// Package source opens live frame captures from locators. A locator names a
// transport and an endpoint:
//
//	tcp://host:port          dial a framed sender
//	tcp+listen://host:port   accept framed senders on a bound port
//	srt://host:port          dial an SRT listener carrying framed payloads
//
// A Source can be opened repeatedly; each Open yields a fresh Capture.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/zsiec/avlink/internal/framing"
)

// ErrUnsupportedScheme is returned by Parse for unknown locator schemes.
var ErrUnsupportedScheme = errors.New("source: unsupported locator scheme")

// Locator schemes.
const (
	SchemeTCP       = "tcp"
	SchemeTCPListen = "tcp+listen"
	SchemeSRT       = "srt"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultDialTimeout = 5 * time.Second
)

// Capture is one open connection yielding frames. Close is idempotent and
// unblocks a concurrent ReadFrame.
type Capture interface {
	ReadFrame() ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Source opens captures for one locator.
type Source interface {
	Open(ctx context.Context) (Capture, error)
	Locator() string
	Scheme() string
	Close() error
}

// Options tune how sources connect and read.
type Options struct {
	DialTimeout  time.Duration
	MaxFrameSize uint32
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = framing.DefaultMaxFrameSize
	}
	return o
}

// Parse builds the Source for locator. If log is nil, slog.Default() is used.
func Parse(locator string, opts Options, log *slog.Logger) (Source, error) {
	if log == nil {
		log = slog.Default()
	}
	u, err := url.Parse(locator)
	if err != nil {
		return nil, fmt.Errorf("source: parse %q: %w", locator, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("source: locator %q has no host:port", locator)
	}
	opts = opts.withDefaults()
	log = log.With("component", "source", "locator", locator)

	switch u.Scheme {
	case SchemeTCP:
		return &tcpSource{locator: locator, addr: u.Host, opts: opts, log: log}, nil
	case SchemeTCPListen:
		return &listenSource{locator: locator, addr: u.Host, opts: opts, log: log}, nil
	case SchemeSRT:
		return &srtSource{
			locator:  locator,
			addr:     u.Host,
			streamID: u.Query().Get("streamid"),
			opts:     opts,
			log:      log,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// framedCapture reads length-prefixed frames from a byte stream.
type framedCapture struct {
	rc     interface{ Close() error }
	r      *framing.Reader
	remote string

	closeOnce sync.Once
	closeErr  error
}

func (c *framedCapture) ReadFrame() ([]byte, error) {
	return c.r.ReadFrame()
}

func (c *framedCapture) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.rc.Close() })
	return c.closeErr
}

func (c *framedCapture) RemoteAddr() string {
	return c.remote
}
