package source

import (
	"context"
	"fmt"
	"log/slog"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/avlink/internal/framing"
)

// srtLatencyNs is the SRT receive latency in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// srtSource dials an SRT listener. The SRT connection carries the same
// length-prefixed frames as TCP, so payloads larger than one SRT packet are
// reassembled by the frame reader.
type srtSource struct {
	locator  string
	addr     string
	streamID string
	opts     Options
	log      *slog.Logger
}

func (s *srtSource) Locator() string { return s.locator }
func (s *srtSource) Scheme() string  { return SchemeSRT }
func (s *srtSource) Close() error    { return nil }

func (s *srtSource) config() srtgo.Config {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if s.streamID != "" {
		cfg.StreamID = s.streamID
	}
	return cfg
}

func (s *srtSource) Open(ctx context.Context) (Capture, error) {
	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(s.addr, s.config())
		ch <- dialResult{conn, err}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial %s: %w", s.addr, res.err)
		}
		s.log.Debug("connected", "remote", res.conn.RemoteAddr().String())
		return &framedCapture{
			rc:     res.conn,
			r:      framing.NewReader(res.conn, s.opts.MaxFrameSize),
			remote: res.conn.RemoteAddr().String(),
		}, nil
	case <-ctx.Done():
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("SRT dial %s: %w", s.addr, ctx.Err())
	}
}
