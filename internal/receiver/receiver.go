// Package receiver displays several live streams at once. Each source runs
// its own reconnecting pipeline, a watchdog resets streams that stall, and a
// single dispatcher goroutine delivers every update to the renderer.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avlink/internal/ingest"
	"github.com/zsiec/avlink/internal/source"
	"github.com/zsiec/avlink/internal/stream"
)

// Config describes a receiver.
type Config struct {
	Sources        []string
	Backoff        time.Duration
	WatchdogPeriod time.Duration
	StaleThreshold time.Duration
	QueueSize      int
	SourceOptions  source.Options
	Transform      FrameTransform
}

// Receiver runs one pipeline per source plus the watchdog and dispatcher.
type Receiver struct {
	log       *slog.Logger
	table     *stream.Table
	registry  *ingest.Registry
	disp      *Dispatcher
	watchdog  *Watchdog
	pipelines []*Pipeline
	sessions  atomic.Int64
}

// New parses every source locator and builds a Receiver that renders to r.
// If log is nil, slog.Default() is used.
func New(cfg Config, r Renderer, log *slog.Logger) (*Receiver, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(cfg.Sources) == 0 {
		return nil, errors.New("receiver: at least one source is required")
	}
	srcs := make([]source.Source, 0, len(cfg.Sources))
	for i, loc := range cfg.Sources {
		src, err := source.Parse(loc, cfg.SourceOptions, log)
		if err != nil {
			for _, s := range srcs {
				s.Close()
			}
			return nil, fmt.Errorf("receiver: source %d: %w", i, err)
		}
		srcs = append(srcs, src)
	}
	return NewFromSources(srcs, cfg, r, log), nil
}

// NewFromSources builds a Receiver over already constructed sources;
// cfg.Sources is ignored.
func NewFromSources(srcs []source.Source, cfg Config, r Renderer, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	locators := make([]string, len(srcs))
	for i, s := range srcs {
		locators[i] = s.Locator()
	}
	table := stream.NewTable(locators, log)
	disp := NewDispatcher(r, cfg.QueueSize, log)

	rc := &Receiver{
		log:      log.With("component", "receiver"),
		table:    table,
		disp:     disp,
		watchdog: NewWatchdog(table.All(), disp, cfg.WatchdogPeriod, cfg.StaleThreshold, log),
	}
	rc.registry = ingest.NewRegistry(rc.watchSession)
	registry := rc.registry
	for i, src := range srcs {
		desc, _ := table.Get(i)
		rc.pipelines = append(rc.pipelines, NewPipeline(desc, src, disp, registry, cfg.Backoff, cfg.Transform, log))
	}
	return rc
}

// watchSession waits for a capture session to end and records its totals.
func (r *Receiver) watchSession(s *ingest.Session) {
	<-s.Done()
	r.sessions.Add(1)
	st := s.Stats()
	r.log.Info("capture session ended",
		"index", st.Index,
		"remote", st.RemoteAddr,
		"frames", st.FrameCount,
		"bytes", st.BytesReceived,
		"uptime_ms", st.UptimeMs,
	)
}

// SessionsEnded returns the number of capture sessions that have finished.
func (r *Receiver) SessionsEnded() int64 { return r.sessions.Load() }

// Table returns the stream descriptor table.
func (r *Receiver) Table() *stream.Table { return r.table }

// Registry returns the live capture session registry.
func (r *Receiver) Registry() *ingest.Registry { return r.registry }

// Dispatcher returns the update dispatcher.
func (r *Receiver) Dispatcher() *Dispatcher { return r.disp }

// Watchdog returns the staleness watchdog.
func (r *Receiver) Watchdog() *Watchdog { return r.watchdog }

// Run starts every component and blocks until ctx is cancelled. All capture
// handles are closed before it returns.
func (r *Receiver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.disp.Run(ctx) })
	for _, p := range r.pipelines {
		g.Go(func() error { return p.Run(ctx) })
	}
	g.Go(func() error { return r.watchdog.Run(ctx) })

	r.log.Info("receiver started", "streams", len(r.pipelines))
	err := g.Wait()
	r.log.Info("receiver stopped")
	return err
}
