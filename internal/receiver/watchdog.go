package receiver

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/avlink/internal/stream"
)

// Watchdog defaults.
const (
	DefaultWatchdogPeriod = time.Second
	DefaultStaleThreshold = 5 * time.Second
)

// StaleMessage is the error text shown for a stream the watchdog resets.
const StaleMessage = "Stream timeout, reconnecting..."

// Watchdog periodically resets streams that claim to be connected but have
// not produced a frame within the threshold. It shows an error for the stream
// and then closes the capture, which makes the blocked reader fail and its
// pipeline reconnect.
type Watchdog struct {
	log       *slog.Logger
	descs     []*stream.Descriptor
	disp      *Dispatcher
	period    time.Duration
	threshold time.Duration
	resets    atomic.Int64
}

// NewWatchdog creates a Watchdog over descs that reports resets through disp.
// disp may be nil. If log is nil, slog.Default() is used.
func NewWatchdog(descs []*stream.Descriptor, disp *Dispatcher, period, threshold time.Duration, log *slog.Logger) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	if period <= 0 {
		period = DefaultWatchdogPeriod
	}
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return &Watchdog{
		log:       log.With("component", "watchdog"),
		descs:     descs,
		disp:      disp,
		period:    period,
		threshold: threshold,
	}
}

// Resets returns the number of forced resets so far.
func (w *Watchdog) Resets() int64 {
	return w.resets.Load()
}

// Run checks every period until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			w.check(ctx, now)
		}
	}
}

func (w *Watchdog) check(ctx context.Context, now time.Time) int {
	n := 0
	for _, d := range w.descs {
		if !d.Stale(now, w.threshold) {
			continue
		}
		w.log.Warn("stream stale, forcing reset", "index", d.Index, "locator", d.Locator, "threshold", w.threshold)
		if w.disp != nil {
			w.disp.Publish(ctx, Update{Index: d.Index, Kind: KindError, Message: StaleMessage, At: now})
		}
		d.ForceReset()
		w.resets.Add(1)
		n++
	}
	return n
}
