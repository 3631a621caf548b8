package receiver

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// DefaultQueueSize is the dispatcher's update buffer.
const DefaultQueueSize = 64

// DispatcherStats is a snapshot of dispatcher counters.
type DispatcherStats struct {
	Delivered     int64 `json:"delivered"`
	FramesDropped int64 `json:"framesDropped"`
	Queued        int   `json:"queued"`
}

// Dispatcher serializes updates from every pipeline onto one consumer
// goroutine, which is the only caller of the Renderer.
type Dispatcher struct {
	log   *slog.Logger
	r     Renderer
	queue chan Update

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher creates a Dispatcher with a queue of size updates. If log is
// nil, slog.Default() is used.
func NewDispatcher(r Renderer, size int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Dispatcher{
		log:   log.With("component", "dispatcher"),
		r:     r,
		queue: make(chan Update, size),
	}
}

// Publish queues u. Frames are dropped when the queue is full so a slow
// renderer never stalls a reader; state updates wait for room until ctx is
// done. It reports whether u was queued.
func (d *Dispatcher) Publish(ctx context.Context, u Update) bool {
	if u.Kind == KindFrame {
		select {
		case d.queue <- u:
			return true
		default:
			d.dropped.Add(1)
			return false
		}
	}
	select {
	case d.queue <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run delivers queued updates until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.log.Debug("dispatcher stopped", "delivered", d.delivered.Load(), "dropped", d.dropped.Load())
			return nil
		case u := <-d.queue:
			d.r.Render(u)
			d.delivered.Add(1)
		}
	}
}

// Stats returns a snapshot of counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Delivered:     d.delivered.Load(),
		FramesDropped: d.dropped.Load(),
		Queued:        len(d.queue),
	}
}
