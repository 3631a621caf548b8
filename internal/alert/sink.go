package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
)

// Sink consumes alerts. The sidecar calls Alert from its receive goroutine.
type Sink interface {
	Alert(m Message)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(m Message)

// Alert calls f(m).
func (f SinkFunc) Alert(m Message) { f(m) }

// MultiSink delivers each alert to every sink in order.
type MultiSink []Sink

// Alert forwards m to each sink.
func (ms MultiSink) Alert(m Message) {
	for _, s := range ms {
		s.Alert(m)
	}
}

// LogSink logs alerts at warn level.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink. If log is nil, slog.Default() is used.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With("component", "alert-log")}
}

// Alert logs m.
func (l *LogSink) Alert(m Message) {
	l.log.Warn("ALERT", "text", m.Text, "from", m.From)
}

// DefaultQueueSize is the Queue buffer.
const DefaultQueueSize = 16

// Queue hands alerts to a single consumer goroutine so slow handlers (for
// example speech output) run one at a time and in arrival order. Alert
// blocks while the buffer is full.
type Queue struct {
	log     *slog.Logger
	handle  func(ctx context.Context, m Message) error
	ch      chan Message
	done    chan struct{}
	once    sync.Once
	handled atomic.Int64
	failed  atomic.Int64
}

// NewQueue creates a Queue that runs handle for each alert. If log is nil,
// slog.Default() is used.
func NewQueue(size int, handle func(ctx context.Context, m Message) error, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		log:    log.With("component", "alert-queue"),
		handle: handle,
		ch:     make(chan Message, size),
		done:   make(chan struct{}),
	}
}

// Alert queues m. It returns without queueing once the consumer has stopped.
func (q *Queue) Alert(m Message) {
	select {
	case q.ch <- m:
	case <-q.done:
	}
}

// Run handles queued alerts until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	defer q.once.Do(func() { close(q.done) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-q.ch:
			if err := q.handle(ctx, m); err != nil {
				q.failed.Add(1)
				if ctx.Err() == nil {
					q.log.Warn("alert handler failed", "error", err)
				}
				continue
			}
			q.handled.Add(1)
		}
	}
}

// Handled returns the number of alerts handled without error.
func (q *Queue) Handled() int64 { return q.handled.Load() }

// Failed returns the number of alerts whose handler returned an error.
func (q *Queue) Failed() int64 { return q.failed.Load() }

// Speaker reads alerts aloud with a text-to-speech command such as
// espeak or say. The alert text is passed as the final argument.
type Speaker struct {
	Argv []string
}

// NewSpeaker returns a Speaker using espeak.
func NewSpeaker() *Speaker {
	return &Speaker{Argv: []string{"espeak"}}
}

// Speak runs the speech command for m and waits for it to finish.
func (s *Speaker) Speak(ctx context.Context, m Message) error {
	if len(s.Argv) == 0 {
		return errors.New("alert: speaker command is empty")
	}
	args := append(append([]string(nil), s.Argv[1:]...), m.Text)
	out, err := exec.CommandContext(ctx, s.Argv[0], args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("speak: %w: %s", err, out)
	}
	return nil
}
