// Package publish mirrors receiver state and alerts into Redis so other
// processes can follow them: every event is PUBLISHed on a channel and the
// latest state of each stream is kept in a hash.
package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/avlink/internal/alert"
	"github.com/zsiec/avlink/internal/receiver"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultPrefix     = "avlink"
	DefaultBufferSize = 256
	opTimeout         = 500 * time.Millisecond
)

// Event types.
const (
	TypeStream = "stream"
	TypeAlert  = "alert"
)

// Event is the JSON document published for each change.
type Event struct {
	Type      string    `json:"type"`
	Index     int       `json:"index"`
	State     string    `json:"state,omitempty"`
	Message   string    `json:"message,omitempty"`
	FrameSize int       `json:"frameSize,omitempty"`
	From      string    `json:"from,omitempty"`
	At        time.Time `json:"at"`
}

// Options configure the Redis publisher.
type Options struct {
	Addr       string
	Password   string
	DB         int
	Prefix     string
	BufferSize int
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	return o
}

// Redis is a receiver.Renderer and alert.Sink that forwards events to Redis
// from its own goroutine. Events are dropped when the buffer is full so a
// slow or absent Redis never stalls rendering or alert handling.
type Redis struct {
	log    *slog.Logger
	client *redis.Client
	opts   Options
	events chan Event

	// last is only touched from Render, which the dispatcher serializes.
	last map[int]receiver.Kind

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewRedis creates a publisher. No connection is made until Ping or Run. If
// log is nil, slog.Default() is used.
func NewRedis(opts Options, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     4,
		MaxRetries:   1,
	})
	return &Redis{
		log:    log.With("component", "redis-publisher", "addr", opts.Addr),
		client: client,
		opts:   opts,
		events: make(chan Event, opts.BufferSize),
		last:   make(map[int]receiver.Kind),
	}
}

// EventsChannel is the pub/sub channel events are published on.
func (r *Redis) EventsChannel() string { return r.opts.Prefix + ":events" }

// StreamsKey is the hash holding the latest event per stream index.
func (r *Redis) StreamsKey() string { return r.opts.Prefix + ":streams" }

// Ping checks connectivity and logs the round trip.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	start := time.Now()
	err := r.client.Ping(ctx).Err()
	if err != nil {
		r.log.Warn("connection failed", "error", err, "ping_rtt", time.Since(start))
		return err
	}
	r.log.Info("connection established", "ping_rtt", time.Since(start))
	return nil
}

// Render turns stream state transitions into events. Consecutive frames of a
// live stream produce one event, not one per frame.
func (r *Redis) Render(u receiver.Update) {
	prev, seen := r.last[u.Index]
	r.last[u.Index] = u.Kind
	if u.Kind == receiver.KindFrame && seen && prev == receiver.KindFrame {
		return
	}
	r.enqueue(Event{
		Type:      TypeStream,
		Index:     u.Index,
		State:     u.Kind.String(),
		Message:   u.Message,
		FrameSize: len(u.Frame),
		At:        u.At,
	})
}

// Alert publishes m.
func (r *Redis) Alert(m alert.Message) {
	r.enqueue(Event{Type: TypeAlert, Message: m.Text, From: m.From, At: m.At})
}

func (r *Redis) enqueue(e Event) {
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
	}
}

// Run publishes queued events until ctx is cancelled, then closes the
// client.
func (r *Redis) Run(ctx context.Context) error {
	defer r.client.Close()
	for {
		select {
		case <-ctx.Done():
			r.log.Debug("publisher stopped", "published", r.published.Load(), "dropped", r.dropped.Load())
			return nil
		case e := <-r.events:
			if err := r.publish(ctx, e); err != nil {
				r.failed.Add(1)
				if ctx.Err() == nil {
					r.log.Debug("publish failed", "type", e.Type, "error", err)
				}
				continue
			}
			r.published.Add(1)
		}
	}
}

func (r *Redis) publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Publish(ctx, r.EventsChannel(), body)
	if e.Type == TypeStream {
		pipe.HSet(ctx, r.StreamsKey(), strconv.Itoa(e.Index), body)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Stats reports published, dropped and failed event counts.
func (r *Redis) Stats() (published, dropped, failed int64) {
	return r.published.Load(), r.dropped.Load(), r.failed.Load()
}
