// Package sender runs the producing side of an avlink link: a paced video
// pipeline and a PCM audio pipeline, each owning its own framed channel, and
// an orchestrator that runs both while keeping video independent of audio.
package sender

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyStarted is returned when Run is called twice on one pipeline.
var ErrAlreadyStarted = errors.New("sender: pipeline already started")

// FrameSender is the subset of *channel.Channel the pipelines use.
type FrameSender interface {
	Connect(ctx context.Context) error
	SendFrame(ctx context.Context, payload []byte) error
	Close() error
}

// State is a pipeline lifecycle state.
type State int32

// Pipeline states.
const (
	Idle State = iota
	Connecting
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// stopper is the cooperative stop signal shared by both pipelines. Stop may
// be called any number of times from any goroutine.
type stopper struct {
	once sync.Once
	ch   chan struct{}
}

func newStopper() *stopper {
	return &stopper{ch: make(chan struct{})}
}

func (s *stopper) Stop() {
	s.once.Do(func() { close(s.ch) })
}

// bind returns a context that is cancelled when parent is done or Stop is
// called.
func (s *stopper) bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
