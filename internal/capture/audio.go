package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zsiec/avlink/internal/pcm"
)

// ErrNoDevice is returned when no provider could open an audio stream.
var ErrNoDevice = errors.New("capture: no usable audio device")

// DefaultLoopbackKeywords match device names that capture desktop output
// rather than a microphone.
var DefaultLoopbackKeywords = []string{
	"stereo mix", "what you hear", "waveout mix", "loopback",
	"virtual cable", "cable input", "monitor", "stereo", "mix",
}

// Device is one enumerated audio input.
type Device struct {
	ID               string
	Name             string
	MaxInputChannels int
}

// Stream is an open audio capture. Format reports the negotiated format,
// which may have fewer channels than requested.
type Stream interface {
	Format() pcm.Format
	Close() error
}

// PullStream delivers chunks on demand. ReadChunk blocks until a chunk is
// available and returns an error once the device stops delivering.
type PullStream interface {
	Stream
	ReadChunk() ([]byte, error)
}

// PushStream delivers chunks by invoking a callback from its own goroutine.
type PushStream interface {
	Stream
	Start(deliver func(chunk []byte)) error
}

// Provider is one strategy in the device fallback chain.
type Provider interface {
	Name() string
	Open(ctx context.Context, f pcm.Format) (Stream, error)
}

// Backend enumerates and opens pull-mode input devices. OpenDevice with a nil
// device opens the platform default input.
type Backend interface {
	Devices(ctx context.Context) ([]Device, error)
	OpenDevice(ctx context.Context, dev *Device, f pcm.Format) (PullStream, error)
}

// PushBackend opens the default input in push-callback mode.
type PushBackend interface {
	OpenPush(ctx context.Context, f pcm.Format) (PushStream, error)
}

// LoopbackProvider searches enumerated devices for desktop-audio names and
// returns the first one that actually opens.
type LoopbackProvider struct {
	Backend  Backend
	Keywords []string
}

func (p *LoopbackProvider) Name() string { return "loopback" }

func (p *LoopbackProvider) Open(ctx context.Context, f pcm.Format) (Stream, error) {
	devices, err := p.Backend.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	keywords := p.Keywords
	if len(keywords) == 0 {
		keywords = DefaultLoopbackKeywords
	}

	var errs []error
	for i := range devices {
		dev := devices[i]
		if dev.MaxInputChannels <= 0 || !matchesAny(dev.Name, keywords) {
			continue
		}
		df := f
		df.Channels = min(f.Channels, dev.MaxInputChannels)
		s, err := p.Backend.OpenDevice(ctx, &dev, df)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dev.Name, err))
			continue
		}
		return s, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no device matches loopback keywords", ErrNoDevice)
	}
	return nil, errors.Join(append([]error{ErrNoDevice}, errs...)...)
}

// DefaultProvider opens the platform default input.
type DefaultProvider struct {
	Backend Backend
}

func (p *DefaultProvider) Name() string { return "default" }

func (p *DefaultProvider) Open(ctx context.Context, f pcm.Format) (Stream, error) {
	return p.Backend.OpenDevice(ctx, nil, f)
}

// CallbackProvider opens an alternate backend that pushes chunks through a
// callback instead of being read.
type CallbackProvider struct {
	Backend PushBackend
}

func (p *CallbackProvider) Name() string { return "callback" }

func (p *CallbackProvider) Open(ctx context.Context, f pcm.Format) (Stream, error) {
	return p.Backend.OpenPush(ctx, f)
}

// Chain is an ordered list of providers tried until one succeeds.
type Chain []Provider

// Acquire opens the first provider that succeeds and returns its stream and
// name. If every provider fails the joined error wraps ErrNoDevice.
func (c Chain) Acquire(ctx context.Context, f pcm.Format, log *slog.Logger) (Stream, string, error) {
	if log == nil {
		log = slog.Default()
	}
	errs := []error{ErrNoDevice}
	for _, p := range c {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		s, err := p.Open(ctx, f)
		if err == nil {
			log.Info("audio device acquired", "provider", p.Name(),
				"channels", s.Format().Channels, "sample_rate", s.Format().SampleRate)
			return s, p.Name(), nil
		}
		log.Warn("audio provider failed, trying next", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, "", errors.Join(errs...)
}

func matchesAny(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
