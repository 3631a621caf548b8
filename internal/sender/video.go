package sender

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/zsiec/avlink/internal/capture"
	"github.com/zsiec/avlink/internal/channel"
)

// Video pacing defaults.
const (
	DefaultFPS            = 8
	DefaultReportInterval = time.Second
)

// VideoConfig controls pacing and reporting.
type VideoConfig struct {
	FPS            float64
	ReportInterval time.Duration
}

// VideoStats is a snapshot of video pipeline counters.
type VideoStats struct {
	State         string  `json:"state"`
	FramesSent    int64   `json:"framesSent"`
	FramesSkipped int64   `json:"framesSkipped"`
	FramesDropped int64   `json:"framesDropped"`
	RealizedFPS   float64 `json:"realizedFps"`
	LastFrameSize int64   `json:"lastFrameSize"`
}

// VideoPipeline captures, encodes and sends one frame per tick at a target
// rate. A failed capture or encode skips the tick.
type VideoPipeline struct {
	log *slog.Logger
	ch  FrameSender
	src capture.ImageSource
	enc capture.Encoder
	cfg VideoConfig

	state    atomic.Int32
	stop     *stopper
	sent     atomic.Int64
	skipped  atomic.Int64
	dropped  atomic.Int64
	fpsBits  atomic.Uint64
	lastSize atomic.Int64
}

// NewVideoPipeline creates an idle pipeline. If log is nil, slog.Default()
// is used.
func NewVideoPipeline(ch FrameSender, src capture.ImageSource, enc capture.Encoder, cfg VideoConfig, log *slog.Logger) *VideoPipeline {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultReportInterval
	}
	return &VideoPipeline{
		log:  log.With("component", "video-sender"),
		ch:   ch,
		src:  src,
		enc:  enc,
		cfg:  cfg,
		stop: newStopper(),
	}
}

// State returns the lifecycle state.
func (p *VideoPipeline) State() State {
	return State(p.state.Load())
}

// Stats returns a snapshot of counters.
func (p *VideoPipeline) Stats() VideoStats {
	return VideoStats{
		State:         p.State().String(),
		FramesSent:    p.sent.Load(),
		FramesSkipped: p.skipped.Load(),
		FramesDropped: p.dropped.Load(),
		RealizedFPS:   math.Float64frombits(p.fpsBits.Load()),
		LastFrameSize: p.lastSize.Load(),
	}
}

// Stop asks the loop to finish its current iteration and exit. It is a no-op
// after the first call.
func (p *VideoPipeline) Stop() {
	p.stop.Stop()
}

// Run connects and streams until ctx is cancelled or Stop is called. The
// channel is closed on every exit path.
func (p *VideoPipeline) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(Idle), int32(Connecting)) {
		return ErrAlreadyStarted
	}
	ctx, cancel := p.stop.bind(ctx)
	defer cancel()
	defer func() {
		p.state.Store(int32(Closed))
		if err := p.ch.Close(); err != nil {
			p.log.Debug("channel close", "error", err)
		}
		p.log.Info("video streaming stopped", "frames_sent", p.sent.Load())
	}()

	if err := p.ch.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	p.state.Store(int32(Streaming))

	interval := time.Duration(float64(time.Second) / p.cfg.FPS)
	p.log.Info("streaming video", "fps", p.cfg.FPS, "interval", interval)

	windowStart := time.Now()
	windowFrames := 0
	for ctx.Err() == nil {
		start := time.Now()

		if data, ok := p.produce(ctx); ok {
			err := p.ch.SendFrame(ctx, data)
			switch {
			case err == nil:
				p.sent.Add(1)
				p.lastSize.Store(int64(len(data)))
				windowFrames++
			case errors.Is(err, channel.ErrFrameDropped):
				p.dropped.Add(1)
			case ctx.Err() != nil:
			default:
				p.log.Warn("send failed", "error", err)
			}
			if ctx.Err() != nil {
				break
			}
		}

		if elapsed := time.Since(windowStart); elapsed >= p.cfg.ReportInterval {
			fps := float64(windowFrames) / elapsed.Seconds()
			p.fpsBits.Store(math.Float64bits(fps))
			p.log.Info("video stats", "fps", math.Round(fps*10)/10, "frame_size", p.lastSize.Load())
			windowStart = time.Now()
			windowFrames = 0
		}

		// Drift is corrected per tick, not accumulated.
		if wait := interval - time.Since(start); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
	}
	return nil
}

// produce captures and encodes one frame. ok is false when the tick has no
// frame to send.
func (p *VideoPipeline) produce(ctx context.Context) ([]byte, bool) {
	img, err := p.src.Capture(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.log.Warn("capture failed", "error", err)
		}
		p.skipped.Add(1)
		return nil, false
	}
	data, err := p.enc.Encode(img)
	if err != nil {
		p.log.Warn("encode failed", "error", err)
		p.skipped.Add(1)
		return nil, false
	}
	if len(data) == 0 {
		p.skipped.Add(1)
		return nil, false
	}
	return data, true
}
