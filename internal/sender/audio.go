package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/avlink/internal/capture"
	"github.com/zsiec/avlink/internal/channel"
	"github.com/zsiec/avlink/internal/pcm"
)

// AudioStats is a snapshot of audio pipeline counters.
type AudioStats struct {
	State         string `json:"state"`
	Provider      string `json:"provider,omitempty"`
	ChunksSent    int64  `json:"chunksSent"`
	ChunksEmpty   int64  `json:"chunksEmpty"`
	ChunksDropped int64  `json:"chunksDropped"`
	BytesTrimmed  int64  `json:"bytesTrimmed"`
}

// AudioPipeline acquires a capture stream from a provider chain and sends
// frame-aligned PCM chunks. If no provider works it exits without error so
// video is unaffected.
type AudioPipeline struct {
	log    *slog.Logger
	ch     FrameSender
	chain  capture.Chain
	format pcm.Format

	state    atomic.Int32
	stop     *stopper
	provider atomic.Value
	sent     atomic.Int64
	empty    atomic.Int64
	dropped  atomic.Int64
	trimmed  atomic.Int64
}

// NewAudioPipeline creates an idle pipeline. If log is nil, slog.Default()
// is used.
func NewAudioPipeline(ch FrameSender, chain capture.Chain, format pcm.Format, log *slog.Logger) *AudioPipeline {
	if log == nil {
		log = slog.Default()
	}
	return &AudioPipeline{
		log:    log.With("component", "audio-sender"),
		ch:     ch,
		chain:  chain,
		format: format,
		stop:   newStopper(),
	}
}

// State returns the lifecycle state.
func (p *AudioPipeline) State() State {
	return State(p.state.Load())
}

// Stats returns a snapshot of counters.
func (p *AudioPipeline) Stats() AudioStats {
	name, _ := p.provider.Load().(string)
	return AudioStats{
		State:         p.State().String(),
		Provider:      name,
		ChunksSent:    p.sent.Load(),
		ChunksEmpty:   p.empty.Load(),
		ChunksDropped: p.dropped.Load(),
		BytesTrimmed:  p.trimmed.Load(),
	}
}

// Stop asks the pipeline to exit. It is a no-op after the first call.
func (p *AudioPipeline) Stop() {
	p.stop.Stop()
}

// Run acquires a device, connects and streams until ctx is cancelled, Stop
// is called or the device stops delivering. The capture stream and channel
// are closed on every exit path.
func (p *AudioPipeline) Run(ctx context.Context) error {
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
		p.log.Info("audio streaming stopped", "chunks_sent", p.sent.Load())
	}()

	if err := p.format.Validate(); err != nil {
		return err
	}

	stream, name, err := p.chain.Acquire(ctx, p.format, p.log)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error("all audio capture methods failed, continuing without audio", "error", err)
		}
		return nil
	}
	p.provider.Store(name)
	defer stream.Close()

	// Closing the stream unblocks a pending read on cancellation.
	release := context.AfterFunc(ctx, func() { stream.Close() })
	defer release()

	if err := p.ch.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	p.state.Store(int32(Streaming))

	format := stream.Format()
	p.log.Info("streaming audio",
		"provider", name,
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"chunk", format.ChunkDuration(),
	)

	// Callback delivery wins when a stream offers both.
	frameSize := format.FrameSize()
	switch s := stream.(type) {
	case capture.PushStream:
		p.push(ctx, s, frameSize)
	case capture.PullStream:
		p.pull(ctx, s, frameSize)
	default:
		return fmt.Errorf("sender: provider %s returned unsupported stream %T", name, stream)
	}
	return nil
}

func (p *AudioPipeline) pull(ctx context.Context, s capture.PullStream, frameSize int) {
	for ctx.Err() == nil {
		chunk, err := s.ReadChunk()
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error("audio capture stopped", "error", err)
			}
			return
		}
		p.send(ctx, chunk, frameSize)
	}
}

func (p *AudioPipeline) push(ctx context.Context, s capture.PushStream, frameSize int) {
	err := s.Start(func(chunk []byte) {
		if ctx.Err() != nil {
			return
		}
		p.send(ctx, chunk, frameSize)
	})
	if err != nil {
		p.log.Error("audio callback start failed", "error", err)
		return
	}
	<-ctx.Done()
}

// send realigns chunk to whole sample frames and sends it. Chunks with no
// whole frame are skipped.
func (p *AudioPipeline) send(ctx context.Context, chunk []byte, frameSize int) {
	aligned := pcm.Align(chunk, frameSize)
	if trimmed := len(chunk) - len(aligned); trimmed > 0 {
		p.trimmed.Add(int64(trimmed))
	}
	if len(aligned) == 0 {
		p.empty.Add(1)
		return
	}
	err := p.ch.SendFrame(ctx, aligned)
	switch {
	case err == nil:
		p.sent.Add(1)
	case errors.Is(err, channel.ErrFrameDropped):
		p.dropped.Add(1)
	case ctx.Err() == nil:
		p.log.Warn("send failed", "error", err)
	}
}
