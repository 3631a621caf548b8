package sender

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultSettleDelay separates audio device acquisition from the video
// connect loop at startup.
const DefaultSettleDelay = 2 * time.Second

// Runner is a stoppable pipeline.
type Runner interface {
	Run(ctx context.Context) error
	Stop()
}

// Orchestrator runs audio in the background and video in the foreground.
// Audio failure is logged and never ends video streaming.
type Orchestrator struct {
	log    *slog.Logger
	video  Runner
	audio  Runner
	settle time.Duration
}

// NewOrchestrator creates an Orchestrator. A nil audio runner streams video
// only. If log is nil, slog.Default() is used.
func NewOrchestrator(video, audio Runner, settle time.Duration, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if settle < 0 {
		settle = 0
	}
	return &Orchestrator{
		log:    log.With("component", "orchestrator"),
		video:  video,
		audio:  audio,
		settle: settle,
	}
}

// Run starts audio, waits the settle delay, then runs video on the calling
// goroutine. When video returns or ctx is cancelled both pipelines are
// stopped and Run waits for audio to finish.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	if o.audio != nil {
		g.Go(func() error {
			if err := o.audio.Run(ctx); err != nil {
				o.log.Error("audio pipeline exited", "error", err)
			}
			return nil
		})

		timer := time.NewTimer(o.settle)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	var err error
	if ctx.Err() == nil {
		o.log.Info("starting audio-video streaming")
		err = o.video.Run(ctx)
		if err != nil {
			o.log.Error("video pipeline exited", "error", err)
		}
	}

	cancel()
	o.video.Stop()
	if o.audio != nil {
		o.audio.Stop()
	}
	g.Wait()
	o.log.Info("streaming stopped")
	return err
}
