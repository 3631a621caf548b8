package receiver

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"log/slog"
	"time"

	"github.com/zsiec/avlink/internal/capture"
	"github.com/zsiec/avlink/internal/ingest"
	"github.com/zsiec/avlink/internal/source"
	"github.com/zsiec/avlink/internal/stream"
)

// DefaultBackoff is the pause between reconnect attempts.
const DefaultBackoff = time.Second

var errReset = errors.New("receiver: stream reset")

// FrameTransform prepares a received payload for display. A transform error
// skips the frame.
type FrameTransform func(frame []byte) ([]byte, error)

// JPEGResize returns a transform that decodes a JPEG payload and re-encodes
// it at enc's size and quality, e.g. to fit one cell of a grid.
func JPEGResize(enc *capture.JPEGEncoder) FrameTransform {
	return func(frame []byte) ([]byte, error) {
		img, err := jpeg.Decode(bytes.NewReader(frame))
		if err != nil {
			return nil, err
		}
		return enc.Encode(img)
	}
}

// DecodeCheck passes through payloads whose image header decodes and skips
// the rest.
func DecodeCheck(frame []byte) ([]byte, error) {
	if _, _, err := image.DecodeConfig(bytes.NewReader(frame)); err != nil {
		return nil, err
	}
	return frame, nil
}

// Pipeline owns one source. It loops Connecting → Reading → Connecting until
// its context is cancelled, publishing state changes and frames.
type Pipeline struct {
	log      *slog.Logger
	desc     *stream.Descriptor
	src      source.Source
	disp     *Dispatcher
	registry *ingest.Registry
	backoff  time.Duration
	fn       FrameTransform
}

// NewPipeline creates a pipeline for desc reading from src. registry may be
// nil. If log is nil, slog.Default() is used.
func NewPipeline(desc *stream.Descriptor, src source.Source, disp *Dispatcher, registry *ingest.Registry, backoff time.Duration, fn FrameTransform, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	return &Pipeline{
		log:      log.With("component", "receive-pipeline", "index", desc.Index),
		desc:     desc,
		src:      src,
		disp:     disp,
		registry: registry,
		backoff:  backoff,
		fn:       fn,
	}
}

// Run reads until ctx is cancelled. The source is closed on return.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.src.Close()

	for ctx.Err() == nil {
		epoch := p.desc.BeginConnect()
		p.publishState(ctx, KindConnecting, "Connecting...")

		capt, err := p.src.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.log.Debug("open failed", "locator", p.src.Locator(), "error", err)
			p.publishState(ctx, KindError, "Connection failed, retrying...")
			p.sleep(ctx)
			continue
		}

		if !p.desc.Attach(epoch, capt) {
			capt.Close()
			continue
		}
		p.log.Info("stream connected", "locator", p.src.Locator(), "remote", capt.RemoteAddr())

		err = p.read(ctx, epoch, capt)

		capt.Close()
		p.desc.Detach(epoch)
		if ctx.Err() != nil {
			break
		}
		p.log.Warn("stream lost", "locator", p.src.Locator(), "error", err)
		p.publishState(ctx, KindError, "Stream lost, reconnecting...")
		p.sleep(ctx)
	}
	return nil
}

// read pulls frames from capt until it fails or is reset.
func (p *Pipeline) read(ctx context.Context, epoch uint64, capt source.Capture) error {
	// Closing the capture unblocks ReadFrame on cancellation.
	stop := context.AfterFunc(ctx, func() { capt.Close() })
	defer stop()

	var sess *ingest.Session
	if p.registry != nil {
		sess = p.registry.Register(p.desc.Index, p.src.Locator(), p.src.Scheme())
		sess.SetRemoteAddr(capt.RemoteAddr())
		defer p.registry.Unregister(sess)
	}

	for {
		frame, err := capt.ReadFrame()
		if err != nil {
			return err
		}
		if sess != nil {
			sess.RecordFrame(len(frame))
		}
		if p.fn != nil {
			out, err := p.fn(frame)
			if err != nil {
				p.log.Debug("frame transform failed", "error", err)
				continue
			}
			frame = out
		}
		if !p.desc.MarkFrame(epoch, time.Now()) {
			return errReset
		}
		p.disp.Publish(ctx, Update{Index: p.desc.Index, Kind: KindFrame, Frame: frame, At: time.Now()})
	}
}

func (p *Pipeline) publishState(ctx context.Context, k Kind, msg string) {
	p.disp.Publish(ctx, Update{Index: p.desc.Index, Kind: k, Message: msg, At: time.Now()})
}

func (p *Pipeline) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
